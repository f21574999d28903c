// Package smtpclient implements [mailsubmit.Conn] over an SMTP submission
// session.
//
// # Quick Start
//
// Use [Dial] to open a session, then hand encoded mails to
// [Client.SendEnvelope]:
//
//	c, err := smtpclient.Dial(ctx, "mail.example.com:587",
//	    smtpclient.WithAuth(sasl.NewPlainClient("", user, pass)))
//	if err != nil { ... }
//	defer c.Quit(ctx)
//	ack, err := c.SendEnvelope(ctx, encoded)
//
// A [Connector] wraps Dial for the submission service, which keeps one
// session open and reconnects only when idle.
//
// # Security
//
// By default the client upgrades with STARTTLS when the server offers it.
// [WithSecurity] selects required STARTTLS, implicit TLS, or plaintext.
//
// # Errors
//
// Negative replies are returned as [*mailsubmit.SMTPError] (wrapped) and
// leave the session usable: a rejected MAIL FROM or RCPT TO is followed by
// RSET. Any other error means the connection is broken. Mails needing
// SMTPUTF8 are rejected locally with 553 5.6.7 when the server does not
// advertise it, and mails larger than the advertised SIZE with 552 5.3.4.
//
// # Authentication
//
// [WithAuth] accepts any go-sasl client. [NewAuth] builds PLAIN, LOGIN and
// CRAM-MD5 clients by name.
package smtpclient
