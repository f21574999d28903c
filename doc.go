// Package mailsubmit provides the shared types of a mail-submission client
// that keeps one SMTP session open and feeds it from many concurrent callers.
//
// The package contains the request and envelope model, address parsing with
// SMTPUTF8 classification, the submission error taxonomy, and the small
// interfaces ([Conn], [Connector], [Mail]) that connect the submission
// service in [github.com/alexisbouchez/mailsubmit/submission] to concrete
// transports such as [github.com/alexisbouchez/mailsubmit/smtpclient].
//
// # Envelopes
//
// [DeriveEnvelope] computes the SMTP envelope from a mail's address headers.
// The Sender header wins over From, a single From is used otherwise, and a
// mail without a To header cannot be submitted. Cc and Bcc addresses are
// added as further recipients.
//
// # Errors
//
// Every failed submission resolves to a [*SendError] whose [Kind] tells
// where it failed. Server rejections carry a [*SMTPError] with the reply
// code, optional [EnhancedCode], and message.
package mailsubmit
