package mailsubmit

import (
	"context"
	"io"
	"io/fs"
	"time"
)

// MailType tells how a mail must be transmitted.
type MailType int

const (
	// MailTypeASCII mails only contain ASCII envelope addresses and headers.
	MailTypeASCII MailType = iota
	// MailTypeInternationalized mails need the SMTPUTF8 extension.
	MailTypeInternationalized
)

func (mt MailType) String() string {
	if mt == MailTypeInternationalized {
		return "internationalized"
	}
	return "ascii"
}

// RenderContext carries what a mail needs to turn itself into an encodable
// message: the domain used for generated identifiers, a file system for
// attachments and embedded resources, and the clock for the Date header.
type RenderContext struct {
	Domain    string
	Resources fs.FS
	Now       func() time.Time
}

// Time returns the current time according to rc.
func (rc *RenderContext) Time() time.Time {
	if rc == nil || rc.Now == nil {
		return time.Now()
	}
	return rc.Now()
}

// Mail is a structured mail as submitted by callers.
type Mail interface {
	// EnvelopeHeader returns the address headers used to derive the envelope.
	EnvelopeHeader() (Header, error)
	// Render loads resources and returns the mail in encodable form.
	Render(rc *RenderContext) (Encodable, error)
}

// Encodable is a mail whose resources are loaded and which can be written
// in wire format.
type Encodable interface {
	Encode(w io.Writer, mt MailType) error
}

// MailRequest is a mail plus an optional envelope that overrides derivation.
type MailRequest struct {
	Mail     Mail
	Envelope *Envelope
}

// NewRequest returns a request whose envelope is derived from m's headers.
func NewRequest(m Mail) *MailRequest {
	return &MailRequest{Mail: m}
}

// NewRequestWithEnvelope returns a request with an explicit envelope.
func NewRequestWithEnvelope(m Mail, env *Envelope) *MailRequest {
	return &MailRequest{Mail: m, Envelope: env}
}

// ResolveEnvelope returns the explicit envelope, or derives one from the
// mail headers.
func (r *MailRequest) ResolveEnvelope() (*Envelope, error) {
	if r.Envelope != nil {
		if r.Envelope.From.IsZero() {
			return nil, ErrEmptyEnvelopeFrom
		}
		if len(r.Envelope.To) == 0 {
			return nil, ErrNoRecipients
		}
		return r.Envelope, nil
	}
	h, err := r.Mail.EnvelopeHeader()
	if err != nil {
		return nil, err
	}
	return DeriveEnvelope(h)
}

// EncodedMail is a fully serialized mail ready to be transmitted.
type EncodedMail struct {
	Data     []byte
	Envelope *Envelope
	Type     MailType
}

// Ack is the success outcome of a submission.
type Ack struct {
	// Response is the server's final reply text, or the provider's message id.
	Response string
}

// Conn is an established session with a mail submission server.
//
// SendEnvelope errors that carry a *SMTPError (see IsRejection) are
// protocol rejections after which the session remains usable. Any other
// error means the session is broken.
type Conn interface {
	SendEnvelope(ctx context.Context, m *EncodedMail) (Ack, error)
	Quit(ctx context.Context) error
	Close() error
}

// Connector opens sessions.
type Connector interface {
	Connect(ctx context.Context) (Conn, error)
}

// ConnectorFunc adapts a function to the Connector interface.
type ConnectorFunc func(ctx context.Context) (Conn, error)

// Connect calls f(ctx).
func (f ConnectorFunc) Connect(ctx context.Context) (Conn, error) {
	return f(ctx)
}
