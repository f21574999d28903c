package mailsubmit

import (
	"errors"
	"strings"
)

// Header holds the address headers of a mail that take part in envelope
// derivation.
type Header struct {
	Sender *Address
	From   []Address
	To     []Address
	Cc     []Address
	Bcc    []Address
}

// Envelope is the SMTP-level addressing of one transaction: the MAIL FROM
// address and the RCPT TO addresses. The recipient list is never empty.
type Envelope struct {
	From Address
	To   []Address
}

// Envelope derivation errors.
var (
	ErrNoRecipients      = errors.New("mailsubmit: envelope has no recipients")
	ErrNoTo              = errors.New("mailsubmit: no To header")
	ErrNoFrom            = errors.New("mailsubmit: no From header")
	ErrMultipleFrom      = errors.New("mailsubmit: multiple From addresses without a Sender header")
	ErrEmptyEnvelopeFrom = errors.New("mailsubmit: empty envelope sender")
)

// NewEnvelope returns an envelope for the given sender and recipients.
func NewEnvelope(from Address, to ...Address) (*Envelope, error) {
	if from.IsZero() {
		return nil, ErrEmptyEnvelopeFrom
	}
	if len(to) == 0 {
		return nil, ErrNoRecipients
	}
	return &Envelope{From: from, To: append([]Address(nil), to...)}, nil
}

// DeriveEnvelope computes the envelope of a mail from its headers.
//
// The envelope sender is the Sender header if present, otherwise the single
// From address. Recipients are the To addresses followed by any Cc and Bcc
// addresses not already listed; a mail without To is rejected.
func DeriveEnvelope(h Header) (*Envelope, error) {
	var from Address
	switch {
	case h.Sender != nil:
		from = *h.Sender
	case len(h.From) == 1:
		from = h.From[0]
	case len(h.From) == 0:
		return nil, ErrNoFrom
	default:
		return nil, ErrMultipleFrom
	}

	if len(h.To) == 0 {
		return nil, ErrNoTo
	}

	seen := make(map[string]bool, len(h.To)+len(h.Cc)+len(h.Bcc))
	var to []Address
	for _, list := range [][]Address{h.To, h.Cc, h.Bcc} {
		for _, a := range list {
			key := strings.ToLower(a.String())
			if seen[key] {
				continue
			}
			seen[key] = true
			to = append(to, Address{Local: a.Local, Domain: a.Domain})
		}
	}
	return NewEnvelope(Address{Local: from.Local, Domain: from.Domain}, to...)
}

// NeedsSMTPUTF8 reports whether any envelope address needs the SMTPUTF8
// extension.
func (e *Envelope) NeedsSMTPUTF8() bool {
	if e.From.NeedsSMTPUTF8() {
		return true
	}
	for _, a := range e.To {
		if a.NeedsSMTPUTF8() {
			return true
		}
	}
	return false
}

// MailType returns the mail type an envelope requires.
func (e *Envelope) MailType() MailType {
	if e.NeedsSMTPUTF8() {
		return MailTypeInternationalized
	}
	return MailTypeASCII
}

// Recipients returns the RCPT TO addresses as strings.
func (e *Envelope) Recipients() []string {
	out := make([]string, len(e.To))
	for i, a := range e.To {
		out[i] = a.String()
	}
	return out
}
