package mailenc

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/mail"
	"path"
	"strings"
	"time"

	"github.com/alexisbouchez/mailsubmit"
	"github.com/google/uuid"
	"github.com/jhillyerd/enmime"
)

// Message is a mail described by its header fields, bodies and attachments.
type Message struct {
	From        []string          `toml:"from"`
	Sender      string            `toml:"sender,omitempty"`
	To          []string          `toml:"to"`
	Cc          []string          `toml:"cc,omitempty"`
	Bcc         []string          `toml:"bcc,omitempty"`
	ReplyTo     string            `toml:"reply_to,omitempty"`
	Subject     string            `toml:"subject"`
	Text        string            `toml:"text,omitempty"`
	HTML        string            `toml:"html,omitempty"`
	Headers     map[string]string `toml:"headers,omitempty"`
	Attachments []Attachment      `toml:"attachment,omitempty"`

	// EnvelopeFrom and EnvelopeTo override envelope derivation when set.
	EnvelopeFrom string   `toml:"envelope_from,omitempty"`
	EnvelopeTo   []string `toml:"envelope_to,omitempty"`
}

// Attachment is a file loaded from the render context resources.
type Attachment struct {
	Path        string `toml:"path"`
	Name        string `toml:"name,omitempty"`
	ContentType string `toml:"content_type,omitempty"`
	// ContentID makes the attachment an inline part referenced from HTML.
	ContentID string `toml:"content_id,omitempty"`
}

var _ mailsubmit.Mail = (*Message)(nil)

// EnvelopeHeader implements mailsubmit.Mail.
func (m *Message) EnvelopeHeader() (mailsubmit.Header, error) {
	var h mailsubmit.Header
	var err error
	if m.Sender != "" {
		s, err := mailsubmit.ParseAddress(m.Sender)
		if err != nil {
			return h, fmt.Errorf("mailenc: Sender: %w", err)
		}
		h.Sender = &s
	}
	if h.From, err = mailsubmit.ParseAddressList(m.From); err != nil {
		return h, fmt.Errorf("mailenc: From: %w", err)
	}
	if h.To, err = mailsubmit.ParseAddressList(m.To); err != nil {
		return h, fmt.Errorf("mailenc: To: %w", err)
	}
	if h.Cc, err = mailsubmit.ParseAddressList(m.Cc); err != nil {
		return h, fmt.Errorf("mailenc: Cc: %w", err)
	}
	if h.Bcc, err = mailsubmit.ParseAddressList(m.Bcc); err != nil {
		return h, fmt.Errorf("mailenc: Bcc: %w", err)
	}
	return h, nil
}

// Request returns a submission request for m, carrying an explicit
// envelope when EnvelopeFrom or EnvelopeTo are set.
func (m *Message) Request() (*mailsubmit.MailRequest, error) {
	if m.EnvelopeFrom == "" && len(m.EnvelopeTo) == 0 {
		return mailsubmit.NewRequest(m), nil
	}
	from, err := mailsubmit.ParseAddress(m.EnvelopeFrom)
	if err != nil {
		return nil, fmt.Errorf("mailenc: envelope_from: %w", err)
	}
	to, err := mailsubmit.ParseAddressList(m.EnvelopeTo)
	if err != nil {
		return nil, fmt.Errorf("mailenc: envelope_to: %w", err)
	}
	env, err := mailsubmit.NewEnvelope(from, to...)
	if err != nil {
		return nil, err
	}
	return mailsubmit.NewRequestWithEnvelope(m, env), nil
}

// Render implements mailsubmit.Mail. It loads every attachment from
// rc.Resources and fixes the Date and Message-ID of the mail.
func (m *Message) Render(rc *mailsubmit.RenderContext) (mailsubmit.Encodable, error) {
	h, err := m.EnvelopeHeader()
	if err != nil {
		return nil, err
	}
	if len(h.From) == 0 {
		return nil, errors.New("mailenc: no From address")
	}
	if m.Subject == "" {
		return nil, errors.New("mailenc: empty subject")
	}

	r := &Rendered{
		msg:    m,
		header: h,
		date:   rc.Time(),
	}

	domain := ""
	if rc != nil {
		domain = rc.Domain
	}
	if domain == "" {
		domain = h.From[0].Domain
	}
	r.messageID = "<" + uuid.NewString() + "@" + domain + ">"

	for _, a := range m.Attachments {
		f, err := loadAttachment(rc, a)
		if err != nil {
			return nil, err
		}
		r.files = append(r.files, f)
	}
	return r, nil
}

type file struct {
	name        string
	contentType string
	contentID   string
	data        []byte
}

func loadAttachment(rc *mailsubmit.RenderContext, a Attachment) (file, error) {
	if rc == nil || rc.Resources == nil {
		return file{}, fmt.Errorf("mailenc: attachment %q: no resources available", a.Path)
	}
	data, err := fs.ReadFile(rc.Resources, a.Path)
	if err != nil {
		return file{}, fmt.Errorf("mailenc: attachment: %w", err)
	}
	f := file{
		name:        a.Name,
		contentType: a.ContentType,
		contentID:   a.ContentID,
		data:        data,
	}
	if f.name == "" {
		f.name = path.Base(a.Path)
	}
	if f.contentType == "" {
		f.contentType = mime.TypeByExtension(path.Ext(f.name))
	}
	if f.contentType == "" {
		f.contentType = "application/octet-stream"
	}
	return f, nil
}

// Rendered is a Message with its resources loaded.
type Rendered struct {
	msg       *Message
	header    mailsubmit.Header
	date      time.Time
	messageID string
	files     []file
}

// MessageID returns the Message-ID assigned during rendering.
func (r *Rendered) MessageID() string {
	return r.messageID
}

// Encode implements mailsubmit.Encodable.
func (r *Rendered) Encode(w io.Writer, mt mailsubmit.MailType) error {
	from, err := headerAddrs(r.header.From, mt)
	if err != nil {
		return fmt.Errorf("mailenc: From: %w", err)
	}
	to, err := headerAddrs(r.header.To, mt)
	if err != nil {
		return fmt.Errorf("mailenc: To: %w", err)
	}
	cc, err := headerAddrs(r.header.Cc, mt)
	if err != nil {
		return fmt.Errorf("mailenc: Cc: %w", err)
	}

	b := enmime.Builder().
		From(from[0].Name, from[0].Address).
		ToAddrs(to).
		Subject(r.msg.Subject).
		Date(r.date).
		Header("Message-ID", r.messageID)
	if len(cc) > 0 {
		b = b.CCAddrs(cc)
	}
	if r.header.Sender != nil {
		sender, err := headerAddrs([]mailsubmit.Address{*r.header.Sender}, mt)
		if err != nil {
			return fmt.Errorf("mailenc: Sender: %w", err)
		}
		b = b.Header("Sender", sender[0].String())
	}
	if r.msg.ReplyTo != "" {
		rt, err := mailsubmit.ParseAddress(r.msg.ReplyTo)
		if err != nil {
			return fmt.Errorf("mailenc: Reply-To: %w", err)
		}
		addr, err := rt.Wire(mt)
		if err != nil {
			return fmt.Errorf("mailenc: Reply-To: %w", err)
		}
		b = b.ReplyTo(rt.Name, addr)
	}
	for k, v := range r.msg.Headers {
		b = b.Header(k, v)
	}
	if r.msg.Text != "" {
		b = b.Text([]byte(r.msg.Text))
	}
	if r.msg.HTML != "" {
		b = b.HTML([]byte(r.msg.HTML))
	}
	for _, f := range r.files {
		if f.contentID != "" {
			b = b.AddInline(f.data, f.contentType, f.name, f.contentID)
			continue
		}
		b = b.AddAttachment(f.data, f.contentType, f.name)
	}

	part, err := b.Build()
	if err != nil {
		return fmt.Errorf("mailenc: build: %w", err)
	}
	if len(from) > 1 {
		list := make([]string, len(from))
		for i, a := range from {
			list[i] = a.String()
		}
		part.Header.Set("From", strings.Join(list, ", "))
	}
	if err := part.Encode(w); err != nil {
		return fmt.Errorf("mailenc: encode: %w", err)
	}
	return nil
}

func headerAddrs(list []mailsubmit.Address, mt mailsubmit.MailType) ([]mail.Address, error) {
	out := make([]mail.Address, 0, len(list))
	for _, a := range list {
		wire, err := a.Wire(mt)
		if err != nil {
			return nil, err
		}
		out = append(out, mail.Address{Name: a.Name, Address: wire})
	}
	return out, nil
}
