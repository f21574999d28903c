// Package smtpclient implements mailsubmit.Conn over an SMTP submission
// session (RFC 6409).
package smtpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/alexisbouchez/mailsubmit"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Security selects how the session is protected.
type Security int

const (
	// SecurityOpportunistic upgrades with STARTTLS when the server offers it.
	SecurityOpportunistic Security = iota
	// SecurityStartTLS requires a STARTTLS upgrade.
	SecurityStartTLS
	// SecurityTLS uses implicit TLS from the first byte (RFC 8314).
	SecurityTLS
	// SecurityNone never negotiates TLS.
	SecurityNone
)

// ParseSecurity maps "opportunistic", "starttls", "tls" and "none" to a
// Security value.
func ParseSecurity(s string) (Security, error) {
	switch s {
	case "", "opportunistic":
		return SecurityOpportunistic, nil
	case "starttls":
		return SecurityStartTLS, nil
	case "tls":
		return SecurityTLS, nil
	case "none":
		return SecurityNone, nil
	}
	return 0, fmt.Errorf("smtp: unknown security mode %q", s)
}

// Client is an open submission session.
type Client struct {
	c       *smtp.Client
	netConn net.Conn
	logger  *slog.Logger
	utf8    bool
}

var _ mailsubmit.Conn = (*Client)(nil)

// Option configures a Client.
type Option func(*options)

type options struct {
	dialer         *net.Dialer
	timeout        time.Duration
	commandTimeout time.Duration
	localName      string
	tlsConfig      *tls.Config
	security       Security
	auth           sasl.Client
	logger         *slog.Logger
}

// WithDialer sets a custom net.Dialer for the connection.
func WithDialer(d *net.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithTimeout sets the overall timeout for dial, greeting, EHLO, TLS and AUTH.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithCommandTimeout bounds each individual SMTP command.
func WithCommandTimeout(d time.Duration) Option {
	return func(o *options) { o.commandTimeout = d }
}

// WithLocalName sets the hostname used in EHLO.
func WithLocalName(name string) Option {
	return func(o *options) { o.localName = name }
}

// WithTLSConfig sets the TLS configuration for STARTTLS and implicit TLS.
func WithTLSConfig(c *tls.Config) Option {
	return func(o *options) { o.tlsConfig = c }
}

// WithSecurity sets the TLS mode.
func WithSecurity(s Security) Option {
	return func(o *options) { o.security = s }
}

// WithAuth authenticates the session with the given SASL client.
func WithAuth(a sasl.Client) Option {
	return func(o *options) { o.auth = a }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Dial connects to the submission server at addr, reads the greeting, sends
// EHLO, negotiates TLS and authenticates.
//
// In opportunistic mode a server that offers STARTTLS is dialed a second
// time and upgraded before EHLO is repeated, since go-smtp only upgrades
// sessions it opens itself.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	o := &options{
		dialer:    &net.Dialer{},
		timeout:   30 * time.Second,
		localName: "localhost",
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	tlsConfig, err := clientTLSConfig(o.tlsConfig, addr)
	if err != nil {
		return nil, err
	}

	var c *Client
	switch o.security {
	case SecurityOpportunistic:
		c, err = open(ctx, addr, o, tlsConfig, SecurityNone)
		if err != nil {
			return nil, err
		}
		if ok, _ := c.c.Extension("STARTTLS"); ok {
			c.Quit(ctx)
			c, err = open(ctx, addr, o, tlsConfig, SecurityStartTLS)
		}
	default:
		c, err = open(ctx, addr, o, tlsConfig, o.security)
	}
	if err != nil {
		return nil, err
	}

	if err := c.authenticate(ctx, o); err != nil {
		c.c.Close()
		return nil, err
	}
	c.utf8, _ = c.c.Extension("SMTPUTF8")
	c.logger.Debug("session established", "tls", c.IsTLS(), "smtputf8", c.utf8)
	return c, nil
}

// open dials addr and runs the greeting and EHLO, upgrading the session as
// mode requires.
func open(ctx context.Context, addr string, o *options, tlsConfig *tls.Config, mode Security) (c *Client, err error) {
	var nc net.Conn
	if mode == SecurityTLS {
		d := &tls.Dialer{NetDialer: o.dialer, Config: tlsConfig}
		nc, err = d.DialContext(ctx, "tcp", addr)
	} else {
		nc, err = o.dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("smtp: dial %s: %w", addr, err)
	}

	c = &Client{netConn: nc, logger: o.logger.With("server", addr)}
	stop := c.watch(ctx)
	defer func() {
		err = c.interrupted(ctx, stop, "handshake", err)
		if err != nil {
			nc.Close()
		}
	}()

	if mode == SecurityStartTLS {
		sc, err := smtp.NewClientStartTLS(nc, tlsConfig)
		if err != nil {
			return nil, fmt.Errorf("smtp: STARTTLS: %w", convertError(err))
		}
		c.c = sc
	} else {
		c.c = smtp.NewClient(nc)
	}
	if o.commandTimeout > 0 {
		c.c.CommandTimeout = o.commandTimeout
		c.c.SubmissionTimeout = o.commandTimeout
	}

	if err := c.c.Hello(o.localName); err != nil {
		return nil, fmt.Errorf("smtp: EHLO: %w", convertError(err))
	}
	return c, nil
}

func (c *Client) authenticate(ctx context.Context, o *options) (err error) {
	if o.auth == nil {
		return nil
	}
	stop := c.watch(ctx)
	defer func() { err = c.interrupted(ctx, stop, "AUTH", err) }()
	if err := c.c.Auth(o.auth); err != nil {
		return fmt.Errorf("smtp: AUTH: %w", convertError(err))
	}
	return nil
}

func clientTLSConfig(base *tls.Config, addr string) (*tls.Config, error) {
	cfg := &tls.Config{}
	if base != nil {
		cfg = base.Clone()
	}
	if cfg.ServerName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("smtp: invalid address %q: %w", addr, err)
		}
		cfg.ServerName = host
	}
	return cfg, nil
}

// IsTLS reports whether the session is encrypted.
func (c *Client) IsTLS() bool {
	_, ok := c.c.TLSConnectionState()
	return ok
}

// TLSConnectionState returns the state of the TLS layer, if any.
func (c *Client) TLSConnectionState() (tls.ConnectionState, bool) {
	return c.c.TLSConnectionState()
}

// SupportsSMTPUTF8 reports whether the server advertised SMTPUTF8.
func (c *Client) SupportsSMTPUTF8() bool {
	return c.utf8
}

// Extension reports whether the server advertised ext and its parameter.
func (c *Client) Extension(ext string) (bool, string) {
	return c.c.Extension(ext)
}

// SendEnvelope runs one mail transaction: MAIL FROM, RCPT TO for every
// recipient, then DATA. A rejected MAIL or RCPT is followed by RSET so the
// session can carry the next transaction.
func (c *Client) SendEnvelope(ctx context.Context, m *mailsubmit.EncodedMail) (ack mailsubmit.Ack, err error) {
	if rej := c.precheck(m); rej != nil {
		return mailsubmit.Ack{}, rej
	}
	from, to, rej := wireEnvelope(m)
	if rej != nil {
		return mailsubmit.Ack{}, rej
	}

	stop := c.watch(ctx)
	defer func() { err = c.interrupted(ctx, stop, "send", err) }()

	opts := &smtp.MailOptions{
		Size: int64(len(m.Data)),
		UTF8: m.Type == mailsubmit.MailTypeInternationalized,
	}
	if ok, _ := c.c.Extension("8BITMIME"); ok && !isSevenBit(m.Data) {
		opts.Body = smtp.Body8BitMIME
	}

	if err := c.c.Mail(from, opts); err != nil {
		return mailsubmit.Ack{}, c.abort("MAIL FROM", err)
	}
	for _, rcpt := range to {
		if err := c.c.Rcpt(rcpt, nil); err != nil {
			return mailsubmit.Ack{}, c.abort("RCPT TO", err)
		}
	}

	w, err := c.c.Data()
	if err != nil {
		return mailsubmit.Ack{}, c.abort("DATA", err)
	}
	if _, err := w.Write(m.Data); err != nil {
		w.Close()
		return mailsubmit.Ack{}, fmt.Errorf("smtp: writing DATA body: %w", err)
	}
	resp, err := w.CloseWithResponse()
	if err != nil {
		return mailsubmit.Ack{}, fmt.Errorf("smtp: DATA: %w", convertError(err))
	}

	c.logger.Debug("message accepted", "from", from, "recipients", len(to))
	return mailsubmit.Ack{Response: resp.StatusText}, nil
}

// precheck refuses mails the session cannot carry without talking to the
// server.
func (c *Client) precheck(m *mailsubmit.EncodedMail) error {
	if m.Type == mailsubmit.MailTypeInternationalized && !c.utf8 {
		return fmt.Errorf("smtp: MAIL FROM: %w", mailsubmit.Errorf(mailsubmit.ReplyMailboxNameError,
			mailsubmit.EnhancedCodeNonASCIIAddress, "server does not support SMTPUTF8"))
	}
	if limit, ok := c.c.MaxMessageSize(); ok && limit > 0 && len(m.Data) > limit {
		return fmt.Errorf("smtp: MAIL FROM: %w", mailsubmit.Errorf(mailsubmit.ReplyExceededStorage,
			mailsubmit.EnhancedCodeMsgTooLarge, "message size %d exceeds server limit %d", len(m.Data), limit))
	}
	return nil
}

func wireEnvelope(m *mailsubmit.EncodedMail) (string, []string, error) {
	from, err := m.Envelope.From.Wire(m.Type)
	if err != nil {
		return "", nil, fmt.Errorf("smtp: MAIL FROM: %w", mailsubmit.Errorf(mailsubmit.ReplyMailboxNameError,
			mailsubmit.EnhancedCodeBadSenderSyntax, "%v", err))
	}
	to := make([]string, len(m.Envelope.To))
	for i, a := range m.Envelope.To {
		if to[i], err = a.Wire(m.Type); err != nil {
			return "", nil, fmt.Errorf("smtp: RCPT TO: %w", mailsubmit.Errorf(mailsubmit.ReplyMailboxNameError,
				mailsubmit.EnhancedCodeBadDest, "%v", err))
		}
	}
	return from, to, nil
}

// abort converts a failed transaction step. Server rejections are followed
// by RSET; if that fails the session is broken and the transport error wins.
func (c *Client) abort(step string, err error) error {
	err = convertError(err)
	if !mailsubmit.IsRejection(err) {
		return fmt.Errorf("smtp: %s: %w", step, err)
	}
	if rerr := c.c.Reset(); rerr != nil {
		rerr = convertError(rerr)
		if !mailsubmit.IsRejection(rerr) {
			return fmt.Errorf("smtp: RSET after %s rejection: %w", step, rerr)
		}
	}
	c.logger.Debug("transaction rejected", "step", step, "error", err)
	return fmt.Errorf("smtp: %s: %w", step, err)
}

// Quit sends QUIT and closes the connection.
func (c *Client) Quit(ctx context.Context) (err error) {
	stop := c.watch(ctx)
	defer func() { err = c.interrupted(ctx, stop, "QUIT", err) }()
	if err := c.c.Quit(); err != nil {
		c.netConn.Close()
		return fmt.Errorf("smtp: QUIT: %w", convertError(err))
	}
	return nil
}

// Close closes the connection without QUIT.
func (c *Client) Close() error {
	return c.c.Close()
}

// watch closes the connection if ctx ends while an exchange is in flight.
func (c *Client) watch(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() {
		c.netConn.Close()
	})
}

// interrupted replaces err with the context error when the connection was
// closed by watch.
func (c *Client) interrupted(ctx context.Context, stop func() bool, step string, err error) error {
	if stop() || err == nil {
		return err
	}
	return fmt.Errorf("smtp: %s: %w", step, context.Cause(ctx))
}

// convertError maps go-smtp reply errors to *mailsubmit.SMTPError and
// leaves transport errors unchanged.
func convertError(err error) error {
	var se *smtp.SMTPError
	if !errors.As(err, &se) {
		return err
	}
	out := &mailsubmit.SMTPError{
		Code:    mailsubmit.ReplyCode(se.Code),
		Message: se.Message,
	}
	if ec := se.EnhancedCode; ec[0] > 0 {
		out.EnhancedCode = mailsubmit.EnhancedCode{Class: ec[0], Subject: ec[1], Detail: ec[2]}
	}
	return out
}

func isSevenBit(b []byte) bool {
	for _, c := range b {
		if c >= 0x80 {
			return false
		}
	}
	return true
}
