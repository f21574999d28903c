// Package sesclient implements mailsubmit.Conn on top of the Amazon SES
// SendRawEmail API.
package sesclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/alexisbouchez/mailsubmit"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/smithy-go"
)

// API is the subset of *ses.Client used by Conn.
type API interface {
	SendRawEmail(ctx context.Context, in *ses.SendRawEmailInput, optFns ...func(*ses.Options)) (*ses.SendRawEmailOutput, error)
}

// ErrClosed is returned by a Conn after Quit or Close.
var ErrClosed = errors.New("ses: connection closed")

// Option configures a Conn.
type Option func(*Conn)

// WithConfigurationSet sets the SES configuration set for every message.
func WithConfigurationSet(name string) Option {
	return func(c *Conn) { c.configurationSet = name }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) { c.logger = l }
}

// Conn sends encoded mails through SES. It holds no network session of its
// own, so Quit and Close only mark it unusable.
type Conn struct {
	api              API
	configurationSet string
	logger           *slog.Logger
	closed           atomic.Bool
}

var _ mailsubmit.Conn = (*Conn)(nil)

// New returns a Conn using api.
func New(api API, opts ...Option) *Conn {
	c := &Conn{api: api, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendEnvelope implements mailsubmit.Conn. Client-side faults reported by
// SES (rejected message, unverified sender, bad parameters) are returned as
// *mailsubmit.SMTPError rejections; everything else is a transport error.
func (c *Conn) SendEnvelope(ctx context.Context, m *mailsubmit.EncodedMail) (mailsubmit.Ack, error) {
	if c.closed.Load() {
		return mailsubmit.Ack{}, ErrClosed
	}

	from, err := m.Envelope.From.Wire(m.Type)
	if err != nil {
		return mailsubmit.Ack{}, mailsubmit.Errorf(mailsubmit.ReplyMailboxNameError,
			mailsubmit.EnhancedCodeBadSenderSyntax, "%v", err)
	}
	dest := make([]string, len(m.Envelope.To))
	for i, a := range m.Envelope.To {
		if dest[i], err = a.Wire(m.Type); err != nil {
			return mailsubmit.Ack{}, mailsubmit.Errorf(mailsubmit.ReplyMailboxNameError,
				mailsubmit.EnhancedCodeBadDest, "%v", err)
		}
	}

	in := &ses.SendRawEmailInput{
		RawMessage:   &types.RawMessage{Data: m.Data},
		Source:       aws.String(from),
		Destinations: dest,
	}
	if c.configurationSet != "" {
		in.ConfigurationSetName = aws.String(c.configurationSet)
	}

	out, err := c.api.SendRawEmail(ctx, in)
	if err != nil {
		return mailsubmit.Ack{}, fmt.Errorf("ses: SendRawEmail: %w", classify(err))
	}
	id := aws.ToString(out.MessageId)
	c.logger.Debug("message accepted", "message_id", id, "recipients", len(dest))
	return mailsubmit.Ack{Response: id}, nil
}

// classify turns SES client faults into rejections.
func classify(err error) error {
	var ae smithy.APIError
	if !errors.As(err, &ae) || ae.ErrorFault() != smithy.FaultClient {
		return err
	}
	code := mailsubmit.ReplyTransactionFailed
	enhanced := mailsubmit.EnhancedCodePolicy
	switch ae.ErrorCode() {
	case "Throttling", "ThrottlingException":
		return err
	case "MailFromDomainNotVerifiedException", "MailFromDomainNotVerified":
		code, enhanced = mailsubmit.ReplyMailboxNotFound, mailsubmit.EnhancedCodeBadSenderSyntax
	}
	return &mailsubmit.SMTPError{
		Code:         code,
		EnhancedCode: enhanced,
		Message:      ae.ErrorCode() + ": " + ae.ErrorMessage(),
	}
}

// Quit implements mailsubmit.Conn.
func (c *Conn) Quit(context.Context) error {
	c.closed.Store(true)
	return nil
}

// Close implements mailsubmit.Conn.
func (c *Conn) Close() error {
	c.closed.Store(true)
	return nil
}

// Connector hands out Conns sharing one SES client.
type Connector struct {
	api  API
	opts []Option
}

var _ mailsubmit.Connector = (*Connector)(nil)

// NewConnector returns a Connector using api.
func NewConnector(api API, opts ...Option) *Connector {
	return &Connector{api: api, opts: opts}
}

// NewDefaultConnector loads the default AWS configuration chain for region
// and returns a Connector backed by a new SES client.
func NewDefaultConnector(ctx context.Context, region string, opts ...Option) (*Connector, error) {
	var loadOpts []func(*config.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("ses: loading AWS config: %w", err)
	}
	return NewConnector(ses.NewFromConfig(cfg), opts...), nil
}

// Connect implements mailsubmit.Connector.
func (c *Connector) Connect(context.Context) (mailsubmit.Conn, error) {
	return New(c.api, c.opts...), nil
}
