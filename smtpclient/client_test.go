package smtpclient

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alexisbouchez/mailsubmit"
	"github.com/alexisbouchez/mailsubmit/internal/smtptest"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

const testBody = "Subject: Test\r\n\r\nHello from the client!\r\n"

func testMail(t *testing.T, from string, to ...string) *mailsubmit.EncodedMail {
	t.Helper()
	rcpts := make([]mailsubmit.Address, len(to))
	for i, s := range to {
		rcpts[i] = mailsubmit.MustParseAddress(s)
	}
	env, err := mailsubmit.NewEnvelope(mailsubmit.MustParseAddress(from), rcpts...)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	return &mailsubmit.EncodedMail{Data: []byte(testBody), Envelope: env, Type: env.MailType()}
}

func dial(t *testing.T, srv *smtptest.Server, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithLocalName("test.local"), WithTimeout(5 * time.Second)}, opts...)
	c, err := Dial(context.Background(), srv.Addr, opts...)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSendEnvelope(t *testing.T) {
	srv := smtptest.Start(t)
	c := dial(t, srv)

	ack, err := c.SendEnvelope(context.Background(), testMail(t, "sender@example.com", "a@example.com", "b@example.com"))
	if err != nil {
		t.Fatalf("SendEnvelope: %v", err)
	}
	if ack.Response == "" {
		t.Error("expected non-empty response text")
	}

	msg := srv.LastMessage()
	if msg.From != "sender@example.com" {
		t.Errorf("From = %q, want %q", msg.From, "sender@example.com")
	}
	if len(msg.To) != 2 || msg.To[0] != "a@example.com" || msg.To[1] != "b@example.com" {
		t.Errorf("To = %v", msg.To)
	}
	if !strings.Contains(string(msg.Data), "Hello from the client!") {
		t.Errorf("Data = %q", msg.Data)
	}
	if msg.UTF8 {
		t.Error("ASCII mail sent with SMTPUTF8")
	}
}

func TestSendEnvelopeReusesSession(t *testing.T) {
	srv := smtptest.Start(t)
	c := dial(t, srv)

	for i := 0; i < 3; i++ {
		if _, err := c.SendEnvelope(context.Background(), testMail(t, "sender@example.com", "rcpt@example.com")); err != nil {
			t.Fatalf("SendEnvelope #%d: %v", i, err)
		}
	}
	if got := len(srv.Messages()); got != 3 {
		t.Errorf("messages = %d, want 3", got)
	}
	if got := srv.Sessions(); got != 1 {
		t.Errorf("sessions = %d, want 1", got)
	}
}

func TestSendEnvelopeRejections(t *testing.T) {
	reject := func(code int) error {
		return &smtp.SMTPError{Code: code, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "Rejected"}
	}
	tests := []struct {
		name     string
		hooks    smtptest.Hooks
		wantCode mailsubmit.ReplyCode
	}{
		{
			name:     "mail from",
			hooks:    smtptest.Hooks{Mail: func(string) error { return reject(550) }},
			wantCode: 550,
		},
		{
			name: "rcpt to",
			hooks: smtptest.Hooks{Rcpt: func(to string) error {
				if strings.HasPrefix(to, "nobody@") {
					return reject(550)
				}
				return nil
			}},
			wantCode: 550,
		},
		{
			name:     "data",
			hooks:    smtptest.Hooks{Data: func(smtptest.Message) error { return reject(554) }},
			wantCode: 554,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := smtptest.Start(t, smtptest.WithHooks(tt.hooks))
			c := dial(t, srv)

			_, err := c.SendEnvelope(context.Background(), testMail(t, "sender@example.com", "ok@example.com", "nobody@example.com"))
			if err == nil {
				t.Fatal("expected rejection")
			}
			var se *mailsubmit.SMTPError
			if !errors.As(err, &se) {
				t.Fatalf("error %v is not a reply", err)
			}
			if se.Code != tt.wantCode {
				t.Errorf("Code = %d, want %d", se.Code, tt.wantCode)
			}
			if len(srv.Messages()) != 0 {
				t.Error("rejected mail was delivered")
			}
		})
	}
}

func TestSendEnvelopeUsableAfterRejection(t *testing.T) {
	srv := smtptest.Start(t, smtptest.WithHooks(smtptest.Hooks{
		Rcpt: func(to string) error {
			if strings.HasPrefix(to, "nobody@") {
				return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "No such user"}
			}
			return nil
		},
	}))
	c := dial(t, srv)

	if _, err := c.SendEnvelope(context.Background(), testMail(t, "sender@example.com", "nobody@example.com")); !mailsubmit.IsRejection(err) {
		t.Fatalf("err = %v, want rejection", err)
	}
	if _, err := c.SendEnvelope(context.Background(), testMail(t, "sender@example.com", "ok@example.com")); err != nil {
		t.Fatalf("SendEnvelope after rejection: %v", err)
	}
	msg := srv.LastMessage()
	if len(msg.To) != 1 || msg.To[0] != "ok@example.com" {
		t.Errorf("To = %v, want [ok@example.com]", msg.To)
	}
}

func TestSendEnvelopeConnectionDropped(t *testing.T) {
	srv := smtptest.Start(t, smtptest.WithHooks(smtptest.Hooks{
		Rcpt: func(string) error { return smtptest.ErrDrop },
	}))
	c := dial(t, srv)

	_, err := c.SendEnvelope(context.Background(), testMail(t, "sender@example.com", "rcpt@example.com"))
	if err == nil {
		t.Fatal("expected error")
	}
	if mailsubmit.IsRejection(err) {
		t.Errorf("dropped connection reported as rejection: %v", err)
	}
}

func TestSendEnvelopeSMTPUTF8(t *testing.T) {
	t.Run("unsupported", func(t *testing.T) {
		srv := smtptest.Start(t)
		c := dial(t, srv)
		if c.SupportsSMTPUTF8() {
			t.Fatal("server should not advertise SMTPUTF8")
		}

		_, err := c.SendEnvelope(context.Background(), testMail(t, "jörg@example.com", "rcpt@example.com"))
		var se *mailsubmit.SMTPError
		if !errors.As(err, &se) {
			t.Fatalf("err = %v, want rejection", err)
		}
		if se.Code != mailsubmit.ReplyMailboxNameError || se.EnhancedCode != mailsubmit.EnhancedCodeNonASCIIAddress {
			t.Errorf("reply = %d %s, want 553 5.6.7", se.Code, se.EnhancedCode)
		}

		if _, err := c.SendEnvelope(context.Background(), testMail(t, "sender@example.com", "rcpt@example.com")); err != nil {
			t.Fatalf("SendEnvelope after local rejection: %v", err)
		}
	})

	t.Run("supported", func(t *testing.T) {
		srv := smtptest.Start(t, smtptest.WithSMTPUTF8())
		c := dial(t, srv)

		if _, err := c.SendEnvelope(context.Background(), testMail(t, "jörg@example.com", "rcpt@bücher.example")); err != nil {
			t.Fatalf("SendEnvelope: %v", err)
		}
		msg := srv.LastMessage()
		if !msg.UTF8 {
			t.Error("SMTPUTF8 parameter not sent")
		}
		if msg.From != "jörg@example.com" || msg.To[0] != "rcpt@bücher.example" {
			t.Errorf("envelope = %q -> %v", msg.From, msg.To)
		}
	})
}

func TestSendEnvelopePunycode(t *testing.T) {
	srv := smtptest.Start(t)
	c := dial(t, srv)

	if _, err := c.SendEnvelope(context.Background(), testMail(t, "info@bücher.example", "rcpt@bücher.example")); err != nil {
		t.Fatalf("SendEnvelope: %v", err)
	}
	msg := srv.LastMessage()
	if msg.From != "info@xn--bcher-kva.example" {
		t.Errorf("From = %q", msg.From)
	}
	if msg.To[0] != "rcpt@xn--bcher-kva.example" {
		t.Errorf("To = %v", msg.To)
	}
}

func TestSendEnvelopeTooLarge(t *testing.T) {
	srv := smtptest.Start(t, smtptest.WithMaxMessageBytes(16))
	c := dial(t, srv)

	_, err := c.SendEnvelope(context.Background(), testMail(t, "sender@example.com", "rcpt@example.com"))
	var se *mailsubmit.SMTPError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want rejection", err)
	}
	if se.Code != mailsubmit.ReplyExceededStorage {
		t.Errorf("Code = %d, want 552", se.Code)
	}
}

func TestSendEnvelopeContextDeadline(t *testing.T) {
	srv := smtptest.Start(t, smtptest.WithHooks(smtptest.Hooks{
		Data: func(smtptest.Message) error {
			time.Sleep(time.Second)
			return nil
		},
	}))
	c := dial(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := c.SendEnvelope(ctx, testMail(t, "sender@example.com", "rcpt@example.com"))
	if err == nil {
		t.Fatal("expected error")
	}
	if mailsubmit.IsRejection(err) {
		t.Errorf("deadline reported as rejection: %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestQuit(t *testing.T) {
	srv := smtptest.Start(t)
	c := dial(t, srv)

	if err := c.Quit(context.Background()); err != nil {
		t.Fatalf("Quit: %v", err)
	}
	if _, err := c.SendEnvelope(context.Background(), testMail(t, "sender@example.com", "rcpt@example.com")); err == nil {
		t.Error("SendEnvelope after Quit should fail")
	}
}

func TestDialAuth(t *testing.T) {
	srv := smtptest.Start(t, smtptest.WithAuth("testuser", "testpass"))

	t.Run("valid", func(t *testing.T) {
		c := dial(t, srv, WithAuth(sasl.NewPlainClient("", "testuser", "testpass")))
		if _, err := c.SendEnvelope(context.Background(), testMail(t, "sender@example.com", "rcpt@example.com")); err != nil {
			t.Fatalf("SendEnvelope: %v", err)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := Dial(context.Background(), srv.Addr, WithAuth(sasl.NewPlainClient("", "testuser", "wrong")))
		if err == nil {
			t.Fatal("expected auth failure")
		}
		var se *mailsubmit.SMTPError
		if !errors.As(err, &se) || se.Code != mailsubmit.ReplyAuthFailed {
			t.Errorf("err = %v, want 535", err)
		}
	})

	t.Run("missing", func(t *testing.T) {
		c := dial(t, srv)
		_, err := c.SendEnvelope(context.Background(), testMail(t, "sender@example.com", "rcpt@example.com"))
		var se *mailsubmit.SMTPError
		if !errors.As(err, &se) || se.Code != mailsubmit.ReplyAuthRequired {
			t.Errorf("err = %v, want 530", err)
		}
	})
}

func TestDialRefused(t *testing.T) {
	_, err := Dial(context.Background(), "127.0.0.1:1", WithTimeout(time.Second))
	if err == nil {
		t.Fatal("expected dial error")
	}
	if mailsubmit.IsRejection(err) {
		t.Errorf("dial error reported as rejection: %v", err)
	}
}

func TestConnector(t *testing.T) {
	srv := smtptest.Start(t)
	conn, err := NewConnector(srv.Addr, WithLocalName("test.local")).Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()
	if _, err := conn.SendEnvelope(context.Background(), testMail(t, "sender@example.com", "rcpt@example.com")); err != nil {
		t.Fatalf("SendEnvelope: %v", err)
	}
}
