// Package smtptest runs a loopback SMTP server that records deliveries and
// can be scripted to reject or drop transactions.
package smtptest

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// ErrDrop makes a hook close the client connection instead of replying.
var ErrDrop = errors.New("smtptest: drop connection")

// Message is a delivered transaction.
type Message struct {
	From string
	To   []string
	UTF8 bool
	// TLS reports whether the transaction ran over an encrypted session.
	TLS  bool
	Data []byte
}

// Hooks run at each transaction step. A returned *smtp.SMTPError is sent as
// the reply; ErrDrop closes the connection.
type Hooks struct {
	Mail func(from string) error
	Rcpt func(to string) error
	Data func(m Message) error
}

// Option configures a Server.
type Option func(*Server)

// WithAuth requires AUTH PLAIN with the given credentials.
func WithAuth(username, password string) Option {
	return func(s *Server) {
		s.username = username
		s.password = password
	}
}

// WithSMTPUTF8 advertises the SMTPUTF8 extension.
func WithSMTPUTF8() Option {
	return func(s *Server) { s.srv.EnableSMTPUTF8 = true }
}

// WithMaxMessageBytes advertises and enforces SIZE.
func WithMaxMessageBytes(n int64) Option {
	return func(s *Server) { s.srv.MaxMessageBytes = n }
}

// WithHooks installs transaction hooks.
func WithHooks(h Hooks) Option {
	return func(s *Server) { s.hooks = h }
}

// WithSTARTTLS enables STARTTLS with a self-signed certificate. The
// matching client configuration is returned by ClientTLSConfig.
func WithSTARTTLS() Option {
	return func(s *Server) { s.tls = true }
}

// Server is a running loopback SMTP server.
type Server struct {
	Addr string

	srv      *smtp.Server
	hooks    Hooks
	username string
	password string
	tls      bool
	roots    *x509.CertPool

	mu       sync.Mutex
	messages []Message
	sessions int
}

// Start runs a server on 127.0.0.1 until the test ends.
func Start(t testing.TB, opts ...Option) *Server {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	s := &Server{Addr: ln.Addr().String()}
	s.srv = smtp.NewServer(&backend{s: s})
	s.srv.Domain = "test.example.com"
	s.srv.ReadTimeout = 5 * time.Second
	s.srv.WriteTimeout = 5 * time.Second
	s.srv.AllowInsecureAuth = true
	for _, opt := range opts {
		opt(s)
	}
	if s.tls {
		cert := generateCert(t)
		s.srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			t.Fatal(err)
		}
		s.roots = x509.NewCertPool()
		s.roots.AddCert(leaf)
	}

	go s.srv.Serve(ln)
	t.Cleanup(func() { s.srv.Close() })
	return s
}

// ClientTLSConfig returns a TLS configuration trusting the server
// certificate, or nil if STARTTLS is disabled.
func (s *Server) ClientTLSConfig() *tls.Config {
	if s.roots == nil {
		return nil
	}
	return &tls.Config{RootCAs: s.roots}
}

// Messages returns every delivered message in delivery order.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// LastMessage returns the most recent delivery.
func (s *Server) LastMessage() Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) == 0 {
		return Message{}
	}
	return s.messages[len(s.messages)-1]
}

// Sessions returns the number of connections accepted so far.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

type backend struct {
	s *Server
}

func (b *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	b.s.mu.Lock()
	b.s.sessions++
	b.s.mu.Unlock()
	return &session{s: b.s, conn: c, authed: b.s.username == ""}, nil
}

type session struct {
	s      *Server
	conn   *smtp.Conn
	authed bool
	msg    Message
}

var errAuthRequired = &smtp.SMTPError{
	Code:         530,
	EnhancedCode: smtp.EnhancedCode{5, 7, 0},
	Message:      "Authentication required",
}

func (s *session) AuthMechanisms() []string {
	if s.s.username == "" {
		return nil
	}
	return []string{sasl.Plain}
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, smtp.ErrAuthUnsupported
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username != s.s.username || password != s.s.password {
			return smtp.ErrAuthFailed
		}
		s.authed = true
		return nil
	}), nil
}

func (s *session) Mail(from string, opts *smtp.MailOptions) error {
	if !s.authed {
		return errAuthRequired
	}
	if err := s.hook(s.s.hooks.Mail, from); err != nil {
		return err
	}
	_, encrypted := s.conn.TLSConnectionState()
	s.msg = Message{From: from, UTF8: opts != nil && opts.UTF8, TLS: encrypted}
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if err := s.hook(s.s.hooks.Rcpt, to); err != nil {
		return err
	}
	s.msg.To = append(s.msg.To, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return err
	}
	s.msg.Data = buf.Bytes()
	if s.s.hooks.Data != nil {
		if err := s.drop(s.s.hooks.Data(s.msg)); err != nil {
			return err
		}
	}
	s.s.mu.Lock()
	s.s.messages = append(s.s.messages, s.msg)
	s.s.mu.Unlock()
	return nil
}

func (s *session) Reset() {
	s.msg = Message{}
}

func (s *session) Logout() error {
	return nil
}

func (s *session) hook(fn func(string) error, arg string) error {
	if fn == nil {
		return nil
	}
	return s.drop(fn(arg))
}

func (s *session) drop(err error) error {
	if errors.Is(err, ErrDrop) {
		s.conn.Conn().Close()
	}
	return err
}

func generateCert(t testing.TB) tls.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test.example.com"},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:              []string{"test.example.com", "localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}
