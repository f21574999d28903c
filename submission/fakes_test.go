package submission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/alexisbouchez/mailsubmit"
)

// testMail is a minimal Mail whose failures can be scripted per step.
type testMail struct {
	from, to    string
	body        string
	headerErr   error
	renderErr   error
	encodeErr   error
	encodePanic bool
}

func (m *testMail) EnvelopeHeader() (mailsubmit.Header, error) {
	if m.headerErr != nil {
		return mailsubmit.Header{}, m.headerErr
	}
	var h mailsubmit.Header
	if m.from != "" {
		h.From = []mailsubmit.Address{mailsubmit.MustParseAddress(m.from)}
	}
	if m.to != "" {
		h.To = []mailsubmit.Address{mailsubmit.MustParseAddress(m.to)}
	}
	return h, nil
}

func (m *testMail) Render(*mailsubmit.RenderContext) (mailsubmit.Encodable, error) {
	if m.renderErr != nil {
		return nil, m.renderErr
	}
	return m, nil
}

func (m *testMail) Encode(w io.Writer, _ mailsubmit.MailType) error {
	if m.encodePanic {
		panic("encoder exploded")
	}
	if m.encodeErr != nil {
		return m.encodeErr
	}
	_, err := fmt.Fprintf(w, "From: %s\r\nTo: %s\r\nSubject: test\r\n\r\n%s\r\n", m.from, m.to, m.body)
	return err
}

func mailTo(to string) *mailsubmit.MailRequest {
	return mailsubmit.NewRequest(&testMail{from: "sender@example.com", to: to, body: "hello " + to})
}

// fakeConn records transmitted mails. Recipients listed in reject get a
// 550 reply, recipients in fail break the session, and with failAfter set
// every send after that many successful ones breaks it.
type fakeConn struct {
	mu        sync.Mutex
	sent      []string
	reject    map[string]bool
	fail      map[string]bool
	failAfter int
	block     chan struct{}
	quits     int
	closed    bool
}

var errBrokenPipe = errors.New("write: broken pipe")

func (c *fakeConn) SendEnvelope(ctx context.Context, m *mailsubmit.EncodedMail) (mailsubmit.Ack, error) {
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return mailsubmit.Ack{}, ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return mailsubmit.Ack{}, errors.New("use of closed connection")
	}
	to := m.Envelope.To[0].String()
	switch {
	case c.reject[to]:
		return mailsubmit.Ack{}, mailsubmit.Errorf(550, mailsubmit.EnhancedCodeBadDest, "no such user %s", to)
	case c.fail[to], c.failAfter > 0 && len(c.sent) >= c.failAfter:
		return mailsubmit.Ack{}, errBrokenPipe
	}
	c.sent = append(c.sent, to)
	return mailsubmit.Ack{Response: "OK queued as " + strings.SplitN(to, "@", 2)[0]}, nil
}

func (c *fakeConn) Quit(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quits++
	c.closed = true
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Quits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quits
}

// fakeConnector hands out fresh fakeConns built by newConn, or fails with
// err.
type fakeConnector struct {
	mu      sync.Mutex
	err     error
	block   bool
	newConn func() *fakeConn
	conns   []*fakeConn
}

func (f *fakeConnector) Connect(ctx context.Context) (mailsubmit.Conn, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		f.conns = append(f.conns, nil)
		return nil, f.err
	}
	c := &fakeConn{}
	if f.newConn != nil {
		c = f.newConn()
	}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeConnector) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeConnector) Conn(i int) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[i]
}
