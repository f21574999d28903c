package submission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alexisbouchez/mailsubmit"
)

type phase int

const (
	phaseIdle phase = iota
	phaseConnecting
	phaseConnected
	phaseInUse
	phaseClosing
	phaseTerminated
	phasePoisoned
)

var phaseNames = [...]string{
	phaseIdle:       "idle",
	phaseConnecting: "connecting",
	phaseConnected:  "connected",
	phaseInUse:      "in use",
	phaseClosing:    "closing",
	phaseTerminated: "terminated",
	phasePoisoned:   "poisoned",
}

func (p phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

type connOp int

const (
	opConnect connOp = iota
	opSend
	opQuit
)

// connResult is the completion of an operation started by connState.
type connResult struct {
	op   connOp
	conn mailsubmit.Conn
	unit *unit
	ack  mailsubmit.Ack
	err  error
	took time.Duration
}

// event is what a completed operation means to the driver.
type event int

const (
	evNone event = iota
	evConnected
	evSent
	evRejected
	evBroken
	evConnectFailed
	evClosed
)

// connState owns the single session of a service. Its methods are called
// from the driver goroutine only; operations run on their own goroutine and
// report on pending, which never holds more than one result. Once abandoned,
// results are discarded and any session they carry is closed.
type connState struct {
	phase       phase
	terminating bool
	conn        mailsubmit.Conn

	connector      mailsubmit.Connector
	connectTimeout time.Duration
	sendTimeout    time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	pending chan connResult

	mu        sync.Mutex
	abandoned bool
}

func newConnState(ctx context.Context, c mailsubmit.Connector, connectTimeout, sendTimeout time.Duration) *connState {
	ctx, cancel := context.WithCancel(ctx)
	return &connState{
		connector:      c,
		connectTimeout: connectTimeout,
		sendTimeout:    sendTimeout,
		ctx:            ctx,
		cancel:         cancel,
		pending:        make(chan connResult, 1),
	}
}

// check panics once the state machine has seen an impossible transition.
func (c *connState) check() {
	if c.phase == phasePoisoned {
		panic("submission: connection state poisoned")
	}
}

func (c *connState) poison(format string, args ...any) {
	c.phase = phasePoisoned
	panic(fmt.Sprintf("submission: "+format, args...))
}

// usable reports whether the driver may hand the connection a new unit.
func (c *connState) usable() bool {
	c.check()
	return c.phase == phaseIdle || c.phase == phaseConnected
}

func (c *connState) opContext(d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(c.ctx, d)
	}
	return context.WithCancel(c.ctx)
}

// connect starts opening a session.
func (c *connState) connect() error {
	c.check()
	if c.phase != phaseIdle {
		return errConnNotUsable
	}
	c.phase = phaseConnecting
	go func() {
		ctx, cancel := c.opContext(c.connectTimeout)
		defer cancel()
		began := time.Now()
		conn, err := c.connector.Connect(ctx)
		c.report(connResult{op: opConnect, conn: conn, err: err, took: time.Since(began)})
	}()
	return nil
}

func (c *connState) report(res connResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.abandoned {
		if res.conn != nil {
			res.conn.Close()
		}
		return
	}
	c.pending <- res
}

// send starts transmitting u over the open session.
func (c *connState) send(u *unit) error {
	c.check()
	if c.phase != phaseConnected {
		return errConnNotUsable
	}
	c.phase = phaseInUse
	conn := c.conn
	go func() {
		ctx, cancel := c.opContext(c.sendTimeout)
		defer cancel()
		began := time.Now()
		ack, err := conn.SendEnvelope(ctx, u.mail)
		c.report(connResult{op: opSend, unit: u, ack: ack, err: err, took: time.Since(began)})
	}()
	return nil
}

func (c *connState) startQuit() {
	c.phase = phaseClosing
	conn := c.conn
	go func() {
		ctx, cancel := c.opContext(c.sendTimeout)
		defer cancel()
		began := time.Now()
		err := conn.Quit(ctx)
		c.report(connResult{op: opQuit, err: err, took: time.Since(began)})
	}()
}

// close ends the session. A terminating close leaves the state Terminated,
// any other close returns it to Idle so a later unit reconnects. While a
// connect is in flight the quit is chained after it.
func (c *connState) close(terminating bool) error {
	c.check()
	switch c.phase {
	case phaseInUse:
		return errConnBusy
	case phaseIdle:
		if terminating {
			c.phase = phaseTerminated
		}
	case phaseConnecting:
		c.phase = phaseClosing
		c.terminating = terminating
	case phaseConnected:
		c.terminating = terminating
		c.startQuit()
	case phaseClosing:
		c.terminating = c.terminating || terminating
	case phaseTerminated:
	}
	return nil
}

// complete applies the result of the operation in flight.
func (c *connState) complete(res connResult) event {
	c.check()
	switch res.op {
	case opConnect:
		switch c.phase {
		case phaseConnecting:
			if res.err != nil {
				c.phase = phaseTerminated
				return evConnectFailed
			}
			c.conn = res.conn
			c.phase = phaseConnected
			return evConnected
		case phaseClosing:
			if res.err != nil {
				c.phase = phaseTerminated
				return evConnectFailed
			}
			c.conn = res.conn
			c.startQuit()
			return evNone
		}
	case opSend:
		if c.phase != phaseInUse {
			break
		}
		switch {
		case res.err == nil:
			c.phase = phaseConnected
			return evSent
		case mailsubmit.IsRejection(res.err):
			c.phase = phaseConnected
			return evRejected
		default:
			c.conn.Close()
			c.conn = nil
			c.phase = phaseTerminated
			return evBroken
		}
	case opQuit:
		if c.phase != phaseClosing {
			break
		}
		c.conn = nil
		if c.terminating {
			c.phase = phaseTerminated
		} else {
			c.phase = phaseIdle
		}
		return evClosed
	}
	c.poison("unexpected result of op %d in phase %s", res.op, c.phase)
	return evNone
}

// abandon drops the session without QUIT and stops operations in flight.
func (c *connState) abandon() {
	c.cancel()
	c.mu.Lock()
	c.abandoned = true
	select {
	case res := <-c.pending:
		if res.conn != nil {
			res.conn.Close()
		}
	default:
	}
	c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.phase != phasePoisoned {
		c.phase = phaseTerminated
	}
}
