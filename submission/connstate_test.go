package submission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alexisbouchez/mailsubmit"
)

func next(t *testing.T, cs *connState) event {
	t.Helper()
	select {
	case res := <-cs.pending:
		return cs.complete(res)
	case <-time.After(5 * time.Second):
		t.Fatal("operation did not complete")
		return evNone
	}
}

func testUnit(t *testing.T, to string) *unit {
	t.Helper()
	env, err := mailsubmit.NewEnvelope(mailsubmit.MustParseAddress("sender@example.com"), mailsubmit.MustParseAddress(to))
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	return &unit{
		it:   &item{id: to, slot: newReplySlot()},
		mail: &mailsubmit.EncodedMail{Data: []byte("Subject: x\r\n\r\nx\r\n"), Envelope: env},
	}
}

func TestConnStateLifecycle(t *testing.T) {
	conn := &fakeConn{reject: map[string]bool{"no@example.com": true}}
	cs := newConnState(context.Background(), &fakeConnector{newConn: func() *fakeConn { return conn }}, 0, 0)
	defer cs.abandon()

	if err := cs.send(testUnit(t, "a@example.com")); !errors.Is(err, errConnNotUsable) {
		t.Fatalf("send while idle = %v, want errConnNotUsable", err)
	}
	if err := cs.connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := cs.connect(); !errors.Is(err, errConnNotUsable) {
		t.Errorf("second connect = %v, want errConnNotUsable", err)
	}
	if ev := next(t, cs); ev != evConnected || cs.phase != phaseConnected {
		t.Fatalf("after connect: event %v phase %v", ev, cs.phase)
	}

	steps := []struct {
		to   string
		want event
	}{
		{"a@example.com", evSent},
		{"no@example.com", evRejected},
		{"b@example.com", evSent},
	}
	for _, s := range steps {
		if err := cs.send(testUnit(t, s.to)); err != nil {
			t.Fatalf("send %s: %v", s.to, err)
		}
		if cs.phase != phaseInUse {
			t.Fatalf("phase during send = %v, want in use", cs.phase)
		}
		if ev := next(t, cs); ev != s.want || cs.phase != phaseConnected {
			t.Errorf("send %s: event %v phase %v, want %v connected", s.to, ev, cs.phase, s.want)
		}
	}

	if err := cs.close(false); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := cs.close(true); err != nil {
		t.Fatalf("close: %v", err)
	}
	if ev := next(t, cs); ev != evClosed || cs.phase != phaseTerminated {
		t.Errorf("after quit: event %v phase %v, want closed terminated", ev, cs.phase)
	}
	if conn.Quits() != 1 {
		t.Errorf("quits = %d, want 1", conn.Quits())
	}
	if err := cs.connect(); !errors.Is(err, errConnNotUsable) {
		t.Errorf("connect after terminate = %v, want errConnNotUsable", err)
	}
}

func TestConnStateNonTerminatingClose(t *testing.T) {
	connector := &fakeConnector{}
	cs := newConnState(context.Background(), connector, 0, 0)
	defer cs.abandon()

	if err := cs.close(false); err != nil || cs.phase != phaseIdle {
		t.Fatalf("close idle: %v, phase %v", err, cs.phase)
	}
	for i := 0; i < 2; i++ {
		if err := cs.connect(); err != nil {
			t.Fatalf("connect #%d: %v", i, err)
		}
		next(t, cs)
		if err := cs.close(false); err != nil {
			t.Fatalf("close #%d: %v", i, err)
		}
		if ev := next(t, cs); ev != evClosed || cs.phase != phaseIdle {
			t.Fatalf("close #%d: event %v phase %v, want closed idle", i, ev, cs.phase)
		}
	}
	if connector.Connects() != 2 {
		t.Errorf("connects = %d, want 2", connector.Connects())
	}
	if err := cs.close(true); err != nil || cs.phase != phaseTerminated {
		t.Errorf("terminating close of idle: %v, phase %v", err, cs.phase)
	}
}

func TestConnStateCloseWhileConnecting(t *testing.T) {
	conn := &fakeConn{}
	cs := newConnState(context.Background(), &fakeConnector{newConn: func() *fakeConn { return conn }}, 0, 0)
	defer cs.abandon()

	if err := cs.connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := cs.close(true); err != nil {
		t.Fatalf("close: %v", err)
	}
	if cs.phase != phaseClosing {
		t.Fatalf("phase = %v, want closing", cs.phase)
	}
	if ev := next(t, cs); ev != evNone || cs.phase != phaseClosing {
		t.Fatalf("connect under close: event %v phase %v", ev, cs.phase)
	}
	if ev := next(t, cs); ev != evClosed || cs.phase != phaseTerminated {
		t.Fatalf("chained quit: event %v phase %v", ev, cs.phase)
	}
	if conn.Quits() != 1 {
		t.Errorf("quits = %d, want 1", conn.Quits())
	}
}

func TestConnStateAbandonClosesLateSession(t *testing.T) {
	tests := []struct {
		name  string
		gated bool
	}{
		{"result unread", false},
		{"connect in flight", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := &fakeConn{}
			gate := make(chan struct{})
			connector := mailsubmit.ConnectorFunc(func(context.Context) (mailsubmit.Conn, error) {
				if tt.gated {
					<-gate
				}
				return conn, nil
			})
			cs := newConnState(context.Background(), connector, 0, 0)
			if err := cs.connect(); err != nil {
				t.Fatalf("connect: %v", err)
			}
			if !tt.gated {
				deadline := time.Now().Add(5 * time.Second)
				for len(cs.pending) == 0 {
					if time.Now().After(deadline) {
						t.Fatal("connect result never arrived")
					}
					time.Sleep(time.Millisecond)
				}
			}

			cs.abandon()
			close(gate)

			deadline := time.Now().Add(5 * time.Second)
			for !conn.Closed() {
				if time.Now().After(deadline) {
					t.Fatal("session opened by the in-flight connect was not closed")
				}
				time.Sleep(time.Millisecond)
			}
			if len(cs.pending) != 0 {
				t.Error("result delivered after abandon")
			}
			if cs.phase != phaseTerminated {
				t.Errorf("phase = %v, want terminated", cs.phase)
			}
		})
	}
}

func TestConnStateBusy(t *testing.T) {
	conn := &fakeConn{block: make(chan struct{})}
	cs := newConnState(context.Background(), &fakeConnector{newConn: func() *fakeConn { return conn }}, 0, 0)
	defer cs.abandon()

	cs.connect()
	next(t, cs)
	if err := cs.send(testUnit(t, "a@example.com")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := cs.close(true); !errors.Is(err, errConnBusy) {
		t.Errorf("close in use = %v, want errConnBusy", err)
	}
	if err := cs.send(testUnit(t, "b@example.com")); !errors.Is(err, errConnNotUsable) {
		t.Errorf("second send = %v, want errConnNotUsable", err)
	}
	close(conn.block)
	if ev := next(t, cs); ev != evSent {
		t.Errorf("event = %v, want sent", ev)
	}
}

func TestConnStateFailures(t *testing.T) {
	t.Run("connect", func(t *testing.T) {
		cs := newConnState(context.Background(), &fakeConnector{err: errors.New("refused")}, 0, 0)
		defer cs.abandon()
		cs.connect()
		if ev := next(t, cs); ev != evConnectFailed || cs.phase != phaseTerminated {
			t.Errorf("event %v phase %v, want connect failed terminated", ev, cs.phase)
		}
	})
	t.Run("transport", func(t *testing.T) {
		conn := &fakeConn{fail: map[string]bool{"a@example.com": true}}
		cs := newConnState(context.Background(), &fakeConnector{newConn: func() *fakeConn { return conn }}, 0, 0)
		defer cs.abandon()
		cs.connect()
		next(t, cs)
		cs.send(testUnit(t, "a@example.com"))
		if ev := next(t, cs); ev != evBroken || cs.phase != phaseTerminated {
			t.Errorf("event %v phase %v, want broken terminated", ev, cs.phase)
		}
		if !conn.Closed() || conn.Quits() != 0 {
			t.Error("broken session must be closed without QUIT")
		}
	})
	t.Run("send timeout", func(t *testing.T) {
		conn := &fakeConn{block: make(chan struct{})}
		cs := newConnState(context.Background(), &fakeConnector{newConn: func() *fakeConn { return conn }}, 0, 10*time.Millisecond)
		defer cs.abandon()
		cs.connect()
		next(t, cs)
		cs.send(testUnit(t, "a@example.com"))
		if ev := next(t, cs); ev != evBroken {
			t.Errorf("event = %v, want broken", ev)
		}
	})
}

func TestConnStatePoisoned(t *testing.T) {
	tests := []struct {
		name string
		fn   func(cs *connState)
	}{
		{"connect", func(cs *connState) { cs.connect() }},
		{"close", func(cs *connState) { cs.close(true) }},
		{"usable", func(cs *connState) { cs.usable() }},
		{"unexpected result", func(cs *connState) {
			cs.phase = phaseIdle
			cs.complete(connResult{op: opQuit})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs := newConnState(context.Background(), &fakeConnector{}, 0, 0)
			defer cs.abandon()
			cs.phase = phasePoisoned
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			tt.fn(cs)
		})
	}
}
