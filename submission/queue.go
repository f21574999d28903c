package submission

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexisbouchez/mailsubmit"
	"github.com/google/uuid"
)

// item is a queued request with the slot its outcome goes to.
type item struct {
	id       string
	req      *mailsubmit.MailRequest
	slot     *replySlot
	enqueued time.Time
}

// queue is the bounded ingress of a service. The channel itself is never
// closed; closing is closed once every handle is released or the service
// stops accepting work, and the reader drains what is left after that.
type queue struct {
	ch      chan *item
	closing chan struct{}
	done    <-chan struct{}
	stop    *StopFlag

	mu      sync.Mutex
	closed  bool
	handles int
}

func newQueue(size int, done <-chan struct{}, stop *StopFlag) *queue {
	return &queue{
		ch:      make(chan *item, size),
		closing: make(chan struct{}),
		done:    done,
		stop:    stop,
		handles: 1,
	}
}

func (q *queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// send enqueues it, blocking while the queue is full. An item that races
// with the closing of the queue may still be accepted; it is then answered
// as canceled once the service ends.
func (q *queue) send(ctx context.Context, it *item) error {
	if q.isClosed() || q.stop.Stopped() {
		return mailsubmit.NewError(mailsubmit.KindDriverDropped, nil)
	}
	select {
	case q.ch <- it:
		return nil
	case <-q.closing:
		return mailsubmit.NewError(mailsubmit.KindDriverDropped, nil)
	case <-q.done:
		return mailsubmit.NewError(mailsubmit.KindDriverDropped, nil)
	case <-q.stop.Done():
		return mailsubmit.NewError(mailsubmit.KindDriverDropped, nil)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// closeLocked marks the input finished. q.mu must be held.
func (q *queue) closeLocked() {
	if !q.closed {
		q.closed = true
		close(q.closing)
	}
}

// shut closes the ingress. Items already queued stay readable.
func (q *queue) shut() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closeLocked()
}

func (q *queue) acquire() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.handles++
	return true
}

func (q *queue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handles--
	if q.handles == 0 {
		q.closeLocked()
	}
}

// Handle submits requests to a service. Handles are safe for concurrent use;
// Clone returns an independent handle for another producer. The service
// treats the input as finished once every handle has been closed.
type Handle struct {
	q      *queue
	svc    *Service
	closed atomic.Bool
}

// Send enqueues req, blocking while the queue is full. It fails with an
// error matching mailsubmit.ErrDriverDropped if the handle is closed or the
// service is gone or stopping, and with ctx.Err() if ctx ends first.
func (h *Handle) Send(ctx context.Context, req *mailsubmit.MailRequest) (*Reply, error) {
	if req == nil || req.Mail == nil {
		return nil, errNoMail
	}
	if h.closed.Load() {
		return nil, mailsubmit.NewError(mailsubmit.KindDriverDropped, nil)
	}
	it := &item{
		id:       uuid.NewString(),
		req:      req,
		slot:     newReplySlot(),
		enqueued: time.Now(),
	}
	if err := h.q.send(ctx, it); err != nil {
		return nil, err
	}
	return &Reply{id: it.id, slot: it.slot, svc: h.svc}, nil
}

// SendAndWait submits req and waits for its outcome.
func (h *Handle) SendAndWait(ctx context.Context, req *mailsubmit.MailRequest) (mailsubmit.Ack, error) {
	r, err := h.Send(ctx, req)
	if err != nil {
		return mailsubmit.Ack{}, err
	}
	return r.Wait(ctx)
}

// Clone returns a new handle to the same service. Cloning a closed handle,
// or a handle whose queue is already closed, yields a closed handle.
func (h *Handle) Clone() *Handle {
	c := &Handle{q: h.q, svc: h.svc}
	if h.closed.Load() || !h.q.acquire() {
		c.closed.Store(true)
	}
	return c
}

// Close releases the handle. Closing an already closed handle has no
// effect.
func (h *Handle) Close() {
	if h.closed.CompareAndSwap(false, true) {
		h.q.release()
	}
}
