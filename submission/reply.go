package submission

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/alexisbouchez/mailsubmit"
)

type outcome struct {
	ack mailsubmit.Ack
	err error
}

// replySlot carries the single outcome of a request.
type replySlot struct {
	ch      chan outcome
	written atomic.Bool
}

func newReplySlot() *replySlot {
	return &replySlot{ch: make(chan outcome, 1)}
}

// deliver writes the outcome. A second write is a bug in the service and
// panics.
func (s *replySlot) deliver(ack mailsubmit.Ack, err error) {
	if !s.written.CompareAndSwap(false, true) {
		panic("submission: reply slot written twice")
	}
	s.ch <- outcome{ack: ack, err: err}
}

// Reply is the pending outcome of a submitted request.
type Reply struct {
	id   string
	slot *replySlot
	svc  *Service

	mu     sync.Mutex
	done   bool
	result outcome
}

// ID returns the identifier assigned to the request at submission.
func (r *Reply) ID() string {
	return r.id
}

// Wait blocks until the request has an outcome. On failure the error is a
// *mailsubmit.SendError. If the service ends without answering, the error
// matches mailsubmit.ErrCanceledByDriver and wraps the reason the service
// ended, if any. Canceling ctx abandons the wait, not the request.
func (r *Reply) Wait(ctx context.Context) (mailsubmit.Ack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return r.result.ack, r.result.err
	}

	select {
	case o := <-r.slot.ch:
		r.result = o
	case <-r.svc.done:
		select {
		case o := <-r.slot.ch:
			r.result = o
		default:
			r.result = outcome{err: mailsubmit.NewError(mailsubmit.KindCanceled, r.svc.Err())}
		}
	case <-ctx.Done():
		return mailsubmit.Ack{}, ctx.Err()
	}
	r.done = true
	return r.result.ack, r.result.err
}
