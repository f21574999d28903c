package submission

import (
	"context"
	"sync"
	"time"

	"github.com/alexisbouchez/mailsubmit"
	"github.com/alexisbouchez/mailsubmit/internal/telemetry"
	"golang.org/x/sync/semaphore"
)

// unit is a request whose mail is ready to be sent.
type unit struct {
	it   *item
	mail *mailsubmit.EncodedMail
}

// pipeline turns queued items into units. Envelope resolution and
// rendering happen on the reader goroutine, serialization on at most
// `workers` goroutines. Units are emitted in completion order; failed items
// are answered directly through fail.
type pipeline struct {
	in      <-chan *item
	closing <-chan struct{}
	out     chan *unit
	sem     *semaphore.Weighted
	context func() *mailsubmit.RenderContext
	fail    func(it *item, err error)

	wg       sync.WaitGroup
	finished chan struct{}
}

func newPipeline(q *queue, workers int, rc func() *mailsubmit.RenderContext, fail func(*item, error)) *pipeline {
	return &pipeline{
		in:       q.ch,
		closing:  q.closing,
		out:      make(chan *unit),
		sem:      semaphore.NewWeighted(int64(workers)),
		context:  rc,
		fail:     fail,
		finished: make(chan struct{}),
	}
}

// run reads the queue until it is closed and drained or ctx ends, then
// waits for the workers and closes out.
func (p *pipeline) run(ctx context.Context) {
	defer close(p.finished)
	defer close(p.out)
	defer p.wg.Wait()

	for {
		select {
		case it := <-p.in:
			if !p.start(ctx, it) {
				return
			}
		case <-p.closing:
			for {
				select {
				case it := <-p.in:
					if !p.start(ctx, it) {
						return
					}
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// start prepares it and hands serialization to a worker. It reports false
// once ctx has ended.
func (p *pipeline) start(ctx context.Context, it *item) bool {
	began := time.Now()
	env, enc, err := prepare(it.req, p.context())
	if err != nil {
		telemetry.RecordEncode(ctx, ms(time.Since(began)), err)
		p.fail(it, err)
		return true
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return false
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)

		m, err := encode(env, enc)
		telemetry.RecordEncode(ctx, ms(time.Since(began)), err)
		if err != nil {
			p.fail(it, err)
			return
		}
		select {
		case p.out <- &unit{it: it, mail: m}:
		case <-ctx.Done():
		}
	}()
	return true
}

// wait blocks until run has returned.
func (p *pipeline) wait() {
	<-p.finished
}
