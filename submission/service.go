package submission

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexisbouchez/mailsubmit"
	"github.com/alexisbouchez/mailsubmit/internal/telemetry"
)

const (
	// DefaultEncodingConcurrency bounds the mails serialized at once.
	DefaultEncodingConcurrency = 16
	// DefaultEnqueueBufferSize is the capacity of the ingress queue.
	DefaultEnqueueBufferSize = 16
)

// Setup is what a service needs to operate.
type Setup struct {
	// Connector opens the session mails are sent over.
	Connector mailsubmit.Connector
	// Context returns the render context for each mail. Nil renders with
	// an empty context.
	Context func() *mailsubmit.RenderContext
	// EncodingConcurrency defaults to DefaultEncodingConcurrency.
	EncodingConcurrency int
	// EnqueueBufferSize defaults to DefaultEnqueueBufferSize.
	EnqueueBufferSize int
}

// Option configures a Service.
type Option func(*options)

type options struct {
	logger         *slog.Logger
	idleTimeout    time.Duration
	connectTimeout time.Duration
	sendTimeout    time.Duration
	stop           *StopFlag
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithIdleTimeout closes the session after it has been unused for d. The
// next request opens a new one. Zero keeps the session open.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) { o.idleTimeout = d }
}

// WithConnectTimeout bounds each attempt to open a session.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) { o.connectTimeout = d }
}

// WithSendTimeout bounds each mail transaction and the final QUIT.
func WithSendTimeout(d time.Duration) Option {
	return func(o *options) { o.sendTimeout = d }
}

// WithStopFlag uses f as the service's stop flag, so several services can
// share one.
func WithStopFlag(f *StopFlag) Option {
	return func(o *options) { o.stop = f }
}

// Service sends mails submitted through its handles over a single
// persistent session.
type Service struct {
	setup   Setup
	opts    options
	logger  *slog.Logger
	q       *queue
	started atomic.Bool

	done    chan struct{}
	errOnce sync.Once
	err     error
}

// New returns a service and the first handle to it. The service does
// nothing until Run or Start is called.
func New(setup Setup, opts ...Option) (*Service, *Handle) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.stop == nil {
		o.stop = NewStopFlag()
	}
	if setup.EncodingConcurrency <= 0 {
		setup.EncodingConcurrency = DefaultEncodingConcurrency
	}
	if setup.EnqueueBufferSize <= 0 {
		setup.EnqueueBufferSize = DefaultEnqueueBufferSize
	}
	if setup.Context == nil {
		setup.Context = func() *mailsubmit.RenderContext { return &mailsubmit.RenderContext{} }
	}

	s := &Service{
		setup:  setup,
		opts:   o,
		logger: o.logger.With("component", "submission"),
		done:   make(chan struct{}),
	}
	s.q = newQueue(setup.EnqueueBufferSize, s.done, o.stop)
	return s, &Handle{q: s.q, svc: s}
}

// StopFlag returns the flag that stops the service. After Stop no new
// requests are accepted; those already queued are still sent, then the
// session is closed and Run returns nil.
func (s *Service) StopFlag() *StopFlag {
	return s.opts.stop
}

// Err returns the reason the service ended, or nil while it runs or after
// a graceful end.
func (s *Service) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Done returns a channel closed once the service has ended.
func (s *Service) Done() <-chan struct{} {
	return s.done
}

// Start runs the service on a new goroutine. The returned channel yields
// Run's result.
func (s *Service) Start(ctx context.Context) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- s.Run(ctx)
	}()
	return ch
}

// Run drives the service until all handles are closed and the queue is
// drained, the stop flag is set and the queue is drained, the session
// fails, or ctx ends. It returns nil after a graceful end, a *ConnectError
// if a session could not be opened, the transport error if the session
// broke, and ctx.Err() on cancellation. Requests left unanswered fail as
// canceled.
func (s *Service) Run(ctx context.Context) (err error) {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("submission: service already running")
	}

	pctx, cancel := context.WithCancel(ctx)
	p := newPipeline(s.q, s.setup.EncodingConcurrency, s.setup.Context, s.fail)
	go p.run(pctx)

	cs := newConnState(ctx, s.setup.Connector, s.opts.connectTimeout, s.opts.sendTimeout)
	defer func() {
		if cs.conn != nil {
			telemetry.RecordConnection(ctx, "abandon", nil)
		}
		cs.abandon()
		cancel()
		p.wait()
		s.finish(err)
		s.q.shut()
		s.opts.stop.Stop()
	}()

	idle := time.NewTimer(time.Hour)
	idle.Stop()
	defer idle.Stop()
	var idleC <-chan time.Time
	armIdle := func() {
		if s.opts.idleTimeout > 0 {
			idle.Reset(s.opts.idleTimeout)
			idleC = idle.C
		}
	}
	disarmIdle := func() {
		idle.Stop()
		idleC = nil
	}

	var (
		peeked    *unit
		inputDone bool
		stopC     = s.opts.stop.Done()
	)
	for {
		var units <-chan *unit
		if !inputDone && peeked == nil && cs.usable() {
			units = p.out
		}

		select {
		case res := <-cs.pending:
			switch cs.complete(res) {
			case evConnected:
				telemetry.RecordConnection(ctx, "connect", nil)
				s.logger.Debug("session opened", "took", res.took)
				u := peeked
				peeked = nil
				if err := cs.send(u); err != nil {
					return err
				}
			case evSent:
				telemetry.RecordSend(ctx, ms(res.took), nil)
				s.answer(ctx, res.unit.it, res.ack, nil)
				armIdle()
			case evRejected:
				telemetry.RecordSend(ctx, ms(res.took), res.err)
				s.answer(ctx, res.unit.it, mailsubmit.Ack{}, mailsubmit.NewError(mailsubmit.KindRejected, res.err))
				armIdle()
			case evBroken:
				telemetry.RecordSend(ctx, ms(res.took), res.err)
				s.logger.Error("session broken", "error", res.err)
				s.answer(ctx, res.unit.it, mailsubmit.Ack{}, mailsubmit.NewError(mailsubmit.KindIO, res.err))
				return res.err
			case evConnectFailed:
				telemetry.RecordConnection(ctx, "connect", res.err)
				s.logger.Error("opening session failed", "error", res.err)
				return &ConnectError{Err: res.err}
			case evClosed:
				telemetry.RecordConnection(ctx, "quit", res.err)
				if res.err != nil {
					s.logger.Warn("closing session failed", "error", res.err)
				}
				if cs.phase == phaseTerminated {
					return nil
				}
				s.logger.Debug("idle session closed")
			}

		case u, ok := <-units:
			disarmIdle()
			if !ok {
				inputDone = true
				if err := cs.close(true); err != nil {
					return err
				}
				if cs.phase == phaseTerminated {
					return nil
				}
				continue
			}
			if cs.phase == phaseIdle {
				peeked = u
				if err := cs.connect(); err != nil {
					return err
				}
				continue
			}
			if err := cs.send(u); err != nil {
				return err
			}

		case <-stopC:
			stopC = nil
			s.logger.Info("stop requested, draining queue")
			s.q.shut()

		case <-idleC:
			idleC = nil
			if cs.phase == phaseConnected {
				telemetry.RecordConnection(ctx, "idle_close", nil)
				if err := cs.close(false); err != nil {
					return err
				}
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// fail answers it with err before it reached the session.
func (s *Service) fail(it *item, err error) {
	s.answer(context.Background(), it, mailsubmit.Ack{}, err)
}

func (s *Service) answer(ctx context.Context, it *item, ack mailsubmit.Ack, err error) {
	kind := ""
	if err != nil {
		kind = mailsubmit.KindOf(err).String()
		s.logger.Warn("mail not sent", "request", it.id, "kind", kind, "error", err)
	} else {
		s.logger.Debug("mail sent", "request", it.id, "response", ack.Response, "queued", time.Since(it.enqueued))
	}
	telemetry.RecordSubmission(ctx, it.id, kind, err)
	it.slot.deliver(ack, err)
}

func (s *Service) finish(err error) {
	s.errOnce.Do(func() {
		s.err = err
		close(s.done)
	})
	if err != nil {
		s.logger.Error("service ended", "error", err)
	} else {
		s.logger.Info("service ended")
	}
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
