package submission

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alexisbouchez/mailsubmit"
	"github.com/alexisbouchez/mailsubmit/internal/resolve"
	"github.com/alexisbouchez/mailsubmit/internal/telemetry"
	"github.com/google/uuid"
)

// Result is the outcome of one mail of a batch.
type Result struct {
	ID  string
	Ack mailsubmit.Ack
	Err error
}

// SendBatch encodes every request, then sends them over one session in
// input order and quits. No session is opened when nothing could be
// encoded. If the session cannot be opened or breaks, sending stops, the
// unsent requests fail with mailsubmit.KindIO and the error is returned as
// well (a *ConnectError for a failed connect). Requests cut short by ctx
// fail with mailsubmit.KindCanceled. The results always hold one
// entry per request. Of the options, the logger, connect and send timeouts
// apply.
func SendBatch(ctx context.Context, c mailsubmit.Connector, rc *mailsubmit.RenderContext, reqs []*mailsubmit.MailRequest, opts ...Option) ([]Result, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if rc == nil {
		rc = &mailsubmit.RenderContext{}
	}
	logger := o.logger.With("component", "submission", "batch", len(reqs))

	results := make([]Result, len(reqs))
	ops := make([]resolve.Op[*mailsubmit.EncodedMail], len(reqs))
	for i, req := range reqs {
		results[i].ID = uuid.NewString()
		ops[i] = func(ctx context.Context) (*mailsubmit.EncodedMail, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			began := time.Now()
			m, err := encodeRequest(req, rc)
			telemetry.RecordEncode(ctx, ms(time.Since(began)), err)
			return m, err
		}
	}
	encoded := resolve.AllLimit(ctx, DefaultEncodingConcurrency, ops...)

	pending := 0
	for i, r := range encoded {
		if !r.OK() {
			results[i].Err = asSendError(r.Err, mailsubmit.KindEncoding)
			record(ctx, logger, results[i])
			continue
		}
		pending++
	}
	if pending == 0 {
		logger.Debug("nothing to send")
		return results, nil
	}

	failRest := func(from int, err error) {
		for i := from; i < len(results); i++ {
			if encoded[i].OK() {
				results[i].Err = asSendError(err, mailsubmit.KindIO)
				record(ctx, logger, results[i])
			}
		}
	}

	cctx, cancel := withTimeout(ctx, o.connectTimeout)
	conn, err := c.Connect(cctx)
	cancel()
	telemetry.RecordConnection(ctx, "connect", err)
	if err != nil {
		logger.Error("opening session failed", "error", err)
		failRest(0, err)
		return results, &ConnectError{Err: err}
	}

	for i, r := range encoded {
		if !r.OK() {
			continue
		}
		sctx, cancel := withTimeout(ctx, o.sendTimeout)
		began := time.Now()
		ack, err := conn.SendEnvelope(sctx, r.Value)
		cancel()
		telemetry.RecordSend(ctx, ms(time.Since(began)), err)
		switch {
		case err == nil:
			results[i].Ack = ack
		case mailsubmit.IsRejection(err):
			results[i].Err = mailsubmit.NewError(mailsubmit.KindRejected, err)
		default:
			conn.Close()
			telemetry.RecordConnection(ctx, "abandon", err)
			logger.Error("session broken", "error", err)
			results[i].Err = asSendError(err, mailsubmit.KindIO)
			record(ctx, logger, results[i])
			failRest(i+1, err)
			return results, err
		}
		record(ctx, logger, results[i])
	}

	qctx, cancel := withTimeout(ctx, o.sendTimeout)
	defer cancel()
	err = conn.Quit(qctx)
	telemetry.RecordConnection(ctx, "quit", err)
	if err != nil {
		logger.Warn("closing session failed", "error", err)
	}
	return results, nil
}

// Send sends a single mail over a session of its own.
func Send(ctx context.Context, c mailsubmit.Connector, rc *mailsubmit.RenderContext, req *mailsubmit.MailRequest, opts ...Option) (mailsubmit.Ack, error) {
	results, err := SendBatch(ctx, c, rc, []*mailsubmit.MailRequest{req}, opts...)
	if results[0].Err != nil {
		return mailsubmit.Ack{}, results[0].Err
	}
	return results[0].Ack, err
}

func encodeRequest(req *mailsubmit.MailRequest, rc *mailsubmit.RenderContext) (*mailsubmit.EncodedMail, error) {
	if req == nil || req.Mail == nil {
		return nil, mailsubmit.NewError(mailsubmit.KindComposition, errNoMail)
	}
	env, enc, err := prepare(req, rc)
	if err != nil {
		return nil, err
	}
	return encode(env, enc)
}

// asSendError keeps err if it already is a *SendError and wraps it as kind
// otherwise, which is the case for panics recovered by resolve. Context
// errors are reported as canceled.
func asSendError(err error, kind mailsubmit.Kind) error {
	if mailsubmit.KindOf(err) != mailsubmit.KindUnknown {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		kind = mailsubmit.KindCanceled
	}
	return mailsubmit.NewError(kind, err)
}

func record(ctx context.Context, logger *slog.Logger, r Result) {
	kind := ""
	if r.Err != nil {
		kind = mailsubmit.KindOf(r.Err).String()
		logger.Warn("mail not sent", "request", r.ID, "kind", kind, "error", r.Err)
	} else {
		logger.Debug("mail sent", "request", r.ID, "response", r.Ack.Response)
	}
	telemetry.RecordSubmission(ctx, r.ID, kind, r.Err)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}
