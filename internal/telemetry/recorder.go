// Package telemetry records submission events as OpenTelemetry metrics and
// log records. Without a configured provider every call is a no-op.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName  = "github.com/alexisbouchez/mailsubmit"
	loggerName = "mailsubmit"
)

type instruments struct {
	submissionTotal metric.Int64Counter
	connectionTotal metric.Int64Counter
	encodeTotal     metric.Int64Counter
	encodeDuration  metric.Float64Histogram
	sendDuration    metric.Float64Histogram
}

var (
	instOnce sync.Once
	inst     instruments
)

// initInstruments registers the instruments against the global
// MeterProvider on first use.
func initInstruments() {
	instOnce.Do(func() {
		m := otel.GetMeterProvider().Meter(meterName)

		inst.submissionTotal, _ = m.Int64Counter("mailsubmit.submissions.total",
			metric.WithDescription("Total submission outcomes"),
		)
		inst.connectionTotal, _ = m.Int64Counter("mailsubmit.connections.total",
			metric.WithDescription("Total connection lifecycle events"),
		)
		inst.encodeTotal, _ = m.Int64Counter("mailsubmit.encodes.total",
			metric.WithDescription("Total mail encodings"),
		)
		inst.encodeDuration, _ = m.Float64Histogram("mailsubmit.encode.duration_ms",
			metric.WithDescription("Time spent deriving, rendering and encoding a mail"),
			metric.WithUnit("ms"),
		)
		inst.sendDuration, _ = m.Float64Histogram("mailsubmit.send.duration_ms",
			metric.WithDescription("Round-trip time of a mail transaction"),
			metric.WithUnit("ms"),
		)
	})
}

func statusStr(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func emit(ctx context.Context, body string, sev otellog.Severity, attrs ...otellog.KeyValue) {
	logger := global.GetLoggerProvider().Logger(loggerName)
	var r otellog.Record
	r.SetBody(otellog.StringValue(body))
	r.SetSeverity(sev)
	r.AddAttributes(attrs...)
	logger.Emit(ctx, r)
}

func errKV(err error) otellog.KeyValue {
	if err != nil {
		return otellog.String("error", err.Error())
	}
	return otellog.String("error", "")
}

func severity(err error) otellog.Severity {
	if err != nil {
		return otellog.SeverityError
	}
	return otellog.SeverityInfo
}

// RecordSubmission records the final outcome of one request. kind is the
// failure kind, empty on success.
func RecordSubmission(ctx context.Context, id, kind string, err error) {
	initInstruments()
	status := statusStr(err)
	inst.submissionTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("status", status),
			attribute.String("kind", kind),
		),
	)
	emit(ctx, "submission.result", severity(err),
		otellog.String("request", id),
		otellog.String("status", status),
		otellog.String("kind", kind),
		errKV(err),
	)
}

// RecordSend records the duration of one mail transaction.
func RecordSend(ctx context.Context, durationMs float64, err error) {
	initInstruments()
	inst.sendDuration.Record(ctx, durationMs,
		metric.WithAttributes(attribute.String("status", statusStr(err))),
	)
}

// RecordConnection records a connection lifecycle event: "connect",
// "quit", "idle_close" or "abandon".
func RecordConnection(ctx context.Context, event string, err error) {
	initInstruments()
	status := statusStr(err)
	inst.connectionTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("event", event),
			attribute.String("status", status),
		),
	)
	emit(ctx, "connection."+event, severity(err),
		otellog.String("event", event),
		otellog.String("status", status),
		errKV(err),
	)
}

// RecordEncode records the preparation of one mail for sending.
func RecordEncode(ctx context.Context, durationMs float64, err error) {
	initInstruments()
	attrs := metric.WithAttributes(attribute.String("status", statusStr(err)))
	inst.encodeTotal.Add(ctx, 1, attrs)
	inst.encodeDuration.Record(ctx, durationMs, attrs)
}
