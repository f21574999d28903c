// Package submission runs a persistent-connection mail submission service.
//
// A [Service] owns a single session with a mail submission server and feeds
// it from a bounded request queue. Callers submit through a [Handle], which
// can be cloned and shared between goroutines, and receive a [Reply] that
// resolves to exactly one outcome per request.
//
// Every queued request goes through an encoding pipeline: its envelope is
// resolved, the mail is rendered, and serialization runs on a bounded
// worker pool. Failures at any of these steps are answered immediately and
// never reach the connection. Encoded mails are sent one at a time in the
// order their encoding finished.
//
// The connection is opened lazily when work arrives and kept open between
// mails. A server rejection fails only the affected request; a transport
// failure fails the in-flight request and terminates the service, after
// which every outstanding request resolves with [mailsubmit.ErrCanceledByDriver].
//
// Stopping through the [StopFlag] closes the queue to new requests,
// drains what was already accepted, and then closes the session.
//
// [SendBatch] covers the one-shot case: encode a slice of requests, open a
// session only if at least one encoded successfully, and send them in order.
package submission
