package mailsubmit

import (
	"errors"
	"fmt"
)

// SMTPError is a negative reply from the mail submission server.
type SMTPError struct {
	Code         ReplyCode
	EnhancedCode EnhancedCode
	Message      string
}

// Error implements the error interface.
func (e *SMTPError) Error() string {
	if !e.EnhancedCode.IsZero() {
		return fmt.Sprintf("smtp: %d %s %s", e.Code, e.EnhancedCode, e.Message)
	}
	return fmt.Sprintf("smtp: %d %s", e.Code, e.Message)
}

// Temporary reports whether the reply was a transient failure (4xx).
func (e *SMTPError) Temporary() bool {
	return e.Code.IsTransient()
}

// Errorf creates an SMTPError with a formatted message.
func Errorf(code ReplyCode, enhanced EnhancedCode, format string, args ...any) *SMTPError {
	return &SMTPError{
		Code:         code,
		EnhancedCode: enhanced,
		Message:      fmt.Sprintf(format, args...),
	}
}

// Kind classifies a failed submission by the stage that failed.
type Kind int

const (
	KindUnknown Kind = iota
	// KindEnvelope: the envelope could not be derived from the mail headers.
	KindEnvelope
	// KindComposition: the mail could not be turned into an encodable form,
	// for example because a resource failed to load.
	KindComposition
	// KindEncoding: serializing the mail to bytes failed.
	KindEncoding
	// KindRejected: the server rejected the transaction. The connection
	// stays usable.
	KindRejected
	// KindIO: the transport failed. The connection is no longer usable.
	KindIO
	// KindCanceled: the service ended before the request was answered.
	KindCanceled
	// KindDriverDropped: the service was gone or stopped at enqueue time.
	KindDriverDropped
)

var kindNames = [...]string{
	KindUnknown:       "unknown",
	KindEnvelope:      "envelope",
	KindComposition:   "composition",
	KindEncoding:      "encoding",
	KindRejected:      "rejected",
	KindIO:            "io",
	KindCanceled:      "canceled by driver",
	KindDriverDropped: "driver dropped",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

var (
	// ErrCanceledByDriver matches errors of requests whose service ended
	// before their outcome was produced.
	ErrCanceledByDriver = errors.New("mailsubmit: canceled by driver")
	// ErrDriverDropped matches errors of submissions made after the service
	// went away or stopped accepting input.
	ErrDriverDropped = errors.New("mailsubmit: driver dropped")
)

// SendError is the failure outcome of a single submission.
type SendError struct {
	Kind Kind
	Err  error
}

// NewError returns a SendError of kind k wrapping err.
func NewError(k Kind, err error) *SendError {
	return &SendError{Kind: k, Err: err}
}

// Error implements the error interface.
func (e *SendError) Error() string {
	if e.Err == nil {
		return "mailsubmit: " + e.Kind.String()
	}
	return fmt.Sprintf("mailsubmit: %s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *SendError) Unwrap() error {
	return e.Err
}

// Is matches the ErrCanceledByDriver and ErrDriverDropped sentinels, and any
// *SendError with the same Kind and a nil Err.
func (e *SendError) Is(target error) bool {
	switch target {
	case ErrCanceledByDriver:
		return e.Kind == KindCanceled
	case ErrDriverDropped:
		return e.Kind == KindDriverDropped
	}
	t, ok := target.(*SendError)
	return ok && t.Err == nil && t.Kind == e.Kind
}

// Rejection returns the server reply if err is a rejection.
func (e *SendError) Rejection() (*SMTPError, bool) {
	var se *SMTPError
	if e.Kind != KindRejected || !errors.As(e.Err, &se) {
		return nil, false
	}
	return se, true
}

// KindOf returns the Kind of err, or KindUnknown if err is not a
// submission error.
func KindOf(err error) Kind {
	var se *SendError
	switch {
	case errors.As(err, &se):
		return se.Kind
	case errors.Is(err, ErrDriverDropped):
		return KindDriverDropped
	case errors.Is(err, ErrCanceledByDriver):
		return KindCanceled
	}
	return KindUnknown
}

// IsRejection reports whether err carries a server reply, which marks a
// protocol-level rejection rather than a transport failure.
func IsRejection(err error) bool {
	var se *SMTPError
	return errors.As(err, &se)
}
