package mailsubmit

import "fmt"

// ReplyCode is a three-digit SMTP reply code (RFC 5321 §4.2).
type ReplyCode int

// Reply codes a submission client is expected to see.
const (
	ReplyServiceReady   ReplyCode = 220
	ReplyServiceClosing ReplyCode = 221
	ReplyAuthOK         ReplyCode = 235
	ReplyOK             ReplyCode = 250
	ReplyStartMailInput ReplyCode = 354

	ReplyServiceNotAvailable ReplyCode = 421
	ReplyMailboxBusy         ReplyCode = 450
	ReplyLocalError          ReplyCode = 451
	ReplyInsufficientStorage ReplyCode = 452

	ReplySyntaxError       ReplyCode = 500
	ReplyCommandNotImpl    ReplyCode = 502
	ReplyBadSequence       ReplyCode = 503
	ReplyAuthRequired      ReplyCode = 530
	ReplyAuthFailed        ReplyCode = 535
	ReplyMailboxNotFound   ReplyCode = 550
	ReplyExceededStorage   ReplyCode = 552
	ReplyMailboxNameError  ReplyCode = 553
	ReplyTransactionFailed ReplyCode = 554
)

// Class returns the first digit of the code.
func (c ReplyCode) Class() int {
	return int(c) / 100
}

// IsPositive reports whether c is a 2xx or 3xx code.
func (c ReplyCode) IsPositive() bool {
	cl := c.Class()
	return cl == 2 || cl == 3
}

// IsTransient reports whether c is a 4xx code.
func (c ReplyCode) IsTransient() bool {
	return c.Class() == 4
}

// IsPermanent reports whether c is a 5xx code.
func (c ReplyCode) IsPermanent() bool {
	return c.Class() == 5
}

// EnhancedCode is an enhanced mail system status code (RFC 3463),
// class.subject.detail.
type EnhancedCode struct {
	Class   int
	Subject int
	Detail  int
}

// Enhanced status codes used by the submission client (RFC 3463, RFC 6531).
var (
	EnhancedCodeOK              = EnhancedCode{2, 0, 0}
	EnhancedCodeBadDest         = EnhancedCode{5, 1, 1}
	EnhancedCodeBadSenderSyntax = EnhancedCode{5, 1, 7}
	EnhancedCodeMsgTooLarge     = EnhancedCode{5, 3, 4}
	EnhancedCodeOtherNetwork    = EnhancedCode{4, 4, 0}
	EnhancedCodeNonASCIIAddress = EnhancedCode{5, 6, 7}
	EnhancedCodePolicy          = EnhancedCode{5, 7, 1}
)

// String returns the code formatted as "X.Y.Z".
func (e EnhancedCode) String() string {
	return fmt.Sprintf("%d.%d.%d", e.Class, e.Subject, e.Detail)
}

// IsZero reports whether e is the zero value.
func (e EnhancedCode) IsZero() bool {
	return e.Class == 0 && e.Subject == 0 && e.Detail == 0
}
