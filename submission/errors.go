package submission

import (
	"errors"
	"fmt"
)

var (
	errConnBusy      = errors.New("submission: connection busy")
	errConnNotUsable = errors.New("submission: connection not usable")
	errNoMail        = errors.New("submission: request without mail")
)

// ConnectError is returned by Service.Run when a session could not be
// established. Requests pending at that time fail as canceled and wrap it.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("submission: connect: %v", e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}
