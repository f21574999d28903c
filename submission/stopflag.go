package submission

import (
	"sync"
	"sync/atomic"
)

// StopFlag asks a service to stop accepting work. It is safe for concurrent
// use and may outlive the service it was given to.
type StopFlag struct {
	stopped atomic.Bool
	once    sync.Once
	done    chan struct{}
}

// NewStopFlag returns an unset StopFlag.
func NewStopFlag() *StopFlag {
	return &StopFlag{done: make(chan struct{})}
}

// Stop sets the flag. Calling it again has no effect.
func (f *StopFlag) Stop() {
	f.once.Do(func() {
		f.stopped.Store(true)
		close(f.done)
	})
}

// Stopped reports whether Stop was called.
func (f *StopFlag) Stopped() bool {
	return f.stopped.Load()
}

// Done returns a channel closed by Stop.
func (f *StopFlag) Done() <-chan struct{} {
	return f.done
}
