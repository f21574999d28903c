package smtpclient

import (
	"context"

	"github.com/alexisbouchez/mailsubmit"
)

// Connector dials a new Client for every Connect call.
type Connector struct {
	addr string
	opts []Option
}

var _ mailsubmit.Connector = (*Connector)(nil)

// NewConnector returns a Connector for the server at addr.
func NewConnector(addr string, opts ...Option) *Connector {
	return &Connector{addr: addr, opts: opts}
}

// Connect implements mailsubmit.Connector.
func (c *Connector) Connect(ctx context.Context) (mailsubmit.Conn, error) {
	return Dial(ctx, c.addr, c.opts...)
}
