package submission

import (
	"context"
	"errors"
	"time"

	"github.com/alexisbouchez/mailsubmit"
)

// RetryConnector wraps c so that a failed connect is tried up to attempts
// times, waiting delay before the second attempt and doubling it after
// each further one. Permanent rejections (5xx) are not retried.
func RetryConnector(c mailsubmit.Connector, attempts int, delay time.Duration) mailsubmit.Connector {
	if attempts < 1 {
		attempts = 1
	}
	return mailsubmit.ConnectorFunc(func(ctx context.Context) (mailsubmit.Conn, error) {
		var (
			conn mailsubmit.Conn
			err  error
		)
		for i := range attempts {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			conn, err = c.Connect(ctx)
			if err == nil {
				return conn, nil
			}
			var se *mailsubmit.SMTPError
			if errors.As(err, &se) && !se.Temporary() {
				return nil, err
			}
			if i < attempts-1 {
				t := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					t.Stop()
					return nil, ctx.Err()
				case <-t.C:
					delay *= 2
				}
			}
		}
		return nil, err
	})
}
