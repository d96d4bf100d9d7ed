package progress

import (
	"context"
	"time"
)

// DefaultRetryAttempts is the attempt budget the HTTP layer uses.
const DefaultRetryAttempts = 3

// Retry runs fn up to attempts times while it fails with a retryable error
// (conflict, topology lookup). The engine never retries on its own.
func Retry(ctx context.Context, attempts int, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for n := 0; n < attempts; n++ {
		if err = fn(); err == nil || !IsRetryable(err) {
			return err
		}
		if n == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(n+1) * 10 * time.Millisecond):
		}
	}
	return err
}
