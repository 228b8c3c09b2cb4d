package backend

import (
	"context"
	"time"
)

// MaxRetries is the default attempt count for transient backend failures.
const MaxRetries = 3

// Retry runs fn up to attempts times, backing off exponentially from base
// between tries. Only transient ConnectorErrors are retried; validation,
// not-found, and other permanent failures surface immediately.
func Retry(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	if attempts <= 0 {
		attempts = MaxRetries
	}
	if base <= 0 {
		base = 50 * time.Millisecond
	}

	var err error
	delay := base
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}

		err = fn()
		if err == nil {
			return nil
		}
		ce, ok := AsConnector(err)
		if !ok || !ce.Transient() {
			return err
		}
	}
	return err
}
