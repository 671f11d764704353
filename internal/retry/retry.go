// Package retry runs backend calls with capped exponential backoff. Postgres
// and Redis calls share it.
package retry

import (
	"context"
	"errors"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Permanent errors end the loop immediately, e.g. a cache miss or a
	// missing row.
	Permanent []error
}

// Default is three attempts starting at 50ms, capped at one second.
func Default(permanent ...error) Policy {
	return Policy{
		Attempts:       3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     time.Second,
		Permanent:      permanent,
	}
}

// Do calls fn until it succeeds, fails with a non-transient error or runs out
// of attempts. onTransient, when set, sees every error that will be retried.
// It returns the number of calls made and the last error; a cancelled context
// during backoff yields ctx.Err().
func (p Policy) Do(ctx context.Context, fn func() error, onTransient func(attempt int, err error)) (int, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.InitialBackoff

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt - 1, ctx.Err()
			case <-timer.C:
			}
			if next := backoff * 2; next <= p.MaxBackoff {
				backoff = next
			}
		}

		if err = fn(); err == nil {
			return attempt, nil
		}
		if p.permanent(err) || !IsTransient(err) || attempt == attempts {
			return attempt, err
		}
		if onTransient != nil {
			onTransient(attempt, err)
		}
	}
	return attempts, err
}

func (p Policy) permanent(err error) bool {
	for _, target := range p.Permanent {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsTransient reports whether err looks like a timeout or a temporary network
// failure worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var temporary interface{ Temporary() bool }
	return errors.As(err, &temporary) && temporary.Temporary()
}
