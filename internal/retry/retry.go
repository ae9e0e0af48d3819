package retry

import (
	"context"
	"errors"
	"time"
)

// Policy is handed to network collaborators; business code never loops on its own.
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

// Permanent marks an error that must not be retried.
type Permanent struct{ Err error }

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

func Stop(err error) error { return &Permanent{Err: err} }

// Delay returns the wait before the given retry (1-based): Backoff, 2x, 4x ... capped.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.Backoff
	if base <= 0 {
		base = time.Second
	}
	if attempt <= 1 {
		return base
	}
	d := base << (attempt - 1)
	if p.MaxBackoff > 0 && (d > p.MaxBackoff || d <= 0) {
		d = p.MaxBackoff
	}
	return d
}

// Do runs fn until it succeeds, returns a Permanent error, the attempts run out or
// ctx ends. The last error is returned unwrapped from Permanent.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		var perm *Permanent
		if errors.As(err, &perm) {
			return perm.Err
		}
		if i == attempts {
			break
		}
		t := time.NewTimer(p.Delay(i))
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
	return err
}
