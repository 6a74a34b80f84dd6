// Package retry runs network operations with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ErrExhausted wraps the last transient error once all retries are spent.
var ErrExhausted = errors.New("retries exhausted")

// Policy bounds a retry loop.
type Policy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy is used when a zero Policy is passed.
var DefaultPolicy = Policy{MaxRetries: 3, InitialInterval: 500 * time.Millisecond, MaxInterval: 5 * time.Second}

// Permanent marks err as not worth retrying. Do returns it unwrapped.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a Permanent error, the context ends,
// or the policy is exhausted.
func Do(ctx context.Context, p Policy, log *zap.Logger, name string, op func() error) error {
	if p == (Policy{}) {
		p = DefaultPolicy
	}
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(eb, p.MaxRetries), ctx)

	notify := func(err error, wait time.Duration) {
		if log != nil {
			log.Warn("retrying", zap.String("op", name), zap.Duration("wait", wait), zap.Error(err))
		}
	}

	// RetryNotify unwraps permanent errors itself, so remember them here to
	// tell them apart from exhaustion.
	var permanent error
	attempt := func() error {
		err := op()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			permanent = perm.Err
		}
		return err
	}

	err := backoff.RetryNotify(attempt, b, notify)
	if err == nil {
		return nil
	}
	if permanent != nil {
		return permanent
	}
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return fmt.Errorf("%s: %w: %w", name, ErrExhausted, err)
}
