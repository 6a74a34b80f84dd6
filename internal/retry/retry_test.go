package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fast = Policy{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, nil, "test", func() error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhausts(t *testing.T) {
	calls := 0
	transient := errors.New("503")
	err := Do(context.Background(), fast, nil, "test", func() error {
		calls++
		return transient
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, transient)
	assert.Equal(t, 3, calls, "one attempt plus MaxRetries")
}

func TestDoPermanentStopsImmediately(t *testing.T) {
	calls := 0
	bad := errors.New("401")
	err := Do(context.Background(), fast, nil, "test", func() error {
		calls++
		return Permanent(bad)
	})
	assert.Same(t, bad, err)
	assert.NotErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 1, calls)
}

func TestDoPermanentAfterTransient(t *testing.T) {
	calls := 0
	rejected := errors.New("session rejected")
	err := Do(context.Background(), fast, nil, "test", func() error {
		calls++
		if calls == 1 {
			return errors.New("503")
		}
		return Permanent(fmt.Errorf("list teams: %w", rejected))
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, rejected)
	assert.NotErrorIs(t, err, ErrExhausted)
	assert.Equal(t, "list teams: session rejected", err.Error())
	assert.Equal(t, 2, calls)
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, Policy{MaxRetries: 10, InitialInterval: time.Second}, nil, "test", func() error {
		return errors.New("down")
	})
	assert.ErrorIs(t, err, context.Canceled)
}
