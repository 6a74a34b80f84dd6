package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" WARN ":  zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"bogus":   zapcore.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLevel(in), "level %q", in)
	}
}

func TestNew(t *testing.T) {
	for _, env := range []string{"dev", "prod"} {
		l, err := New(Config{Env: env, Level: "debug", Service: "go-ipasign", Version: "test"})
		require.NoError(t, err)
		require.NotNil(t, l)
		assert.True(t, l.Core().Enabled(zapcore.DebugLevel))
	}
}

func TestContextRoundTrip(t *testing.T) {
	l := zap.NewExample()
	ctx := ToContext(context.Background(), l)
	assert.Same(t, l, From(ctx, nil))

	fallback := zap.NewNop()
	assert.Same(t, fallback, From(context.Background(), fallback))
	assert.NotNil(t, From(context.Background(), nil))
}
