// Package logging builds the zap loggers used across go-ipasign.
package logging

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the encoder and level.
type Config struct {
	// Env is "dev" (console, colored) or "prod" (JSON). Default "dev".
	Env string `yaml:"env"`

	// Level is the minimum level: debug, info, warn, error.
	Level string `yaml:"level"`

	Service string `yaml:"service"`
	Version string `yaml:"version"`
}

// New builds a logger for cfg.
func New(cfg Config) (*zap.Logger, error) {
	level := parseLevel(cfg.Level)

	var (
		l   *zap.Logger
		err error
	)
	if strings.EqualFold(cfg.Env, "prod") {
		l, err = buildProd(level)
	} else {
		l, err = buildDev(level)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Service != "" {
		l = l.With(zap.String("service", cfg.Service))
	}
	if cfg.Version != "" {
		l = l.With(zap.String("version", cfg.Version))
	}
	return l, nil
}

func buildDev(level zapcore.Level) (*zap.Logger, error) {
	zcfg := zap.NewDevelopmentConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	zcfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	zcfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	zcfg.DisableStacktrace = true
	// CLI output goes to stdout, keep logs on stderr.
	zcfg.OutputPaths = []string{"stderr"}
	return zcfg.Build(zap.AddCaller())
}

func buildProd(level zapcore.Level) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zcfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	return zcfg.Build(zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
}

func parseLevel(lvl string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

type ctxKey struct{}

// ToContext stores l on ctx.
func ToContext(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From returns the logger stored on ctx, or fallback (no-op when nil).
func From(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return OrNop(fallback)
}
