// Package logging builds the zap loggers used across reelcast.
package logging

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a logger for level ("debug", "info", "warn", "error") and
// format ("json" or "console"). file, when set, receives output in addition
// to stderr.
func New(level, format, file string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	var cfg zap.Config
	switch format {
	case "", "json":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stderr"}
	if file != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, file)
	}
	return cfg.Build()
}

// OrNop returns l, or a no-op logger if l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// Logrus returns a logrus logger at a level matching l, for libraries that
// only accept logrus.
func Logrus(l *zap.Logger) *logrus.Logger {
	lr := logrus.New()
	lr.SetLevel(logrus.WarnLevel)
	if l == nil {
		return lr
	}
	switch {
	case l.Core().Enabled(zapcore.DebugLevel):
		lr.SetLevel(logrus.DebugLevel)
	case l.Core().Enabled(zapcore.InfoLevel):
		lr.SetLevel(logrus.InfoLevel)
	case l.Core().Enabled(zapcore.WarnLevel):
		lr.SetLevel(logrus.WarnLevel)
	default:
		lr.SetLevel(logrus.ErrorLevel)
	}
	return lr
}

// Limiter allows one event per period. The zero value permits the first call.
type Limiter struct {
	last atomic.Int64
}

// Allow reports whether at least period has passed since the last allowed call.
func (r *Limiter) Allow(period time.Duration) bool {
	now := time.Now().UnixNano()
	for {
		prev := r.last.Load()
		if prev != 0 && time.Duration(now-prev) < period {
			return false
		}
		if r.last.CompareAndSwap(prev, now) {
			return true
		}
	}
}
