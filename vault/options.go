package vault

import (
	"log/slog"
	"time"
)

// Option configures a repository.
type Option func(*options)

type options struct {
	logger *slog.Logger
	now    func() time.Time
}

func newOptions(opts []Option) options {
	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithClock sets the time source used for locally stamped metadata.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}
