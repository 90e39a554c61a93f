package driver

import (
	"time"

	"github.com/joeycumines/go-concurrent-http/eventloop"
)

type driverOptions struct {
	logger        Logger
	sweepInterval time.Duration
}

// Option configures New via the functional-options pattern: an unexported
// options struct, an exported interface wrapping apply, and a
// resolveOptions helper that fills in defaults.
type Option interface {
	applyDriver(*driverOptions) error
}

type optionFunc func(*driverOptions) error

func (f optionFunc) applyDriver(o *driverOptions) error { return f(o) }

// WithLogger sets the Logger the driver uses for its own diagnostics
// (defaults to eventloop.NopLogger{}).
func WithLogger(logger Logger) Option {
	return optionFunc(func(o *driverOptions) error {
		o.logger = logger
		return nil
	})
}

// WithSweepInterval overrides the periodic safety-net sweep period
// (default 500ms).
func WithSweepInterval(d time.Duration) Option {
	return optionFunc(func(o *driverOptions) error {
		o.sweepInterval = d
		return nil
	})
}

func resolveOptions(opts []Option) (*driverOptions, error) {
	cfg := &driverOptions{
		logger:        eventloop.NopLogger{},
		sweepInterval: defaultSweepInterval,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyDriver(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
