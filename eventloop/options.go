// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventloop

import "time"

// loopOptions holds configuration applied at Loop construction.
type loopOptions struct {
	logger          Logger
	maxPollTimeout  time.Duration
	callbackBudget  int
	exceptionHook   func(origin string, err error)
	errLogCategory  string
	errLogWindow    time.Duration
}

// Option configures a Loop instance.
type Option interface {
	applyLoop(*loopOptions) error
}

type optionFunc func(*loopOptions) error

func (f optionFunc) applyLoop(opts *loopOptions) error { return f(opts) }

// WithLogger sets the Logger used for the loop's internal diagnostics and
// exception-hook reporting. Defaults to a no-op logger.
func WithLogger(l Logger) Option {
	return optionFunc(func(opts *loopOptions) error {
		opts.logger = l
		return nil
	})
}

// WithMaxPollTimeout caps the poll timeout computed each iteration
// (min(cap, time to next timer)). Default is 3600s.
func WithMaxPollTimeout(d time.Duration) Option {
	return optionFunc(func(opts *loopOptions) error {
		opts.maxPollTimeout = d
		return nil
	})
}

// WithCallbackBudget sets how many previously-submitted callbacks are run
// per iteration at most (snapshotted at the start of the iteration, so a
// callback submitting more callbacks can't starve timers/polling). Default
// is unbounded (run the entire snapshot, whatever its size).
func WithCallbackBudget(n int) Option {
	return optionFunc(func(opts *loopOptions) error {
		opts.callbackBudget = n
		return nil
	})
}

// WithExceptionHook overrides where panics recovered from callbacks, timers,
// and fd handlers are reported. Defaults to logging via the configured
// Logger at Error level.
func WithExceptionHook(fn func(origin string, err error)) Option {
	return optionFunc(func(opts *loopOptions) error {
		opts.exceptionHook = fn
		return nil
	})
}

// WithExceptionLogWindow sets the rate-limiting window used to suppress
// repeated identical-origin exception log lines (see catrate wiring in
// logging.go). Default is one second.
func WithExceptionLogWindow(d time.Duration) Option {
	return optionFunc(func(opts *loopOptions) error {
		opts.errLogWindow = d
		return nil
	})
}

// resolveOptions applies Option instances over the defaults.
func resolveOptions(opts []Option) (*loopOptions, error) {
	cfg := &loopOptions{
		logger:         NopLogger{},
		maxPollTimeout: 3600 * time.Second,
		errLogWindow:   time.Second,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
