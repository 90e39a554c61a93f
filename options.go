package chttp

import (
	"github.com/joeycumines/go-concurrent-http/eventloop"
)

const (
	defaultWorkerCount  = 4
	defaultMaxClients   = 32
	defaultMaxQueueSize = 1024
)

type managerOptions struct {
	workerCount  int
	maxClients   int
	maxQueueSize int
	logger       eventloop.Logger
}

// ManagerOption configures NewManager via the functional-options pattern:
// an unexported options struct, an exported interface wrapping apply, and
// a resolveManagerOptions helper that fills in defaults.
type ManagerOption interface {
	applyManager(*managerOptions) error
}

type managerOptionFunc func(*managerOptions) error

func (f managerOptionFunc) applyManager(o *managerOptions) error { return f(o) }

// WithWorkerCount sets the fixed number of worker goroutines (each running
// its own eventloop.Loop and driver.Driver). Default 4.
func WithWorkerCount(n int) ManagerOption {
	return managerOptionFunc(func(o *managerOptions) error {
		o.workerCount = n
		return nil
	})
}

// WithMaxClients sets the per-worker transfer-handle pool size (the engine's
// MaxHandles()). Default 32.
func WithMaxClients(n int) ManagerOption {
	return managerOptionFunc(func(o *managerOptions) error {
		o.maxClients = n
		return nil
	})
}

// WithMaxQueueSize sets the bounded submission queue's capacity. Default
// 1024. Submit returns a KindQueueFull error once this many requests are
// queued and not yet dispatched.
func WithMaxQueueSize(n int) ManagerOption {
	return managerOptionFunc(func(o *managerOptions) error {
		o.maxQueueSize = n
		return nil
	})
}

// WithLogger sets the Logger every worker's Loop and Driver uses. Defaults
// to eventloop.NopLogger{}.
func WithLogger(logger eventloop.Logger) ManagerOption {
	return managerOptionFunc(func(o *managerOptions) error {
		o.logger = logger
		return nil
	})
}

func resolveManagerOptions(opts []ManagerOption) (*managerOptions, error) {
	cfg := &managerOptions{
		workerCount:  defaultWorkerCount,
		maxClients:   defaultMaxClients,
		maxQueueSize: defaultMaxQueueSize,
		logger:       eventloop.NopLogger{},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyManager(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.workerCount <= 0 {
		return nil, newError(KindSetupError, "WorkerCount must be positive", nil)
	}
	if cfg.maxClients <= 0 {
		return nil, newError(KindSetupError, "MaxClients must be positive", nil)
	}
	if cfg.maxQueueSize <= 0 {
		return nil, newError(KindSetupError, "MaxQueueSize must be positive", nil)
	}
	return cfg, nil
}
