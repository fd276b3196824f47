package futures

import "github.com/joeycumines/logiface"

// loopOptions holds configuration for Loop creation.
type loopOptions struct {
	logger *logiface.Logger[logiface.Event]
}

// LoopOption configures a [Loop].
type LoopOption interface {
	applyLoop(*loopOptions) error
}

// poolOptions holds configuration for thread-pool scheduler creation.
type poolOptions struct {
	logger  *logiface.Logger[logiface.Event]
	workers int
}

// PoolOption configures a [ThreadPoolScheduler].
type PoolOption interface {
	applyPool(*poolOptions) error
}

type loopOptionImpl struct {
	fn func(*loopOptions) error
}

func (o *loopOptionImpl) applyLoop(opts *loopOptions) error { return o.fn(opts) }

type poolOptionImpl struct {
	fn func(*poolOptions) error
}

func (o *poolOptionImpl) applyPool(opts *poolOptions) error { return o.fn(opts) }

// loggerOption implements both LoopOption and PoolOption.
type loggerOption struct {
	logger *logiface.Logger[logiface.Event]
}

func (o *loggerOption) applyLoop(opts *loopOptions) error {
	opts.logger = o.logger
	return nil
}

func (o *loggerOption) applyPool(opts *poolOptions) error {
	opts.logger = o.logger
	return nil
}

// WithLogger configures structured logging. The logger may be nil
// (logging disabled); logiface loggers are nil-safe.
//
// Usable with both [NewLoop] and [NewThreadPool].
func WithLogger(logger *logiface.Logger[logiface.Event]) interface {
	LoopOption
	PoolOption
} {
	return &loggerOption{logger: logger}
}

// WithWorkers caps the number of worker threads created by
// [NewThreadPool]. Zero selects the default of max(1, NumCPU/2).
func WithWorkers(n int) PoolOption {
	return &poolOptionImpl{func(opts *poolOptions) error {
		opts.workers = n
		return nil
	}}
}

func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{}
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

func resolvePoolOptions(opts []PoolOption) (*poolOptions, error) {
	cfg := &poolOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyPool(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
