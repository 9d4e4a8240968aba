package loop

import (
	"github.com/joeycumines/logiface"
)

type loopOptions struct {
	logger *logiface.Logger[logiface.Event]
}

// Option configures a Loop instance.
type Option interface {
	applyLoop(*loopOptions) error
}

type optionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (o *optionImpl) applyLoop(opts *loopOptions) error {
	return o.applyLoopFunc(opts)
}

// WithLogger sets the logger used to report loop lifecycle events and
// recovered task panics. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

func resolveOptions(opts []Option) (*loopOptions, error) {
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
