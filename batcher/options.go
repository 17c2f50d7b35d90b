package batcher

import (
	"errors"
	"time"

	"github.com/filecoin-project/go-tsimplex/simplex"
)

type Option func(*options) error

type options struct {
	namespace    simplex.Namespace
	batchSize    int
	batchTimeout time.Duration
	inboxSize    int
	outputSize   int
}

func newOptions(o ...Option) (*options, error) {
	opts := &options{
		namespace:    "tsimplex",
		batchSize:    32,
		batchTimeout: 50 * time.Millisecond,
		inboxSize:    1024,
		outputSize:   64,
	}
	for _, apply := range o {
		if err := apply(opts); err != nil {
			return nil, err
		}
	}
	return opts, nil
}

// WithNamespace sets the signature domain votes are verified under. It must
// match the namespace the voters sign with.
func WithNamespace(ns simplex.Namespace) Option {
	return func(o *options) error {
		if ns == "" {
			return errors.New("namespace cannot be empty")
		}
		o.namespace = ns
		return nil
	}
}

// WithBatchSize sets the maximum number of submissions drained from the inbox
// before pending groups are verified. Defaults to 32.
func WithBatchSize(size int) Option {
	return func(o *options) error {
		if size < 1 {
			return errors.New("batch size must be at least 1")
		}
		o.batchSize = size
		return nil
	}
}

// WithBatchTimeout sets the maximum time spent draining the inbox before
// pending groups are verified. Defaults to 50ms.
func WithBatchTimeout(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return errors.New("batch timeout must be greater than zero")
		}
		o.batchTimeout = d
		return nil
	}
}

// WithInboxSize sets the number of submissions buffered ahead of the batcher.
// Submissions beyond it are dropped. Defaults to 1024.
func WithInboxSize(size int) Option {
	return func(o *options) error {
		if size < 1 {
			return errors.New("inbox size must be at least 1")
		}
		o.inboxSize = size
		return nil
	}
}

// WithOutputBufferSize sets the capacity of the outputs channel. Defaults to 64.
func WithOutputBufferSize(size int) Option {
	return func(o *options) error {
		if size < 0 {
			return errors.New("output buffer size cannot be negative")
		}
		o.outputSize = size
		return nil
	}
}
