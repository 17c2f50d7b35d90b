package simplex

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	defaultNamespace       Namespace = "tsimplex"
	defaultLeaderTimeout             = time.Second
	defaultAdvanceTimeout            = 2 * time.Second
	defaultActivityTimeout uint64    = 10
	defaultMaxLookahead    uint64    = 4096
)

// Option represents a configurable parameter.
type Option func(*options) error

type options struct {
	namespace       Namespace
	leaderTimeout   time.Duration
	advanceTimeout  time.Duration
	activityTimeout uint64
	maxLookahead    uint64

	rebroadcastAfter func(int) time.Duration

	// tracer traces logic logs for debugging and simulation purposes.
	tracer Tracer
}

func newOptions(o ...Option) (*options, error) {
	opts := &options{
		namespace:        defaultNamespace,
		leaderTimeout:    defaultLeaderTimeout,
		advanceTimeout:   defaultAdvanceTimeout,
		activityTimeout:  defaultActivityTimeout,
		maxLookahead:     defaultMaxLookahead,
		rebroadcastAfter: defaultRebroadcastAfter,
	}
	for _, apply := range o {
		if err := apply(opts); err != nil {
			return nil, err
		}
	}
	if opts.leaderTimeout >= opts.advanceTimeout {
		return nil, fmt.Errorf("leader timeout %s must be shorter than advance timeout %s", opts.leaderTimeout, opts.advanceTimeout)
	}
	return opts, nil
}

// WithNamespace sets the signature domain of the network. Defaults to
// "tsimplex" if unspecified.
func WithNamespace(ns Namespace) Option {
	return func(o *options) error {
		if ns == "" {
			return errors.New("namespace cannot be empty")
		}
		o.namespace = ns
		return nil
	}
}

// WithLeaderTimeout sets how long after entering a view the voter waits for a
// proposal it can notarize before nullifying the view. Defaults to 1 second.
// It must be shorter than the advance timeout.
func WithLeaderTimeout(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return errors.New("leader timeout must be greater than zero")
		}
		o.leaderTimeout = d
		return nil
	}
}

// WithAdvanceTimeout sets how long after entering a view the voter waits for a
// certificate before nullifying the view and rebroadcasting its votes.
// Defaults to 2 seconds.
func WithAdvanceTimeout(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return errors.New("advance timeout must be greater than zero")
		}
		o.advanceTimeout = d
		return nil
	}
}

// WithActivityTimeout sets the number of views below the last finalized view
// for which votes and certificates are retained. Defaults to 10.
func WithActivityTimeout(views uint64) Option {
	return func(o *options) error {
		if views == 0 {
			return errors.New("activity timeout must be at least one view")
		}
		o.activityTimeout = views
		return nil
	}
}

// WithMaxLookahead sets how many views ahead of the current view certificates
// are requested from peers in one go. Defaults to 4096.
func WithMaxLookahead(views uint64) Option {
	return func(o *options) error {
		o.maxLookahead = views
		return nil
	}
}

// WithTracer sets the Tracer for the voter, which receives diagnostic logs
// about the state mutation. Defaults to no tracer if unspecified.
func WithTracer(t Tracer) Option {
	return func(o *options) error {
		o.tracer = t
		return nil
	}
}

var defaultRebroadcastAfter = exponentialBackoffer(1.3, time.Second, 10*time.Second)

// WithRebroadcastBackoff sets the interval, after the advance timeout has
// elapsed, at which the voter's own votes for the current view are rebroadcast
// while no certificate forms.
//
// The interval grows exponentially up to the configured max. Defaults to
// exponent of 1.3 with 1s base growing to a maximum of 10s.
func WithRebroadcastBackoff(exponent float64, base, max time.Duration) Option {
	return func(o *options) error {
		if base <= 0 {
			return fmt.Errorf("rebroadcast backoff duration must be greater than zero; got: %s", base)
		}
		if max < base {
			return fmt.Errorf("rebroadcast backoff max duration must be greater than base; got: %s", max)
		}
		o.rebroadcastAfter = exponentialBackoffer(exponent, base, max)
		return nil
	}
}

func exponentialBackoffer(exponent float64, base, maxBackoff time.Duration) func(attempt int) time.Duration {
	return func(attempt int) time.Duration {
		nextBackoff := float64(base) * math.Pow(exponent, float64(attempt))
		if nextBackoff > float64(maxBackoff) {
			return maxBackoff
		}
		return time.Duration(nextBackoff)
	}
}
