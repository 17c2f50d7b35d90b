package resolver

import (
	"errors"
	"math"
	"time"

	"github.com/filecoin-project/go-tsimplex/simplex"
)

var (
	defaultNamespace         simplex.Namespace = "tsimplex"
	defaultFetchTimeout                        = 2 * time.Second
	defaultFetchConcurrency                    = 4
	defaultMaxViewsPerRequest                  = 256
	defaultOutputBufferSize                    = 256
	defaultRetryBackoff                        = exponentialBackoffer(2, 100*time.Millisecond, 5*time.Second)
)

// Option represents a configurable parameter.
type Option func(*options) error

type options struct {
	namespace          simplex.Namespace
	fetchTimeout       time.Duration
	fetchConcurrency   int
	maxViewsPerRequest int
	outputBufferSize   int
	retryBackoff       func(attempt int) time.Duration
}

func newOptions(o ...Option) (*options, error) {
	opts := &options{
		namespace:          defaultNamespace,
		fetchTimeout:       defaultFetchTimeout,
		fetchConcurrency:   defaultFetchConcurrency,
		maxViewsPerRequest: defaultMaxViewsPerRequest,
		outputBufferSize:   defaultOutputBufferSize,
		retryBackoff:       defaultRetryBackoff,
	}
	for _, apply := range o {
		if err := apply(opts); err != nil {
			return nil, err
		}
	}
	return opts, nil
}

// WithNamespace sets the signature domain certificates are verified in.
// Defaults to "tsimplex" if unspecified.
func WithNamespace(ns simplex.Namespace) Option {
	return func(o *options) error {
		if ns == "" {
			return errors.New("namespace cannot be empty")
		}
		o.namespace = ns
		return nil
	}
}

// WithFetchTimeout sets the timeout of each request to a peer. Defaults to 2
// seconds if unspecified.
func WithFetchTimeout(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return errors.New("fetch timeout must be positive")
		}
		o.fetchTimeout = d
		return nil
	}
}

// WithFetchConcurrency sets the maximum number of requests in flight at once.
// Defaults to 4 if unspecified.
func WithFetchConcurrency(n int) Option {
	return func(o *options) error {
		if n < 1 {
			return errors.New("fetch concurrency must be at least 1")
		}
		o.fetchConcurrency = n
		return nil
	}
}

// WithMaxViewsPerRequest sets the maximum number of views asked of a peer in a
// single request. Defaults to 256 if unspecified, which is also the maximum.
func WithMaxViewsPerRequest(n int) Option {
	return func(o *options) error {
		if n < 1 || n > maxViewsPerResponse {
			return errors.New("views per request must be between 1 and 256")
		}
		o.maxViewsPerRequest = n
		return nil
	}
}

// WithOutputBufferSize sets the capacity of the channel verified certificates
// are delivered on. Defaults to 256 if unspecified.
func WithOutputBufferSize(n int) Option {
	return func(o *options) error {
		if n < 0 {
			return errors.New("output buffer size cannot be negative")
		}
		o.outputBufferSize = n
		return nil
	}
}

// WithRetryBackoff sets how long a view waits before it is requested again
// after a failed attempt. The delay grows exponentially with the number of
// attempts, from base up to max. Defaults to 100ms doubling up to 5s.
func WithRetryBackoff(exponent float64, base, max time.Duration) Option {
	return func(o *options) error {
		if exponent < 1 || base < 0 || max < base {
			return errors.New("invalid retry backoff")
		}
		o.retryBackoff = exponentialBackoffer(exponent, base, max)
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
