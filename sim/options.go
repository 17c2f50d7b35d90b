package sim

import (
	"errors"
	"time"

	"github.com/filecoin-project/go-tsimplex/sim/adversary"
	"github.com/filecoin-project/go-tsimplex/sim/latency"
	"github.com/filecoin-project/go-tsimplex/simplex"
)

const (
	defaultSimNamespace simplex.Namespace = "sim"
	defaultSeed                           = 0x264803e715714f95 // Seed from Drand.
	defaultHonestCount                    = 4
	defaultLatencyMean                    = 50 * time.Millisecond
	defaultApplicationDelay               = 10 * time.Millisecond
	defaultFetchDelay                     = 100 * time.Millisecond
	defaultFetchRetry                     = 500 * time.Millisecond
)

type Option func(*options) error

type options struct {
	namespace simplex.Namespace
	seed      int64
	// latencyModel models the cross participant communication latency throughout
	// a simulation.
	latencyModel latency.Model
	// honestCount is the honest participant count.
	honestCount int
	// applicationDelay is how long the application takes to propose or verify a
	// payload.
	applicationDelay time.Duration
	// fetchDelay is how long a certificate request takes to be served, and
	// fetchRetry how long a participant waits before asking again for
	// certificates nobody could serve.
	fetchDelay         time.Duration
	fetchRetry         time.Duration
	voterOptions       []simplex.Option
	traceLevel         int
	adversaryGenerator adversary.Generator
	adversaryCount     int
}

func newOptions(o ...Option) (*options, error) {
	opts := options{
		namespace:        defaultSimNamespace,
		seed:             defaultSeed,
		honestCount:      defaultHonestCount,
		applicationDelay: defaultApplicationDelay,
		fetchDelay:       defaultFetchDelay,
		fetchRetry:       defaultFetchRetry,
	}
	for _, apply := range o {
		if err := apply(&opts); err != nil {
			return nil, err
		}
	}
	if opts.latencyModel == nil {
		var err error
		if opts.latencyModel, err = latency.NewLogNormal(opts.seed, defaultLatencyMean); err != nil {
			return nil, err
		}
	}
	if _, err := simplex.Quorum(opts.honestCount + opts.adversaryCount); err != nil {
		return nil, err
	}
	return &opts, nil
}

// WithNamespace sets the signature domain of the simulated network.
func WithNamespace(ns simplex.Namespace) Option {
	return func(o *options) error {
		o.namespace = ns
		return nil
	}
}

// WithSeed sets the seed from which keys are dealt and, unless a latency model
// is set explicitly, latencies sampled. Simulations with the same options and
// seed are reproducible.
func WithSeed(seed int64) Option {
	return func(o *options) error {
		o.seed = seed
		return nil
	}
}

func WithHonestParticipantCount(i int) Option {
	return func(o *options) error {
		if i < 1 {
			return errors.New("at least one honest participant is required")
		}
		o.honestCount = i
		return nil
	}
}

func WithLatencyModel(lm latency.Model) Option {
	return func(o *options) error {
		o.latencyModel = lm
		return nil
	}
}

func WithApplicationDelay(d time.Duration) Option {
	return func(o *options) error {
		o.applicationDelay = d
		return nil
	}
}

// WithFetchDelays sets how long certificate requests take to be served and
// how long to wait before retrying those that could not be.
func WithFetchDelays(delay, retry time.Duration) Option {
	return func(o *options) error {
		if retry <= 0 {
			return errors.New("fetch retry interval must be greater than zero")
		}
		o.fetchDelay = delay
		o.fetchRetry = retry
		return nil
	}
}

// WithVoterOptions sets options applied to every honest participant's voter.
func WithVoterOptions(opts ...simplex.Option) Option {
	return func(o *options) error {
		o.voterOptions = append(o.voterOptions, opts...)
		return nil
	}
}

// WithAdversary adds a single byzantine participant to the committee, built
// by the given generator.
func WithAdversary(generator adversary.Generator) Option {
	return func(o *options) error {
		o.adversaryCount = 1
		o.adversaryGenerator = generator
		return nil
	}
}

func WithTraceLevel(i int) Option {
	return func(o *options) error {
		o.traceLevel = i
		return nil
	}
}
