package tsimplex

import (
	"errors"
	"time"

	"github.com/filecoin-project/go-tsimplex/batcher"
	"github.com/filecoin-project/go-tsimplex/resolver"
	"github.com/filecoin-project/go-tsimplex/simplex"
	"github.com/ipfs/go-datastore"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
)

type Option func(*options) error

type options struct {
	namespace         simplex.Namespace
	host              host.Host
	pubsub            *pubsub.PubSub
	datastore         datastore.Batching
	journalPath       string
	topicName         string
	compression       bool
	publishBufferSize int
	seenGroups        int
	seenPerGroup      int
	maxLookahead      uint64
	fetchTimeout      time.Duration

	voterOptions    []simplex.Option
	batcherOptions  []batcher.Option
	resolverOptions []resolver.Option
}

func newOptions(o ...Option) (*options, error) {
	opts := &options{
		namespace:         "tsimplex",
		compression:       true,
		publishBufferSize: 256,
		seenGroups:        64,
		seenPerGroup:      4096,
		maxLookahead:      4096,
		fetchTimeout:      2 * time.Second,
	}
	for _, apply := range o {
		if err := apply(opts); err != nil {
			return nil, err
		}
	}
	switch {
	case opts.host == nil:
		return nil, errors.New("libp2p host must be set")
	case opts.pubsub == nil:
		return nil, errors.New("pubsub must be set")
	}
	if opts.topicName == "" {
		opts.topicName = "/tsimplex/votes/" + string(opts.namespace)
	}
	if opts.datastore == nil {
		log.Warn("No datastore configured; certificates will be kept in memory.")
		opts.datastore = newMemoryDatastore()
	}
	return opts, nil
}

func (o *options) voter() []simplex.Option {
	return append([]simplex.Option{
		simplex.WithNamespace(o.namespace),
		simplex.WithMaxLookahead(o.maxLookahead),
		simplex.WithTracer(tracer),
	}, o.voterOptions...)
}

func (o *options) batcher() []batcher.Option {
	return append([]batcher.Option{batcher.WithNamespace(o.namespace)}, o.batcherOptions...)
}

func (o *options) resolver() []resolver.Option {
	return append([]resolver.Option{
		resolver.WithNamespace(o.namespace),
		resolver.WithFetchTimeout(o.fetchTimeout),
	}, o.resolverOptions...)
}

// WithNamespace sets the signature domain of the network, which also names the
// pubsub topic and the certificate fetch protocol. Defaults to "tsimplex".
func WithNamespace(ns simplex.Namespace) Option {
	return func(o *options) error {
		if ns == "" {
			return errors.New("namespace cannot be empty")
		}
		o.namespace = ns
		return nil
	}
}

// WithHost sets the libp2p host certificates are served and fetched over.
// Required.
func WithHost(h host.Host) Option {
	return func(o *options) error {
		o.host = h
		return nil
	}
}

// WithPubSub sets the pubsub instance consensus messages are broadcast over.
// Required.
func WithPubSub(ps *pubsub.PubSub) Option {
	return func(o *options) error {
		o.pubsub = ps
		return nil
	}
}

// WithDatastore sets the datastore certificates are kept in. It must be safe
// for concurrent use. Defaults to an in-memory datastore.
func WithDatastore(ds datastore.Batching) Option {
	return func(o *options) error {
		o.datastore = ds
		return nil
	}
}

// WithJournalPath sets the directory the voter's write-ahead log is kept in.
// Without it decisions are journaled in memory only, which is unsafe for a
// participant that may restart.
func WithJournalPath(path string) Option {
	return func(o *options) error {
		o.journalPath = path
		return nil
	}
}

// WithTopicName overrides the pubsub topic. Defaults to
// "/tsimplex/votes/<namespace>".
func WithTopicName(name string) Option {
	return func(o *options) error {
		if name == "" {
			return errors.New("topic name cannot be empty")
		}
		o.topicName = name
		return nil
	}
}

// WithCompression sets whether messages are zstd compressed on the wire.
// Defaults to true.
func WithCompression(enabled bool) Option {
	return func(o *options) error {
		o.compression = enabled
		return nil
	}
}

// WithPublishBufferSize sets how many outgoing messages may be queued before
// further broadcasts are dropped. Defaults to 256.
func WithPublishBufferSize(size int) Option {
	return func(o *options) error {
		if size < 1 {
			return errors.New("publish buffer size must be at least 1")
		}
		o.publishBufferSize = size
		return nil
	}
}

// WithSeenMessagesCache sets the bounds of the cache used to drop repeated
// messages: at most groups views, each with at most perGroup messages.
// Defaults to 64 views of 4096 messages.
func WithSeenMessagesCache(groups, perGroup int) Option {
	return func(o *options) error {
		if groups < 1 || perGroup < 1 {
			return errors.New("seen messages cache bounds must be at least 1")
		}
		o.seenGroups = groups
		o.seenPerGroup = perGroup
		return nil
	}
}

// WithMaxLookahead sets how many views ahead of the current view messages are
// accepted from the network. Defaults to 4096.
func WithMaxLookahead(views uint64) Option {
	return func(o *options) error {
		o.maxLookahead = views
		return nil
	}
}

// WithFetchTimeout sets the timeout of a single certificate fetch request.
// Defaults to 2 seconds.
func WithFetchTimeout(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return errors.New("fetch timeout must be greater than zero")
		}
		o.fetchTimeout = d
		return nil
	}
}

// WithVoterOptions passes options through to the voter.
func WithVoterOptions(vo ...simplex.Option) Option {
	return func(o *options) error {
		o.voterOptions = append(o.voterOptions, vo...)
		return nil
	}
}

// WithBatcherOptions passes options through to the batcher.
func WithBatcherOptions(bo ...batcher.Option) Option {
	return func(o *options) error {
		o.batcherOptions = append(o.batcherOptions, bo...)
		return nil
	}
}

// WithResolverOptions passes options through to the resolver.
func WithResolverOptions(ro ...resolver.Option) Option {
	return func(o *options) error {
		o.resolverOptions = append(o.resolverOptions, ro...)
		return nil
	}
}
