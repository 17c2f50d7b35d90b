package tsimplex

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/filecoin-project/go-tsimplex/internal/caching"
	"github.com/filecoin-project/go-tsimplex/internal/circuitbreaker"
	"github.com/filecoin-project/go-tsimplex/internal/clock"
	"github.com/filecoin-project/go-tsimplex/internal/encoding"
	"github.com/filecoin-project/go-tsimplex/internal/psutil"
	"github.com/filecoin-project/go-tsimplex/simplex"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/multierr"
)

const (
	publishMaxFailures  = 5
	publishResetTimeout = 5 * time.Second
)

var _ pubsub.ValidatorEx = (*transport)(nil).validatePubSubMessage

// inbox receives messages that passed validation.
type inbox interface {
	Submit(vote *simplex.Vote) bool
	SubmitProposal(msg *simplex.ProposalMessage) bool
	SubmitCertificate(cert *simplex.Certificate) bool
}

// transport carries consensus messages over a pubsub topic. Messages are
// checked for shape and signer membership before they propagate; signatures
// are left to the batcher.
type transport struct {
	*options
	self       peer.ID
	supervisor simplex.Supervisor
	encoding   encoding.EncodeDecoder[*simplex.Message]
	seen       *caching.GroupedSet
	// breaker stops publishing for a while once the topic keeps failing.
	breaker *circuitbreaker.CircuitBreaker

	view       atomic.Uint64
	retainFrom atomic.Uint64

	topic    *pubsub.Topic
	sub      *pubsub.Subscription
	outbound chan *simplex.Message
}

func newTransport(clk clock.Clock, opts *options, supervisor simplex.Supervisor) (*transport, error) {
	var enc encoding.EncodeDecoder[*simplex.Message]
	if opts.compression {
		var err error
		if enc, err = encoding.NewZSTD[*simplex.Message](); err != nil {
			return nil, err
		}
	} else {
		enc = encoding.NewCBOR[*simplex.Message]()
	}
	return &transport{
		options:    opts,
		self:       opts.host.ID(),
		supervisor: supervisor,
		encoding:   enc,
		seen:       caching.NewGroupedSet(opts.seenGroups, opts.seenPerGroup),
		breaker:    circuitbreaker.New(clk, publishMaxFailures, publishResetTimeout),
		outbound:   make(chan *simplex.Message, opts.publishBufferSize),
	}, nil
}

func (t *transport) start() error {
	if err := t.pubsub.RegisterTopicValidator(t.topicName, t.validatePubSubMessage); err != nil {
		return fmt.Errorf("registering topic validator: %w", err)
	}
	topic, err := t.pubsub.Join(t.topicName, pubsub.WithTopicMessageIdFn(psutil.MessageIdFn))
	if err != nil {
		_ = t.pubsub.UnregisterTopicValidator(t.topicName)
		return fmt.Errorf("could not join on pubsub topic: %s: %w", t.topicName, err)
	}
	if err := topic.SetScoreParams(psutil.TopicScoreParams); err != nil {
		// Routers without peer scoring reject score params; it is not critical.
		log.Warnw("Failed to set topic score params.", "err", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		_ = t.pubsub.UnregisterTopicValidator(t.topicName)
		return fmt.Errorf("subscribing to topic %s: %w", t.topicName, err)
	}
	t.topic, t.sub = topic, sub
	return nil
}

// stop tears down the subscription. It must be called after the receive and
// publish loops have returned.
func (t *transport) stop() error {
	if t.topic == nil {
		return nil
	}
	t.sub.Cancel()
	err := multierr.Combine(
		t.pubsub.UnregisterTopicValidator(t.topicName),
		t.topic.Close(),
	)
	t.topic, t.sub = nil, nil
	return err
}

// peers lists the peers subscribed to the topic, the ones able to serve
// certificates.
func (t *transport) peers() []peer.ID {
	if topic := t.topic; topic != nil {
		return topic.ListPeers()
	}
	return nil
}

// advance updates the window of views messages are accepted for.
func (t *transport) advance(view, retainFrom uint64) {
	t.view.Store(view)
	if t.retainFrom.Load() < retainFrom {
		t.retainFrom.Store(retainFrom)
		t.seen.RemoveGroupsLessThan(retainFrom)
	}
}

// send queues a message for broadcast without blocking.
func (t *transport) send(msg *simplex.Message) {
	select {
	case t.outbound <- msg:
	default:
		recordMessage(context.TODO(), "out", "dropped")
		log.Warnw("Publish queue full, dropped message.", "view", msg.View())
	}
}

// publish broadcasts queued messages until ctx is cancelled.
func (t *transport) publish(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-t.outbound:
			data, err := t.encoding.Encode(msg)
			if err != nil {
				recordMessage(ctx, "out", "error")
				log.Errorw("Failed to encode message.", "view", msg.View(), "err", err)
				continue
			}
			err = t.breaker.Run(func() error { return t.topic.Publish(ctx, data) })
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, circuitbreaker.ErrOpen):
				recordMessage(ctx, "out", "dropped")
				log.Debugw("Publishing paused after repeated failures, dropped message.", "view", msg.View())
				continue
			case err != nil:
				recordMessage(ctx, "out", "error")
				log.Warnw("Failed to publish message.", "view", msg.View(), "err", err)
				continue
			}
			recordMessage(ctx, "out", "sent")
		}
	}
}

// receive hands messages from other peers to the inbox until ctx is
// cancelled.
func (t *transport) receive(ctx context.Context, to inbox) error {
	for {
		msg, err := t.sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading from subscription: %w", err)
		}
		if msg.ReceivedFrom == t.self {
			continue
		}
		m, ok := msg.ValidatorData.(*simplex.Message)
		if !ok {
			log.Errorw("Unexpected validator data.", "data", msg.ValidatorData)
			continue
		}
		var queued bool
		switch {
		case m.Vote != nil:
			queued = to.Submit(m.Vote)
		case m.Proposal != nil:
			queued = to.SubmitProposal(m.Proposal)
		case m.Certificate != nil:
			queued = to.SubmitCertificate(m.Certificate)
		}
		if queued {
			recordMessage(ctx, "in", "queued")
		} else {
			recordMessage(ctx, "in", "dropped")
		}
	}
}

func (t *transport) validatePubSubMessage(ctx context.Context, from peer.ID, msg *pubsub.Message) (_result pubsub.ValidationResult) {
	defer func(start time.Time) {
		recordValidationTime(ctx, start, _result)
	}(time.Now())

	var m simplex.Message
	if err := t.encoding.Decode(msg.Data, &m); err != nil {
		log.Debugw("Failed to decode message.", "from", from, "err", err)
		return pubsub.ValidationReject
	}
	if from == t.self {
		// Own messages are rebroadcast verbatim and must not be deduplicated.
		msg.ValidatorData = &m
		return pubsub.ValidationAccept
	}

	view := m.View()
	switch {
	case view < t.retainFrom.Load():
		return pubsub.ValidationIgnore
	case view > t.view.Load()+t.maxLookahead:
		return pubsub.ValidationIgnore
	}
	committee, err := t.supervisor.Committee(view)
	if err != nil {
		log.Debugw("No committee for message.", "from", from, "view", view, "err", err)
		return pubsub.ValidationIgnore
	}
	if err := simplex.ValidateMessage(committee, &m); err != nil {
		log.Debugw("Invalid message.", "from", from, "view", view, "err", err)
		return pubsub.ValidationReject
	}
	if !t.seen.Add(view, []byte(t.topicName), msg.Data) {
		return pubsub.ValidationIgnore
	}

	msg.ValidatorData = &m
	return pubsub.ValidationAccept
}
