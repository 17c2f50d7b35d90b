// Package tsimplex runs a Simplex consensus participant over libp2p: votes and
// proposals travel over pubsub, missing certificates are fetched from peers
// over a stream protocol, and decisions are journaled to disk before they are
// acted upon.
package tsimplex

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/filecoin-project/go-tsimplex/batcher"
	"github.com/filecoin-project/go-tsimplex/certstore"
	"github.com/filecoin-project/go-tsimplex/internal/clock"
	"github.com/filecoin-project/go-tsimplex/internal/measurements"
	"github.com/filecoin-project/go-tsimplex/resolver"
	"github.com/filecoin-project/go-tsimplex/simplex"
	"github.com/filecoin-project/go-tsimplex/threshold"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	ds_sync "github.com/ipfs/go-datastore/sync"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

type Node struct {
	*options
	id         simplex.ParticipantID
	app        simplex.Application
	supervisor simplex.Supervisor
	signer     *threshold.Signer

	mu        sync.Mutex
	cs        *certstore.Store
	runner    *runner
	server    *resolver.Server
	transport *transport
	journal   *journal
	cancelCtx context.CancelFunc
	errgrp    *errgroup.Group
}

// New creates a participant identified by id in the committees given by
// supervisor, signing with the share held by signer.
func New(id simplex.ParticipantID, app simplex.Application, supervisor simplex.Supervisor, signer *threshold.Signer, o ...Option) (*Node, error) {
	switch {
	case app == nil:
		return nil, errors.New("application must be set")
	case supervisor == nil:
		return nil, errors.New("supervisor must be set")
	case signer == nil:
		return nil, errors.New("signer must be set")
	}
	opts, err := newOptions(o...)
	if err != nil {
		return nil, err
	}
	return &Node{
		options:    opts,
		id:         id,
		app:        app,
		supervisor: supervisor,
		signer:     signer,
	}, nil
}

func newMemoryDatastore() datastore.Batching {
	return ds_sync.MutexWrap(datastore.NewMapDatastore())
}

// Start opens the journal and certificate store, joins the pubsub topic and
// starts voting. The context is used for initialization and as the parent of
// the node's background work.
func (n *Node) Start(ctx context.Context) (_err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.runner != nil {
		return errors.New("node already started")
	}

	ds := namespace.Wrap(
		measurements.NewMeteredDatastore(meter, "tsimplex_datastore_", n.datastore),
		datastore.NewKey(string(n.namespace)))
	cs, err := certstore.NewStore(ctx, ds)
	if err != nil {
		return xerrors.Errorf("creating certstore: %w", err)
	}
	j, entries, err := openJournal(n.journalPath)
	if err != nil {
		return err
	}
	defer func() {
		if _err != nil {
			_err = multierr.Append(_err, j.Close())
		}
	}()

	b, err := batcher.New(n.supervisor, n.options.batcher()...)
	if err != nil {
		return xerrors.Errorf("creating batcher: %w", err)
	}
	t, err := newTransport(clock.GetClock(ctx), n.options, n.supervisor)
	if err != nil {
		return xerrors.Errorf("creating transport: %w", err)
	}
	client := &resolver.Client{Host: n.host, Namespace: n.namespace}
	r, err := resolver.New(client, t.peers, n.supervisor, n.options.resolver()...)
	if err != nil {
		return xerrors.Errorf("creating resolver: %w", err)
	}
	run, err := newRunner(ctx, n.id, n.app, n.supervisor, n.signer, b, r, cs, j, t, n.options.voter()...)
	if err != nil {
		return err
	}

	server := &resolver.Server{
		RequestTimeout: n.fetchTimeout,
		Namespace:      n.namespace,
		Host:           n.host,
		Store:          cs,
	}
	if err := server.Start(ctx); err != nil {
		return xerrors.Errorf("starting certificate server: %w", err)
	}
	if err := t.start(); err != nil {
		return multierr.Append(xerrors.Errorf("starting transport: %w", err), server.Stop(ctx))
	}

	runningCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	errgrp, runningCtx := errgroup.WithContext(runningCtx)
	errgrp.Go(func() error { return b.Run(runningCtx) })
	errgrp.Go(func() error { return r.Run(runningCtx) })
	errgrp.Go(func() error { return t.publish(runningCtx) })
	errgrp.Go(func() error { return t.receive(runningCtx, b) })
	errgrp.Go(func() error {
		err := run.Run(runningCtx, entries)
		if err == nil && runningCtx.Err() == nil {
			err = errors.New("runner exited")
		}
		return err
	})

	n.cs, n.runner, n.server, n.transport, n.journal = cs, run, server, t, j
	n.cancelCtx, n.errgrp = cancel, errgrp
	log.Infow("Started participant.", "id", n.id, "namespace", n.namespace, "topic", n.topicName, "journalEntries", len(entries))
	return nil
}

// Stop halts the node and waits for its background work to finish. It
// returns the error that stopped the node early, if any.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.runner == nil {
		return nil
	}

	n.cancelCtx()
	done := make(chan error, 1)
	go func() { done <- n.errgrp.Wait() }()
	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	err = multierr.Combine(
		err,
		n.transport.stop(),
		n.server.Stop(ctx),
		n.journal.Close(),
	)
	n.cs, n.runner, n.server, n.transport, n.journal = nil, nil, nil, nil, nil
	return err
}

// CurrentView returns the view the participant is voting in, or zero if it is
// not running.
func (n *Node) CurrentView() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.runner == nil {
		return 0
	}
	return n.runner.view.Load()
}

// LastFinalized returns the highest view reported finalized since start.
func (n *Node) LastFinalized() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.runner == nil {
		return 0
	}
	return n.runner.lastFinalized.Load()
}

// Snapshot returns a copy of the voter's durable state.
func (n *Node) Snapshot(ctx context.Context) (simplex.Snapshot, error) {
	n.mu.Lock()
	runner := n.runner
	n.mu.Unlock()
	if runner == nil {
		return simplex.Snapshot{}, errors.New("node is not running")
	}
	var s simplex.Snapshot
	err := runner.call(ctx, func() { s = runner.voter.Snapshot() })
	return s, err
}

// SubscribeFinalizations delivers finalizations to ch in increasing view
// order, starting with the latest one stored, which is also returned.
//
// If the passed channel is full at any point, it will be dropped from
// subscription and closed. To stop subscribing, either the closer function can
// be used, or the channel can be abandoned.
func (n *Node) SubscribeFinalizations(ch chan<- *simplex.Certificate) (*simplex.Certificate, func(), error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cs == nil {
		return nil, nil, errors.New("node is not running")
	}
	last, closer := n.cs.SubscribeFinalizations(ch)
	return last, closer, nil
}

// GetCertificate returns the stored certificate of the given kind for a view.
func (n *Node) GetCertificate(ctx context.Context, kind simplex.VoteKind, view uint64) (*simplex.Certificate, error) {
	n.mu.Lock()
	cs := n.cs
	n.mu.Unlock()
	if cs == nil {
		return nil, fmt.Errorf("node is not running")
	}
	return cs.Get(ctx, kind, view)
}
