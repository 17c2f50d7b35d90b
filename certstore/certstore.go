package certstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/filecoin-project/go-tsimplex/simplex"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	"github.com/ipfs/go-datastore/query"
	logging "github.com/ipfs/go-log/v2"
	"go.opentelemetry.io/otel/metric"

	"github.com/Kubuxu/go-broadcast"
	"golang.org/x/xerrors"
)

var log = logging.Logger("tsimplex/certstore")

var ErrCertNotFound = errors.New("certificate not found")

// Store persists the certificates held by a participant, and relays new
// finalizations to subscribers in increasing view order.
type Store struct {
	writeLk          sync.Mutex
	ds               datastore.Datastore
	busFinalizations broadcast.Channel[*simplex.Certificate]
}

// NewStore creates a certstore
// The passed Datastore has to be thread safe.
func NewStore(ctx context.Context, ds datastore.Datastore) (*Store, error) {
	cs := &Store{
		ds: namespace.Wrap(ds, datastore.NewKey("/certstore")),
	}
	latest, err := cs.loadLatest(ctx)
	if err != nil {
		return nil, xerrors.Errorf("loading latest finalization: %w", err)
	}
	if latest != nil {
		cs.busFinalizations.Publish(latest)
		metrics.latestFinalized.Record(ctx, int64(latest.View))
	}
	return cs, nil
}

func (cs *Store) loadLatest(ctx context.Context) (*simplex.Certificate, error) {
	// This will optimize well on badger and leveldb.
	res, err := cs.ds.Query(ctx, query.Query{
		Prefix: prefixForKind(simplex.KindFinalize),
		Orders: []query.Order{query.OrderByKeyDescending{}},
		Limit:  1,
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to query for the latest finalization: %w", err)
	}
	defer res.Close()
	val, ok := res.NextSync()
	if !ok {
		return nil, nil
	}
	if val.Error != nil {
		return nil, xerrors.Errorf("reading latest finalization: %w", val.Error)
	}
	var c simplex.Certificate
	if err := c.UnmarshalCBOR(bytes.NewReader(val.Value)); err != nil {
		return nil, xerrors.Errorf("unmarshalling latest finalization: %w", err)
	}
	return &c, nil
}

// LatestFinalization returns the finalization of the highest view stored, or
// nil if there is none.
func (cs *Store) LatestFinalization() *simplex.Certificate {
	return cs.busFinalizations.Last()
}

func (cs *Store) Get(ctx context.Context, kind simplex.VoteKind, view uint64) (*simplex.Certificate, error) {
	b, err := cs.ds.Get(ctx, keyFor(kind, view))
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, xerrors.Errorf("%s at %d: %w", kind.CertificateName(), view, ErrCertNotFound)
	}
	if err != nil {
		return nil, xerrors.Errorf("accessing %s in datastore: %w", kind.CertificateName(), err)
	}

	var c simplex.Certificate
	if err := c.UnmarshalCBOR(bytes.NewReader(b)); err != nil {
		return nil, xerrors.Errorf("unmarshalling %s: %w", kind.CertificateName(), err)
	}
	return &c, nil
}

// GetCertifying returns the certificate that lets a participant leave the
// given view: its notarization if stored, otherwise its nullification.
func (cs *Store) GetCertifying(ctx context.Context, view uint64) (*simplex.Certificate, error) {
	cert, err := cs.Get(ctx, simplex.KindNotarize, view)
	if errors.Is(err, ErrCertNotFound) {
		return cs.Get(ctx, simplex.KindNullify, view)
	}
	return cert, err
}

// GetRange returns the certificates of one kind for views from start to end
// inclusive, in increasing view order. Views with no such certificate are
// skipped.
func (cs *Store) GetRange(ctx context.Context, kind simplex.VoteKind, start uint64, end uint64) ([]*simplex.Certificate, error) {
	if start > end {
		return nil, xerrors.Errorf("start is larger then end: %d > %d", start, end)
	}
	if end-start > uint64(math.MaxInt)-1 {
		return nil, xerrors.Errorf("range %d to %d is too large", start, end)
	}

	var certs []*simplex.Certificate
	for view := start; view <= end; view++ {
		cert, err := cs.Get(ctx, kind, view)
		if errors.Is(err, ErrCertNotFound) {
			continue
		}
		if err != nil {
			return certs, err
		}
		certs = append(certs, cert)
		if view == math.MaxUint64 {
			break
		}
	}
	return certs, nil
}

func prefixForKind(kind simplex.VoteKind) string {
	return "/certs/" + kind.CertificateName()
}

func keyFor(kind simplex.VoteKind, view uint64) datastore.Key {
	return datastore.NewKey(fmt.Sprintf("%s/%016X", prefixForKind(kind), view))
}

// Put saves a verified certificate. Finalizations above the latest one stored
// are published to subscribers. Storing a certificate that is already present
// is a no-op.
func (cs *Store) Put(ctx context.Context, cert *simplex.Certificate) error {
	key := keyFor(cert.Kind, cert.View)

	exists, err := cs.ds.Has(ctx, key)
	if err != nil {
		return xerrors.Errorf("checking existence of %s: %w", cert.Kind.CertificateName(), err)
	}
	if exists {
		return nil
	}

	var buf bytes.Buffer
	if err := cert.MarshalCBOR(&buf); err != nil {
		return xerrors.Errorf("marshalling %s at view %d: %w", cert.Kind.CertificateName(), cert.View, err)
	}

	cs.writeLk.Lock()
	defer cs.writeLk.Unlock()

	if err := cs.ds.Put(ctx, key, buf.Bytes()); err != nil {
		return xerrors.Errorf("putting the %s: %w", cert.Kind.CertificateName(), err)
	}
	metrics.stored.Add(ctx, 1, metric.WithAttributes(attrKind.String(cert.Kind.CertificateName())))

	if cert.Kind != simplex.KindFinalize {
		return nil
	}
	if latest := cs.LatestFinalization(); latest != nil && cert.View <= latest.View {
		log.Debugw("Stored finalization below latest.", "view", cert.View, "latest", latest.View)
		return nil
	}
	cs.busFinalizations.Publish(cert) // Publish within the lock to ensure ordering
	metrics.latestFinalized.Record(ctx, int64(cert.View))
	return nil
}

// SubscribeFinalizations is used to subscribe to the broadcast channel.
// If the passed channel is full at any point, it will be dropped from subscription and closed.
// To stop subscribing, either the closer function can be used or the channel can be abandoned.
// Passing a channel multiple times to the Subscribe function will result in a panic.
// The channel will receive finalizations in increasing view order.
func (cs *Store) SubscribeFinalizations(ch chan<- *simplex.Certificate) (last *simplex.Certificate, closer func()) {
	return cs.busFinalizations.Subscribe(ch)
}
