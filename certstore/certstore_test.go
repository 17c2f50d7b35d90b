package certstore

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/filecoin-project/go-tsimplex/simplex"
	datastore "github.com/ipfs/go-datastore"
	ds_sync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/require"
)

func makeCert(kind simplex.VoteKind, view uint64) *simplex.Certificate {
	cert := &simplex.Certificate{
		Kind:      kind,
		View:      view,
		Signature: []byte{byte(kind), byte(view)},
	}
	if kind.HasProposal() {
		cert.Proposal = simplex.Proposal{View: view, Parent: view - 1, Payload: simplex.Digest{byte(view)}}
	}
	if kind.HasSeed() {
		cert.Seed = []byte{0xee, byte(view)}
	}
	return cert
}

func newStore(t *testing.T) (*Store, datastore.Batching) {
	ds := ds_sync.MutexWrap(datastore.NewMapDatastore())
	cs, err := NewStore(context.Background(), ds)
	require.NoError(t, err)
	return cs, ds
}

func TestLatest(t *testing.T) {
	t.Parallel()
	cs, _ := newStore(t)
	require.Nil(t, cs.LatestFinalization())
}

func TestPutGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cs, _ := newStore(t)

	notarization := makeCert(simplex.KindNotarize, 3)
	nullification := makeCert(simplex.KindNullify, 4)
	require.NoError(t, cs.Put(ctx, notarization))
	require.NoError(t, cs.Put(ctx, nullification))
	require.NoError(t, cs.Put(ctx, notarization))

	got, err := cs.Get(ctx, simplex.KindNotarize, 3)
	require.NoError(t, err)
	require.Equal(t, notarization, got)

	_, err = cs.Get(ctx, simplex.KindNullify, 3)
	require.ErrorIs(t, err, ErrCertNotFound)
	require.Nil(t, cs.LatestFinalization())

	got, err = cs.GetCertifying(ctx, 4)
	require.NoError(t, err)
	require.Equal(t, nullification, got)
	got, err = cs.GetCertifying(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, notarization, got)
	_, err = cs.GetCertifying(ctx, 5)
	require.ErrorIs(t, err, ErrCertNotFound)
}

func TestGetCertifyingPrefersNotarization(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cs, _ := newStore(t)

	require.NoError(t, cs.Put(ctx, makeCert(simplex.KindNullify, 7)))
	require.NoError(t, cs.Put(ctx, makeCert(simplex.KindNotarize, 7)))
	got, err := cs.GetCertifying(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, simplex.KindNotarize, got.Kind)
}

func TestGetRange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cs, _ := newStore(t)

	for _, view := range []uint64{2, 3, 5, 9} {
		require.NoError(t, cs.Put(ctx, makeCert(simplex.KindFinalize, view)))
	}
	certs, err := cs.GetRange(ctx, simplex.KindFinalize, 3, 9)
	require.NoError(t, err)
	var views []uint64
	for _, c := range certs {
		views = append(views, c.View)
	}
	require.Equal(t, []uint64{3, 5, 9}, views)

	_, err = cs.GetRange(ctx, simplex.KindFinalize, 9, 3)
	require.Error(t, err)
}

func TestSubscribeFinalizations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cs, _ := newStore(t)

	ch := make(chan *simplex.Certificate, 10)
	last, closer := cs.SubscribeFinalizations(ch)
	defer closer()
	require.Nil(t, last)

	require.NoError(t, cs.Put(ctx, makeCert(simplex.KindFinalize, 2)))
	require.NoError(t, cs.Put(ctx, makeCert(simplex.KindNotarize, 3)))
	// Finalizations below the latest are stored but not published.
	require.NoError(t, cs.Put(ctx, makeCert(simplex.KindFinalize, 5)))
	require.NoError(t, cs.Put(ctx, makeCert(simplex.KindFinalize, 4)))

	require.EqualValues(t, 2, (<-ch).View)
	require.EqualValues(t, 5, (<-ch).View)
	require.Empty(t, ch)
	require.EqualValues(t, 5, cs.LatestFinalization().View)

	_, err := cs.Get(ctx, simplex.KindFinalize, 4)
	require.NoError(t, err)
}

func TestPersistency(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cs, ds := newStore(t)

	require.NoError(t, cs.Put(ctx, makeCert(simplex.KindFinalize, 6)))
	require.NoError(t, cs.Put(ctx, makeCert(simplex.KindFinalize, 11)))
	require.NoError(t, cs.Put(ctx, makeCert(simplex.KindNotarize, 12)))

	reopened, err := NewStore(ctx, ds)
	require.NoError(t, err)
	require.Equal(t, makeCert(simplex.KindFinalize, 11), reopened.LatestFinalization())
}

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cs, _ := newStore(t)

	_, _, err := cs.ExportLatestSnapshot(ctx, &bytes.Buffer{})
	require.ErrorIs(t, err, ErrUnknownLatestCertificate)

	for _, view := range []uint64{1, 2, 4, 7} {
		require.NoError(t, cs.Put(ctx, makeCert(simplex.KindFinalize, view)))
	}
	require.NoError(t, cs.Put(ctx, makeCert(simplex.KindNullify, 3)))

	var snapshot bytes.Buffer
	id, header, err := cs.ExportLatestSnapshot(ctx, &snapshot)
	require.NoError(t, err)
	require.True(t, id.Defined())
	require.Equal(t, &SnapshotHeader{Version: 1, FirstView: 1, LatestView: 7}, header)

	var again bytes.Buffer
	id2, _, err := cs.ExportLatestSnapshot(ctx, &again)
	require.NoError(t, err)
	require.Equal(t, id, id2)

	var verified []uint64
	target := ds_sync.MutexWrap(datastore.NewMapDatastore())
	err = ImportSnapshotToDatastore(ctx, bytes.NewReader(snapshot.Bytes()), target, func(c *simplex.Certificate) error {
		verified = append(verified, c.View)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2, 4, 7}, verified)

	imported, err := NewStore(ctx, target)
	require.NoError(t, err)
	require.EqualValues(t, 7, imported.LatestFinalization().View)
	_, err = imported.Get(ctx, simplex.KindNullify, 3)
	require.ErrorIs(t, err, ErrCertNotFound)
}

func TestSnapshotImportRejects(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cs, _ := newStore(t)
	for _, view := range []uint64{1, 2} {
		require.NoError(t, cs.Put(ctx, makeCert(simplex.KindFinalize, view)))
	}
	var snapshot bytes.Buffer
	_, _, err := cs.ExportLatestSnapshot(ctx, &snapshot)
	require.NoError(t, err)

	rejected := errors.New("bad signature")
	err = ImportSnapshotToDatastore(ctx, bytes.NewReader(snapshot.Bytes()), ds_sync.MutexWrap(datastore.NewMapDatastore()),
		func(*simplex.Certificate) error { return rejected })
	require.ErrorIs(t, err, rejected)

	var empty bytes.Buffer
	_, err = (&SnapshotHeader{Version: 1, FirstView: 1, LatestView: 1}).WriteTo(&empty)
	require.NoError(t, err)
	err = ImportSnapshotToDatastore(ctx, bytes.NewReader(empty.Bytes()), ds_sync.MutexWrap(datastore.NewMapDatastore()), nil)
	require.ErrorIs(t, err, ErrNoCertificateExtracted)
}
