package resolver_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/filecoin-project/go-bitfield"
	"github.com/filecoin-project/go-tsimplex/certstore"
	"github.com/filecoin-project/go-tsimplex/resolver"
	"github.com/filecoin-project/go-tsimplex/simplex"
	"github.com/ipfs/go-datastore"
	ds_sync "github.com/ipfs/go-datastore/sync"
	mocknetwork "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/stretchr/testify/require"
)

func TestClientServer(t *testing.T) {
	mocknet := mocknetwork.New()
	h1, err := mocknet.GenPeer()
	require.NoError(t, err)
	h2, err := mocknet.GenPeer()
	require.NoError(t, err)
	require.NoError(t, mocknet.LinkAll())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newCommittee(t)
	cs, err := certstore.NewStore(ctx, ds_sync.MutexWrap(datastore.NewMapDatastore()))
	require.NoError(t, err)

	certs := certificates(t, c, 2, 5)
	for _, cert := range certs {
		require.NoError(t, cs.Put(ctx, cert))
	}
	// A notarization wins over a nullification of the same view.
	notarized5, err := c.Notarization(5, simplex.Digest{5})
	require.NoError(t, err)
	require.NoError(t, cs.Put(ctx, notarized5))
	// Finalizations alone do not end a view.
	finalized6, err := c.Certificate(simplex.KindFinalize, 6, simplex.Proposal{View: 6, Parent: 5, Payload: simplex.Digest{6}})
	require.NoError(t, err)
	require.NoError(t, cs.Put(ctx, finalized6))

	server := resolver.Server{
		Namespace: testNamespace,
		Host:      h1,
		Store:     cs,
	}
	client := resolver.Client{
		Namespace:      testNamespace,
		Host:           h2,
		RequestTimeout: 5 * time.Second,
	}
	require.NoError(t, server.Start(ctx))
	t.Cleanup(func() { require.NoError(t, server.Stop(context.Background())) })
	require.Error(t, server.Start(ctx))
	require.NoError(t, mocknet.ConnectAllButSelf())

	got, err := client.Fetch(ctx, h1.ID(), []uint64{2, 3, 4, 5, 6, 7})
	require.NoError(t, err)
	require.Equal(t, []*simplex.Certificate{certs[2], certs[3], certs[4], notarized5}, got)

	got, err = client.Fetch(ctx, h1.ID(), []uint64{100})
	require.NoError(t, err)
	require.Empty(t, got)

	tooMany := make([]uint64, 257)
	for i := range tooMany {
		tooMany[i] = uint64(i)
	}
	_, err = client.Fetch(ctx, h1.ID(), tooMany)
	require.Error(t, err)

	// The client backs a resolver fetching from every connected peer.
	subject, err := resolver.New(&client, h2.Network().Peers, c.Supervisor(), resolver.WithNamespace(testNamespace))
	require.NoError(t, err)
	subject.Request(2, 3, 4)
	start(t, subject)
	require.Equal(t, map[uint64]*simplex.Certificate{2: certs[2], 3: certs[3], 4: certs[4]}, collect(t, subject, 3))
}

func TestFetchMessageCodec(t *testing.T) {
	c := newCommittee(t)
	certs := certificates(t, c, 1, 2)

	req := resolver.FetchRequest{Views: bitfield.NewFromSet([]uint64{1, 2, 40})}
	var buf bytes.Buffer
	require.NoError(t, req.MarshalCBOR(&buf))
	var decodedReq resolver.FetchRequest
	require.NoError(t, decodedReq.UnmarshalCBOR(&buf))
	views, err := decodedReq.Views.All(10)
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2, 40}, views)

	resp := resolver.FetchResponse{Certificates: []*simplex.Certificate{certs[1], certs[2]}}
	buf.Reset()
	require.NoError(t, resp.MarshalCBOR(&buf))
	encoded := bytes.Clone(buf.Bytes())
	var decodedResp resolver.FetchResponse
	require.NoError(t, decodedResp.UnmarshalCBOR(&buf))
	require.Equal(t, resp, decodedResp)

	require.Error(t, decodedResp.UnmarshalCBOR(bytes.NewReader(encoded[:len(encoded)-3])))

	buf.Reset()
	require.NoError(t, (&resolver.FetchResponse{}).MarshalCBOR(&buf))
	require.NoError(t, decodedResp.UnmarshalCBOR(&buf))
	require.Empty(t, decodedResp.Certificates)
}
