package measurements_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/filecoin-project/go-tsimplex/internal/measurements"
	"github.com/ipfs/go-datastore"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/stretchr/testify/require"
)

func TestMust(t *testing.T) {
	require.Panics(t, func() {
		measurements.Must("fish", errors.New("🐠"))
	})
	require.Equal(t, "fish", measurements.Must("fish", nil))
}

func TestStatus(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	ctx := context.Background()

	require.Equal(t, measurements.AttrStatusSuccess, measurements.Status(ctx, nil))
	require.Equal(t, measurements.AttrStatusNotFound, measurements.Status(ctx, fmt.Errorf("view 7: %w", datastore.ErrNotFound)))
	require.Equal(t, measurements.AttrStatusTimeout, measurements.Status(ctx, context.DeadlineExceeded))
	require.Equal(t, measurements.AttrStatusCanceled, measurements.Status(cancelled, errors.New("stream reset")))
	require.Equal(t, measurements.AttrStatusError, measurements.Status(ctx, errors.New("stream reset")))
}

func TestAttrFromPubSubValidationResult(t *testing.T) {
	require.Equal(t, "accepted", measurements.AttrFromPubSubValidationResult(pubsub.ValidationAccept).Value.AsString())
	require.Equal(t, "rejected", measurements.AttrFromPubSubValidationResult(pubsub.ValidationReject).Value.AsString())
	require.Equal(t, "ignored", measurements.AttrFromPubSubValidationResult(pubsub.ValidationIgnore).Value.AsString())
}
