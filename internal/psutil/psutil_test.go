package psutil_test

import (
	"testing"

	"github.com/filecoin-project/go-tsimplex/internal/psutil"
	pubsub_pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/stretchr/testify/require"
)

func message(topic, from, data string) *pubsub_pb.Message {
	return &pubsub_pb.Message{Topic: &topic, From: []byte(from), Data: []byte(data)}
}

func TestMessageIdFn(t *testing.T) {
	vote := message("/tsimplex/votes/testnet", "12D3KooWA", "notarize 7")

	t.Run("ignores sender and signature", func(t *testing.T) {
		relayed := message("/tsimplex/votes/testnet", "12D3KooWB", "notarize 7")
		relayed.Signature = []byte("sig")
		require.Equal(t, psutil.MessageIdFn(vote), psutil.MessageIdFn(relayed))
	})
	t.Run("distinguishes", func(t *testing.T) {
		for name, other := range map[string]*pubsub_pb.Message{
			"data":           message("/tsimplex/votes/testnet", "12D3KooWA", "notarize 8"),
			"topic":          message("/tsimplex/votes/mainnet", "12D3KooWA", "notarize 7"),
			"topic boundary": message("/tsimplex/votes/testne", "12D3KooWA", "tnotarize 7"),
		} {
			require.NotEqual(t, psutil.MessageIdFn(vote), psutil.MessageIdFn(other), name)
		}
	})
	t.Run("empty", func(t *testing.T) {
		id := psutil.MessageIdFn(&pubsub_pb.Message{})
		require.Len(t, id, 32)
		require.NotEqual(t, id, psutil.MessageIdFn(message("", "", "x")))
	})
}
