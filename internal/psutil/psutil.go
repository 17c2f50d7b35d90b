package psutil

import (
	"encoding/binary"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pubsub_pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"golang.org/x/crypto/blake2b"
)

// MessageIdFn derives a pubsub message ID from the topic and data only, so the
// same vote relayed by different peers is delivered once. The topic is length
// prefixed so that no topic and data pair collides with another.
func MessageIdFn(m *pubsub_pb.Message) string {
	topic := m.GetTopic()
	buf := make([]byte, 0, 4+len(topic)+len(m.Data))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(topic)))
	buf = append(buf, topic...)
	buf = append(buf, m.Data...)
	id := blake2b.Sum256(buf)
	return string(id[:])
}

// TopicScoreParams scores peers on the consensus topic. Every valid message is
// signed by a committee member, so invalid deliveries weigh heavily.
var TopicScoreParams = &pubsub.TopicScoreParams{
	TopicWeight: 0.1,

	// Up to an hour in the mesh, a second at a time.
	TimeInMeshWeight:  1.0 / 3600,
	TimeInMeshQuantum: time.Second,
	TimeInMeshCap:     1,

	FirstMessageDeliveriesWeight: 0.5,
	FirstMessageDeliveriesDecay:  pubsub.ScoreParameterDecay(10 * time.Minute),
	FirstMessageDeliveriesCap:    100,

	InvalidMessageDeliveriesWeight: -1000,
	InvalidMessageDeliveriesDecay:  pubsub.ScoreParameterDecay(time.Hour),
}
