package main

import (
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

func init() {
	// Committees are small and every participant needs every vote, so keep
	// the mesh dense and gossip aggressively.
	pubsub.GossipSubD = 8
	pubsub.GossipSubDscore = 6
	pubsub.GossipSubDout = 3
	pubsub.GossipSubDlo = 6
	pubsub.GossipSubDhi = 12
	pubsub.GossipSubDlazy = 12
	pubsub.GossipSubDirectConnectInitialDelay = 5 * time.Second
	pubsub.GossipSubIWantFollowupTime = 2 * time.Second
	pubsub.GossipSubHistoryLength = 6
	pubsub.GossipSubGossipFactor = 0.25
}
