package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/filecoin-project/go-tsimplex"
	"github.com/filecoin-project/go-tsimplex/simplex"
	"github.com/filecoin-project/go-tsimplex/threshold"
	leveldb "github.com/ipfs/go-ds-leveldb"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/multiformats/go-multiaddr"
	"github.com/urfave/cli/v2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/xerrors"
)

const DiscoveryTag = "tsimplex-standalone"

var runCmd = cli.Command{
	Name:  "run",
	Usage: "starts a participant that discovers its peers on the local network",
	Flags: []cli.Flag{
		&cli.Uint64Flag{
			Name:     "id",
			Usage:    "the participant ID",
			Required: true,
		},
		&cli.PathFlag{
			Name:  "committee",
			Usage: "the committee file written by keygen",
			Value: "committee.json",
		},
		&cli.PathFlag{
			Name:  "share",
			Usage: "the share file written by keygen; defaults to share-<id>.json",
		},
		&cli.PathFlag{
			Name:  "dataDir",
			Usage: "the directory holding the certificate store and the journal; defaults to a temporary directory",
		},
		&cli.StringSliceFlag{
			Name:  "listenAddr",
			Usage: "the libp2p listen addrs",
			Value: cli.NewStringSlice("/ip4/0.0.0.0/udp/0/quic-v1"),
		},
		&cli.StringSliceFlag{
			Name:  "bootstrap",
			Usage: "multiaddrs, including /p2p/<peer ID>, of peers to connect to beyond those found by mDNS",
		},
		&cli.DurationFlag{
			Name:  "leaderTimeout",
			Value: time.Second,
		},
		&cli.DurationFlag{
			Name:  "advanceTimeout",
			Value: 2 * time.Second,
		},
	},
	Action: func(c *cli.Context) error {
		ctx := c.Context
		id := simplex.ParticipantID(c.Uint64("id"))

		var committee committeeFile
		if err := readJSON(c.Path("committee"), &committee); err != nil {
			return err
		}
		sharePath := c.Path("share")
		if sharePath == "" {
			sharePath = fmt.Sprintf("share-%d.json", id)
		}
		var share threshold.Share
		if err := readJSON(sharePath, &share); err != nil {
			return err
		}
		cmt, err := simplex.NewCommittee(committee.Participants, committee.Public)
		if err != nil {
			return xerrors.Errorf("loading committee: %w", err)
		}
		signer, err := threshold.NewSigner(&share)
		if err != nil {
			return xerrors.Errorf("loading share: %w", err)
		}

		dataDir := c.Path("dataDir")
		if dataDir == "" {
			if dataDir, err = os.MkdirTemp("", "tsimplex-*"); err != nil {
				return xerrors.Errorf("creating temp dir: %w", err)
			}
		}
		ds, err := leveldb.NewDatastore(filepath.Join(dataDir, "datastore"), nil)
		if err != nil {
			return xerrors.Errorf("creating a datastore: %w", err)
		}
		defer func() { _ = ds.Close() }()

		h, err := libp2p.New(libp2p.ListenAddrStrings(c.StringSlice("listenAddr")...))
		if err != nil {
			return xerrors.Errorf("creating libp2p host: %w", err)
		}
		defer func() { _ = h.Close() }()

		ps, err := pubsub.NewGossipSub(ctx, h)
		if err != nil {
			return xerrors.Errorf("creating gossipsub: %w", err)
		}

		closer, err := setupDiscovery(h)
		if err != nil {
			return xerrors.Errorf("setting up discovery: %w", err)
		}
		defer closer()
		for _, addr := range c.StringSlice("bootstrap") {
			if err := connect(ctx, h, addr); err != nil {
				log.Warnw("Failed to connect to bootstrap peer.", "addr", addr, "err", err)
			}
		}

		if err := logging.SetLogLevel("tsimplex", "info"); err != nil {
			return xerrors.Errorf("setting log level: %w", err)
		}

		node, err := tsimplex.New(id, hashChain{}, simplex.NewStaticSupervisor(cmt), signer,
			tsimplex.WithNamespace(simplex.Namespace(c.String("namespace"))),
			tsimplex.WithHost(h),
			tsimplex.WithPubSub(ps),
			tsimplex.WithDatastore(ds),
			tsimplex.WithJournalPath(filepath.Join(dataDir, "journal")),
			tsimplex.WithVoterOptions(
				simplex.WithLeaderTimeout(c.Duration("leaderTimeout")),
				simplex.WithAdvanceTimeout(c.Duration("advanceTimeout")),
			),
		)
		if err != nil {
			return xerrors.Errorf("creating node: %w", err)
		}
		if err := node.Start(ctx); err != nil {
			return xerrors.Errorf("starting node: %w", err)
		}
		log.Infow("Participant running.", "id", id, "peerID", h.ID(), "dataDir", dataDir)

		finalized := make(chan *simplex.Certificate, 16)
		latest, unsubscribe, err := node.SubscribeFinalizations(finalized)
		if err != nil {
			return xerrors.Errorf("subscribing to finalizations: %w", err)
		}
		defer unsubscribe()
		if latest != nil {
			log.Infow("Resumed.", "finalized", latest.View, "payload", latest.Proposal.Payload)
		}
	loop:
		for {
			select {
			case cert, ok := <-finalized:
				if !ok {
					log.Warn("Finalization subscription dropped.")
					finalized = nil
					continue
				}
				log.Infow("Finalized.", "view", cert.View, "parent", cert.Proposal.Parent, "payload", cert.Proposal.Payload)
			case <-ctx.Done():
				break loop
			}
		}
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return node.Stop(stopCtx)
	},
}

// hashChain is a stand-in application whose payloads chain hashes of their
// parents, so that every payload commits to its whole ancestry.
type hashChain struct{}

func (hashChain) Genesis() simplex.Digest { return blake2b.Sum256([]byte("genesis")) }

func (hashChain) Propose(_ context.Context, pc simplex.ProposalContext) (simplex.Digest, error) {
	return hashChainPayload(pc), nil
}

func (hashChain) Verify(_ context.Context, pc simplex.ProposalContext, payload simplex.Digest) (bool, error) {
	return payload == hashChainPayload(pc), nil
}

func hashChainPayload(pc simplex.ProposalContext) simplex.Digest {
	buf := binary.BigEndian.AppendUint64(nil, pc.View)
	return blake2b.Sum256(append(buf, pc.ParentPayload[:]...))
}

type discoveryNotifee struct {
	h host.Host
}

func (n *discoveryNotifee) HandlePeerFound(pi peer.AddrInfo) {
	log.Infof("discovered new peer %s", pi.ID)
	if err := n.h.Connect(context.Background(), pi); err != nil {
		log.Infof("error connecting to peer %s: %s", pi.ID, err)
	}
}

func connect(ctx context.Context, h host.Host, addr string) error {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

func setupDiscovery(h host.Host) (closer func(), err error) {
	// setup mDNS discovery to find local peers
	s := mdns.NewMdnsService(h, DiscoveryTag, &discoveryNotifee{h: h})
	return func() { _ = s.Close() }, s.Start()
}
