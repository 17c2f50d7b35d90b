package adversary

import (
	"math/rand"
	"time"

	"github.com/filecoin-project/go-tsimplex/simplex"
)

var _ Receiver = (*Drop)(nil)

// Drop loses messages at random until the network stabilises, after which
// delivery is reliable again. Only traffic to or from the targeted
// participants is affected, or all traffic if there are no targets.
//
// Drop does not vote itself, and so counts as one of the faulty participants.
type Drop struct {
	passive
	id   simplex.ParticipantID
	host Host

	rng         *rand.Rand
	probability float64
	stableAt    time.Time
	targets     map[simplex.ParticipantID]bool
}

func NewDrop(id simplex.ParticipantID, host Host, seed int64, probability float64, unstableFor time.Duration, targets ...simplex.ParticipantID) *Drop {
	d := &Drop{
		id:          id,
		host:        host,
		rng:         rand.New(rand.NewSource(seed)),
		probability: probability,
		stableAt:    host.Time().Add(unstableFor),
		targets:     make(map[simplex.ParticipantID]bool, len(targets)),
	}
	for _, target := range targets {
		d.targets[target] = true
	}
	return d
}

func NewDropGenerator(seed int64, probability float64, unstableFor time.Duration, targets ...simplex.ParticipantID) Generator {
	return func(id simplex.ParticipantID, host Host) *Adversary {
		return &Adversary{
			Receiver: NewDrop(id, host, seed, probability, unstableFor, targets...),
			ID:       id,
		}
	}
}

func (d *Drop) ID() simplex.ParticipantID { return d.id }

func (d *Drop) AllowMessage(from, to simplex.ParticipantID, _ *simplex.Message) bool {
	if from == to || !d.host.Time().Before(d.stableAt) {
		return true
	}
	if len(d.targets) > 0 && !d.targets[from] && !d.targets[to] {
		return true
	}
	// Draw even at the extremes so that the sequence does not depend on them.
	return d.rng.Float64() >= d.probability
}
