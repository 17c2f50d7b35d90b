package simplex

import (
	"errors"
	"fmt"

	"github.com/filecoin-project/go-tsimplex/threshold"
)

// Quorum returns the smallest number of participants strictly greater than two
// thirds of n.
func Quorum(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("participant count must be positive: %d", n)
	}
	return 2*n/3 + 1, nil
}

// MaxFaulty returns the largest number of faulty participants a committee of n
// tolerates.
func MaxFaulty(n int) int {
	if n <= 0 {
		return 0
	}
	return (n - 1) / 3
}

// Committee is an immutable snapshot of the participant set in force for a
// range of views. The position of a participant in Participants is its
// signing share index.
type Committee struct {
	Participants []ParticipantID
	Quorum       int
	Verifier     *threshold.Verifier

	index map[ParticipantID]int
}

// NewCommittee builds a committee snapshot and checks that the dealt key
// threshold matches the quorum of the participant set.
func NewCommittee(participants []ParticipantID, pub *threshold.Public) (*Committee, error) {
	quorum, err := Quorum(len(participants))
	if err != nil {
		return nil, err
	}
	if pub == nil {
		return nil, errors.New("no group public key")
	}
	if pub.Participants != len(participants) {
		return nil, fmt.Errorf("group key dealt for %d participants, committee has %d", pub.Participants, len(participants))
	}
	if pub.Threshold != quorum {
		return nil, fmt.Errorf("group key threshold %d does not match quorum %d of %d participants", pub.Threshold, quorum, len(participants))
	}
	verifier, err := threshold.NewVerifier(pub)
	if err != nil {
		return nil, fmt.Errorf("loading group key: %w", err)
	}
	index := make(map[ParticipantID]int, len(participants))
	for i, id := range participants {
		if _, dup := index[id]; dup {
			return nil, fmt.Errorf("duplicate participant %d", id)
		}
		index[id] = i
	}
	return &Committee{
		Participants: append([]ParticipantID(nil), participants...),
		Quorum:       quorum,
		Verifier:     verifier,
		index:        index,
	}, nil
}

// Size returns the number of participants.
func (c *Committee) Size() int { return len(c.Participants) }

// IndexOf returns the share index of the given participant, if it is a member.
func (c *Committee) IndexOf(id ParticipantID) (int, bool) {
	i, ok := c.index[id]
	return i, ok
}

// Leader returns the leader of the view given the seed produced in the
// previous view.
func (c *Committee) Leader(view uint64, seed []byte) ParticipantID {
	return c.Participants[SelectLeader(view, seed, len(c.Participants))]
}

// Supervisor provides the committee in force at a view. Implementations swap
// snapshots atomically; a returned snapshot is never mutated.
type Supervisor interface {
	Committee(view uint64) (*Committee, error)
}

type staticSupervisor struct{ committee *Committee }

// NewStaticSupervisor returns a Supervisor that serves the same committee at
// every view.
func NewStaticSupervisor(c *Committee) Supervisor { return staticSupervisor{committee: c} }

func (s staticSupervisor) Committee(uint64) (*Committee, error) { return s.committee, nil }
