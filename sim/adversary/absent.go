package adversary

import "github.com/filecoin-project/go-tsimplex/simplex"

var _ Receiver = (*Absent)(nil)

// Absent is a committee member that never sends anything. Every view it leads
// must be nullified.
type Absent struct {
	passive
	id simplex.ParticipantID
}

func NewAbsent(id simplex.ParticipantID) *Absent {
	return &Absent{id: id}
}

func NewAbsentGenerator() Generator {
	return func(id simplex.ParticipantID, _ Host) *Adversary {
		return &Adversary{Receiver: NewAbsent(id), ID: id}
	}
}

func (a *Absent) ID() simplex.ParticipantID { return a.id }
