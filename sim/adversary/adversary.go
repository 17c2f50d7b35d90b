package adversary

import (
	"time"

	"github.com/filecoin-project/go-tsimplex/simplex"
)

// Receiver is the simulation's view of a byzantine participant. Messages reach
// it unverified.
type Receiver interface {
	Censorer
	ReceiveMessage(from simplex.ParticipantID, msg *simplex.Message) error
	ReceiveAlarm() error
}

type Censorer interface {
	AllowMessage(from, to simplex.ParticipantID, msg *simplex.Message) bool
}

// Endpoint with which the adversary can control the network
type Host interface {
	simplex.Supervisor
	simplex.Signer
	ID() simplex.ParticipantID
	Namespace() simplex.Namespace
	Time() time.Time
	SetAlarm(at time.Time)
	// Sends a message to all other participants, immediately. Note that the
	// adversary can subsequently censor delivery to some participants.
	BroadcastSynchronous(msg *simplex.Message)
	// Sends a message to a single participant, immediately.
	SendSynchronous(to simplex.ParticipantID, msg *simplex.Message)
}

type Generator func(simplex.ParticipantID, Host) *Adversary

type Adversary struct {
	Receiver
	ID simplex.ParticipantID
}

var _ Censorer = (*allowAll)(nil)

type allowAll struct{}

func (allowAll) AllowMessage(simplex.ParticipantID, simplex.ParticipantID, *simplex.Message) bool {
	return true
}

// passive is embedded by adversaries that ignore some of their inputs.
type passive struct{ allowAll }

func (passive) ReceiveMessage(simplex.ParticipantID, *simplex.Message) error { return nil }
func (passive) ReceiveAlarm() error                                          { return nil }
