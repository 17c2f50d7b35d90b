package adversary

import "github.com/filecoin-project/go-tsimplex/simplex"

var _ Receiver = (*Repeat)(nil)

// Repeat is an adversary that replays every message it receives, unmodified,
// to all other participants. It tests that honest participants count each
// signer once however often its vote arrives, and that replayed certificates
// and proposals for views already left are harmless.
//
// The number of times each message is echoed is set by a RepetitionSampler,
// which may vary the count over time or by message.
type Repeat struct {
	allowAll
	id   simplex.ParticipantID
	host Host

	repetitionSampler RepetitionSampler
}

// RepetitionSampler returns the number of times a message is repeated. A count
// of zero or less means the message is not repeated at all.
type RepetitionSampler func(*simplex.Message) int

func NewRepeat(id simplex.ParticipantID, host Host, sampler RepetitionSampler) *Repeat {
	return &Repeat{
		id:                id,
		host:              host,
		repetitionSampler: sampler,
	}
}

func NewRepeatGenerator(sampler RepetitionSampler) Generator {
	return func(id simplex.ParticipantID, host Host) *Adversary {
		return &Adversary{
			Receiver: NewRepeat(id, host, sampler),
			ID:       id,
		}
	}
}

func (r *Repeat) ID() simplex.ParticipantID { return r.id }

func (r *Repeat) ReceiveMessage(_ simplex.ParticipantID, msg *simplex.Message) error {
	for i := r.repetitionSampler(msg); i > 0; i-- {
		r.host.BroadcastSynchronous(msg)
	}
	return nil
}

func (r *Repeat) ReceiveAlarm() error { return nil }
