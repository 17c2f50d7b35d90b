package adversary

import (
	"fmt"

	"github.com/filecoin-project/go-tsimplex/simplex"
)

var _ Receiver = (*Spam)(nil)

// Spam is an adversary that signs nullify votes for a configured number of
// views beyond the highest one it has observed. The votes carry valid
// signatures but can never reach a quorum, so they only cost honest
// participants memory and verification.
type Spam struct {
	allowAll
	id         simplex.ParticipantID
	host       Host
	viewsAhead uint64
	spammedTo  uint64
}

func NewSpam(id simplex.ParticipantID, host Host, viewsAhead uint64) *Spam {
	return &Spam{
		id:         id,
		host:       host,
		viewsAhead: viewsAhead,
	}
}

func NewSpamGenerator(viewsAhead uint64) Generator {
	return func(id simplex.ParticipantID, host Host) *Adversary {
		return &Adversary{
			Receiver: NewSpam(id, host, viewsAhead),
			ID:       id,
		}
	}
}

func (s *Spam) ID() simplex.ParticipantID { return s.id }

func (s *Spam) ReceiveMessage(_ simplex.ParticipantID, msg *simplex.Message) error {
	target := msg.View() + s.viewsAhead
	for view := max(s.spammedTo+1, msg.View()+1); view <= target; view++ {
		vote, err := simplex.SignVote(s.host.Namespace(), s.host, s.id, simplex.KindNullify, view, simplex.Proposal{})
		if err != nil {
			return fmt.Errorf("signing spam: %w", err)
		}
		s.host.BroadcastSynchronous(&simplex.Message{Vote: vote})
		s.spammedTo = view
	}
	return nil
}

func (s *Spam) ReceiveAlarm() error { return nil }
