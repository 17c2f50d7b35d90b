package sim

import (
	"fmt"
	"time"

	"github.com/filecoin-project/go-tsimplex/sim/adversary"
	"github.com/filecoin-project/go-tsimplex/sim/latency"
	"github.com/filecoin-project/go-tsimplex/simplex"
)

const (
	TraceNone = iota
	TraceSent
	TraceRecvd
	TraceLogic
	TraceAll
)

var _ simplex.Tracer = (*network)(nil)

// receiver is anything the network delivers events to.
type receiver interface {
	ReceiveMessage(from simplex.ParticipantID, msg *simplex.Message) error
	ReceiveAlarm() error
}

type network struct {
	// Participants by ID.
	participants map[simplex.ParticipantID]receiver
	// Participant IDs for deterministic iteration
	participantIDs []simplex.ParticipantID
	// Participants that are down. Events addressed to them are dropped.
	offline map[simplex.ParticipantID]struct{}
	// Events scheduled but not yet delivered.
	queue   *eventQueue
	latency latency.Model
	censor  adversary.Censorer
	// Timestamp of last event.
	clock      time.Time
	traceLevel int
}

func newNetwork(latency latency.Model, traceLevel int) *network {
	return &network{
		participants: make(map[simplex.ParticipantID]receiver),
		offline:      make(map[simplex.ParticipantID]struct{}),
		queue:        newEventQueue(),
		latency:      latency,
		traceLevel:   traceLevel,
	}
}

func (n *network) addParticipant(id simplex.ParticipantID, p receiver) {
	if n.participants[id] != nil {
		panic("duplicate participant ID")
	}
	n.participantIDs = append(n.participantIDs, id)
	n.participants[id] = p
}

func (n *network) setOnline(id simplex.ParticipantID, online bool) {
	if online {
		delete(n.offline, id)
		n.Log("P%d up", id)
	} else {
		n.offline[id] = struct{}{}
		n.Log("P%d down", id)
	}
}

func (n *network) Time() time.Time { return n.clock }

// broadcast sends a message to every participant other than the sender, each
// copy delayed by its own latency sample.
func (n *network) broadcast(sender simplex.ParticipantID, msg *simplex.Message) {
	n.log(TraceSent, "P%d ↗ %s", sender, describe(msg))
	for _, to := range n.participantIDs {
		if to != sender {
			n.send(sender, to, msg, n.latency.Sample(n.clock, sender, to))
		}
	}
}

// broadcastSynchronous sends a message to every other participant without
// latency.
func (n *network) broadcastSynchronous(sender simplex.ParticipantID, msg *simplex.Message) {
	n.log(TraceSent, "P%d ↗ %s (sync)", sender, describe(msg))
	for _, to := range n.participantIDs {
		if to != sender {
			n.send(sender, to, msg, 0)
		}
	}
}

func (n *network) send(from, to simplex.ParticipantID, msg *simplex.Message, after time.Duration) {
	n.queue.push(&event{from: from, to: to, payload: msg, at: n.clock.Add(after)})
}

// setAlarm replaces any alarm of the given participant that has not fired yet.
func (n *network) setAlarm(id simplex.ParticipantID, at time.Time) {
	n.queue.setAlarm(id, maxTime(at, n.clock))
}

// schedule delivers f to the given participant after a delay.
func (n *network) schedule(id simplex.ParticipantID, after time.Duration, f func() error) {
	n.queue.push(&event{from: id, to: id, payload: callback(f), at: n.clock.Add(after)})
}

// tick delivers the next event, and reports whether any remain.
func (n *network) tick() (bool, error) {
	ev := n.queue.pop()
	if ev == nil {
		return false, nil
	}
	n.clock = maxTime(n.clock, ev.at)
	if _, down := n.offline[ev.to]; down {
		return n.queue.len() > 0, nil
	}
	dest := n.participants[ev.to]
	switch payload := ev.payload.(type) {
	case alarm:
		n.log(TraceRecvd, "P%d alarm", ev.to)
		if err := dest.ReceiveAlarm(); err != nil {
			return false, fmt.Errorf("P%d failed receiving alarm: %w", ev.to, err)
		}
	case callback:
		if err := payload(); err != nil {
			return false, fmt.Errorf("P%d failed receiving completion: %w", ev.to, err)
		}
	case *simplex.Message:
		if n.censor != nil && !n.censor.AllowMessage(ev.from, ev.to, payload) {
			n.log(TraceRecvd, "P%d ← P%d: %s dropped", ev.to, ev.from, describe(payload))
			break
		}
		n.log(TraceRecvd, "P%d ← P%d: %s", ev.to, ev.from, describe(payload))
		if err := dest.ReceiveMessage(ev.from, payload); err != nil {
			return false, fmt.Errorf("P%d failed receiving message: %w", ev.to, err)
		}
	default:
		return false, fmt.Errorf("unknown event %T", ev.payload)
	}
	return n.queue.len() > 0, nil
}

func (n *network) Log(format string, args ...any) {
	n.log(TraceLogic, format, args...)
}

func (n *network) log(level int, format string, args ...any) {
	if level <= n.traceLevel {
		fmt.Printf("net [%.3f]: ", n.clock.Sub(time.Time{}).Seconds())
		fmt.Printf(format, args...)
		fmt.Printf("\n")
	}
}

func describe(msg *simplex.Message) string {
	switch {
	case msg.Proposal != nil:
		return fmt.Sprintf("proposal %s", msg.Proposal.Proposal)
	case msg.Vote != nil:
		return fmt.Sprintf("%s vote from %d at view %d", msg.Vote.Kind, msg.Vote.Signer, msg.Vote.View)
	case msg.Certificate != nil:
		return msg.Certificate.String()
	}
	return "empty message"
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
