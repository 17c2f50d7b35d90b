package adversary

import (
	"encoding/binary"
	"fmt"

	"github.com/filecoin-project/go-tsimplex/simplex"
	"golang.org/x/crypto/blake2b"
)

var _ Receiver = (*Equivocate)(nil)

// Equivocate is an adversary that, whenever it leads a view, proposes two
// different payloads and sends each to half of the other participants. It
// otherwise never votes, so neither proposal can be notarized unless enough
// honest participants receive the same one.
type Equivocate struct {
	allowAll
	id   simplex.ParticipantID
	host Host

	// The highest view known to be notarized, and the certificate of the
	// highest view known to be certified.
	notarized uint64
	latest    *simplex.Certificate
	// The highest view proposed in.
	proposed uint64
	// Count of views equivocated in.
	Equivocations int
}

func NewEquivocate(id simplex.ParticipantID, host Host) *Equivocate {
	return &Equivocate{id: id, host: host}
}

func NewEquivocateGenerator() Generator {
	return func(id simplex.ParticipantID, host Host) *Adversary {
		return &Adversary{
			Receiver: NewEquivocate(id, host),
			ID:       id,
		}
	}
}

func (e *Equivocate) ID() simplex.ParticipantID { return e.id }

func (e *Equivocate) ReceiveMessage(_ simplex.ParticipantID, msg *simplex.Message) error {
	switch {
	case msg.Certificate != nil:
		e.observe(msg.Certificate)
	case msg.Proposal != nil && msg.Proposal.ParentCert != nil:
		e.observe(msg.Proposal.ParentCert)
	}
	return e.maybePropose()
}

// ReceiveAlarm is used to propose in the first view, which has no certificate
// to react to.
func (e *Equivocate) ReceiveAlarm() error { return e.maybePropose() }

func (e *Equivocate) observe(cert *simplex.Certificate) {
	if cert.Kind == simplex.KindFinalize {
		return
	}
	if cert.Kind == simplex.KindNotarize {
		e.notarized = max(e.notarized, cert.View)
	}
	if e.latest == nil || cert.View > e.latest.View {
		e.latest = cert
	}
}

func (e *Equivocate) maybePropose() error {
	var view, parent uint64 = 1, 0
	var seed []byte
	if e.latest != nil {
		view, parent, seed = e.latest.View+1, e.notarized, e.latest.Seed
	}
	if view <= e.proposed {
		return nil
	}
	committee, err := e.host.Committee(view)
	if err != nil {
		return err
	}
	if committee.Leader(view, seed) != e.id {
		return nil
	}
	e.proposed = view

	var others []simplex.ParticipantID
	for _, id := range committee.Participants {
		if id != e.id {
			others = append(others, id)
		}
	}
	half := len(others) / 2
	for i, victims := range [][]simplex.ParticipantID{others[:half], others[half:]} {
		proposal := simplex.Proposal{View: view, Parent: parent, Payload: e.payload(view, i)}
		vote, err := simplex.SignVote(e.host.Namespace(), e.host, e.id, simplex.KindNotarize, view, proposal)
		if err != nil {
			return fmt.Errorf("signing equivocation: %w", err)
		}
		msg := &simplex.Message{Proposal: &simplex.ProposalMessage{
			Proposal:   proposal,
			Signer:     e.id,
			Signature:  vote.Signature,
			Seed:       vote.Seed,
			ParentCert: e.latest,
		}}
		for _, victim := range victims {
			e.host.SendSynchronous(victim, msg)
		}
	}
	e.Equivocations++
	return nil
}

func (e *Equivocate) payload(view uint64, variant int) simplex.Digest {
	buf := binary.BigEndian.AppendUint64(nil, view)
	buf = binary.BigEndian.AppendUint64(buf, uint64(e.id))
	return blake2b.Sum256(append(buf, byte(variant)))
}
