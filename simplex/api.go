package simplex

import (
	"context"
	"time"
)

// Application generates and validates the opaque payloads being ordered.
// Propose and Verify may block; callers run them off the voter goroutine and
// cancel ctx once the view they were issued for is left.
type Application interface {
	// Genesis returns the payload implicitly notarized at view 0.
	Genesis() Digest
	// Propose returns a payload extending the parent payload in pc.
	Propose(ctx context.Context, pc ProposalContext) (Digest, error)
	// Verify reports whether payload is a valid extension of the parent in pc.
	Verify(ctx context.Context, pc ProposalContext, payload Digest) (bool, error)
}

// Endpoint to which the voter sends messages.
type Network interface {
	// Broadcast sends a message to every participant. It should also be
	// delivered locally, as a message that needs no verification.
	Broadcast(msg *Message)
}

type Clock interface {
	// Returns the current time.
	Time() time.Time
	// Sets an alarm to fire after the given timestamp.
	// At most one alarm can be set at a time.
	// Setting an alarm replaces any previous alarm that has not yet fired.
	// The timestamp may be in the past, in which case the alarm will fire as soon as possible
	// (but not synchronously).
	SetAlarm(at time.Time)
}

// Requester dispatches the voter's asynchronous requests. Every method must
// return immediately; completions are delivered back through the voter's
// Receive methods on the voter goroutine.
type Requester interface {
	// RequestProposal asks the application for a payload, delivered to
	// Voter.ReceiveProposed.
	RequestProposal(pc ProposalContext)
	// RequestVerification asks the application to check a payload, delivered
	// to Voter.ReceiveVerified.
	RequestVerification(pc ProposalContext, payload Digest)
	// RequestCertificates asks peers for the notarization or nullification of
	// each view, delivered to Voter.ReceiveCertificate once verified.
	RequestCertificates(views []uint64)
}

// Journal is the voter's write-ahead log.
type Journal interface {
	// Append durably records an entry. The entry must survive a crash once
	// Append returns without error.
	Append(entry *JournalEntry) error
}

// Reporter receives the externally visible output of consensus.
type Reporter interface {
	// ReportNotarization is called once per notarization held.
	ReportNotarization(cert *Certificate)
	// ReportNullification is called once per nullification held.
	ReportNullification(cert *Certificate)
	// ReportFinalization is called with finalizations in strictly increasing
	// view order. Finalizations learnt out of order below the highest one
	// already reported are not reported.
	ReportFinalization(cert *Certificate)
	// ReportEvidence is called with proof of equivocation.
	ReportEvidence(evidence *Evidence)
	// ReportFault is called with signers whose partial signatures failed
	// verification.
	ReportFault(fault *Fault)
}

// Progress receives notifications the components around the voter need to
// prune their own state.
type Progress interface {
	// Advanced is called when the voter enters a view. State for views below
	// retainFrom is no longer needed.
	Advanced(view, retainFrom uint64)
	// Certified is called once for every certificate the voter comes to hold,
	// including those formed locally and those recovered from peers.
	Certified(cert *Certificate)
}

// Tracer collects trace logs that capture logical state changes.
// The primary purpose of Tracer is to aid debugging and simulation.
type Tracer interface {
	Log(format string, args ...any)
}

// Host is the voter's interface to the system it runs in.
type Host interface {
	Network
	Clock
	Requester
	Journal
	Reporter
	Progress
	Supervisor
	Signer

	// ID returns the identity of this participant.
	ID() ParticipantID
	// Genesis returns the payload implicitly notarized at view 0.
	Genesis() Digest
}
