// Package sim runs honest simplex voters and an optional adversary over a
// simulated network in virtual time. A simulation is single-threaded and
// deterministic for a given seed.
package sim

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/drand/kyber/util/random"
	"github.com/filecoin-project/go-tsimplex/sim/adversary"
	"github.com/filecoin-project/go-tsimplex/simplex"
	"github.com/filecoin-project/go-tsimplex/threshold"
)

const maxLookahead = 4096

type Simulation struct {
	*options
	network    *network
	committee  *simplex.Committee
	supervisor simplex.Supervisor
	hosts      []*simHost
	adversary  *adversary.Adversary
	decisions  *DecisionLog
	started    bool
}

func NewSimulation(o ...Option) (*Simulation, error) {
	opts, err := newOptions(o...)
	if err != nil {
		return nil, err
	}

	n := opts.honestCount + opts.adversaryCount
	quorum, err := simplex.Quorum(n)
	if err != nil {
		return nil, err
	}
	pub, shares, err := threshold.Deal(n, quorum, random.New(rand.New(rand.NewSource(opts.seed))))
	if err != nil {
		return nil, fmt.Errorf("dealing keys: %w", err)
	}
	ids := make([]simplex.ParticipantID, n)
	for i := range ids {
		ids[i] = simplex.ParticipantID(i + 1)
	}
	committee, err := simplex.NewCommittee(ids, pub)
	if err != nil {
		return nil, err
	}

	s := &Simulation{
		options:    opts,
		network:    newNetwork(opts.latencyModel, opts.traceLevel),
		committee:  committee,
		supervisor: simplex.NewStaticSupervisor(committee),
	}
	s.decisions = newDecisionLog(opts.namespace, s.supervisor)

	for i := 0; i < opts.honestCount; i++ {
		signer, err := threshold.NewSigner(shares[i])
		if err != nil {
			return nil, err
		}
		host := newHost(s, ids[i], signer)
		s.hosts = append(s.hosts, host)
		s.network.addParticipant(host.id, host)
	}
	if opts.adversaryGenerator != nil {
		id := ids[n-1]
		signer, err := threshold.NewSigner(shares[n-1])
		if err != nil {
			return nil, err
		}
		s.adversary = opts.adversaryGenerator(id, &adversaryHost{sim: s, id: id, Signer: signer})
		s.network.addParticipant(id, s.adversary)
		s.network.censor = s.adversary
	}
	return s, nil
}

// Start starts every honest participant. It is called by Run if needed.
func (s *Simulation) Start() error {
	if s.started {
		return errors.New("simulation already started")
	}
	s.started = true
	for _, h := range s.hosts {
		if err := h.start(); err != nil {
			return fmt.Errorf("starting participant %d: %w", h.id, err)
		}
	}
	if s.adversary != nil {
		s.network.setAlarm(s.adversary.ID, s.network.Time())
	}
	return nil
}

// Run runs the simulation until every honest participant that is up has
// finalized the given view, then verifies the decisions reported. It fails if
// that takes longer than the given virtual time.
func (s *Simulation) Run(view uint64, timeout time.Duration) error {
	err := s.RunUntil(func() bool {
		for _, h := range s.hosts {
			if h.online() && s.decisions.LastFinalized(h.id) < view {
				return false
			}
		}
		return true
	}, timeout)
	if err != nil {
		return err
	}
	return s.decisions.Verify()
}

// RunUntil delivers events until done returns true or the given virtual time
// has elapsed.
func (s *Simulation) RunUntil(done func() bool, timeout time.Duration) error {
	if !s.started {
		if err := s.Start(); err != nil {
			return err
		}
	}
	deadline := s.network.Time().Add(timeout)
	for !done() {
		if s.network.Time().After(deadline) {
			return fmt.Errorf("condition not met by %s", s.network.Time().Sub(time.Time{}))
		}
		more, err := s.network.tick()
		if err != nil {
			return err
		}
		if !more {
			return errors.New("no events left to deliver")
		}
		if err := s.decisions.err; err != nil {
			return err
		}
	}
	return nil
}

// Crash takes an honest participant down. Its journal and stored certificates
// survive; everything else is lost.
func (s *Simulation) Crash(id simplex.ParticipantID) error {
	h, err := s.host(id)
	if err != nil {
		return err
	}
	if !h.online() {
		return fmt.Errorf("participant %d is already down", id)
	}
	h.crash()
	return nil
}

// Restart brings a crashed participant back up, replaying its journal.
func (s *Simulation) Restart(id simplex.ParticipantID) error {
	h, err := s.host(id)
	if err != nil {
		return err
	}
	if h.online() {
		return fmt.Errorf("participant %d is not down", id)
	}
	return h.start()
}

func (s *Simulation) host(id simplex.ParticipantID) (*simHost, error) {
	for _, h := range s.hosts {
		if h.id == id {
			return h, nil
		}
	}
	return nil, fmt.Errorf("no honest participant %d", id)
}

// HonestParticipants returns the IDs of the honest participants.
func (s *Simulation) HonestParticipants() []simplex.ParticipantID {
	ids := make([]simplex.ParticipantID, len(s.hosts))
	for i, h := range s.hosts {
		ids[i] = h.id
	}
	return ids
}

func (s *Simulation) Adversary() *adversary.Adversary { return s.adversary }
func (s *Simulation) Committee() *simplex.Committee  { return s.committee }
func (s *Simulation) Decisions() *DecisionLog        { return s.decisions }
func (s *Simulation) Time() time.Time                { return s.network.Time() }

// CurrentView returns the view an honest participant is voting in, or zero if
// it is down.
func (s *Simulation) CurrentView(id simplex.ParticipantID) uint64 {
	h, err := s.host(id)
	if err != nil || !h.online() {
		return 0
	}
	return h.voter.CurrentView()
}

// CertificateRequests returns every set of views the participant asked its
// peers for, in order.
func (s *Simulation) CertificateRequests(id simplex.ParticipantID) [][]uint64 {
	h, err := s.host(id)
	if err != nil {
		return nil
	}
	return h.requests
}

// Certifying returns the notarization or nullification a participant holds
// for a view.
func (s *Simulation) Certifying(id simplex.ParticipantID, view uint64) *simplex.Certificate {
	h, err := s.host(id)
	if err != nil {
		return nil
	}
	return h.certifying(view)
}

// PendingVoteGroups returns how many vote groups below quorum a participant
// is holding.
func (s *Simulation) PendingVoteGroups(id simplex.ParticipantID) int {
	h, err := s.host(id)
	if err != nil {
		return 0
	}
	var pending int
	for _, g := range h.groups {
		if !g.emitted {
			pending++
		}
	}
	return pending
}

var _ adversary.Host = (*adversaryHost)(nil)

type adversaryHost struct {
	*threshold.Signer
	sim *Simulation
	id  simplex.ParticipantID
}

func (a *adversaryHost) Committee(view uint64) (*simplex.Committee, error) {
	return a.sim.supervisor.Committee(view)
}
func (a *adversaryHost) ID() simplex.ParticipantID      { return a.id }
func (a *adversaryHost) Namespace() simplex.Namespace   { return a.sim.namespace }
func (a *adversaryHost) Time() time.Time                { return a.sim.network.Time() }
func (a *adversaryHost) SetAlarm(at time.Time)          { a.sim.network.setAlarm(a.id, at) }
func (a *adversaryHost) BroadcastSynchronous(msg *simplex.Message) {
	a.sim.network.broadcastSynchronous(a.id, msg)
}
func (a *adversaryHost) SendSynchronous(to simplex.ParticipantID, msg *simplex.Message) {
	a.sim.network.send(a.id, to, msg, 0)
}
