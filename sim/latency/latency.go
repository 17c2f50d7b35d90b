package latency

import (
	"time"

	"github.com/filecoin-project/go-tsimplex/simplex"
)

// Model represents a latency model of cross participant communication. The
// model offers the ability for implementation of varying latency across a
// simulation, as well as specialised latency across specific participants.
//
// See LogNormal, Zipf and None.
type Model interface {
	// Sample returns an artificial latency at time t for communications from a
	// participant to another participant.
	//
	// See: simplex.Host, simplex.Clock.
	Sample(t time.Time, from, to simplex.ParticipantID) time.Duration
}
