package latency

import (
	"time"

	"github.com/filecoin-project/go-tsimplex/simplex"
)

var (
	_ Model = none{}
	_ Model = Fixed(0)

	// None represents zero no-op latency model.
	None = none{}
)

type none struct{}

func (none) Sample(time.Time, simplex.ParticipantID, simplex.ParticipantID) time.Duration { return 0 }

// Fixed delays every message between distinct participants by the same
// duration.
type Fixed time.Duration

func (f Fixed) Sample(_ time.Time, from, to simplex.ParticipantID) time.Duration {
	if from == to {
		return 0
	}
	return time.Duration(f)
}
