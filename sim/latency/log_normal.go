package latency

import (
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/filecoin-project/go-tsimplex/simplex"
)

var _ Model = (*LogNormal)(nil)

// LogNormal represents a log normal latency distribution with a configurable
// mean latency, capped at a maximum. This latency model does not specialise
// based on host clock time nor participants.
type LogNormal struct {
	rng  *rand.Rand
	mean time.Duration
	max  time.Duration
}

// NewLogNormal instantiates a new latency model of log normal latency
// distribution with the given mean. Samples are capped at twenty times the mean.
func NewLogNormal(seed int64, mean time.Duration) (*LogNormal, error) {
	if mean < 0 {
		return nil, errors.New("mean duration cannot be negative")
	}
	return &LogNormal{rng: rand.New(rand.NewSource(seed)), mean: mean, max: 20 * mean}, nil
}

// Sample returns a latency sample of the log normal distribution. Messages a
// participant sends to itself are delivered without latency.
func (l *LogNormal) Sample(_ time.Time, from, to simplex.ParticipantID) time.Duration {
	if from == to {
		return 0
	}
	lognorm := math.Exp(l.rng.NormFloat64())
	return min(time.Duration(lognorm*float64(l.mean)), l.max)
}
