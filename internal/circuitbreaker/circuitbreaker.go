package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/filecoin-project/go-tsimplex/internal/clock"
)

const (
	Closed Status = iota
	Open
	HalfOpen
)

// ErrOpen signals that the circuit is open. See CircuitBreaker.Run.
var ErrOpen = errors.New("circuit breaker is open")

type Status int

func (s Status) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// CircuitBreaker stops attempts at an operation for a while after it failed
// maxFailures times in a row.
type CircuitBreaker struct {
	clock        clock.Clock
	maxFailures  int
	resetTimeout time.Duration

	// mu guards access to status, openedAt and failures.
	mu       sync.Mutex
	failures int
	openedAt time.Time
	status   Status
}

// New creates a CircuitBreaker that opens after maxFailures consecutive
// failures and allows a single attempt once resetTimeout has passed on clk.
func New(clk clock.Clock, maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		clock:        clk,
		maxFailures:  max(maxFailures, 1),
		resetTimeout: resetTimeout,
	}
}

// Run calls attempt unless the circuit is open, returning ErrOpen without
// calling it in that case.
//
// A failure while half-open opens the circuit again straight away. A success
// closes it and resets the failure count.
func (cb *CircuitBreaker) Run(attempt func() error) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.status {
	case Open:
		if cb.clock.Since(cb.openedAt) < cb.resetTimeout {
			return ErrOpen
		}
		cb.status = HalfOpen
		fallthrough
	case HalfOpen, Closed:
		if err := attempt(); err != nil {
			cb.failures++
			if cb.status == HalfOpen || cb.failures >= cb.maxFailures {
				cb.status = Open
				cb.openedAt = cb.clock.Now()
			}
			return err
		}
		cb.status = Closed
		cb.failures = 0
		return nil
	default:
		return fmt.Errorf("unknown status: %s", cb.status)
	}
}

// Status returns the current status of the CircuitBreaker.
func (cb *CircuitBreaker) Status() Status {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.status
}
