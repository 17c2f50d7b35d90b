// Package clock carries the clock a component should use in its context, so
// that tests can drive timers by hand.
package clock

import (
	"context"

	"github.com/benbjohnson/clock"
)

type (
	Clock = clock.Clock
	Mock  = clock.Mock
	Timer = clock.Timer
)

type contextKey struct{}

var wallClock = clock.New()

// NewMock returns a mock clock set to the Unix epoch.
func NewMock() *Mock { return clock.NewMock() }

// WithClock returns a context carrying clk.
func WithClock(ctx context.Context, clk Clock) context.Context {
	return context.WithValue(ctx, contextKey{}, clk)
}

// WithMockClock returns a context carrying a new mock clock, and the clock.
func WithMockClock(ctx context.Context) (context.Context, *Mock) {
	clk := NewMock()
	return WithClock(ctx, clk), clk
}

// GetClock returns the clock carried by ctx, or the wall clock if there is none.
func GetClock(ctx context.Context) Clock {
	if clk, ok := ctx.Value(contextKey{}).(Clock); ok {
		return clk
	}
	return wallClock
}
