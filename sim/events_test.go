package sim

import (
	"testing"
	"time"

	"github.com/filecoin-project/go-tsimplex/simplex"
	"github.com/stretchr/testify/require"
)

func at(d time.Duration) time.Time { return time.Time{}.Add(d) }

func drain(q *eventQueue) []*event {
	var out []*event
	for e := q.pop(); e != nil; e = q.pop() {
		out = append(out, e)
	}
	return out
}

func TestEventQueue_DeliversInTimeOrder(t *testing.T) {
	q := newEventQueue()
	late := &event{to: 1, payload: &simplex.Message{}, at: at(time.Minute)}
	early := &event{to: 2, payload: &simplex.Message{}, at: at(time.Second)}
	middle := &event{to: 3, payload: callback(func() error { return nil }), at: at(10 * time.Second)}
	q.push(late)
	q.push(early)
	q.push(middle)

	require.Equal(t, 3, q.len())
	require.Equal(t, []*event{early, middle, late}, drain(q))
	require.Zero(t, q.len())
	require.Nil(t, q.pop())
}

func TestEventQueue_TiesGoToAlarmsThenSchedulingOrder(t *testing.T) {
	q := newEventQueue()
	var want []*event
	for i := 0; i < 5; i++ {
		e := &event{from: simplex.ParticipantID(i), to: 9, payload: &simplex.Message{}, at: at(time.Second)}
		want = append(want, e)
		q.push(e)
	}
	q.setAlarm(9, at(time.Second))

	got := drain(q)
	require.Len(t, got, 6)
	require.True(t, got[0].isAlarm())
	require.Equal(t, want, got[1:])
}

func TestEventQueue_SetAlarm(t *testing.T) {
	t.Run("moves pending alarm", func(t *testing.T) {
		q := newEventQueue()
		msg := &event{to: 1, payload: &simplex.Message{}, at: at(5 * time.Second)}
		q.push(msg)
		q.setAlarm(1, at(time.Second))
		q.setAlarm(1, at(10*time.Second))

		got := drain(q)
		require.Len(t, got, 2)
		require.Equal(t, msg, got[0])
		require.True(t, got[1].isAlarm())
		require.Equal(t, at(10*time.Second), got[1].at)
	})
	t.Run("alarms are per participant", func(t *testing.T) {
		q := newEventQueue()
		q.setAlarm(1, at(2*time.Second))
		q.setAlarm(2, at(time.Second))

		got := drain(q)
		require.Len(t, got, 2)
		require.Equal(t, simplex.ParticipantID(2), got[0].to)
		require.Equal(t, simplex.ParticipantID(1), got[1].to)
	})
	t.Run("fired alarm is not moved", func(t *testing.T) {
		q := newEventQueue()
		q.setAlarm(1, at(time.Second))
		require.True(t, q.pop().isAlarm())

		q.setAlarm(1, at(3*time.Second))
		got := drain(q)
		require.Len(t, got, 1)
		require.Equal(t, at(3*time.Second), got[0].at)
		require.Equal(t, -1, got[0].pos)
	})
}
