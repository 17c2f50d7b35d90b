package sim

import (
	"container/heap"
	"time"

	"github.com/filecoin-project/go-tsimplex/simplex"
)

// alarm is the payload of a participant's own timer.
type alarm struct{}

// callback is the payload of a completion scheduled by a participant for
// itself, such as an application response or a fetched certificate.
type callback func() error

// event is a message, alarm or callback waiting to be delivered.
type event struct {
	from, to simplex.ParticipantID
	payload  any // *simplex.Message, alarm or callback
	at       time.Time

	seq uint64
	pos int
}

func (e *event) isAlarm() bool {
	_, ok := e.payload.(alarm)
	return ok
}

// before orders events by delivery time. Ties go to alarms, then to the
// earliest scheduled.
func (e *event) before(o *event) bool {
	if !e.at.Equal(o.at) {
		return e.at.Before(o.at)
	}
	if e.isAlarm() != o.isAlarm() {
		return e.isAlarm()
	}
	return e.seq < o.seq
}

// eventQueue holds the events in flight. Each participant has at most one
// pending alarm; setting a new one moves it.
type eventQueue struct {
	pending eventHeap
	alarms  map[simplex.ParticipantID]*event
	seq     uint64
}

func newEventQueue() *eventQueue {
	return &eventQueue{alarms: make(map[simplex.ParticipantID]*event)}
}

func (q *eventQueue) len() int { return len(q.pending) }

func (q *eventQueue) push(e *event) {
	q.seq++
	e.seq = q.seq
	heap.Push(&q.pending, e)
}

// pop removes the next event due, or returns nil if there is none.
func (q *eventQueue) pop() *event {
	if len(q.pending) == 0 {
		return nil
	}
	e := heap.Pop(&q.pending).(*event)
	if e.isAlarm() && q.alarms[e.to] == e {
		delete(q.alarms, e.to)
	}
	return e
}

func (q *eventQueue) setAlarm(id simplex.ParticipantID, at time.Time) {
	if e, ok := q.alarms[id]; ok {
		e.at = at
		q.seq++
		e.seq = q.seq
		heap.Fix(&q.pending, e.pos)
		return
	}
	e := &event{from: id, to: id, payload: alarm{}, at: at}
	q.alarms[id] = e
	q.push(e)
}

type eventHeap []*event

func (h eventHeap) Len() int           { return len(h) }
func (h eventHeap) Less(i, j int) bool { return h[i].before(h[j]) }

func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos, h[j].pos = i, j
}

func (h *eventHeap) Push(x any) {
	e := x.(*event)
	e.pos = len(*h)
	*h = append(*h, e)
}

func (h *eventHeap) Pop() any {
	old := *h
	last := len(old) - 1
	e := old[last]
	old[last] = nil
	e.pos = -1
	*h = old[:last]
	return e
}
