package workflow

import (
	"sync"
	"time"
)

// DefaultMaxEvents caps the conversation event log.
const DefaultMaxEvents = 256

// EventType classifies conversation events.
type EventType string

const (
	EventStepStarted   EventType = "step_started"
	EventStepCompleted EventType = "step_completed"
	EventStepFailed    EventType = "step_failed"
	EventStepYielded   EventType = "step_yielded"
	EventInterrupted   EventType = "interrupted"
	EventFlowFinished  EventType = "flow_finished"
	EventMessage       EventType = "message_appended"
)

// Event records one thing that happened during execution.
type Event struct {
	Type     EventType     `json:"type"`
	Path     string        `json:"path,omitempty"`
	Step     string        `json:"step,omitempty"`
	Time     time.Time     `json:"time"`
	Duration time.Duration `json:"duration,omitempty"`
	Detail   string        `json:"detail,omitempty"`
}

// eventLog is a fixed-capacity ring; the oldest event is dropped first.
type eventLog struct {
	mu     sync.RWMutex
	events []Event
	start  int
	size   int
}

func newEventLog(capacity int) *eventLog {
	if capacity <= 0 {
		capacity = DefaultMaxEvents
	}
	return &eventLog{events: make([]Event, capacity)}
}

func (l *eventLog) record(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	c := len(l.events)
	if l.size < c {
		l.events[(l.start+l.size)%c] = e
		l.size++
		return
	}
	l.events[l.start] = e
	l.start = (l.start + 1) % c
}

// list returns events oldest first.
func (l *eventLog) list() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Event, l.size)
	for i := 0; i < l.size; i++ {
		out[i] = l.events[(l.start+i)%len(l.events)]
	}
	return out
}

func (l *eventLog) capacity() int { return len(l.events) }
