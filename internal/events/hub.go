// Package events provides the in-process publish sink the scheduler
// pushes status transitions into. Delivery is best-effort: publishing
// never blocks and slow subscribers drop events.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the scheduler
const (
	TypeRunStatusChanged     = "run_status_changed"
	TypeAttemptStatusChanged = "attempt_status_changed"
	TypeLogLineAppended      = "log_line_appended"
	TypeRunSummaryUpdated    = "run_summary_updated"
)

// Event is one status transition or log line
type Event struct {
	Type string      `json:"type"`
	Time time.Time   `json:"time"`
	Data interface{} `json:"data"`
}

// RunStatusData is the payload of run_status_changed events
type RunStatusData struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// AttemptStatusData is the payload of attempt_status_changed events
type AttemptStatusData struct {
	AttemptID string `json:"attempt_id"`
	TaskID    string `json:"task_id"`
	RunID     string `json:"run_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// LogLineData is the payload of log_line_appended events
type LogLineData struct {
	AttemptID string `json:"attempt_id"`
	Line      string `json:"line"`
}

// Hub is a simple in-memory fanout bus
type Hub struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]chan Event)}
}

// Publish delivers the event to every subscriber without blocking.
// Subscribers whose buffers are full miss the event.
func (h *Hub) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a buffered channel and returns it along with an
// unsubscribe function. Unsubscribe closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := h.seq.Add(1)

	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
