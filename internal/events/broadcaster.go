// Package events broadcasts workflow progress to in-process subscribers.
// Emitters never block: subscriber channels are buffered and full channels
// drop, so a stalled consumer cannot stall the engine.
package events

import (
	"reflect"
	"sync"
	"sync/atomic"
	"time"
)

// Type names the kinds of progress events the engine emits.
type Type string

const (
	NodeStart          Type = "node_start"
	NodeEnd            Type = "node_end"
	RalphIteration     Type = "ralph_iteration"
	TaskStart          Type = "task_start"
	TaskComplete       Type = "task_complete"
	MetricsUpdate      Type = "metrics_update"
	WorkflowComplete   Type = "workflow_complete"
	WorkflowError      Type = "workflow_error"
	PauseRequested     Type = "pause_requested"
	EscalationRaised   Type = "escalation_raised"
	EscalationResponse Type = "escalation_response"
)

// Event is one progress notification.
type Event struct {
	Seq       uint64         `json:"seq"`
	Type      Type           `json:"type"`
	Node      string         `json:"node,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Phase     string         `json:"phase,omitempty"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Broadcaster fans events out to subscribers.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers []chan Event
	closed      bool
	sequence    atomic.Uint64
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// Subscribe returns a buffered channel of future events.
func (b *Broadcaster) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Broadcaster) Unsubscribe(ch <-chan Event) {
	if ch == nil {
		return
	}
	target := reflect.ValueOf(ch).Pointer()
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subscribers {
		if reflect.ValueOf(sub).Pointer() == target {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			close(sub)
			return
		}
	}
}

// Emit delivers an event to every subscriber, dropping for full channels.
func (b *Broadcaster) Emit(event Event) {
	event.Seq = b.sequence.Add(1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subscribers {
		select {
		case sub <- event:
		default:
		}
	}
}

// Emitted reports how many events have been emitted in total.
func (b *Broadcaster) Emitted() uint64 { return b.sequence.Load() }

// Close shuts the broadcaster down and closes every subscriber channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subscribers {
		close(sub)
	}
	b.subscribers = nil
}
