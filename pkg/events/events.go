// Package events is a small in-process pub/sub hub for session and monitor
// notifications. The daemon layer forwards them to its clients.
package events

import (
	"encoding/json"
	"sync"
)

// Event names.
const (
	SessionPhase   = "session.phase"
	MonitorStarted = "monitor.started"
	MonitorStopped = "monitor.stopped"
)

// Event is one published notification.
type Event struct {
	Name string
	Data json.RawMessage
}

// SessionPhaseEvent is the payload of session.phase.
type SessionPhaseEvent struct {
	SessionID string `json:"sessionId"`
	DeviceID  string `json:"deviceId"`
	From      string `json:"from"`
	To        string `json:"to"`
	Ts        int64  `json:"ts"`
}

// Hub fans events out to subscribers. Slow subscribers lose events rather
// than block publishers.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub { return &Hub{subs: make(map[chan Event]struct{})} }

// Subscribe registers a new subscriber channel.
func (h *Hub) Subscribe() chan Event {
	ch := make(chan Event, 16)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// Publish marshals payload and delivers it to every subscriber. A nil hub
// publishes nowhere, so callers don't have to guard.
func (h *Hub) Publish(name string, payload any) {
	if h == nil {
		return
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	ev := Event{Name: name, Data: b}

	h.mu.RLock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.RUnlock()
}
