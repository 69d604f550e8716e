// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package runner

import (
	"sync"
	"time"

	"github.com/lightci/lightci/pkg/pipeline"
)

// Event is an in-process run notification: a log line, a step status
// transition, or both. Events are fan-out only; the durable record is
// the run row.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message,omitempty"`

	// Step and Status are set on step transition events.
	Step   string              `json:"step,omitempty"`
	Status pipeline.StepStatus `json:"status,omitempty"`
}

// Hub routes run events to subscribers. Delivery is non-blocking: a
// subscriber that falls behind misses events rather than stalling the
// run.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Event
}

// NewHub creates a Hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[string][]chan Event)}
}

// Publish sends an event to every subscriber of the run.
func (h *Hub) Publish(runID string, event Event) {
	h.mu.RLock()
	subs := h.subscribers[runID]
	h.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			// Subscriber full, skip.
		}
	}
}

// Subscribe returns a channel receiving the run's events and an
// unsubscribe function. Unsubscribing closes the channel.
func (h *Hub) Subscribe(runID string) (<-chan Event, func()) {
	ch := make(chan Event, 100)

	h.mu.Lock()
	h.subscribers[runID] = append(h.subscribers[runID], ch)
	h.mu.Unlock()

	unsub := func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		subs := h.subscribers[runID]
		for i, sub := range subs {
			if sub == ch {
				h.subscribers[runID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(h.subscribers[runID]) == 0 {
			delete(h.subscribers, runID)
		}
		close(ch)
	}

	return ch, unsub
}

// SubscriberCount returns the number of subscribers for a run.
func (h *Hub) SubscriberCount(runID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[runID])
}
