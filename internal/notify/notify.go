// Package notify publishes typed group events to interested subscribers.
// Publishing is fire-and-forget: a sink failure must never fail the business
// operation that produced the event.
package notify

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Event is one typed notification payload. One struct per event kind keeps
// required fields compile-checked instead of buried in a map.
type Event interface {
	EventType() string
}

type ProgressEvent struct {
	CurrentQuantity int     `json:"current_quantity"`
	TargetQuantity  int     `json:"target_quantity"`
	ProgressPercent float64 `json:"progress_percent"`
}

func (ProgressEvent) EventType() string { return "group.progress" }

type ThresholdEvent struct {
	Milestone       int     `json:"milestone"`
	ProgressPercent float64 `json:"progress_percent"`
}

func (ThresholdEvent) EventType() string { return "group.threshold" }

type StatusChangeEvent struct {
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	Reason    string `json:"reason"`
}

func (StatusChangeEvent) EventType() string { return "group.status_change" }

type CommitmentEvent struct {
	CommitmentID    string `json:"commitment_id"`
	BuyerID         string `json:"buyer_id"`
	Quantity        int    `json:"quantity"`
	CurrentQuantity int    `json:"current_quantity"`
}

func (CommitmentEvent) EventType() string { return "group.commitment" }

type CancellationEvent struct {
	CommitmentID    string `json:"commitment_id"`
	BuyerID         string `json:"buyer_id"`
	Quantity        int    `json:"quantity"`
	CurrentQuantity int    `json:"current_quantity"`
}

func (CancellationEvent) EventType() string { return "group.cancellation" }

// Sink delivers events. Implementations must be safe for concurrent use and
// must not block the caller for long; delivery is best-effort.
type Sink interface {
	Publish(groupID string, event Event)
}

// LogSink writes every event to the structured log. It is the default sink
// for deployments without a push transport configured.
type LogSink struct{}

func (LogSink) Publish(groupID string, event Event) {
	log.Info().
		Str("component", "notify").
		Str("group_id", groupID).
		Str("event_type", event.EventType()).
		Interface("payload", event).
		Msg("event published")
}

// Published is one recorded event.
type Published struct {
	GroupID string
	Event   Event
}

// Recorder captures events in memory for assertions in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Published
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(groupID string, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Published{GroupID: groupID, Event: event})
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Published, len(r.events))
	copy(out, r.events)
	return out
}

// CountByType returns how many events of the given type were published for
// the group.
func (r *Recorder) CountByType(groupID, eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.events {
		if p.GroupID == groupID && p.Event.EventType() == eventType {
			n++
		}
	}
	return n
}
