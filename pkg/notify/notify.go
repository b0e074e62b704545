// Package notify publishes job lifecycle events.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType names a lifecycle transition.
type EventType string

const (
	EventSubmitted EventType = "submitted"
	EventCompleted EventType = "completed"
	EventAbandoned EventType = "abandoned"
)

// Event is the JSON payload published for a lifecycle transition.
type Event struct {
	ID      string    `json:"id"`
	Type    EventType `json:"type"`
	JobID   string    `json:"job_id"`
	File    string    `json:"file,omitempty"`
	Output  string    `json:"output,omitempty"`
	Rows    int       `json:"rows,omitempty"`
	Valid   int       `json:"valid,omitempty"`
	Invalid int       `json:"invalid,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Time    time.Time `json:"time"`
}

// NewEvent creates an event with a fresh id stamped at now.
func NewEvent(t EventType, jobID string, now time.Time) Event {
	return Event{
		ID:    uuid.NewString(),
		Type:  t,
		JobID: jobID,
		Time:  now.UTC(),
	}
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }
