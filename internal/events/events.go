// Package events publishes reconciliation events for other systems to
// consume. Publishing is fire-and-forget: failures are logged and never
// affect reconciliation.
package events

import (
	"context"
	"time"
)

// Kind identifies an event. It is appended to the subject prefix.
type Kind string

const (
	KindResourceCreated Kind = "resource.created"
	KindCreateFailed    Kind = "resource.create_failed"
	KindResourceDeleted Kind = "resource.deleted"
	KindDeleteFailed    Kind = "resource.delete_failed"
	KindActionCompleted Kind = "action.completed"
)

// Event is the JSON payload of every published message.
type Event struct {
	Kind   Kind      `json:"kind"`
	RunID  string    `json:"run_id"`
	Action string    `json:"action"`
	Time   time.Time `json:"time"`

	// Resource fields, set for resource.* events.
	ID      int    `json:"id,omitempty"`
	Name    string `json:"name,omitempty"`
	Owner   string `json:"owner,omitempty"`
	Address string `json:"address,omitempty"`
	Stage   string `json:"stage,omitempty"`
	Error   string `json:"error,omitempty"`

	// Summary fields, set for action.completed.
	Created int `json:"created,omitempty"`
	Skipped int `json:"skipped,omitempty"`
	Deleted int `json:"deleted,omitempty"`
	Failed  int `json:"failed,omitempty"`
}

// Publisher sends events.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
	Close()
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
func (Nop) Close()                         {}
