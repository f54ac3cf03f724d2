package streaming

import (
	"time"

	"github.com/google/uuid"
)

// EventKind identifies a domain event on the bus.
type EventKind string

const (
	// EventKindUpdateMispAlertArtifact asks the connector to re-populate
	// MISP alerts whose artifact arrays are empty.
	EventKindUpdateMispAlertArtifact EventKind = "UpdateMispAlertArtifact"

	// EventKindSyncCompleted reports the outcome of a synchronization tick.
	EventKindSyncCompleted EventKind = "MispSyncCompleted"

	// EventKindCaseExported reports a case exported to a MISP instance.
	EventKindCaseExported EventKind = "MispCaseExported"
)

// Event is one domain event.
type Event struct {
	ID        string         `json:"id"`
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// NewEvent creates an event of the given kind.
func NewEvent(kind EventKind, payload map[string]any) Event {
	return Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}
