// Package pulse provides the in-process broadcast stream of substrate
// mutations. Pulses are informational: slow consumers lag and lose the
// oldest pulses, and losing them never corrupts state.
package pulse

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies what mutated.
type Kind string

// The pulse kinds.
const (
	KindNewMemory          Kind = "new_memory"
	KindUpdated            Kind = "updated"
	KindForgotten          Kind = "forgotten"
	KindAssociationCreated Kind = "association_created"
	KindMaintenanceRan     Kind = "maintenance_ran"
)

// Pulse is one mutation event.
type Pulse struct {
	// EventID uniquely identifies the pulse.
	EventID string `json:"event_id"`

	// Kind identifies the mutation.
	Kind Kind `json:"kind"`

	// MemoryID is the affected memory, when applicable.
	MemoryID string `json:"memory_id,omitempty"`

	// SourceID and TargetID identify the edge for association pulses.
	SourceID string `json:"source_id,omitempty"`
	TargetID string `json:"target_id,omitempty"`

	// At is when the pulse was emitted, after the change was durable.
	At time.Time `json:"at"`
}

// Event is what a subscriber receives: the pulse plus the number of older
// pulses dropped since the previous receive. Lagged > 0 means the consumer
// fell behind its buffer.
type Event struct {
	Pulse  Pulse
	Lagged int
}

// New builds a pulse with generated identity.
func New(kind Kind, memoryID string) Pulse {
	return Pulse{
		EventID:  uuid.NewString(),
		Kind:     kind,
		MemoryID: memoryID,
		At:       time.Now().UTC(),
	}
}

// NewAssociation builds an association pulse.
func NewAssociation(sourceID, targetID string) Pulse {
	return Pulse{
		EventID:  uuid.NewString(),
		Kind:     KindAssociationCreated,
		SourceID: sourceID,
		TargetID: targetID,
		At:       time.Now().UTC(),
	}
}
