// Package event defines the Event record: the only write the ledger ever
// performs (spec §3 "Event").
package event

import (
	"github.com/danvoulez/ledger/pkg/actor"
	"github.com/danvoulez/ledger/pkg/ids"
)

// Causation optionally links an event to the command/correlation/workflow
// that produced it.
type Causation struct {
	CommandID     ids.ID `json:"command_id,omitempty"`
	CorrelationID ids.ID `json:"correlation_id,omitempty"`
	WorkflowID    ids.ID `json:"workflow_id,omitempty"`
}

// Input is what callers supply to Store.Append; Sequence, Timestamp,
// PreviousHash and Hash are assigned by the store.
type Input struct {
	Type             string                 `json:"type"`
	AggregateType    string                 `json:"aggregate_type"`
	AggregateID      ids.ID                 `json:"aggregate_id"`
	AggregateVersion uint64                 `json:"aggregate_version"`
	Payload          map[string]any         `json:"payload"`
	Causation        *Causation             `json:"causation,omitempty"`
	Actor            actor.Reference        `json:"actor"`
	SchemaVersion    int                    `json:"schema_version,omitempty"`
	Metadata         map[string]any         `json:"metadata,omitempty"`
}

// Event is the persisted, hash-chained record (spec §3).
type Event struct {
	ID               ids.ID                 `json:"id"`
	Sequence         uint64                 `json:"sequence"`
	Timestamp        int64                  `json:"timestamp"` // wall-clock ms since Unix epoch
	Type             string                 `json:"type"`
	AggregateType    string                 `json:"aggregate_type"`
	AggregateID      ids.ID                 `json:"aggregate_id"`
	AggregateVersion uint64                 `json:"aggregate_version"`
	Payload          map[string]any         `json:"payload"`
	Causation        *Causation             `json:"causation,omitempty"`
	Actor            actor.Reference        `json:"actor"`
	PreviousHash     string                 `json:"previous_hash"`
	Hash             string                 `json:"hash"`
	SchemaVersion    int                    `json:"schema_version,omitempty"`
	Metadata         map[string]any         `json:"metadata,omitempty"`
}

// GenesisHash is the literal previous_hash of the first event ever appended.
const GenesisHash = "genesis"

// hashableForm is the exact field set that participates in the canonical
// hash: every Event field except Hash itself (spec §6: "The hash field
// itself is never included in the hashed representation").
type hashableForm struct {
	ID               ids.ID          `json:"id"`
	Sequence         uint64          `json:"sequence"`
	Timestamp        int64           `json:"timestamp"`
	Type             string          `json:"type"`
	AggregateType    string          `json:"aggregate_type"`
	AggregateID      ids.ID          `json:"aggregate_id"`
	AggregateVersion uint64          `json:"aggregate_version"`
	Payload          map[string]any  `json:"payload"`
	Causation        *Causation      `json:"causation,omitempty"`
	Actor            actor.Reference `json:"actor"`
	PreviousHash     string          `json:"previous_hash"`
	SchemaVersion    int             `json:"schema_version,omitempty"`
	Metadata         map[string]any  `json:"metadata,omitempty"`
}

// HashInput projects an Event onto the exact fields that are hashed,
// normalizing the absent-schema-version default per spec §3
// ("schema_version: optional; defaults to 1").
func (e Event) HashInput() any {
	sv := e.SchemaVersion
	if sv == 0 {
		sv = 1
	}
	return hashableForm{
		ID:               e.ID,
		Sequence:         e.Sequence,
		Timestamp:        e.Timestamp,
		Type:             e.Type,
		AggregateType:    e.AggregateType,
		AggregateID:      e.AggregateID,
		AggregateVersion: e.AggregateVersion,
		Payload:          e.Payload,
		Causation:        e.Causation,
		Actor:            e.Actor,
		PreviousHash:     e.PreviousHash,
		SchemaVersion:    sv,
		Metadata:         e.Metadata,
	}
}
