// Package ids provides the identifier types shared across the ledger.
package ids

import (
	"fmt"

	"github.com/google/uuid"
)

// ID is a 128-bit, time-sortable identifier (UUIDv7).
type ID string

// New generates a fresh time-sortable ID.
func New() ID {
	u, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the system clock/entropy source is broken;
		// fall back to a random v4 rather than panic.
		u = uuid.New()
	}
	return ID(u.String())
}

// Parse validates that s is a well-formed UUID and returns it as an ID.
func Parse(s string) (ID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", fmt.Errorf("ids: invalid id %q: %w", s, err)
	}
	return ID(s), nil
}

// Nil is the zero-value identifier, never produced by New.
const Nil ID = ""

func (id ID) String() string { return string(id) }

// AggregateKey identifies a consistency boundary as (aggregate_type, aggregate_id).
type AggregateKey struct {
	Type string
	ID   ID
}

func (k AggregateKey) String() string {
	return fmt.Sprintf("%s/%s", k.Type, k.ID)
}
