// Package dedupe provides exactly-once admission for event IDs on the cloud
// side of the pipeline. Admission is a single INSERT against a unique key;
// the database constraint, not application logic, decides first versus
// duplicate, so concurrent deliveries of the same event race safely.
package dedupe

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Outcome reports whether an event ID was seen for the first time.
type Outcome string

const (
	// Inserted means this delivery won the insert and the event must be
	// processed.
	Inserted Outcome = "inserted"

	// Duplicate means the event ID was already recorded and this delivery
	// must be acknowledged without side effects.
	Duplicate Outcome = "duplicate"
)

var (
	ErrTenantIDRequired = errors.New("dedupe: tenant id is required")
	ErrEventIDRequired  = errors.New("dedupe: event id is required")
)

// Store records event IDs and reports first-seen versus duplicate.
//
// Record must be safe under concurrent calls with the same key: exactly one
// caller observes Inserted, every other caller observes Duplicate.
//
// Remove is the compensation for a Record whose follow-up work failed; it
// frees the key so a later delivery can win the insert again.
type Store interface {
	Record(ctx context.Context, tenantID string, eventID uuid.UUID) (Outcome, error)
	Remove(ctx context.Context, tenantID string, eventID uuid.UUID) error
}
