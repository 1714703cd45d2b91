package dedupe

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for tests and single-node setups.
type MemoryStore struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory dedupe store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]struct{})}
}

// Record registers the key and reports first-seen versus duplicate.
func (store *MemoryStore) Record(_ context.Context, tenantID string, eventID uuid.UUID) (Outcome, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return "", ErrTenantIDRequired
	}

	if eventID == uuid.Nil {
		return "", ErrEventIDRequired
	}

	key := tenantID + "/" + eventID.String()

	store.mu.Lock()
	defer store.mu.Unlock()

	if _, ok := store.seen[key]; ok {
		return Duplicate, nil
	}

	store.seen[key] = struct{}{}

	return Inserted, nil
}

// Remove deletes the key. Missing keys are not an error.
func (store *MemoryStore) Remove(_ context.Context, tenantID string, eventID uuid.UUID) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return ErrTenantIDRequired
	}

	if eventID == uuid.Nil {
		return ErrEventIDRequired
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	delete(store.seen, tenantID+"/"+eventID.String())

	return nil
}

// Len reports how many distinct keys have been recorded.
func (store *MemoryStore) Len() int {
	store.mu.Lock()
	defer store.mu.Unlock()

	return len(store.seen)
}
