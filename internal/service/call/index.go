package call

import (
	"sync"

	"github.com/google/uuid"

	apperrors "wavelink-backend/pkg/errors"
	"wavelink-backend/pkg/metrics"
)

// ActiveCallIndex enforces the one-active-call-per-user invariant. It maps a
// user id to the call currently holding them and hands out reservations
// atomically, so two overlapping Initiate calls cannot both admit the same
// user.
type ActiveCallIndex struct {
	mu    sync.RWMutex
	byUser map[uuid.UUID]uuid.UUID
}

// NewActiveCallIndex creates an empty index
func NewActiveCallIndex() *ActiveCallIndex {
	return &ActiveCallIndex{
		byUser: make(map[uuid.UUID]uuid.UUID),
	}
}

// Reserve inserts entries for every given user in a single critical section.
// If any user already holds an entry, nothing is inserted and AlreadyInCall
// is returned.
func (idx *ActiveCallIndex) Reserve(callID uuid.UUID, userIDs ...uuid.UUID) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, userID := range userIDs {
		if existing, ok := idx.byUser[userID]; ok && existing != callID {
			return apperrors.AlreadyInCallError()
		}
	}

	for _, userID := range userIDs {
		idx.byUser[userID] = callID
	}

	idx.updateGauge()
	return nil
}

// Release removes the mapping for a user; no-op if absent
func (idx *ActiveCallIndex) Release(userID uuid.UUID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	delete(idx.byUser, userID)
	idx.updateGauge()
}

// ReleaseAll removes every user mapped to the given call; used on termination
func (idx *ActiveCallIndex) ReleaseAll(callID uuid.UUID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for userID, held := range idx.byUser {
		if held == callID {
			delete(idx.byUser, userID)
		}
	}
	idx.updateGauge()
}

// Lookup returns the call currently holding the user, if any
func (idx *ActiveCallIndex) Lookup(userID uuid.UUID) (uuid.UUID, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	callID, ok := idx.byUser[userID]
	return callID, ok
}

// Size returns the number of users currently reserved
func (idx *ActiveCallIndex) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.byUser)
}

// updateGauge must be called with the lock held
func (idx *ActiveCallIndex) updateGauge() {
	calls := make(map[uuid.UUID]struct{}, len(idx.byUser))
	for _, callID := range idx.byUser {
		calls[callID] = struct{}{}
	}
	metrics.CallActiveGauge.Set(float64(len(calls)))
}
