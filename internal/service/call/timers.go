package call

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"wavelink-backend/pkg/metrics"
)

// RingTimerRegistry tracks at most one live ring timer per call. Every armed
// timer carries a generation token; a fire whose generation no longer matches
// the registry entry is stale (the call was cancelled or re-armed) and must
// not act. Cancellation is a direct map lookup.
type RingTimerRegistry struct {
	mu     sync.Mutex
	timers map[uuid.UUID]*ringTimer
	gen    uint64
}

type ringTimer struct {
	timer      *time.Timer
	generation uint64
}

// NewRingTimerRegistry creates an empty registry
func NewRingTimerRegistry() *RingTimerRegistry {
	return &RingTimerRegistry{
		timers: make(map[uuid.UUID]*ringTimer),
	}
}

// Arm schedules fn to run after d. An existing timer for the call is
// cancelled first; correct usage never arms twice but the registry stays
// consistent if it happens. fn runs on the timer goroutine only if the
// entry is still current when it fires.
func (r *RingTimerRegistry) Arm(callID uuid.UUID, d time.Duration, fn func(callID uuid.UUID)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.timers[callID]; ok {
		existing.timer.Stop()
	}

	r.gen++
	generation := r.gen

	entry := &ringTimer{generation: generation}
	entry.timer = time.AfterFunc(d, func() {
		if !r.take(callID, generation) {
			metrics.CallRingTimerStaleTotal.Inc()
			return
		}
		fn(callID)
	})
	r.timers[callID] = entry
}

// Cancel stops and removes the timer for the call; no-op if absent.
// A timer that already fired but has not yet run its callback is
// invalidated by the removal (generation check fails).
func (r *RingTimerRegistry) Cancel(callID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.timers[callID]; ok {
		entry.timer.Stop()
		delete(r.timers, callID)
	}
}

// Armed reports whether a live timer exists for the call
func (r *RingTimerRegistry) Armed(callID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.timers[callID]
	return ok
}

// take removes the entry if it still matches the firing generation and
// reports whether the fire is current
func (r *RingTimerRegistry) take(callID uuid.UUID, generation uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.timers[callID]
	if !ok || entry.generation != generation {
		return false
	}
	delete(r.timers, callID)
	return true
}
