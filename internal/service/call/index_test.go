package call

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	apperrors "wavelink-backend/pkg/errors"
)

func TestReserveIsAllOrNothing(t *testing.T) {
	idx := NewActiveCallIndex()

	a, b, c := uuid.New(), uuid.New(), uuid.New()
	firstCall := uuid.New()
	assert.NoError(t, idx.Reserve(firstCall, a))

	// b and c are free, but a is taken, so nobody gets inserted
	err := idx.Reserve(uuid.New(), b, a, c)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeAlreadyInCall))

	_, ok := idx.Lookup(b)
	assert.False(t, ok)
	_, ok = idx.Lookup(c)
	assert.False(t, ok)
	assert.Equal(t, 1, idx.Size())
}

func TestReleaseIsIdempotent(t *testing.T) {
	idx := NewActiveCallIndex()

	userID := uuid.New()
	callID := uuid.New()
	assert.NoError(t, idx.Reserve(callID, userID))

	idx.Release(userID)
	idx.Release(userID)
	assert.Equal(t, 0, idx.Size())
}

func TestReleaseAllRemovesEveryEntryForCall(t *testing.T) {
	idx := NewActiveCallIndex()

	callID := uuid.New()
	otherCall := uuid.New()
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	assert.NoError(t, idx.Reserve(callID, a, b))
	assert.NoError(t, idx.Reserve(otherCall, c))

	idx.ReleaseAll(callID)

	_, ok := idx.Lookup(a)
	assert.False(t, ok)
	_, ok = idx.Lookup(b)
	assert.False(t, ok)
	reserved, ok := idx.Lookup(c)
	assert.True(t, ok)
	assert.Equal(t, otherCall, reserved)
}

func TestConcurrentOverlappingReserves(t *testing.T) {
	idx := NewActiveCallIndex()

	shared := uuid.New()
	const n = 32

	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- idx.Reserve(uuid.New(), uuid.New(), shared)
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeAlreadyInCall))
		}
	}
	assert.Equal(t, 1, succeeded)
	// The winner holds exactly two entries
	assert.Equal(t, 2, idx.Size())
}
