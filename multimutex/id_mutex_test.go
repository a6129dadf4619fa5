package multimutex

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestIDMutexSerializesSameID tests that two goroutines contending for
// the same id run their critical sections one at a time.
func TestIDMutexSerializesSameID(t *testing.T) {
	t.Parallel()

	mtx := NewIDMutex()

	const goroutines = 50
	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			mtx.Lock(42)
			defer mtx.Unlock(42)

			// Unsynchronized on purpose: the id mutex is the
			// only thing keeping this race free.
			counter++
		}()
	}
	wg.Wait()

	require.Equal(t, goroutines, counter)
}

// TestIDMutexIndependentIDs tests that a held lock on one id does not
// block another id.
func TestIDMutexIndependentIDs(t *testing.T) {
	t.Parallel()

	mtx := NewIDMutex()
	mtx.Lock(1)
	defer mtx.Unlock(1)

	done := make(chan struct{})
	go func() {
		mtx.Lock(2)
		mtx.Unlock(2)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("independent id was blocked")
	}
}

// TestIDMutexDoubleUnlockPanics tests that unlocking an id that is not
// held is a programming error.
func TestIDMutexDoubleUnlockPanics(t *testing.T) {
	t.Parallel()

	mtx := NewIDMutex()

	require.Panics(t, func() {
		mtx.Unlock(99)
	})
}
