// File: internal/browser/gate_test.go
package browser

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/xkilldash9x/arena-bridge/internal/arena"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestGateNeverOverlaps(t *testing.T) {
	g := newGate()

	var (
		active  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := g.acquire(context.Background(), time.Second)
			require.NoError(t, err)
			defer release()

			cur := active.Add(1)
			for {
				prev := maxSeen.Load()
				if cur <= prev || maxSeen.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load(), "two browser operations overlapped")
}

func TestGateBoundedWait(t *testing.T) {
	g := newGate()

	release, err := g.acquire(context.Background(), time.Second)
	require.NoError(t, err)

	start := time.Now()
	_, err = g.acquire(context.Background(), 30*time.Millisecond)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	// A saturated gate is a transient condition, not a session failure.
	assert.True(t, arena.Retryable(err))
	var transient *arena.TransientError
	require.ErrorAs(t, err, &transient)
	assert.Equal(t, "browser-gate", transient.Op)

	release()
}

func TestGateHonorsContextCancel(t *testing.T) {
	g := newGate()

	release, err := g.acquire(context.Background(), time.Second)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = g.acquire(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGateReleasesForNextWaiter(t *testing.T) {
	g := newGate()

	release, err := g.acquire(context.Background(), time.Second)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		r, err := g.acquire(context.Background(), time.Second)
		if err == nil {
			close(acquired)
			r()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("waiter admitted while slot was held")
	case <-time.After(20 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never admitted after release")
	}
}
