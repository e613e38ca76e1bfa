// internal/browser/gate.go
package browser

import (
	"context"
	"time"

	"github.com/xkilldash9x/arena-bridge/internal/arena"
)

// gate serializes every operation that touches the browser. Concurrent
// navigation or token generation corrupts the challenge widget state, so the
// invariant is strict: at most one browser operation in flight, waiters
// admitted in FIFO order, and a bounded wait that errors instead of
// deadlocking.
type gate struct {
	slot chan struct{}
}

func newGate() *gate {
	return &gate{slot: make(chan struct{}, 1)}
}

// acquire claims the single worker slot, waiting at most maxWait. The runtime
// queues blocked senders in arrival order, which gives the FIFO admission the
// invariant needs. The returned release function must be called exactly once.
func (g *gate) acquire(ctx context.Context, maxWait time.Duration) (func(), error) {
	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case g.slot <- struct{}{}:
		return func() { <-g.slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, &arena.TransientError{
			Op:  "browser-gate",
			Err: context.DeadlineExceeded,
		}
	}
}
