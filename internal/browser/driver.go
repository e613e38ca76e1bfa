// internal/browser/driver.go

// Package browser owns the one real browser automation session the bridge
// runs. The browser is the auth oracle: it solves the anti-bot challenge,
// holds the authenticated cookie jar, and mints short-lived reCAPTCHA tokens
// that outbound requests must carry.
package browser

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/xkilldash9x/arena-bridge/internal/arena"
)

// State tracks the session lifecycle:
//
//	Uninitialized -> Bootstrapping -> Ready <-> Degraded -> Bootstrapping
//	Ready -> ShuttingDown -> Closed (terminal)
type State int32

const (
	StateUninitialized State = iota
	StateBootstrapping
	StateReady
	StateDegraded
	StateShuttingDown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateBootstrapping:
		return "bootstrapping"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateShuttingDown:
		return "shutting-down"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Snapshot is a point-in-time copy of the session's HTTP credentials: the
// cookie jar plus browser-derived request headers. Safe to hand to concurrent
// callers because it is a copy, never a view.
type Snapshot struct {
	Cookies map[string]string
	Headers map[string]string
	TakenAt time.Time
}

// Driver is the session/auth oracle contract. The chromedp implementation is
// the production driver; tests substitute stubs.
type Driver interface {
	// Bootstrap establishes the authenticated session: navigate, dismiss
	// consent, assist the challenge widget, wait for the auth cookie, prime
	// token generation. Long bounded timeout; AuthError if the cookie never
	// appears, CloudflareError if a block page is observed instead.
	Bootstrap(ctx context.Context) error

	// Snapshot returns current cookies and browser-shaped headers.
	Snapshot(ctx context.Context) (Snapshot, error)

	// CaptchaToken mints a fresh anti-bot token scoped to the given purpose.
	// Serialized through the worker gate; failures are retryable and do not
	// tear down the session.
	CaptchaToken(ctx context.Context, purpose arena.TokenPurpose) (string, error)

	// PageHTML returns the rendered markup of the live tab, the raw material
	// for surface discovery.
	PageHTML(ctx context.Context) (string, error)

	// Reload re-navigates the tab and marks the session for re-bootstrap.
	Reload(ctx context.Context) error

	// Shutdown tears down the browser process. Idempotent.
	Shutdown(ctx context.Context) error

	// State reports the current lifecycle state.
	State() State
}

// stateMachine is a tiny atomic holder shared by driver implementations.
type stateMachine struct {
	v atomic.Int32
}

func (m *stateMachine) get() State   { return State(m.v.Load()) }
func (m *stateMachine) set(s State)  { m.v.Store(int32(s)) }
func (m *stateMachine) is(s State) bool {
	return m.get() == s
}
