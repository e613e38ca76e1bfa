// internal/arena/errors.go
package arena

import (
	"errors"
	"fmt"
)

// This file defines the failure taxonomy every subsystem reports through.
// Typed errors let callers classify failures with errors.As instead of
// brittle string matching; each type carries the context needed to decide
// whether the operation is worth retrying.

// AuthError means the browser session could not be established or refreshed:
// the expected auth cookie never appeared, or the remote rejected our
// credentials outright.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth failure: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("auth failure: %s", e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// CloudflareError means a known block-page signature was observed instead of
// the expected response. The session is degraded and needs a re-bootstrap.
type CloudflareError struct {
	URL       string
	Signature string
}

func (e *CloudflareError) Error() string {
	return fmt.Sprintf("blocked by anti-bot challenge at %s (matched %q)", e.URL, e.Signature)
}

// DiscoveryError means the site's shape changed: an expected marker was
// missing from the delivered markup or bundles. Never defaulted silently.
type DiscoveryError struct {
	Marker string
	Err    error
}

func (e *DiscoveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("surface discovery failed for %q: %v", e.Marker, e.Err)
	}
	return fmt.Sprintf("surface discovery failed: marker %q not found", e.Marker)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// Upload phases, used to tag UploadError so slot-acquisition, transfer and
// signing failures stay distinguishable.
const (
	UploadPhaseSlot     = "slot"
	UploadPhaseTransfer = "transfer"
	UploadPhaseSign     = "sign"
)

// UploadError wraps a failure in one phase of the attachment protocol.
type UploadError struct {
	Phase    string
	Filename string
	Err      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload of %q failed during %s phase: %v", e.Filename, e.Phase, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// TransientError marks a failure the caller may retry with backoff: network
// errors, 5xx responses, and rate limiting.
type TransientError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("transient failure in %s (HTTP %d): %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// HTTPError is the uncategorized remainder: a non-2xx response that matched
// no more specific classification. It keeps status and body for diagnosis.
type HTTPError struct {
	Status int
	URL    string
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected HTTP %d from %s", e.Status, e.URL)
}

// StreamError means the wire protocol itself reported or produced a failure
// mid-sequence (an a3: line, or a malformed/truncated response).
type StreamError struct {
	Detail string
	Err    error
}

func (e *StreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stream protocol error: %s: %v", e.Detail, e.Err)
	}
	return fmt.Sprintf("stream protocol error: %s", e.Detail)
}

func (e *StreamError) Unwrap() error { return e.Err }

// Kind returns the taxonomy tag for err, or "internal" when it carries none.
// The facade uses this to preserve the tag across the HTTP boundary.
func Kind(err error) string {
	var (
		authErr      *AuthError
		cfErr        *CloudflareError
		discoveryErr *DiscoveryError
		uploadErr    *UploadError
		transientErr *TransientError
		httpErr      *HTTPError
		streamErr    *StreamError
	)
	switch {
	case errors.As(err, &cfErr):
		return "cloudflare"
	case errors.As(err, &authErr):
		return "auth"
	case errors.As(err, &discoveryErr):
		return "discovery"
	case errors.As(err, &uploadErr):
		return "upload"
	case errors.As(err, &transientErr):
		return "transient"
	case errors.As(err, &streamErr):
		return "stream"
	case errors.As(err, &httpErr):
		return "http"
	default:
		return "internal"
	}
}

// Retryable reports whether the caller may safely retry the failed operation.
// Only transient failures qualify; resending a stateful chat turn after any
// other failure risks duplicating server-side state.
func Retryable(err error) bool {
	var transientErr *TransientError
	return errors.As(err, &transientErr)
}
