// internal/netgate/classify.go
package netgate

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/arena-bridge/internal/arena"
)

// blockSignatures are literal fragments that identify an anti-bot block page.
// Fragment matching is inherently brittle, so the signatures live here as
// data: when the remote rotates its challenge pages only this table changes,
// and an unmatched failure still surfaces as a typed HTTP error rather than
// being mislabeled.
var blockSignatures = []string{
	"Just a moment...",
	"Attention Required! | Cloudflare",
	"/cdn-cgi/challenge-platform",
	"cf-chl-widget",
	"challenges.cloudflare.com",
}

// recaptchaFailureSignatures identify responses rejected for a failed or
// missing reCAPTCHA token. These ride the same taxonomy branch as block
// pages: the session needs a fresh challenge pass, not a retry.
var recaptchaFailureSignatures = []string{
	"recaptcha verification failed",
	"recaptchaV3Token",
	"captcha-failed",
}

// MatchBlockSignature reports whether the markup matches a known block page,
// returning the matched fragment. Shared with the browser driver, which needs
// the same detection against the live tab's content.
func MatchBlockSignature(body string) (string, bool) {
	return matchSignature(body, blockSignatures)
}

func matchSignature(body string, signatures []string) (string, bool) {
	for _, sig := range signatures {
		if strings.Contains(body, sig) {
			return sig, true
		}
	}
	return "", false
}

// Classify maps a non-2xx response onto the failure taxonomy:
//
//	block-page or captcha-failure fragment  => CloudflareError
//	401, or 403 without a block signature   => AuthError
//	402/429 (quota, rate limit)             => TransientError
//	5xx                                     => TransientError
//	anything else                           => HTTPError with status and body
func Classify(status int, body, url string) error {
	if sig, ok := matchSignature(body, blockSignatures); ok {
		return &arena.CloudflareError{URL: url, Signature: sig}
	}
	if status == 403 {
		if sig, ok := matchSignature(body, recaptchaFailureSignatures); ok {
			return &arena.CloudflareError{URL: url, Signature: sig}
		}
		return &arena.AuthError{Reason: fmt.Sprintf("HTTP 403 from %s", url)}
	}
	if status == 401 {
		return &arena.AuthError{Reason: fmt.Sprintf("HTTP 401 from %s", url)}
	}
	if status == 402 || status == 429 {
		return &arena.TransientError{Op: url, Status: status, Err: fmt.Errorf("rate limited")}
	}
	if status >= 500 {
		return &arena.TransientError{Op: url, Status: status, Err: fmt.Errorf("server error")}
	}
	return &arena.HTTPError{Status: status, URL: url, Body: body}
}
