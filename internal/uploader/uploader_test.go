// File: internal/uploader/uploader_test.go
package uploader

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/arena-bridge/internal/arena"
	"github.com/xkilldash9x/arena-bridge/internal/browser"
	"github.com/xkilldash9x/arena-bridge/internal/config"
	"github.com/xkilldash9x/arena-bridge/internal/netgate"
)

const (
	testUploadActionID = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	testSignActionID   = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

type fakeActions struct{}

func (fakeActions) ResolveAction(ctx context.Context, name string) (string, error) {
	switch name {
	case arena.ActionGenerateUploadURL:
		return testUploadActionID, nil
	case arena.ActionGetSignedURL:
		return testSignActionID, nil
	}
	return "", &arena.DiscoveryError{Marker: name}
}

type fakeCreds struct{}

func (fakeCreds) Snapshot(ctx context.Context) (browser.Snapshot, error) {
	return browser.Snapshot{
		Cookies: map[string]string{"arena-auth-prod.0": "tok"},
		Headers: map[string]string{"user-agent": "ua"},
		TakenAt: time.Now(),
	}, nil
}

// scriptedTransport replays one canned step per request, recording each
// request for assertions.
type scriptedTransport struct {
	steps []func(netgate.Request) ([]byte, error)
	reqs  []netgate.Request
}

func (s *scriptedTransport) ReadAll(ctx context.Context, req netgate.Request) ([]byte, error) {
	idx := len(s.reqs)
	s.reqs = append(s.reqs, req)
	if idx >= len(s.steps) {
		return nil, fmt.Errorf("unexpected request %d to %s", idx, req.URL)
	}
	return s.steps[idx](req)
}

func slotResponse(uploadURL, key string) func(netgate.Request) ([]byte, error) {
	return func(netgate.Request) ([]byte, error) {
		return []byte(fmt.Sprintf(
			"0:[\"$@1\"]\n1:{\"success\":true,\"data\":{\"uploadUrl\":%q,\"key\":%q}}\n",
			uploadURL, key)), nil
	}
}

func signResponse(url string) func(netgate.Request) ([]byte, error) {
	return func(netgate.Request) ([]byte, error) {
		return []byte(fmt.Sprintf(
			"0:[\"$@1\"]\n1:{\"success\":true,\"data\":{\"url\":%q}}\n", url)), nil
	}
}

func okTransfer(netgate.Request) ([]byte, error) { return nil, nil }

func newTestUploader(t *testing.T, transport Transport, cache bool) *Uploader {
	t.Helper()
	cfg := config.Default()
	cfg.Arena.UploadCache = cache
	return New(cfg, transport, fakeActions{}, fakeCreds{}, zap.NewNop())
}

func TestUploadThreePhases(t *testing.T) {
	transport := &scriptedTransport{steps: []func(netgate.Request) ([]byte, error){
		slotResponse("https://storage.example/put/abc", "uploads/abc"),
		okTransfer,
		signResponse("https://storage.example/signed/abc"),
	}}
	u := newTestUploader(t, transport, false)

	ref, err := u.Upload(context.Background(), arena.Attachment{
		Name: "cat.png",
		MIME: "image/png",
		Data: []byte("png-bytes"),
	})
	require.NoError(t, err)
	assert.Equal(t, "uploads/abc", ref.Name)
	assert.Equal(t, "image/png", ref.ContentType)
	assert.Equal(t, "https://storage.example/signed/abc", ref.URL)

	require.Len(t, transport.reqs, 3)

	slot := transport.reqs[0]
	assert.Equal(t, http.MethodPost, slot.Method)
	assert.Contains(t, slot.URL, "/?chat-modality=image")
	assert.Equal(t, testUploadActionID, slot.Headers["next-action"])
	assert.Equal(t, "text/x-component", slot.Headers["accept"])
	assert.Equal(t, "text/plain;charset=UTF-8", slot.Headers["content-type"])
	assert.JSONEq(t, `["cat.png","image/png"]`, string(slot.Body))
	assert.Equal(t, "tok", slot.Cookies["arena-auth-prod.0"])

	transfer := transport.reqs[1]
	assert.Equal(t, http.MethodPut, transfer.Method)
	assert.Equal(t, "https://storage.example/put/abc", transfer.URL)
	assert.Equal(t, "image/png", transfer.Headers["content-type"])
	assert.Equal(t, []byte("png-bytes"), transfer.Body)

	sign := transport.reqs[2]
	assert.Equal(t, testSignActionID, sign.Headers["next-action"])
	assert.JSONEq(t, `["uploads/abc"]`, string(sign.Body))
}

func TestUploadPhaseTagging(t *testing.T) {
	boom := fmt.Errorf("wire failure")
	fail := func(netgate.Request) ([]byte, error) { return nil, boom }

	cases := []struct {
		name  string
		steps []func(netgate.Request) ([]byte, error)
		phase string
	}{
		{"slot", []func(netgate.Request) ([]byte, error){fail}, arena.UploadPhaseSlot},
		{"transfer", []func(netgate.Request) ([]byte, error){
			slotResponse("https://s/put", "k"), fail,
		}, arena.UploadPhaseTransfer},
		{"sign", []func(netgate.Request) ([]byte, error){
			slotResponse("https://s/put", "k"), okTransfer, fail,
		}, arena.UploadPhaseSign},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			u := newTestUploader(t, &scriptedTransport{steps: tc.steps}, false)
			_, err := u.Upload(context.Background(), arena.Attachment{Name: "a.png", MIME: "image/png", Data: []byte("x")})
			require.Error(t, err)

			var upErr *arena.UploadError
			require.ErrorAs(t, err, &upErr)
			assert.Equal(t, tc.phase, upErr.Phase)
			assert.Equal(t, "a.png", upErr.Filename)
			assert.ErrorIs(t, err, boom)
		})
	}
}

func TestUploadRejectsFailedActionResult(t *testing.T) {
	transport := &scriptedTransport{steps: []func(netgate.Request) ([]byte, error){
		func(netgate.Request) ([]byte, error) {
			return []byte("1:{\"success\":false,\"error\":\"quota\"}\n"), nil
		},
	}}
	u := newTestUploader(t, transport, false)

	_, err := u.Upload(context.Background(), arena.Attachment{Name: "a.png", MIME: "image/png", Data: []byte("x")})
	require.Error(t, err)
	var upErr *arena.UploadError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, arena.UploadPhaseSlot, upErr.Phase)
}

func TestUploadContentCache(t *testing.T) {
	transport := &scriptedTransport{steps: []func(netgate.Request) ([]byte, error){
		slotResponse("https://s/put", "uploads/k"),
		okTransfer,
		signResponse("https://s/signed"),
	}}
	u := newTestUploader(t, transport, true)

	data := []byte("identical-bytes")
	first, err := u.Upload(context.Background(), arena.Attachment{Name: "a.png", MIME: "image/png", Data: data})
	require.NoError(t, err)

	second, err := u.Upload(context.Background(), arena.Attachment{Name: "b.png", MIME: "image/png", Data: data})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, transport.reqs, 3, "identical bytes must not transfer twice")
}

func TestUploadAllAbortsOnFirstFailure(t *testing.T) {
	transport := &scriptedTransport{steps: []func(netgate.Request) ([]byte, error){
		func(netgate.Request) ([]byte, error) { return nil, fmt.Errorf("down") },
	}}
	u := newTestUploader(t, transport, false)

	refs, err := u.UploadAll(context.Background(), []arena.Attachment{
		{Name: "a.png", MIME: "image/png", Data: []byte("one")},
		{Name: "b.png", MIME: "image/png", Data: []byte("two")},
	})
	require.Error(t, err)
	assert.Nil(t, refs)
	assert.Len(t, transport.reqs, 1, "later attachments must not be attempted")
}

func TestNormalizeFillsNameAndMIME(t *testing.T) {
	att := normalize(arena.Attachment{Data: []byte("\x89PNG\r\n\x1a\nrest")}, 0)
	assert.Equal(t, "image/png", att.MIME)
	assert.NotEmpty(t, att.Name)
	assert.Contains(t, att.Name, ".")
}
