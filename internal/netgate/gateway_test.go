// File: internal/netgate/gateway_test.go
package netgate

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/arena-bridge/internal/arena"
	"github.com/xkilldash9x/arena-bridge/internal/config"
)

func testGateway(t *testing.T) *Gateway {
	t.Helper()
	cfg := config.Default().Network
	cfg.ForceHTTP2 = false
	cfg.RequestTimeout = 5 * time.Second
	return New(cfg, zap.NewNop())
}

func TestDoInjectsHeadersAndCookies(t *testing.T) {
	var gotUA, gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		if c, err := r.Cookie("arena-auth-prod.0"); err == nil {
			gotCookie = c.Value
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	g := testGateway(t)
	data, err := g.ReadAll(context.Background(), Request{
		Method:  http.MethodGet,
		URL:     srv.URL,
		Headers: map[string]string{"user-agent": "Mozilla/5.0 (test)"},
		Cookies: map[string]string{"arena-auth-prod.0": "token-value"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
	assert.Equal(t, "Mozilla/5.0 (test)", gotUA)
	assert.Equal(t, "token-value", gotCookie)
}

func TestDoDecodesGzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		_, _ = gz.Write([]byte("compressed payload"))
		_ = gz.Close()
	}))
	defer srv.Close()

	g := testGateway(t)
	data, err := g.ReadAll(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "compressed payload", string(data))
}

func TestDoDecodesBrotli(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "br")
		bw := brotli.NewWriter(w)
		_, _ = bw.Write([]byte("brotli payload"))
		_ = bw.Close()
	}))
	defer srv.Close()

	g := testGateway(t)
	data, err := g.ReadAll(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "brotli payload", string(data))
}

func TestDoClassifiesNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("Just a moment..."))
	}))
	defer srv.Close()

	g := testGateway(t)
	_, err := g.Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	require.Error(t, err)
	assert.Equal(t, "cloudflare", arena.Kind(err))
}

func TestDoConnectionFailureIsTransient(t *testing.T) {
	// A closed server guarantees a connection-level failure.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	g := testGateway(t)
	_, err := g.Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	require.Error(t, err)
	assert.Equal(t, "transient", arena.Kind(err))
	assert.True(t, arena.Retryable(err))
}

func TestDoDoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	g := testGateway(t)
	_, err := g.Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	// 302 is outside 2xx, so it must surface as a typed error, not be chased.
	require.Error(t, err)
	assert.Equal(t, "http", arena.Kind(err))
}

func TestDoStreamingBodyStaysOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f := w.(http.Flusher)
		_, _ = io.WriteString(w, "a0:\"first\"\n")
		f.Flush()
		_, _ = io.WriteString(w, "a0:\"second\"\n")
	}))
	defer srv.Close()

	g := testGateway(t)
	resp, err := g.Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "a0:\"first\"\na0:\"second\"\n", string(data))
}
