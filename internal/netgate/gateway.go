// internal/netgate/gateway.go

// Package netgate is the single outbound HTTP chokepoint. Every request the
// bridge makes to the arena origin (chat turns, bundle fetches, uploads) goes
// through the Gateway, which injects browser-derived headers and cookies,
// paces politely, decodes compressed bodies, and classifies failures into the
// typed taxonomy.
package netgate

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/andybalholm/brotli"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/arena-bridge/internal/arena"
	"github.com/xkilldash9x/arena-bridge/internal/config"
)

// Transport tuning. Connection pool sized for one origin with a handful of
// concurrent conversations.
const (
	defaultDialTimeout           = 10 * time.Second
	defaultKeepAliveInterval     = 30 * time.Second
	defaultTLSHandshakeTimeout   = 10 * time.Second
	defaultResponseHeaderTimeout = 60 * time.Second
	defaultMaxIdleConns          = 20
	defaultMaxIdleConnsPerHost   = 10
	defaultIdleConnTimeout       = 90 * time.Second
)

// Request describes one outbound exchange. Headers and Cookies come from the
// SessionDriver's snapshot; per-request values override snapshot values.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Cookies map[string]string
	Body    []byte

	// Timeout overrides the gateway default for this call. Streaming chat
	// turns use the longer stream timeout; uploads longer still.
	Timeout time.Duration
}

// Response wraps the wire response with a body reader that transparently
// decodes gzip and brotli content encodings. The caller owns closing Body.
type Response struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
}

// Gateway issues classified HTTP exchanges. Safe for concurrent use.
type Gateway struct {
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
	cfg     config.NetworkConfig
}

// New builds the gateway with a tuned transport.
func New(cfg config.NetworkConfig, logger *zap.Logger) *Gateway {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   defaultDialTimeout,
			KeepAlive: defaultKeepAliveInterval,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			ClientSessionCache: tls.NewLRUClientSessionCache(64),
		},
		TLSHandshakeTimeout:   defaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: defaultResponseHeaderTimeout,
		MaxIdleConns:          defaultMaxIdleConns,
		MaxIdleConnsPerHost:   defaultMaxIdleConnsPerHost,
		IdleConnTimeout:       defaultIdleConnTimeout,
		ForceAttemptHTTP2:     cfg.ForceHTTP2,
		// We advertise accept-encoding ourselves (the browser headers carry
		// it), so the transport must not double-handle decompression.
		DisableCompression: true,
	}

	if cfg.ForceHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			logger.Warn("Failed to configure HTTP/2 transport, falling back to HTTP/1.1", zap.Error(err))
		}
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Gateway{
		client: &http.Client{
			Transport: transport,
			// Redirects off the origin are never followed blindly; a redirect
			// to a challenge page must surface as such.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		limiter: limiter,
		logger:  logger.Named("netgate"),
		cfg:     cfg,
	}
}

// Do issues the request and classifies any failure. A non-2xx status is
// consumed here and returned as a typed error; on success the caller receives
// the open (decoded) body.
func (g *Gateway) Do(ctx context.Context, req Request) (*Response, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, &arena.TransientError{Op: opName(req), Err: err}
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = g.cfg.RequestTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)

	httpReq, err := http.NewRequestWithContext(reqCtx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("building request for %s: %w", req.URL, err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	for name, value := range req.Cookies {
		httpReq.AddCookie(&http.Cookie{Name: name, Value: value})
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		cancel()
		// Connection-level failures are retryable by contract.
		return nil, &arena.TransientError{Op: opName(req), Err: err}
	}

	body := &cancelReadCloser{rc: resp.Body, cancel: cancel}
	decoded, err := decodeBody(body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		body.Close()
		return nil, &arena.TransientError{Op: opName(req), Err: fmt.Errorf("decoding response body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer decoded.Close()
		snippet := readBodySnippet(decoded)
		classified := Classify(resp.StatusCode, snippet, req.URL)
		g.logger.Warn("Outbound request failed",
			zap.String("url", req.URL),
			zap.Int("status", resp.StatusCode),
			zap.String("kind", arena.Kind(classified)),
		)
		return nil, classified
	}

	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: decoded}, nil
}

// ReadAll is a convenience for non-streaming exchanges: issue, drain, close.
func (g *Gateway) ReadAll(ctx context.Context, req Request) ([]byte, error) {
	resp, err := g.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &arena.TransientError{Op: opName(req), Err: err}
	}
	return data, nil
}

func opName(req Request) string {
	return fmt.Sprintf("%s %s", req.Method, req.URL)
}

// maxErrorBodyBytes bounds how much of a failing response we keep for
// classification and diagnostics.
const maxErrorBodyBytes = 64 << 10

func readBodySnippet(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, maxErrorBodyBytes))
	if err != nil {
		return ""
	}
	return string(data)
}

// decodeBody wraps the raw body according to Content-Encoding. The transport's
// automatic decompression is disabled because we send accept-encoding headers
// captured from the live browser.
func decodeBody(rc io.ReadCloser, encoding string) (io.ReadCloser, error) {
	switch encoding {
	case "", "identity":
		return rc, nil
	case "gzip":
		gz, err := gzip.NewReader(rc)
		if err != nil {
			return nil, err
		}
		return &wrappedReadCloser{Reader: gz, closer: rc}, nil
	case "br":
		return &wrappedReadCloser{Reader: brotli.NewReader(rc), closer: rc}, nil
	default:
		// Unknown encodings pass through untouched; the parser will reject
		// garbage with a typed stream error.
		return rc, nil
	}
}

type wrappedReadCloser struct {
	io.Reader
	closer io.Closer
}

func (w *wrappedReadCloser) Close() error { return w.closer.Close() }

// cancelReadCloser ties a request-scoped context cancel to body closure so
// long-lived streaming bodies do not leak timers.
type cancelReadCloser struct {
	rc     io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Read(p []byte) (int, error) { return c.rc.Read(p) }

func (c *cancelReadCloser) Close() error {
	c.cancel()
	return c.rc.Close()
}
