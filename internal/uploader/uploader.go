// internal/uploader/uploader.go

// Package uploader moves attachment bytes to the arena's storage through its
// three-phase server-action protocol: acquire a short-lived direct-upload
// slot, PUT the bytes, then confirm and obtain a durable signed URL. Each
// phase failure is tagged so callers can tell slot, transfer and signing
// problems apart.
package uploader

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"mime"
	"net/http"
	"strings"

	jsoniter "github.com/json-iterator/go"
	gocache "github.com/patrickmn/go-cache"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/xkilldash9x/arena-bridge/internal/arena"
	"github.com/xkilldash9x/arena-bridge/internal/browser"
	"github.com/xkilldash9x/arena-bridge/internal/config"
	"github.com/xkilldash9x/arena-bridge/internal/netgate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ActionResolver resolves logical operation names to remote identifiers.
type ActionResolver interface {
	ResolveAction(ctx context.Context, name string) (string, error)
}

// CredentialSource supplies the browser's cookie/header snapshot.
type CredentialSource interface {
	Snapshot(ctx context.Context) (browser.Snapshot, error)
}

// Transport is the slice of the gateway the uploader uses.
type Transport interface {
	ReadAll(ctx context.Context, req netgate.Request) ([]byte, error)
}

// Uploader performs attachment transfers. An optional content-addressed cache
// (md5 of the bytes) skips re-uploading identical payloads within the TTL.
type Uploader struct {
	transport Transport
	actions   ActionResolver
	creds     CredentialSource
	logger    *zap.Logger

	origin        string
	imagePath     string
	uploadTimeout config.NetworkConfig

	cache *gocache.Cache
}

// New builds the uploader. The cache is nil when disabled in config.
func New(cfg *config.Config, transport Transport, actions ActionResolver, creds CredentialSource, logger *zap.Logger) *Uploader {
	u := &Uploader{
		transport:     transport,
		actions:       actions,
		creds:         creds,
		logger:        logger.Named("uploader"),
		origin:        strings.TrimRight(cfg.Arena.Origin, "/"),
		imagePath:     cfg.Arena.ImagePath,
		uploadTimeout: cfg.Network,
	}
	if cfg.Arena.UploadCache {
		u.cache = gocache.New(cfg.Arena.UploadCacheTTL, cfg.Arena.UploadCacheTTL)
	}
	return u
}

// UploadAll transfers every attachment in order. The first failure aborts the
// batch; the caller must not issue the chat request after a failed batch.
func (u *Uploader) UploadAll(ctx context.Context, atts []arena.Attachment) ([]arena.FileRef, error) {
	if len(atts) == 0 {
		return nil, nil
	}
	refs := make([]arena.FileRef, 0, len(atts))
	for i, att := range atts {
		ref, err := u.Upload(ctx, normalize(att, i))
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// normalize fills in missing name and MIME type. Content sniffing beats a
// wrong extension; a synthesized name keeps the remote side happy.
func normalize(att arena.Attachment, idx int) arena.Attachment {
	if att.MIME == "" {
		att.MIME = http.DetectContentType(att.Data)
	}
	if att.Name == "" {
		ext := ".bin"
		if exts, err := mime.ExtensionsByType(att.MIME); err == nil && len(exts) > 0 {
			ext = exts[0]
		}
		att.Name = fmt.Sprintf("file-%d%s", idx, ext)
	} else if !strings.Contains(att.Name, ".") {
		if exts, err := mime.ExtensionsByType(att.MIME); err == nil && len(exts) > 0 {
			att.Name += exts[0]
		}
	}
	return att
}

// Upload runs the three-phase protocol for one attachment.
func (u *Uploader) Upload(ctx context.Context, att arena.Attachment) (arena.FileRef, error) {
	var cacheKey string
	if u.cache != nil {
		sum := md5.Sum(att.Data)
		cacheKey = hex.EncodeToString(sum[:])
		if hit, ok := u.cache.Get(cacheKey); ok {
			u.logger.Debug("Upload served from content cache.", zap.String("name", att.Name))
			return hit.(arena.FileRef), nil
		}
	}

	ticket, err := u.requestSlot(ctx, att)
	if err != nil {
		return arena.FileRef{}, err
	}

	if err := u.putBytes(ctx, ticket, att); err != nil {
		return arena.FileRef{}, err
	}

	ref, err := u.confirmAndSign(ctx, ticket, att)
	if err != nil {
		return arena.FileRef{}, err
	}

	if u.cache != nil {
		u.cache.SetDefault(cacheKey, ref)
	}
	u.logger.Info("Attachment uploaded.", zap.String("name", att.Name), zap.String("ref", ticket.RawRef))
	return ref, nil
}

// actionHeaders builds the text/x-component server-action headers.
func (u *Uploader) actionHeaders(snap browser.Snapshot, actionID string) map[string]string {
	headers := make(map[string]string, len(snap.Headers)+4)
	for k, v := range snap.Headers {
		headers[k] = v
	}
	headers["accept"] = "text/x-component"
	headers["content-type"] = "text/plain;charset=UTF-8"
	headers["next-action"] = actionID
	headers["referer"] = u.origin + u.imagePath
	return headers
}

// parseActionResult extracts the JSON payload from the "1:" line of a server
// action response.
func parseActionResult(body []byte) (gjson.Result, error) {
	for _, line := range strings.Split(string(body), "\n") {
		if !strings.HasPrefix(line, "1:") {
			continue
		}
		result := gjson.Parse(line[2:])
		if !result.Get("success").Bool() {
			return gjson.Result{}, fmt.Errorf("action reported failure: %s", line[2:])
		}
		return result.Get("data"), nil
	}
	return gjson.Result{}, fmt.Errorf("no result line in action response")
}

// requestSlot is phase one: obtain the short-lived direct-upload URL.
func (u *Uploader) requestSlot(ctx context.Context, att arena.Attachment) (arena.UploadTicket, error) {
	fail := func(err error) (arena.UploadTicket, error) {
		return arena.UploadTicket{}, &arena.UploadError{Phase: arena.UploadPhaseSlot, Filename: att.Name, Err: err}
	}

	actionID, err := u.actions.ResolveAction(ctx, arena.ActionGenerateUploadURL)
	if err != nil {
		return fail(err)
	}
	snap, err := u.creds.Snapshot(ctx)
	if err != nil {
		return fail(err)
	}

	payload, err := json.Marshal([]string{att.Name, att.MIME})
	if err != nil {
		return fail(err)
	}

	body, err := u.transport.ReadAll(ctx, netgate.Request{
		Method:  http.MethodPost,
		URL:     u.origin + u.imagePath,
		Headers: u.actionHeaders(snap, actionID),
		Cookies: snap.Cookies,
		Body:    payload,
		Timeout: u.uploadTimeout.UploadTimeout,
	})
	if err != nil {
		return fail(err)
	}

	data, err := parseActionResult(body)
	if err != nil {
		return fail(err)
	}
	uploadURL := data.Get("uploadUrl").String()
	key := data.Get("key").String()
	if uploadURL == "" || key == "" {
		return fail(fmt.Errorf("slot response missing uploadUrl or key"))
	}

	return arena.UploadTicket{
		UploadURL:       uploadURL,
		RawRef:          key,
		TransferHeaders: map[string]string{"content-type": att.MIME},
	}, nil
}

// putBytes is phase two: the direct transfer. Never auto-retried; the slot is
// single-use and a replay could double-commit.
func (u *Uploader) putBytes(ctx context.Context, ticket arena.UploadTicket, att arena.Attachment) error {
	_, err := u.transport.ReadAll(ctx, netgate.Request{
		Method:  http.MethodPut,
		URL:     ticket.UploadURL,
		Headers: ticket.TransferHeaders,
		Body:    att.Data,
		Timeout: u.uploadTimeout.UploadTimeout,
	})
	if err != nil {
		return &arena.UploadError{Phase: arena.UploadPhaseTransfer, Filename: att.Name, Err: err}
	}
	return nil
}

// confirmAndSign is phase three: exchange the raw ref for a durable signed URL.
func (u *Uploader) confirmAndSign(ctx context.Context, ticket arena.UploadTicket, att arena.Attachment) (arena.FileRef, error) {
	fail := func(err error) (arena.FileRef, error) {
		return arena.FileRef{}, &arena.UploadError{Phase: arena.UploadPhaseSign, Filename: att.Name, Err: err}
	}

	actionID, err := u.actions.ResolveAction(ctx, arena.ActionGetSignedURL)
	if err != nil {
		return fail(err)
	}
	snap, err := u.creds.Snapshot(ctx)
	if err != nil {
		return fail(err)
	}

	payload, err := json.Marshal([]string{ticket.RawRef})
	if err != nil {
		return fail(err)
	}

	body, err := u.transport.ReadAll(ctx, netgate.Request{
		Method:  http.MethodPost,
		URL:     u.origin + u.imagePath,
		Headers: u.actionHeaders(snap, actionID),
		Cookies: snap.Cookies,
		Body:    payload,
		Timeout: u.uploadTimeout.UploadTimeout,
	})
	if err != nil {
		return fail(err)
	}

	data, err := parseActionResult(body)
	if err != nil {
		return fail(err)
	}
	signedURL := data.Get("url").String()
	if signedURL == "" {
		return fail(fmt.Errorf("sign response missing url"))
	}

	return arena.FileRef{Name: ticket.RawRef, ContentType: att.MIME, URL: signedURL}, nil
}
