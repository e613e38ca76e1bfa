// internal/discovery/service.go

// Package discovery keeps the bridge's picture of the remote site current:
// which models exist and which opaque server-action identifiers invoke the
// operations the bridge needs. The site redeploys its client bundle at will,
// so everything here is a cache with a staleness window, refreshed wholesale
// and guarded by single-flight.
package discovery

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xkilldash9x/arena-bridge/internal/arena"
	"github.com/xkilldash9x/arena-bridge/internal/browser"
	"github.com/xkilldash9x/arena-bridge/internal/config"
	"github.com/xkilldash9x/arena-bridge/internal/netgate"
)

// PageSource is the slice of the browser driver discovery needs: rendered
// markup plus the credential snapshot for bundle fetches.
type PageSource interface {
	PageHTML(ctx context.Context) (string, error)
	Snapshot(ctx context.Context) (browser.Snapshot, error)
}

// BundleFetcher fetches referenced script bundles through the outbound
// chokepoint.
type BundleFetcher interface {
	ReadAll(ctx context.Context, req netgate.Request) ([]byte, error)
}

// Service owns the model catalog and action registry. Reads are cheap
// snapshot copies; mutation happens only inside refresh.
type Service struct {
	source  PageSource
	fetcher BundleFetcher
	logger  *zap.Logger
	origin  string
	ttl     time.Duration

	mu        sync.RWMutex
	catalog   arena.Catalog
	actions   map[string]string
	actionsAt time.Time

	sf singleflight.Group
}

// wantedActions is the set of logical operation names the bridge resolves.
var wantedActions = map[string]bool{
	arena.ActionGenerateUploadURL: true,
	arena.ActionGetSignedURL:      true,
}

// New builds the discovery service.
func New(cfg *config.Config, source PageSource, fetcher BundleFetcher, logger *zap.Logger) *Service {
	s := &Service{
		source:  source,
		fetcher: fetcher,
		logger:  logger.Named("discovery"),
		origin:  strings.TrimRight(cfg.Arena.Origin, "/"),
		ttl:     cfg.Arena.DiscoveryTTL,
		actions: make(map[string]string),
	}
	return s
}

// Refresh rebuilds catalog and action registry from the live site. Concurrent
// callers share one in-flight refresh.
func (s *Service) Refresh(ctx context.Context) error {
	_, err, _ := s.sf.Do("refresh", func() (interface{}, error) {
		return nil, s.refresh(ctx)
	})
	return err
}

func (s *Service) refresh(ctx context.Context) error {
	started := time.Now()

	html, err := s.source.PageHTML(ctx)
	if err != nil {
		return &arena.DiscoveryError{Marker: "rendered page", Err: err}
	}

	models := parseCatalog(html)
	if len(models) == 0 {
		return &arena.DiscoveryError{Marker: "initialModels"}
	}

	actions, err := s.discoverActions(ctx, html)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.catalog = arena.Catalog{Models: models, FetchedAt: time.Now()}
	s.actions = actions
	s.actionsAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("Surface refreshed.",
		zap.Int("models", len(models)),
		zap.Int("actions", len(actions)),
		zap.Duration("took", time.Since(started)),
	)
	return nil
}

// discoverActions locates the evaluation bundle via the flight import map,
// fetches candidates through the gateway, and scans them for action ids.
func (s *Service) discoverActions(ctx context.Context, html string) (map[string]string, error) {
	paths := bundlePaths(html)
	if len(paths) == 0 {
		return nil, &arena.DiscoveryError{Marker: "evaluation bundle import map"}
	}

	snap, err := s.source.Snapshot(ctx)
	if err != nil {
		return nil, &arena.DiscoveryError{Marker: "credential snapshot", Err: err}
	}

	found := make(map[string]string)
	for _, path := range paths {
		bundleURL := s.origin + "/_next/" + path
		body, err := s.fetcher.ReadAll(ctx, netgate.Request{
			Method:  http.MethodGet,
			URL:     bundleURL,
			Headers: snap.Headers,
			Cookies: snap.Cookies,
		})
		if err != nil {
			s.logger.Debug("Bundle fetch failed, trying next candidate.",
				zap.String("url", bundleURL), zap.Error(err))
			continue
		}

		text := string(body)
		if !strings.Contains(text, arena.ActionGenerateUploadURL) {
			continue
		}
		for name, id := range scanActionIDs(text, wantedActions) {
			found[name] = id
		}
		if len(found) == len(wantedActions) {
			return found, nil
		}
	}

	for name := range wantedActions {
		if found[name] == "" {
			return nil, &arena.DiscoveryError{Marker: fmt.Sprintf("action id %q", name)}
		}
	}
	return found, nil
}

func (s *Service) snapshot() (arena.Catalog, map[string]string, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	actions := make(map[string]string, len(s.actions))
	for k, v := range s.actions {
		actions[k] = v
	}
	models := make([]arena.Model, len(s.catalog.Models))
	copy(models, s.catalog.Models)
	return arena.Catalog{Models: models, FetchedAt: s.catalog.FetchedAt}, actions, s.actionsAt
}

func (s *Service) stale(fetchedAt time.Time) bool {
	return fetchedAt.IsZero() || time.Since(fetchedAt) > s.ttl
}

// ListModels returns the cached catalog, refreshing first when it is empty,
// past the staleness window, or the caller forces it.
func (s *Service) ListModels(ctx context.Context, force bool) (arena.Catalog, error) {
	catalog, _, _ := s.snapshot()
	if force || len(catalog.Models) == 0 || s.stale(catalog.FetchedAt) {
		if err := s.Refresh(ctx); err != nil {
			return arena.Catalog{}, err
		}
		catalog, _, _ = s.snapshot()
	}
	return catalog, nil
}

// ResolveAction returns the remote identifier for a logical operation name,
// refreshing once on a miss before failing.
func (s *Service) ResolveAction(ctx context.Context, name string) (string, error) {
	_, actions, fetchedAt := s.snapshot()
	if id := actions[name]; id != "" && !s.stale(fetchedAt) {
		return id, nil
	}

	if err := s.Refresh(ctx); err != nil {
		return "", err
	}

	_, actions, _ = s.snapshot()
	if id := actions[name]; id != "" {
		return id, nil
	}
	return "", &arena.DiscoveryError{Marker: fmt.Sprintf("action id %q", name)}
}

// ResolveModel maps a public model name to its catalog entry, refreshing once
// on a miss before failing.
func (s *Service) ResolveModel(ctx context.Context, publicName string) (arena.Model, error) {
	catalog, err := s.ListModels(ctx, false)
	if err != nil {
		return arena.Model{}, err
	}
	if m, ok := catalog.Lookup(publicName); ok {
		return m, nil
	}

	if err := s.Refresh(ctx); err != nil {
		return arena.Model{}, err
	}
	catalog, _, _ = s.snapshot()
	if m, ok := catalog.Lookup(publicName); ok {
		return m, nil
	}
	return arena.Model{}, &arena.DiscoveryError{Marker: fmt.Sprintf("model %q", publicName)}
}

// Invalidate drops both caches so the next access refreshes. Injectable reset
// for callers that detect a redeploy mid-flight.
func (s *Service) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalog = arena.Catalog{}
	s.actions = make(map[string]string)
	s.actionsAt = time.Time{}
}
