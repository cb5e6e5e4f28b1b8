// Package router implements the request-intercepting cache router. It
// decides, per outbound request, whether to serve from the local store, the
// network, or a blended strategy, so callers never need to know whether the
// device is online.
package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wolfeidau/fieldsync/store/syncdb"
	"github.com/wolfeidau/fieldsync/telemetry"
)

// Cache namespaces inside the durable store. The version tag is part of the
// static key so a version bump orphans the previous static cache.
const (
	nsStatic = "static"
	nsPage   = "page"
	nsAPI    = "api"
)

// TTLs per namespace. Static assets live until a version bump; the nominal
// TTL just keeps the expiry index populated.
const (
	staticTTL = 365 * 24 * time.Hour
	pageTTL   = 24 * time.Hour
	apiTTL    = 2 * time.Hour

	// revalidateTimeout bounds background cache refreshes.
	revalidateTimeout = 2 * time.Minute
)

// Router intercepts every outbound request and applies one of the four
// caching strategies. It shares no in-memory state with the sync scheduler;
// the durable store is the only bridge between them.
type Router struct {
	store    syncdb.Store
	upstream *Upstream
	logger   *slog.Logger
	version  string

	// Background refresh lifecycle
	group  singleflight.Group
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger for the router.
func WithLogger(logger *slog.Logger) Option {
	return func(rt *Router) {
		rt.logger = logger
	}
}

// WithVersion sets the cache version tag. Bumping it is the only supported
// cache-busting mechanism for the static cache.
func WithVersion(version string) Option {
	return func(rt *Router) {
		rt.version = version
	}
}

// New creates a cache router backed by the durable store.
func New(store syncdb.Store, upstream *Upstream, opts ...Option) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	rt := &Router{
		store:    store,
		upstream: upstream,
		logger:   slog.Default(),
		version:  "v1",
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Close stops background refreshes and waits for them to finish.
func (rt *Router) Close() {
	rt.cancel()
	rt.wg.Wait()
}

// ServeHTTP implements http.Handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	strategy := Classify(r)
	telemetry.SetStrategy(r, string(strategy))

	switch strategy {
	case StrategyBypass:
		rt.serveBypass(w, r)
	case StrategyCacheFirst:
		rt.serveCacheFirst(w, r)
	case StrategyNetworkFirst:
		rt.serveNetworkFirst(w, r)
	case StrategyReadThrough:
		rt.serveReadThrough(w, r)
	default:
		rt.servePassThrough(w, r)
	}
}

// serveBypass forwards directly to the origin with credentials and no
// caching. Excluded endpoints must never be cached.
func (rt *Router) serveBypass(w http.ResponseWriter, r *http.Request) {
	telemetry.SetCacheResult(r, telemetry.CacheBypass)

	resp, err := rt.upstream.Forward(r.Context(), r)
	if err != nil {
		rt.logger.Warn("bypass forward failed", "path", r.URL.Path, "error", err)
		writeTypedError(w, http.StatusServiceUnavailable, "origin unreachable")
		return
	}
	defer func() { _ = resp.Body.Close() }()
	copyResponse(w, resp)
}

func (rt *Router) servePassThrough(w http.ResponseWriter, r *http.Request) {
	rt.serveBypass(w, r)
}

// serveCacheFirst serves static assets from cache, fetching and storing on
// miss. A cache read failure counts as a miss.
func (rt *Router) serveCacheFirst(w http.ResponseWriter, r *http.Request) {
	key := rt.staticKey(r.URL.Path)

	data, err := rt.store.GetCached(r.Context(), nsStatic, key)
	if err == nil {
		if cached, decErr := decodeResponse(data); decErr == nil {
			telemetry.SetCacheResult(r, telemetry.CacheHit)
			cached.write(w)
			return
		}
	} else if !errors.Is(err, syncdb.ErrNotFound) {
		rt.logger.Warn("static cache read failed", "key", key, "error", err)
	}

	telemetry.SetCacheResult(r, telemetry.CacheMiss)
	resp, err := rt.upstream.Forward(r.Context(), r)
	if err != nil {
		telemetry.SetCacheResult(r, telemetry.CacheFallback)
		if isImagePath(r.URL.Path) {
			writePlaceholderImage(w)
			return
		}
		writeTypedError(w, http.StatusNotFound, "asset unavailable offline")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		copyResponse(w, resp)
		return
	}

	cached, encoded, err := encodeResponse(resp)
	if err != nil {
		rt.logger.Warn("static response not cacheable", "path", r.URL.Path, "error", err)
		writeTypedError(w, http.StatusBadGateway, "asset read failed")
		return
	}
	if err := rt.store.PutCached(r.Context(), nsStatic, key, encoded, staticTTL); err != nil {
		rt.logger.Warn("static cache write failed", "key", key, "error", err)
	}
	cached.write(w)
}

// serveNetworkFirst tries the origin for document requests, caching 200
// responses, and falls back to the cached page or the offline page.
func (rt *Router) serveNetworkFirst(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Path

	resp, err := rt.upstream.Forward(r.Context(), r)
	if err == nil {
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			telemetry.SetCacheResult(r, telemetry.CacheMiss)
			copyResponse(w, resp)
			return
		}

		cached, encoded, encErr := encodeResponse(resp)
		if encErr != nil {
			rt.logger.Warn("page response not cacheable", "path", key, "error", encErr)
			writeTypedError(w, http.StatusBadGateway, "page read failed")
			return
		}
		if err := rt.store.PutCached(r.Context(), nsPage, key, encoded, pageTTL); err != nil {
			rt.logger.Warn("page cache write failed", "key", key, "error", err)
		}
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
		cached.write(w)
		return
	}

	telemetry.SetCacheResult(r, telemetry.CacheFallback)
	data, cacheErr := rt.store.GetCached(r.Context(), nsPage, key)
	if cacheErr == nil {
		if cached, decErr := decodeResponse(data); decErr == nil {
			cached.write(w)
			return
		}
	}
	writeOfflinePage(w)
}

// serveReadThrough serves cached API reads immediately while refreshing the
// cache in the background (stale-while-revalidate). On a miss it falls back
// to a synchronous fetch.
func (rt *Router) serveReadThrough(w http.ResponseWriter, r *http.Request) {
	key := apiKey(r)

	data, err := rt.store.GetCached(r.Context(), nsAPI, key)
	if err == nil {
		if cached, decErr := decodeResponse(data); decErr == nil {
			telemetry.SetCacheResult(r, telemetry.CacheRevalidate)
			cached.write(w)
			rt.revalidate(key)
			return
		}
		rt.logger.Warn("discarding malformed cached response", "key", key)
	} else if !errors.Is(err, syncdb.ErrNotFound) {
		// Corrupted or unreadable rows are equivalent to a miss.
		rt.logger.Warn("api cache read failed", "key", key, "error", err)
	}

	telemetry.SetCacheResult(r, telemetry.CacheMiss)
	resp, err := rt.upstream.Forward(r.Context(), r)
	if err != nil {
		telemetry.SetCacheResult(r, telemetry.CacheFallback)
		writeTypedError(w, http.StatusServiceUnavailable, "data unavailable offline")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		copyResponse(w, resp)
		return
	}

	cached, encoded, err := encodeResponse(resp)
	if err != nil {
		rt.logger.Warn("api response not cacheable", "path", r.URL.Path, "error", err)
		writeTypedError(w, http.StatusBadGateway, "response read failed")
		return
	}
	if err := rt.store.PutCached(r.Context(), nsAPI, key, encoded, apiTTL); err != nil {
		rt.logger.Warn("api cache write failed", "key", key, "error", err)
	}
	cached.write(w)
}

// revalidate refreshes one API cache entry in the background. Concurrent
// refreshes for the same key are deduplicated with singleflight so a burst
// of reads causes one origin fetch.
func (rt *Router) revalidate(key string) {
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		_, _, _ = rt.group.Do(key, func() (any, error) {
			ctx, cancel := context.WithTimeout(rt.ctx, revalidateTimeout)
			defer cancel()

			resp, err := rt.upstream.Fetch(ctx, key)
			if err != nil {
				rt.logger.Debug("background refresh failed", "key", key, "error", err)
				return nil, nil
			}
			defer func() { _ = resp.Body.Close() }()

			if resp.StatusCode != http.StatusOK {
				return nil, nil
			}

			_, encoded, err := encodeResponse(resp)
			if err != nil {
				rt.logger.Debug("background refresh not cacheable", "key", key, "error", err)
				return nil, nil
			}
			if err := rt.store.PutCached(ctx, nsAPI, key, encoded, apiTTL); err != nil {
				rt.logger.Warn("background refresh write failed", "key", key, "error", err)
			}
			return nil, nil
		})
	}()
}

func (rt *Router) staticKey(path string) string {
	return rt.version + "/" + path
}

// apiKey includes the query string so differently parameterised reads cache
// independently.
func apiKey(r *http.Request) string {
	if r.URL.RawQuery != "" {
		return r.URL.Path + "?" + r.URL.RawQuery
	}
	return r.URL.Path
}

// copyResponse streams an origin response to the client unchanged.
func copyResponse(w http.ResponseWriter, resp *http.Response) {
	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}
