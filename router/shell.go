package router

import (
	"context"
	"net/http"
	"strings"
)

// shellAssets is the fixed application shell precached on install: the
// entry page, manifest, offline fallback page and icons.
var shellAssets = []string{
	"/",
	"/manifest.json",
	"/offline.html",
	"/icons/icon-192.png",
	"/icons/icon-512.png",
}

// Precache installs the application shell. A single unreachable asset does
// not fail installation; it is logged and skipped.
func (rt *Router) Precache(ctx context.Context) {
	var cached int
	for _, asset := range shellAssets {
		resp, err := rt.upstream.Fetch(ctx, asset)
		if err != nil {
			rt.logger.Warn("shell asset unreachable, skipping", "asset", asset, "error", err)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			rt.logger.Warn("shell asset not cacheable", "asset", asset, "status", resp.StatusCode)
			_ = resp.Body.Close()
			continue
		}

		_, encoded, err := encodeResponse(resp)
		_ = resp.Body.Close()
		if err != nil {
			rt.logger.Warn("shell asset read failed", "asset", asset, "error", err)
			continue
		}

		if err := rt.store.PutCached(ctx, nsStatic, rt.staticKey(asset), encoded, staticTTL); err != nil {
			rt.logger.Warn("shell asset cache write failed", "asset", asset, "error", err)
			continue
		}
		cached++
	}

	rt.logger.Info("shell precache complete", "cached", cached, "total", len(shellAssets), "version", rt.version)
}

// Activate removes static cache entries written under a previous version
// tag. A version bump is the only cache-busting mechanism for the static
// cache; there is no partial invalidation.
func (rt *Router) Activate(ctx context.Context) error {
	keys, err := rt.store.ListCachedKeys(ctx, nsStatic)
	if err != nil {
		return err
	}

	currentPrefix := rt.version + "/"
	var removed int
	for _, key := range keys {
		if strings.HasPrefix(key, currentPrefix) {
			continue
		}
		if err := rt.store.DeleteCached(ctx, nsStatic, key); err != nil {
			rt.logger.Warn("stale cache entry delete failed", "key", key, "error", err)
			continue
		}
		removed++
	}

	rt.logger.Info("activated cache version", "version", rt.version, "removed", removed)
	return nil
}
