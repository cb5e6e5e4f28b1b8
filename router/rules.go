package router

import (
	"net/http"
	"path"
	"strings"
)

// Strategy is the data-source decision for one outbound request.
type Strategy string

const (
	// StrategyBypass forwards directly to the network with credentials and
	// no caching. Applied to auth/session endpoints and dev tooling.
	StrategyBypass Strategy = "bypass"

	// StrategyCacheFirst serves static assets from cache, fetching and
	// storing on miss.
	StrategyCacheFirst Strategy = "cache_first"

	// StrategyNetworkFirst tries the network for document requests and
	// falls back to cache or the offline page.
	StrategyNetworkFirst Strategy = "network_first"

	// StrategyReadThrough serves cached API reads immediately while
	// refreshing the cache in the background.
	StrategyReadThrough Strategy = "read_through"

	// StrategyPassThrough proxies anything unclassified without caching.
	StrategyPassThrough Strategy = "pass_through"
)

// excludedPrefixes are never cached: auth/session endpoints and platform
// dev-tooling paths.
var excludedPrefixes = []string{
	"/auth/",
	"/login",
	"/logout",
	"/session/",
	"/oauth/",
	"/sockjs-node/",
	"/__webpack",
	"/__vite",
}

// staticExtensions identify asset requests by file extension.
var staticExtensions = map[string]bool{
	".css":   true,
	".js":    true,
	".mjs":   true,
	".map":   true,
	".png":   true,
	".jpg":   true,
	".jpeg":  true,
	".gif":   true,
	".svg":   true,
	".webp":  true,
	".ico":   true,
	".woff":  true,
	".woff2": true,
	".ttf":   true,
	".json":  false, // manifest.json is static, API JSON is not; matched by prefix below
}

// staticPrefixes identify asset requests by path.
var staticPrefixes = []string{
	"/assets/",
	"/static/",
	"/icons/",
	"/manifest.json",
	"/favicon.ico",
}

// imageExtensions get a placeholder body instead of a typed error when both
// the network and the cache fail.
var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".svg":  true,
	".webp": true,
	".ico":  true,
}

// Classify decides the strategy for a request. First match wins: exclusion
// list, static assets, navigation, API reads, then pass-through.
func Classify(r *http.Request) Strategy {
	p := r.URL.Path

	for _, prefix := range excludedPrefixes {
		if strings.HasPrefix(p, prefix) {
			return StrategyBypass
		}
	}

	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		if isStaticPath(p) {
			return StrategyCacheFirst
		}
		if isNavigation(r) {
			return StrategyNetworkFirst
		}
		if r.Method == http.MethodGet {
			return StrategyReadThrough
		}
	}

	return StrategyPassThrough
}

func isStaticPath(p string) bool {
	for _, prefix := range staticPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return staticExtensions[strings.ToLower(path.Ext(p))]
}

func isImagePath(p string) bool {
	return imageExtensions[strings.ToLower(path.Ext(p))]
}

// isNavigation reports whether the Accept header indicates a full-page
// document request.
func isNavigation(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
