// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

// requestTagsKey is the context key for the request tags holder.
const requestTagsKey contextKey = "request_tags"

// CacheResult represents the outcome of a cache router decision.
type CacheResult string

const (
	CacheHit        CacheResult = "hit"
	CacheMiss       CacheResult = "miss"
	CacheBypass     CacheResult = "bypass"
	CacheRevalidate CacheResult = "revalidate"
	CacheFallback   CacheResult = "fallback"
)

// RequestTags holds mutable request metadata that the router sets for the
// logging middleware.
type RequestTags struct {
	Strategy    string
	CacheResult CacheResult
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before the router runs.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheBypass}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil outside a request that passed through the middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult sets the cache result for logging and metrics.
func SetCacheResult(r *http.Request, result CacheResult) {
	if tags := GetTags(r); tags != nil {
		tags.CacheResult = result
	}
}

// SetStrategy sets the routing strategy tag.
func SetStrategy(r *http.Request, strategy string) {
	if tags := GetTags(r); tags != nil {
		tags.Strategy = strategy
	}
}

// StatusClass buckets an HTTP status code for logging (2xx, 3xx, ...).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "1xx"
	}
}
