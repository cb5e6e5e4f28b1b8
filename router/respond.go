package router

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// maxCacheableBody caps response bodies stored by the router. Anything
// larger is served without caching.
const maxCacheableBody = 5 * 1024 * 1024

// cachedResponse is the stored form of a proxied HTTP response.
type cachedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// encodeResponse snapshots a response for caching, consuming the body.
func encodeResponse(resp *http.Response) (*cachedResponse, []byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCacheableBody+1))
	if err != nil {
		return nil, nil, fmt.Errorf("reading response body: %w", err)
	}
	if len(body) > maxCacheableBody {
		return nil, nil, fmt.Errorf("response body exceeds %d bytes", maxCacheableBody)
	}

	cached := &cachedResponse{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}
	encoded, err := json.Marshal(cached)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling cached response: %w", err)
	}
	return cached, encoded, nil
}

func decodeResponse(data []byte) (*cachedResponse, error) {
	var cached cachedResponse
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, fmt.Errorf("unmarshaling cached response: %w", err)
	}
	return &cached, nil
}

func (c *cachedResponse) write(w http.ResponseWriter) {
	if c.ContentType != "" {
		w.Header().Set("Content-Type", c.ContentType)
	}
	w.WriteHeader(c.Status)
	_, _ = w.Write(c.Body)
}

// placeholderGIF is a 1x1 transparent GIF served when an image cannot be
// fetched or found in cache.
var placeholderGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// offlinePage is the built-in fallback document for navigation requests
// when the network is down and no cached page exists.
const offlinePage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Offline</title>
</head>
<body>
<h1>You are offline</h1>
<p>This page is not available offline. Cached vehicle and intervention data
remains accessible from the app menu.</p>
</body>
</html>
`

func writePlaceholderImage(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(placeholderGIF)
}

func writeOfflinePage(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte(offlinePage))
}

// writeTypedError writes a JSON error body so callers never see a raw
// transport failure.
func writeTypedError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   message,
		"offline": true,
	})
}
