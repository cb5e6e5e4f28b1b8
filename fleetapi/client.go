package fleetapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/wolfeidau/fieldsync/telemetry"
)

const (
	// DefaultTimeout is the default timeout for upstream requests.
	DefaultTimeout = 30 * time.Second
)

var (
	// ErrNotFound is returned when an entity or target does not exist upstream.
	ErrNotFound = errors.New("fleetapi: not found")

	// ErrUnavailable is returned for network failures and server errors.
	// Callers treat it as retryable.
	ErrUnavailable = errors.New("fleetapi: upstream unavailable")
)

// Client fetches fleet data from and pushes pending writes to the upstream
// fleet-maintenance API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets the upstream API base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithBearerToken sets the bearer token for upstream authentication.
func WithBearerToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// NewClient creates a new fleet API client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "fleetapi"),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// setAuth sets the Authorization header if a token is configured.
func (c *Client) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// getJSON performs a GET and decodes the response into out.
func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	c.setAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// FetchList fetches up to limit rows of an entity collection.
func (c *Client) FetchList(ctx context.Context, entity string, limit int) (*EntityPage, error) {
	u := fmt.Sprintf("%s/cache/%s?limit=%d", c.baseURL, url.PathEscape(entity), limit)
	var page EntityPage
	if err := c.getJSON(ctx, u, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// FetchDetail fetches a single entity by id.
func (c *Client) FetchDetail(ctx context.Context, entity string, id int64) (json.RawMessage, error) {
	u := fmt.Sprintf("%s/cache/%s/%d", c.baseURL, url.PathEscape(entity), id)
	var detail json.RawMessage
	if err := c.getJSON(ctx, u, &detail); err != nil {
		return nil, err
	}
	return detail, nil
}

// FetchChildren fetches the child collection of an entity, such as a
// vehicle's intervention history.
func (c *Client) FetchChildren(ctx context.Context, entity string, id int64) (*EntityPage, error) {
	u := fmt.Sprintf("%s/cache/%s/%d/children", c.baseURL, url.PathEscape(entity), id)
	var page EntityPage
	if err := c.getJSON(ctx, u, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// FetchGeography fetches entities within radiusKm of a geographic center.
func (c *Client) FetchGeography(ctx context.Context, lat, lng, radiusKm float64) (*EntityPage, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lng", strconv.FormatFloat(lng, 'f', -1, 64))
	q.Set("radius", strconv.FormatFloat(radiusKm, 'f', -1, 64))

	var page EntityPage
	if err := c.getJSON(ctx, c.baseURL+"/cache/geography?"+q.Encode(), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// PushInterventions sends queued interventions in one batch. The server
// merges them against its change log; the response body is not interpreted
// beyond success or failure.
func (c *Client) PushInterventions(ctx context.Context, interventions []json.RawMessage, lastSync time.Time) error {
	body, err := json.Marshal(SyncBatch{Interventions: interventions, LastSync: lastSync})
	if err != nil {
		return fmt.Errorf("marshaling sync batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sync/interventions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sync rejected with status %d: %s", resp.StatusCode, respBody)
	}
	return nil
}

// UploadMedia uploads one captured media item as a multipart request.
func (c *Client) UploadMedia(ctx context.Context, m *MediaUpload) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", m.FileName)
	if err != nil {
		return fmt.Errorf("creating form file: %w", err)
	}
	if _, err := part.Write(m.Blob); err != nil {
		return fmt.Errorf("writing media blob: %w", err)
	}

	fields := map[string]string{
		"type":        m.Kind,
		"description": m.Description,
	}
	if m.Latitude != nil {
		fields["latitude"] = strconv.FormatFloat(*m.Latitude, 'f', -1, 64)
	}
	if m.Longitude != nil {
		fields["longitude"] = strconv.FormatFloat(*m.Longitude, 'f', -1, 64)
	}
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			return fmt.Errorf("writing field %s: %w", name, err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("closing multipart writer: %w", err)
	}

	u := fmt.Sprintf("%s/media/%d", c.baseURL, m.InterventionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &buf)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	c.setAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("upload rejected with status %d: %s", resp.StatusCode, respBody)
	}
	return nil
}

// Ping probes upstream reachability. Used as the scheduler's online check.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	c.setAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}
