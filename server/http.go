// Package server provides the HTTP server for the sync gateway.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/fieldsync/fleetapi"
	"github.com/wolfeidau/fieldsync/router"
	"github.com/wolfeidau/fieldsync/scheduler"
	"github.com/wolfeidau/fieldsync/store/syncdb"
	"github.com/wolfeidau/fieldsync/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// DBPath is the path of the durable store database file
	DBPath string

	// OriginURL is the application origin the gateway fronts
	OriginURL string

	// FleetAPIURL is the base URL of the fleet-maintenance API
	FleetAPIURL string

	// FleetAPIToken is the bearer token for the fleet API (optional)
	FleetAPIToken string

	// CacheVersion names the current shell release. Changing it triggers
	// cleanup of shell assets cached under older versions.
	CacheVersion string

	// StorageQuota is the durable store quota in bytes.
	// Zero uses the store default.
	StorageQuota int64

	// PreloadOnStart runs a preload pass once the server is up.
	PreloadOnStart bool

	// AdminToken, when set, protects the sync control endpoints with
	// bearer authentication. Cached application traffic stays open.
	AdminToken string

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the sync gateway.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	store     syncdb.Store
	client    *fleetapi.Client
	router    *router.Router
	scheduler *scheduler.Scheduler
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./fieldsync.db"
	}
	if cfg.CacheVersion == "" {
		cfg.CacheVersion = "v1"
	}

	storeOpts := []syncdb.BoltDBOption{
		syncdb.WithLogger(cfg.Logger.With("component", "syncdb")),
	}
	if cfg.StorageQuota > 0 {
		storeOpts = append(storeOpts, syncdb.WithQuota(cfg.StorageQuota))
	}
	db := syncdb.NewBoltDB(storeOpts...)
	if err := db.Open(cfg.DBPath); err != nil {
		return nil, fmt.Errorf("opening durable store: %w", err)
	}

	clientOpts := []fleetapi.Option{}
	if cfg.FleetAPIURL != "" {
		clientOpts = append(clientOpts, fleetapi.WithBaseURL(cfg.FleetAPIURL))
	}
	if cfg.FleetAPIToken != "" {
		clientOpts = append(clientOpts, fleetapi.WithBearerToken(cfg.FleetAPIToken))
	}
	client := fleetapi.NewClient(clientOpts...)

	upstreamOpts := []router.UpstreamOption{}
	if cfg.OriginURL != "" {
		upstreamOpts = append(upstreamOpts, router.WithOriginURL(cfg.OriginURL))
	}
	upstream := router.NewUpstream(upstreamOpts...)

	rt := router.New(db, upstream,
		router.WithVersion(cfg.CacheVersion),
		router.WithLogger(cfg.Logger.With("component", "router")),
	)

	sched := scheduler.New(db, client,
		scheduler.WithLogger(cfg.Logger.With("component", "scheduler")),
	)

	s := &Server{
		config:    cfg,
		logger:    cfg.Logger,
		store:     db,
		client:    client,
		router:    rt,
		scheduler: sched,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(s.authMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // media uploads can be slow on field links
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Aggregated sync status
	mux.HandleFunc("GET /status", s.handleStatus)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Sync control endpoints
	mux.HandleFunc("POST /sync/preload", s.handlePreload)
	mux.HandleFunc("POST /sync/flush", s.handleFlush)
	mux.HandleFunc("POST /sync/retry/{id}", s.handleRetry)

	// Offline queue endpoints for the UI
	mux.HandleFunc("POST /queue/interventions/{id}", s.handleQueueIntervention)
	mux.HandleFunc("POST /queue/media/{interventionId}", s.handleQueueMedia)

	// Travel mode
	mux.HandleFunc("POST /travel/enable", s.handleTravelEnable)
	mux.HandleFunc("POST /travel/disable", s.handleTravelDisable)

	// Preload policy
	mux.HandleFunc("GET /policy", s.handleGetPolicy)
	mux.HandleFunc("PUT /policy", s.handleSetPolicy)

	// Recent sync outcomes
	mux.HandleFunc("GET /audit", s.handleAudit)

	// Storage maintenance
	mux.HandleFunc("POST /store/clear", s.handleClear)

	// Everything else flows through the cache router
	mux.Handle("/", s.router)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.scheduler.Status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, st)
}

func (s *Server) handlePreload(w http.ResponseWriter, r *http.Request) {
	results, err := s.scheduler.Preload(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string]any{"results": results})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	results, err := s.scheduler.FlushPending(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string]any{"results": results})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid intervention id", http.StatusBadRequest)
		return
	}

	if err := s.scheduler.RetryIntervention(r.Context(), id); err != nil {
		if errors.Is(err, syncdb.ErrNotFound) {
			http.Error(w, "intervention not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleQueueIntervention(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid intervention id", http.StatusBadRequest)
		return
	}

	snapshot, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, "reading snapshot", http.StatusBadRequest)
		return
	}
	if !json.Valid(snapshot) {
		http.Error(w, "snapshot must be JSON", http.StatusBadRequest)
		return
	}

	if err := s.scheduler.QueueIntervention(r.Context(), id, snapshot); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleQueueMedia(w http.ResponseWriter, r *http.Request) {
	interventionID, err := strconv.ParseInt(r.PathValue("interventionId"), 10, 64)
	if err != nil {
		http.Error(w, "invalid intervention id", http.StatusBadRequest)
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "parsing multipart form", http.StatusBadRequest)
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file part", http.StatusBadRequest)
		return
	}
	defer file.Close()

	blob, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "reading file part", http.StatusBadRequest)
		return
	}

	kind := syncdb.MediaKind(r.FormValue("type"))
	if kind == "" {
		kind = syncdb.MediaPhoto
	}

	id, err := s.scheduler.QueueMedia(r.Context(), interventionID, kind, r.FormValue("description"), blob)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(map[string]string{"id": id}); err != nil {
		s.logger.Warn("encoding response", "error", err)
	}
}

func (s *Server) handleTravelEnable(w http.ResponseWriter, r *http.Request) {
	var cfg scheduler.TravelModeConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "invalid travel config", http.StatusBadRequest)
		return
	}

	results, err := s.scheduler.EnableTravelMode(r.Context(), cfg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string]any{"results": results})
}

func (s *Server) handleTravelDisable(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.DisableTravelMode(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.scheduler.Policy(r.Context()))
}

func (s *Server) handleSetPolicy(w http.ResponseWriter, r *http.Request) {
	var policy scheduler.PreloadPolicy
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
		http.Error(w, "invalid policy", http.StatusBadRequest)
		return
	}

	if err := s.scheduler.SetPolicy(r.Context(), policy); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	audits, err := s.store.ListAudit(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string]any{"audit": audits})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ClearAll(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.logger.Info("durable store cleared")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encoding response", "error", err)
	}
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set strategy and cache_result
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}

		if tags.Strategy != "" {
			attrs = append(attrs, "strategy", tags.Strategy)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordGatewayRequest(r.Context(), tags.Strategy, tags.CacheResult, wrapped.status, duration)
	})
}

// precacheTimeout bounds shell installation at startup. With the origin
// down, each asset fetch would otherwise wait out the full client timeout
// and hold up the listener.
const precacheTimeout = 15 * time.Second

// Start starts the server. The shell is precached and old cache versions
// cleaned up before the listener accepts traffic, so a restarted gateway
// never serves a stale shell.
func (s *Server) Start() error {
	ctx, cancel := context.WithTimeout(context.Background(), precacheTimeout)
	defer cancel()

	s.router.Precache(ctx)
	if err := s.router.Activate(ctx); err != nil {
		s.logger.Warn("cleaning up old cache versions", "error", err)
	}

	s.scheduler.Start(context.Background())

	if s.config.PreloadOnStart {
		go func() {
			if _, err := s.scheduler.Preload(context.Background()); err != nil {
				s.logger.Warn("startup preload", "error", err)
			}
		}()
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpServer.Addr, err)
	}

	s.logger.Info("server started",
		"address", ln.Addr().String(),
		"origin", s.config.OriginURL,
		"fleet_api", s.config.FleetAPIURL,
		"cache_version", s.config.CacheVersion,
	)
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.scheduler.Stop()
	s.router.Close()

	err := s.httpServer.Shutdown(ctx)

	if closeErr := s.store.Close(); closeErr != nil && err == nil {
		err = closeErr
	}

	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and
// bytes written.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
