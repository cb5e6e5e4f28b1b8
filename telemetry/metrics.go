package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.38.0"
)

const (
	meterName = "github.com/wolfeidau/fieldsync"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	gatewayRequestsTotal  metric.Int64Counter
	gatewayDuration       metric.Float64Histogram
	cacheResultsTotal     metric.Int64Counter
	upstreamFetchTotal    metric.Int64Counter
	upstreamFetchDuration metric.Float64Histogram
	upstreamFetchBytes    metric.Int64Counter
	syncTasksTotal        metric.Int64Counter
	mediaUploadDuration   metric.Float64Histogram
	sweepDeletedTotal     metric.Int64Counter
	sweepDuration         metric.Float64Histogram
	pendingInterventions  metric.Int64Gauge
	pendingMedia          metric.Int64Gauge

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "fieldsync"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	gatewayRequestsTotal, err := meter.Int64Counter(
		"fieldsync_gateway_requests_total",
		metric.WithDescription("Total number of requests through the cache router"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	gatewayDuration, err := meter.Float64Histogram(
		"fieldsync_gateway_request_duration_seconds",
		metric.WithDescription("Cache router request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	cacheResultsTotal, err := meter.Int64Counter(
		"fieldsync_cache_results_total",
		metric.WithDescription("Cache router outcomes by strategy and result"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	upstreamFetchTotal, err := meter.Int64Counter(
		"fieldsync_upstream_fetch_total",
		metric.WithDescription("Total number of upstream fetch requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	upstreamFetchDuration, err := meter.Float64Histogram(
		"fieldsync_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of upstream fetch requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return err
	}

	upstreamFetchBytes, err := meter.Int64Counter(
		"fieldsync_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from upstream"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	syncTasksTotal, err := meter.Int64Counter(
		"fieldsync_sync_tasks_total",
		metric.WithDescription("Preload, refresh, flush and travel-mode task outcomes"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return err
	}

	mediaUploadDuration, err := meter.Float64Histogram(
		"fieldsync_media_upload_duration_seconds",
		metric.WithDescription("Duration of individual media uploads"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return err
	}

	sweepDeletedTotal, err := meter.Int64Counter(
		"fieldsync_sweep_deleted_total",
		metric.WithDescription("Total expired cached resources removed by sweeps"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	sweepDuration, err := meter.Float64Histogram(
		"fieldsync_sweep_duration_seconds",
		metric.WithDescription("Duration of expiry sweep cycles"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	pendingInterventions, err := meter.Int64Gauge(
		"fieldsync_pending_interventions",
		metric.WithDescription("Interventions queued for sync"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		return err
	}

	pendingMedia, err := meter.Int64Gauge(
		"fieldsync_pending_media",
		metric.WithDescription("Media items queued for upload"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		gatewayRequestsTotal:  gatewayRequestsTotal,
		gatewayDuration:       gatewayDuration,
		cacheResultsTotal:     cacheResultsTotal,
		upstreamFetchTotal:    upstreamFetchTotal,
		upstreamFetchDuration: upstreamFetchDuration,
		upstreamFetchBytes:    upstreamFetchBytes,
		syncTasksTotal:        syncTasksTotal,
		mediaUploadDuration:   mediaUploadDuration,
		sweepDeletedTotal:     sweepDeletedTotal,
		sweepDuration:         sweepDuration,
		pendingInterventions:  pendingInterventions,
		pendingMedia:          pendingMedia,
		meterProvider:         mp,
		promHandler:           promHandler,
	}

	return nil
}

func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil || globalMetrics.meterProvider == nil {
		return nil
	}
	return globalMetrics.meterProvider.Shutdown(ctx)
}

// RecordGatewayRequest records one request through the cache router.
func RecordGatewayRequest(ctx context.Context, strategy string, result CacheResult, status int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("strategy", strategy),
		attribute.String("status_class", StatusClass(status)),
	)
	globalMetrics.gatewayRequestsTotal.Add(ctx, 1, attrs)
	globalMetrics.gatewayDuration.Record(ctx, duration.Seconds(), attrs)
	globalMetrics.cacheResultsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("strategy", strategy),
		attribute.String("result", string(result)),
	))
}

// RecordUpstreamFetch records one upstream fetch attempt.
func RecordUpstreamFetch(ctx context.Context, endpoint string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("outcome", outcome),
	)
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, attrs)
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), attrs)
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytes.Add(ctx, bytesRead, attrs)
	}
}

// RecordSyncTask records the outcome of a preload, refresh, flush or
// travel-mode task.
func RecordSyncTask(ctx context.Context, operation, entity string, success bool) {
	if globalMetrics == nil {
		return
	}

	outcome := "success"
	if !success {
		outcome = "failure"
	}
	globalMetrics.syncTasksTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("entity", entity),
		attribute.String("outcome", outcome),
	))
}

// RecordMediaUpload records the duration of one media upload attempt.
func RecordMediaUpload(ctx context.Context, kind string, duration time.Duration, success bool) {
	if globalMetrics == nil {
		return
	}

	outcome := "success"
	if !success {
		outcome = "failure"
	}
	globalMetrics.mediaUploadDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

// RecordSweep records one expiry sweep cycle.
func RecordSweep(ctx context.Context, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	globalMetrics.sweepDeletedTotal.Add(ctx, int64(deleted))
	globalMetrics.sweepDuration.Record(ctx, duration.Seconds())
}

// RecordPendingQueues records the current depth of the pending queues.
func RecordPendingQueues(ctx context.Context, interventions, media int) {
	if globalMetrics == nil {
		return
	}

	globalMetrics.pendingInterventions.Record(ctx, int64(interventions))
	globalMetrics.pendingMedia.Record(ctx, int64(media))
}

// PrometheusHandler returns the Prometheus metrics handler.
// Returns a 404 handler if Prometheus is not enabled.
func PrometheusHandler() http.Handler {
	if globalMetrics == nil || globalMetrics.promHandler == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not enabled", http.StatusNotFound)
		})
	}
	return globalMetrics.promHandler
}

// noopExporter collects metrics without exporting them anywhere.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(k sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(k)
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
