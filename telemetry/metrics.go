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
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/keyshift"
)

var durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

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
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	outboundRequestsTotal   metric.Int64Counter
	outboundRequestDuration metric.Float64Histogram
	outboundBytesTotal      metric.Int64Counter

	directoryOpsTotal   metric.Int64Counter
	directoryOpDuration metric.Float64Histogram

	migrationsTotal   metric.Int64Counter
	migrationDuration metric.Float64Histogram
	migrationHops     metric.Int64Histogram

	freezeEventsTotal metric.Int64Counter
	storeEntries      metric.Int64Gauge

	// Reaper metrics
	reaperDeletedTotal metric.Int64Counter
	reaperDuration     metric.Float64Histogram

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
		cfg.ServiceName = "keyshift"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Build resource with service info
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

	// Setup OTLP exporter if endpoint configured
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

	// Setup Prometheus exporter if enabled
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

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

// newMetrics creates every instrument on meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.requestsTotal, err = meter.Int64Counter(
		"keyshift_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.responseBytesTotal, err = meter.Int64Counter(
		"keyshift_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"keyshift_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}

	if m.requestsByEndpointTotal, err = meter.Int64Counter(
		"keyshift_http_requests_by_endpoint_total",
		metric.WithDescription("Total number of HTTP requests by endpoint (detail metric)"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.outboundRequestsTotal, err = meter.Int64Counter(
		"keyshift_outbound_requests_total",
		metric.WithDescription("Total number of requests sent to peers and remote directories"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.outboundRequestDuration, err = meter.Float64Histogram(
		"keyshift_outbound_request_duration_seconds",
		metric.WithDescription("Duration of requests sent to peers and remote directories"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}

	if m.outboundBytesTotal, err = meter.Int64Counter(
		"keyshift_outbound_response_bytes_total",
		metric.WithDescription("Total bytes read from peer and remote directory responses"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.directoryOpsTotal, err = meter.Int64Counter(
		"keyshift_directory_ops_total",
		metric.WithDescription("Total number of location directory operations"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return nil, err
	}

	if m.directoryOpDuration, err = meter.Float64Histogram(
		"keyshift_directory_op_duration_seconds",
		metric.WithDescription("Duration of location directory operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}

	if m.migrationsTotal, err = meter.Int64Counter(
		"keyshift_migrations_total",
		metric.WithDescription("Total number of key migrations attempted"),
		metric.WithUnit("{migration}"),
	); err != nil {
		return nil, err
	}

	if m.migrationDuration, err = meter.Float64Histogram(
		"keyshift_migration_duration_seconds",
		metric.WithDescription("Duration of key migrations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}

	if m.migrationHops, err = meter.Int64Histogram(
		"keyshift_migration_hops",
		metric.WithDescription("Number of forwards followed to reach the owner during a migration"),
		metric.WithUnit("{hop}"),
		metric.WithExplicitBucketBoundaries(0, 1, 2, 3, 4, 8, 16),
	); err != nil {
		return nil, err
	}

	if m.freezeEventsTotal, err = meter.Int64Counter(
		"keyshift_freeze_events_total",
		metric.WithDescription("Freeze lease events by kind"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}

	if m.storeEntries, err = meter.Int64Gauge(
		"keyshift_store_entries",
		metric.WithDescription("Number of entries tracked by the local store"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.reaperDeletedTotal, err = meter.Int64Counter(
		"keyshift_reaper_deleted_total",
		metric.WithDescription("Total number of entries deleted by reapers"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.reaperDuration, err = meter.Float64Histogram(
		"keyshift_reaper_duration_seconds",
		metric.WithDescription("Duration of reaper cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Surface and ownership are read from request tags set by middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	surface := "unknown"
	ownership := string(OwnershipNA)
	endpoint := ""
	if tags != nil {
		if tags.Surface != "" {
			surface = tags.Surface
		}
		if tags.Ownership != "" {
			ownership = string(tags.Ownership)
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {surface, status_class, ownership}
	sharedAttrs := []attribute.KeyValue{
		attribute.String("surface", surface),
		attribute.String("status_class", statusClass),
		attribute.String("ownership", ownership),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	// Detail metric: higher cardinality, only when endpoint is set
	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("surface", surface),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
			attribute.String("ownership", ownership),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordOutbound records a request sent to a peer host or a remote directory.
// target is "peer" or "directory".
func RecordOutbound(ctx context.Context, target, method string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("target", target),
		attribute.String("method", method),
		attribute.String("outcome", outcome),
	}
	globalMetrics.outboundRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.outboundRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.outboundBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordDirectoryOp records a location directory operation.
func RecordDirectoryOp(ctx context.Context, backend, op, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.directoryOpsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.directoryOpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordMigration records one migration attempt. outcome is "success",
// "error" or "canceled"; hops is the number of forwards followed.
func RecordMigration(ctx context.Context, outcome string, hops int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.migrationsTotal.Add(ctx, 1, attrs)
	globalMetrics.migrationDuration.Record(ctx, duration.Seconds(), attrs)
	globalMetrics.migrationHops.Record(ctx, int64(hops), attrs)
}

// RecordFreeze records a freeze lease event: "granted", "extended",
// "released" or "expired".
func RecordFreeze(ctx context.Context, event string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.freezeEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

// RecordStoreEntries records the number of entries held by the local store.
func RecordStoreEntries(ctx context.Context, n int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.storeEntries.Record(ctx, int64(n))
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// RecordReaperCycle records one reaper cycle's deleted count and duration.
// reaper is "store" or "directory". Called unconditionally per cycle.
func RecordReaperCycle(ctx context.Context, reaper string, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("reaper", reaper))
	globalMetrics.reaperDeletedTotal.Add(ctx, int64(deleted), attrs)
	globalMetrics.reaperDuration.Record(ctx, duration.Seconds(), attrs)
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
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
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
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
