// Package observe provides application-wide observability primitives for
// memoryplane: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all memoryplane metrics.
const meterName = "github.com/memoryplane/memoryplane"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// IngestDuration tracks end-to-end ingest() latency (C9).
	IngestDuration metric.Float64Histogram

	// SearchDuration tracks end-to-end search() latency (C10).
	SearchDuration metric.Float64Histogram

	// EmbedDuration tracks embedding-service latency (C4), per cache hit/miss.
	EmbedDuration metric.Float64Histogram

	// IndexSearchDuration tracks vector-index ANN search latency (C6).
	IndexSearchDuration metric.Float64Histogram

	// DecryptDuration tracks envelope decrypt latency, including key-server
	// round trips (C3).
	DecryptDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// IngestResults counts ingest() outcomes. Use with attribute:
	//   attribute.String("outcome", "accepted"|"skipped"|"error")
	IngestResults metric.Int64Counter

	// CacheAccesses counts content-cache lookups. Use with attributes:
	//   attribute.String("tier", "l1"|"l2"|"l3"), attribute.String("result", "hit"|"miss")
	CacheAccesses metric.Int64Counter

	// BatchFlushes counts batcher flush events. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("outcome", "ok"|"failed"), attribute.Int("size", ...)
	BatchFlushes metric.Int64Counter

	// PermissionChecks counts C11 allows() decisions. Use with attribute:
	//   attribute.String("result", "allow"|"deny")
	PermissionChecks metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveIndexes tracks the number of currently warm per-user vector indexes.
	ActiveIndexes metric.Int64UpDownCounter

	// BatchQueueDepth tracks pending items across batcher kinds.
	BatchQueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for the memory plane's mix of in-memory and network-bound operations.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.IngestDuration, err = m.Float64Histogram("memoryplane.ingest.duration",
		metric.WithDescription("Latency of the full ingestion pipeline."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SearchDuration, err = m.Float64Histogram("memoryplane.search.duration",
		metric.WithDescription("Latency of the retrieval engine's search()."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EmbedDuration, err = m.Float64Histogram("memoryplane.embed.duration",
		metric.WithDescription("Latency of embedding requests (memoised and live)."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.IndexSearchDuration, err = m.Float64Histogram("memoryplane.index.search.duration",
		metric.WithDescription("Latency of vector-index ANN search."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DecryptDuration, err = m.Float64Histogram("memoryplane.decrypt.duration",
		metric.WithDescription("Latency of envelope decryption, including key-server quorum."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("memoryplane.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.IngestResults, err = m.Int64Counter("memoryplane.ingest.results",
		metric.WithDescription("Total ingest() calls by outcome."),
	); err != nil {
		return nil, err
	}
	if met.CacheAccesses, err = m.Int64Counter("memoryplane.cache.accesses",
		metric.WithDescription("Total content-cache lookups by tier and result."),
	); err != nil {
		return nil, err
	}
	if met.BatchFlushes, err = m.Int64Counter("memoryplane.batch.flushes",
		metric.WithDescription("Total batcher flush events by kind and outcome."),
	); err != nil {
		return nil, err
	}
	if met.PermissionChecks, err = m.Int64Counter("memoryplane.permission.checks",
		metric.WithDescription("Total permission-predicate evaluations by result."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("memoryplane.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveIndexes, err = m.Int64UpDownCounter("memoryplane.index.active",
		metric.WithDescription("Number of currently warm per-user vector indexes."),
	); err != nil {
		return nil, err
	}
	if met.BatchQueueDepth, err = m.Int64UpDownCounter("memoryplane.batch.queue_depth",
		metric.WithDescription("Pending items across batcher kinds."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("memoryplane.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordIngestResult is a convenience method that records an ingest outcome.
func (m *Metrics) RecordIngestResult(ctx context.Context, outcome string) {
	m.IngestResults.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordCacheAccess is a convenience method that records a cache lookup result.
func (m *Metrics) RecordCacheAccess(ctx context.Context, tier, result string) {
	m.CacheAccesses.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tier", tier),
			attribute.String("result", result),
		),
	)
}

// RecordBatchFlush is a convenience method that records a batcher flush
// event; it satisfies batch.FailureRecorder so a *Metrics can be passed
// directly to batch.New.
func (m *Metrics) RecordBatchFlush(ctx context.Context, kind, outcome string, size int) {
	m.BatchFlushes.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("outcome", outcome),
			attribute.Int("size", size),
		),
	)
}

// RecordPermissionCheck is a convenience method that records a permission
// predicate evaluation.
func (m *Metrics) RecordPermissionCheck(ctx context.Context, result string) {
	m.PermissionChecks.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
