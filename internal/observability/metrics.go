package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the daemon.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsTotal    *prometheus.CounterVec
	SessionsActive   *prometheus.GaugeVec
	SessionDuration  prometheus.Histogram
	BytesTransferred *prometheus.CounterVec
	ChunksVerified   prometheus.Counter
	ChunksRejected   prometheus.Counter
	ChunksSent       prometheus.Counter
	ProofHashesSent  prometheus.Counter
	WireBytesSaved   *prometheus.CounterVec

	// Connection metrics
	QUICConnectionsTotal  *prometheus.CounterVec
	QUICConnectionsActive prometheus.Gauge

	// Store metrics
	StoreOperationsTotal *prometheus.CounterVec
	StoreBlobs           *prometheus.GaugeVec
	StoreBytes           prometheus.Gauge
	GCRemovedTotal       prometheus.Counter

	// Resolver metrics
	CollectionEntriesTotal *prometheus.CounterVec
}

// NewMetrics creates all metrics on a private registry, so several
// instances can coexist in one process.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,

		SessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verisync_sessions_total",
				Help: "Transfer sessions by role and terminal state",
			},
			[]string{"role", "state"},
		),

		SessionsActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "verisync_sessions_active",
				Help: "Currently running transfer sessions",
			},
			[]string{"role"},
		),

		SessionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "verisync_session_duration_seconds",
				Help:    "Transfer session duration distribution",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 1200},
			},
		),

		BytesTransferred: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verisync_bytes_transferred_total",
				Help: "Verified chunk bytes moved, by direction",
			},
			[]string{"direction"},
		),

		ChunksVerified: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "verisync_chunks_verified_total",
				Help: "Chunks that verified against their content hash",
			},
		),

		ChunksRejected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "verisync_chunks_rejected_total",
				Help: "Chunks that failed verification",
			},
		),

		ChunksSent: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "verisync_chunks_sent_total",
				Help: "Chunks written by responders",
			},
		),

		ProofHashesSent: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "verisync_proof_hashes_sent_total",
				Help: "Sibling hashes sent in chunk proofs",
			},
		),

		WireBytesSaved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verisync_wire_bytes_saved_total",
				Help: "Bytes saved by chunk payload compression",
			},
			[]string{"encoding"},
		),

		QUICConnectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verisync_quic_connections_total",
				Help: "QUIC connection attempts",
			},
			[]string{"result"},
		),

		QUICConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "verisync_quic_connections_active",
				Help: "Active QUIC connections",
			},
		),

		StoreOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verisync_store_operations_total",
				Help: "Store operation count",
			},
			[]string{"operation", "result"},
		),

		StoreBlobs: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "verisync_store_blobs",
				Help: "Blobs in the store by completeness",
			},
			[]string{"state"},
		),

		StoreBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "verisync_store_verified_bytes",
				Help: "Verified bytes held by the store",
			},
		),

		GCRemovedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "verisync_gc_removed_total",
				Help: "Blobs removed by garbage collection",
			},
		),

		CollectionEntriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verisync_collection_entries_total",
				Help: "Collection entries resolved, by result",
			},
			[]string{"result"},
		),
	}

	return m
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordSessionStart marks a session of the given role as running.
func (m *Metrics) RecordSessionStart(role string) {
	m.SessionsActive.WithLabelValues(role).Inc()
}

// RecordSessionEnd records a session's terminal state and duration.
func (m *Metrics) RecordSessionEnd(role, state string, durationSeconds float64) {
	m.SessionsActive.WithLabelValues(role).Dec()
	m.SessionsTotal.WithLabelValues(role, state).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordChunkVerified updates metrics for a received, verified chunk.
func (m *Metrics) RecordChunkVerified(bytes int) {
	m.ChunksVerified.Inc()
	m.BytesTransferred.WithLabelValues("received").Add(float64(bytes))
}

// RecordChunkRejected counts a chunk that failed verification.
func (m *Metrics) RecordChunkRejected() {
	m.ChunksRejected.Inc()
}

// RecordChunkSent updates metrics for a sent chunk.
func (m *Metrics) RecordChunkSent(bytes, wireBytes, proofLen int, encoding string) {
	m.ChunksSent.Inc()
	m.ProofHashesSent.Add(float64(proofLen))
	m.BytesTransferred.WithLabelValues("sent").Add(float64(bytes))
	if saved := bytes - wireBytes; saved > 0 {
		m.WireBytesSaved.WithLabelValues(encoding).Add(float64(saved))
	}
}

// RecordQUICConnection logs QUIC connection attempts.
func (m *Metrics) RecordQUICConnection(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.QUICConnectionsTotal.WithLabelValues(result).Inc()

	if success {
		m.QUICConnectionsActive.Inc()
	}
}

// RecordQUICConnectionClose updates metrics for closed QUIC connections.
func (m *Metrics) RecordQUICConnectionClose() {
	m.QUICConnectionsActive.Dec()
}

// RecordStoreOperation counts one store call.
func (m *Metrics) RecordStoreOperation(operation string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.StoreOperationsTotal.WithLabelValues(operation, result).Inc()
}

// SetStoreStats publishes a store snapshot.
func (m *Metrics) SetStoreStats(complete, partial int, verifiedBytes uint64) {
	m.StoreBlobs.WithLabelValues("complete").Set(float64(complete))
	m.StoreBlobs.WithLabelValues("partial").Set(float64(partial))
	m.StoreBytes.Set(float64(verifiedBytes))
}

// RecordCollectionEntry counts one resolved collection entry.
func (m *Metrics) RecordCollectionEntry(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.CollectionEntriesTotal.WithLabelValues(result).Inc()
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
