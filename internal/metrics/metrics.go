// Package metrics provides Prometheus metrics for the collab server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collab_sessions",
		Help: "Connected sessions",
	})

	openFiles = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collab_open_files",
		Help: "Files resident in the registry",
	})

	// operationsTotal counts received edits by type (insert, paste, erase,
	// change, align) and origin (local session or relay).
	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_operations_total",
			Help: "Document operations applied by the registry",
		},
		[]string{"type", "origin"},
	)

	framesSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_frames_sent_total",
		Help: "Frames queued to sessions",
	})

	slowPeersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_slow_peer_disconnects_total",
		Help: "Sessions dropped because their send queue was full",
	})

	flushTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_flush_total",
			Help: "Snapshot flushes by result",
		},
		[]string{"result"},
	)

	flushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "collab_flush_duration_seconds",
		Help:    "Duration of snapshot flushes",
		Buckets: []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1, 5},
	})

	snapshotBatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_snapshot_batches_total",
		Help: "file_to_open batches streamed to joining sessions",
	})

	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_requests_total",
			Help: "Session requests by type and outcome",
		},
		[]string{"type", "success"},
	)
)

func init() {
	prometheus.MustRegister(sessions)
	prometheus.MustRegister(openFiles)
	prometheus.MustRegister(operationsTotal)
	prometheus.MustRegister(framesSentTotal)
	prometheus.MustRegister(slowPeersTotal)
	prometheus.MustRegister(flushTotal)
	prometheus.MustRegister(flushDuration)
	prometheus.MustRegister(snapshotBatchesTotal)
	prometheus.MustRegister(requestsTotal)
}

func SessionOpened() { sessions.Inc() }
func SessionClosed() { sessions.Dec() }

func SetOpenFiles(n int) { openFiles.Set(float64(n)) }

// RecordOperation counts one applied edit. origin is "session" or "relay".
func RecordOperation(typ, origin string) {
	operationsTotal.WithLabelValues(typ, origin).Inc()
}

func RecordFramesSent(n int) { framesSentTotal.Add(float64(n)) }

func RecordSlowPeer() { slowPeersTotal.Inc() }

// RecordFlush records one snapshot flush.
func RecordFlush(err error, d time.Duration) {
	result := "success"
	if err != nil {
		result = "failed"
	}
	flushTotal.WithLabelValues(result).Inc()
	flushDuration.Observe(d.Seconds())
}

func RecordSnapshotBatches(n int) { snapshotBatchesTotal.Add(float64(n)) }

func RecordRequest(typ string, success bool) {
	s := "false"
	if success {
		s = "true"
	}
	requestsTotal.WithLabelValues(typ, s).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }
