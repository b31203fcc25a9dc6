// Package metrics provides Prometheus metrics for the cmisfs mount.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Repository request metrics
	remoteRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmisfs_remote_requests_total",
			Help: "Total number of repository requests",
		},
		[]string{"op", "status"},
	)

	remoteRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cmisfs_remote_request_duration_seconds",
			Help:    "Repository request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Content transfer metrics
	contentBytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cmisfs_content_bytes_downloaded_total",
			Help: "Total bytes downloaded from content streams",
		},
	)

	contentBytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cmisfs_content_bytes_uploaded_total",
			Help: "Total bytes uploaded as content streams",
		},
	)

	// Cache metrics
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmisfs_cache_lookups_total",
			Help: "Cache lookups by cache and result",
		},
		[]string{"cache", "result"},
	)

	// Session metrics
	sessionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cmisfs_sessions_active",
			Help: "Number of open read and write sessions",
		},
		[]string{"kind"},
	)

	spillBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cmisfs_write_spill_bytes_total",
			Help: "Bytes flushed from write buffers to spill files",
		},
	)

	// Filesystem operation metrics
	fsOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmisfs_fs_operations_total",
			Help: "Filesystem operations by name and result",
		},
		[]string{"op", "result"},
	)

	renameCompensationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmisfs_rename_compensations_total",
			Help: "Move-back attempts after a failed rename step",
		},
		[]string{"result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr. It blocks until the server stops.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

// RecordRemoteRequest records a repository request. status is the HTTP
// status code, or 0 for a transport failure.
func RecordRemoteRequest(op string, status int, duration time.Duration) {
	remoteRequestsTotal.WithLabelValues(op, strconv.Itoa(status)).Inc()
	remoteRequestDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordDownload records bytes received as content.
func RecordDownload(bytes int64) {
	contentBytesDownloaded.Add(float64(bytes))
}

// RecordUpload records bytes sent as content.
func RecordUpload(bytes int64) {
	contentBytesUploaded.Add(float64(bytes))
}

// RecordCacheLookup records a cache hit or miss.
func RecordCacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(cache, result).Inc()
}

// SessionOpened and SessionClosed track open sessions of a kind
// ("read" or "write").
func SessionOpened(kind string) {
	sessionsActive.WithLabelValues(kind).Inc()
}

func SessionClosed(kind string) {
	sessionsActive.WithLabelValues(kind).Dec()
}

// RecordSpill records bytes moved from memory to a spill file.
func RecordSpill(bytes int) {
	spillBytesTotal.Add(float64(bytes))
}

// RecordFSOp records a dispatched filesystem operation.
func RecordFSOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	fsOpsTotal.WithLabelValues(op, result).Inc()
}

// RecordRenameCompensation records a compensating move.
func RecordRenameCompensation(success bool) {
	result := "ok"
	if !success {
		result = "failed"
	}
	renameCompensationsTotal.WithLabelValues(result).Inc()
}
