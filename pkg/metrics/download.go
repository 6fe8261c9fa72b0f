package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DownloadMetrics instruments the download pipeline. All methods are safe
// on a nil receiver.
type DownloadMetrics struct {
	shards  prometheus.Counter
	bytes   prometheus.Counter
	records prometheus.Counter
	retries prometheus.Counter
}

// NewDownloadMetrics registers the downloader instruments. Returns nil when
// metrics are disabled.
func NewDownloadMetrics() *DownloadMetrics {
	r := reg()
	if r == nil {
		return nil
	}

	return &DownloadMetrics{
		shards: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "breachdb_download_shards_total",
			Help: "Upstream range shards fetched and written",
		}),
		bytes: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "breachdb_download_bytes_total",
			Help: "Raw response bytes received from the upstream API",
		}),
		records: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "breachdb_download_records_total",
			Help: "Binary records appended to the output database",
		}),
		retries: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "breachdb_download_retries_total",
			Help: "Upstream requests retried after transient failures",
		}),
	}
}

// ObserveShard records a completed shard write.
func (m *DownloadMetrics) ObserveShard(bytes, records int) {
	if m == nil {
		return
	}
	m.shards.Inc()
	m.bytes.Add(float64(bytes))
	m.records.Add(float64(records))
}

// ObserveRetry records an upstream retry.
func (m *DownloadMetrics) ObserveRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}
