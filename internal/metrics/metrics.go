// Package metrics wraps the Prometheus collectors exported by every hub
// component. Shape mirrors the reference server's internal/metrics package.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the Prometheus collectors shared across the broker,
// producer and consumer services.
type Registry struct {
	ChannelsRegistered prometheus.Gauge
	ConsumersAttached  prometheus.Gauge

	RegRequests    prometheus.Counter
	HeartbeatAcks  prometheus.Counter
	SchemaMismatch prometheus.Counter
	ChannelTimeout prometheus.Counter

	SlotsCommitted    prometheus.Counter
	SlotsRead          prometheus.Counter
	ChecksumFailures   prometheus.Counter
	RecoveredSlots     prometheus.Counter
	AcquireWriteWaitNS prometheus.Histogram
}

// NewRegistry creates and registers all Prometheus collectors.
func NewRegistry() *Registry {
	return &Registry{
		ChannelsRegistered: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pylabhub_channels_registered",
			Help: "Number of channels currently registered at the broker",
		}),
		ConsumersAttached: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pylabhub_consumers_attached",
			Help: "Number of consumer entries currently tracked across all channels",
		}),
		RegRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pylabhub_reg_requests_total",
			Help: "Total REG_REQ messages handled by the broker",
		}),
		HeartbeatAcks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pylabhub_heartbeat_acks_total",
			Help: "Total HEARTBEAT_ACK replies sent by the broker",
		}),
		SchemaMismatch: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pylabhub_schema_mismatch_total",
			Help: "Total SCHEMA_MISMATCH replies sent by the broker",
		}),
		ChannelTimeout: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pylabhub_channel_timeout_total",
			Help: "Total channels closed by the broker's heartbeat sweep",
		}),
		SlotsCommitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pylabhub_slots_committed_total",
			Help: "Total slots committed by producers",
		}),
		SlotsRead: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pylabhub_slots_read_total",
			Help: "Total slots consumed by consumers",
		}),
		ChecksumFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pylabhub_checksum_failures_total",
			Help: "Total slot checksum validation failures observed by consumers",
		}),
		RecoveredSlots: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pylabhub_recovered_slots_total",
			Help: "Total slots returned to Free by crash recovery",
		}),
		AcquireWriteWaitNS: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "pylabhub_acquire_write_wait_seconds",
			Help:    "Time spent blocked in AcquireWrite",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
	}
}

// Handler returns an HTTP handler exposing Prometheus metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
