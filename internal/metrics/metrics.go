package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	SendsStarted   prometheus.Counter
	SendsCompleted prometheus.Counter
	SendsFailed    prometheus.Counter
	SendsCancelled prometheus.Counter

	ChunksReceived    prometheus.Counter
	MalformedSkipped  prometheus.Counter
	DiscoveryCalls    prometheus.Counter
	DiscoveryFailures prometheus.Counter

	SendDuration prometheus.Histogram
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			SendsStarted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "parley",
				Name:      "sends_started_total",
				Help:      "Total chat sends started",
			}),
			SendsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "parley",
				Name:      "sends_completed_total",
				Help:      "Total chat sends completed successfully",
			}),
			SendsFailed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "parley",
				Name:      "sends_failed_total",
				Help:      "Total chat sends failed",
			}),
			SendsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "parley",
				Name:      "sends_cancelled_total",
				Help:      "Total chat sends cancelled by the user",
			}),
			ChunksReceived: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "parley",
				Name:      "stream_chunks_total",
				Help:      "Total streaming chunks received",
			}),
			MalformedSkipped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "parley",
				Name:      "stream_malformed_skipped_total",
				Help:      "Total malformed stream payloads skipped",
			}),
			DiscoveryCalls: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "parley",
				Name:      "model_discovery_total",
				Help:      "Total model discovery calls",
			}),
			DiscoveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "parley",
				Name:      "model_discovery_failures_total",
				Help:      "Total model discovery calls that failed",
			}),
			SendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "parley",
				Name:      "send_duration_seconds",
				Help:      "Wall time from send start to terminal state",
				Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
			}),
		}
		prometheus.MustRegister(
			global.SendsStarted, global.SendsCompleted, global.SendsFailed, global.SendsCancelled,
			global.ChunksReceived, global.MalformedSkipped,
			global.DiscoveryCalls, global.DiscoveryFailures,
			global.SendDuration,
		)
	})
	return global
}
