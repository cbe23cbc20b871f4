package metrics

import (
	"math/big"
	"time"

	"github.com/Layr-Labs/eigensdk-go/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	apNamespace = "ap"
	subsystem   = "bundler"
)

// BundlerMetrics contains instrumented metrics that are updated by the bundling core.
// The embedded eigen metrics can serve them on a dedicated address with Start.
type BundlerMetrics struct {
	metrics.Metrics

	userOpsReceived prometheus.Counter
	userOpsRejected *prometheus.CounterVec
	userOpsResolved *prometheus.CounterVec
	bundles         *prometheus.CounterVec
	bundleSize      prometheus.Histogram
	cycleDuration   prometheus.Histogram
	mempoolSize     prometheus.Gauge
	// last observed network max fee, in wei
	lastFee prometheus.Gauge
}

func NewBundlerMetrics(eigenMetrics metrics.Metrics, reg prometheus.Registerer) *BundlerMetrics {
	return &BundlerMetrics{
		Metrics: eigenMetrics,

		userOpsReceived: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Subsystem: subsystem,
				Name:      "user_ops_received_total",
				Help:      "The number of user operations submitted to the bundler",
			}),

		userOpsRejected: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Subsystem: subsystem,
				Name:      "user_ops_rejected_total",
				Help:      "The number of user operations rejected at admission, by error kind",
			}, []string{"kind"}),

		userOpsResolved: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Subsystem: subsystem,
				Name:      "user_ops_resolved_total",
				Help:      "The number of user operations that reached a terminal status",
			}, []string{"status"}),

		bundles: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Subsystem: subsystem,
				Name:      "bundles_total",
				Help:      "The number of handleOps submissions. If failed keeps increasing, check the node and signer balance",
			}, []string{"status"}),

		bundleSize: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: apNamespace,
				Subsystem: subsystem,
				Name:      "bundle_size",
				Help:      "Number of user operations per submitted bundle",
				Buckets:   []float64{1, 2, 3, 5, 10, 20, 50, 100},
			}),

		cycleDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: apNamespace,
				Subsystem: subsystem,
				Name:      "bundle_cycle_seconds",
				Help:      "Time from assembling a bundle until its receipt is reconciled",
				Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
			}),

		mempoolSize: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: apNamespace,
				Subsystem: subsystem,
				Name:      "mempool_size",
				Help:      "Number of user operations held in the pending pool",
			}),

		lastFee: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: apNamespace,
				Subsystem: subsystem,
				Name:      "network_max_fee_wei",
				Help:      "Last max fee per gas observed on the network",
			}),
	}
}

func (m *BundlerMetrics) UserOpReceived() {
	m.userOpsReceived.Inc()
}

func (m *BundlerMetrics) UserOpRejected(kind string) {
	m.userOpsRejected.WithLabelValues(kind).Inc()
}

func (m *BundlerMetrics) UserOpResolved(status string) {
	m.userOpsResolved.WithLabelValues(status).Inc()
}

func (m *BundlerMetrics) BundleSubmitted(status string, size int, elapsed time.Duration) {
	m.bundles.WithLabelValues(status).Inc()
	m.bundleSize.Observe(float64(size))
	m.cycleDuration.Observe(elapsed.Seconds())
}

func (m *BundlerMetrics) PoolSize(n int) {
	m.mempoolSize.Set(float64(n))
}

func (m *BundlerMetrics) LastFee(wei *big.Int) {
	f, _ := new(big.Float).SetInt(wei).Float64()
	m.lastFee.Set(f)
}
