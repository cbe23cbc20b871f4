package metrics

import (
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestBundlerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewBundlerMetrics(nil, reg)

	m.UserOpReceived()
	m.UserOpReceived()
	m.UserOpRejected("DuplicateOperation")
	m.UserOpResolved("included")
	m.BundleSubmitted("confirmed", 2, 1500*time.Millisecond)
	m.BundleSubmitted("failed", 1, time.Second)
	m.PoolSize(7)
	m.LastFee(big.NewInt(2_000_000_000))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.userOpsReceived))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.userOpsRejected.WithLabelValues("DuplicateOperation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.userOpsResolved.WithLabelValues("included")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.bundles.WithLabelValues("confirmed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.bundles.WithLabelValues("failed")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.mempoolSize))
	assert.Equal(t, 2e9, testutil.ToFloat64(m.lastFee))

	n, err := testutil.GatherAndCount(reg, "ap_bundler_bundle_size")
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}
