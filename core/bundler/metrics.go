package bundler

import (
	"math/big"
	"time"
)

// Metrics receives bundler events. metrics.BundlerMetrics is the prometheus implementation.
type Metrics interface {
	UserOpReceived()
	UserOpRejected(kind string)
	UserOpResolved(status string)
	BundleSubmitted(status string, size int, elapsed time.Duration)
	PoolSize(n int)
	LastFee(wei *big.Int)
}

type noopMetrics struct{}

func (noopMetrics) UserOpReceived()                            {}
func (noopMetrics) UserOpRejected(string)                      {}
func (noopMetrics) UserOpResolved(string)                      {}
func (noopMetrics) BundleSubmitted(string, int, time.Duration) {}
func (noopMetrics) PoolSize(int)                               {}
func (noopMetrics) LastFee(*big.Int)                           {}
