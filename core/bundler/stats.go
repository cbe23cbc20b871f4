package bundler

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/AvaProtocol/ap-bundler/core/mempool"
)

const (
	HealthRunning  = "running"
	HealthStopped  = "stopped"
	HealthDegraded = "degraded"
)

// persisted counter names
const (
	counterBundlesTotal     = "bundles_total"
	counterBundlesSucceeded = "bundles_succeeded"
	counterBundlesFailed    = "bundles_failed"
	counterOpsProcessed     = "ops_processed"
	counterOpsIncluded      = "ops_included"
	counterOpsReverted      = "ops_reverted"
	counterOpsFailed        = "ops_failed"
	counterProcessingMs     = "processing_ms"
)

var counterNames = []string{
	counterBundlesTotal, counterBundlesSucceeded, counterBundlesFailed,
	counterOpsProcessed, counterOpsIncluded, counterOpsReverted, counterOpsFailed,
	counterProcessingMs,
}

// RunningStats accumulates batch counters and connectivity state.
type RunningStats struct {
	mu sync.Mutex

	totalBundles      uint64
	successfulBundles uint64
	failedBundles     uint64
	totalOps          uint64
	includedOps       uint64
	revertedOps       uint64
	failedOps         uint64
	processingTime    time.Duration

	lastFee   *big.Int
	lastFeeAt time.Time

	failureStreak     int
	degradedThreshold int
}

func NewRunningStats(degradedThreshold int) *RunningStats {
	return &RunningStats{degradedThreshold: degradedThreshold}
}

func (s *RunningStats) RecordSuccess(result *SubmitResult, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalBundles++
	s.successfulBundles++
	s.totalOps += uint64(len(result.Outcomes))
	for _, o := range result.Outcomes {
		switch o.Status {
		case mempool.StatusIncluded:
			s.includedOps++
		case mempool.StatusReverted:
			s.revertedOps++
		case mempool.StatusFailed:
			s.failedOps++
		}
	}
	s.processingTime += elapsed
	s.failureStreak = 0
}

func (s *RunningStats) RecordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalBundles++
	s.failedBundles++
	s.failureStreak++
}

// ObserveFee stores the latest max fee seen on the network and clears the failure streak.
func (s *RunningStats) ObserveFee(fee *big.Int, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fee != nil {
		s.lastFee = new(big.Int).Set(fee)
		s.lastFeeAt = at
	}
	s.failureStreak = 0
}

// ConnectivityFailure counts a failed fee refresh
func (s *RunningStats) ConnectivityFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failureStreak++
}

func (s *RunningStats) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.failureStreak >= s.degradedThreshold
}

func (s *RunningStats) FailureStreak() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.failureStreak
}

func (s *RunningStats) counters() map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return map[string]uint64{
		counterBundlesTotal:     s.totalBundles,
		counterBundlesSucceeded: s.successfulBundles,
		counterBundlesFailed:    s.failedBundles,
		counterOpsProcessed:     s.totalOps,
		counterOpsIncluded:      s.includedOps,
		counterOpsReverted:      s.revertedOps,
		counterOpsFailed:        s.failedOps,
		counterProcessingMs:     uint64(s.processingTime.Milliseconds()),
	}
}

func (s *RunningStats) restore(c map[string]uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalBundles = c[counterBundlesTotal]
	s.successfulBundles = c[counterBundlesSucceeded]
	s.failedBundles = c[counterBundlesFailed]
	s.totalOps = c[counterOpsProcessed]
	s.includedOps = c[counterOpsIncluded]
	s.revertedOps = c[counterOpsReverted]
	s.failedOps = c[counterOpsFailed]
	s.processingTime = time.Duration(c[counterProcessingMs]) * time.Millisecond
}

// Stats is the point in time view served to operators.
type Stats struct {
	TotalBundles        uint64  `json:"totalBundles"`
	SuccessfulBundles   uint64  `json:"successfulBundles"`
	FailedBundles       uint64  `json:"failedBundles"`
	TotalUserOps        uint64  `json:"totalUserOps"`
	IncludedUserOps     uint64  `json:"includedUserOps"`
	RevertedUserOps     uint64  `json:"revertedUserOps"`
	FailedUserOps       uint64  `json:"failedUserOps"`
	TotalProcessingMs   int64   `json:"totalProcessingTimeMs"`
	SuccessRate         float64 `json:"successRate"`
	AvgProcessingTimeMs float64 `json:"avgProcessingTimeMs"`
	AvgBundleSize       float64 `json:"avgBundleSize"`
	MempoolSize         int     `json:"mempoolSize"`
	CurrentGasPrice     string  `json:"currentGasPrice"`
	CurrentGasPriceGwei string  `json:"currentGasPriceGwei"`
	LastFeeUpdate       int64   `json:"lastFeeUpdate,omitempty"`
	ConsecutiveFailures int     `json:"consecutiveFailures"`
	BundlingMode        string  `json:"bundlingMode"`
}

// Snapshot derives the rates. Averages are over all batches, including failed ones.
func (s *RunningStats) Snapshot(poolSize int) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		TotalBundles:        s.totalBundles,
		SuccessfulBundles:   s.successfulBundles,
		FailedBundles:       s.failedBundles,
		TotalUserOps:        s.totalOps,
		IncludedUserOps:     s.includedOps,
		RevertedUserOps:     s.revertedOps,
		FailedUserOps:       s.failedOps,
		TotalProcessingMs:   s.processingTime.Milliseconds(),
		MempoolSize:         poolSize,
		CurrentGasPrice:     "0",
		CurrentGasPriceGwei: "0",
		ConsecutiveFailures: s.failureStreak,
	}

	if s.totalBundles > 0 {
		total := float64(s.totalBundles)
		st.SuccessRate = float64(s.successfulBundles) / total
		st.AvgProcessingTimeMs = float64(s.processingTime.Milliseconds()) / total
		st.AvgBundleSize = float64(s.totalOps) / total
	}

	if s.lastFee != nil {
		st.CurrentGasPrice = s.lastFee.String()
		st.CurrentGasPriceGwei = WeiToGwei(s.lastFee).String()
		st.LastFeeUpdate = s.lastFeeAt.Unix()
	}
	return st
}

// Health is what the health route reports
type Health struct {
	Status              string `json:"status"`
	Running             bool   `json:"running"`
	Degraded            bool   `json:"degraded"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	MempoolSize         int    `json:"mempoolSize"`
}

func (h Health) Healthy() bool {
	return h.Status == HealthRunning
}

func WeiToGwei(wei *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(wei, -9)
}

// String is used by the REPL
func (s Stats) String() string {
	return fmt.Sprintf("bundles=%d ok=%d failed=%d ops=%d mempool=%d gasPrice=%s gwei successRate=%.2f",
		s.TotalBundles, s.SuccessfulBundles, s.FailedBundles, s.TotalUserOps, s.MempoolSize, s.CurrentGasPriceGwei, s.SuccessRate)
}
