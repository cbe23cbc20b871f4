package bundler

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-bundler/core/bundlererr"
	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/pkg/eip1559"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
	"github.com/AvaProtocol/ap-bundler/storage"
)

const feeRefreshTimeout = 10 * time.Second

// Bundler wires the pool, admission, batching and submission together. It is
// what the transports call into.
type Bundler struct {
	config     Config
	settlement Settlement

	pool      *mempool.Pool
	validator *Validator
	estimator *Estimator
	assembler *Assembler
	submitter *Submitter
	history   *History
	stats     *RunningStats
	scheduler *Scheduler

	// one batch cycle at a time, timer or manual
	cycleMu sync.Mutex

	codeCache *bigcache.BigCache
	metrics   Metrics
	now       func() time.Time
	logger    logger.Logger
}

type Option func(*Bundler)

func WithMetrics(m Metrics) Option {
	return func(b *Bundler) {
		if m != nil {
			b.metrics = m
		}
	}
}

// WithCodeCache sets the cache used for account code presence
func WithCodeCache(c *bigcache.BigCache) Option {
	return func(b *Bundler) {
		b.codeCache = c
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Bundler) {
		b.now = now
	}
}

func New(config Config, settlement Settlement, db storage.Storage, log logger.Logger, opts ...Option) (*Bundler, error) {
	if settlement == nil {
		return nil, errors.New("settlement is required")
	}
	if db == nil {
		return nil, errors.New("storage is required")
	}

	config = config.withDefaults()
	log = logger.EnsureLogger(log)

	b := &Bundler{
		config:     config,
		settlement: settlement,
		metrics:    noopMetrics{},
		now:        time.Now,
		logger:     logger.Component(log, "bundler"),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.pool = mempool.New(config.Limits, mempool.WithClock(b.now), mempool.WithLogger(log))
	b.validator = NewValidator(settlement, b.codeCache, config.MaxCallGasLimit, config.MaxVerificationGasLimit, log)
	b.estimator = NewEstimator(settlement, b.validator, config.GasMultiplier, config.MinPriorityFee)
	b.assembler = NewAssembler(b.pool, settlement)
	b.history = NewHistory(db, log)
	b.submitter = NewSubmitter(settlement, b.pool, b.history, config.ConfirmationTimeout, log)
	b.submitter.now = b.now
	b.stats = NewRunningStats(config.DegradedThreshold)
	b.estimator.onFee = func(fee *eip1559.FeeData) {
		b.observeFee(fee)
	}

	counters, err := b.history.LoadCounters(counterNames...)
	if err != nil {
		return nil, err
	}
	b.stats.restore(counters)

	sweep := config.Limits.TTL / 2
	b.scheduler = NewScheduler(SchedulerIntervals{
		Bundle:     config.BundleInterval,
		RefreshFee: config.FeeRefreshInterval,
		Sweep:      sweep,
	}, config.BundlingMode, SchedulerTasks{
		Bundle:     b.bundleTick,
		RefreshFee: b.refreshFee,
		Sweep:      b.sweep,
	}, log)

	return b, nil
}

func (b *Bundler) Start() error {
	if err := b.scheduler.Start(); err != nil {
		return err
	}
	b.logger.Info("bundler started",
		"entryPoint", b.settlement.Address().Hex(),
		"chainId", b.settlement.ChainID(),
		"beneficiary", b.config.Beneficiary.Hex(),
		"minBundleSize", b.config.MinBundleSize,
		"maxBundleSize", b.config.MaxBundleSize)
	return nil
}

// Stop halts the timers and flushes counters. An in flight cycle is not interrupted.
func (b *Bundler) Stop() error {
	err := b.scheduler.Stop()
	if saveErr := b.history.SaveCounters(b.stats.counters()); saveErr != nil {
		b.logger.Error("cannot persist counters on stop", "error", saveErr)
	}
	return err
}

func (b *Bundler) EntryPoint() common.Address {
	return b.settlement.Address()
}

func (b *Bundler) ChainID() *big.Int {
	return b.settlement.ChainID()
}

// AddUserOp validates, hashes and estimates op without holding the pool lock,
// then admits it. The returned hash is the entry point's userOpHash.
func (b *Bundler) AddUserOp(ctx context.Context, op *userop.UserOperation) (common.Hash, error) {
	b.metrics.UserOpReceived()

	hash, err := b.admit(ctx, op)
	if err != nil {
		kind := bundlererr.KindOf(err)
		if kind == "" {
			kind = "Unknown"
		}
		b.metrics.UserOpRejected(string(kind))
		b.logger.Info("user operation rejected", "sender", senderOf(op), "kind", kind, "error", err)
		return common.Hash{}, err
	}

	b.metrics.PoolSize(b.pool.Size())
	b.logger.Info("user operation received", "userOpHash", hash.Hex(), "sender", op.Sender.Hex(), "nonce", op.Nonce)
	return hash, nil
}

func (b *Bundler) admit(ctx context.Context, op *userop.UserOperation) (common.Hash, error) {
	if err := b.validator.Validate(ctx, op); err != nil {
		return common.Hash{}, err
	}

	hash, err := b.settlement.GetUserOpHash(ctx, op)
	if err != nil {
		return common.Hash{}, bundlererr.NewValidationFailedError("cannot compute user operation hash", err)
	}

	// the pool checks again under its lock, this only saves an estimate
	if _, exists := b.pool.Get(hash); exists {
		return common.Hash{}, bundlererr.NewDuplicateError(hash)
	}

	estimate, err := b.estimator.estimateSimulated(ctx, op)
	if err != nil {
		return common.Hash{}, err
	}

	if _, err := b.pool.Add(op, hash, estimate.MaxFeePerGas); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

func (b *Bundler) GetUserOp(hash common.Hash) (*mempool.Entry, error) {
	entry, ok := b.pool.Get(hash)
	if !ok {
		return nil, bundlererr.NewNotFoundError(hash)
	}
	return entry, nil
}

func (b *Bundler) ListPending() []*mempool.Entry {
	return b.pool.ListPending()
}

// EstimateUserOpGas estimates op without admitting it.
func (b *Bundler) EstimateUserOpGas(ctx context.Context, op *userop.UserOperation) (*GasEstimate, error) {
	if op == nil {
		return nil, bundlererr.NewMalformedError("userOperation", "missing")
	}
	return b.estimator.Estimate(ctx, op)
}

// GetReceipt returns the recorded outcome of a resolved operation.
func (b *Bundler) GetReceipt(hash common.Hash) (*Outcome, error) {
	return b.history.GetOutcome(hash)
}

func (b *Bundler) RecentBatches(limit int) ([]*BatchRecord, error) {
	return b.history.RecentBatches(limit)
}

func (b *Bundler) Stats() Stats {
	st := b.stats.Snapshot(b.pool.Size())
	st.BundlingMode = string(b.scheduler.Mode())
	return st
}

func (b *Bundler) Health() Health {
	h := Health{
		Status:              HealthStopped,
		Running:             b.scheduler.State() == SchedulerRunning,
		Degraded:            b.stats.Degraded(),
		ConsecutiveFailures: b.stats.FailureStreak(),
		MempoolSize:         b.pool.Size(),
	}

	switch {
	case !h.Running:
		h.Status = HealthStopped
	case h.Degraded:
		h.Status = HealthDegraded
	default:
		h.Status = HealthRunning
	}
	return h
}

// Clear drops every pooled operation
func (b *Bundler) Clear() int {
	n := b.pool.Clear()
	b.metrics.PoolSize(0)
	b.logger.Warn("mempool cleared", "count", n)
	return n
}

func (b *Bundler) Dump() []*mempool.Entry {
	return b.pool.Dump()
}

// SendBundleNow runs one batch cycle immediately with whatever is pending,
// waiting for a cycle already in flight.
func (b *Bundler) SendBundleNow(ctx context.Context) (*SubmitResult, error) {
	b.cycleMu.Lock()
	defer b.cycleMu.Unlock()

	return b.runCycle(ctx, 1)
}

func (b *Bundler) SetBundlingMode(mode BundlingMode) error {
	if _, err := ParseBundlingMode(string(mode)); err != nil {
		return bundlererr.NewMalformedError("mode", err.Error())
	}
	return b.scheduler.SetMode(mode)
}

func (b *Bundler) BundlingMode() BundlingMode {
	return b.scheduler.Mode()
}

// bundleTick is the timer driven cycle. It skips when another cycle holds the lock.
func (b *Bundler) bundleTick() {
	if !b.cycleMu.TryLock() {
		b.logger.Debug("bundle cycle still running, skip tick")
		return
	}
	defer b.cycleMu.Unlock()

	_, err := b.runCycle(context.Background(), b.config.MinBundleSize)
	switch {
	case err == nil:
	case errors.Is(err, bundlererr.ErrNotEnoughOperations):
		b.logger.Debug("not enough user operations, skip cycle", "pending", b.pool.Size())
	default:
		b.logger.Error("bundle cycle failed", "error", err)
	}
}

// runCycle assembles, submits and records one batch. Callers hold cycleMu.
func (b *Bundler) runCycle(ctx context.Context, minSize int) (*SubmitResult, error) {
	started := b.now()

	batch, err := b.assembler.Assemble(minSize, b.config.MaxBundleSize, b.config.Beneficiary)
	if err != nil {
		return nil, err
	}

	b.logger.Info("bundle created", "batch", batch.ID.Hex(), "ops", batch.Size())

	result, err := b.submitter.Submit(ctx, batch)
	elapsed := b.now().Sub(started)
	if err != nil {
		b.stats.RecordFailure()
		b.metrics.BundleSubmitted(string(BatchStatusFailed), batch.Size(), elapsed)
		b.persistCounters()
		return nil, err
	}

	b.stats.RecordSuccess(result, elapsed)
	b.metrics.BundleSubmitted(string(BatchStatusConfirmed), batch.Size(), elapsed)
	for _, o := range result.Outcomes {
		b.metrics.UserOpResolved(string(o.Status))
	}
	b.metrics.PoolSize(b.pool.Size())
	b.persistCounters()

	b.logger.Info("bundle included",
		"batch", batch.ID.Hex(),
		"tx", result.TransactionHash.Hex(),
		"block", result.BlockNumber,
		"gasUsed", result.GasUsed,
		"included", result.Count(mempool.StatusIncluded),
		"reverted", result.Count(mempool.StatusReverted),
		"failed", result.Count(mempool.StatusFailed))
	return result, nil
}

func (b *Bundler) refreshFee() {
	ctx, cancel := context.WithTimeout(context.Background(), feeRefreshTimeout)
	defer cancel()

	fee, err := b.settlement.FeeData(ctx)
	if err != nil {
		b.stats.ConnectivityFailure()
		b.logger.Warn("failed to update gas price", "error", err, "degraded", b.stats.Degraded())
		return
	}
	b.observeFee(fee)
}

func (b *Bundler) observeFee(fee *eip1559.FeeData) {
	if fee == nil {
		return
	}
	b.stats.ObserveFee(fee.MaxFeePerGas, b.now())
	if fee.MaxFeePerGas != nil {
		b.metrics.LastFee(fee.MaxFeePerGas)
	}
}

func (b *Bundler) sweep() {
	if n := b.pool.EvictExpired(); n > 0 {
		b.metrics.PoolSize(b.pool.Size())
	}
}

func (b *Bundler) persistCounters() {
	if err := b.history.SaveCounters(b.stats.counters()); err != nil {
		b.logger.Error("cannot persist counters", "error", err)
	}
}

func senderOf(op *userop.UserOperation) string {
	if op == nil {
		return ""
	}
	return op.Sender.Hex()
}
