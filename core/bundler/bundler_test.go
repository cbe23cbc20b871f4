package bundler

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-bundler/core/bundlererr"
	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/core/testutil"
	"github.com/AvaProtocol/ap-bundler/pkg/eip1559"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

func TestAddUserOp(t *testing.T) {
	b := newTestBundler(t)
	op := testutil.NewUserOp(testutil.TestSender1, 0)

	hash, err := b.AddUserOp(context.Background(), op)
	require.NoError(t, err)

	want, err := userop.Hash(op, testutil.TestEntryPoint, testutil.TestChainID)
	require.NoError(t, err)
	assert.Equal(t, want, hash)

	entry, err := b.GetUserOp(hash)
	require.NoError(t, err)
	assert.Equal(t, hash, entry.Hash)
	assert.Equal(t, mempool.StatusPending, entry.Status)
	// 2 gwei network max fee padded by 1.1
	assert.Equal(t, big.NewInt(2_200_000_000), entry.GasPrice)
	assert.Equal(t, b.clock.Now().Add(5*time.Minute), entry.ExpireTime)
}

func TestAddUserOpDuplicate(t *testing.T) {
	b := newTestBundler(t)
	op := testutil.NewUserOp(testutil.TestSender1, 0)
	mustAdd(t, b, op)

	_, err := b.AddUserOp(context.Background(), testutil.NewUserOp(testutil.TestSender1, 0))
	assert.ErrorIs(t, err, bundlererr.ErrDuplicate)
	assert.Equal(t, 1, b.pool.Size())
}

func TestAddUserOpRejectionsLeavePoolUntouched(t *testing.T) {
	tests := []struct {
		name   string
		config func(c *Config)
		mutate func(f *fakeSettlement)
		op     func() *userop.UserOperation
		want   error
	}{
		{
			name: "malformed",
			op: func() *userop.UserOperation {
				op := testutil.NewUserOp(testutil.TestSender2, 0)
				op.CallData = nil
				return op
			},
			want: bundlererr.ErrMalformed,
		},
		{
			name:   "simulation revert",
			mutate: func(f *fakeSettlement) { f.simulateErr = errRPC },
			want:   bundlererr.ErrValidationFailed,
		},
		{
			name:   "fee data down",
			mutate: func(f *fakeSettlement) { f.feeErr = errRPC },
			want:   bundlererr.ErrEstimation,
		},
		{
			name: "fee too high",
			mutate: func(f *fakeSettlement) {
				f.feeData = &eip1559.FeeData{MaxFeePerGas: big.NewInt(200_000_000_000), MaxPriorityFeePerGas: gwei}
			},
			want: bundlererr.ErrFeeTooHigh,
		},
		{
			name:   "paymaster limit",
			config: func(c *Config) { c.Limits.MaxPerPaymaster = 1 },
			op: func() *userop.UserOperation {
				return testutil.WithPaymaster(testutil.NewUserOp(testutil.TestSender2, 0), testutil.TestPaymaster)
			},
			want: bundlererr.ErrPaymasterLimitExceed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mutate []func(*Config)
			if tt.config != nil {
				mutate = append(mutate, tt.config)
			}
			b := newTestBundler(t, mutate...)

			first := testutil.WithPaymaster(testutil.NewUserOp(testutil.TestSender1, 0), testutil.TestPaymaster)
			mustAdd(t, b, first)

			if tt.mutate != nil {
				b.settlement.set(tt.mutate)
			}
			op := testutil.NewUserOp(testutil.TestSender2, 0)
			if tt.op != nil {
				op = tt.op()
			}

			_, err := b.AddUserOp(context.Background(), op)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, 1, b.pool.Size())
		})
	}
}

func TestSenderLimitScenario(t *testing.T) {
	b := newTestBundler(t, func(c *Config) {
		c.Limits.MaxSize = 2
		c.Limits.MaxPerSender = 1
	})

	mustAdd(t, b, testutil.NewUserOp(testutil.TestSender1, 0))
	_, err := b.AddUserOp(context.Background(), testutil.NewUserOp(testutil.TestSender1, 1))

	assert.ErrorIs(t, err, bundlererr.ErrSenderLimitExceeded)
	assert.Equal(t, 1, b.pool.Size())
}

func TestPoolFullAfterExpiry(t *testing.T) {
	b := newTestBundler(t, func(c *Config) {
		c.Limits.MaxSize = 1
		c.Limits.TTL = time.Minute
	})

	old := mustAdd(t, b, testutil.NewUserOp(testutil.TestSender1, 0))
	_, err := b.AddUserOp(context.Background(), testutil.NewUserOp(testutil.TestSender2, 0))
	assert.ErrorIs(t, err, bundlererr.ErrPoolFull)

	b.clock.Advance(2 * time.Minute)
	mustAdd(t, b, testutil.NewUserOp(testutil.TestSender2, 0))

	_, err = b.GetUserOp(old)
	assert.ErrorIs(t, err, bundlererr.ErrNotFound)
	assert.Equal(t, 1, b.pool.Size())
}

func TestMinBundleSizeScenario(t *testing.T) {
	b := newTestBundler(t, func(c *Config) { c.MinBundleSize = 3 })
	h1 := mustAdd(t, b, testutil.NewUserOp(testutil.TestSender1, 0))
	h2 := mustAdd(t, b, testutil.NewUserOp(testutil.TestSender2, 0))

	b.bundleTick()

	assert.Equal(t, 0, b.settlement.calls())
	pending := b.ListPending()
	require.Len(t, pending, 2)
	assert.Equal(t, h1, pending[0].Hash)
	assert.Equal(t, h2, pending[1].Hash)
	assert.Equal(t, uint64(0), b.Stats().TotalBundles)
}

func TestBundleTickSubmitsUpToMaxSize(t *testing.T) {
	b := newTestBundler(t, func(c *Config) { c.MaxBundleSize = 2 })
	for i := 0; i < 3; i++ {
		mustAdd(t, b, testutil.NewUserOp(testutil.TestSender1, int64(i)))
	}

	b.bundleTick()

	assert.Equal(t, 1, b.settlement.calls())
	pending := b.ListPending()
	require.Len(t, pending, 1)
	assert.Equal(t, int64(2), pending[0].Nonce.Int64())
}

func TestSendBundleNowEmptyPool(t *testing.T) {
	b := newTestBundler(t)

	_, err := b.SendBundleNow(context.Background())
	assert.ErrorIs(t, err, bundlererr.ErrNotEnoughOperations)
	assert.Equal(t, 0, b.settlement.calls())
}

func TestEstimateUserOpGasDoesNotAdmit(t *testing.T) {
	b := newTestBundler(t)

	est, err := b.EstimateUserOpGas(context.Background(), testutil.NewUserOp(testutil.TestSender1, 0))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(110_000), est.CallGasLimit)
	assert.Equal(t, 0, b.pool.Size())
	assert.Equal(t, "2000000000", b.Stats().CurrentGasPrice)
}

func TestClearAndDump(t *testing.T) {
	b := newTestBundler(t)
	mustAdd(t, b, testutil.NewUserOp(testutil.TestSender1, 0))
	mustAdd(t, b, testutil.NewUserOp(testutil.TestSender1, 1))

	assert.Len(t, b.Dump(), 2)
	assert.Equal(t, 2, b.Clear())
	assert.Empty(t, b.Dump())
}

func TestStatsDerivedValues(t *testing.T) {
	b := newTestBundler(t)

	mustAdd(t, b, testutil.NewUserOp(testutil.TestSender1, 0))
	mustAdd(t, b, testutil.NewUserOp(testutil.TestSender2, 0))
	_, err := b.SendBundleNow(context.Background())
	require.NoError(t, err)

	mustAdd(t, b, testutil.NewUserOp(testutil.TestSender1, 1))
	b.settlement.set(func(f *fakeSettlement) { f.handleOpsErr = errRPC })
	_, err = b.SendBundleNow(context.Background())
	require.Error(t, err)

	st := b.Stats()
	assert.Equal(t, uint64(2), st.TotalBundles)
	assert.Equal(t, uint64(1), st.SuccessfulBundles)
	assert.Equal(t, uint64(1), st.FailedBundles)
	assert.Equal(t, uint64(2), st.TotalUserOps)
	assert.Equal(t, uint64(2), st.IncludedUserOps)
	assert.InDelta(t, 0.5, st.SuccessRate, 1e-9)
	assert.InDelta(t, 1.0, st.AvgBundleSize, 1e-9)
	assert.Equal(t, 1, st.MempoolSize)
	assert.Equal(t, "auto", st.BundlingMode)
}

func TestCountersSurviveRestart(t *testing.T) {
	b := newTestBundler(t)
	mustAdd(t, b, testutil.NewUserOp(testutil.TestSender1, 0))
	_, err := b.SendBundleNow(context.Background())
	require.NoError(t, err)
	require.NoError(t, b.Stop())

	again, err := New(testConfig(), b.settlement, b.db, nil)
	require.NoError(t, err)

	st := again.Stats()
	assert.Equal(t, uint64(1), st.TotalBundles)
	assert.Equal(t, uint64(1), st.TotalUserOps)
	assert.Equal(t, 0, st.MempoolSize)
}

func TestHealth(t *testing.T) {
	b := newTestBundler(t, func(c *Config) { c.BundlingMode = BundlingModeManual })
	assert.Equal(t, HealthStopped, b.Health().Status)

	require.NoError(t, b.Start())
	t.Cleanup(func() { b.Stop() })
	assert.Equal(t, HealthRunning, b.Health().Status)
	assert.True(t, b.Health().Healthy())

	// the fee refresh fires once on start, the next one is 10s away
	assert.Eventually(t, func() bool {
		return b.Stats().LastFeeUpdate != 0
	}, 2*time.Second, 10*time.Millisecond)

	b.settlement.set(func(f *fakeSettlement) { f.feeErr = errRPC })
	for i := 0; i < 3; i++ {
		b.refreshFee()
	}
	h := b.Health()
	assert.Equal(t, HealthDegraded, h.Status)
	assert.Equal(t, 3, h.ConsecutiveFailures)

	b.settlement.set(func(f *fakeSettlement) { f.feeErr = nil })
	b.refreshFee()
	assert.Equal(t, HealthRunning, b.Health().Status)

	require.NoError(t, b.Stop())
	assert.Equal(t, HealthStopped, b.Health().Status)
}

func TestSetBundlingMode(t *testing.T) {
	b := newTestBundler(t)

	assert.ErrorIs(t, b.SetBundlingMode("sometimes"), bundlererr.ErrMalformed)
	require.NoError(t, b.SetBundlingMode(BundlingModeManual))
	assert.Equal(t, BundlingModeManual, b.BundlingMode())
}

func TestConcurrentAdmissionsRespectSenderLimit(t *testing.T) {
	b := newTestBundler(t, func(c *Config) { c.Limits.MaxPerSender = 5 })

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(nonce int64) {
			defer wg.Done()
			if _, err := b.AddUserOp(context.Background(), testutil.NewUserOp(testutil.TestSender1, nonce)); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(int64(i))
	}
	wg.Wait()

	assert.Equal(t, 5, admitted)
	assert.Equal(t, 5, b.pool.Size())
}
