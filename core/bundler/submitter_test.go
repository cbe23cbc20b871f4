package bundler

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-bundler/core/bundlererr"
	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/core/testutil"
)

func TestSendBundleAllIncluded(t *testing.T) {
	b := newTestBundler(t)
	h1 := mustAdd(t, b, testutil.NewUserOp(testutil.TestSender1, 0))
	h2 := mustAdd(t, b, testutil.NewUserOp(testutil.TestSender2, 0))

	result, err := b.SendBundleNow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Count(mempool.StatusIncluded))
	assert.Equal(t, 0, b.pool.Size())
	for _, h := range []common.Hash{h1, h2} {
		_, err := b.GetUserOp(h)
		assert.ErrorIs(t, err, bundlererr.ErrNotFound)

		outcome, err := b.GetReceipt(h)
		require.NoError(t, err)
		assert.Equal(t, mempool.StatusIncluded, outcome.Status)
		assert.True(t, outcome.Success)
		assert.Equal(t, result.TransactionHash, outcome.TransactionHash)
		assert.Equal(t, int64(21_000), outcome.ActualGasUsed.ToInt().Int64())
	}

	require.Len(t, b.settlement.submitted, 1)
	assert.Len(t, b.settlement.submitted[0], 2)
}

func TestSendBundleFailureKeepsPending(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *fakeSettlement)
	}{
		{"send fails", func(f *fakeSettlement) { f.handleOpsErr = errRPC }},
		{"confirmation times out", func(f *fakeSettlement) { f.waitErr = context.DeadlineExceeded }},
		{"transaction reverted", func(f *fakeSettlement) { f.receiptStatus = types.ReceiptStatusFailed }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBundler(t)
			h1 := mustAdd(t, b, testutil.NewUserOp(testutil.TestSender1, 0))
			h2 := mustAdd(t, b, testutil.NewUserOp(testutil.TestSender1, 1))
			b.settlement.set(tt.mutate)

			result, err := b.SendBundleNow(context.Background())
			assert.Nil(t, result)
			assert.ErrorIs(t, err, bundlererr.ErrSubmission)

			for _, h := range []common.Hash{h1, h2} {
				entry, err := b.GetUserOp(h)
				require.NoError(t, err)
				assert.Equal(t, mempool.StatusPending, entry.Status)

				_, err = b.GetReceipt(h)
				assert.ErrorIs(t, err, bundlererr.ErrNotFound)
			}
			assert.Len(t, b.ListPending(), 2)

			stats := b.Stats()
			assert.Equal(t, uint64(1), stats.TotalBundles)
			assert.Equal(t, uint64(1), stats.FailedBundles)
			assert.Equal(t, 1, stats.ConsecutiveFailures)

			records, err := b.RecentBatches(10)
			require.NoError(t, err)
			require.Len(t, records, 1)
			assert.Equal(t, BatchStatusFailed, records[0].Status)
			assert.NotEmpty(t, records[0].Error)
		})
	}
}

func TestSendBundlePartialEvents(t *testing.T) {
	b := newTestBundler(t)
	h1 := mustAdd(t, b, testutil.NewUserOp(testutil.TestSender1, 0))
	h2 := mustAdd(t, b, testutil.NewUserOp(testutil.TestSender2, 0))
	b.settlement.set(func(f *fakeSettlement) { f.missingEvents[h2] = true })

	result, err := b.SendBundleNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Count(mempool.StatusIncluded))
	assert.Equal(t, 1, result.Count(mempool.StatusFailed))
	assert.Equal(t, 0, b.pool.Size())

	o1, err := b.GetReceipt(h1)
	require.NoError(t, err)
	assert.Equal(t, mempool.StatusIncluded, o1.Status)

	o2, err := b.GetReceipt(h2)
	require.NoError(t, err)
	assert.Equal(t, mempool.StatusFailed, o2.Status)
	assert.Equal(t, ReasonEventNotFound, o2.Reason)
	assert.Nil(t, o2.ActualGasCost)
}

func TestSendBundleRevertedOperation(t *testing.T) {
	b := newTestBundler(t)
	h1 := mustAdd(t, b, testutil.NewUserOp(testutil.TestSender1, 0))
	// Error(string) "nope"
	revert := common.FromHex("0x08c379a0" +
		"0000000000000000000000000000000000000000000000000000000000000020" +
		"0000000000000000000000000000000000000000000000000000000000000004" +
		"6e6f706500000000000000000000000000000000000000000000000000000000")
	b.settlement.set(func(f *fakeSettlement) { f.revertedEvents[h1] = revert })

	result, err := b.SendBundleNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Count(mempool.StatusReverted))

	o, err := b.GetReceipt(h1)
	require.NoError(t, err)
	assert.Equal(t, mempool.StatusReverted, o.Status)
	assert.False(t, o.Success)
	assert.Contains(t, o.Reason, "nope")

	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.SuccessfulBundles)
	assert.Equal(t, uint64(1), stats.RevertedUserOps)
}

func TestSendBundleOutlivesCallerCancel(t *testing.T) {
	b := newTestBundler(t)
	h := mustAdd(t, b, testutil.NewUserOp(testutil.TestSender1, 0))

	// the caller goes away right after handleOps is broadcast
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.settlement.set(func(f *fakeSettlement) { f.afterHandleOps = cancel })

	result, err := b.SendBundleNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Count(mempool.StatusIncluded))

	outcome, err := b.GetReceipt(h)
	require.NoError(t, err)
	assert.Equal(t, mempool.StatusIncluded, outcome.Status)
	assert.Equal(t, 0, b.pool.Size())

	// nothing left to broadcast again
	_, err = b.SendBundleNow(context.Background())
	assert.ErrorIs(t, err, bundlererr.ErrNotEnoughOperations)
	assert.Equal(t, 1, b.settlement.calls())
}
