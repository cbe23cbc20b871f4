package bundler

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	"github.com/AvaProtocol/ap-bundler/core/testutil"
	"github.com/AvaProtocol/ap-bundler/pkg/eip1559"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-bundler/storage"
)

var gwei = big.NewInt(1_000_000_000)

// fakeSettlement mimics the entry point. Hashes follow the local hash rule and
// every submitted op gets a success event unless told otherwise.
type fakeSettlement struct {
	mu sync.Mutex

	address common.Address
	chainID *big.Int
	ep      *aa.EntryPoint

	undeployed    map[common.Address]bool
	hasCodeCalls  int
	simulateErr   error
	feeData       *eip1559.FeeData
	feeErr        error
	handleOpsErr  error
	waitErr       error
	receiptStatus uint64

	// hashes with no UserOperationEvent in the receipt
	missingEvents map[common.Hash]bool
	// hashes whose event reports failure, with the revert data
	revertedEvents map[common.Hash][]byte

	// runs after a successful broadcast, outside the lock
	afterHandleOps func()

	handleOpsCalls int
	submitted      [][]userop.PackedUserOperation
	nonce          uint64
}

func newFakeSettlement(t *testing.T) *fakeSettlement {
	t.Helper()
	ep, err := aa.NewEntryPoint(testutil.TestEntryPoint, nil)
	require.NoError(t, err)

	return &fakeSettlement{
		address:    testutil.TestEntryPoint,
		chainID:    testutil.TestChainID,
		ep:         ep,
		undeployed: map[common.Address]bool{},
		feeData: &eip1559.FeeData{
			MaxFeePerGas:         big.NewInt(2_000_000_000),
			MaxPriorityFeePerGas: big.NewInt(1_000_000_000),
			BaseFee:              big.NewInt(500_000_000),
		},
		receiptStatus:  types.ReceiptStatusSuccessful,
		missingEvents:  map[common.Hash]bool{},
		revertedEvents: map[common.Hash][]byte{},
	}
}

func (f *fakeSettlement) Address() common.Address { return f.address }

func (f *fakeSettlement) ChainID() *big.Int { return new(big.Int).Set(f.chainID) }

func (f *fakeSettlement) SimulateValidation(ctx context.Context, op *userop.UserOperation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.simulateErr
}

func (f *fakeSettlement) GetUserOpHash(ctx context.Context, op *userop.UserOperation) (common.Hash, error) {
	return userop.Hash(op, f.address, f.chainID)
}

func (f *fakeSettlement) HandleOps(ctx context.Context, ops []userop.PackedUserOperation, beneficiary common.Address) (*types.Transaction, error) {
	f.mu.Lock()
	f.handleOpsCalls++
	if f.handleOpsErr != nil {
		f.mu.Unlock()
		return nil, f.handleOpsErr
	}
	f.submitted = append(f.submitted, ops)
	f.nonce++
	tx := types.NewTx(&types.DynamicFeeTx{Nonce: f.nonce, To: &f.address, Gas: 1_000_000})
	after := f.afterHandleOps
	f.mu.Unlock()

	if after != nil {
		after()
	}
	return tx, nil
}

func (f *fakeSettlement) WaitForReceipt(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	return &types.Receipt{
		Status:      f.receiptStatus,
		TxHash:      tx.Hash(),
		BlockHash:   common.HexToHash("0xb10c"),
		BlockNumber: big.NewInt(100),
		GasUsed:     250_000,
	}, nil
}

func (f *fakeSettlement) ParseReceipt(receipt *types.Receipt) map[common.Hash]*aa.UserOperationResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	results := map[common.Hash]*aa.UserOperationResult{}
	if len(f.submitted) == 0 {
		return results
	}

	for _, packed := range f.submitted[len(f.submitted)-1] {
		p := packed
		hash, err := p.Hash(f.address, f.chainID)
		if err != nil || f.missingEvents[hash] {
			continue
		}
		reason, reverted := f.revertedEvents[hash]
		results[hash] = &aa.UserOperationResult{
			UserOpHash:    hash,
			Sender:        p.Sender,
			Nonce:         p.Nonce,
			Success:       !reverted,
			ActualGasCost: big.NewInt(42_000),
			ActualGasUsed: big.NewInt(21_000),
			RevertReason:  reason,
		}
	}
	return results
}

func (f *fakeSettlement) EncodeOps(ops []userop.PackedUserOperation) ([]byte, error) {
	return f.ep.EncodeOps(ops)
}

func (f *fakeSettlement) HasCode(ctx context.Context, account common.Address) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.hasCodeCalls++
	return !f.undeployed[account], nil
}

func (f *fakeSettlement) FeeData(ctx context.Context) (*eip1559.FeeData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.feeErr != nil {
		return nil, f.feeErr
	}
	return f.feeData, nil
}

func (f *fakeSettlement) set(fn func(f *fakeSettlement)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeSettlement) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handleOpsCalls
}

var errRPC = errors.New("connection refused")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newMemStorage(t *testing.T) storage.Storage {
	t.Helper()
	db, err := storage.New(&storage.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Beneficiary = common.HexToAddress("0xbe11e")
	cfg.Limits.MaxFeePerGas = big.NewInt(100_000_000_000)
	return cfg
}

type testBundler struct {
	*Bundler
	settlement *fakeSettlement
	clock      *testClock
	db         storage.Storage
}

func newTestBundler(t *testing.T, mutate ...func(*Config)) *testBundler {
	t.Helper()

	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}

	settlement := newFakeSettlement(t)
	clock := &testClock{now: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
	db := newMemStorage(t)

	b, err := New(cfg, settlement, db, nil, WithClock(clock.Now), WithCodeCache(testutil.GetDefaultCache()))
	require.NoError(t, err)

	return &testBundler{Bundler: b, settlement: settlement, clock: clock, db: db}
}

func mustAdd(t *testing.T, b *testBundler, op *userop.UserOperation) common.Hash {
	t.Helper()
	hash, err := b.AddUserOp(context.Background(), op)
	require.NoError(t, err)
	return hash
}
