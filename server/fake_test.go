package server

import (
	"context"
	"math/big"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-bundler/core/bundler"
	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	"github.com/AvaProtocol/ap-bundler/core/config"
	"github.com/AvaProtocol/ap-bundler/core/testutil"
	"github.com/AvaProtocol/ap-bundler/metrics"
	"github.com/AvaProtocol/ap-bundler/pkg/eip1559"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-bundler/storage"
)

const (
	testSignerKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testJwtSecret = "server-test-secret"
)

// entryPoint is a chain-free settlement: every op validates and every
// submitted op gets a success event.
type entryPoint struct {
	mu sync.Mutex

	ep          *aa.EntryPoint
	simulateErr error
	submitted   []userop.PackedUserOperation
	nonce       uint64
}

func (f *entryPoint) Address() common.Address { return testutil.TestEntryPoint }

func (f *entryPoint) ChainID() *big.Int { return new(big.Int).Set(testutil.TestChainID) }

func (f *entryPoint) SimulateValidation(ctx context.Context, op *userop.UserOperation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.simulateErr
}

func (f *entryPoint) GetUserOpHash(ctx context.Context, op *userop.UserOperation) (common.Hash, error) {
	return userop.Hash(op, testutil.TestEntryPoint, testutil.TestChainID)
}

func (f *entryPoint) HandleOps(ctx context.Context, ops []userop.PackedUserOperation, beneficiary common.Address) (*types.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.submitted = ops
	f.nonce++
	to := testutil.TestEntryPoint
	return types.NewTx(&types.DynamicFeeTx{Nonce: f.nonce, To: &to, Gas: 1_000_000}), nil
}

func (f *entryPoint) WaitForReceipt(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	return &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockHash:   common.HexToHash("0xb10c"),
		BlockNumber: big.NewInt(7),
		GasUsed:     90_000,
	}, nil
}

func (f *entryPoint) ParseReceipt(receipt *types.Receipt) map[common.Hash]*aa.UserOperationResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	results := map[common.Hash]*aa.UserOperationResult{}
	for _, packed := range f.submitted {
		p := packed
		hash, err := p.Hash(testutil.TestEntryPoint, testutil.TestChainID)
		if err != nil {
			continue
		}
		results[hash] = &aa.UserOperationResult{
			UserOpHash:    hash,
			Sender:        p.Sender,
			Nonce:         p.Nonce,
			Success:       true,
			ActualGasCost: big.NewInt(42_000),
			ActualGasUsed: big.NewInt(21_000),
		}
	}
	return results
}

func (f *entryPoint) EncodeOps(ops []userop.PackedUserOperation) ([]byte, error) {
	return f.ep.EncodeOps(ops)
}

func (f *entryPoint) HasCode(ctx context.Context, account common.Address) (bool, error) {
	return true, nil
}

func (f *entryPoint) FeeData(ctx context.Context) (*eip1559.FeeData, error) {
	return &eip1559.FeeData{
		MaxFeePerGas:         big.NewInt(2_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(1_000_000_000),
		BaseFee:              big.NewInt(500_000_000),
	}, nil
}

var _ bundler.Settlement = (*entryPoint)(nil)

type testServer struct {
	*Server
	entryPoint *entryPoint
	ts         *httptest.Server
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	key, err := crypto.HexToECDSA(testSignerKey)
	require.NoError(t, err)

	bc := bundler.DefaultConfig()
	bc.Beneficiary = common.HexToAddress("0xbe11e")
	bc.Limits.MaxFeePerGas = big.NewInt(100_000_000_000)
	// scheduler is never started in these tests
	bc.BundlingMode = bundler.BundlingModeManual

	return &config.Config{
		Logger:            testutil.GetLogger(),
		EcdsaPrivateKey:   key,
		SignerAddress:     common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"),
		EntryPointAddress: testutil.TestEntryPoint,
		Bundler:           bc,
		ServerAddress:     ":0",
		JwtSecret:         []byte(testJwtSecret),
	}
}

func newTestServer(t *testing.T, mutate ...func(c *config.Config)) *testServer {
	t.Helper()

	cfg := testConfig(t)
	for _, m := range mutate {
		m(cfg)
	}

	ep, err := aa.NewEntryPoint(testutil.TestEntryPoint, nil)
	require.NoError(t, err)
	settlement := &entryPoint{ep: ep}

	db, err := storage.New(&storage.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.NewBundlerMetrics(nil, reg)

	b, err := bundler.New(cfg.Bundler, settlement, db, cfg.Logger,
		bundler.WithMetrics(m),
		bundler.WithCodeCache(testutil.GetDefaultCache()),
	)
	require.NoError(t, err)

	srv := newServer(cfg, b, db, reg, m)
	e, err := srv.buildHttpServer()
	require.NoError(t, err)

	ts := httptest.NewServer(e)
	t.Cleanup(ts.Close)

	return &testServer{Server: srv, entryPoint: settlement, ts: ts}
}
