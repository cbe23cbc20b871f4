package server

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-bundler/core/bundler"
	"github.com/AvaProtocol/ap-bundler/core/bundlererr"
	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-bundler/version"
)

// UserOperationInfo is how a pooled or resolved operation is reported.
type UserOperationInfo struct {
	UserOperation   *userop.UserOperation `json:"userOperation"`
	UserOpHash      common.Hash           `json:"userOpHash"`
	EntryPoint      common.Address        `json:"entryPoint"`
	Status          mempool.Status        `json:"status"`
	SubmitTime      *time.Time            `json:"submitTime,omitempty"`
	Reason          string                `json:"reason,omitempty"`
	TransactionHash *common.Hash          `json:"transactionHash,omitempty"`
	BlockHash       *common.Hash          `json:"blockHash,omitempty"`
	BlockNumber     *hexutil.Big          `json:"blockNumber,omitempty"`
}

func entryInfo(e *mempool.Entry, entryPoint common.Address) *UserOperationInfo {
	submitted := e.SubmitTime
	return &UserOperationInfo{
		UserOperation: e.UserOp,
		UserOpHash:    e.Hash,
		EntryPoint:    entryPoint,
		Status:        e.Status,
		SubmitTime:    &submitted,
		Reason:        e.Reason,
	}
}

// outcomeInfo reports a resolved operation. The operation body is gone by then.
func outcomeInfo(o *bundler.Outcome) *UserOperationInfo {
	tx, block := o.TransactionHash, o.BlockHash
	return &UserOperationInfo{
		UserOpHash:      o.UserOpHash,
		EntryPoint:      o.EntryPoint,
		Status:          o.Status,
		Reason:          o.Reason,
		TransactionHash: &tx,
		BlockHash:       &block,
		BlockNumber:     o.BlockNumber,
	}
}

// lookupUserOp checks the pool, then the outcome history. nil means unknown.
func lookupUserOp(b *bundler.Bundler, hash common.Hash) (*UserOperationInfo, error) {
	if entry, err := b.GetUserOp(hash); err == nil {
		return entryInfo(entry, b.EntryPoint()), nil
	}

	outcome, err := b.GetReceipt(hash)
	if errors.Is(err, bundlererr.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return outcomeInfo(outcome), nil
}

func dumpInfo(b *bundler.Bundler, entries []*mempool.Entry) []*UserOperationInfo {
	ep := b.EntryPoint()
	return lo.Map(entries, func(e *mempool.Entry, _ int) *UserOperationInfo {
		return entryInfo(e, ep)
	})
}

// EthAPI serves the eth_ namespace of ERC-4337.
type EthAPI struct {
	b *bundler.Bundler
}

func (api *EthAPI) checkEntryPoint(entryPoint common.Address) error {
	if want := api.b.EntryPoint(); entryPoint != want {
		return bundlererr.NewUnsupportedEntryPointError(entryPoint, want)
	}
	return nil
}

func (api *EthAPI) SendUserOperation(ctx context.Context, op *userop.UserOperation, entryPoint common.Address) (common.Hash, error) {
	if err := api.checkEntryPoint(entryPoint); err != nil {
		return common.Hash{}, err
	}
	return api.b.AddUserOp(ctx, op)
}

// EstimateUserOperationGas accepts and ignores a state override set.
func (api *EthAPI) EstimateUserOperationGas(ctx context.Context, op *userop.UserOperation, entryPoint common.Address, _ *map[string]interface{}) (*bundler.GasEstimate, error) {
	if err := api.checkEntryPoint(entryPoint); err != nil {
		return nil, err
	}
	return api.b.EstimateUserOpGas(ctx, op)
}

func (api *EthAPI) GetUserOperationByHash(hash common.Hash) (*UserOperationInfo, error) {
	return lookupUserOp(api.b, hash)
}

func (api *EthAPI) GetUserOperationReceipt(hash common.Hash) (*bundler.Outcome, error) {
	outcome, err := api.b.GetReceipt(hash)
	if errors.Is(err, bundlererr.ErrNotFound) {
		return nil, nil
	}
	return outcome, err
}

func (api *EthAPI) SupportedEntryPoints() []common.Address {
	return []common.Address{api.b.EntryPoint()}
}

func (api *EthAPI) ChainId() *hexutil.Big {
	return (*hexutil.Big)(api.b.ChainID())
}

type Web3API struct{}

func (Web3API) ClientVersion() string {
	return version.ClientVersion()
}

// DebugAPI holds the debug_bundler_* methods. Method names carry the
// bundler_ prefix because rpc splits the namespace at the first underscore.
type DebugAPI struct {
	b *bundler.Bundler
}

func (api *DebugAPI) Bundler_clearState() string {
	api.b.Clear()
	return "ok"
}

func (api *DebugAPI) Bundler_dumpMempool() []*UserOperationInfo {
	return dumpInfo(api.b, api.b.Dump())
}

func (api *DebugAPI) Bundler_sendBundleNow(ctx context.Context) (common.Hash, error) {
	result, err := api.b.SendBundleNow(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	return result.TransactionHash, nil
}

func (api *DebugAPI) Bundler_setBundlingMode(mode string) (string, error) {
	if err := api.b.SetBundlingMode(bundler.BundlingMode(mode)); err != nil {
		return "", err
	}
	return "ok", nil
}

func newRPCServer(b *bundler.Bundler, enableDebug bool) (*rpc.Server, error) {
	server := rpc.NewServer()

	if err := server.RegisterName("eth", &EthAPI{b: b}); err != nil {
		return nil, err
	}
	if err := server.RegisterName("web3", Web3API{}); err != nil {
		return nil, err
	}
	if enableDebug {
		if err := server.RegisterName("debug", &DebugAPI{b: b}); err != nil {
			return nil, err
		}
	}
	return server, nil
}
