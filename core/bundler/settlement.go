package bundler

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	"github.com/AvaProtocol/ap-bundler/pkg/eip1559"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

// Settlement is the on-chain side of the bundler. *aa.EntryPointClient implements it.
type Settlement interface {
	Address() common.Address
	ChainID() *big.Int

	// SimulateValidation returns nil when the dry run passes, otherwise the revert.
	SimulateValidation(ctx context.Context, op *userop.UserOperation) error
	GetUserOpHash(ctx context.Context, op *userop.UserOperation) (common.Hash, error)

	HandleOps(ctx context.Context, ops []userop.PackedUserOperation, beneficiary common.Address) (*types.Transaction, error)
	WaitForReceipt(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
	ParseReceipt(receipt *types.Receipt) map[common.Hash]*aa.UserOperationResult
	EncodeOps(ops []userop.PackedUserOperation) ([]byte, error)

	HasCode(ctx context.Context, account common.Address) (bool, error)
	FeeData(ctx context.Context) (*eip1559.FeeData, error)
}

var _ Settlement = (*aa.EntryPointClient)(nil)
