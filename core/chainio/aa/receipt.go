package aa

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// UserOperationResult is the per operation outcome found in a handleOps receipt.
type UserOperationResult struct {
	UserOpHash    common.Hash
	Sender        common.Address
	Paymaster     common.Address
	Nonce         *big.Int
	Success       bool
	ActualGasCost *big.Int
	ActualGasUsed *big.Int
	RevertReason  []byte
	LogIndex      uint
}

// ParseReceipt collects UserOperationEvent logs emitted by this entry point,
// keyed by user operation hash. Revert reasons are attached when present.
func (ep *EntryPoint) ParseReceipt(receipt *types.Receipt) map[common.Hash]*UserOperationResult {
	results := make(map[common.Hash]*UserOperationResult)
	if receipt == nil {
		return results
	}

	reasons := make(map[common.Hash][]byte)
	for _, l := range receipt.Logs {
		if l == nil || l.Address != ep.address || len(l.Topics) == 0 {
			continue
		}

		switch l.Topics[0] {
		case ep.abi.Events["UserOperationEvent"].ID:
			evt, err := ep.ParseUserOperationEvent(*l)
			if err != nil {
				continue
			}
			results[common.Hash(evt.UserOpHash)] = &UserOperationResult{
				UserOpHash:    common.Hash(evt.UserOpHash),
				Sender:        evt.Sender,
				Paymaster:     evt.Paymaster,
				Nonce:         evt.Nonce,
				Success:       evt.Success,
				ActualGasCost: evt.ActualGasCost,
				ActualGasUsed: evt.ActualGasUsed,
				LogIndex:      l.Index,
			}
		case ep.abi.Events["UserOperationRevertReason"].ID:
			evt, err := ep.ParseUserOperationRevertReason(*l)
			if err != nil {
				continue
			}
			reasons[common.Hash(evt.UserOpHash)] = evt.RevertReason
		}
	}

	for hash, reason := range reasons {
		if r, ok := results[hash]; ok {
			r.RevertReason = reason
		}
	}

	return results
}
