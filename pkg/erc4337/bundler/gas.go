package bundler

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

type GasEstimation struct {
	PreVerificationGas   *hexutil.Big `json:"preVerificationGas"`
	VerificationGasLimit *hexutil.Big `json:"verificationGasLimit"`
	CallGasLimit         *hexutil.Big `json:"callGasLimit"`
	MaxFeePerGas         *hexutil.Big `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big `json:"maxPriorityFeePerGas"`
}

// UserOperationInfo is the eth_getUserOperationByHash result.
type UserOperationInfo struct {
	UserOperation   *userop.UserOperation `json:"userOperation"`
	UserOpHash      common.Hash           `json:"userOpHash"`
	EntryPoint      common.Address        `json:"entryPoint"`
	Status          string                `json:"status"`
	SubmitTime      *time.Time            `json:"submitTime,omitempty"`
	Reason          string                `json:"reason,omitempty"`
	TransactionHash *common.Hash          `json:"transactionHash,omitempty"`
	BlockHash       *common.Hash          `json:"blockHash,omitempty"`
	BlockNumber     *hexutil.Big          `json:"blockNumber,omitempty"`
}

// UserOperationReceipt is the eth_getUserOperationReceipt result.
type UserOperationReceipt struct {
	UserOpHash      common.Hash    `json:"userOpHash"`
	EntryPoint      common.Address `json:"entryPoint"`
	Sender          common.Address `json:"sender"`
	Nonce           *hexutil.Big   `json:"nonce"`
	Paymaster       common.Address `json:"paymaster"`
	Status          string         `json:"status"`
	Success         bool           `json:"success"`
	Reason          string         `json:"reason,omitempty"`
	TransactionHash common.Hash    `json:"transactionHash"`
	BlockHash       common.Hash    `json:"blockHash"`
	BlockNumber     *hexutil.Big   `json:"blockNumber"`
	ActualGasCost   *hexutil.Big   `json:"actualGasCost"`
	ActualGasUsed   *hexutil.Big   `json:"actualGasUsed"`
}
