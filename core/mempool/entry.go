package mempool

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusIncluded Status = "included"
	StatusReverted Status = "reverted"
	StatusFailed   Status = "failed"
)

func (s Status) IsTerminal() bool {
	return s == StatusIncluded || s == StatusReverted || s == StatusFailed
}

// Entry is the pool record of an admitted user operation. Callers only ever get copies.
type Entry struct {
	UserOp     *userop.UserOperation `json:"userOperation"`
	Hash       common.Hash           `json:"userOpHash"`
	Status     Status                `json:"status"`
	SubmitTime time.Time             `json:"submitTime"`
	ExpireTime time.Time             `json:"expireTime"`
	GasPrice   *big.Int              `json:"gasPrice"`
	Sender     common.Address        `json:"sender"`
	Nonce      *big.Int              `json:"nonce"`
	Paymaster  common.Address        `json:"paymaster"`
	Reason     string                `json:"reason,omitempty"`

	// insertion order, tie-break for equal submit times
	seq uint64
}

func (e *Entry) clone() *Entry {
	c := *e
	if e.GasPrice != nil {
		c.GasPrice = new(big.Int).Set(e.GasPrice)
	}
	if e.Nonce != nil {
		c.Nonce = new(big.Int).Set(e.Nonce)
	}
	return &c
}

func (e *Entry) expired(now time.Time) bool {
	return !e.ExpireTime.IsZero() && !now.Before(e.ExpireTime)
}

// Limits bounds what the pool admits.
type Limits struct {
	MaxSize         int
	MaxPerSender    int
	MaxPerPaymaster int
	MaxFeePerGas    *big.Int
	MinPriorityFee  *big.Int
	TTL             time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		MaxSize:         1000,
		MaxPerSender:    10,
		MaxPerPaymaster: 100,
		MaxFeePerGas:    big.NewInt(100_000_000_000),
		MinPriorityFee:  big.NewInt(1_000_000_000),
		TTL:             5 * time.Minute,
	}
}

// Resolution is the terminal status to apply to one entry.
type Resolution struct {
	Hash   common.Hash
	Status Status
	Reason string
}
