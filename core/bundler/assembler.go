package bundler

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-bundler/core/bundlererr"
	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

// Batch is a selection of pending entries ready for one handleOps call.
type Batch struct {
	// keccak256 of the ABI encoded ops list
	ID          common.Hash
	Entries     []*mempool.Entry
	Ops         []userop.PackedUserOperation
	Beneficiary common.Address
}

func (b *Batch) Size() int {
	return len(b.Entries)
}

func (b *Batch) Hashes() []common.Hash {
	return lo.Map(b.Entries, func(e *mempool.Entry, _ int) common.Hash { return e.Hash })
}

type Assembler struct {
	pool       *mempool.Pool
	settlement Settlement
}

func NewAssembler(pool *mempool.Pool, settlement Settlement) *Assembler {
	return &Assembler{pool: pool, settlement: settlement}
}

// Assemble takes the oldest pending entries, up to maxSize. With fewer than
// minSize pending it returns a NotEnoughOperations error. The pool is only read.
func (a *Assembler) Assemble(minSize, maxSize int, beneficiary common.Address) (*Batch, error) {
	pending := a.pool.ListPending()
	if len(pending) < minSize || len(pending) == 0 {
		return nil, bundlererr.NewNotEnoughOperationsError(len(pending), minSize)
	}

	if maxSize > 0 && len(pending) > maxSize {
		pending = pending[:maxSize]
	}

	ops := make([]userop.PackedUserOperation, 0, len(pending))
	for _, e := range pending {
		packed, err := e.UserOp.Pack()
		if err != nil {
			return nil, fmt.Errorf("cannot pack user operation %s: %w", e.Hash.Hex(), err)
		}
		ops = append(ops, *packed)
	}

	encoded, err := a.settlement.EncodeOps(ops)
	if err != nil {
		return nil, fmt.Errorf("cannot encode batch: %w", err)
	}

	return &Batch{
		ID:          crypto.Keccak256Hash(encoded),
		Entries:     pending,
		Ops:         ops,
		Beneficiary: beneficiary,
	}, nil
}
