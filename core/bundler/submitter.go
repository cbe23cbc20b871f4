package bundler

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-bundler/core/bundlererr"
	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
)

const ReasonEventNotFound = "event not found"

type SubmitResult struct {
	BatchID         common.Hash
	TransactionHash common.Hash
	BlockNumber     *big.Int
	GasUsed         uint64
	Outcomes        []*Outcome
}

func (r *SubmitResult) Count(status mempool.Status) int {
	return lo.CountBy(r.Outcomes, func(o *Outcome) bool { return o.Status == status })
}

type Submitter struct {
	settlement          Settlement
	pool                *mempool.Pool
	history             *History
	confirmationTimeout time.Duration
	now                 func() time.Time
	logger              logger.Logger
}

func NewSubmitter(settlement Settlement, pool *mempool.Pool, history *History, confirmationTimeout time.Duration, log logger.Logger) *Submitter {
	return &Submitter{
		settlement:          settlement,
		pool:                pool,
		history:             history,
		confirmationTimeout: confirmationTimeout,
		now:                 time.Now,
		logger:              logger.Component(log, "submitter"),
	}
}

// Submit sends batch through handleOps and reconciles every entry from the
// receipt. If sending or confirmation fails the entries are left pending and
// a SubmissionError is returned.
func (s *Submitter) Submit(ctx context.Context, batch *Batch) (*SubmitResult, error) {
	started := s.now()

	tx, err := s.settlement.HandleOps(ctx, batch.Ops, batch.Beneficiary)
	if err != nil {
		s.recordFailure(batch, nil, err, started)
		return nil, bundlererr.NewSubmissionError(err)
	}
	txHash := tx.Hash()

	// Once broadcast the batch is awaited to the end, whatever happens to the
	// caller, otherwise its ops would be sent again next cycle.
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.confirmationTimeout)
	defer cancel()

	receipt, err := s.settlement.WaitForReceipt(waitCtx, tx)
	if err != nil {
		s.recordFailure(batch, &txHash, err, started)
		return nil, bundlererr.NewSubmissionError(err)
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		err := fmt.Errorf("handleOps transaction %s reverted in block %v", txHash.Hex(), receipt.BlockNumber)
		s.recordFailure(batch, &txHash, err, started)
		return nil, bundlererr.NewSubmissionError(err)
	}

	outcomes := s.reconcile(batch, receipt)

	record := &BatchRecord{
		ID:              s.history.NewBatchRecordID(started),
		BatchID:         batch.ID,
		TransactionHash: &txHash,
		Status:          BatchStatusConfirmed,
		UserOpHashes:    batch.Hashes(),
		DurationMs:      s.now().Sub(started).Milliseconds(),
		CreatedAt:       started,
	}
	if err := s.history.SaveBatch(record, outcomes); err != nil {
		// the chain already has the outcome, losing the local record is not fatal
		s.logger.Error("cannot persist batch outcome", "batch", batch.ID.Hex(), "error", err)
	}

	return &SubmitResult{
		BatchID:         batch.ID,
		TransactionHash: txHash,
		BlockNumber:     receipt.BlockNumber,
		GasUsed:         receipt.GasUsed,
		Outcomes:        outcomes,
	}, nil
}

// reconcile maps every batch entry to its UserOperationEvent. Entries without
// an event are FAILED. All of them leave the pool.
func (s *Submitter) reconcile(batch *Batch, receipt *types.Receipt) []*Outcome {
	events := s.settlement.ParseReceipt(receipt)
	now := s.now()

	resolutions := make([]mempool.Resolution, 0, batch.Size())
	outcomes := make([]*Outcome, 0, batch.Size())

	for _, entry := range batch.Entries {
		outcome := &Outcome{
			UserOpHash:      entry.Hash,
			EntryPoint:      s.settlement.Address(),
			Sender:          entry.Sender,
			Nonce:           (*hexutil.Big)(entry.Nonce),
			Paymaster:       entry.Paymaster,
			BatchID:         batch.ID,
			TransactionHash: receipt.TxHash,
			BlockHash:       receipt.BlockHash,
			BlockNumber:     (*hexutil.Big)(receipt.BlockNumber),
			ResolvedAt:      now,
		}

		evt, found := events[entry.Hash]
		switch {
		case !found:
			outcome.Status = mempool.StatusFailed
			outcome.Reason = ReasonEventNotFound
		case evt.Success:
			outcome.Status = mempool.StatusIncluded
			outcome.Success = true
		default:
			outcome.Status = mempool.StatusReverted
			outcome.Reason = revertReason(evt)
		}

		if found {
			outcome.ActualGasCost = (*hexutil.Big)(evt.ActualGasCost)
			outcome.ActualGasUsed = (*hexutil.Big)(evt.ActualGasUsed)
		}

		s.logger.Info("user operation resolved",
			"userOpHash", entry.Hash.Hex(),
			"status", outcome.Status,
			"reason", outcome.Reason,
			"tx", receipt.TxHash.Hex())

		outcomes = append(outcomes, outcome)
		resolutions = append(resolutions, mempool.Resolution{
			Hash:   entry.Hash,
			Status: outcome.Status,
			Reason: outcome.Reason,
		})
	}

	s.pool.Resolve(resolutions)
	return outcomes
}

func (s *Submitter) recordFailure(batch *Batch, txHash *common.Hash, cause error, started time.Time) {
	s.logger.Warn("bundle submission failed, user operations stay pending",
		"batch", batch.ID.Hex(),
		"ops", batch.Size(),
		"error", cause)

	record := &BatchRecord{
		ID:              s.history.NewBatchRecordID(started),
		BatchID:         batch.ID,
		TransactionHash: txHash,
		Status:          BatchStatusFailed,
		UserOpHashes:    batch.Hashes(),
		Error:           cause.Error(),
		DurationMs:      s.now().Sub(started).Milliseconds(),
		CreatedAt:       started,
	}
	if err := s.history.SaveBatch(record, nil); err != nil {
		s.logger.Error("cannot persist failed batch", "batch", batch.ID.Hex(), "error", err)
	}
}

func revertReason(evt *aa.UserOperationResult) string {
	if len(evt.RevertReason) == 0 {
		return "execution reverted"
	}
	return aa.DecodeRevert(evt.RevertReason)
}
