package bundler

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/oklog/ulid/v2"

	"github.com/AvaProtocol/ap-bundler/core/bundlererr"
	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
	"github.com/AvaProtocol/ap-bundler/storage"
	"github.com/AvaProtocol/ap-bundler/storage/schema"
)

// Outcome is the terminal record of a user operation, kept after it leaves the pool.
type Outcome struct {
	UserOpHash      common.Hash    `json:"userOpHash"`
	EntryPoint      common.Address `json:"entryPoint"`
	Sender          common.Address `json:"sender"`
	Nonce           *hexutil.Big   `json:"nonce"`
	Paymaster       common.Address `json:"paymaster"`
	Status          mempool.Status `json:"status"`
	Success         bool           `json:"success"`
	Reason          string         `json:"reason,omitempty"`
	BatchID         common.Hash    `json:"batchId"`
	TransactionHash common.Hash    `json:"transactionHash"`
	BlockHash       common.Hash    `json:"blockHash"`
	BlockNumber     *hexutil.Big   `json:"blockNumber"`
	ActualGasCost   *hexutil.Big   `json:"actualGasCost"`
	ActualGasUsed   *hexutil.Big   `json:"actualGasUsed"`
	ResolvedAt      time.Time      `json:"resolvedAt"`
}

type BatchStatus string

const (
	BatchStatusConfirmed BatchStatus = "confirmed"
	BatchStatusFailed    BatchStatus = "failed"
)

// BatchRecord is one submission attempt
type BatchRecord struct {
	ID              string        `json:"id"`
	BatchID         common.Hash   `json:"batchId"`
	TransactionHash *common.Hash  `json:"transactionHash,omitempty"`
	Status          BatchStatus   `json:"status"`
	UserOpHashes    []common.Hash `json:"userOpHashes"`
	Error           string        `json:"error,omitempty"`
	DurationMs      int64         `json:"durationMs"`
	CreatedAt       time.Time     `json:"createdAt"`
}

// History persists outcomes, batch records and the running counters.
type History struct {
	db storage.Storage

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy

	logger logger.Logger
}

func NewHistory(db storage.Storage, log logger.Logger) *History {
	return &History{
		db:      db,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		logger:  logger.Component(log, "history"),
	}
}

// NewBatchRecordID returns a time sortable id for a batch record
func (h *History) NewBatchRecordID(t time.Time) string {
	h.entropyMu.Lock()
	defer h.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), h.entropy).String()
}

// SaveBatch writes the batch record and its outcomes in one go.
func (h *History) SaveBatch(record *BatchRecord, outcomes []*Outcome) error {
	updates := make(map[string][]byte, len(outcomes)+1)

	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	updates[string(schema.BatchKey(record.ID))] = data

	for _, o := range outcomes {
		data, err := json.Marshal(o)
		if err != nil {
			return err
		}
		updates[string(schema.UserOpKey(o.UserOpHash))] = data
	}

	if err := h.db.BatchWrite(updates); err != nil {
		return fmt.Errorf("cannot persist batch %s: %w", record.ID, err)
	}
	return nil
}

// GetOutcome returns a NotFound error when hash was never resolved.
func (h *History) GetOutcome(hash common.Hash) (*Outcome, error) {
	data, err := h.db.GetKey(schema.UserOpKey(hash))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, bundlererr.NewNotFoundError(hash)
		}
		return nil, err
	}

	var o Outcome
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("corrupted outcome for %s: %w", hash.Hex(), err)
	}
	return &o, nil
}

// RecentBatches returns the latest batch records, newest first
func (h *History) RecentBatches(limit int) ([]*BatchRecord, error) {
	items, err := h.db.LastByPrefix([]byte(schema.BatchPrefix), limit)
	if err != nil {
		return nil, err
	}

	records := make([]*BatchRecord, 0, len(items))
	for _, item := range items {
		var r BatchRecord
		if err := json.Unmarshal(item.Value, &r); err != nil {
			h.logger.Warn("skip unreadable batch record", "key", string(item.Key), "error", err)
			continue
		}
		records = append(records, &r)
	}
	return records, nil
}

func (h *History) SaveCounters(counters map[string]uint64) error {
	for name, v := range counters {
		if err := h.db.SetCounter(schema.CounterKey(name), v); err != nil {
			return fmt.Errorf("cannot write counter %s: %w", name, err)
		}
	}
	return nil
}

func (h *History) LoadCounters(names ...string) (map[string]uint64, error) {
	counters := make(map[string]uint64, len(names))
	for _, name := range names {
		v, err := h.db.GetCounter(schema.CounterKey(name), 0)
		if err != nil {
			return nil, fmt.Errorf("cannot read counter %s: %w", name, err)
		}
		counters[name] = v
	}
	return counters, nil
}
