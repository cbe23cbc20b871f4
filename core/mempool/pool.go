// Package mempool is the bounded store of admitted user operations waiting
// to be bundled.
package mempool

import (
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-bundler/core/bundlererr"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
)

// Pool is safe for concurrent use. Every mutation holds the write lock for
// its whole check-and-mutate sequence; reads share the read lock. Nothing
// that blocks on I/O ever runs under the lock.
type Pool struct {
	mu      sync.RWMutex
	entries map[common.Hash]*Entry
	seq     uint64

	limits Limits
	now    func() time.Time
	logger logger.Logger
}

type Option func(*Pool)

// WithClock overrides time.Now, used by tests to drive expiry.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		p.now = now
	}
}

func WithLogger(l logger.Logger) Option {
	return func(p *Pool) {
		p.logger = logger.Component(l, "mempool")
	}
}

func New(limits Limits, opts ...Option) *Pool {
	p := &Pool{
		entries: make(map[common.Hash]*Entry),
		limits:  limits,
		now:     time.Now,
		logger:  logger.NewNoOpLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Add admits op under hash with the gas price resolved by the estimator.
// Checks run in order: duplicate, capacity (after evicting expired entries),
// sender cap, paymaster cap, fee ceiling.
func (p *Pool) Add(op *userop.UserOperation, hash common.Hash, gasPrice *big.Int) (*Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.entries[hash]; ok {
		return nil, bundlererr.NewDuplicateError(hash)
	}

	if p.limits.MaxSize > 0 && len(p.entries) >= p.limits.MaxSize {
		p.evictExpiredLocked()
		if len(p.entries) >= p.limits.MaxSize {
			return nil, bundlererr.NewPoolFullError(len(p.entries))
		}
	}

	if p.limits.MaxPerSender > 0 && p.countLocked(func(e *Entry) bool { return e.Sender == op.Sender }) >= p.limits.MaxPerSender {
		return nil, bundlererr.NewSenderLimitError(op.Sender, p.limits.MaxPerSender)
	}

	if op.HasPaymaster() && p.limits.MaxPerPaymaster > 0 &&
		p.countLocked(func(e *Entry) bool { return e.Paymaster == op.Paymaster }) >= p.limits.MaxPerPaymaster {
		return nil, bundlererr.NewPaymasterLimitError(op.Paymaster, p.limits.MaxPerPaymaster)
	}

	if gasPrice != nil && p.limits.MaxFeePerGas != nil && gasPrice.Cmp(p.limits.MaxFeePerGas) > 0 {
		return nil, bundlererr.NewFeeTooHighError(gasPrice, p.limits.MaxFeePerGas)
	}

	now := p.now()
	p.seq++
	entry := &Entry{
		UserOp:     op,
		Hash:       hash,
		Status:     StatusPending,
		SubmitTime: now,
		Sender:     op.Sender,
		Nonce:      op.Nonce,
		Paymaster:  op.Paymaster,
		seq:        p.seq,
	}
	if gasPrice != nil {
		entry.GasPrice = new(big.Int).Set(gasPrice)
	}
	if p.limits.TTL > 0 {
		entry.ExpireTime = now.Add(p.limits.TTL)
	}
	p.entries[hash] = entry

	p.logger.Debug("user operation added", "hash", hash.Hex(), "sender", op.Sender.Hex(), "size", len(p.entries))
	return entry.clone(), nil
}

func (p *Pool) Get(hash common.Hash) (*Entry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	e, ok := p.entries[hash]
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

// ListPending returns PENDING, unexpired entries oldest first.
func (p *Pool) ListPending() []*Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := p.now()
	pending := lo.FilterMap(lo.Values(p.entries), func(e *Entry, _ int) (*Entry, bool) {
		if e.Status != StatusPending || e.expired(now) {
			return nil, false
		}
		return e.clone(), true
	})
	sortOldestFirst(pending)
	return pending
}

// Dump returns every entry regardless of status, oldest first.
func (p *Pool) Dump() []*Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	all := lo.Map(lo.Values(p.entries), func(e *Entry, _ int) *Entry { return e.clone() })
	sortOldestFirst(all)
	return all
}

// Resolve applies terminal statuses and removes the entries in one critical
// section. It returns the final state of each entry that was still present.
// A resolution to a non terminal status is ignored and the entry stays.
func (p *Pool) Resolve(resolutions []Resolution) []*Entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	resolved := make([]*Entry, 0, len(resolutions))
	for _, r := range resolutions {
		e, ok := p.entries[r.Hash]
		if !ok {
			continue
		}
		if !r.Status.IsTerminal() {
			p.logger.Warn("ignore non terminal resolution", "userOpHash", r.Hash.Hex(), "status", r.Status)
			continue
		}
		e.Status = r.Status
		e.Reason = r.Reason
		resolved = append(resolved, e.clone())
		delete(p.entries, r.Hash)
	}
	return resolved
}

// EvictExpired drops every entry past its expiry time and returns how many went.
func (p *Pool) EvictExpired() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.evictExpiredLocked()
}

func (p *Pool) evictExpiredLocked() int {
	now := p.now()
	evicted := 0
	for hash, e := range p.entries {
		if e.expired(now) {
			delete(p.entries, hash)
			evicted++
		}
	}
	if evicted > 0 {
		p.logger.Info("evicted expired user operations", "count", evicted, "size", len(p.entries))
	}
	return evicted
}

func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return len(p.entries)
}

// Clear drops every entry and returns how many there were.
func (p *Pool) Clear() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.entries)
	p.entries = make(map[common.Hash]*Entry)
	return n
}

func (p *Pool) countLocked(match func(e *Entry) bool) int {
	return lo.CountBy(lo.Values(p.entries), match)
}

func sortOldestFirst(entries []*Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].SubmitTime.Equal(entries[j].SubmitTime) {
			return entries[i].SubmitTime.Before(entries[j].SubmitTime)
		}
		return entries[i].seq < entries[j].seq
	})
}
