package aa

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/AvaProtocol/ap-bundler/pkg/eip1559"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
)

// Backend is what the entry point client needs from an eth client. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// EntryPointClient talks to a deployed EntryPoint v0.7 on behalf of the bundler:
// dry-run validation, hashing, handleOps submission and receipt polling.
type EntryPointClient struct {
	backend    Backend
	entryPoint *EntryPoint
	chainID    *big.Int
	signerKey  *ecdsa.PrivateKey
	logger     logger.Logger

	// target of the simulateValidation eth_call, the entry point unless set
	simulation common.Address

	// first delay between receipt polls, doubled up to receiptPollMax
	receiptPoll    time.Duration
	receiptPollMax time.Duration
}

type ClientOption func(c *EntryPointClient)

// WithSimulationAddress points simulateValidation at an EntryPointSimulations
// deployment. A zero address keeps the entry point.
func WithSimulationAddress(addr common.Address) ClientOption {
	return func(c *EntryPointClient) {
		if addr != (common.Address{}) {
			c.simulation = addr
		}
	}
}

func NewEntryPointClient(backend Backend, address common.Address, chainID *big.Int, signerKey *ecdsa.PrivateKey, log logger.Logger, opts ...ClientOption) (*EntryPointClient, error) {
	ep, err := NewEntryPoint(address, backend)
	if err != nil {
		return nil, err
	}

	c := &EntryPointClient{
		backend:        backend,
		entryPoint:     ep,
		chainID:        new(big.Int).Set(chainID),
		signerKey:      signerKey,
		logger:         logger.Component(log, "entrypoint"),
		simulation:     address,
		receiptPoll:    500 * time.Millisecond,
		receiptPollMax: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *EntryPointClient) Address() common.Address {
	return c.entryPoint.Address()
}

func (c *EntryPointClient) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

func (c *EntryPointClient) EntryPoint() *EntryPoint {
	return c.entryPoint
}

// SimulateValidation dry runs simulateValidation with eth_call. A revert comes
// back as *RevertError with the decoded reason.
//
// The deployed v0.7 EntryPoint has no simulateValidation, it lives in
// EntryPointSimulations. Against a stock deployment every call reverts, so
// the node must either serve that code at the entry point address or a
// simulations contract must be set with WithSimulationAddress.
func (c *EntryPointClient) SimulateValidation(ctx context.Context, op *userop.UserOperation) error {
	packed, err := op.Pack()
	if err != nil {
		return err
	}

	data, err := c.entryPoint.PackSimulateValidation(*packed)
	if err != nil {
		return fmt.Errorf("cannot encode simulateValidation: %w", err)
	}

	to := c.simulation
	_, err = c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return asRevertError(err)
	}

	return nil
}

func (c *EntryPointClient) GetUserOpHash(ctx context.Context, op *userop.UserOperation) (common.Hash, error) {
	packed, err := op.Pack()
	if err != nil {
		return common.Hash{}, err
	}

	hash, err := c.entryPoint.GetUserOpHash(&bind.CallOpts{Context: ctx}, *packed)
	if err != nil {
		return common.Hash{}, fmt.Errorf("getUserOpHash failed: %w", asRevertError(err))
	}
	return common.Hash(hash), nil
}

// HandleOps signs and sends handleOps. Gas limit comes from eth_estimateGas, so
// a batch that would revert as a whole fails here before anything is broadcast.
func (c *EntryPointClient) HandleOps(ctx context.Context, ops []userop.PackedUserOperation, beneficiary common.Address) (*types.Transaction, error) {
	if c.signerKey == nil {
		return nil, errors.New("no signer key configured")
	}

	opts, err := bind.NewKeyedTransactorWithChainID(c.signerKey, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("cannot create transactor: %w", err)
	}
	opts.Context = ctx

	maxFee, tip, err := eip1559.SuggestFee(ctx, c.backend)
	if err != nil {
		return nil, err
	}
	opts.GasFeeCap = maxFee
	opts.GasTipCap = tip

	tx, err := c.entryPoint.HandleOps(opts, ops, beneficiary)
	if err != nil {
		return nil, fmt.Errorf("handleOps failed: %w", asRevertError(err))
	}

	c.logger.Info("handleOps sent", "tx", tx.Hash().Hex(), "ops", len(ops), "nonce", tx.Nonce())
	return tx, nil
}

// WaitForReceipt polls for the receipt with exponential backoff until it shows
// up or ctx is done. Callers bound the wait through ctx.
func (c *EntryPointClient) WaitForReceipt(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.receiptPoll
	b.MaxInterval = c.receiptPollMax
	b.MaxElapsedTime = 0
	b.Reset()

	var receipt *types.Receipt
	operation := func() error {
		r, err := c.backend.TransactionReceipt(ctx, tx.Hash())
		if err != nil {
			return err
		}
		receipt = r
		return nil
	}

	notify := func(err error, wait time.Duration) {
		if !errors.Is(err, ethereum.NotFound) {
			c.logger.Warn("receipt poll failed", "tx", tx.Hash().Hex(), "error", err, "retryIn", wait)
		}
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, fmt.Errorf("no receipt for %s: %w", tx.Hash().Hex(), err)
	}

	return receipt, nil
}

func (c *EntryPointClient) ParseReceipt(receipt *types.Receipt) map[common.Hash]*UserOperationResult {
	return c.entryPoint.ParseReceipt(receipt)
}

func (c *EntryPointClient) EncodeOps(ops []userop.PackedUserOperation) ([]byte, error) {
	return c.entryPoint.EncodeOps(ops)
}

func (c *EntryPointClient) HasCode(ctx context.Context, account common.Address) (bool, error) {
	code, err := c.backend.CodeAt(ctx, account, nil)
	if err != nil {
		return false, fmt.Errorf("cannot get code for %s: %w", account.Hex(), err)
	}
	return len(code) > 0, nil
}

func (c *EntryPointClient) FeeData(ctx context.Context) (*eip1559.FeeData, error) {
	return eip1559.Snapshot(ctx, c.backend)
}
