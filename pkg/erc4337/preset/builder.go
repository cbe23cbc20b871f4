// Package preset builds, signs and sends SimpleAccount user operations through
// a bundler. It backs the send-userop command and smoke tests against a live node.
package preset

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	"github.com/AvaProtocol/ap-bundler/core/chainio/signer"
	"github.com/AvaProtocol/ap-bundler/pkg/eip1559"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
)

var (
	// Starting gas limits, replaced by the bundler estimate when it succeeds
	DEFAULT_CALL_GAS_LIMIT            = big.NewInt(200_000)
	DEFAULT_VERIFICATION_GAS_LIMIT    = big.NewInt(1_000_000)
	DEFAULT_PREVERIFICATION_GAS       = big.NewInt(50_000)
	DEPLOYMENT_VERIFICATION_GAS_LIMIT = big.NewInt(3_000_000)

	// the signature isnt important for estimation, only its length
	dummySigForGasEstimation = crypto.Keccak256Hash(common.FromHex("0xdead123"))

	maxSendRetries uint64 = 3
	sendRetryDelay        = time.Second

	ErrReceiptTimeout = errors.New("user operation receipt not found before timeout")
)

// Backend is the node connection a SimpleAccount op is built against. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	ChainID(ctx context.Context) (*big.Int, error)
}

// Bundler is the subset of the bundler RPC used here. *bundler.BundlerClient satisfies it.
type Bundler interface {
	EstimateUserOperationGas(ctx context.Context, op *userop.UserOperation, entrypoint common.Address) (*bundler.GasEstimation, error)
	SendUserOperation(ctx context.Context, op *userop.UserOperation, entrypoint common.Address) (common.Hash, error)
	GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*bundler.UserOperationReceipt, error)
}

var _ Bundler = (*bundler.BundlerClient)(nil)

// Wallet identifies a SimpleAccount: the factory deploys it for the owner key at salt.
type Wallet struct {
	OwnerKey   *ecdsa.PrivateKey
	Factory    common.Address
	Salt       *big.Int
	EntryPoint common.Address
}

func (w Wallet) Owner() common.Address {
	return crypto.PubkeyToAddress(w.OwnerKey.PublicKey)
}

// BuildUserOp derives the sender, adds initCode when the account is not deployed
// yet, reads the next nonce and prices the op from the current network fees.
// The op is returned unsigned.
func BuildUserOp(ctx context.Context, client Backend, wallet Wallet, callData []byte) (*userop.UserOperation, error) {
	sender, err := aa.SenderAddress(ctx, client, wallet.Factory, wallet.Owner(), wallet.Salt)
	if err != nil {
		return nil, fmt.Errorf("failed to derive sender address: %w", err)
	}

	code, err := client.CodeAt(ctx, sender, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to check sender code: %w", err)
	}

	var initCode []byte
	verificationGasLimit := DEFAULT_VERIFICATION_GAS_LIMIT
	// account not initialized, feed in init code
	if len(code) == 0 {
		initCode, err = aa.InitCode(wallet.Factory, wallet.Owner(), wallet.Salt)
		if err != nil {
			return nil, err
		}
		verificationGasLimit = DEPLOYMENT_VERIFICATION_GAS_LIMIT
	}

	ep, err := aa.NewEntryPoint(wallet.EntryPoint, client)
	if err != nil {
		return nil, err
	}
	nonce, err := aa.NextNonce(ctx, ep, sender, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read nonce: %w", err)
	}

	maxFeePerGas, maxPriorityFeePerGas, err := eip1559.SuggestFee(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("failed to suggest gas fees: %w", err)
	}

	return &userop.UserOperation{
		Sender:   sender,
		Nonce:    nonce,
		InitCode: initCode,
		CallData: callData,

		CallGasLimit:         new(big.Int).Set(DEFAULT_CALL_GAS_LIMIT),
		VerificationGasLimit: new(big.Int).Set(verificationGasLimit),
		PreVerificationGas:   new(big.Int).Set(DEFAULT_PREVERIFICATION_GAS),

		MaxFeePerGas:         maxFeePerGas,
		MaxPriorityFeePerGas: maxPriorityFeePerGas,
	}, nil
}

// Sign sets the owner signature over the entry point userOpHash of op.
func Sign(op *userop.UserOperation, key *ecdsa.PrivateKey, entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	hash, err := userop.Hash(op, entryPoint, chainID)
	if err != nil {
		return common.Hash{}, err
	}
	op.Signature, err = signer.SignUserOpHash(key, hash)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign UserOp: %w", err)
	}
	return hash, nil
}

// SendUserOp estimates op with a placeholder signature, applies the estimate,
// signs it and hands it to the bundler. Transport errors are retried; a
// bundler rejection is returned as is.
func SendUserOp(ctx context.Context, b Bundler, wallet Wallet, chainID *big.Int, op *userop.UserOperation, lgr logger.Logger) (common.Hash, error) {
	log := logger.EnsureLogger(lgr)

	dummy, err := signer.SignMessage(wallet.OwnerKey, dummySigForGasEstimation.Bytes())
	if err != nil {
		return common.Hash{}, err
	}
	op.Signature = dummy

	gas, err := b.EstimateUserOperationGas(ctx, op, wallet.EntryPoint)
	if err == nil && gas != nil {
		applyEstimate(op, gas)
		log.Info("gas estimated",
			"callGas", op.CallGasLimit, "verificationGas", op.VerificationGasLimit, "preVerificationGas", op.PreVerificationGas)
	} else {
		log.Warn("gas estimation failed, using default limits", "error", err)
	}

	if _, err := Sign(op, wallet.OwnerKey, wallet.EntryPoint, chainID); err != nil {
		return common.Hash{}, err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(sendRetryDelay), maxSendRetries), ctx)
	return backoff.RetryNotifyWithData(func() (common.Hash, error) {
		hash, err := b.SendUserOperation(ctx, op, wallet.EntryPoint)
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) {
			return common.Hash{}, backoff.Permanent(err)
		}
		return hash, err
	}, policy, func(err error, next time.Duration) {
		log.Warn("UserOp send failed, retrying", "sender", op.Sender.Hex(), "nonce", op.Nonce, "retryIn", next, "error", err)
	})
}

func applyEstimate(op *userop.UserOperation, gas *bundler.GasEstimation) {
	if gas.PreVerificationGas != nil {
		op.PreVerificationGas = gas.PreVerificationGas.ToInt()
	}
	if gas.VerificationGasLimit != nil {
		op.VerificationGasLimit = gas.VerificationGasLimit.ToInt()
	}
	if gas.CallGasLimit != nil {
		op.CallGasLimit = gas.CallGasLimit.ToInt()
	}
	if gas.MaxFeePerGas != nil {
		op.MaxFeePerGas = gas.MaxFeePerGas.ToInt()
	}
	if gas.MaxPriorityFeePerGas != nil {
		op.MaxPriorityFeePerGas = gas.MaxPriorityFeePerGas.ToInt()
	}
}

// WaitForReceipt polls the bundler with exponential backoff until the op
// resolves or timeout elapses, in which case ErrReceiptTimeout is returned.
func WaitForReceipt(ctx context.Context, b Bundler, hash common.Hash, timeout time.Duration) (*bundler.UserOperationReceipt, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = min(time.Second, timeout/10)
	policy.MaxInterval = 5 * time.Second
	policy.Multiplier = 1.5
	policy.MaxElapsedTime = timeout
	policy.Reset()

	receipt, err := backoff.RetryWithData(func() (*bundler.UserOperationReceipt, error) {
		receipt, err := b.GetUserOperationReceipt(ctx, hash)
		if err != nil {
			return nil, err
		}
		if receipt == nil {
			return nil, ErrReceiptTimeout
		}
		return receipt, nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return nil, err
	}
	return receipt, nil
}
