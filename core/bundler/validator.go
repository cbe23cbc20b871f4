package bundler

import (
	"context"
	"errors"
	"math/big"

	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-bundler/core/bundlererr"
	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
)

// Validator runs the admission checks. It never mutates anything.
type Validator struct {
	settlement Settlement

	// sender -> deployed. Only positive answers are stored, deployed code does not go away.
	codeCache *bigcache.BigCache

	maxCallGasLimit         *big.Int
	maxVerificationGasLimit *big.Int

	logger logger.Logger
}

func NewValidator(settlement Settlement, codeCache *bigcache.BigCache, maxCallGasLimit, maxVerificationGasLimit *big.Int, log logger.Logger) *Validator {
	return &Validator{
		settlement:              settlement,
		codeCache:               codeCache,
		maxCallGasLimit:         maxCallGasLimit,
		maxVerificationGasLimit: maxVerificationGasLimit,
		logger:                  logger.Component(log, "validator"),
	}
}

// Validate checks op in order and stops at the first failure:
// sender, deployed account (when there is no initCode), callData, gas limits,
// then the entry point dry run.
func (v *Validator) Validate(ctx context.Context, op *userop.UserOperation) error {
	if op == nil {
		return bundlererr.NewMalformedError("userOperation", "missing")
	}

	if op.Sender == (common.Address{}) {
		return bundlererr.NewMalformedError("sender", "sender is required")
	}

	if len(op.InitCode) == 0 {
		deployed, err := v.isDeployed(ctx, op.Sender)
		if err != nil {
			return bundlererr.NewValidationFailedError("cannot check sender code", err)
		}
		if !deployed {
			return bundlererr.NewMalformedError("sender", "sender is not deployed and initCode is empty")
		}
	}

	if len(op.CallData) == 0 {
		return bundlererr.NewMalformedError("callData", "callData is required")
	}

	if err := checkGasLimit("callGasLimit", op.CallGasLimit, v.maxCallGasLimit); err != nil {
		return err
	}
	if err := checkGasLimit("verificationGasLimit", op.VerificationGasLimit, v.maxVerificationGasLimit); err != nil {
		return err
	}

	if err := op.CheckBounds(); err != nil {
		return bundlererr.NewMalformedError("userOperation", err.Error())
	}

	return v.simulate(ctx, op)
}

// simulate is the dry run shared with the estimator
func (v *Validator) simulate(ctx context.Context, op *userop.UserOperation) error {
	err := v.settlement.SimulateValidation(ctx, op)
	if err == nil {
		return nil
	}

	reason := err.Error()
	var revert *aa.RevertError
	if errors.As(err, &revert) {
		reason = revert.Reason
	}

	v.logger.Debug("simulation rejected user operation", "sender", op.Sender.Hex(), "nonce", op.Nonce, "reason", reason)
	return bundlererr.NewValidationFailedError(reason, err)
}

func (v *Validator) isDeployed(ctx context.Context, sender common.Address) (bool, error) {
	key := sender.Hex()
	if v.codeCache != nil {
		if _, err := v.codeCache.Get(key); err == nil {
			return true, nil
		}
	}

	deployed, err := v.settlement.HasCode(ctx, sender)
	if err != nil {
		return false, err
	}

	if deployed && v.codeCache != nil {
		if err := v.codeCache.Set(key, []byte{1}); err != nil {
			v.logger.Warn("cannot cache account code presence", "sender", key, "error", err)
		}
	}
	return deployed, nil
}

func checkGasLimit(field string, value, ceiling *big.Int) error {
	if value == nil || value.Sign() <= 0 {
		return bundlererr.NewMalformedError(field, "must be greater than zero")
	}
	if ceiling != nil && value.Cmp(ceiling) > 0 {
		return bundlererr.NewMalformedError(field, "exceeds maximum of "+ceiling.String())
	}
	return nil
}
