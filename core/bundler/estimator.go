package bundler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"github.com/AvaProtocol/ap-bundler/core/bundlererr"
	"github.com/AvaProtocol/ap-bundler/pkg/eip1559"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

// GasEstimate is the padded gas and fee suggestion for one operation.
type GasEstimate struct {
	PreVerificationGas   *big.Int
	VerificationGasLimit *big.Int
	CallGasLimit         *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

type gasEstimateJSON struct {
	PreVerificationGas   *hexutil.Big `json:"preVerificationGas"`
	VerificationGasLimit *hexutil.Big `json:"verificationGasLimit"`
	CallGasLimit         *hexutil.Big `json:"callGasLimit"`
	MaxFeePerGas         *hexutil.Big `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big `json:"maxPriorityFeePerGas"`
}

func (g GasEstimate) MarshalJSON() ([]byte, error) {
	return json.Marshal(gasEstimateJSON{
		PreVerificationGas:   (*hexutil.Big)(g.PreVerificationGas),
		VerificationGasLimit: (*hexutil.Big)(g.VerificationGasLimit),
		CallGasLimit:         (*hexutil.Big)(g.CallGasLimit),
		MaxFeePerGas:         (*hexutil.Big)(g.MaxFeePerGas),
		MaxPriorityFeePerGas: (*hexutil.Big)(g.MaxPriorityFeePerGas),
	})
}

func (g *GasEstimate) UnmarshalJSON(data []byte) error {
	var raw gasEstimateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	g.PreVerificationGas = (*big.Int)(raw.PreVerificationGas)
	g.VerificationGasLimit = (*big.Int)(raw.VerificationGasLimit)
	g.CallGasLimit = (*big.Int)(raw.CallGasLimit)
	g.MaxFeePerGas = (*big.Int)(raw.MaxFeePerGas)
	g.MaxPriorityFeePerGas = (*big.Int)(raw.MaxPriorityFeePerGas)
	return nil
}

type Estimator struct {
	settlement Settlement
	validator  *Validator

	multiplier     decimal.Decimal
	minPriorityFee *big.Int

	// called with every fee snapshot fetched, may be nil
	onFee func(*eip1559.FeeData)
}

func NewEstimator(settlement Settlement, validator *Validator, multiplier decimal.Decimal, minPriorityFee *big.Int) *Estimator {
	return &Estimator{
		settlement:     settlement,
		validator:      validator,
		multiplier:     multiplier,
		minPriorityFee: minPriorityFee,
	}
}

// Estimate dry runs op, then pads its gas limits and the current network fees
// by the multiplier. Fees never go below the minimum priority fee.
func (e *Estimator) Estimate(ctx context.Context, op *userop.UserOperation) (*GasEstimate, error) {
	if err := e.validator.simulate(ctx, op); err != nil {
		return nil, bundlererr.NewEstimationError(err)
	}
	return e.estimateSimulated(ctx, op)
}

// estimateSimulated skips the dry run, for callers that already ran it
func (e *Estimator) estimateSimulated(ctx context.Context, op *userop.UserOperation) (*GasEstimate, error) {
	if op.PreVerificationGas == nil || op.VerificationGasLimit == nil || op.CallGasLimit == nil {
		return nil, bundlererr.NewEstimationError(errors.New("gas fields are required"))
	}

	fee, err := e.settlement.FeeData(ctx)
	if err != nil {
		return nil, bundlererr.NewEstimationError(fmt.Errorf("cannot fetch fee data: %w", err))
	}
	if e.onFee != nil {
		e.onFee(fee)
	}

	return &GasEstimate{
		PreVerificationGas:   e.scale(op.PreVerificationGas),
		VerificationGasLimit: e.scale(op.VerificationGasLimit),
		CallGasLimit:         e.scale(op.CallGasLimit),
		MaxFeePerGas:         e.floorFee(e.scale(fee.MaxFeePerGas)),
		MaxPriorityFeePerGas: e.floorFee(e.scale(fee.MaxPriorityFeePerGas)),
	}, nil
}

// scale multiplies v by the multiplier and rounds down
func (e *Estimator) scale(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return decimal.NewFromBigInt(v, 0).Mul(e.multiplier).Floor().BigInt()
}

func (e *Estimator) floorFee(v *big.Int) *big.Int {
	if e.minPriorityFee != nil && v.Cmp(e.minPriorityFee) < 0 {
		return new(big.Int).Set(e.minPriorityFee)
	}
	return v
}
