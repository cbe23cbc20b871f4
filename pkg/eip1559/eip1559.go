package eip1559

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
)

// FeeReader is the part of an eth client needed to price a transaction.
type FeeReader interface {
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// FeeData is a snapshot of network fees. BaseFee is nil on pre-London chains.
type FeeData struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	BaseFee              *big.Int
}

// Snapshot reads the current network fee data without any bundler policy:
// priority fee is the node's tip suggestion, max fee is 2 * baseFee + tip.
func Snapshot(ctx context.Context, client FeeReader) (*FeeData, error) {
	tipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot get gas tip cap: %w", err)
	}

	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot get latest header: %w", err)
	}

	data := &FeeData{
		MaxPriorityFeePerGas: new(big.Int).Set(tipCap),
	}

	if header.BaseFee != nil {
		data.BaseFee = new(big.Int).Set(header.BaseFee)
		data.MaxFeePerGas = new(big.Int).Add(new(big.Int).Mul(header.BaseFee, big.NewInt(2)), tipCap)
	} else {
		// Legacy (pre-EIP-1559) chain, use the tip as the whole price
		data.MaxFeePerGas = new(big.Int).Set(tipCap)
	}

	return data, nil
}

// SuggestFee prices the bundle transaction itself: the tip gets a 13% buffer
// and maxFeePerGas leaves room for the base fee doubling before inclusion.
func SuggestFee(ctx context.Context, client FeeReader) (*big.Int, *big.Int, error) {
	snapshot, err := Snapshot(ctx, client)
	if err != nil {
		return nil, nil, err
	}

	buffer := new(big.Int).Div(snapshot.MaxPriorityFeePerGas, big.NewInt(100))
	buffer.Mul(buffer, big.NewInt(13))
	maxPriorityFeePerGas := new(big.Int).Add(snapshot.MaxPriorityFeePerGas, buffer)

	if snapshot.BaseFee == nil {
		return new(big.Int).Set(maxPriorityFeePerGas), maxPriorityFeePerGas, nil
	}

	maxFeePerGas := new(big.Int).Add(new(big.Int).Mul(snapshot.BaseFee, big.NewInt(2)), maxPriorityFeePerGas)
	return maxFeePerGas, maxPriorityFeePerGas, nil
}
