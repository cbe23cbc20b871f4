// Package userop models an EntryPoint v0.7 user operation: the unpacked form
// accepted over RPC, the packed form the EntryPoint consumes, and the hash rule
// the EntryPoint uses to identify it.
package userop

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// packed gas fields are two uint128 halves of a bytes32
	maxPackedBits = 128

	paymasterFieldsLength = common.AddressLength + 16 + 16
)

type UserOperation struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int

	// Zero address means no paymaster; the three fields below are then ignored.
	Paymaster                     common.Address
	PaymasterVerificationGasLimit *big.Int
	PaymasterPostOpGasLimit       *big.Int
	PaymasterData                 []byte

	Signature []byte
}

// PackedUserOperation mirrors the EntryPoint v0.7 PackedUserOperation struct.
// Field names match the ABI tuple components so it can be passed to the binding as is.
type PackedUserOperation struct {
	Sender             common.Address
	Nonce              *big.Int
	InitCode           []byte
	CallData           []byte
	AccountGasLimits   [32]byte
	PreVerificationGas *big.Int
	GasFees            [32]byte
	PaymasterAndData   []byte
	Signature          []byte
}

func (op *UserOperation) HasPaymaster() bool {
	return op.Paymaster != (common.Address{})
}

// Factory returns the account factory encoded in the first 20 bytes of initCode.
func (op *UserOperation) Factory() (common.Address, bool) {
	if len(op.InitCode) < common.AddressLength {
		return common.Address{}, false
	}
	return common.BytesToAddress(op.InitCode[:common.AddressLength]), true
}

// CheckBounds reports fields that cannot be represented in the packed layout.
func (op *UserOperation) CheckBounds() error {
	fields := []struct {
		name  string
		value *big.Int
		bits  int
	}{
		{"nonce", op.Nonce, 256},
		{"callGasLimit", op.CallGasLimit, maxPackedBits},
		{"verificationGasLimit", op.VerificationGasLimit, maxPackedBits},
		{"preVerificationGas", op.PreVerificationGas, 256},
		{"maxFeePerGas", op.MaxFeePerGas, maxPackedBits},
		{"maxPriorityFeePerGas", op.MaxPriorityFeePerGas, maxPackedBits},
		{"paymasterVerificationGasLimit", op.PaymasterVerificationGasLimit, maxPackedBits},
		{"paymasterPostOpGasLimit", op.PaymasterPostOpGasLimit, maxPackedBits},
	}

	for _, f := range fields {
		if f.value == nil {
			continue
		}
		if f.value.Sign() < 0 {
			return fmt.Errorf("%s is negative", f.name)
		}
		if f.value.BitLen() > f.bits {
			return fmt.Errorf("%s does not fit in uint%d", f.name, f.bits)
		}
	}
	return nil
}

// Pack builds the EntryPoint v0.7 packed form:
//
//	accountGasLimits = verificationGasLimit (16 bytes) ‖ callGasLimit (16 bytes)
//	gasFees          = maxPriorityFeePerGas (16 bytes) ‖ maxFeePerGas (16 bytes)
//	paymasterAndData = paymaster ‖ paymasterVerificationGasLimit (16) ‖ paymasterPostOpGasLimit (16) ‖ paymasterData
func (op *UserOperation) Pack() (*PackedUserOperation, error) {
	if err := op.CheckBounds(); err != nil {
		return nil, err
	}

	return &PackedUserOperation{
		Sender:             op.Sender,
		Nonce:              bigOrZero(op.Nonce),
		InitCode:           copyBytes(op.InitCode),
		CallData:           copyBytes(op.CallData),
		AccountGasLimits:   packUint128Pair(op.VerificationGasLimit, op.CallGasLimit),
		PreVerificationGas: bigOrZero(op.PreVerificationGas),
		GasFees:            packUint128Pair(op.MaxPriorityFeePerGas, op.MaxFeePerGas),
		PaymasterAndData:   op.paymasterAndData(),
		Signature:          copyBytes(op.Signature),
	}, nil
}

func (op *UserOperation) paymasterAndData() []byte {
	if !op.HasPaymaster() {
		return []byte{}
	}

	out := make([]byte, paymasterFieldsLength, paymasterFieldsLength+len(op.PaymasterData))
	copy(out, op.Paymaster.Bytes())
	bigOrZero(op.PaymasterVerificationGasLimit).FillBytes(out[20:36])
	bigOrZero(op.PaymasterPostOpGasLimit).FillBytes(out[36:52])
	return append(out, op.PaymasterData...)
}

func packUint128Pair(high, low *big.Int) [32]byte {
	var out [32]byte
	bigOrZero(high).FillBytes(out[:16])
	bigOrZero(low).FillBytes(out[16:])
	return out
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return append([]byte{}, b...)
}
