package userop

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	addressType, _ = abi.NewType("address", "", nil)
	uint256Type, _ = abi.NewType("uint256", "", nil)
	bytes32Type, _ = abi.NewType("bytes32", "", nil)

	// abi.encode(sender, nonce, hashInitCode, hashCallData, accountGasLimits,
	// preVerificationGas, gasFees, hashPaymasterAndData)
	packedArgs = abi.Arguments{
		{Type: addressType},
		{Type: uint256Type},
		{Type: bytes32Type},
		{Type: bytes32Type},
		{Type: bytes32Type},
		{Type: uint256Type},
		{Type: bytes32Type},
		{Type: bytes32Type},
	}

	// abi.encode(innerHash, entryPoint, chainId)
	hashArgs = abi.Arguments{
		{Type: bytes32Type},
		{Type: addressType},
		{Type: uint256Type},
	}
)

// Encode returns the ABI encoding the EntryPoint v0.7 hashes: dynamic fields are
// replaced by their keccak256.
func (p *PackedUserOperation) Encode() ([]byte, error) {
	return packedArgs.Pack(
		p.Sender,
		bigOrZero(p.Nonce),
		[32]byte(crypto.Keccak256Hash(p.InitCode)),
		[32]byte(crypto.Keccak256Hash(p.CallData)),
		p.AccountGasLimits,
		bigOrZero(p.PreVerificationGas),
		p.GasFees,
		[32]byte(crypto.Keccak256Hash(p.PaymasterAndData)),
	)
}

// Hash computes the user operation hash the way EntryPoint v0.7 getUserOpHash does.
func (p *PackedUserOperation) Hash(entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	encoded, err := p.Encode()
	if err != nil {
		return common.Hash{}, fmt.Errorf("cannot encode packed user operation: %w", err)
	}

	outer, err := hashArgs.Pack([32]byte(crypto.Keccak256Hash(encoded)), entryPoint, bigOrZero(chainID))
	if err != nil {
		return common.Hash{}, fmt.Errorf("cannot encode user operation hash: %w", err)
	}

	return crypto.Keccak256Hash(outer), nil
}

// Hash packs op and hashes the packed form.
func Hash(op *UserOperation, entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	packed, err := op.Pack()
	if err != nil {
		return common.Hash{}, err
	}
	return packed.Hash(entryPoint, chainID)
}
