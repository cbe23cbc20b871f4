package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	eip191Prefix = "\x19Ethereum Signed Message:\n"
)

var ErrInvalidSignature = errors.New("invalid signature")

func eip191Hash(data []byte) common.Hash {
	prefix := []byte(eip191Prefix + fmt.Sprint(len(data)))
	return crypto.Keccak256Hash(append(prefix, data...))
}

// Generate EIP191 signature
func SignMessage(key *ecdsa.PrivateKey, data []byte) ([]byte, error) {
	sig, err := crypto.Sign(eip191Hash(data).Bytes(), key)
	if err != nil {
		return nil, err
	}
	// https://stackoverflow.com/questions/69762108/implementing-ethereum-personal-sign-eip-191-from-go-ethereum-gives-different-s
	sig[64] += 27

	return sig, nil
}

func SignMessageAsHex(key *ecdsa.PrivateKey, data []byte) (string, error) {
	signature, err := SignMessage(key, data)
	if err != nil {
		return "", err
	}
	return common.Bytes2Hex(signature), nil
}

// SignUserOpHash produces the owner signature SimpleAccount checks in
// validateUserOp: personal_sign over the 32 byte user op hash.
func SignUserOpHash(key *ecdsa.PrivateKey, hash common.Hash) ([]byte, error) {
	return SignMessage(key, hash.Bytes())
}

// Recover returns the address behind an EIP191 signature of data.
func Recover(data []byte, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}

	sig := make([]byte, len(signature))
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(eip191Hash(data).Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify checks that signatureHex is an EIP191 signature of data by expected.
func Verify(data []byte, signatureHex string, expected common.Address) (bool, error) {
	if !strings.HasPrefix(signatureHex, "0x") {
		signatureHex = "0x" + signatureHex
	}
	signature, err := hexutil.Decode(signatureHex)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	signer, err := Recover(data, signature)
	if err != nil {
		return false, err
	}
	return signer == expected, nil
}
