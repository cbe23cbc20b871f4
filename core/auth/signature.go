package auth

import (
	"crypto/ecdsa"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-bundler/core/chainio/signer"
)

// ClientAuth builds signed epoch tokens from the bundler signer key.
type ClientAuth struct {
	EcdsaPrivateKey *ecdsa.PrivateKey
	SignerAddr      common.Address
}

// Header returns the Authorization header value for now.
func (a ClientAuth) Header(now time.Time) (string, error) {
	epoch := now.Unix()
	token, err := signer.SignMessageAsHex(
		a.EcdsaPrivateKey,
		GetSignerSigninMessage(a.SignerAddr.String(), epoch),
	)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("Bearer %d.%s", epoch, token), nil
}

// VerifySigner checks that a "<epoch>.<signature>" token was signed by
// signerAddr within the last SignatureWindow seconds.
func VerifySigner(token string, signerAddr common.Address, now time.Time) (bool, error) {
	tokens := strings.SplitN(token, ".", 2)
	if len(tokens) < 2 {
		return false, ErrorMalformedAuthHeader
	}
	epoch, err := strconv.ParseInt(tokens[0], 10, 64)
	if err != nil {
		return false, ErrorMalformedAuthHeader
	}
	if now.Add(-SignatureWindow*time.Second).Unix() > epoch {
		return false, ErrorExpiredSignature
	}

	result, err := signer.Verify(GetSignerSigninMessage(signerAddr.String(), epoch), tokens[1], signerAddr)
	if err != nil {
		return false, fmt.Errorf("unauthorized error: %w", err)
	}
	return result, nil
}

// VerifyAdmin accepts either an admin API key or a fresh signer token.
func VerifyAdmin(authHeader string, secret []byte, signerAddr common.Address, now time.Time) error {
	token, err := BearerToken(authHeader)
	if err != nil {
		return err
	}

	// signed epoch tokens have exactly one dot, a JWT has two
	if strings.Count(token, ".") == 1 {
		ok, err := VerifySigner(token, signerAddr, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrorUnAuthorized
		}
		return nil
	}

	_, err = VerifyApiKey(secret, token, AdminRole)
	return err
}
