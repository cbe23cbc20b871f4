package auth

import (
	"errors"
	"fmt"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	Issuer = "AvaProtocol"
	JwtAlg = "HS256"

	AdminRole    = ApiRole("admin")
	ReadonlyRole = ApiRole("readonly")

	// signed epoch tokens are accepted for this long
	SignatureWindow = 10
)

var (
	ErrorUnAuthorized = errors.New("Unauthorized error")

	ErrorInvalidToken = errors.New("Invalid Bearer Token")

	ErrorMalformedAuthHeader = errors.New("Malform auth header")
	ErrorExpiredSignature    = errors.New("Signature is expired")
	ErrorMissingRole         = errors.New("API key lacks the required role")
)

type ApiRole string
type APIClaim struct {
	*jwt.RegisteredClaims
	Roles []ApiRole `json:"roles"`
}

// HasRole reports whether the claim grants role. Admin implies every role.
func (c *APIClaim) HasRole(role ApiRole) bool {
	for _, r := range c.Roles {
		if r == role || r == AdminRole {
			return true
		}
	}
	return false
}

// GetSignerSigninMessage is what the bundler signer key signs to authenticate
// an admin request without a JWT.
func GetSignerSigninMessage(signerAddr string, epoch int64) []byte {
	return []byte(fmt.Sprintf("Bundler:%sEpoch:%d", signerAddr, epoch))
}
