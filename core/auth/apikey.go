package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CreateApiKey signs a long lived HS256 API key for subject.
func CreateApiKey(secret []byte, subject string, roles []ApiRole, ttl time.Duration, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("jwt secret is not configured")
	}
	if subject == "" {
		return "", fmt.Errorf("subject cannot be empty")
	}
	if len(roles) < 1 {
		return "", fmt.Errorf("at least one role is required")
	}

	claims := &APIClaim{
		RegisteredClaims: &jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    Issuer,
			Subject:   subject,
		},
		Roles: roles,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// VerifyApiKey parses an API key and checks it grants role.
func VerifyApiKey(secret []byte, key string, role ApiRole) (*APIClaim, error) {
	if len(secret) == 0 {
		return nil, ErrorUnAuthorized
	}

	claims := &APIClaim{RegisteredClaims: &jwt.RegisteredClaims{}}
	token, err := jwt.ParseWithClaims(key, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("Unexpected signing method: %v", token.Header["alg"])
		}

		if token.Header["alg"] != JwtAlg {
			return nil, fmt.Errorf("invalid signing algorithm")
		}

		return secret, nil
	}, jwt.WithIssuer(Issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrorInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrorInvalidToken
	}

	if !claims.HasRole(role) {
		return nil, ErrorMissingRole
	}
	return claims, nil
}

// BearerToken extracts the token of an "Authorization: Bearer <token>" header.
func BearerToken(authHeader string) (string, error) {
	bearerToken := strings.SplitN(authHeader, " ", 2)
	if len(bearerToken) < 2 || bearerToken[0] != "Bearer" || bearerToken[1] == "" {
		return "", ErrorInvalidToken
	}
	return bearerToken[1], nil
}
