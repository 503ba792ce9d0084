package relay

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenValidity bounds how long an issued bearer token is accepted.
const tokenValidity = 1 * time.Hour

type tokenClaims struct {
	jwt.RegisteredClaims
}

// GenerateToken issues an HS256 bearer token for subject (typically an
// agent or operator identity, not the tunnel id — the relay assigns
// tunnel ids itself at Connect time). Signed with the relay's shared
// secret; the agent only presents the resulting token.
func GenerateToken(secret, subject string) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenValidity)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing auth token: %w", err)
	}
	return signed, nil
}

// ValidateToken verifies signature, algorithm and expiry, returning the
// token's subject on success.
func ValidateToken(secret, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("empty auth token")
	}
	parsed, err := jwt.ParseWithClaims(token, &tokenClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("invalid auth token: %w", err)
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return "", fmt.Errorf("invalid auth token claims")
	}
	return claims.Subject, nil
}
