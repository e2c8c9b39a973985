package webhook

import (
	"crypto/rand"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenTTL              = 15 * time.Minute
	tokenRefreshThreshold = 5 * time.Minute
)

// TokenIssuer signs and verifies callback bearer tokens. Tokens are HS256
// JWTs with a per-process random key; a restart invalidates outstanding
// tokens, which the STALE_EPOCH / refresh path recovers from.
type TokenIssuer struct {
	key []byte
}

type tokenClaims struct {
	Epoch int64 `json:"epoch"`
	jwt.RegisteredClaims
}

// NewTokenIssuer creates an issuer with a fresh random key.
func NewTokenIssuer() *TokenIssuer {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic("webhook: crypto/rand unavailable: " + err.Error())
	}
	return &TokenIssuer{key: key}
}

// Generate signs a token for the given consumer and epoch.
func (ti *TokenIssuer) Generate(consumerID string, epoch int64) string {
	now := time.Now()
	claims := tokenClaims{
		Epoch: epoch,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   consumerID,
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.key)
	if err != nil {
		// HS256 signing over in-memory bytes cannot fail at runtime.
		panic("webhook: signing callback token: " + err.Error())
	}
	return signed
}

// TokenCheck is the result of validating a callback token.
type TokenCheck struct {
	Valid bool
	Epoch int64
	Exp   time.Time
	Code  string // TOKEN_INVALID or TOKEN_EXPIRED when !Valid
}

// Validate verifies a bearer token for the given consumer. Signature
// comparison inside the JWT library is constant time.
func (ti *TokenIssuer) Validate(token, consumerID string) TokenCheck {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return ti.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return TokenCheck{Code: ErrCodeTokenExpired}
		}
		return TokenCheck{Code: ErrCodeTokenInvalid}
	}

	if claims.Subject != consumerID {
		return TokenCheck{Code: ErrCodeTokenInvalid}
	}

	var exp time.Time
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	return TokenCheck{Valid: true, Epoch: claims.Epoch, Exp: exp}
}

// NeedsRefresh reports whether a token is close enough to expiry that the
// callback response should carry a rotated one.
func NeedsRefresh(exp time.Time) bool {
	return time.Until(exp) <= tokenRefreshThreshold
}
