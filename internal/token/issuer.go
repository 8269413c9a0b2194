package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"identity-service/internal/config"
)

// Claims carried by session tokens issued after a successful verification.
type Claims struct {
	UserID   string `json:"uid"`
	TenantID string `json:"tid"`
	Method   string `json:"mth"` // "otp" or "password"
	jwt.RegisteredClaims
}

// Issuer signs short-lived HS256 session tokens once an identity has been
// verified.
type Issuer struct {
	signingKey []byte
	issuer     string
	ttl        time.Duration
	now        func() time.Time
}

func NewIssuer(cfg *config.Config) *Issuer {
	return &Issuer{
		signingKey: []byte(cfg.JWT.SigningKey),
		issuer:     cfg.JWT.Issuer,
		ttl:        cfg.JWT.TokenTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (i *Issuer) Issue(userID, tenantID, method string) (string, error) {
	now := i.now()

	claims := Claims{
		UserID:   userID,
		TenantID: tenantID,
		Method:   method,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    i.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token issued by Issue.
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.signingKey, nil
	}, jwt.WithIssuer(i.issuer), jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
