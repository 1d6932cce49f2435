// Package auth verifies bearer tokens and turns them into principals.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"

	"github.com/odyssey-erp/assetgate/internal/authz"
	"github.com/odyssey-erp/assetgate/internal/shared"
)

// Claims carried by gateway bearer tokens. The principal id is the subject.
type Claims struct {
	Role   string `json:"role"`
	Tenant string `json:"tenant,omitempty"`
	jwt.RegisteredClaims
}

// TokenManager issues and verifies HS256 tokens.
type TokenManager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	clock  clock.Clock
}

// NewTokenManager constructs a TokenManager. The secret must be at least 32 bytes.
func NewTokenManager(secret, issuer string, ttl time.Duration, clk clock.Clock) (*TokenManager, error) {
	if len(secret) < 32 {
		return nil, errors.New("auth: token secret must be at least 32 bytes")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	if clk == nil {
		clk = clock.New()
	}
	return &TokenManager{secret: []byte(secret), issuer: issuer, ttl: ttl, clock: clk}, nil
}

// Issue mints a token for p.
func (m *TokenManager) Issue(p authz.Principal) (string, error) {
	if p.ID == "" || !p.Role.Valid() {
		return "", errors.New("auth: principal requires id and known role")
	}
	now := m.clock.Now()
	claims := &Claims{
		Role:   string(p.Role),
		Tenant: p.TenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies raw and returns the principal it names. Every failure
// unwraps to shared.ErrUnauthenticated.
func (m *TokenManager) Parse(raw string) (authz.Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.clock.Now),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		return authz.Principal{}, fmt.Errorf("%w: %v", shared.ErrUnauthenticated, err)
	}
	role, err := authz.ParseRole(claims.Role)
	if err != nil {
		return authz.Principal{}, fmt.Errorf("%w: %v", shared.ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return authz.Principal{}, fmt.Errorf("%w: missing subject", shared.ErrUnauthenticated)
	}
	return authz.Principal{ID: claims.Subject, Role: role, TenantID: claims.Tenant}, nil
}
