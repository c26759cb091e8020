// Package auth issues and verifies the bearer tokens that carry escrow.Claims.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/warp/escrow-engine/escrow"
)

var ErrInvalidToken = errors.New("invalid token")

// tokenClaims is the JWT body: uid and role plus the registered claims.
type tokenClaims struct {
	UserID string `json:"uid"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// TokenService signs and verifies HS256 tokens.
type TokenService struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenService(secret, issuer string, ttl time.Duration) *TokenService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenService{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}
}

// Issue signs a token for userID acting as role.
func (s *TokenService) Issue(userID escrow.UserID, role escrow.Role) (string, error) {
	if userID == "" || !role.Valid() {
		return "", fmt.Errorf("%w: user id and a known role are required", ErrInvalidToken)
	}
	now := s.now()
	claims := tokenClaims{
		UserID: string(userID),
		Role:   string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   string(userID),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify parses tokenStr and returns the caller's claims.
func (s *TokenService) Verify(tokenStr string) (*escrow.Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	claims := new(tokenClaims)
	token, err := jwt.NewParser(opts...).ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	role := escrow.Role(claims.Role)
	if claims.UserID == "" || !role.Valid() {
		return nil, ErrInvalidToken
	}
	return &escrow.Claims{UserID: escrow.UserID(claims.UserID), Role: role}, nil
}

type claimsKey struct{}

func WithClaims(ctx context.Context, c *escrow.Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// ClaimsFrom returns the claims stored by WithClaims, or nil.
func ClaimsFrom(ctx context.Context) *escrow.Claims {
	c, _ := ctx.Value(claimsKey{}).(*escrow.Claims)
	return c
}
