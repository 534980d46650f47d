// Copyright © 2026 Orbitfleet
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

// DefaultTokenLifetime is the bearer token lifetime used when none is
// configured
var DefaultTokenLifetime = 24 * time.Hour

// Claims carried by a gateway bearer token. Subject is the account ID.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Tokens issues and verifies the HMAC-signed bearer tokens accepted by the
// HTTP API
type Tokens struct {
	secret   []byte
	lifetime time.Duration
}

// NewTokens returns a new Tokens with the given signing secret
func NewTokens(secret []byte, lifetime time.Duration) *Tokens {
	if lifetime <= 0 {
		lifetime = DefaultTokenLifetime
	}
	return &Tokens{
		secret:   secret,
		lifetime: lifetime,
	}
}

// Issue returns a signed bearer token for the account
func (t *Tokens) Issue(accountID uuid.UUID, email, name string) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.lifetime)),
		},
		Email: email,
		Name:  name,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify parses and validates a bearer token and returns the account ID it
// was issued for
func (t *Tokens) Verify(token string) (uuid.UUID, *Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return t.secret, nil
	})
	if err != nil || !parsed.Valid {
		return uuid.Nil, nil, ErrInvalidToken
	}
	accountID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, nil, ErrInvalidToken
	}
	return accountID, claims, nil
}
