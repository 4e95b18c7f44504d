// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package availability

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenAudience = "availability-service"
	tokenTTL      = 5 * time.Minute
	tokenRefresh  = 30 * time.Second // re-sign this long before expiry
)

// ServiceClaims identifies this broker to the Availability Service.
type ServiceClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// TokenSource mints short-lived HS256 service tokens and caches them until
// shortly before expiry.
type TokenSource struct {
	clientID string
	secret   []byte
	now      func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

func NewTokenSource(clientID, secret string) (*TokenSource, error) {
	if secret == "" {
		return nil, errors.New("availability: jwt secret is required")
	}
	return &TokenSource{clientID: clientID, secret: []byte(secret), now: time.Now}, nil
}

// Token returns a valid bearer token.
func (s *TokenSource) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.token != "" && now.Add(tokenRefresh).Before(s.expires) {
		return s.token, nil
	}

	exp := now.Add(tokenTTL)
	claims := ServiceClaims{
		Scope: "qod:reservations",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.clientID,
			Subject:   s.clientID,
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", err
	}
	s.token, s.expires = signed, exp
	return signed, nil
}
