package api

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sureshkrishnan-v/signalbus/internal/constants"
)

// Claims are the JWT claims accepted by the API.
type Claims struct {
	ClientID string `json:"client_id"`
	Admin    bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// Auth issues and validates HS256 bearer tokens.
type Auth struct {
	secret []byte
	ttl    time.Duration
}

// NewAuth creates an authenticator. An empty secret disables auth and
// NewAuth returns nil.
func NewAuth(secret string) *Auth {
	if secret == "" {
		return nil
	}
	return &Auth{secret: []byte(secret), ttl: constants.APITokenTTL}
}

// Issue signs a token for clientID.
func (a *Auth) Issue(clientID string, admin bool) (string, time.Time, error) {
	if clientID == "" {
		return "", time.Time{}, errors.New("client id cannot be empty")
	}

	now := time.Now()
	expiresAt := now.Add(a.ttl)
	claims := Claims{
		ClientID: clientID,
		Admin:    admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return token, expiresAt, nil
}

// Validate parses a token, with or without the "Bearer " prefix.
func (a *Auth) Validate(raw string) (*Claims, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw == "" {
		return nil, errors.New("missing token")
	}

	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}
