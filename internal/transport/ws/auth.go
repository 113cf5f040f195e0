package ws

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"greenova.io/internal/address"
)

var errNoIdentity = errors.New("no identity presented")

// IssueToken signs an HS256 token whose subject is identity.
func IssueToken(secret []byte, identity address.Address, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("empty jwt secret")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  identity.String(),
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func verifyToken(secret []byte, token string) (address.Address, error) {
	if len(secret) == 0 {
		return address.Zero, fmt.Errorf("token auth not configured")
	}
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return address.Zero, err
	}
	return address.Parse(claims.Subject)
}

// identify resolves the session identity: a verified token wins; a bare identity is
// accepted only in anonymous mode.
func (s *Server) identify(token, identity string) (address.Address, error) {
	if token = strings.TrimSpace(token); token != "" {
		return verifyToken(s.cfg.JWTSecret, token)
	}
	if identity = strings.TrimSpace(identity); identity != "" {
		if !s.cfg.AllowAnonymous {
			return address.Zero, fmt.Errorf("anonymous identities are disabled")
		}
		return address.Parse(identity)
	}
	return address.Zero, errNoIdentity
}
