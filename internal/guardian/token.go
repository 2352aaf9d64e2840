package guardian

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// sessionClaims binds a session token to the exact (source, pid) that
// registered it, so a forged token can't be replayed to act on another
// process's registration.
type sessionClaims struct {
	Source string `json:"source"`
	PID    int    `json:"pid"`
	jwt.RegisteredClaims
}

const sessionTokenTTL = 10 * time.Minute

// issueSessionToken signs a short-lived JWT for a freshly registered
// (source, pid) pair.
func issueSessionToken(secret []byte, source string, pid int) (string, error) {
	claims := sessionClaims{
		Source: source,
		PID:    pid,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(sessionTokenTTL)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(secret)
}

// validateSessionToken verifies tokenStr was issued for exactly this
// (source, pid) and hasn't expired.
func validateSessionToken(secret []byte, tokenStr, source string, pid int) error {
	claims := &sessionClaims{}
	tok, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return err
	}
	if !tok.Valid {
		return fmt.Errorf("session token invalid")
	}
	if claims.Source != source || claims.PID != pid {
		return fmt.Errorf("session token does not match source/pid")
	}
	return nil
}
