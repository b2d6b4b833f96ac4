package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid session token")

// SessionClaims is the stateless session assertion. Validity is entirely a
// function of the HMAC signature and the expiry; nothing is kept server-side.
type SessionClaims struct {
	jwt.RegisteredClaims
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

func NewSessionToken(userID, displayName, role string, signingKey []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		DisplayName: displayName,
		Role:        role,
	})
	return token.SignedString(signingKey)
}

func VerifySessionToken(tokenString string, signingKey []byte) (SessionClaims, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return SessionClaims{}, err
	}
	if !token.Valid || claims.Subject == "" {
		return SessionClaims{}, ErrInvalidToken
	}
	return *claims, nil
}
