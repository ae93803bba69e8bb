// Package auth issues and validates bearer tokens and limits abusive
// login and registration attempts.
package auth

import (
	"strconv"
	"time"

	"chatrelay/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

const accessToken = "access"

type Claims struct {
	TokenType string `json:"tokenType"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewAuthenticator(secret string, ttl time.Duration) *Authenticator {
	return &Authenticator{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs an access token for userID.
func (a *Authenticator) Issue(userID int64) (string, error) {
	now := a.now()
	claims := Claims{
		TokenType: accessToken,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	return signed, errors.Wrap(err, "sign token")
}

// Authenticate returns the user id carried by a valid, unexpired access
// token. Any other token yields models.ErrAuthentication.
func (a *Authenticator) Authenticate(token string) (int64, error) {
	if token == "" {
		return 0, errors.Wrap(models.ErrAuthentication, "missing token")
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
	if err != nil {
		return 0, errors.Wrapf(models.ErrAuthentication, "invalid token: %v", err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.TokenType != accessToken {
		return 0, errors.Wrap(models.ErrAuthentication, "not an access token")
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Wrap(models.ErrAuthentication, "bad subject")
	}
	return id, nil
}
