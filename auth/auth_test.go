package auth

import (
	"testing"
	"time"

	"chatrelay/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestIssueAndAuthenticate(t *testing.T) {
	a := NewAuthenticator("secret", time.Minute)

	token, err := a.Issue(42)
	require.NoError(t, err)

	id, err := a.Authenticate(token)
	require.NoError(t, err)
	require.Equal(t, int64(42), id)
}

func TestAuthenticateRejects(t *testing.T) {
	a := NewAuthenticator("secret", time.Minute)
	other := NewAuthenticator("other", time.Minute)

	foreign, err := other.Issue(1)
	require.NoError(t, err)

	expired := NewAuthenticator("secret", time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	old, err := expired.Issue(1)
	require.NoError(t, err)

	refresh, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		TokenType:        "refresh",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	for name, token := range map[string]string{
		"empty":   "",
		"garbage": "not.a.token",
		"foreign": foreign,
		"expired": old,
		"refresh": refresh,
	} {
		_, err := a.Authenticate(token)
		require.True(t, errors.Is(err, models.ErrAuthentication), name)
	}
}

func TestLimiter(t *testing.T) {
	now := time.Unix(1000, 0)
	l := NewLimiter(map[string]Rule{"login": LoginRule})
	l.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		ok, _ := l.Allow("login", "10.0.0.1")
		require.True(t, ok, "attempt %d", i)
	}
	ok, wait := l.Allow("login", "10.0.0.1")
	require.False(t, ok)
	require.Greater(t, wait, time.Duration(0))

	ok, _ = l.Allow("login", "10.0.0.2")
	require.True(t, ok, "other clients are not affected")

	ok, _ = l.Allow("unlimited", "10.0.0.1")
	require.True(t, ok)

	now = now.Add(wait)
	ok, _ = l.Allow("login", "10.0.0.1")
	require.True(t, ok)

	now = now.Add(time.Hour)
	l.Allow("login", "10.0.0.3")
	l.mu.Lock()
	require.Len(t, l.buckets, 1, "idle buckets are evicted")
	l.mu.Unlock()
}
