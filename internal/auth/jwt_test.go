package auth

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndParse(t *testing.T) {
	m := NewTokenManager("secret", "chatgraph", time.Hour)

	token, expiresAt, err := m.Issue("42", "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	claims, err := m.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "42", claims.UserID)
	assert.Equal(t, "alice", claims.UserName)
	assert.Equal(t, "chatgraph", claims.Issuer)
}

func TestParseWrongSecret(t *testing.T) {
	token, _, err := NewTokenManager("secret-a", "iss", time.Hour).Issue("1", "u")
	require.NoError(t, err)

	_, err = NewTokenManager("secret-b", "iss", time.Hour).Parse(token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestParseExpired(t *testing.T) {
	m := NewTokenManager("secret", "iss", -time.Minute)
	token, _, err := m.Issue("1", "u")
	require.NoError(t, err)

	_, err = m.Parse(token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestParseGarbage(t *testing.T) {
	m := NewTokenManager("secret", "iss", time.Hour)
	_, err := m.Parse("not-a-token")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestTokenFromRequest(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, TokenFromRequest(req))

	req.AddCookie(&http.Cookie{Name: "token", Value: "from-cookie"})
	assert.Equal(t, "from-cookie", TokenFromRequest(req))

	req.Header.Set("token", "from-header")
	assert.Equal(t, "from-header", TokenFromRequest(req))

	// Authorization wins over everything.
	req.Header.Set("Authorization", "Bearer from-bearer")
	assert.Equal(t, "from-bearer", TokenFromRequest(req))

	req.Header.Set("Authorization", "raw-token")
	assert.Equal(t, "raw-token", TokenFromRequest(req))
}
