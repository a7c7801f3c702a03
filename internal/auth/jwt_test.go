package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidate(t *testing.T) {
	m, err := NewJWTManagerGenerated("parley-test")
	require.NoError(t, err)

	token, err := m.GenerateToken("alice", RoleAdmin, time.Minute)
	require.NoError(t, err)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, "alice", claims.Subject)
	assert.True(t, claims.IsAdmin())
	assert.NotEmpty(t, claims.ID)
}

func TestGenerateToken_Rejects(t *testing.T) {
	m, err := NewJWTManagerGenerated("parley-test")
	require.NoError(t, err)

	_, err = m.GenerateToken("  ", RoleUser, 0)
	assert.Error(t, err)

	_, err = m.GenerateToken("alice", "root", 0)
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestValidateToken_Expired(t *testing.T) {
	m, err := NewJWTManagerGenerated("parley-test")
	require.NoError(t, err)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "parley-test",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
		Username: "alice",
		Role:     RoleUser,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(m.privateKey)
	require.NoError(t, err)

	_, err = m.ValidateToken(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestValidateToken_Invalid(t *testing.T) {
	m, err := NewJWTManagerGenerated("parley-test")
	require.NoError(t, err)
	other, err := NewJWTManagerGenerated("parley-test")
	require.NoError(t, err)

	foreign, err := other.GenerateToken("alice", RoleUser, time.Minute)
	require.NoError(t, err)
	_, err = m.ValidateToken(foreign)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = m.ValidateToken("not-a-jwt")
	assert.ErrorIs(t, err, ErrTokenInvalid)

	wrongIssuer, err := NewJWTManagerGenerated("someone-else")
	require.NoError(t, err)
	wrongIssuer.privateKey, wrongIssuer.publicKey = m.privateKey, m.publicKey
	token, err := wrongIssuer.GenerateToken("alice", RoleUser, time.Minute)
	require.NoError(t, err)
	_, err = m.ValidateToken(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	hmac, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "parley-test",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
		Username: "alice",
	}).SignedString([]byte("shared"))
	require.NoError(t, err)
	_, err = m.ValidateToken(hmac)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestLoadOrGenerate_Persists(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrGenerate(dir, "parley-test")
	require.NoError(t, err)
	token, err := first.GenerateToken("bob", RoleUser, time.Minute)
	require.NoError(t, err)

	second, err := LoadOrGenerate(dir, "parley-test")
	require.NoError(t, err)
	claims, err := second.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "bob", claims.Username)
	assert.False(t, claims.IsAdmin())
}
