package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestPasswords(t *testing.T) {
	hash, err := HashPassword("s3cret", bcrypt.MinCost)
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret", hash)

	assert.NoError(t, CheckPassword(hash, "s3cret"))
	assert.ErrorIs(t, CheckPassword(hash, "wrong"), ErrInvalidCredentials)
	assert.ErrorIs(t, CheckPassword("not-a-hash", "s3cret"), ErrInvalidCredentials)

	_, err = HashPassword("", bcrypt.MinCost)
	assert.Error(t, err)
}

func TestTokens(t *testing.T) {
	secret := []byte("super-secret")

	tok, err := GenerateToken("0xd1", "provider", "P1", secret, time.Hour)
	require.NoError(t, err)

	claims, err := ParseToken(tok, secret)
	require.NoError(t, err)
	assert.Equal(t, "0xd1", claims.DirectoryID)
	assert.Equal(t, "provider", claims.Role)
	assert.Equal(t, "P1", claims.UserID)
	assert.Equal(t, "P1", claims.Subject)

	t.Run("expired", func(t *testing.T) {
		tok, err := GenerateToken("0xd1", "consumer", "C1", secret, -time.Second)
		require.NoError(t, err)
		_, err = ParseToken(tok, secret)
		assert.ErrorIs(t, err, ErrTokenExpired)
	})

	t.Run("wrong secret", func(t *testing.T) {
		_, err := ParseToken(tok, []byte("other"))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := ParseToken("a.b.c", secret)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("other signing method", func(t *testing.T) {
		none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "P1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = ParseToken(none, secret)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("secret required", func(t *testing.T) {
		_, err := GenerateToken("0xd1", "provider", "P1", nil, time.Hour)
		assert.Error(t, err)
	})
}
