package auth

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pomodex/pomodex/common"
)

func TestGenerateAndValidateToken(t *testing.T) {
	svc := NewTokenService("test-secret", 15*time.Minute)

	token, err := svc.GenerateToken("user-123")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	userID, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-123", userID)
}

func TestValidateTokenWrongSecret(t *testing.T) {
	svc := NewTokenService("secret-a", 15*time.Minute)
	other := NewTokenService("secret-b", 15*time.Minute)

	token, err := svc.GenerateToken("user-123")
	require.NoError(t, err)

	_, err = other.ValidateToken(token)
	require.Error(t, err)
	assert.Equal(t, common.KindAuth, common.KindOf(err))
}

func TestValidateTokenExpired(t *testing.T) {
	svc := NewTokenService("test-secret", -time.Minute)

	token, err := svc.GenerateToken("user-123")
	require.NoError(t, err)

	_, err = svc.ValidateToken(token)
	require.Error(t, err)
	assert.Equal(t, common.KindAuth, common.KindOf(err))
}

func TestValidateTokenGarbage(t *testing.T) {
	svc := NewTokenService("test-secret", 15*time.Minute)

	for _, tok := range []string{"", "not-a-jwt", "a.b.c"} {
		_, err := svc.ValidateToken(tok)
		require.Error(t, err)
		assert.Equal(t, common.KindAuth, common.KindOf(err))
	}
}

func TestValidateTokenRejectsNonHMAC(t *testing.T) {
	svc := NewTokenService("test-secret", 15*time.Minute)

	// alg=none with a valid-looking payload must not pass.
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "user-123",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = svc.ValidateToken(token)
	require.Error(t, err)
	assert.Equal(t, common.KindAuth, common.KindOf(err))
}

func TestNewRefreshToken(t *testing.T) {
	a, err := NewRefreshToken()
	require.NoError(t, err)
	b, err := NewRefreshToken()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)

	raw, err := base64.RawURLEncoding.DecodeString(a)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
}

func TestHashRefreshToken(t *testing.T) {
	h1 := HashRefreshToken("some-token")
	h2 := HashRefreshToken("some-token")
	h3 := HashRefreshToken("other-token")

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 64)
	assert.Regexp(t, "^[0-9a-f]{64}$", h1)
}

func TestHashPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", hash)

	assert.True(t, VerifyPassword("hunter2", hash))
	assert.False(t, VerifyPassword("hunter3", hash))
}
