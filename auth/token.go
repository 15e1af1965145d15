package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pomodex/pomodex/common"
)

const refreshTokenBytes = 32

// Claims represents the access token claims.
type Claims struct {
	jwt.RegisteredClaims
}

// TokenService handles JWT access token operations.
type TokenService struct {
	secret     []byte
	expiration time.Duration
}

// NewTokenService creates a new token service.
func NewTokenService(secret string, expiration time.Duration) *TokenService {
	return &TokenService{
		secret:     []byte(secret),
		expiration: expiration,
	}
}

// Secret exposes the signing key for the HTTP JWT middleware.
func (s *TokenService) Secret() []byte {
	return s.secret
}

// GenerateToken mints an HS256 access token carrying the user ID as subject.
func (s *TokenService) GenerateToken(userID string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiration)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken validates an access token and returns the user ID. Any
// parse, signature, or expiry failure yields the same auth error.
func (s *TokenService) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", common.AuthErr("invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", common.AuthErr("invalid token")
	}
	return claims.Subject, nil
}

// NewRefreshToken generates an opaque refresh token: 32 random bytes,
// URL-safe base64 encoded.
func NewRefreshToken() (string, error) {
	b := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashRefreshToken returns the hex SHA-256 digest of a refresh token.
// The digest is a database lookup key, not a password hash.
func HashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
