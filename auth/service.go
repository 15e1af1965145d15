package auth

import (
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pomodex/pomodex/common"
	"github.com/pomodex/pomodex/storage"
)

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Service implements registration, login, and refresh rotation on top of
// the store and the token service.
type Service struct {
	store      storage.Store
	tokens     *TokenService
	refreshTTL time.Duration
	log        *logrus.Entry
}

// NewService creates the auth service.
func NewService(store storage.Store, tokens *TokenService, refreshTTL time.Duration, log *logrus.Entry) *Service {
	return &Service{
		store:      store,
		tokens:     tokens,
		refreshTTL: refreshTTL,
		log:        log,
	}
}

// Tokens exposes the token service for middleware wiring.
func (s *Service) Tokens() *TokenService {
	return s.tokens
}

// Register creates a new user. A duplicate email yields a conflict error.
func (s *Service) Register(email, password string) (*storage.User, error) {
	if email == "" || password == "" {
		return nil, common.PreconditionErr("email and password are required")
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, common.BackendErr("password hashing failed", err)
	}

	user := &storage.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateUser(user); err != nil {
		return nil, err
	}

	s.log.WithField("user_id", user.ID).Info("user registered")
	return user, nil
}

// Login verifies credentials and mints a token pair. Unknown email and
// wrong password are indistinguishable to the caller.
func (s *Service) Login(email, password string) (*TokenPair, error) {
	user, err := s.store.GetUserByEmail(email)
	if err != nil {
		if common.IsKind(err, common.KindNotFound) {
			return nil, common.AuthErr("invalid credentials")
		}
		return nil, err
	}
	if !VerifyPassword(password, user.PasswordHash) {
		return nil, common.AuthErr("invalid credentials")
	}

	return s.issuePair(user.ID)
}

// Refresh rotates a refresh token: the presented token is consumed and a
// new pair is issued. An unknown or expired token yields an auth error;
// expired tokens are deleted on sight.
func (s *Service) Refresh(refreshToken string) (*TokenPair, error) {
	row, err := s.store.GetRefreshTokenByHash(HashRefreshToken(refreshToken))
	if err != nil {
		if common.IsKind(err, common.KindNotFound) {
			return nil, common.AuthErr("invalid refresh token")
		}
		return nil, err
	}

	if row.ExpiresAt.Before(time.Now().UTC()) {
		if err := s.store.DeleteRefreshToken(row.ID); err != nil {
			s.log.WithError(err).Warn("failed to delete expired refresh token")
		}
		return nil, common.AuthErr("refresh token expired")
	}

	if err := s.store.DeleteRefreshToken(row.ID); err != nil {
		return nil, err
	}

	return s.issuePair(row.UserID)
}

func (s *Service) issuePair(userID string) (*TokenPair, error) {
	accessToken, err := s.tokens.GenerateToken(userID)
	if err != nil {
		return nil, common.BackendErr("access token signing failed", err)
	}

	refreshToken, err := NewRefreshToken()
	if err != nil {
		return nil, common.BackendErr("refresh token generation failed", err)
	}

	row := &storage.RefreshToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		TokenHash: HashRefreshToken(refreshToken),
		ExpiresAt: time.Now().UTC().Add(s.refreshTTL),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.SaveRefreshToken(row); err != nil {
		return nil, err
	}

	return &TokenPair{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}
