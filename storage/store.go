package storage

import "time"

// Store defines the persistence interface used by the auth service, the
// orchestrator, and the sweeper.
type Store interface {
	// User operations
	CreateUser(user *User) error
	GetUser(id string) (*User, error)
	GetUserByEmail(email string) (*User, error)
	DeleteUser(id string) error

	// Refresh token operations
	SaveRefreshToken(token *RefreshToken) error
	GetRefreshTokenByHash(hash string) (*RefreshToken, error)
	DeleteRefreshToken(id string) error
	DeleteExpiredRefreshTokens(now time.Time) error

	// Project operations. Get and List are tenant scoped: a project owned
	// by another user behaves exactly like a missing project.
	CreateProject(project *Project) error
	GetProject(id, userID string) (*Project, error)
	ListProjects(userID string) ([]*Project, error)
	UpdateProject(project *Project) error
	DeleteProject(id string) error

	// Sweeper and terminal support
	RunningIdleSince(cutoff time.Time) ([]*Project, error)
	TouchConnection(projectID string, at time.Time) error
}
