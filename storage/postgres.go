package storage

import (
	"errors"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pomodex/pomodex/common"
)

// Postgres implements Store on a gorm Postgres connection.
type Postgres struct {
	db *gorm.DB
}

// NewPostgres opens the database and runs schema migration.
func NewPostgres(url string) (*Postgres, error) {
	db, err := gorm.Open(postgres.Open(url), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, common.BackendErr("database connection failed", err)
	}

	if err := db.AutoMigrate(&User{}, &RefreshToken{}, &Project{}); err != nil {
		return nil, common.BackendErr("database migration failed", err)
	}

	return &Postgres{db: db}, nil
}

func (p *Postgres) CreateUser(user *User) error {
	// Emails are stored lower-folded so the unique index catches
	// case-variant duplicates.
	user.Email = strings.ToLower(user.Email)
	if err := p.db.Create(user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return common.ConflictErr("email already registered")
		}
		return common.BackendErr("create user failed", err)
	}
	return nil
}

func (p *Postgres) GetUser(id string) (*User, error) {
	var user User
	if err := p.db.First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.NotFoundErr("user not found")
		}
		return nil, common.BackendErr("get user failed", err)
	}
	return &user, nil
}

func (p *Postgres) GetUserByEmail(email string) (*User, error) {
	var user User
	if err := p.db.First(&user, "email = ?", strings.ToLower(email)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.NotFoundErr("user not found")
		}
		return nil, common.BackendErr("get user failed", err)
	}
	return &user, nil
}

func (p *Postgres) DeleteUser(id string) error {
	if err := p.db.Delete(&User{}, "id = ?", id).Error; err != nil {
		return common.BackendErr("delete user failed", err)
	}
	return nil
}

func (p *Postgres) SaveRefreshToken(token *RefreshToken) error {
	if err := p.db.Create(token).Error; err != nil {
		return common.BackendErr("save refresh token failed", err)
	}
	return nil
}

func (p *Postgres) GetRefreshTokenByHash(hash string) (*RefreshToken, error) {
	var token RefreshToken
	if err := p.db.First(&token, "token_hash = ?", hash).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.NotFoundErr("refresh token not found")
		}
		return nil, common.BackendErr("get refresh token failed", err)
	}
	return &token, nil
}

func (p *Postgres) DeleteRefreshToken(id string) error {
	if err := p.db.Delete(&RefreshToken{}, "id = ?", id).Error; err != nil {
		return common.BackendErr("delete refresh token failed", err)
	}
	return nil
}

func (p *Postgres) DeleteExpiredRefreshTokens(now time.Time) error {
	if err := p.db.Delete(&RefreshToken{}, "expires_at < ?", now).Error; err != nil {
		return common.BackendErr("delete expired refresh tokens failed", err)
	}
	return nil
}

func (p *Postgres) CreateProject(project *Project) error {
	if err := p.db.Create(project).Error; err != nil {
		return common.BackendErr("create project failed", err)
	}
	return nil
}

func (p *Postgres) GetProject(id, userID string) (*Project, error) {
	var project Project
	err := p.db.First(&project, "id = ? AND user_id = ?", id, userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.NotFoundErr("project not found")
		}
		return nil, common.BackendErr("get project failed", err)
	}
	return &project, nil
}

func (p *Postgres) ListProjects(userID string) ([]*Project, error) {
	var projects []*Project
	err := p.db.Order("created_at DESC").Find(&projects, "user_id = ?", userID).Error
	if err != nil {
		return nil, common.BackendErr("list projects failed", err)
	}
	return projects, nil
}

func (p *Postgres) UpdateProject(project *Project) error {
	if err := p.db.Save(project).Error; err != nil {
		return common.BackendErr("update project failed", err)
	}
	return nil
}

func (p *Postgres) DeleteProject(id string) error {
	if err := p.db.Delete(&Project{}, "id = ?", id).Error; err != nil {
		return common.BackendErr("delete project failed", err)
	}
	return nil
}

func (p *Postgres) RunningIdleSince(cutoff time.Time) ([]*Project, error) {
	var projects []*Project
	err := p.db.
		Where("status = ?", StatusRunning).
		Where("last_connection_at < ?", cutoff).
		Find(&projects).Error
	if err != nil {
		return nil, common.BackendErr("idle project query failed", err)
	}
	return projects, nil
}

func (p *Postgres) TouchConnection(projectID string, at time.Time) error {
	err := p.db.Model(&Project{}).
		Where("id = ?", projectID).
		Updates(map[string]interface{}{
			"last_connection_at": at,
			"last_active_at":     at,
		}).Error
	if err != nil {
		return common.BackendErr("touch connection failed", err)
	}
	return nil
}
