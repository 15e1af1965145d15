// Package storage provides the persistence layer: gorm models, the Store
// interface, and its Postgres and in-memory implementations.
package storage

import (
	"time"
)

// Status is the lifecycle state of a project.
type Status string

const (
	StatusCreating     Status = "creating"
	StatusRunning      Status = "running"
	StatusSnapshotting Status = "snapshotting"
	StatusStopped      Status = "stopped"
	StatusRestoring    Status = "restoring"
	StatusError        Status = "error"
	StatusDeleting     Status = "deleting"
)

// transitions holds the allowed status transitions. Deletion is allowed
// from every state and is handled separately in CanTransition.
var transitions = map[Status][]Status{
	StatusCreating:     {StatusRunning, StatusError},
	StatusRunning:      {StatusSnapshotting, StatusError},
	StatusSnapshotting: {StatusStopped, StatusError},
	StatusStopped:      {StatusRestoring, StatusError},
	StatusRestoring:    {StatusRunning, StatusError},
	StatusError:        {},
	StatusDeleting:     {},
}

// CanTransition reports whether moving from one status to another is legal.
// Any state may enter deleting.
func CanTransition(from, to Status) bool {
	if to == StatusDeleting {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// User is an account that owns projects. Emails are lower-folded on
// write, so the unique index is effectively case-insensitive.
type User struct {
	ID           string    `gorm:"type:uuid;primaryKey" json:"id"`
	Email        string    `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash string    `gorm:"not null" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// RefreshToken is a stored, hashed refresh token. The raw token is never
// persisted; TokenHash is the hex SHA-256 of the raw value.
type RefreshToken struct {
	ID        string    `gorm:"type:uuid;primaryKey" json:"id"`
	UserID    string    `gorm:"type:uuid;not null;index" json:"user_id"`
	User      User      `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	TokenHash string    `gorm:"uniqueIndex;not null" json:"-"`
	ExpiresAt time.Time `gorm:"not null" json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Project is a sandbox and its associated external resources.
type Project struct {
	ID     string `gorm:"type:uuid;primaryKey" json:"id"`
	UserID string `gorm:"type:uuid;not null;index" json:"user_id"`
	User   User   `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Name   string `gorm:"not null" json:"name"`
	Status Status `gorm:"not null;default:creating" json:"status"`

	// Docker
	ContainerID   string `json:"-"`
	ContainerName string `json:"container_name,omitempty"`
	VolumeName    string `json:"-"`
	SSHHostPort   int    `json:"ssh_host_port,omitempty"`

	// SSH
	SSHPublicKey  string `gorm:"not null" json:"ssh_public_key"`
	SSHPrivateKey string `gorm:"not null" json:"-"`

	// GCP
	GCPSAEmail string `json:"-"`
	GCPSAKey   string `json:"-"`
	GCSPrefix  string `gorm:"not null" json:"gcs_prefix"`

	// Snapshot
	SnapshotImage     string     `json:"snapshot_image,omitempty"`
	LastSnapshotAt    *time.Time `json:"last_snapshot_at,omitempty"`
	SnapshotSizeBytes int64      `json:"snapshot_size_bytes,omitempty"`

	// Timestamps
	CreatedAt        time.Time  `json:"created_at"`
	LastActiveAt     time.Time  `json:"last_active_at"`
	LastBackupAt     *time.Time `json:"last_backup_at,omitempty"`
	LastConnectionAt *time.Time `json:"last_connection_at,omitempty"`
}
