package gcp

import (
	"context"
	"sync"
	"time"
)

// MockIAM is an in-memory IAMManager for testing.
type MockIAM struct {
	mu sync.Mutex

	CreateErr error
	KeyErr    error
	GrantErr  error
	DeleteErr error

	KeyJSON    string
	LastBackup *time.Time
	BackupErr  error

	CreatedAccounts []string // project IDs
	GrantedPrefixes []string
	DeletedAccounts []string // SA emails
}

// NewMockIAM creates a mock with a canned key payload.
func NewMockIAM() *MockIAM {
	return &MockIAM{KeyJSON: `{"type":"service_account","project_id":"mock"}`}
}

func (m *MockIAM) CreateServiceAccount(ctx context.Context, projectID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return "", m.CreateErr
	}
	m.CreatedAccounts = append(m.CreatedAccounts, projectID)
	return SAID(projectID) + "@mock.iam.gserviceaccount.com", nil
}

func (m *MockIAM) CreateSAKey(ctx context.Context, saEmail string) (string, error) {
	if m.KeyErr != nil {
		return "", m.KeyErr
	}
	return m.KeyJSON, nil
}

func (m *MockIAM) GrantBucketIAM(ctx context.Context, saEmail, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GrantErr != nil {
		return m.GrantErr
	}
	m.GrantedPrefixes = append(m.GrantedPrefixes, prefix)
	return nil
}

func (m *MockIAM) DeleteServiceAccount(ctx context.Context, saEmail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	m.DeletedAccounts = append(m.DeletedAccounts, saEmail)
	return nil
}

func (m *MockIAM) LastBackupObject(ctx context.Context, prefix string) (*time.Time, error) {
	if m.BackupErr != nil {
		return nil, m.BackupErr
	}
	return m.LastBackup, nil
}

// MockRegistry is an in-memory RegistryClient for testing.
type MockRegistry struct {
	mu sync.Mutex

	Tags      map[string][]string // package -> tags
	DeleteErr error
	ListErr   error

	DeletedPackages []string
}

// NewMockRegistry creates an empty mock registry.
func NewMockRegistry() *MockRegistry {
	return &MockRegistry{Tags: make(map[string][]string)}
}

func (m *MockRegistry) DeletePackage(ctx context.Context, pkg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	m.DeletedPackages = append(m.DeletedPackages, pkg)
	delete(m.Tags, pkg)
	return nil
}

func (m *MockRegistry) ListTags(ctx context.Context, pkg string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	return m.Tags[pkg], nil
}
