package storage

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pomodex/pomodex/common"
)

// Memory is an in-memory Store used in tests and local development. It
// mirrors the Postgres semantics, including cascade deletes and the
// duplicate-email conflict.
type Memory struct {
	mu       sync.RWMutex
	users    map[string]*User
	tokens   map[string]*RefreshToken
	projects map[string]*Project
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]*User),
		tokens:   make(map[string]*RefreshToken),
		projects: make(map[string]*Project),
	}
}

func (m *Memory) CreateUser(user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user.Email = strings.ToLower(user.Email)
	for _, u := range m.users {
		if strings.EqualFold(u.Email, user.Email) {
			return common.ConflictErr("email already registered")
		}
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

func (m *Memory) GetUser(id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, common.NotFoundErr("user not found")
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) GetUserByEmail(email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, common.NotFoundErr("user not found")
}

func (m *Memory) DeleteUser(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.users, id)
	// Cascade, matching the Postgres foreign keys.
	for tid, t := range m.tokens {
		if t.UserID == id {
			delete(m.tokens, tid)
		}
	}
	for pid, p := range m.projects {
		if p.UserID == id {
			delete(m.projects, pid)
		}
	}
	return nil
}

func (m *Memory) SaveRefreshToken(token *RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	cp := *token
	m.tokens[token.ID] = &cp
	return nil
}

func (m *Memory) GetRefreshTokenByHash(hash string) (*RefreshToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.tokens {
		if t.TokenHash == hash {
			cp := *t
			return &cp, nil
		}
	}
	return nil, common.NotFoundErr("refresh token not found")
}

func (m *Memory) DeleteRefreshToken(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tokens, id)
	return nil
}

func (m *Memory) DeleteExpiredRefreshTokens(now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, t := range m.tokens {
		if t.ExpiresAt.Before(now) {
			delete(m.tokens, id)
		}
	}
	return nil
}

func (m *Memory) CreateProject(project *Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now
	}
	if project.LastActiveAt.IsZero() {
		project.LastActiveAt = now
	}
	cp := *project
	m.projects[project.ID] = &cp
	return nil
}

func (m *Memory) GetProject(id, userID string) (*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.projects[id]
	if !ok || p.UserID != userID {
		return nil, common.NotFoundErr("project not found")
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) ListProjects(userID string) ([]*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var projects []*Project
	for _, p := range m.projects {
		if p.UserID == userID {
			cp := *p
			projects = append(projects, &cp)
		}
	}
	sort.Slice(projects, func(i, j int) bool {
		return projects[i].CreatedAt.After(projects[j].CreatedAt)
	})
	return projects, nil
}

func (m *Memory) UpdateProject(project *Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *project
	m.projects[project.ID] = &cp
	return nil
}

func (m *Memory) DeleteProject(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.projects, id)
	return nil
}

func (m *Memory) RunningIdleSince(cutoff time.Time) ([]*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var idle []*Project
	for _, p := range m.projects {
		if p.Status != StatusRunning {
			continue
		}
		if p.LastConnectionAt == nil || !p.LastConnectionAt.Before(cutoff) {
			continue
		}
		cp := *p
		idle = append(idle, &cp)
	}
	return idle, nil
}

func (m *Memory) TouchConnection(projectID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.projects[projectID]
	if !ok {
		return nil
	}
	p.LastConnectionAt = &at
	p.LastActiveAt = at
	return nil
}
