package memory

import (
	"context"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-approvals/internal/audit"
	"github.com/xela07ax/spaceai-approvals/internal/domain"
)

type UserStore struct {
	mu    sync.RWMutex
	users map[string]domain.User
}

func NewUserStore() *UserStore {
	return &UserStore{users: make(map[string]domain.User)}
}

func (s *UserStore) GetUserByUsername(_ context.Context, username string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (s *UserStore) UpsertUser(_ context.Context, u *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if prev, ok := s.users[u.Username]; ok {
		u.ID = prev.ID
		u.CreatedAt = prev.CreatedAt
	} else {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	s.users[u.Username] = *u
	return nil
}

// AuditLog хранит события журнала в памяти.
type AuditLog struct {
	mu     sync.Mutex
	events []audit.Event
}

func NewAuditLog() *AuditLog {
	return &AuditLog{}
}

func (l *AuditLog) WriteBatch(_ context.Context, events []audit.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, events...)
	return nil
}

func (l *AuditLog) ListEvents(_ context.Context, taskID string) ([]audit.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]audit.Event, 0)
	for _, e := range l.events {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out, nil
}
