package identity

import (
	"context"
	"sync"
)

// MemoryStore keeps accounts in process memory. Used when the relay runs
// without a database.
type MemoryStore struct {
	mu      sync.RWMutex
	byEmail map[string]User
	idToKey map[string]string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byEmail: make(map[string]User), idToKey: make(map[string]string)}
}

func (m *MemoryStore) CreateUser(ctx context.Context, u User) (User, error) {
	const op = "identity.CreateUser"
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	if u.ID == "" || u.Email == "" || u.PasswordHash == "" {
		return User{}, invalid(op, "id, email and password hash are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[u.Email]; ok {
		return User{}, ConflictError{Op: op, Field: "email"}
	}
	m.byEmail[u.Email] = u
	m.idToKey[u.ID] = u.Email
	return u, nil
}

func (m *MemoryStore) UserByEmail(ctx context.Context, email string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.byEmail[email]
	if !ok {
		return User{}, NotFoundError{Op: "identity.UserByEmail", Resource: "user"}
	}
	return u, nil
}

func (m *MemoryStore) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	email, ok := m.idToKey[userID]
	if !ok {
		return NotFoundError{Op: "identity.UpdatePasswordHash", Resource: "user"}
	}
	u := m.byEmail[email]
	u.PasswordHash = hash
	m.byEmail[email] = u
	return nil
}
