package identity

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemoryStore is a dev/test fallback when no database is configured.
type InMemoryStore struct {
	mu     sync.Mutex
	nextID int64
	users  map[int64]User
}

// NewInMemoryStore constructs an empty in-memory user store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{users: make(map[int64]User)}
}

// CreateUser registers a user, enforcing unique username and email
// (case-insensitive, matching the DB's citext-like behavior).
func (s *InMemoryStore) CreateUser(ctx context.Context, username, email, hashedPassword string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if strings.EqualFold(u.Username, username) {
			return User{}, ErrUsernameTaken
		}
		if strings.EqualFold(u.Email, email) {
			return User{}, ErrEmailTaken
		}
	}

	s.nextID++
	u := User{
		ID:             s.nextID,
		Username:       username,
		Email:          email,
		HashedPassword: hashedPassword,
		CreatedAt:      time.Now().UTC(),
	}
	s.users[u.ID] = u
	return u, nil
}

// UserByID looks up a user by id.
func (s *InMemoryStore) UserByID(ctx context.Context, id int64) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

// UserByUsername looks up a user by username (case-insensitive).
func (s *InMemoryStore) UserByUsername(ctx context.Context, username string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if strings.EqualFold(u.Username, username) {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

// UserByEmail looks up a user by email (case-insensitive).
func (s *InMemoryStore) UserByEmail(ctx context.Context, email string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

// SearchUsers matches username or email substrings, excluding excludeID.
// Results are ordered by username for determinism.
func (s *InMemoryStore) SearchUsers(ctx context.Context, query string, excludeID int64, limit int) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	s.mu.Lock()
	var out []User
	for _, u := range s.users {
		if u.ID == excludeID {
			continue
		}
		if strings.Contains(strings.ToLower(u.Username), q) || strings.Contains(strings.ToLower(u.Email), q) {
			out = append(out, u)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
