// Package identity owns users, credentials, and token issuance for coopchat.
//
// The realtime core consumes it through the Provider: an opaque credential
// (a bearer token) maps to a user or fails with ErrInvalidCredential.
package identity

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidCredential marks a bad or expired credential at handshake.
	ErrInvalidCredential = errors.New("identity: invalid credential")
	// ErrUsernameTaken marks a register conflict on username.
	ErrUsernameTaken = errors.New("identity: username already registered")
	// ErrEmailTaken marks a register conflict on email.
	ErrEmailTaken = errors.New("identity: email already registered")
	// ErrNotFound marks a missing user.
	ErrNotFound = errors.New("identity: user not found")
)

// User is one registered account. HashedPassword never leaves this package.
type User struct {
	ID             int64
	Username       string
	Email          string
	HashedPassword string
	CreatedAt      time.Time
}

// Store persists users.
type Store interface {
	CreateUser(ctx context.Context, username, email, hashedPassword string) (User, error)
	UserByID(ctx context.Context, id int64) (User, error)
	UserByUsername(ctx context.Context, username string) (User, error)
	UserByEmail(ctx context.Context, email string) (User, error)
	// SearchUsers matches username or email substrings, case-insensitive,
	// excluding excludeID.
	SearchUsers(ctx context.Context, query string, excludeID int64, limit int) ([]User, error)
}

// Provider maps a credential to a user identity.
//
// It is the authentication boundary of the realtime core: the WS gateway and
// the HTTP APIs know nothing about token formats.
type Provider struct {
	store  Store
	tokens *TokenManager
}

// NewProvider constructs a Provider over a user store and token manager.
func NewProvider(store Store, tokens *TokenManager) *Provider {
	return &Provider{store: store, tokens: tokens}
}

// IdentityFromCredential resolves a bearer token to a user.
// Any parse, signature, expiry, or lookup failure collapses into
// ErrInvalidCredential so callers cannot distinguish why a token was bad.
func (p *Provider) IdentityFromCredential(ctx context.Context, credential string) (User, error) {
	if p == nil || p.store == nil || p.tokens == nil {
		return User{}, ErrInvalidCredential
	}

	userID, err := p.tokens.Verify(credential)
	if err != nil {
		return User{}, ErrInvalidCredential
	}

	u, err := p.store.UserByID(ctx, userID)
	if err != nil {
		return User{}, ErrInvalidCredential
	}
	return u, nil
}
