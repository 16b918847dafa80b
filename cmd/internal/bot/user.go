package bot

import (
	"context"
	"errors"
	"fmt"

	"coopchat/cmd/internal/identity"
)

// Username is the account name reserved for the assistant.
const Username = "gemini-ai"

const botEmail = "gemini-ai@coopchat.local"

// unusablePassword is not a valid PHC hash, so no credential ever verifies
// against it. The assistant account exists only to participate in chats.
const unusablePassword = "!"

// EnsureUser creates the assistant account if it does not exist yet and
// returns it. Safe to call on every startup.
func EnsureUser(ctx context.Context, store identity.Store) (identity.User, error) {
	u, err := store.UserByUsername(ctx, Username)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, identity.ErrNotFound) {
		return identity.User{}, fmt.Errorf("lookup assistant user: %w", err)
	}

	u, err = store.CreateUser(ctx, Username, botEmail, unusablePassword)
	if err != nil {
		// Lost a startup race with another instance; the account exists now.
		if errors.Is(err, identity.ErrUsernameTaken) || errors.Is(err, identity.ErrEmailTaken) {
			return store.UserByUsername(ctx, Username)
		}
		return identity.User{}, fmt.Errorf("create assistant user: %w", err)
	}
	return u, nil
}
