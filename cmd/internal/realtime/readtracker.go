package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"coopchat/cmd/internal/chat"
)

// ReadTracker maintains per-user read state for chats: a per-chat read
// cursor plus per-message read receipts.
//
// Marking a chat read is a catch-up operation: it advances the cursor and
// then backfills receipts for every message the user had not yet receipted,
// so a reader who was offline still ends up with a complete receipt trail.
type ReadTracker struct {
	log   *slog.Logger
	store chat.Store
}

// NewReadTracker constructs a ReadTracker over store.
func NewReadTracker(log *slog.Logger, store chat.Store) *ReadTracker {
	return &ReadTracker{log: log, store: store}
}

// MarkRead advances userID's read cursor in chatID to now and creates read
// receipts for all messages in the chat the user has not receipted yet. It
// is idempotent: re-reading an already-read chat changes nothing beyond the
// cursor timestamp.
func (t *ReadTracker) MarkRead(ctx context.Context, chatID, userID int64, now time.Time) error {
	if err := t.store.MarkRead(ctx, chatID, userID, now); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}

	pending, err := t.store.UnreceiptedMessageIDs(ctx, chatID, userID)
	if err != nil {
		return fmt.Errorf("list unreceipted: %w", err)
	}
	for _, msgID := range pending {
		if err := t.store.CreateReadReceipt(ctx, msgID, userID, now); err != nil {
			return fmt.Errorf("create receipt for message %d: %w", msgID, err)
		}
	}

	if len(pending) > 0 {
		t.log.Debug("readtracker.catchup", "chat_id", chatID, "user_id", userID, "receipts", len(pending))
	}
	return nil
}

// UnreadCount reports how many messages in chatID arrived after userID's
// read cursor. A user with no cursor in the chat has zero unread messages.
func (t *ReadTracker) UnreadCount(ctx context.Context, chatID, userID int64) (int, error) {
	return t.store.UnreadCount(ctx, chatID, userID)
}

// ReceiptsForMessage returns the read receipts recorded for one message.
func (t *ReadTracker) ReceiptsForMessage(ctx context.Context, messageID int64) ([]chat.Receipt, error) {
	return t.store.ReceiptsForMessage(ctx, messageID)
}

// ReceiptsForChat returns all receipts in a chat grouped by message id.
func (t *ReadTracker) ReceiptsForChat(ctx context.Context, chatID int64) (map[int64][]chat.Receipt, error) {
	return t.store.ReceiptsForChat(ctx, chatID)
}
