// Package chat owns persisted chats, participants, messages, and read state.
//
// The realtime core consumes the Store interface; the HTTP API in this
// package covers the CRUD surface (create chat, invite, list messages).
package chat

import (
	"context"
	"errors"
	"time"

	"coopchat/cmd/internal/bot"
)

var (
	// ErrChatNotFound marks a missing chat.
	ErrChatNotFound = errors.New("chat: not found")
	// ErrMessageNotFound marks a missing message.
	ErrMessageNotFound = errors.New("chat: message not found")
)

// BotUsername is the display name attached to bot-authored messages.
const BotUsername = "AI Assistant"

// Chat is one room of participants sharing a message stream.
type Chat struct {
	ID        int64
	Name      string
	OwnerID   int64
	IsGroup   bool
	CreatedAt time.Time
}

// Summary is a chat annotated with per-user read state for chat lists.
type Summary struct {
	Chat
	UnreadCount     int
	LastMessage     *string
	LastMessageTime *time.Time
}

// Message is one persisted chat message. UserID is nil for bot messages.
type Message struct {
	ID        int64
	ChatID    int64
	UserID    *int64
	Username  string
	Content   string
	IsBot     bool
	CreatedAt time.Time
}

// Receipt is one user's read marker for one message.
type Receipt struct {
	MessageID int64
	UserID    int64
	Username  string
	ReadAt    time.Time
}

// Store persists chats, participants, messages, cursors, and receipts.
//
// Each operation is atomic from the store's perspective; callers do not get
// cross-operation transactions.
type Store interface {
	CreateChat(ctx context.Context, ownerID int64, name string, isGroup bool) (Chat, error)
	ChatByID(ctx context.Context, chatID int64) (Chat, error)
	// ListUserChats returns the chats userID participates in, most recent
	// activity first, annotated with unread counts and last message.
	ListUserChats(ctx context.Context, userID int64) ([]Summary, error)

	// AddParticipant authorizes userID for chatID; adding twice is a no-op.
	AddParticipant(ctx context.Context, chatID, userID int64) error
	IsParticipant(ctx context.Context, chatID, userID int64) (bool, error)
	ListParticipants(ctx context.Context, chatID int64) ([]int64, error)

	// CreateMessage persists a message. authorID nil means bot-authored.
	CreateMessage(ctx context.Context, chatID int64, authorID *int64, content string, isBot bool) (Message, error)
	// UpdateMessageContent replaces a message's content (stream finalize).
	UpdateMessageContent(ctx context.Context, messageID int64, content string) error
	// ListMessages returns up to limit most recent messages in chronological
	// order, with author usernames resolved.
	ListMessages(ctx context.Context, chatID int64, limit int) ([]Message, error)
	// HistoryForPrompt returns up to limit oldest-first turns for the Responder.
	HistoryForPrompt(ctx context.Context, chatID int64, limit int) ([]bot.Turn, error)

	// MarkRead moves userID's read cursor in chatID to now.
	MarkRead(ctx context.Context, chatID, userID int64, now time.Time) error
	// UnreadCount counts messages newer than the cursor not authored by
	// userID. A missing or uninitialized cursor yields 0.
	UnreadCount(ctx context.Context, chatID, userID int64) (int, error)
	// CreateReadReceipt records that userID read messageID; duplicates are a no-op.
	CreateReadReceipt(ctx context.Context, messageID, userID int64, readAt time.Time) error
	// UnreceiptedMessageIDs lists messages in chatID authored by someone
	// other than userID that userID has not receipted yet.
	UnreceiptedMessageIDs(ctx context.Context, chatID, userID int64) ([]int64, error)
	ReceiptsForMessage(ctx context.Context, messageID int64) ([]Receipt, error)
	// ReceiptsForChat groups receipts by message id, read time ascending.
	ReceiptsForChat(ctx context.Context, chatID int64) (map[int64][]Receipt, error)
}
