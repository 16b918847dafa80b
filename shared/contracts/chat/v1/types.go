// Package v1 defines the coopchat realtime wire contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event type constants (wire-stable).
const (
	// TypeJoin subscribes the connection to a chat room (client -> server).
	TypeJoin = "join"
	// TypeLeave unsubscribes the connection from a chat room (client -> server).
	TypeLeave = "leave"
	// TypeMessage sends a message into a chat room (client -> server).
	TypeMessage = "message"
	// TypeTyping signals that the sender is typing (client -> server, fire-and-forget).
	TypeTyping = "typing"

	// TypeUserJoined announces a room subscription (server -> room members).
	TypeUserJoined = "user_joined"
	// TypeUserLeft announces a room unsubscription (server -> room members).
	TypeUserLeft = "user_left"
	// TypeBotStream carries the accumulated text of an in-progress bot reply
	// (server -> room members). Content is cumulative, not a delta.
	TypeBotStream = "bot_stream"

	// TypeChatCreated notifies a user that they were added to a new chat.
	TypeChatCreated = "chat_created"
	// TypeChatInvite notifies a user that they were invited to an existing chat.
	TypeChatInvite = "chat_invite"
	// TypeReadReceiptsUpdated announces fresh read receipts for a chat.
	TypeReadReceiptsUpdated = "read_receipts_updated"

	// TypeError is sent only to the originating connection.
	TypeError = "error"
)

// Message is the persisted-message shape carried by message and bot_stream events.
// UserID is nil for bot-authored messages.
type Message struct {
	ID        int64     `json:"id"`
	ChatID    int64     `json:"chat_id"`
	UserID    *int64    `json:"user_id"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	IsBot     bool      `json:"is_bot"`
	CreatedAt time.Time `json:"created_at"`
}

// Chat is the chat shape carried by chat_created and chat_invite events.
type Chat struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name,omitempty"`
	OwnerID   int64     `json:"owner_id"`
	IsGroup   bool      `json:"is_group"`
	CreatedAt time.Time `json:"created_at"`
}

// ReadReceipt is one user's read marker for one message.
type ReadReceipt struct {
	UserID   int64     `json:"user_id"`
	Username string    `json:"username"`
	ReadAt   time.Time `json:"read_at"`
}

// Event is the canonical wire shape for both directions.
// Fields are populated per type; unused fields are omitted.
type Event struct {
	Type   string `json:"type"`
	ChatID int64  `json:"chat_id,omitempty"`

	// Inbound message content (also echoed inside Message for outbound).
	Content string `json:"content,omitempty"`

	// Outbound presence/typing attribution.
	Username string `json:"username,omitempty"`

	// Outbound payloads.
	Message      *Message                `json:"message,omitempty"`
	Chat         *Chat                   `json:"chat,omitempty"`
	Notification string                  `json:"notification,omitempty"`
	ReadReceipts map[int64][]ReadReceipt `json:"read_receipts,omitempty"`

	// Error text, sent only to the originating connection.
	Error string `json:"error,omitempty"`
}

// ValidateInbound performs structural validation for a client-sent event.
func (e Event) ValidateInbound() error {
	typ := strings.TrimSpace(e.Type)
	if typ == "" {
		return errors.New("missing field: type")
	}

	switch typ {
	case TypeJoin, TypeLeave, TypeTyping:
		if e.ChatID <= 0 {
			return errors.New("missing field: chat_id")
		}
		return nil
	case TypeMessage:
		if e.ChatID <= 0 {
			return errors.New("missing field: chat_id")
		}
		if strings.TrimSpace(e.Content) == "" {
			return errors.New("missing field: content")
		}
		return nil
	default:
		return fmt.Errorf("unknown type: %q", typ)
	}
}

// NewError builds an error event addressed to a single connection.
func NewError(msg string) Event {
	return Event{Type: TypeError, Error: msg}
}
