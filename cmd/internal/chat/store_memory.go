package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"coopchat/cmd/internal/bot"
	"coopchat/cmd/internal/identity"
)

// UserDirectory resolves users for username projections and invites.
type UserDirectory interface {
	UserByID(ctx context.Context, id int64) (identity.User, error)
	UserByUsername(ctx context.Context, username string) (identity.User, error)
}

// InMemoryStore is a dev/test Store when no database is configured.
type InMemoryStore struct {
	users UserDirectory

	mu            sync.Mutex
	nextChatID    int64
	nextMessageID int64
	chats         map[int64]Chat
	participants  map[int64]map[int64]time.Time // chatID -> userID -> joinedAt
	cursors       map[int64]map[int64]time.Time // chatID -> userID -> lastReadAt
	messages      map[int64][]Message           // chatID -> chronological
	receipts      map[int64]map[int64]time.Time // messageID -> userID -> readAt
	messageChat   map[int64]int64               // messageID -> chatID
}

// NewInMemoryStore constructs an empty in-memory chat store.
func NewInMemoryStore(users UserDirectory) *InMemoryStore {
	return &InMemoryStore{
		users:        users,
		chats:        make(map[int64]Chat),
		participants: make(map[int64]map[int64]time.Time),
		cursors:      make(map[int64]map[int64]time.Time),
		messages:     make(map[int64][]Message),
		receipts:     make(map[int64]map[int64]time.Time),
		messageChat:  make(map[int64]int64),
	}
}

func (s *InMemoryStore) username(ctx context.Context, userID *int64) string {
	if userID == nil {
		return BotUsername
	}
	if s.users == nil {
		return ""
	}
	u, err := s.users.UserByID(ctx, *userID)
	if err != nil {
		return ""
	}
	return u.Username
}

// CreateChat creates a chat and adds the owner as participant.
func (s *InMemoryStore) CreateChat(ctx context.Context, ownerID int64, name string, isGroup bool) (Chat, error) {
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextChatID++
	c := Chat{
		ID:        s.nextChatID,
		Name:      name,
		OwnerID:   ownerID,
		IsGroup:   isGroup,
		CreatedAt: time.Now().UTC(),
	}
	s.chats[c.ID] = c
	s.participants[c.ID] = map[int64]time.Time{ownerID: c.CreatedAt}
	return c, nil
}

// ChatByID looks up a chat.
func (s *InMemoryStore) ChatByID(ctx context.Context, chatID int64) (Chat, error) {
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return Chat{}, ErrChatNotFound
	}
	return c, nil
}

// ListUserChats returns the user's chats, most recent activity first.
func (s *InMemoryStore) ListUserChats(ctx context.Context, userID int64) ([]Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	var out []Summary
	for chatID, members := range s.participants {
		if _, ok := members[userID]; !ok {
			continue
		}
		sum := Summary{Chat: s.chats[chatID]}

		msgs := s.messages[chatID]
		if len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			content := last.Content
			at := last.CreatedAt
			sum.LastMessage = &content
			sum.LastMessageTime = &at
		}
		sum.UnreadCount = s.unreadCountLocked(chatID, userID)
		out = append(out, sum)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return activityTime(out[i]).After(activityTime(out[j]))
	})
	return out, nil
}

func activityTime(s Summary) time.Time {
	if s.LastMessageTime != nil {
		return *s.LastMessageTime
	}
	return s.CreatedAt
}

// AddParticipant authorizes a user for a chat; repeated adds are no-ops.
func (s *InMemoryStore) AddParticipant(ctx context.Context, chatID, userID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[chatID]; !ok {
		return ErrChatNotFound
	}
	members := s.participants[chatID]
	if members == nil {
		members = make(map[int64]time.Time)
		s.participants[chatID] = members
	}
	if _, ok := members[userID]; !ok {
		members[userID] = time.Now().UTC()
	}
	return nil
}

// IsParticipant reports whether userID is authorized for chatID.
func (s *InMemoryStore) IsParticipant(ctx context.Context, chatID, userID int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.participants[chatID][userID]
	return ok, nil
}

// ListParticipants returns the chat's authorized user ids.
func (s *InMemoryStore) ListParticipants(ctx context.Context, chatID int64) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.participants[chatID]
	out := make([]int64, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// CreateMessage persists a message; authorID nil means bot-authored.
func (s *InMemoryStore) CreateMessage(ctx context.Context, chatID int64, authorID *int64, content string, isBot bool) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	username := s.username(ctx, authorID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[chatID]; !ok {
		return Message{}, ErrChatNotFound
	}

	s.nextMessageID++
	m := Message{
		ID:        s.nextMessageID,
		ChatID:    chatID,
		UserID:    authorID,
		Username:  username,
		Content:   content,
		IsBot:     isBot,
		CreatedAt: time.Now().UTC(),
	}
	s.messages[chatID] = append(s.messages[chatID], m)
	s.messageChat[m.ID] = chatID
	return m, nil
}

// UpdateMessageContent replaces a message's content.
func (s *InMemoryStore) UpdateMessageContent(ctx context.Context, messageID int64, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	chatID, ok := s.messageChat[messageID]
	if !ok {
		return ErrMessageNotFound
	}
	msgs := s.messages[chatID]
	for i := range msgs {
		if msgs[i].ID == messageID {
			msgs[i].Content = content
			return nil
		}
	}
	return ErrMessageNotFound
}

// ListMessages returns up to limit most recent messages, oldest first.
func (s *InMemoryStore) ListMessages(ctx context.Context, chatID int64, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[chatID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]Message(nil), msgs...), nil
}

// HistoryForPrompt returns up to limit oldest-first turns for the Responder.
func (s *InMemoryStore) HistoryForPrompt(ctx context.Context, chatID int64, limit int) ([]bot.Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[chatID]
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}

	out := make([]bot.Turn, 0, len(msgs))
	for _, m := range msgs {
		role := bot.RoleUser
		if m.IsBot {
			role = bot.RoleModel
		}
		out = append(out, bot.Turn{Role: role, Text: m.Content})
	}
	return out, nil
}

// MarkRead moves the user's read cursor to now.
func (s *InMemoryStore) MarkRead(ctx context.Context, chatID, userID int64, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cursors := s.cursors[chatID]
	if cursors == nil {
		cursors = make(map[int64]time.Time)
		s.cursors[chatID] = cursors
	}
	cursors[userID] = now
	return nil
}

func (s *InMemoryStore) unreadCountLocked(chatID, userID int64) int {
	cursor, ok := s.cursors[chatID][userID]
	if !ok {
		return 0
	}

	n := 0
	for _, m := range s.messages[chatID] {
		if m.UserID != nil && *m.UserID == userID {
			continue
		}
		if m.CreatedAt.After(cursor) {
			n++
		}
	}
	return n
}

// UnreadCount counts messages newer than the user's cursor, excluding the
// user's own; a missing cursor yields 0.
func (s *InMemoryStore) UnreadCount(ctx context.Context, chatID, userID int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.unreadCountLocked(chatID, userID), nil
}

// CreateReadReceipt records a read marker; duplicates are a no-op.
func (s *InMemoryStore) CreateReadReceipt(ctx context.Context, messageID, userID int64, readAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if readAt.IsZero() {
		readAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messageChat[messageID]; !ok {
		return ErrMessageNotFound
	}
	byUser := s.receipts[messageID]
	if byUser == nil {
		byUser = make(map[int64]time.Time)
		s.receipts[messageID] = byUser
	}
	if _, ok := byUser[userID]; !ok {
		byUser[userID] = readAt
	}
	return nil
}

// UnreceiptedMessageIDs lists messages authored by others that userID has
// not receipted yet.
func (s *InMemoryStore) UnreceiptedMessageIDs(ctx context.Context, chatID, userID int64) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []int64
	for _, m := range s.messages[chatID] {
		if m.UserID != nil && *m.UserID == userID {
			continue
		}
		if _, ok := s.receipts[m.ID][userID]; ok {
			continue
		}
		out = append(out, m.ID)
	}
	return out, nil
}

func (s *InMemoryStore) receiptsForMessageLocked(ctx context.Context, messageID int64) []Receipt {
	byUser := s.receipts[messageID]
	out := make([]Receipt, 0, len(byUser))
	for userID, at := range byUser {
		id := userID
		out = append(out, Receipt{
			MessageID: messageID,
			UserID:    userID,
			Username:  s.username(ctx, &id),
			ReadAt:    at,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReadAt.Before(out[j].ReadAt) })
	return out
}

// ReceiptsForMessage returns one message's receipts, read time ascending.
func (s *InMemoryStore) ReceiptsForMessage(ctx context.Context, messageID int64) ([]Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.receiptsForMessageLocked(ctx, messageID), nil
}

// ReceiptsForChat groups the chat's receipts by message id.
func (s *InMemoryStore) ReceiptsForChat(ctx context.Context, chatID int64) (map[int64][]Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[int64][]Receipt)
	for _, m := range s.messages[chatID] {
		rs := s.receiptsForMessageLocked(ctx, m.ID)
		if len(rs) > 0 {
			out[m.ID] = rs
		}
	}
	return out, nil
}
