package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"coopchat/cmd/internal/bot"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed chat store.
func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return &PostgresStore{pool: pool}, nil
}

// Init creates the chat tables when they do not exist yet.
// The users table is owned by the identity store and must exist first.
func (s *PostgresStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chats (
			id         BIGSERIAL PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			owner_id   BIGINT NOT NULL REFERENCES users(id),
			is_group   BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS chat_participants (
			chat_id      BIGINT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			user_id      BIGINT NOT NULL REFERENCES users(id),
			joined_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_read_at TIMESTAMPTZ,
			PRIMARY KEY (chat_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id         BIGSERIAL PRIMARY KEY,
			chat_id    BIGINT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			user_id    BIGINT REFERENCES users(id),
			content    TEXT NOT NULL,
			is_bot     BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS messages_chat_created_idx
			ON messages (chat_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS read_receipts (
			message_id BIGINT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			user_id    BIGINT NOT NULL REFERENCES users(id),
			read_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (message_id, user_id)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init chat schema: %w", err)
		}
	}
	return nil
}

// CreateChat creates a chat and adds the owner as participant in one transaction.
func (s *PostgresStore) CreateChat(ctx context.Context, ownerID int64, name string, isGroup bool) (Chat, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Chat{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var c Chat
	err = tx.QueryRow(ctx,
		`INSERT INTO chats (name, owner_id, is_group)
		 VALUES ($1, $2, $3)
		 RETURNING id, name, owner_id, is_group, created_at`,
		name, ownerID, isGroup,
	).Scan(&c.ID, &c.Name, &c.OwnerID, &c.IsGroup, &c.CreatedAt)
	if err != nil {
		return Chat{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO chat_participants (chat_id, user_id) VALUES ($1, $2)`,
		c.ID, ownerID,
	); err != nil {
		return Chat{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Chat{}, err
	}
	return c, nil
}

// ChatByID looks up a chat.
func (s *PostgresStore) ChatByID(ctx context.Context, chatID int64) (Chat, error) {
	var c Chat
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, owner_id, is_group, created_at FROM chats WHERE id = $1`,
		chatID,
	).Scan(&c.ID, &c.Name, &c.OwnerID, &c.IsGroup, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Chat{}, ErrChatNotFound
	}
	if err != nil {
		return Chat{}, err
	}
	return c, nil
}

// ListUserChats returns the user's chats ordered by most recent activity,
// each annotated with its unread count and last message.
func (s *PostgresStore) ListUserChats(ctx context.Context, userID int64) ([]Summary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.name, c.owner_id, c.is_group, c.created_at,
		       lm.content, lm.created_at,
		       (SELECT count(*) FROM messages m
		        WHERE m.chat_id = c.id
		          AND p.last_read_at IS NOT NULL
		          AND m.created_at > p.last_read_at
		          AND (m.user_id IS NULL OR m.user_id <> $1))
		FROM chats c
		JOIN chat_participants p ON p.chat_id = c.id AND p.user_id = $1
		LEFT JOIN LATERAL (
			SELECT content, created_at FROM messages
			WHERE chat_id = c.id
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		) lm ON TRUE
		ORDER BY COALESCE(lm.created_at, c.created_at) DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(
			&sum.ID, &sum.Name, &sum.OwnerID, &sum.IsGroup, &sum.CreatedAt,
			&sum.LastMessage, &sum.LastMessageTime, &sum.UnreadCount,
		); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// AddParticipant authorizes a user for a chat; repeated adds are no-ops.
func (s *PostgresStore) AddParticipant(ctx context.Context, chatID, userID int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chat_participants (chat_id, user_id) VALUES ($1, $2)
		 ON CONFLICT (chat_id, user_id) DO NOTHING`,
		chatID, userID,
	)
	return err
}

// IsParticipant reports whether userID is authorized for chatID.
func (s *PostgresStore) IsParticipant(ctx context.Context, chatID, userID int64) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM chat_participants WHERE chat_id = $1 AND user_id = $2`,
		chatID, userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListParticipants returns the chat's authorized user ids.
func (s *PostgresStore) ListParticipants(ctx context.Context, chatID int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM chat_participants WHERE chat_id = $1 ORDER BY user_id`,
		chatID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// CreateMessage persists a message; authorID nil means bot-authored.
func (s *PostgresStore) CreateMessage(ctx context.Context, chatID int64, authorID *int64, content string, isBot bool) (Message, error) {
	var m Message
	err := s.pool.QueryRow(ctx, `
		WITH inserted AS (
			INSERT INTO messages (chat_id, user_id, content, is_bot)
			VALUES ($1, $2, $3, $4)
			RETURNING id, chat_id, user_id, content, is_bot, created_at
		)
		SELECT i.id, i.chat_id, i.user_id, COALESCE(u.username, $5),
		       i.content, i.is_bot, i.created_at
		FROM inserted i
		LEFT JOIN users u ON u.id = i.user_id`,
		chatID, authorID, content, isBot, BotUsername,
	).Scan(&m.ID, &m.ChatID, &m.UserID, &m.Username, &m.Content, &m.IsBot, &m.CreatedAt)
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

// UpdateMessageContent replaces a message's content.
func (s *PostgresStore) UpdateMessageContent(ctx context.Context, messageID int64, content string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET content = $2 WHERE id = $1`,
		messageID, content,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// ListMessages returns up to limit most recent messages, oldest first.
func (s *PostgresStore) ListMessages(ctx context.Context, chatID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, chat_id, user_id, username, content, is_bot, created_at FROM (
			SELECT m.id, m.chat_id, m.user_id, COALESCE(u.username, $3) AS username,
			       m.content, m.is_bot, m.created_at
			FROM messages m
			LEFT JOIN users u ON u.id = m.user_id
			WHERE m.chat_id = $1
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC, id ASC`,
		chatID, limit, BotUsername,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.UserID, &m.Username, &m.Content, &m.IsBot, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// HistoryForPrompt returns up to limit oldest-first turns for the Responder.
func (s *PostgresStore) HistoryForPrompt(ctx context.Context, chatID int64, limit int) ([]bot.Turn, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.pool.Query(ctx,
		`SELECT content, is_bot FROM messages
		 WHERE chat_id = $1
		 ORDER BY created_at ASC, id ASC
		 LIMIT $2`,
		chatID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []bot.Turn
	for rows.Next() {
		var (
			content string
			isBot   bool
		)
		if err := rows.Scan(&content, &isBot); err != nil {
			return nil, err
		}
		role := bot.RoleUser
		if isBot {
			role = bot.RoleModel
		}
		out = append(out, bot.Turn{Role: role, Text: content})
	}
	return out, rows.Err()
}

// MarkRead moves the user's read cursor to now.
func (s *PostgresStore) MarkRead(ctx context.Context, chatID, userID int64, now time.Time) error {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE chat_participants SET last_read_at = $3
		 WHERE chat_id = $1 AND user_id = $2`,
		chatID, userID, now,
	)
	return err
}

// UnreadCount counts messages newer than the user's cursor, excluding the
// user's own; a missing cursor yields 0.
func (s *PostgresStore) UnreadCount(ctx context.Context, chatID, userID int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM messages m
		JOIN chat_participants p ON p.chat_id = m.chat_id AND p.user_id = $2
		WHERE m.chat_id = $1
		  AND p.last_read_at IS NOT NULL
		  AND m.created_at > p.last_read_at
		  AND (m.user_id IS NULL OR m.user_id <> $2)`,
		chatID, userID,
	).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// CreateReadReceipt records a read marker; duplicates are a no-op.
func (s *PostgresStore) CreateReadReceipt(ctx context.Context, messageID, userID int64, readAt time.Time) error {
	if readAt.IsZero() {
		readAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO read_receipts (message_id, user_id, read_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (message_id, user_id) DO NOTHING`,
		messageID, userID, readAt,
	)
	return err
}

// UnreceiptedMessageIDs lists messages authored by others that userID has
// not receipted yet.
func (s *PostgresStore) UnreceiptedMessageIDs(ctx context.Context, chatID, userID int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT m.id
		FROM messages m
		LEFT JOIN read_receipts r ON r.message_id = m.id AND r.user_id = $2
		WHERE m.chat_id = $1
		  AND (m.user_id IS NULL OR m.user_id <> $2)
		  AND r.message_id IS NULL
		ORDER BY m.id`,
		chatID, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ReceiptsForMessage returns one message's receipts, read time ascending.
func (s *PostgresStore) ReceiptsForMessage(ctx context.Context, messageID int64) ([]Receipt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.message_id, r.user_id, u.username, r.read_at
		FROM read_receipts r
		JOIN users u ON u.id = r.user_id
		WHERE r.message_id = $1
		ORDER BY r.read_at ASC`,
		messageID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanReceipts(rows)
}

// ReceiptsForChat groups the chat's receipts by message id.
func (s *PostgresStore) ReceiptsForChat(ctx context.Context, chatID int64) (map[int64][]Receipt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.message_id, r.user_id, u.username, r.read_at
		FROM read_receipts r
		JOIN users u ON u.id = r.user_id
		JOIN messages m ON m.id = r.message_id
		WHERE m.chat_id = $1
		ORDER BY r.read_at ASC`,
		chatID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	receipts, err := scanReceipts(rows)
	if err != nil {
		return nil, err
	}

	out := make(map[int64][]Receipt, len(receipts))
	for _, r := range receipts {
		out[r.MessageID] = append(out[r.MessageID], r)
	}
	return out, nil
}

func scanReceipts(rows pgx.Rows) ([]Receipt, error) {
	var out []Receipt
	for rows.Next() {
		var r Receipt
		if err := rows.Scan(&r.MessageID, &r.UserID, &r.Username, &r.ReadAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
