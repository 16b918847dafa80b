package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed user store.
func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("identity: nil pool")
	}
	return &PostgresStore{pool: pool}, nil
}

// Init creates the users table when it does not exist yet.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id              BIGSERIAL PRIMARY KEY,
			username        TEXT NOT NULL,
			email           TEXT NOT NULL,
			hashed_password TEXT NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			CONSTRAINT users_username_key UNIQUE (username),
			CONSTRAINT users_email_key UNIQUE (email)
		)`)
	if err != nil {
		return fmt.Errorf("init users: %w", err)
	}
	return nil
}

const userColumns = `id, username, email, hashed_password, created_at`

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.HashedPassword, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	return u, nil
}

// CreateUser inserts a user, mapping unique violations onto the
// username/email conflict sentinels.
func (s *PostgresStore) CreateUser(ctx context.Context, username, email, hashedPassword string) (User, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO users (username, email, hashed_password)
		 VALUES ($1, $2, $3)
		 RETURNING `+userColumns,
		username, email, hashedPassword,
	)

	u, err := scanUser(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			if strings.Contains(pgErr.ConstraintName, "email") {
				return User{}, ErrEmailTaken
			}
			return User{}, ErrUsernameTaken
		}
		return User{}, err
	}
	return u, nil
}

// UserByID looks up a user by id.
func (s *PostgresStore) UserByID(ctx context.Context, id int64) (User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// UserByUsername looks up a user by username (case-insensitive).
func (s *PostgresStore) UserByUsername(ctx context.Context, username string) (User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE lower(username) = lower($1)`, username))
}

// UserByEmail looks up a user by email (case-insensitive).
func (s *PostgresStore) UserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email))
}

// SearchUsers matches username or email substrings, excluding excludeID.
func (s *PostgresStore) SearchUsers(ctx context.Context, query string, excludeID int64, limit int) ([]User, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	pattern := "%" + query + "%"
	rows, err := s.pool.Query(ctx,
		`SELECT `+userColumns+`
		 FROM users
		 WHERE (username ILIKE $1 OR email ILIKE $1) AND id <> $2
		 ORDER BY username
		 LIMIT $3`,
		pattern, excludeID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.HashedPassword, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
