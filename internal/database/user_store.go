package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// User represents a row in the users table.
type User struct {
	MatrixUserID string
	Language     string
	// LastMessageSent is the time of the user's last Matrix-originated
	// message in seconds since the UNIX epoch. It only ever moves forward.
	LastMessageSent int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// UserStore provides CRUD operations for Matrix users known to the bridge.
type UserStore struct {
	q querier
}

// Upsert inserts a user or updates their language preference.
func (s *UserStore) Upsert(ctx context.Context, u *User) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO users (matrix_user_id, language, last_message_sent, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (matrix_user_id) DO UPDATE SET
			language = EXCLUDED.language,
			updated_at = NOW()
	`, u.MatrixUserID, u.Language, u.LastMessageSent)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

const userColumns = `matrix_user_id, language, last_message_sent, created_at, updated_at`

func scanUser(scanner interface{ Scan(...interface{}) error }, u *User) error {
	return scanner.Scan(&u.MatrixUserID, &u.Language, &u.LastMessageSent, &u.CreatedAt, &u.UpdatedAt)
}

// Get looks up a user by Matrix user id. Returns nil when absent.
func (s *UserStore) Get(ctx context.Context, matrixUserID string) (*User, error) {
	u := &User{}
	err := scanUser(s.q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE matrix_user_id = $1`, matrixUserID), u)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// TouchLastMessageSent records the time of a Matrix-originated message.
// GREATEST keeps the column monotonically non-decreasing under concurrent
// transactions.
func (s *UserStore) TouchLastMessageSent(ctx context.Context, matrixUserID string, sentAt int64) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO users (matrix_user_id, last_message_sent, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (matrix_user_id) DO UPDATE SET
			last_message_sent = GREATEST(users.last_message_sent, EXCLUDED.last_message_sent),
			updated_at = NOW()
	`, matrixUserID, sentAt)
	if err != nil {
		return fmt.Errorf("touch last message sent: %w", err)
	}
	return nil
}
