package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UserOnRocketchatServer represents a row in the users_on_rocketchat_servers
// table: the relation between a Matrix user (real or virtual) and a
// Rocket.Chat server.
type UserOnRocketchatServer struct {
	MatrixUserID        string
	RocketchatServerID  string
	IsVirtualUser       bool
	RocketchatUserID    sql.NullString
	RocketchatAuthToken sql.NullString
	RocketchatUsername  sql.NullString
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// IsLoggedIn reports whether the row carries full Rocket.Chat credentials.
func (u *UserOnRocketchatServer) IsLoggedIn() bool {
	return u.RocketchatUserID.Valid && u.RocketchatAuthToken.Valid
}

// UserOnServerStore provides CRUD operations for user/server relations.
type UserOnServerStore struct {
	q querier
}

// Upsert inserts or replaces a relation by its composite key.
func (s *UserOnServerStore) Upsert(ctx context.Context, u *UserOnRocketchatServer) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO users_on_rocketchat_servers (matrix_user_id, rocketchat_server_id,
			is_virtual_user, rocketchat_user_id, rocketchat_auth_token, rocketchat_username, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (matrix_user_id, rocketchat_server_id) DO UPDATE SET
			is_virtual_user = EXCLUDED.is_virtual_user,
			rocketchat_user_id = EXCLUDED.rocketchat_user_id,
			rocketchat_auth_token = EXCLUDED.rocketchat_auth_token,
			rocketchat_username = EXCLUDED.rocketchat_username,
			updated_at = NOW()
	`, u.MatrixUserID, u.RocketchatServerID, u.IsVirtualUser,
		u.RocketchatUserID, u.RocketchatAuthToken, u.RocketchatUsername)
	if err != nil {
		return fmt.Errorf("upsert user on rocketchat server: %w", err)
	}
	return nil
}

const userOnServerColumns = `matrix_user_id, rocketchat_server_id, is_virtual_user,
	rocketchat_user_id, rocketchat_auth_token, rocketchat_username, created_at, updated_at`

func scanUserOnServer(scanner interface{ Scan(...interface{}) error }, u *UserOnRocketchatServer) error {
	return scanner.Scan(&u.MatrixUserID, &u.RocketchatServerID, &u.IsVirtualUser,
		&u.RocketchatUserID, &u.RocketchatAuthToken, &u.RocketchatUsername,
		&u.CreatedAt, &u.UpdatedAt)
}

// Get looks up a relation by its composite key. Returns nil when absent.
func (s *UserOnServerStore) Get(ctx context.Context, matrixUserID, serverID string) (*UserOnRocketchatServer, error) {
	u := &UserOnRocketchatServer{}
	err := scanUserOnServer(s.q.QueryRowContext(ctx,
		`SELECT `+userOnServerColumns+` FROM users_on_rocketchat_servers
		 WHERE matrix_user_id = $1 AND rocketchat_server_id = $2`, matrixUserID, serverID), u)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user on rocketchat server: %w", err)
	}
	return u, nil
}

// GetByRocketchatUserID looks up a relation by the Rocket.Chat-side user id.
// isVirtual distinguishes the virtual row of a Rocket.Chat user from the row
// of a real Matrix user who is logged in with the same Rocket.Chat account.
func (s *UserOnServerStore) GetByRocketchatUserID(ctx context.Context, serverID, rocketchatUserID string, isVirtual bool) (*UserOnRocketchatServer, error) {
	u := &UserOnRocketchatServer{}
	err := scanUserOnServer(s.q.QueryRowContext(ctx,
		`SELECT `+userOnServerColumns+` FROM users_on_rocketchat_servers
		 WHERE rocketchat_server_id = $1 AND rocketchat_user_id = $2 AND is_virtual_user = $3`,
		serverID, rocketchatUserID, isVirtual), u)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user on rocketchat server by rocketchat user id: %w", err)
	}
	return u, nil
}

// GetByUsername looks up a relation by the Rocket.Chat username.
func (s *UserOnServerStore) GetByUsername(ctx context.Context, serverID, username string, isVirtual bool) (*UserOnRocketchatServer, error) {
	u := &UserOnRocketchatServer{}
	err := scanUserOnServer(s.q.QueryRowContext(ctx,
		`SELECT `+userOnServerColumns+` FROM users_on_rocketchat_servers
		 WHERE rocketchat_server_id = $1 AND rocketchat_username = $2 AND is_virtual_user = $3`,
		serverID, username, isVirtual), u)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user on rocketchat server by username: %w", err)
	}
	return u, nil
}

// SetUsername updates the stored Rocket.Chat username of a relation.
func (s *UserOnServerStore) SetUsername(ctx context.Context, matrixUserID, serverID, username string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE users_on_rocketchat_servers SET rocketchat_username = $3, updated_at = NOW()
		WHERE matrix_user_id = $1 AND rocketchat_server_id = $2
	`, matrixUserID, serverID, username)
	if err != nil {
		return fmt.Errorf("set rocketchat username: %w", err)
	}
	return nil
}

// SetCredentials stores login credentials on a relation.
func (s *UserOnServerStore) SetCredentials(ctx context.Context, matrixUserID, serverID, rocketchatUserID, authToken, username string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE users_on_rocketchat_servers
		SET rocketchat_user_id = $3, rocketchat_auth_token = $4, rocketchat_username = $5, updated_at = NOW()
		WHERE matrix_user_id = $1 AND rocketchat_server_id = $2
	`, matrixUserID, serverID, rocketchatUserID, authToken, username)
	if err != nil {
		return fmt.Errorf("set rocketchat credentials: %w", err)
	}
	return nil
}
