package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RocketchatServer represents a row in the rocketchat_servers table.
type RocketchatServer struct {
	// ID is the user-chosen short id, limited to [0-9a-z_].
	ID string
	// URL is the base URL of the Rocket.Chat server, unique across rows.
	URL string
	// Token is the outgoing-webhook token, unique when set. A row without a
	// token exists but is not considered connected.
	Token     sql.NullString
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ServerStore provides CRUD operations for connected Rocket.Chat servers.
type ServerStore struct {
	q querier
}

// Insert adds a new Rocket.Chat server. Uniqueness of url and token is
// enforced by the database.
func (s *ServerStore) Insert(ctx context.Context, srv *RocketchatServer) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO rocketchat_servers (id, rocketchat_url, rocketchat_token)
		VALUES ($1, $2, $3)
	`, srv.ID, srv.URL, srv.Token)
	if err != nil {
		return fmt.Errorf("insert rocketchat server: %w", err)
	}
	return nil
}

// SetToken fills in the token of an existing server row. Used when a server
// that was adopted without a token gets connected for real.
func (s *ServerStore) SetToken(ctx context.Context, id, token string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE rocketchat_servers SET rocketchat_token = $2, updated_at = NOW() WHERE id = $1
	`, id, token)
	if err != nil {
		return fmt.Errorf("set rocketchat server token: %w", err)
	}
	return nil
}

const serverColumns = `id, rocketchat_url, rocketchat_token, created_at, updated_at`

func scanServer(scanner interface{ Scan(...interface{}) error }, srv *RocketchatServer) error {
	return scanner.Scan(&srv.ID, &srv.URL, &srv.Token, &srv.CreatedAt, &srv.UpdatedAt)
}

// GetByID looks up a server by its short id. Returns nil when absent.
func (s *ServerStore) GetByID(ctx context.Context, id string) (*RocketchatServer, error) {
	srv := &RocketchatServer{}
	err := scanServer(s.q.QueryRowContext(ctx,
		`SELECT `+serverColumns+` FROM rocketchat_servers WHERE id = $1`, id), srv)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get rocketchat server by id: %w", err)
	}
	return srv, nil
}

// GetByURL looks up a server by its base URL. Returns nil when absent.
func (s *ServerStore) GetByURL(ctx context.Context, url string) (*RocketchatServer, error) {
	srv := &RocketchatServer{}
	err := scanServer(s.q.QueryRowContext(ctx,
		`SELECT `+serverColumns+` FROM rocketchat_servers WHERE rocketchat_url = $1`, url), srv)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get rocketchat server by url: %w", err)
	}
	return srv, nil
}

// GetByToken looks up a server by its webhook token. Returns nil when absent.
func (s *ServerStore) GetByToken(ctx context.Context, token string) (*RocketchatServer, error) {
	srv := &RocketchatServer{}
	err := scanServer(s.q.QueryRowContext(ctx,
		`SELECT `+serverColumns+` FROM rocketchat_servers WHERE rocketchat_token = $1`, token), srv)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get rocketchat server by token: %w", err)
	}
	return srv, nil
}

// GetConnectedServers returns all servers that have a token set.
func (s *ServerStore) GetConnectedServers(ctx context.Context) ([]*RocketchatServer, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+serverColumns+` FROM rocketchat_servers WHERE rocketchat_token IS NOT NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list connected rocketchat servers: %w", err)
	}
	defer rows.Close()

	var servers []*RocketchatServer
	for rows.Next() {
		srv := &RocketchatServer{}
		if err := scanServer(rows, srv); err != nil {
			return nil, fmt.Errorf("scan rocketchat server: %w", err)
		}
		servers = append(servers, srv)
	}
	return servers, rows.Err()
}
