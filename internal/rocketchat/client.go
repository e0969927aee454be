package rocketchat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrAPIVersionUnsupported is returned by NewClient when the server answers
// but does not expose REST API v1.
var ErrAPIVersionUnsupported = errors.New("rocketchat API v1 not supported")

// API is the behavioral contract of the Rocket.Chat REST API used by the
// bridge. Test doubles implement the same contract.
type API interface {
	// WithCredentials returns a client authorized as the given user.
	WithCredentials(userID, authToken string) API
	// Login exchanges a username and password for (user id, auth token).
	Login(ctx context.Context, username, password string) (userID, authToken string, err error)
	// ChannelsList returns the channels visible to the authenticated user.
	ChannelsList(ctx context.Context) ([]Channel, error)
	// DirectMessagesList returns the direct-message rooms of the
	// authenticated user.
	DirectMessagesList(ctx context.Context) ([]Channel, error)
	// UsersInfo resolves a username to a Rocket.Chat user.
	UsersInfo(ctx context.Context, username string) (User, error)
	// PostChatMessage posts a text message into a channel.
	PostChatMessage(ctx context.Context, channelID, text string) error
}

// Client talks to the Rocket.Chat REST API v1.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger

	userID    string
	authToken string
}

// NewClient validates that a Rocket.Chat server is reachable at baseURL and
// that it supports API v1, then returns a client for it.
func NewClient(ctx context.Context, baseURL string, timeout time.Duration, log *slog.Logger) (*Client, error) {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}

	var info struct {
		Version string `json:"version"`
	}
	if err := c.get(ctx, "/api/info", nil, &info); err != nil {
		return nil, fmt.Errorf("rocketchat server %s not reachable: %w", baseURL, err)
	}
	if info.Version == "" {
		return nil, fmt.Errorf("rocketchat server %s: %w", baseURL, ErrAPIVersionUnsupported)
	}

	return c, nil
}

// WithCredentials returns a copy of the client authorized as the given user.
func (c *Client) WithCredentials(userID, authToken string) API {
	authorized := *c
	authorized.userID = userID
	authorized.authToken = authToken
	return &authorized
}

// Login exchanges a username and password for (user id, auth token).
func (c *Client) Login(ctx context.Context, username, password string) (string, string, error) {
	payload := map[string]string{"user": username, "password": password}
	var resp struct {
		Status string `json:"status"`
		Data   struct {
			UserID    string `json:"userId"`
			AuthToken string `json:"authToken"`
		} `json:"data"`
	}
	if err := c.post(ctx, "/api/v1/login", payload, &resp); err != nil {
		return "", "", err
	}
	if resp.Status != "success" {
		return "", "", fmt.Errorf("rocketchat login failed for user %s", username)
	}
	return resp.Data.UserID, resp.Data.AuthToken, nil
}

// ChannelsList returns the channels visible to the authenticated user.
func (c *Client) ChannelsList(ctx context.Context) ([]Channel, error) {
	var resp struct {
		Channels []Channel `json:"channels"`
	}
	if err := c.get(ctx, "/api/v1/channels.list", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Channels, nil
}

// DirectMessagesList returns the direct-message rooms of the authenticated
// user. The entries carry no name, only an id and the participant usernames.
func (c *Client) DirectMessagesList(ctx context.Context) ([]Channel, error) {
	var resp struct {
		IMs []Channel `json:"ims"`
	}
	if err := c.get(ctx, "/api/v1/dm.list", nil, &resp); err != nil {
		return nil, err
	}
	return resp.IMs, nil
}

// UsersInfo resolves a username to a Rocket.Chat user.
func (c *Client) UsersInfo(ctx context.Context, username string) (User, error) {
	var resp struct {
		User User `json:"user"`
	}
	query := url.Values{"username": {username}}
	if err := c.get(ctx, "/api/v1/users.info", query, &resp); err != nil {
		return User{}, err
	}
	return resp.User, nil
}

// PostChatMessage posts a text message into a channel on behalf of the
// authenticated user.
func (c *Client) PostChatMessage(ctx context.Context, channelID, text string) error {
	payload := map[string]string{"roomId": channelID, "text": text}
	var resp struct {
		Success bool `json:"success"`
	}
	if err := c.post(ctx, "/api/v1/chat.postMessage", payload, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("rocketchat rejected message to channel %s", channelID)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	if c.authToken != "" {
		req.Header.Set("X-Auth-Token", c.authToken)
		req.Header.Set("X-User-Id", c.userID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rocketchat request %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read rocketchat response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("rocketchat request %s: status %d: %s", req.URL.Path, resp.StatusCode, truncate(data, 200))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode rocketchat response: %w", err)
		}
	}
	return nil
}

func truncate(data []byte, max int) string {
	if len(data) > max {
		data = data[:max]
	}
	return string(data)
}
