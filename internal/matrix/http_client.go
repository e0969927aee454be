package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// HTTPClient implements Client over the Matrix client-server API with
// application-service authentication. Calls made on behalf of a virtual user
// impersonate that user via the user_id query parameter.
type HTTPClient struct {
	homeserverURL string
	asToken       string
	botUserID     string
	httpClient    *http.Client
	log           *slog.Logger
}

// NewHTTPClient creates a Matrix client authenticated with the appservice
// token.
func NewHTTPClient(homeserverURL, asToken, botUserID string, timeout time.Duration, log *slog.Logger) *HTTPClient {
	return &HTTPClient{
		homeserverURL: strings.TrimRight(homeserverURL, "/"),
		asToken:       asToken,
		botUserID:     botUserID,
		httpClient:    &http.Client{Timeout: timeout},
		log:           log,
	}
}

// matrixError is the standard error body of the client-server API.
type matrixError struct {
	ErrCode string `json:"errcode"`
	Err     string `json:"error"`
}

// CreateRoom creates a room as creatorID and returns the room id.
func (c *HTTPClient) CreateRoom(ctx context.Context, name, aliasLocalpart, creatorID string) (string, error) {
	payload := map[string]interface{}{
		"preset": "private_chat",
	}
	if name != "" {
		payload["name"] = name
	}
	if aliasLocalpart != "" {
		payload["room_alias_name"] = aliasLocalpart
	}

	var resp struct {
		RoomID string `json:"room_id"`
	}
	if err := c.request(ctx, http.MethodPost, "/_matrix/client/r0/createRoom", creatorID, payload, &resp); err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	return resp.RoomID, nil
}

// SetDefaultPowerLevels installs the bridged-room power levels.
func (c *HTTPClient) SetDefaultPowerLevels(ctx context.Context, roomID, botUserID, bridgeUserID string) error {
	payload := map[string]interface{}{
		"users": map[string]int{
			botUserID:    100,
			bridgeUserID: 50,
		},
		"users_default":  0,
		"events_default": 0,
		"state_default":  50,
		"invite":         0,
	}
	path := fmt.Sprintf("/_matrix/client/r0/rooms/%s/state/m.room.power_levels", url.PathEscape(roomID))
	if err := c.request(ctx, http.MethodPut, path, botUserID, payload, nil); err != nil {
		return fmt.Errorf("set power levels: %w", err)
	}
	return nil
}

// Invite invites userID into roomID on behalf of inviterID.
func (c *HTTPClient) Invite(ctx context.Context, roomID, userID, inviterID string) error {
	path := fmt.Sprintf("/_matrix/client/r0/rooms/%s/invite", url.PathEscape(roomID))
	payload := map[string]string{"user_id": userID}
	if err := c.request(ctx, http.MethodPost, path, inviterID, payload, nil); err != nil {
		return fmt.Errorf("invite %s to %s: %w", userID, roomID, err)
	}
	return nil
}

// Join joins userID into roomID.
func (c *HTTPClient) Join(ctx context.Context, roomID, userID string) error {
	path := fmt.Sprintf("/_matrix/client/r0/join/%s", url.PathEscape(roomID))
	if err := c.request(ctx, http.MethodPost, path, userID, struct{}{}, nil); err != nil {
		return fmt.Errorf("join %s to %s: %w", userID, roomID, err)
	}
	return nil
}

// LeaveRoom makes userID leave roomID.
func (c *HTTPClient) LeaveRoom(ctx context.Context, roomID, userID string) error {
	path := fmt.Sprintf("/_matrix/client/r0/rooms/%s/leave", url.PathEscape(roomID))
	if err := c.request(ctx, http.MethodPost, path, userID, struct{}{}, nil); err != nil {
		return fmt.Errorf("leave room %s: %w", roomID, err)
	}
	return nil
}

// ForgetRoom forgets roomID for userID.
func (c *HTTPClient) ForgetRoom(ctx context.Context, roomID, userID string) error {
	path := fmt.Sprintf("/_matrix/client/r0/rooms/%s/forget", url.PathEscape(roomID))
	if err := c.request(ctx, http.MethodPost, path, userID, struct{}{}, nil); err != nil {
		return fmt.Errorf("forget room %s: %w", roomID, err)
	}
	return nil
}

// PutCanonicalRoomAlias sets the canonical alias of a room; "" clears it.
func (c *HTTPClient) PutCanonicalRoomAlias(ctx context.Context, roomID, alias string) error {
	payload := map[string]string{}
	if alias != "" {
		payload["alias"] = alias
	}
	path := fmt.Sprintf("/_matrix/client/r0/rooms/%s/state/m.room.canonical_alias", url.PathEscape(roomID))
	if err := c.request(ctx, http.MethodPut, path, "", payload, nil); err != nil {
		return fmt.Errorf("put canonical alias on %s: %w", roomID, err)
	}
	return nil
}

// GetRoomCanonicalAlias returns the canonical alias of a room, "" when unset.
func (c *HTTPClient) GetRoomCanonicalAlias(ctx context.Context, roomID string) (string, error) {
	var resp struct {
		Alias string `json:"alias"`
	}
	path := fmt.Sprintf("/_matrix/client/r0/rooms/%s/state/m.room.canonical_alias", url.PathEscape(roomID))
	err := c.request(ctx, http.MethodGet, path, "", nil, &resp)
	if isNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get canonical alias of %s: %w", roomID, err)
	}
	return resp.Alias, nil
}

// DeleteRoomAlias removes an alias from the room directory.
func (c *HTTPClient) DeleteRoomAlias(ctx context.Context, alias string) error {
	path := fmt.Sprintf("/_matrix/client/r0/directory/room/%s", url.PathEscape(alias))
	if err := c.request(ctx, http.MethodDelete, path, "", nil, nil); err != nil {
		return fmt.Errorf("delete alias %s: %w", alias, err)
	}
	return nil
}

// ResolveAlias returns the room id an alias points to, "" when it does not
// exist.
func (c *HTTPClient) ResolveAlias(ctx context.Context, alias string) (string, error) {
	var resp struct {
		RoomID string `json:"room_id"`
	}
	path := fmt.Sprintf("/_matrix/client/r0/directory/room/%s", url.PathEscape(alias))
	err := c.request(ctx, http.MethodGet, path, "", nil, &resp)
	if isNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve alias %s: %w", alias, err)
	}
	return resp.RoomID, nil
}

// SetRoomTopic sets the topic of a room.
func (c *HTTPClient) SetRoomTopic(ctx context.Context, roomID, topic string) error {
	path := fmt.Sprintf("/_matrix/client/r0/rooms/%s/state/m.room.topic", url.PathEscape(roomID))
	if err := c.request(ctx, http.MethodPut, path, "", map[string]string{"topic": topic}, nil); err != nil {
		return fmt.Errorf("set topic of %s: %w", roomID, err)
	}
	return nil
}

// GetRoomTopic returns the topic of a room, "" when none is set.
func (c *HTTPClient) GetRoomTopic(ctx context.Context, roomID string) (string, error) {
	var resp struct {
		Topic string `json:"topic"`
	}
	path := fmt.Sprintf("/_matrix/client/r0/rooms/%s/state/m.room.topic", url.PathEscape(roomID))
	err := c.request(ctx, http.MethodGet, path, "", nil, &resp)
	if isNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get topic of %s: %w", roomID, err)
	}
	return resp.Topic, nil
}

// SetRoomName sets the display name of a room.
func (c *HTTPClient) SetRoomName(ctx context.Context, roomID, name string) error {
	path := fmt.Sprintf("/_matrix/client/r0/rooms/%s/state/m.room.name", url.PathEscape(roomID))
	if err := c.request(ctx, http.MethodPut, path, "", map[string]string{"name": name}, nil); err != nil {
		return fmt.Errorf("set name of %s: %w", roomID, err)
	}
	return nil
}

// SendTextMessage sends an m.text message into a room as senderID.
func (c *HTTPClient) SendTextMessage(ctx context.Context, roomID, senderID, body string) error {
	txnID := uuid.NewString()
	path := fmt.Sprintf("/_matrix/client/r0/rooms/%s/send/m.room.message/%s", url.PathEscape(roomID), txnID)
	payload := map[string]string{"msgtype": "m.text", "body": body}
	if err := c.request(ctx, http.MethodPut, path, senderID, payload, nil); err != nil {
		return fmt.Errorf("send message to %s: %w", roomID, err)
	}
	return nil
}

// GetRoomCreator returns the user id that created a room.
func (c *HTTPClient) GetRoomCreator(ctx context.Context, roomID string) (string, error) {
	var resp struct {
		Creator string `json:"creator"`
	}
	path := fmt.Sprintf("/_matrix/client/r0/rooms/%s/state/m.room.create", url.PathEscape(roomID))
	if err := c.request(ctx, http.MethodGet, path, "", nil, &resp); err != nil {
		return "", fmt.Errorf("get creator of %s: %w", roomID, err)
	}
	return resp.Creator, nil
}

// GetRoomMembers returns the user ids currently joined or invited.
func (c *HTTPClient) GetRoomMembers(ctx context.Context, roomID string) ([]string, error) {
	var resp struct {
		Chunk []struct {
			StateKey string `json:"state_key"`
			Content  struct {
				Membership string `json:"membership"`
			} `json:"content"`
		} `json:"chunk"`
	}
	path := fmt.Sprintf("/_matrix/client/r0/rooms/%s/members", url.PathEscape(roomID))
	if err := c.request(ctx, http.MethodGet, path, "", nil, &resp); err != nil {
		return nil, fmt.Errorf("get members of %s: %w", roomID, err)
	}

	var members []string
	for _, evt := range resp.Chunk {
		if evt.Content.Membership == "join" || evt.Content.Membership == "invite" {
			members = append(members, evt.StateKey)
		}
	}
	return members, nil
}

// SetDisplayName sets the display name of an appservice-owned user.
func (c *HTTPClient) SetDisplayName(ctx context.Context, userID, displayName string) error {
	path := fmt.Sprintf("/_matrix/client/r0/profile/%s/displayname", url.PathEscape(userID))
	if err := c.request(ctx, http.MethodPut, path, userID, map[string]string{"displayname": displayName}, nil); err != nil {
		return fmt.Errorf("set display name of %s: %w", userID, err)
	}
	return nil
}

// RegisterVirtualUser registers an appservice-owned user. M_USER_IN_USE is
// not an error, registration is idempotent by local-part.
func (c *HTTPClient) RegisterVirtualUser(ctx context.Context, localpart string) error {
	payload := map[string]string{
		"type":     "m.login.application_service",
		"username": localpart,
	}
	err := c.request(ctx, http.MethodPost, "/_matrix/client/r0/register", "", payload, nil)
	if err != nil {
		var merr *apiError
		if isAPIError(err, &merr) && merr.code == "M_USER_IN_USE" {
			return nil
		}
		return fmt.Errorf("register virtual user %s: %w", localpart, err)
	}
	return nil
}

// SetTyping sends a typing notification for userID in roomID.
func (c *HTTPClient) SetTyping(ctx context.Context, roomID, userID string, typing bool, timeout time.Duration) error {
	path := fmt.Sprintf("/_matrix/client/r0/rooms/%s/typing/%s", url.PathEscape(roomID), url.PathEscape(userID))
	payload := map[string]interface{}{"typing": typing}
	if typing {
		payload["timeout"] = timeout.Milliseconds()
	}
	if err := c.request(ctx, http.MethodPut, path, userID, payload, nil); err != nil {
		return fmt.Errorf("set typing in %s: %w", roomID, err)
	}
	return nil
}

// apiError carries the Matrix errcode alongside the HTTP status.
type apiError struct {
	status int
	code   string
	msg    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("matrix api error: status %d, errcode %s: %s", e.status, e.code, e.msg)
}

func isNotFound(err error) bool {
	var merr *apiError
	return isAPIError(err, &merr) && merr.status == http.StatusNotFound
}

func isAPIError(err error, target **apiError) bool {
	for err != nil {
		if merr, ok := err.(*apiError); ok {
			*target = merr
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// request performs a client-server API call. A non-empty asUserID
// impersonates that appservice-namespace user.
func (c *HTTPClient) request(ctx context.Context, method, path, asUserID string, payload, out interface{}) error {
	endpoint := c.homeserverURL + path
	query := url.Values{}
	if asUserID != "" && asUserID != c.botUserID {
		query.Set("user_id", asUserID)
	}
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.asToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("matrix request %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read matrix response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		merr := &apiError{status: resp.StatusCode}
		var decoded matrixError
		if json.Unmarshal(data, &decoded) == nil {
			merr.code = decoded.ErrCode
			merr.msg = decoded.Err
		}
		return merr
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode matrix response: %w", err)
		}
	}
	return nil
}
