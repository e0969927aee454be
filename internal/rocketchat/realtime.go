package rocketchat

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// TypingEvent is a typing notification from the Rocket.Chat realtime API.
type TypingEvent struct {
	ChannelID string
	Username  string
	Typing    bool
}

// TypingHandler receives typing notifications for watched channels.
type TypingHandler func(TypingEvent)

// Realtime maintains a DDP-over-websocket connection to a Rocket.Chat server
// and streams typing notifications for watched channels. It is strictly
// best-effort: message forwarding never depends on it.
//
// Rocket.Chat exposes the realtime API at ws(s)://<host>/websocket.
type Realtime struct {
	endpoint  string
	userID    string
	authToken string
	handler   TypingHandler
	log       *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	nextID  int
	watched map[string]bool
}

// ddpMessage is the envelope of every DDP frame.
type ddpMessage struct {
	Msg        string          `json:"msg"`
	ID         string          `json:"id,omitempty"`
	Method     string          `json:"method,omitempty"`
	Name       string          `json:"name,omitempty"`
	Collection string          `json:"collection,omitempty"`
	Version    string          `json:"version,omitempty"`
	Support    []string        `json:"support,omitempty"`
	Params     []interface{}   `json:"params,omitempty"`
	Fields     json.RawMessage `json:"fields,omitempty"`
}

// NewRealtime creates a realtime client for the server at baseURL,
// authenticating by resuming the given REST auth token.
func NewRealtime(baseURL, userID, authToken string, handler TypingHandler, log *slog.Logger) *Realtime {
	return &Realtime{
		endpoint:  wsEndpoint(baseURL),
		userID:    userID,
		authToken: authToken,
		handler:   handler,
		log:       log,
		watched:   make(map[string]bool),
	}
}

// wsEndpoint derives the websocket endpoint from a REST base URL.
func wsEndpoint(baseURL string) string {
	endpoint := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		endpoint = "wss://" + strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		endpoint = "ws://" + strings.TrimPrefix(endpoint, "http://")
	}
	return endpoint + "/websocket"
}

// Run establishes the connection and enters the read loop. It blocks until
// the connection is lost or stopCh is closed.
func (r *Realtime) Run(stopCh chan struct{}) error {
	r.log.Info("connecting to realtime API", "endpoint", r.endpoint)

	conn, _, err := websocket.DefaultDialer.Dial(r.endpoint, nil)
	if err != nil {
		return fmt.Errorf("realtime dial: %w", err)
	}

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	if err := r.send(ddpMessage{Msg: "connect", Version: "1", Support: []string{"1"}}); err != nil {
		conn.Close()
		return err
	}
	if err := r.send(ddpMessage{
		Msg:    "method",
		Method: "login",
		ID:     r.methodID(),
		Params: []interface{}{map[string]string{"resume": r.authToken}},
	}); err != nil {
		conn.Close()
		return err
	}

	// Re-subscribe to channels that were watched before a reconnect.
	r.mu.Lock()
	channels := make([]string, 0, len(r.watched))
	for channelID := range r.watched {
		channels = append(channels, channelID)
	}
	r.mu.Unlock()
	for _, channelID := range channels {
		r.subscribe(channelID)
	}

	return r.readLoop(stopCh)
}

// WatchChannel subscribes to typing notifications for a channel. Idempotent.
func (r *Realtime) WatchChannel(channelID string) {
	r.mu.Lock()
	alreadyWatched := r.watched[channelID]
	r.watched[channelID] = true
	connected := r.conn != nil
	r.mu.Unlock()

	if alreadyWatched || !connected {
		return
	}
	r.subscribe(channelID)
}

func (r *Realtime) subscribe(channelID string) {
	err := r.send(ddpMessage{
		Msg:    "sub",
		ID:     r.methodID(),
		Name:   "stream-notify-room",
		Params: []interface{}{channelID + "/typing", false},
	})
	if err != nil {
		r.log.Warn("typing subscription failed", "channel_id", channelID, "error", err)
	}
}

// readLoop continuously reads DDP frames from the connection.
func (r *Realtime) readLoop(stopCh chan struct{}) error {
	defer func() {
		r.mu.Lock()
		if r.conn != nil {
			r.conn.Close()
			r.conn = nil
		}
		r.mu.Unlock()
	}()

	for {
		select {
		case <-stopCh:
			return nil
		default:
		}

		// Read deadline detects dead connections between server pings.
		r.conn.SetReadDeadline(time.Now().Add(90 * time.Second))

		_, data, err := r.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("realtime read: %w", err)
		}

		var frame ddpMessage
		if err := json.Unmarshal(data, &frame); err != nil {
			r.log.Warn("unparseable realtime frame", "error", err, "data", string(data))
			continue
		}

		switch frame.Msg {
		case "ping":
			if err := r.send(ddpMessage{Msg: "pong"}); err != nil {
				return err
			}
		case "changed":
			if evt, ok := parseTypingEvent(frame); ok && r.handler != nil {
				r.handler(evt)
			}
		default:
			// connected, result, ready, updated: nothing to do
		}
	}
}

// parseTypingEvent extracts a typing notification from a stream-notify-room
// changed frame. The event name is "<channel_id>/typing" and the args are
// [username, typing-flag].
func parseTypingEvent(frame ddpMessage) (TypingEvent, bool) {
	if frame.Collection != "stream-notify-room" || len(frame.Fields) == 0 {
		return TypingEvent{}, false
	}

	var fields struct {
		EventName string            `json:"eventName"`
		Args      []json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal(frame.Fields, &fields); err != nil {
		return TypingEvent{}, false
	}

	channelID, kind, found := strings.Cut(fields.EventName, "/")
	if !found || kind != "typing" || len(fields.Args) < 2 {
		return TypingEvent{}, false
	}

	var username string
	if err := json.Unmarshal(fields.Args[0], &username); err != nil {
		return TypingEvent{}, false
	}
	var typing bool
	if err := json.Unmarshal(fields.Args[1], &typing); err != nil {
		return TypingEvent{}, false
	}

	return TypingEvent{ChannelID: channelID, Username: username, Typing: typing}, true
}

func (r *Realtime) send(msg ddpMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode realtime frame: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return fmt.Errorf("realtime connection not established")
	}
	if err := r.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("realtime write: %w", err)
	}
	return nil
}

func (r *Realtime) methodID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return strconv.Itoa(r.nextID)
}
