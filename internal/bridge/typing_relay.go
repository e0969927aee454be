package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/matrix-bridges/matrix-rocketchat/internal/database"
	"github.com/matrix-bridges/matrix-rocketchat/internal/matrix"
	"github.com/matrix-bridges/matrix-rocketchat/internal/rocketchat"
)

// typingTimeout is how long a relayed typing notification stays visible on
// Matrix without a refresh.
const typingTimeout = 30 * time.Second

// TypingRelay mirrors Rocket.Chat typing notifications into bridged Matrix
// rooms via the virtual users. It maintains one realtime connection per
// server, established lazily on the first bridged channel, and is strictly
// best-effort: message forwarding never depends on it.
type TypingRelay struct {
	log    *slog.Logger
	matrix matrix.Client
	rooms  *RoomModel
	db     *database.Database

	mu     sync.Mutex
	links  map[string]*rocketchat.Realtime // by server id
	stopCh chan struct{}
}

// NewTypingRelay creates a typing relay. Connections are opened on demand by
// Watch.
func NewTypingRelay(log *slog.Logger, mtx matrix.Client, rooms *RoomModel, db *database.Database) *TypingRelay {
	return &TypingRelay{
		log:    log,
		matrix: mtx,
		rooms:  rooms,
		db:     db,
		links:  make(map[string]*rocketchat.Realtime),
		stopCh: make(chan struct{}),
	}
}

// Watch subscribes to typing notifications for a bridged channel, opening
// the server's realtime connection with the given credentials if needed.
func (t *TypingRelay) Watch(srv *database.RocketchatServer, relation *database.UserOnRocketchatServer, channelID string) {
	t.mu.Lock()
	link, ok := t.links[srv.ID]
	if !ok {
		link = rocketchat.NewRealtime(srv.URL,
			relation.RocketchatUserID.String, relation.RocketchatAuthToken.String,
			t.typingHandler(srv.ID), t.log.With("server_id", srv.ID))
		t.links[srv.ID] = link
		go t.run(srv.ID, link)
	}
	t.mu.Unlock()

	link.WatchChannel(channelID)
}

// run keeps the realtime connection of one server alive, reconnecting with a
// fixed delay until the relay is stopped.
func (t *TypingRelay) run(serverID string, link *rocketchat.Realtime) {
	for {
		err := link.Run(t.stopCh)
		select {
		case <-t.stopCh:
			return
		default:
		}
		t.log.Warn("realtime connection lost, reconnecting",
			"server_id", serverID, "error", err)

		select {
		case <-t.stopCh:
			return
		case <-time.After(5 * time.Second):
		}
	}
}

// typingHandler relays one typing notification: it resolves the bridged room
// and the typist's virtual user, then forwards the state to Matrix.
func (t *TypingRelay) typingHandler(serverID string) rocketchat.TypingHandler {
	return func(evt rocketchat.TypingEvent) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		roomID, err := t.matrix.ResolveAlias(ctx, t.rooms.ChannelAlias(serverID, evt.ChannelID))
		if err != nil || roomID == "" {
			return
		}
		relation, err := t.db.UsersOnServer.GetByUsername(ctx, serverID, evt.Username, true)
		if err != nil || relation == nil {
			return
		}

		if err := t.matrix.SetTyping(ctx, roomID, relation.MatrixUserID, evt.Typing, typingTimeout); err != nil {
			t.log.Debug("relaying typing notification failed",
				"room_id", roomID, "virtual_user", relation.MatrixUserID, "error", err)
		}
	}
}

// Stop closes all realtime connections.
func (t *TypingRelay) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.stopCh:
	default:
		close(t.stopCh)
	}
}
