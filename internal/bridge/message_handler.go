package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/matrix-bridges/matrix-rocketchat/internal/database"
	"github.com/matrix-bridges/matrix-rocketchat/internal/rocketchat"
)

// MessageHandler reacts to m.room.message events: admin-room messages go to
// the command handler, messages in bridged rooms and DM mirrors are forwarded
// to Rocket.Chat.
type MessageHandler struct {
	svc      *Services
	commands *CommandHandler
}

// NewMessageHandler creates a message handler over the shared services.
func NewMessageHandler(svc *Services, commands *CommandHandler) *MessageHandler {
	return &MessageHandler{svc: svc, commands: commands}
}

// Process routes a text message by the role of its room. Messages sent by
// the bot or by virtual users are echoes of the bridge's own work and are
// dropped up front.
func (h *MessageHandler) Process(ctx context.Context, evt *MatrixEvent) error {
	if h.svc.Rooms.IsInUserNamespace(evt.Sender) {
		return nil
	}

	msgtype, _ := evt.Content["msgtype"].(string)
	body, _ := evt.Content["body"].(string)
	if msgtype != "m.text" || body == "" {
		h.svc.Log.Debug("ignoring non-text message",
			"room_id", evt.RoomID, "msgtype", msgtype)
		return nil
	}

	isAdmin, err := h.svc.Rooms.IsAdminRoom(ctx, evt.RoomID)
	if err != nil {
		return internalError(err)
	}
	if isAdmin {
		return h.commands.Process(ctx, evt, body)
	}

	alias, err := h.svc.Matrix.GetRoomCanonicalAlias(ctx, evt.RoomID)
	if err != nil {
		return internalError(err)
	}
	switch {
	case h.svc.Rooms.IsInAliasNamespace(alias):
		return h.forwardToChannel(ctx, evt, alias, body)
	case h.svc.Rooms.IsDMMirrorAlias(alias):
		return h.forwardToDirectMessage(ctx, evt, alias, body)
	default:
		h.svc.Log.Debug("ignoring message in unbridged room", "room_id", evt.RoomID)
		return nil
	}
}

// forwardToChannel posts a bridged-room message into its Rocket.Chat channel
// as the sending user. The send time is recorded first so the webhook echo
// of this very message is suppressed.
func (h *MessageHandler) forwardToChannel(ctx context.Context, evt *MatrixEvent, alias, body string) error {
	return h.svc.DB.Transaction(ctx, func(stores database.Stores) error {
		servers, err := stores.Servers.GetConnectedServers(ctx)
		if err != nil {
			return internalError(err)
		}
		serverID, channelID, ok := h.svc.Rooms.ParseChannelAlias(alias, servers)
		if !ok {
			h.svc.Log.Warn("bridged room alias does not match any server",
				"room_id", evt.RoomID, "alias", alias)
			return nil
		}

		relation, err := stores.UsersOnServer.Get(ctx, evt.Sender, serverID)
		if err != nil {
			return internalError(err)
		}
		if relation == nil || relation.IsVirtualUser || !relation.IsLoggedIn() {
			h.svc.Log.Debug("dropping message from user without credentials",
				"room_id", evt.RoomID, "sender", evt.Sender, "server_id", serverID)
			return nil
		}

		if err := stores.Users.TouchLastMessageSent(ctx, evt.Sender, time.Now().Unix()); err != nil {
			return internalError(err)
		}

		client, err := h.authorizedClient(ctx, servers, serverID, relation)
		if err != nil {
			return err
		}
		if err := client.PostChatMessage(ctx, channelID, body); err != nil {
			return internalError(err)
		}
		return nil
	})
}

// forwardToDirectMessage posts a DM-mirror message into the matching
// Rocket.Chat direct-message room. The partner's id comes from the mirror
// alias; the DM room is found in the sender's dm.list on whichever connected
// server the sender is logged into.
func (h *MessageHandler) forwardToDirectMessage(ctx context.Context, evt *MatrixEvent, alias, body string) error {
	partnerID := h.svc.Rooms.DMPartnerFromAlias(alias)

	return h.svc.DB.Transaction(ctx, func(stores database.Stores) error {
		servers, err := stores.Servers.GetConnectedServers(ctx)
		if err != nil {
			return internalError(err)
		}

		for _, srv := range servers {
			relation, err := stores.UsersOnServer.Get(ctx, evt.Sender, srv.ID)
			if err != nil {
				return internalError(err)
			}
			if relation == nil || relation.IsVirtualUser || !relation.IsLoggedIn() {
				continue
			}

			client, err := h.authorizedClient(ctx, servers, srv.ID, relation)
			if err != nil {
				return err
			}
			dms, err := client.DirectMessagesList(ctx)
			if err != nil {
				return internalError(err)
			}
			channelID := directMessageChannel(dms, relation.RocketchatUserID.String, partnerID)
			if channelID == "" {
				continue
			}

			if err := stores.Users.TouchLastMessageSent(ctx, evt.Sender, time.Now().Unix()); err != nil {
				return internalError(err)
			}
			if err := client.PostChatMessage(ctx, channelID, body); err != nil {
				return internalError(err)
			}
			return nil
		}

		h.svc.Log.Warn("no direct message room found for mirror",
			"room_id", evt.RoomID, "alias", alias, "sender", evt.Sender)
		return nil
	})
}

func (h *MessageHandler) authorizedClient(ctx context.Context, servers []*database.RocketchatServer, serverID string, relation *database.UserOnRocketchatServer) (rocketchat.API, error) {
	for _, srv := range servers {
		if srv.ID != serverID {
			continue
		}
		client, err := h.svc.Rocketchat(ctx, srv.URL)
		if err != nil {
			return nil, internalError(err)
		}
		return client.WithCredentials(relation.RocketchatUserID.String, relation.RocketchatAuthToken.String), nil
	}
	return nil, internalError(fmt.Errorf("server %s not among connected servers", serverID))
}

// directMessageChannel finds the DM room shared by the two users. A
// Rocket.Chat direct-message channel id is the concatenation of both
// participant ids.
func directMessageChannel(dms []rocketchat.Channel, selfID, partnerID string) string {
	for _, dm := range dms {
		if dm.ID == selfID+partnerID || dm.ID == partnerID+selfID {
			return dm.ID
		}
	}
	return ""
}
