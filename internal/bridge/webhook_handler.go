package bridge

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/matrix-bridges/matrix-rocketchat/internal/database"
	"github.com/matrix-bridges/matrix-rocketchat/internal/rocketchat"
)

// Webhook authentication failures map to distinct HTTP statuses at the
// transport layer.
var (
	errWebhookTokenMissing = errors.New("webhook token missing")
	errWebhookTokenUnknown = errors.New("webhook token unknown")
)

// WebhookHandler processes Rocket.Chat outgoing-webhook deliveries: it
// authenticates the payload, resolves the target Matrix room, suppresses
// echoes of Matrix-originated messages and posts the text as the sender's
// virtual user.
type WebhookHandler struct {
	svc *Services
}

// NewWebhookHandler creates a webhook handler over the shared services.
func NewWebhookHandler(svc *Services) *WebhookHandler {
	return &WebhookHandler{svc: svc}
}

// Process handles one webhook delivery. It returns errWebhookTokenMissing or
// errWebhookTokenUnknown for authentication failures; messages that cannot be
// routed are dropped without error.
func (h *WebhookHandler) Process(ctx context.Context, msg *rocketchat.Message) error {
	if msg.Token == "" {
		return errWebhookTokenMissing
	}

	return h.svc.DB.Transaction(ctx, func(stores database.Stores) error {
		srv, err := stores.Servers.GetByToken(ctx, msg.Token)
		if err != nil {
			return err
		}
		if srv == nil {
			return errWebhookTokenUnknown
		}

		suppressed, err := h.isEcho(ctx, stores, srv.ID, msg)
		if err != nil {
			return err
		}
		if suppressed {
			h.svc.Log.Debug("suppressing webhook echo",
				"server_id", srv.ID, "rocketchat_user_id", msg.UserID, "message_id", msg.MessageID)
			return nil
		}

		var roomID string
		if msg.IsDirectMessage() {
			roomID, err = h.resolveDirectMessageRoom(ctx, stores, srv.ID, msg)
		} else {
			roomID, err = h.resolveChannelRoom(ctx, srv.ID, msg)
		}
		if err != nil {
			return err
		}
		if roomID == "" {
			// Not bridged, or no DM recipient to deliver to.
			return nil
		}

		virtualUserID, err := h.svc.VirtualUsers.FindOrRegister(ctx, stores, srv.ID, msg.UserID, msg.UserName)
		if err != nil {
			return err
		}
		if err := h.svc.VirtualUsers.AddToRoom(ctx, virtualUserID, h.svc.Config.BotUserID(), roomID); err != nil {
			return err
		}
		return h.svc.Matrix.SendTextMessage(ctx, roomID, virtualUserID, msg.Text)
	})
}

// isEcho reports whether the payload is the webhook copy of a message a
// logged-in Matrix user just sent from Matrix. The check compares the
// sender's last Matrix send time against the loop window.
func (h *WebhookHandler) isEcho(ctx context.Context, stores database.Stores, serverID string, msg *rocketchat.Message) (bool, error) {
	relation, err := stores.UsersOnServer.GetByRocketchatUserID(ctx, serverID, msg.UserID, false)
	if err != nil {
		return false, err
	}
	if relation == nil {
		return false, nil
	}

	user, err := stores.Users.Get(ctx, relation.MatrixUserID)
	if err != nil {
		return false, err
	}
	if user == nil {
		return false, nil
	}

	elapsed := time.Now().Unix() - user.LastMessageSent
	return elapsed >= 0 && elapsed <= int64(h.svc.Config.LoopSuppressionWindow().Seconds()), nil
}

// resolveChannelRoom looks up the bridged room of a channel. An unbridged
// channel yields "".
func (h *WebhookHandler) resolveChannelRoom(ctx context.Context, serverID string, msg *rocketchat.Message) (string, error) {
	alias := h.svc.Rooms.ChannelAlias(serverID, msg.ChannelID)
	roomID, err := h.svc.Matrix.ResolveAlias(ctx, alias)
	if err != nil {
		return "", err
	}
	if roomID == "" {
		h.svc.Log.Debug("dropping webhook for unbridged channel",
			"server_id", serverID, "channel_id", msg.ChannelID)
	}
	return roomID, nil
}

// resolveDirectMessageRoom finds or lazily creates the mirror room for a
// direct message. The recipient is derived from the DM channel id, which is
// the concatenation of both participant ids; a message whose recipient is
// not a bridge user is dropped.
func (h *WebhookHandler) resolveDirectMessageRoom(ctx context.Context, stores database.Stores, serverID string, msg *rocketchat.Message) (string, error) {
	recipientID := strings.Replace(msg.ChannelID, msg.UserID, "", 1)
	if recipientID == "" || recipientID == msg.ChannelID {
		h.svc.Log.Debug("cannot derive direct message recipient",
			"server_id", serverID, "channel_id", msg.ChannelID)
		return "", nil
	}

	recipient, err := stores.UsersOnServer.GetByRocketchatUserID(ctx, serverID, recipientID, false)
	if err != nil {
		return "", err
	}
	if recipient == nil {
		h.svc.Log.Debug("dropping direct message for unknown recipient",
			"server_id", serverID, "rocketchat_user_id", recipientID)
		return "", nil
	}

	alias := h.svc.Rooms.DMMirrorAlias(msg.UserID)
	roomID, err := h.svc.Matrix.ResolveAlias(ctx, alias)
	if err != nil {
		return "", err
	}
	if roomID != "" {
		return roomID, nil
	}

	// First message of this conversation: create the mirror room and bring
	// the recipient in.
	botUserID := h.svc.Config.BotUserID()
	roomID, err = h.svc.Matrix.CreateRoom(ctx, msg.UserName,
		h.svc.Rooms.DMMirrorAliasLocalpart(msg.UserID), botUserID)
	if err != nil {
		return "", err
	}
	if err := h.svc.Matrix.Invite(ctx, roomID, recipient.MatrixUserID, botUserID); err != nil {
		return "", err
	}

	h.svc.Log.Info("created direct message mirror room",
		"room_id", roomID, "server_id", serverID, "partner", msg.UserID, "recipient", recipient.MatrixUserID)
	return roomID, nil
}
