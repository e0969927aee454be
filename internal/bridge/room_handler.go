package bridge

import (
	"context"

	"github.com/matrix-bridges/matrix-rocketchat/internal/database"
	"github.com/matrix-bridges/matrix-rocketchat/internal/i18n"
)

// RoomHandler reacts to m.room.member events: invites of the bot, joins of
// the bot into candidate admin rooms, and membership changes in existing
// admin rooms.
type RoomHandler struct {
	svc      *Services
	commands *CommandHandler
}

// NewRoomHandler creates a room handler over the shared services.
func NewRoomHandler(svc *Services, commands *CommandHandler) *RoomHandler {
	return &RoomHandler{svc: svc, commands: commands}
}

// Process dispatches a membership event. Combinations that need no action
// are logged and ignored.
func (h *RoomHandler) Process(ctx context.Context, evt *MatrixEvent) error {
	membership, _ := evt.Content["membership"].(string)
	subject := evt.Sender
	if evt.StateKey != nil {
		subject = *evt.StateKey
	}
	botUserID := h.svc.Config.BotUserID()

	switch {
	case membership == "invite" && subject == botUserID:
		return h.botInvited(ctx, evt)
	case membership == "join" && subject == botUserID:
		return h.botJoined(ctx, evt)
	case membership == "join" && subject != botUserID:
		return h.userJoined(ctx, evt, subject)
	case membership == "leave" && subject != botUserID:
		return h.userLeft(ctx, evt, subject)
	default:
		h.svc.Log.Debug("ignoring membership event",
			"room_id", evt.RoomID, "membership", membership, "state_key", subject)
		return nil
	}
}

// botInvited accepts an invite for the bot unless remote invites are
// disallowed and the room lives on a foreign server.
func (h *RoomHandler) botInvited(ctx context.Context, evt *MatrixEvent) error {
	if !h.svc.Config.Bridge.AcceptRemoteInvites && RoomHost(evt.RoomID) != h.svc.Config.Homeserver.Domain {
		h.svc.Log.Info("ignoring remote invite",
			"room_id", evt.RoomID, "inviter", evt.Sender)
		return nil
	}
	return h.svc.Matrix.Join(ctx, evt.RoomID, h.svc.Config.BotUserID())
}

// botJoined validates a room the bot just joined as an admin-room candidate.
// Rooms the bridge created itself (bridged channels, DM mirrors) carry a
// namespace alias and are left alone.
func (h *RoomHandler) botJoined(ctx context.Context, evt *MatrixEvent) error {
	alias, err := h.svc.Matrix.GetRoomCanonicalAlias(ctx, evt.RoomID)
	if err != nil {
		return err
	}
	if h.svc.Rooms.IsInAliasNamespace(alias) || h.svc.Rooms.IsDMMirrorAlias(alias) {
		return nil
	}

	inviter := h.inviter(evt)
	if inviter == "" {
		h.svc.Log.Warn("cannot determine admin room inviter, leaving",
			"room_id", evt.RoomID)
		return h.leaveAndForget(ctx, evt.RoomID)
	}

	creator, err := h.svc.Matrix.GetRoomCreator(ctx, evt.RoomID)
	if err != nil {
		return err
	}
	if inviter != creator {
		return h.rejectAdminRoom(ctx, evt.RoomID, inviter,
			i18n.T("errors.only_room_creator_can_invite_bot_user"))
	}

	members, err := h.svc.Matrix.GetRoomMembers(ctx, evt.RoomID)
	if err != nil {
		return err
	}
	if len(members) > 2 {
		return h.rejectAdminRoom(ctx, evt.RoomID, inviter,
			i18n.T("errors.too_many_members_in_room"))
	}

	return h.adoptAdminRoom(ctx, evt.RoomID, inviter)
}

// adoptAdminRoom names the freshly validated admin room and posts the
// welcome help.
func (h *RoomHandler) adoptAdminRoom(ctx context.Context, roomID, inviter string) error {
	return h.svc.DB.Transaction(ctx, func(stores database.Stores) error {
		language := h.svc.userLanguage(ctx, stores, inviter)
		name := i18n.T("defaults.admin_room_display_name").Localize(language)
		if err := h.svc.Matrix.SetRoomName(ctx, roomID, name); err != nil {
			return internalError(err)
		}

		h.svc.Log.Info("admin room adopted", "room_id", roomID, "inviter", inviter)
		return h.commands.sendHelp(ctx, stores, &MatrixEvent{RoomID: roomID, Sender: inviter})
	})
}

// rejectAdminRoom notifies the inviter about the validation failure, then
// leaves and forgets the room.
func (h *RoomHandler) rejectAdminRoom(ctx context.Context, roomID, inviter string, msg i18n.Message) error {
	language := h.svc.userLanguage(ctx, h.svc.DB.Stores, inviter)
	if err := h.svc.Matrix.SendTextMessage(ctx, roomID, h.svc.Config.BotUserID(), msg.Localize(language)); err != nil {
		h.svc.Log.Warn("notifying inviter about rejected admin room failed",
			"room_id", roomID, "inviter", inviter, "error", err)
	}
	return h.leaveAndForget(ctx, roomID)
}

// userJoined handles a human joining a room the bot is in. An admin room
// must stay private, so a third member makes the bot give the room up.
func (h *RoomHandler) userJoined(ctx context.Context, evt *MatrixEvent, userID string) error {
	if h.svc.Rooms.IsVirtualUserID(userID) {
		return nil
	}

	members, err := h.svc.Matrix.GetRoomMembers(ctx, evt.RoomID)
	if err != nil {
		return err
	}
	if !containsString(members, h.svc.Config.BotUserID()) || len(members) <= 2 {
		return nil
	}
	alias, err := h.svc.Matrix.GetRoomCanonicalAlias(ctx, evt.RoomID)
	if err != nil {
		return err
	}
	if h.svc.Rooms.IsInAliasNamespace(alias) || h.svc.Rooms.IsDMMirrorAlias(alias) {
		return nil
	}

	language := h.svc.userLanguage(ctx, h.svc.DB.Stores, userID)
	body := i18n.T("errors.other_user_joined").Localize(language)
	if err := h.svc.Matrix.SendTextMessage(ctx, evt.RoomID, h.svc.Config.BotUserID(), body); err != nil {
		h.svc.Log.Warn("posting admin room privacy notice failed",
			"room_id", evt.RoomID, "error", err)
	}

	h.svc.Log.Info("admin room abandoned after third member joined",
		"room_id", evt.RoomID, "joined", userID)
	return h.leaveAndForget(ctx, evt.RoomID)
}

// userLeft handles a human leaving a room. An admin room dies with its
// inviter.
func (h *RoomHandler) userLeft(ctx context.Context, evt *MatrixEvent, userID string) error {
	if h.svc.Rooms.IsVirtualUserID(userID) {
		return nil
	}

	isAdmin, err := h.svc.Rooms.IsAdminRoom(ctx, evt.RoomID)
	if err != nil {
		return err
	}
	if !isAdmin {
		return nil
	}

	h.svc.Log.Info("admin room closed after inviter left",
		"room_id", evt.RoomID, "left", userID)
	return h.leaveAndForget(ctx, evt.RoomID)
}

func (h *RoomHandler) leaveAndForget(ctx context.Context, roomID string) error {
	botUserID := h.svc.Config.BotUserID()
	if err := h.svc.Matrix.LeaveRoom(ctx, roomID, botUserID); err != nil {
		return err
	}
	return h.svc.Matrix.ForgetRoom(ctx, roomID, botUserID)
}

// inviter extracts the user that invited the bot from the join event's
// unsigned data.
func (h *RoomHandler) inviter(evt *MatrixEvent) string {
	if evt.Unsigned != nil {
		if prev, ok := evt.Unsigned["prev_sender"].(string); ok && prev != "" {
			return prev
		}
	}
	// A join the homeserver performed on behalf of the bot echoes the
	// inviter as the event sender.
	if evt.Sender != h.svc.Config.BotUserID() {
		return evt.Sender
	}
	return ""
}
