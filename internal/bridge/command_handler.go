package bridge

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/matrix-bridges/matrix-rocketchat/internal/database"
	"github.com/matrix-bridges/matrix-rocketchat/internal/i18n"
	"github.com/matrix-bridges/matrix-rocketchat/internal/rocketchat"
)

var serverIDPattern = regexp.MustCompile(`^[0-9a-z_]+$`)

// CommandHandler parses admin-room text messages and drives the connection
// state machine: connect, login, list, bridge, unbridge, help. Each command
// runs under a store transaction; on any error the transaction aborts and the
// error is surfaced to the dispatcher.
type CommandHandler struct {
	svc *Services
}

// NewCommandHandler creates a command handler over the shared services.
func NewCommandHandler(svc *Services) *CommandHandler {
	return &CommandHandler{svc: svc}
}

// Process interprets a text message sent into an adopted admin room. The
// first whitespace-delimited token selects the command; unrecognized input is
// ignored.
func (h *CommandHandler) Process(ctx context.Context, evt *MatrixEvent, body string) error {
	tokens := strings.Fields(body)
	if len(tokens) == 0 {
		return nil
	}

	switch tokens[0] {
	case "connect":
		return h.connect(ctx, evt, tokens)
	case "login":
		return h.login(ctx, evt, tokens)
	case "list":
		return h.list(ctx, evt)
	case "bridge":
		return h.bridge(ctx, evt, tokens)
	case "unbridge":
		return h.unbridge(ctx, evt, tokens)
	case "help":
		return h.help(ctx, evt)
	default:
		h.svc.Log.Debug("ignoring unknown admin room command",
			"room_id", evt.RoomID, "command", tokens[0])
		return nil
	}
}

// connect binds the admin room to a Rocket.Chat server. A full
// `connect <url> <token> <id>` registers a new server; `connect <url>` adopts
// an already registered one.
func (h *CommandHandler) connect(ctx context.Context, evt *MatrixEvent, tokens []string) error {
	return h.svc.DB.Transaction(ctx, func(stores database.Stores) error {
		connected, err := h.svc.Rooms.ServerForAdminRoom(ctx, stores, evt.RoomID)
		if err != nil {
			return internalError(err)
		}
		if connected != nil {
			return newUserError(ErrRoomAlreadyConnected, nil)
		}

		if len(tokens) < 2 {
			return h.sendHelp(ctx, stores, evt)
		}
		serverURL := tokens[1]

		srv, err := stores.Servers.GetByURL(ctx, serverURL)
		if err != nil {
			return internalError(err)
		}

		switch {
		case srv == nil:
			srv, err = h.registerServer(ctx, stores, serverURL, tokens)
			if err != nil {
				return err
			}
		case len(tokens) >= 3:
			// Token supplied for a known server: only a token-less row may
			// be upgraded.
			if srv.Token.Valid {
				return newUserError(ErrRocketchatServerAlreadyConnected, nil).
					withVar("rocketchat_url", serverURL)
			}
			if err := h.ensureTokenUnused(ctx, stores, tokens[2]); err != nil {
				return err
			}
			if err := stores.Servers.SetToken(ctx, srv.ID, tokens[2]); err != nil {
				return internalError(err)
			}
		}

		if err := h.ensureUser(ctx, stores, evt.Sender); err != nil {
			return err
		}
		relation, err := stores.UsersOnServer.Get(ctx, evt.Sender, srv.ID)
		if err != nil {
			return internalError(err)
		}
		if relation == nil {
			relation = &database.UserOnRocketchatServer{
				MatrixUserID:       evt.Sender,
				RocketchatServerID: srv.ID,
			}
			if err := stores.UsersOnServer.Upsert(ctx, relation); err != nil {
				return internalError(err)
			}
		}

		// The topic is the persistent binding from admin room to server.
		if err := h.svc.Matrix.SetRoomTopic(ctx, evt.RoomID, serverURL); err != nil {
			return internalError(err)
		}

		h.svc.Log.Info("admin room connected",
			"room_id", evt.RoomID, "server_id", srv.ID, "rocketchat_url", serverURL)
		return h.sendHelp(ctx, stores, evt)
	})
}

// registerServer validates and inserts a new Rocket.Chat server row.
func (h *CommandHandler) registerServer(ctx context.Context, stores database.Stores, serverURL string, tokens []string) (*database.RocketchatServer, error) {
	if len(tokens) < 3 {
		return nil, newUserError(ErrRocketchatTokenMissing, nil)
	}
	token := tokens[2]
	if len(tokens) < 4 {
		return nil, newUserError(ErrConnectWithoutRocketchatServerID, nil)
	}
	serverID := tokens[3]

	maxLen := h.svc.Config.Bridge.MaxRocketchatServerIDLength
	if len(serverID) > maxLen || !serverIDPattern.MatchString(serverID) {
		return nil, newUserError(ErrConnectWithInvalidRocketchatServerID, nil).
			withVar("rocketchat_server_id", serverID).
			withVar("max_rocketchat_server_id_length", strconv.Itoa(maxLen))
	}

	existing, err := stores.Servers.GetByID(ctx, serverID)
	if err != nil {
		return nil, internalError(err)
	}
	if existing != nil {
		return nil, newUserError(ErrRocketchatServerIDAlreadyInUse, nil).
			withVar("rocketchat_server_id", serverID)
	}
	if err := h.ensureTokenUnused(ctx, stores, token); err != nil {
		return nil, err
	}

	if _, err := h.svc.Rocketchat(ctx, serverURL); err != nil {
		return nil, h.serverUnreachable(serverURL, err)
	}

	srv := &database.RocketchatServer{
		ID:    serverID,
		URL:   serverURL,
		Token: nullString(token),
	}
	if err := stores.Servers.Insert(ctx, srv); err != nil {
		return nil, internalError(err)
	}
	return srv, nil
}

func (h *CommandHandler) ensureTokenUnused(ctx context.Context, stores database.Stores, token string) error {
	byToken, err := stores.Servers.GetByToken(ctx, token)
	if err != nil {
		return internalError(err)
	}
	if byToken != nil {
		return newUserError(ErrRocketchatTokenAlreadyInUse, nil).withVar("token", token)
	}
	return nil
}

// login authenticates the admin-room user against the connected server. The
// password is the concatenation of all tokens after the username with no
// separator, which keeps passwords containing spaces usable.
func (h *CommandHandler) login(ctx context.Context, evt *MatrixEvent, tokens []string) error {
	return h.svc.DB.Transaction(ctx, func(stores database.Stores) error {
		srv, err := h.svc.Rooms.ServerForAdminRoom(ctx, stores, evt.RoomID)
		if err != nil {
			return internalError(err)
		}
		if srv == nil {
			return newUserError(ErrRoomNotConnected, nil)
		}
		if len(tokens) < 3 {
			return newUserError(ErrLoginFailed, nil).
				withVar("message", "usage: login <username> <password>")
		}
		username := tokens[1]
		password := strings.Join(tokens[2:], "")

		client, err := h.svc.Rocketchat(ctx, srv.URL)
		if err != nil {
			return h.serverUnreachable(srv.URL, err)
		}
		rocketchatUserID, authToken, err := client.Login(ctx, username, password)
		if err != nil {
			return newUserError(ErrLoginFailed, err).withVar("message", err.Error())
		}

		if err := h.ensureUser(ctx, stores, evt.Sender); err != nil {
			return err
		}
		relation := &database.UserOnRocketchatServer{
			MatrixUserID:        evt.Sender,
			RocketchatServerID:  srv.ID,
			RocketchatUserID:    nullString(rocketchatUserID),
			RocketchatAuthToken: nullString(authToken),
			RocketchatUsername:  nullString(username),
		}
		if err := stores.UsersOnServer.Upsert(ctx, relation); err != nil {
			return internalError(err)
		}

		h.svc.Log.Info("user logged in",
			"matrix_user_id", evt.Sender, "server_id", srv.ID, "rocketchat_username", username)
		return h.send(ctx, stores, evt,
			i18n.T("admin_room.login_successful").With("rocketchat_url", srv.URL))
	})
}

// list posts the channels visible to the logged-in user. Channels already
// bridged for the user are bold, channels the user is a member of are
// italic.
func (h *CommandHandler) list(ctx context.Context, evt *MatrixEvent) error {
	return h.svc.DB.Transaction(ctx, func(stores database.Stores) error {
		srv, relation, client, err := h.requireLoggedIn(ctx, stores, evt)
		if err != nil {
			return err
		}

		channels, err := client.ChannelsList(ctx)
		if err != nil {
			return internalError(err)
		}

		var list strings.Builder
		for _, channel := range channels {
			marker := ""
			if containsString(channel.Usernames, relation.RocketchatUsername.String) {
				marker = "*"
				bridged, err := h.userIsBridged(ctx, evt.Sender, srv.ID, channel.ID)
				if err != nil {
					return internalError(err)
				}
				if bridged {
					marker = "**"
				}
			}
			fmt.Fprintf(&list, "*   %s%s%s\n\n", marker, channel.DisplayName(), marker)
		}

		return h.send(ctx, stores, evt,
			i18n.T("admin_room.list_channels").With("channel_list", list.String()))
	})
}

// userIsBridged reports whether the channel's bridged room exists and the
// user is a member of it.
func (h *CommandHandler) userIsBridged(ctx context.Context, userID, serverID, channelID string) (bool, error) {
	roomID, err := h.svc.Matrix.ResolveAlias(ctx, h.svc.Rooms.ChannelAlias(serverID, channelID))
	if err != nil || roomID == "" {
		return false, err
	}
	members, err := h.svc.Matrix.GetRoomMembers(ctx, roomID)
	if err != nil {
		return false, err
	}
	return containsString(members, userID), nil
}

// bridge links a Rocket.Chat channel to a Matrix room, creating the room on
// first bridge and inviting the requester into an existing one otherwise.
func (h *CommandHandler) bridge(ctx context.Context, evt *MatrixEvent, tokens []string) error {
	if len(tokens) < 2 {
		return newUserError(ErrRocketchatChannelNotFound, nil).withVar("channel_name", "")
	}
	channelName := tokens[1]

	return h.svc.DB.Transaction(ctx, func(stores database.Stores) error {
		srv, relation, client, err := h.requireLoggedIn(ctx, stores, evt)
		if err != nil {
			return err
		}

		channel, err := h.findChannel(ctx, client, channelName)
		if err != nil {
			return err
		}
		if !containsString(channel.Usernames, relation.RocketchatUsername.String) {
			return newUserError(ErrRocketchatJoinFirst, nil).withVar("channel_name", channelName)
		}

		alias := h.svc.Rooms.ChannelAlias(srv.ID, channel.ID)
		roomID, err := h.svc.Matrix.ResolveAlias(ctx, alias)
		if err != nil {
			return internalError(err)
		}

		if roomID != "" {
			members, err := h.svc.Matrix.GetRoomMembers(ctx, roomID)
			if err != nil {
				return internalError(err)
			}
			if containsString(members, evt.Sender) {
				return newUserError(ErrRocketchatChannelAlreadyBridged, nil).
					withVar("channel_name", channelName)
			}
			if err := h.svc.Matrix.Invite(ctx, roomID, evt.Sender, h.svc.Config.BotUserID()); err != nil {
				return internalError(err)
			}
		} else {
			roomID, err = h.bridgeNewRoom(ctx, stores, client, srv, channel, evt.Sender)
			if err != nil {
				return err
			}
		}

		if err := h.svc.Matrix.PutCanonicalRoomAlias(ctx, roomID, alias); err != nil {
			return internalError(err)
		}

		if h.svc.Typing != nil {
			h.svc.Typing.Watch(srv, relation, channel.ID)
		}

		h.svc.Log.Info("channel bridged",
			"server_id", srv.ID, "channel_id", channel.ID, "room_id", roomID, "bridged_by", evt.Sender)
		return h.send(ctx, stores, evt,
			i18n.T("admin_room.room_successfully_bridged").With("channel_name", channel.DisplayName()))
	})
}

// bridgeNewRoom creates the Matrix room for a channel, applies the power
// levels, invites the requesting human and adds a virtual user for every
// channel member.
func (h *CommandHandler) bridgeNewRoom(ctx context.Context, stores database.Stores, client rocketchat.API, srv *database.RocketchatServer, channel *rocketchat.Channel, bridgeUserID string) (string, error) {
	botUserID := h.svc.Config.BotUserID()
	aliasLocalpart := h.svc.Rooms.ChannelAliasLocalpart(srv.ID, channel.ID)

	roomID, err := h.svc.Matrix.CreateRoom(ctx, channel.DisplayName(), aliasLocalpart, botUserID)
	if err != nil {
		return "", internalError(err)
	}
	if err := h.svc.Matrix.SetDefaultPowerLevels(ctx, roomID, botUserID, bridgeUserID); err != nil {
		return "", internalError(err)
	}
	if err := h.svc.Matrix.Invite(ctx, roomID, bridgeUserID, botUserID); err != nil {
		return "", internalError(err)
	}

	for _, username := range channel.Usernames {
		user, err := client.UsersInfo(ctx, username)
		if err != nil {
			return "", internalError(err)
		}
		virtualUserID, err := h.svc.VirtualUsers.FindOrRegister(ctx, stores, srv.ID, user.ID, username)
		if err != nil {
			return "", internalError(err)
		}
		if err := h.svc.VirtualUsers.AddToRoom(ctx, virtualUserID, botUserID, roomID); err != nil {
			return "", internalError(err)
		}
	}

	return roomID, nil
}

// unbridge removes the alias binding of a channel's room. The room has to be
// empty of real users first.
func (h *CommandHandler) unbridge(ctx context.Context, evt *MatrixEvent, tokens []string) error {
	if len(tokens) < 2 {
		return newUserError(ErrUnbridgeOfNotBridgedRoom, nil).withVar("channel_name", "")
	}
	channelName := tokens[1]

	return h.svc.DB.Transaction(ctx, func(stores database.Stores) error {
		srv, _, client, err := h.requireLoggedIn(ctx, stores, evt)
		if err != nil {
			return err
		}

		channel, err := h.findChannel(ctx, client, channelName)
		if err != nil {
			return newUserError(ErrUnbridgeOfNotBridgedRoom, err).withVar("channel_name", channelName)
		}

		alias := h.svc.Rooms.ChannelAlias(srv.ID, channel.ID)
		roomID, err := h.svc.Matrix.ResolveAlias(ctx, alias)
		if err != nil {
			return internalError(err)
		}
		if roomID == "" {
			return newUserError(ErrUnbridgeOfNotBridgedRoom, nil).withVar("channel_name", channelName)
		}

		members, err := h.svc.Matrix.GetRoomMembers(ctx, roomID)
		if err != nil {
			return internalError(err)
		}
		if realMembers := h.svc.Rooms.FilterRealMembers(members); len(realMembers) > 0 {
			return newUserError(ErrRoomNotEmpty, nil).
				withVar("channel_name", channelName).
				withVar("users", strings.Join(realMembers, ", "))
		}

		// The canonical alias is cleared on the admin room the command came
		// from, matching the long-standing observed behavior of the bridge.
		if err := h.svc.Matrix.PutCanonicalRoomAlias(ctx, evt.RoomID, ""); err != nil {
			return internalError(err)
		}
		if err := h.svc.Matrix.DeleteRoomAlias(ctx, alias); err != nil {
			return internalError(err)
		}

		h.svc.Log.Info("channel unbridged",
			"server_id", srv.ID, "channel_id", channel.ID, "room_id", roomID)
		return h.send(ctx, stores, evt,
			i18n.T("admin_room.room_successfully_unbridged").With("channel_name", channel.DisplayName()))
	})
}

// help posts context-sensitive instructions depending on the derived state of
// the admin room.
func (h *CommandHandler) help(ctx context.Context, evt *MatrixEvent) error {
	return h.svc.DB.Transaction(ctx, func(stores database.Stores) error {
		return h.sendHelp(ctx, stores, evt)
	})
}

func (h *CommandHandler) sendHelp(ctx context.Context, stores database.Stores, evt *MatrixEvent) error {
	srv, err := h.svc.Rooms.ServerForAdminRoom(ctx, stores, evt.RoomID)
	if err != nil {
		return internalError(err)
	}

	language := h.svc.userLanguage(ctx, stores, evt.Sender)

	var msg i18n.Message
	switch {
	case srv == nil:
		servers, err := stores.Servers.GetConnectedServers(ctx)
		if err != nil {
			return internalError(err)
		}
		var serverList strings.Builder
		for _, s := range servers {
			fmt.Fprintf(&serverList, "* %s\n", s.URL)
		}
		if serverList.Len() == 0 {
			serverList.WriteString(i18n.T("admin_room.no_rocketchat_server_connected").Localize(language))
		}
		msg = i18n.T("admin_room.connection_instructions").
			With("as_url", h.svc.Config.AppService.Address).
			With("server_list", serverList.String())
	default:
		relation, err := stores.UsersOnServer.Get(ctx, evt.Sender, srv.ID)
		if err != nil {
			return internalError(err)
		}
		if relation == nil || !relation.IsLoggedIn() {
			msg = i18n.T("admin_room.login_instructions").
				With("rocketchat_url", srv.URL).
				With("matrix_user_id", evt.Sender).
				With("as_url", h.svc.Config.AppService.Address)
		} else {
			msg = i18n.T("admin_room.usage_instructions").With("rocketchat_url", srv.URL)
		}
	}

	return h.send(ctx, stores, evt, msg)
}

// requireLoggedIn resolves the connected server, the sender's credentials and
// an authorized Rocket.Chat client, failing with the protocol errors when the
// room is not connected or the user is not logged in.
func (h *CommandHandler) requireLoggedIn(ctx context.Context, stores database.Stores, evt *MatrixEvent) (*database.RocketchatServer, *database.UserOnRocketchatServer, rocketchat.API, error) {
	srv, err := h.svc.Rooms.ServerForAdminRoom(ctx, stores, evt.RoomID)
	if err != nil {
		return nil, nil, nil, internalError(err)
	}
	if srv == nil {
		return nil, nil, nil, newUserError(ErrRoomNotConnected, nil)
	}

	relation, err := stores.UsersOnServer.Get(ctx, evt.Sender, srv.ID)
	if err != nil {
		return nil, nil, nil, internalError(err)
	}
	if relation == nil || !relation.IsLoggedIn() {
		return nil, nil, nil, newUserError(ErrNotLoggedIn, nil)
	}

	client, err := h.svc.Rocketchat(ctx, srv.URL)
	if err != nil {
		return nil, nil, nil, h.serverUnreachable(srv.URL, err)
	}
	authorized := client.WithCredentials(relation.RocketchatUserID.String, relation.RocketchatAuthToken.String)
	return srv, relation, authorized, nil
}

// findChannel resolves a channel name against channels_list.
func (h *CommandHandler) findChannel(ctx context.Context, client rocketchat.API, channelName string) (*rocketchat.Channel, error) {
	channels, err := client.ChannelsList(ctx)
	if err != nil {
		return nil, internalError(err)
	}
	for i := range channels {
		if channels[i].DisplayName() == channelName {
			return &channels[i], nil
		}
	}
	return nil, newUserError(ErrRocketchatChannelNotFound, nil).withVar("channel_name", channelName)
}

func (h *CommandHandler) serverUnreachable(serverURL string, err error) *Error {
	if errors.Is(err, rocketchat.ErrAPIVersionUnsupported) {
		return newUserError(ErrRocketchatAPINotSupported, err).withVar("rocketchat_url", serverURL)
	}
	return newUserError(ErrNoRocketchatServer, err).withVar("rocketchat_url", serverURL)
}

// send localizes a message for the sender and posts it into the room as the
// bot.
func (h *CommandHandler) send(ctx context.Context, stores database.Stores, evt *MatrixEvent, msg i18n.Message) error {
	language := h.svc.userLanguage(ctx, stores, evt.Sender)
	if err := h.svc.Matrix.SendTextMessage(ctx, evt.RoomID, h.svc.Config.BotUserID(), msg.Localize(language)); err != nil {
		return fmt.Errorf("post admin room message: %w", err)
	}
	return nil
}

// ensureUser creates the user row on first contact without overwriting an
// existing language preference.
func (h *CommandHandler) ensureUser(ctx context.Context, stores database.Stores, matrixUserID string) error {
	user, err := stores.Users.Get(ctx, matrixUserID)
	if err != nil {
		return internalError(err)
	}
	if user != nil {
		return nil
	}
	err = stores.Users.Upsert(ctx, &database.User{
		MatrixUserID: matrixUserID,
		Language:     h.svc.Config.Bridge.DefaultLanguage,
	})
	if err != nil {
		return internalError(err)
	}
	return nil
}

func containsString(items []string, needle string) bool {
	for _, item := range items {
		if item == needle {
			return true
		}
	}
	return false
}
