package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/matrix-bridges/matrix-rocketchat/internal/database"
	"github.com/matrix-bridges/matrix-rocketchat/internal/matrix"
)

// dmMirrorSuffix marks the alias local-part of a direct-message mirror room.
const dmMirrorSuffix = "DMRocketChat"

// RoomModel answers room-role questions (admin room, bridged room, DM mirror)
// and owns the deterministic naming schema binding Rocket.Chat channels and
// users to Matrix aliases and virtual user ids. Room roles are always derived
// from live Matrix state, never cached.
type RoomModel struct {
	prefix    string // sender_localpart, reserved for the bot and virtual users
	domain    string // homeserver domain
	botUserID string
	matrix    matrix.Client
}

// NewRoomModel creates a room model for the given appservice namespace.
func NewRoomModel(senderLocalpart, hsDomain, botUserID string, mtx matrix.Client) *RoomModel {
	return &RoomModel{
		prefix:    senderLocalpart,
		domain:    hsDomain,
		botUserID: botUserID,
		matrix:    mtx,
	}
}

// ChannelAliasLocalpart computes the alias local-part binding a Rocket.Chat
// channel to its bridged Matrix room.
func (m *RoomModel) ChannelAliasLocalpart(serverID, channelID string) string {
	return fmt.Sprintf("%s_%s_%s", m.prefix, serverID, channelID)
}

// ChannelAlias computes the full canonical alias for a channel.
func (m *RoomModel) ChannelAlias(serverID, channelID string) string {
	return fmt.Sprintf("#%s:%s", m.ChannelAliasLocalpart(serverID, channelID), m.domain)
}

// ParseChannelAlias decomposes a bridged-room alias into server id and
// channel id. Both ids may contain underscores, so the server id is matched
// against the known servers instead of splitting blindly.
func (m *RoomModel) ParseChannelAlias(alias string, servers []*database.RocketchatServer) (serverID, channelID string, ok bool) {
	localpart := m.AliasLocalpart(alias)
	rest, found := strings.CutPrefix(localpart, m.prefix+"_")
	if !found {
		return "", "", false
	}
	for _, srv := range servers {
		if channel, matched := strings.CutPrefix(rest, srv.ID+"_"); matched && channel != "" {
			return srv.ID, channel, true
		}
	}
	return "", "", false
}

// VirtualUserLocalpart computes the local-part of the virtual Matrix user
// representing a Rocket.Chat user. The encoding is normative: it is the
// lookup key for "does this virtual user already exist?".
func (m *RoomModel) VirtualUserLocalpart(serverID, rocketchatUserID string) string {
	return fmt.Sprintf("%s_%s_%s", m.prefix, rocketchatUserID, serverID)
}

// VirtualUserID computes the full Matrix user id of a virtual user.
func (m *RoomModel) VirtualUserID(serverID, rocketchatUserID string) string {
	return fmt.Sprintf("@%s:%s", m.VirtualUserLocalpart(serverID, rocketchatUserID), m.domain)
}

// IsVirtualUserID reports whether a Matrix user id lies in the virtual-user
// namespace. The bot itself carries the bare prefix and is not virtual.
func (m *RoomModel) IsVirtualUserID(userID string) bool {
	return strings.HasPrefix(userID, "@"+m.prefix+"_")
}

// IsInUserNamespace reports whether a Matrix user id belongs to the
// application service (the bot or a virtual user).
func (m *RoomModel) IsInUserNamespace(userID string) bool {
	return userID == m.botUserID || m.IsVirtualUserID(userID)
}

// IsInAliasNamespace reports whether an alias belongs to the application
// service.
func (m *RoomModel) IsInAliasNamespace(alias string) bool {
	return strings.HasPrefix(alias, "#"+m.prefix+"_") &&
		strings.HasSuffix(alias, ":"+m.domain)
}

// DMMirrorAliasLocalpart computes the alias local-part of the mirror room for
// direct messages with the given Rocket.Chat user.
func (m *RoomModel) DMMirrorAliasLocalpart(otherUserID string) string {
	return otherUserID + dmMirrorSuffix
}

// DMMirrorAlias computes the full alias of a direct-message mirror room.
func (m *RoomModel) DMMirrorAlias(otherUserID string) string {
	return fmt.Sprintf("#%s:%s", m.DMMirrorAliasLocalpart(otherUserID), m.domain)
}

// IsDMMirrorAlias reports whether an alias names a direct-message mirror
// room.
func (m *RoomModel) IsDMMirrorAlias(alias string) bool {
	return strings.HasSuffix(m.AliasLocalpart(alias), dmMirrorSuffix)
}

// DMPartnerFromAlias extracts the Rocket.Chat user id of the remote
// direct-message partner from a mirror-room alias.
func (m *RoomModel) DMPartnerFromAlias(alias string) string {
	return strings.TrimSuffix(m.AliasLocalpart(alias), dmMirrorSuffix)
}

// AliasLocalpart strips the sigil and domain from a full alias. A bare
// local-part passes through unchanged.
func (m *RoomModel) AliasLocalpart(alias string) string {
	localpart := strings.TrimPrefix(alias, "#")
	localpart = strings.TrimSuffix(localpart, ":"+m.domain)
	return localpart
}

// UserIDLocalpart strips the sigil and domain from a full user id.
func (m *RoomModel) UserIDLocalpart(userID string) string {
	localpart := strings.TrimPrefix(userID, "@")
	if idx := strings.Index(localpart, ":"); idx >= 0 {
		localpart = localpart[:idx]
	}
	return localpart
}

// RoomHost extracts the server host from a Matrix room id.
func RoomHost(roomID string) string {
	if idx := strings.Index(roomID, ":"); idx >= 0 {
		return roomID[idx+1:]
	}
	return ""
}

// IsAdminRoom reports whether the room currently qualifies as an adopted
// admin room: the bot is a member, there are at most two members, and the
// room has no bridged-channel alias.
func (m *RoomModel) IsAdminRoom(ctx context.Context, roomID string) (bool, error) {
	members, err := m.matrix.GetRoomMembers(ctx, roomID)
	if err != nil {
		return false, err
	}
	botIsMember := false
	for _, member := range members {
		if member == m.botUserID {
			botIsMember = true
			break
		}
	}
	if !botIsMember || len(members) > 2 {
		return false, nil
	}

	alias, err := m.matrix.GetRoomCanonicalAlias(ctx, roomID)
	if err != nil {
		return false, err
	}
	return !m.IsInAliasNamespace(alias), nil
}

// AdminRoomUser returns the human member of an admin room, "" when the bot
// is alone.
func (m *RoomModel) AdminRoomUser(ctx context.Context, roomID string) (string, error) {
	members, err := m.matrix.GetRoomMembers(ctx, roomID)
	if err != nil {
		return "", err
	}
	for _, member := range members {
		if member != m.botUserID {
			return member, nil
		}
	}
	return "", nil
}

// ServerForAdminRoom returns the Rocket.Chat server an admin room is
// connected to, nil when the room is not connected. The binding is the room
// topic, which connect sets to the server URL.
func (m *RoomModel) ServerForAdminRoom(ctx context.Context, stores database.Stores, roomID string) (*database.RocketchatServer, error) {
	topic, err := m.matrix.GetRoomTopic(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if topic == "" {
		return nil, nil
	}
	return stores.Servers.GetByURL(ctx, topic)
}

// FilterRealMembers returns the members that are neither the bot nor virtual
// users.
func (m *RoomModel) FilterRealMembers(members []string) []string {
	var real []string
	for _, member := range members {
		if member == m.botUserID || m.IsVirtualUserID(member) {
			continue
		}
		real = append(real, member)
	}
	return real
}
