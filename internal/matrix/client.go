package matrix

import (
	"context"
	"time"
)

// Client is the behavioral contract of the Matrix homeserver operations the
// bridge needs. The production implementation wraps the client-server API
// with application-service authentication; test doubles implement the same
// contract.
type Client interface {
	// CreateRoom creates a room as creatorID and returns the room id. The
	// alias local-part is registered with the room when non-empty.
	CreateRoom(ctx context.Context, name, aliasLocalpart, creatorID string) (string, error)
	// SetDefaultPowerLevels installs the bridged-room power levels: the bot
	// at 100, the bridging user at 50, everyone else at the default 0;
	// state changes require 50, messages 0.
	SetDefaultPowerLevels(ctx context.Context, roomID, botUserID, bridgeUserID string) error
	// Invite invites userID into roomID on behalf of inviterID.
	Invite(ctx context.Context, roomID, userID, inviterID string) error
	// Join joins userID into roomID.
	Join(ctx context.Context, roomID, userID string) error
	// LeaveRoom makes userID leave roomID.
	LeaveRoom(ctx context.Context, roomID, userID string) error
	// ForgetRoom forgets roomID for userID.
	ForgetRoom(ctx context.Context, roomID, userID string) error
	// PutCanonicalRoomAlias sets the canonical alias of a room. An empty
	// alias clears it.
	PutCanonicalRoomAlias(ctx context.Context, roomID, alias string) error
	// GetRoomCanonicalAlias returns the canonical alias of a room, or ""
	// when none is set.
	GetRoomCanonicalAlias(ctx context.Context, roomID string) (string, error)
	// DeleteRoomAlias removes an alias from the room directory.
	DeleteRoomAlias(ctx context.Context, alias string) error
	// ResolveAlias returns the room id an alias points to, or "" when the
	// alias does not exist.
	ResolveAlias(ctx context.Context, alias string) (string, error)
	// SetRoomTopic sets the topic of a room.
	SetRoomTopic(ctx context.Context, roomID, topic string) error
	// GetRoomTopic returns the topic of a room, or "" when none is set.
	GetRoomTopic(ctx context.Context, roomID string) (string, error)
	// SetRoomName sets the display name of a room.
	SetRoomName(ctx context.Context, roomID, name string) error
	// SendTextMessage sends an m.text message into a room as senderID.
	SendTextMessage(ctx context.Context, roomID, senderID, body string) error
	// GetRoomCreator returns the user id that created a room.
	GetRoomCreator(ctx context.Context, roomID string) (string, error)
	// GetRoomMembers returns the user ids currently joined to or invited
	// into a room.
	GetRoomMembers(ctx context.Context, roomID string) ([]string, error)
	// SetDisplayName sets the display name of a user the appservice owns.
	SetDisplayName(ctx context.Context, userID, displayName string) error
	// RegisterVirtualUser registers an appservice-owned user. Registering a
	// local-part that already exists is not an error.
	RegisterVirtualUser(ctx context.Context, localpart string) error
	// SetTyping sends a typing notification for userID in roomID.
	SetTyping(ctx context.Context, roomID, userID string, typing bool, timeout time.Duration) error
}
