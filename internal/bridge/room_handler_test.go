package bridge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBotAcceptsLocalInvite(t *testing.T) {
	env := newTestEnv(t)
	env.matrix.addRoom("!new:example.org", "", testUser)

	evt := memberEvent("!new:example.org", testUser, testBot, "invite")
	require.NoError(t, env.rooms.Process(context.Background(), evt))

	members, _ := env.matrix.GetRoomMembers(context.Background(), "!new:example.org")
	assert.Contains(t, members, testBot)
}

func TestBotIgnoresRemoteInvite(t *testing.T) {
	env := newTestEnv(t)
	env.matrix.addRoom("!new:remote.org", "", "@stranger:remote.org")

	evt := memberEvent("!new:remote.org", "@stranger:remote.org", testBot, "invite")
	require.NoError(t, env.rooms.Process(context.Background(), evt))

	members, _ := env.matrix.GetRoomMembers(context.Background(), "!new:remote.org")
	assert.NotContains(t, members, testBot)
}

func TestBotAcceptsRemoteInviteWhenConfigured(t *testing.T) {
	env := newTestEnv(t)
	env.svc.Config.Bridge.AcceptRemoteInvites = true
	env.matrix.addRoom("!new:remote.org", "", "@stranger:remote.org")

	evt := memberEvent("!new:remote.org", "@stranger:remote.org", testBot, "invite")
	require.NoError(t, env.rooms.Process(context.Background(), evt))

	members, _ := env.matrix.GetRoomMembers(context.Background(), "!new:remote.org")
	assert.Contains(t, members, testBot)
}

func TestBotJoinAdoptsAdminRoom(t *testing.T) {
	env := newTestEnv(t)
	env.matrix.addRoom(adminRoom, "", testUser, testBot)
	env.matrix.creators[adminRoom] = testUser

	env.mock.ExpectBegin()
	env.expectNoUser(testUser)
	env.expectNoUser(testUser)
	env.expectConnectedServers()
	env.expectNoUser(testUser)
	env.mock.ExpectCommit()

	evt := memberEvent(adminRoom, testBot, testBot, "join")
	evt.Unsigned = map[string]interface{}{"prev_sender": testUser}
	require.NoError(t, env.rooms.Process(context.Background(), evt))

	assert.Equal(t, "Admin Room (Rocket.Chat)", env.matrix.names[adminRoom])
	msg := env.matrix.lastMessage()
	require.NotNil(t, msg)
	assert.Contains(t, msg.Body, "Rocket.Chat application service")
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestBotJoinRejectsNonCreatorInviter(t *testing.T) {
	env := newTestEnv(t)
	env.matrix.addRoom(adminRoom, "", testUser, testBot)
	env.matrix.creators[adminRoom] = "@someone_else:example.org"

	env.expectNoUser(testUser)

	evt := memberEvent(adminRoom, testBot, testBot, "join")
	evt.Unsigned = map[string]interface{}{"prev_sender": testUser}
	require.NoError(t, env.rooms.Process(context.Background(), evt))

	msg := env.matrix.lastMessage()
	require.NotNil(t, msg)
	assert.Contains(t, msg.Body, "Only the room creator")
	assert.Contains(t, env.matrix.left, adminRoom)
	assert.Contains(t, env.matrix.forgotten, adminRoom)
}

func TestBotJoinRejectsCrowdedRoom(t *testing.T) {
	env := newTestEnv(t)
	env.matrix.addRoom(adminRoom, "", testUser, "@bob:example.org", testBot)
	env.matrix.creators[adminRoom] = testUser

	env.expectNoUser(testUser)

	evt := memberEvent(adminRoom, testBot, testBot, "join")
	evt.Unsigned = map[string]interface{}{"prev_sender": testUser}
	require.NoError(t, env.rooms.Process(context.Background(), evt))

	msg := env.matrix.lastMessage()
	require.NotNil(t, msg)
	assert.Contains(t, msg.Body, "must only contain you and the bot")
	assert.Contains(t, env.matrix.left, adminRoom)
}

func TestBotJoinLeavesRoomWithUnknownInviter(t *testing.T) {
	env := newTestEnv(t)
	env.matrix.addRoom(adminRoom, "", testBot)

	evt := memberEvent(adminRoom, testBot, testBot, "join")
	require.NoError(t, env.rooms.Process(context.Background(), evt))

	assert.Contains(t, env.matrix.left, adminRoom)
	assert.Contains(t, env.matrix.forgotten, adminRoom)
}

func TestBotJoinSkipsBridgedRoom(t *testing.T) {
	env := newTestEnv(t)
	env.matrix.addRoom("!bridged:example.org", "#rocketchat_srv1_c1:example.org", testBot)

	evt := memberEvent("!bridged:example.org", testBot, testBot, "join")
	require.NoError(t, env.rooms.Process(context.Background(), evt))

	assert.Empty(t, env.matrix.left)
	assert.Nil(t, env.matrix.lastMessage())
}

func TestThirdMemberClosesAdminRoom(t *testing.T) {
	env := newTestEnv(t)
	env.matrix.addRoom(adminRoom, "", testBot, testUser, "@third:example.org")

	env.expectNoUser("@third:example.org")

	evt := memberEvent(adminRoom, "@third:example.org", "@third:example.org", "join")
	require.NoError(t, env.rooms.Process(context.Background(), evt))

	msg := env.matrix.lastMessage()
	require.NotNil(t, msg)
	assert.Contains(t, msg.Body, "must be private")
	assert.Contains(t, env.matrix.left, adminRoom)
	assert.Contains(t, env.matrix.forgotten, adminRoom)
}

func TestVirtualUserJoinLeavesRoomAlone(t *testing.T) {
	env := newTestEnv(t)
	virtualBob := "@rocketchat_uidBob_srv1:example.org"
	env.matrix.addRoom("!bridged:example.org", "#rocketchat_srv1_c1:example.org", testBot, testUser, virtualBob)

	evt := memberEvent("!bridged:example.org", virtualBob, virtualBob, "join")
	require.NoError(t, env.rooms.Process(context.Background(), evt))

	assert.Empty(t, env.matrix.left)
}

func TestInviterLeavingClosesAdminRoom(t *testing.T) {
	env := newTestEnv(t)
	env.matrix.addRoom(adminRoom, "", testBot)

	evt := memberEvent(adminRoom, testUser, testUser, "leave")
	require.NoError(t, env.rooms.Process(context.Background(), evt))

	assert.Contains(t, env.matrix.left, adminRoom)
	assert.Contains(t, env.matrix.forgotten, adminRoom)
}

func TestLeaveFromBridgedRoomIgnored(t *testing.T) {
	env := newTestEnv(t)
	env.matrix.addRoom("!bridged:example.org", "#rocketchat_srv1_c1:example.org", testBot, testUser)

	evt := memberEvent("!bridged:example.org", testUser, testUser, "leave")
	require.NoError(t, env.rooms.Process(context.Background(), evt))

	assert.Empty(t, env.matrix.left)
}
