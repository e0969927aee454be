package bridge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchIgnoresUnknownEventTypes(t *testing.T) {
	env := newTestEnv(t)

	evt := &MatrixEvent{ID: "$1", Type: "m.room.topic", RoomID: adminRoom, Sender: testUser}
	require.NoError(t, env.dispatch.Dispatch(context.Background(), evt))
	assert.Nil(t, env.matrix.lastMessage())
}

func TestDispatchPostsUserErrorIntoRoom(t *testing.T) {
	env := newTestEnv(t)
	env.matrix.addRoom(adminRoom, "", testBot, testUser)

	// An admin-room login without a connected server fails with an error that
	// carries a user-visible message.
	env.mock.ExpectBegin()
	env.mock.ExpectRollback()
	env.expectNoUser(testUser)

	evt := textEvent(adminRoom, testUser, "login alice secret")
	err := env.dispatch.Dispatch(context.Background(), evt)
	require.Error(t, err)

	msg := env.matrix.lastMessage()
	require.NotNil(t, msg)
	assert.Equal(t, testBot, msg.Sender)
	assert.Equal(t, adminRoom, msg.RoomID)
	assert.Contains(t, msg.Body, "not connected to a Rocket.Chat server")
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestDispatchMembershipEvent(t *testing.T) {
	env := newTestEnv(t)
	env.matrix.addRoom("!new:example.org", "", testUser)

	evt := memberEvent("!new:example.org", testUser, testBot, "invite")
	require.NoError(t, env.dispatch.Dispatch(context.Background(), evt))

	members, _ := env.matrix.GetRoomMembers(context.Background(), "!new:example.org")
	assert.Contains(t, members, testBot)
}
