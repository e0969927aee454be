package bridge

import (
	"fmt"

	"github.com/matrix-bridges/matrix-rocketchat/internal/i18n"
)

// ErrorKind classifies the failure modes of the admin-room protocol and the
// bridge/unbridge operations.
type ErrorKind string

const (
	ErrInternal ErrorKind = "internal"

	// Admin-room protocol violations.
	ErrRoomAlreadyConnected                ErrorKind = "room_already_connected"
	ErrRoomNotConnected                    ErrorKind = "room_not_connected"
	ErrConnectWithoutRocketchatServerID    ErrorKind = "connect_without_rocketchat_server_id"
	ErrConnectWithInvalidRocketchatServerID ErrorKind = "connect_with_invalid_rocketchat_server_id"
	ErrRocketchatServerIDAlreadyInUse      ErrorKind = "rocketchat_server_id_already_in_use"
	ErrRocketchatServerAlreadyConnected    ErrorKind = "rocketchat_server_already_connected"
	ErrRocketchatTokenAlreadyInUse         ErrorKind = "token_already_in_use"
	ErrRocketchatTokenMissing              ErrorKind = "rocketchat_token_missing"
	ErrNoRocketchatServer                  ErrorKind = "no_rocketchat_server"
	ErrRocketchatAPINotSupported           ErrorKind = "rocketchat_api_not_supported"
	ErrLoginFailed                         ErrorKind = "login_failed"
	ErrNotLoggedIn                         ErrorKind = "not_logged_in"

	// Bridge/unbridge violations.
	ErrRocketchatChannelNotFound      ErrorKind = "rocketchat_channel_not_found"
	ErrRocketchatJoinFirst            ErrorKind = "rocketchat_join_first"
	ErrRocketchatChannelAlreadyBridged ErrorKind = "rocketchat_channel_already_bridged"
	ErrUnbridgeOfNotBridgedRoom       ErrorKind = "unbridge_of_not_bridged_room"
	ErrRoomNotEmpty                   ErrorKind = "room_not_empty"

	// Admin-room validation.
	ErrInviterUnknown                 ErrorKind = "inviter_unknown"
	ErrOnlyRoomCreatorCanInviteBot    ErrorKind = "only_room_creator_can_invite_bot_user"
	ErrTooManyMembersInRoom           ErrorKind = "too_many_members_in_room"
)

// Error is the bridge's error type: an internal cause plus an optional
// localized user-visible message. Errors without a user message are logged
// only; errors with one are posted back into the originating Matrix room.
type Error struct {
	Kind        ErrorKind
	UserMessage *i18n.Message
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// newUserError creates an error whose localized message is posted back to the
// user. The message key is derived from the kind.
func newUserError(kind ErrorKind, cause error) *Error {
	msg := i18n.T("errors." + string(kind))
	return &Error{Kind: kind, UserMessage: &msg, Cause: cause}
}

// withVar attaches a substitution variable to the error's user message.
func (e *Error) withVar(name, value string) *Error {
	if e.UserMessage != nil {
		msg := e.UserMessage.With(name, value)
		e.UserMessage = &msg
	}
	return e
}

// internalError wraps a cause as an internal error with the generic
// user-visible message.
func internalError(cause error) *Error {
	return newUserError(ErrInternal, cause)
}
