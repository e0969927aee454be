package bridge

import (
	"context"
	"errors"
)

// MatrixEvent is a single event out of an application-service transaction.
type MatrixEvent struct {
	ID             string                 `json:"event_id"`
	Type           string                 `json:"type"`
	RoomID         string                 `json:"room_id"`
	Sender         string                 `json:"sender"`
	StateKey       *string                `json:"state_key,omitempty"`
	Content        map[string]interface{} `json:"content"`
	Unsigned       map[string]interface{} `json:"unsigned,omitempty"`
	OriginServerTS int64                  `json:"origin_server_ts"`
}

// EventDispatcher routes transaction events to the membership and message
// handlers and centralizes error reporting: an error carrying a user-visible
// message is posted back into the originating room as the bot.
type EventDispatcher struct {
	svc      *Services
	rooms    *RoomHandler
	messages *MessageHandler
}

// NewEventDispatcher creates the dispatcher over the shared services.
func NewEventDispatcher(svc *Services, rooms *RoomHandler, messages *MessageHandler) *EventDispatcher {
	return &EventDispatcher{svc: svc, rooms: rooms, messages: messages}
}

// Dispatch processes one event. The returned error has already been reported
// to the user where possible; callers only log it.
func (d *EventDispatcher) Dispatch(ctx context.Context, evt *MatrixEvent) error {
	var err error
	switch evt.Type {
	case "m.room.member":
		err = d.rooms.Process(ctx, evt)
	case "m.room.message":
		err = d.messages.Process(ctx, evt)
	default:
		d.svc.Log.Debug("ignoring event type", "type", evt.Type, "event_id", evt.ID)
		return nil
	}

	if err != nil {
		d.notifyUser(ctx, evt, err)
	}
	return err
}

// notifyUser posts the localized user message of an error into the room the
// event came from. Errors without a user message, and failures to post, are
// left to the caller's log.
func (d *EventDispatcher) notifyUser(ctx context.Context, evt *MatrixEvent, err error) {
	var bridgeErr *Error
	if !errors.As(err, &bridgeErr) || bridgeErr.UserMessage == nil {
		return
	}

	language := d.svc.userLanguage(ctx, d.svc.DB.Stores, evt.Sender)
	body := bridgeErr.UserMessage.Localize(language)
	if sendErr := d.svc.Matrix.SendTextMessage(ctx, evt.RoomID, d.svc.Config.BotUserID(), body); sendErr != nil {
		d.svc.Log.Error("posting error message to room failed",
			"room_id", evt.RoomID, "error", sendErr, "original_error", err)
	}
}
