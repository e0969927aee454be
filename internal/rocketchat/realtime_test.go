package rocketchat

import (
	"encoding/json"
	"testing"
)

func TestWSEndpoint(t *testing.T) {
	tests := []struct {
		baseURL string
		want    string
	}{
		{"https://rc.example", "wss://rc.example/websocket"},
		{"http://rc.example:3000", "ws://rc.example:3000/websocket"},
		{"https://rc.example/", "wss://rc.example/websocket"},
	}
	for _, tc := range tests {
		if got := wsEndpoint(tc.baseURL); got != tc.want {
			t.Errorf("wsEndpoint(%q) = %q, want %q", tc.baseURL, got, tc.want)
		}
	}
}

func TestParseTypingEvent(t *testing.T) {
	frame := ddpMessage{
		Msg:        "changed",
		Collection: "stream-notify-room",
		Fields:     json.RawMessage(`{"eventName":"c1/typing","args":["alice",true]}`),
	}

	evt, ok := parseTypingEvent(frame)
	if !ok {
		t.Fatal("expected typing event")
	}
	if evt.ChannelID != "c1" || evt.Username != "alice" || !evt.Typing {
		t.Errorf("unexpected event %+v", evt)
	}
}

func TestParseTypingEventStopped(t *testing.T) {
	frame := ddpMessage{
		Msg:        "changed",
		Collection: "stream-notify-room",
		Fields:     json.RawMessage(`{"eventName":"c1/typing","args":["alice",false]}`),
	}

	evt, ok := parseTypingEvent(frame)
	if !ok || evt.Typing {
		t.Errorf("expected stopped-typing event, got %+v ok=%v", evt, ok)
	}
}

func TestParseTypingEventIgnoresOtherFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame ddpMessage
	}{
		{"wrong collection", ddpMessage{
			Collection: "stream-room-messages",
			Fields:     json.RawMessage(`{"eventName":"c1/typing","args":["alice",true]}`),
		}},
		{"wrong event kind", ddpMessage{
			Collection: "stream-notify-room",
			Fields:     json.RawMessage(`{"eventName":"c1/deleteMessage","args":["alice",true]}`),
		}},
		{"missing args", ddpMessage{
			Collection: "stream-notify-room",
			Fields:     json.RawMessage(`{"eventName":"c1/typing","args":["alice"]}`),
		}},
		{"no fields", ddpMessage{Collection: "stream-notify-room"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, ok := parseTypingEvent(tc.frame); ok {
				t.Error("frame unexpectedly parsed as typing event")
			}
		})
	}
}

// Channel ids may contain slashes only in the event kind separator position;
// the parser splits on the first one.
func TestParseTypingEventEventNameSplit(t *testing.T) {
	frame := ddpMessage{
		Collection: "stream-notify-room",
		Fields:     json.RawMessage(`{"eventName":"GENERAL/typing","args":["bob",true]}`),
	}
	evt, ok := parseTypingEvent(frame)
	if !ok || evt.ChannelID != "GENERAL" {
		t.Errorf("unexpected parse result %+v ok=%v", evt, ok)
	}
}
