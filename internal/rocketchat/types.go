package rocketchat

// Channel is a Rocket.Chat channel or direct-message room.
type Channel struct {
	ID string `json:"_id"`
	// Name is empty for direct-message rooms; consumers fall back to ID
	// wherever a display name is needed.
	Name      string   `json:"name"`
	Usernames []string `json:"usernames"`
}

// DisplayName returns the channel name, falling back to the id for
// direct-message rooms.
func (c Channel) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// User is a Rocket.Chat user as returned by users.info.
type User struct {
	ID       string `json:"_id"`
	Username string `json:"username"`
}

// Message is the payload of a Rocket.Chat outgoing webhook.
type Message struct {
	MessageID   string `json:"message_id"`
	Token       string `json:"token,omitempty"`
	ChannelID   string `json:"channel_id"`
	ChannelName string `json:"channel_name,omitempty"`
	UserID      string `json:"user_id"`
	UserName    string `json:"user_name"`
	Text        string `json:"text"`
}

// IsDirectMessage reports whether the webhook payload comes from a
// direct-message room (those carry no channel name).
func (m Message) IsDirectMessage() bool {
	return m.ChannelName == ""
}
