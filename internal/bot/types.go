// Package bot bridges a long-poll messaging-bot API to the conversation
// loop: inbound text updates are rate-limited per sender and answered
// with a single final message per turn.
package bot

// Update is one long-poll result entry.
type Update struct {
	UpdateID int64            `json:"update_id"`
	Message  *IncomingMessage `json:"message"`
}

// IncomingMessage is a received chat message. Non-text payloads leave
// Text empty and are ignored by the bridge.
type IncomingMessage struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from"`
	Chat      Chat   `json:"chat"`
	Date      int64  `json:"date"`
	Text      string `json:"text"`
}

// User identifies a message sender.
type User struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

// Chat identifies the conversation on the bot side.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"` // private, group, ...
}
