package chat

import "time"

// Message is one entry of a room's log. ID, SenderID, Timestamp and ReplyTo
// never change after creation; Text and Edited change on edit.
type Message struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"senderId"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	ReplyTo   string    `json:"replyTo,omitempty"`
	Edited    bool      `json:"edited"`
}
