package main

import (
	"encoding/json"
	"time"
)

type User struct {
	ID              int       `json:"id"`
	Username        string    `json:"username"`
	PasswordHash    string    `json:"-"`
	Status          string    `json:"status"`
	StatusTimestamp time.Time `json:"status_timestamp"`
}

type Room struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Private bool   `json:"private"`
	OwnerID *int   `json:"owner_id"`
}

type RoomMember struct {
	ID     int `json:"id"`
	RoomID int `json:"room_id"`
	UserID int `json:"user_id"`
}

// Message rows are keyed by room *name* and sender *username*, not by the
// rooms/users tables. Deleting or renaming a room never touches its history.
type Message struct {
	ID         int       `json:"id"`
	Room       string    `json:"room"`
	Sender     string    `json:"sender"`
	Text       *string   `json:"text"`
	Attachment *string   `json:"attachment"`
	Timestamp  time.Time `json:"timestamp"`
	Read       bool      `json:"read"`
}

// MessagePayload is the wire form of a Message. Timestamp is ISO-8601 with a
// literal trailing "Z"; clients order by id/timestamp, not arrival order.
type MessagePayload struct {
	ID         int     `json:"id"`
	Room       string  `json:"room"`
	Sender     string  `json:"sender"`
	Text       *string `json:"text"`
	Attachment *string `json:"attachment"`
	Timestamp  string  `json:"timestamp"`
	Read       bool    `json:"read"`
}

func (m *Message) Serialize() MessagePayload {
	return MessagePayload{
		ID:         m.ID,
		Room:       m.Room,
		Sender:     m.Sender,
		Text:       m.Text,
		Attachment: m.Attachment,
		Timestamp:  m.Timestamp.UTC().Format("2006-01-02T15:04:05.999999") + "Z",
		Read:       m.Read,
	}
}

// WebSocket envelope and event payloads

type WSMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type JoinData struct {
	Room string `json:"room"`
}

type SendMessageData struct {
	Room       string `json:"room"`
	Text       string `json:"text"`
	Attachment string `json:"attachment"`
}

type TypingData struct {
	Room   string `json:"room"`
	Typing bool   `json:"typing"`
}

type SignalData struct {
	Room      string          `json:"room"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

type UserJoinedData struct {
	Room     string `json:"room"`
	Username string `json:"username"`
}

type UserTypingData struct {
	Room     string `json:"room"`
	Username string `json:"username"`
	Typing   bool   `json:"typing"`
}

type ErrorData struct {
	Msg string `json:"msg"`
}
