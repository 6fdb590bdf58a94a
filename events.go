package main

import (
	"encoding/json"
	"log/slog"
	"strings"
)

const defaultRoom = "global"

func (c *WSClient) handleMessage(msg WSMessage) {
	switch msg.Type {
	case "join":
		c.handleJoin(msg.Data)
	case "send_message":
		c.handleSendMessage(msg.Data)
	case "typing":
		c.handleTyping(msg.Data)
	case "offer", "answer", "ice-candidate", "end_call":
		c.handleSignal(msg.Type, msg.Data)
	default:
		slog.Warn("unknown message type", "type", msg.Type)
	}
}

func roomOrDefault(room string) string {
	room = strings.TrimSpace(room)
	if room == "" {
		return defaultRoom
	}
	return room
}

func (c *WSClient) handleJoin(data json.RawMessage) {
	var join JoinData
	if err := json.Unmarshal(data, &join); err != nil {
		slog.Warn("invalid join data", "error", err)
		return
	}

	c.manager.JoinRoom(c, roomOrDefault(join.Room))
}

// handleSendMessage is the message pipeline: validate, authorize the room
// again (membership can be revoked between join and send), persist, then
// broadcast to the whole room including the sender.
func (c *WSClient) handleSendMessage(data json.RawMessage) {
	var send SendMessageData
	if err := json.Unmarshal(data, &send); err != nil {
		slog.Warn("invalid send_message data", "error", err)
		return
	}

	room := roomOrDefault(send.Room)
	text := strings.TrimSpace(send.Text)
	if text == "" && send.Attachment == "" {
		// Empty messages are dropped without an error event
		return
	}

	access, err := c.manager.authority.CanAccess(c.session.UserID, room)
	if err != nil {
		slog.Error("membership check failed", "room", room, "error", err)
		return
	}
	if access == AccessDenied {
		c.sendEvent("error", ErrorData{Msg: "access denied to private room"})
		return
	}

	message, err := c.manager.db.SaveMessage(room, c.session.Username, text, send.Attachment)
	if err != nil {
		slog.Error("failed to persist message", "room", room, "error", err)
		return
	}

	c.manager.BroadcastToRoom(room, "new_message", message.Serialize(), nil)
}

func (c *WSClient) handleTyping(data json.RawMessage) {
	var typing TypingData
	if err := json.Unmarshal(data, &typing); err != nil {
		slog.Warn("invalid typing data", "error", err)
		return
	}

	room := roomOrDefault(typing.Room)
	c.manager.BroadcastToRoom(room, "user_typing", UserTypingData{
		Room:     room,
		Username: c.session.Username,
		Typing:   typing.Typing,
	}, c)
}

// handleSignal relays call-setup events to the other subscribers of the room.
// Payloads pass through opaque and unvalidated; there is no membership check
// on this path (see DESIGN.md).
func (c *WSClient) handleSignal(kind string, data json.RawMessage) {
	var signal SignalData
	if err := json.Unmarshal(data, &signal); err != nil {
		slog.Warn("invalid signaling data", "type", kind, "error", err)
		return
	}

	room := strings.TrimSpace(signal.Room)
	if room == "" {
		return
	}

	switch kind {
	case "offer":
		c.manager.BroadcastToRoom(room, "offer", map[string]json.RawMessage{"offer": signal.Offer}, c)
	case "answer":
		c.manager.BroadcastToRoom(room, "answer", map[string]json.RawMessage{"answer": signal.Answer}, c)
	case "ice-candidate":
		c.manager.BroadcastToRoom(room, "ice-candidate", map[string]json.RawMessage{"candidate": signal.Candidate}, c)
	case "end_call":
		c.manager.BroadcastToRoom(room, "end_call", map[string]string{}, c)
	}
}
