package chat

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tallyhq/tally/pkg/validator"
)

// Frame types accepted from clients.
const (
	FrameMessage = "message"
	FrameTyping  = "typing"
	FramePing    = "ping"
)

// Frame types emitted to clients.
const (
	FrameHistory     = "history"
	FrameOnlineUsers = "online_users"
	FrameUserJoined  = "user_joined"
	FrameUserLeft    = "user_left"
	FrameNewMessage  = "new_message"
	FramePong        = "pong"
	FrameError       = "error"
)

// Message kinds.
const (
	KindMessage = "message"
	KindSystem  = "system"
)

const maxMessageContentLength = 4000

// Message is one immutable entry in a room's history.
type Message struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
}

// OnlineUser is one entry in a room's presence set.
type OnlineUser struct {
	UserID   string    `json:"userId"`
	UserName string    `json:"userName"`
	JoinedAt time.Time `json:"joinedAt"`
}

// ClientFrame is the tagged union of frames a client may send. Payloads are
// validated here, before they reach room logic.
type ClientFrame struct {
	Type    string `json:"type" validate:"required,oneof=message typing ping"`
	Content string `json:"content" validate:"required_if=Type message,max=4000"`
}

// DecodeClientFrame parses and validates an inbound payload.
func DecodeClientFrame(payload []byte) (ClientFrame, error) {
	var frame ClientFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return ClientFrame{}, fmt.Errorf("chat: malformed frame: %w", err)
	}

	frame.Type = strings.ToLower(strings.TrimSpace(frame.Type))
	frame.Content = strings.TrimSpace(frame.Content)

	if err := validator.ValidateStruct(frame); err != nil {
		return ClientFrame{}, fmt.Errorf("chat: invalid frame: %w", err)
	}

	return frame, nil
}

// Server frame shapes. Each frame kind has its own struct so the wire format
// stays explicit; they are marshalled once per broadcast.

type historyFrame struct {
	Type     string    `json:"type"`
	Messages []Message `json:"messages"`
}

type onlineUsersFrame struct {
	Type        string       `json:"type"`
	OnlineUsers []OnlineUser `json:"onlineUsers"`
}

type presenceChangeFrame struct {
	Type        string       `json:"type"`
	UserID      string       `json:"userId"`
	UserName    string       `json:"userName"`
	OnlineUsers []OnlineUser `json:"onlineUsers"`
}

type newMessageFrame struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

type typingFrame struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

type pongFrame struct {
	Type string `json:"type"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func encodeFrame(v any) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		// Frame structs contain only marshal-safe fields; this is unreachable
		// short of memory corruption, but never crash the room over it.
		return []byte(`{"type":"error","message":"internal encoding failure"}`)
	}
	return payload
}
