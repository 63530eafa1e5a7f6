package models

import (
	"encoding/json"
	"fmt"
)

// Frame types exchanged over the team-room websocket.
const (
	FrameJoin     = "chat.join"
	FrameJoined   = "chat.joined"
	FrameSend     = "chat.send"
	FrameAck      = "chat.ack"
	FrameMessage  = "chat.message"
	FrameRead     = "chat.read"
	FrameReceipt  = "chat.receipt"
	FrameTyping   = "chat.typing"
	FramePresence = "presence.update"
	FrameError    = "chat.error"
)

// Frame is the envelope for every websocket message in both directions.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewFrame marshals payload into a frame of the given type.
func NewFrame(frameType string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("models: marshal %s payload: %w", frameType, err)
	}
	return Frame{Type: frameType, Payload: raw}, nil
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("models: %s frame has no payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("models: decode %s payload: %w", f.Type, err)
	}
	return nil
}

type JoinPayload struct {
	TeamID string `json:"team_id"`
}

type JoinedPayload struct {
	TeamID           string            `json:"team_id"`
	LatestSequenceID int64             `json:"latest_sequence_id"`
	ServerTime       string            `json:"server_time"`
	Members          []PresencePayload `json:"members,omitempty"`
}

type SendPayload struct {
	TeamID          string `json:"team_id"`
	ClientMessageID string `json:"client_message_id"`
	Body            string `json:"body"`
}

type AckPayload struct {
	ClientMessageID string `json:"client_message_id"`
	MessageID       string `json:"message_id"`
	SequenceID      int64  `json:"sequence_id"`
	Duplicate       bool   `json:"duplicate,omitempty"`
}

// WireMessage is a message as the relay broadcasts it.
type WireMessage struct {
	MessageID       string `json:"message_id"`
	ClientMessageID string `json:"client_message_id,omitempty"`
	TeamID          string `json:"team_id"`
	SenderID        string `json:"sender_id"`
	SenderAlias     string `json:"sender_alias,omitempty"`
	Body            string `json:"body"`
	SequenceID      int64  `json:"sequence_id"`
	SentAt          string `json:"sent_at"`
}

type MessagePayload struct {
	Message WireMessage `json:"message"`
}

// ReadPayload is sent by a client after it displayed a message.
type ReadPayload struct {
	TeamID    string `json:"team_id"`
	MessageID string `json:"message_id"`
}

// ReceiptPayload tells room members that ReaderID has read MessageID.
type ReceiptPayload struct {
	TeamID    string `json:"team_id"`
	MessageID string `json:"message_id"`
	ReaderID  string `json:"reader_id"`
}

type TypingPayload struct {
	TeamID string `json:"team_id"`
	UserID string `json:"user_id"`
}

type PresenceStatus string

const (
	PresenceActive  PresenceStatus = "active"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

type PresencePayload struct {
	TeamID string         `json:"team_id"`
	UserID string         `json:"user_id"`
	Alias  string         `json:"alias,omitempty"`
	Status PresenceStatus `json:"status"`
}

type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}
