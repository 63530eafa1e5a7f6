package models

import (
	"fmt"
	"time"
)

// Status is the delivery state of a chat message. Values are ordered: a
// message only ever moves to a greater Status.
type Status int

const (
	StatusSent      Status = iota + 1 // appended locally, not yet acknowledged
	StatusDelivered                   // acknowledged by the relay, or received
	StatusSeen                        // read receipt observed
)

func (s Status) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusSeen:
		return "seen"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Valid reports whether s is one of the three known statuses.
func (s Status) Valid() bool {
	return s >= StatusSent && s <= StatusSeen
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("models: invalid status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "sent":
		*s = StatusSent
	case "delivered":
		*s = StatusDelivered
	case "seen":
		*s = StatusSeen
	default:
		return fmt.Errorf("models: unknown status %q", string(b))
	}
	return nil
}

// Message represents a chat message in a team room
type Message struct {
	ID          int64     `json:"id"`                    // Local id, assigned in append order
	ServerID    string    `json:"serverId,omitempty"`    // Relay-assigned id, known after ack
	ClientID    string    `json:"clientId,omitempty"`    // Idempotency key for outbound messages
	TeamID      string    `json:"teamId"`                // Team room the message belongs to
	SenderID    string    `json:"senderId"`              // ID of the user sending the message
	SenderAlias string    `json:"senderAlias,omitempty"` // Display name of the sender
	Text        string    `json:"text"`                  // Message content, trimmed
	SentAt      time.Time `json:"sentAt"`                // Client-local time for optimistic display
	Sequence    int64     `json:"sequence,omitempty"`    // Relay sequence number, zero until known
	Status      Status    `json:"status"`
}
