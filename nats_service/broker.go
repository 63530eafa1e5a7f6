package nats_service

import (
	"context"
	"errors"

	"github.com/karthikraju391/hackmate/models"
)

var ErrClosed = errors.New("nats_service: broker closed")

// Broker fans team-room traffic out to every relay connection in the room.
// Chat messages are retained and replayed to new subscribers; events (read
// receipts, typing, presence) are delivered live only.
type Broker interface {
	// PublishMessage stores msg and returns its room sequence number.
	PublishMessage(ctx context.Context, msg models.WireMessage) (int64, error)
	PublishEvent(ctx context.Context, teamID string, frame models.Frame) error
	// Subscribe delivers retained messages as chat.message frames, then live
	// messages and events, until the subscription is stopped.
	Subscribe(ctx context.Context, teamID string, handler func(models.Frame)) (Subscription, error)
	LatestSequence(ctx context.Context, teamID string) (int64, error)
	Close() error
}

type Subscription interface {
	Stop()
}

func messageFrame(msg models.WireMessage) (models.Frame, error) {
	return models.NewFrame(models.FrameMessage, models.MessagePayload{Message: msg})
}
