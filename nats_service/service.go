package nats_service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/karthikraju391/hackmate/config"
	"github.com/karthikraju391/hackmate/models"
	"github.com/karthikraju391/hackmate/observability"
)

// NatsService is a Broker backed by NATS: chat messages go to a JetStream
// stream, events over core NATS.
type NatsService struct {
	js     jetstream.JetStream
	nc     *nats.Conn
	stream string
	prefix string
	logger *slog.Logger
}

// NewNatsService connects to NATS and initializes JetStream
func NewNatsService(cfg config.Relay, logger *slog.Logger) (*NatsService, error) {
	logger = observability.Component(logger, "nats")
	nc, err := nats.Connect(cfg.NatsURL, nats.Name("hackmate-relay"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc) // creating a jetstream instance for the above created nats connection
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	// Ensure stream exists
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := &NatsService{js: js, nc: nc, stream: cfg.StreamName, prefix: cfg.SubjectPrefix, logger: logger}
	stream, err := js.Stream(ctx, cfg.StreamName)
	if err != nil {
		logger.Info("stream not found, creating", "stream", cfg.StreamName)
		streamCfg := jetstream.StreamConfig{
			Name:        cfg.StreamName,
			Description: "Team room chat messages",
			Subjects:    []string{fmt.Sprintf("%s.*.messages", cfg.SubjectPrefix)},
			MaxAge:      24 * time.Hour,
			Storage:     jetstream.FileStorage,
			Duplicates:  2 * time.Minute, // dedup window for Nats-Msg-Id
		}
		if _, err = js.CreateStream(ctx, streamCfg); err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to create stream '%s': %w", cfg.StreamName, err)
		}
		logger.Info("stream created", "stream", cfg.StreamName)
	} else {
		logger.Info("found existing stream", "stream", stream.CachedInfo().Config.Name)
	}

	return s, nil
}

// Close NATS connection
func (s *NatsService) Close() error {
	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}

func (s *NatsService) messageSubject(teamID string) string {
	return fmt.Sprintf("%s.%s.messages", s.prefix, teamID)
}

func (s *NatsService) eventSubject(teamID string) string {
	return fmt.Sprintf("%s.%s.events", s.prefix, teamID)
}

// PublishMessage stores msg in the stream. The stream sequence becomes the
// message's sequence id.
func (s *NatsService) PublishMessage(ctx context.Context, msg models.WireMessage) (int64, error) {
	subject := s.messageSubject(msg.TeamID)
	msgData, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal message: %w", err)
	}

	ack, err := s.js.Publish(ctx, subject, msgData, jetstream.WithMsgID(msg.MessageID))
	if err != nil {
		return 0, fmt.Errorf("failed to publish message to subject '%s': %w", subject, err)
	}
	s.logger.Debug("published message", "subject", subject, "message_id", msg.MessageID, "seq", ack.Sequence)
	return int64(ack.Sequence), nil
}

func (s *NatsService) PublishEvent(_ context.Context, teamID string, frame models.Frame) error {
	subject := s.eventSubject(teamID)
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", frame.Type, err)
	}
	if err := s.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish event to subject '%s': %w", subject, err)
	}
	return nil
}

// Subscribe replays the room's retained messages through an ephemeral
// consumer and follows live events on the core subject.
func (s *NatsService) Subscribe(ctx context.Context, teamID string, handler func(models.Frame)) (Subscription, error) {
	subject := s.messageSubject(teamID)
	cons, err := s.js.CreateOrUpdateConsumer(ctx, s.stream, jetstream.ConsumerConfig{
		FilterSubject:     subject,
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		AckPolicy:         jetstream.AckNonePolicy,
		InactiveThreshold: time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for subject '%s': %w", subject, err)
	}

	consumeCtx, err := cons.Consume(func(jsMsg jetstream.Msg) {
		var msg models.WireMessage
		if err := json.Unmarshal(jsMsg.Data(), &msg); err != nil {
			s.logger.Warn("unmarshaling message", "subject", jsMsg.Subject(), "err", err)
			return
		}
		if meta, err := jsMsg.Metadata(); err == nil {
			msg.SequenceID = int64(meta.Sequence.Stream)
		}
		frame, err := messageFrame(msg)
		if err != nil {
			s.logger.Warn("building message frame", "err", err)
			return
		}
		handler(frame)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming from subject '%s': %w", subject, err)
	}

	sub, err := s.nc.Subscribe(s.eventSubject(teamID), func(m *nats.Msg) {
		var frame models.Frame
		if err := json.Unmarshal(m.Data, &frame); err != nil {
			s.logger.Warn("unmarshaling event", "subject", m.Subject, "err", err)
			return
		}
		handler(frame)
	})
	if err != nil {
		consumeCtx.Stop()
		return nil, fmt.Errorf("failed to subscribe to events of '%s': %w", teamID, err)
	}
	s.logger.Debug("subscribed", "team_id", teamID)
	return &natsSub{consume: consumeCtx, events: sub}, nil
}

func (s *NatsService) LatestSequence(ctx context.Context, teamID string) (int64, error) {
	stream, err := s.js.Stream(ctx, s.stream)
	if err != nil {
		return 0, fmt.Errorf("failed to look up stream '%s': %w", s.stream, err)
	}
	last, err := stream.GetLastMsgForSubject(ctx, s.messageSubject(teamID))
	if errors.Is(err, jetstream.ErrMsgNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read last message of '%s': %w", teamID, err)
	}
	return int64(last.Sequence), nil
}

type natsSub struct {
	consume jetstream.ConsumeContext
	events  *nats.Subscription
}

func (n *natsSub) Stop() {
	n.consume.Stop()
	_ = n.events.Unsubscribe()
}
