package nats_service

import (
	"context"
	"sync"

	"github.com/karthikraju391/hackmate/models"
)

// MemoryBroker is an in-process Broker for a single relay instance.
type MemoryBroker struct {
	mu     sync.Mutex
	closed bool
	rooms  map[string]*memoryRoom
	nextID int
}

type memoryRoom struct {
	log  []models.WireMessage
	subs map[int]func(models.Frame)
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{rooms: make(map[string]*memoryRoom)}
}

func (b *MemoryBroker) room(teamID string) *memoryRoom {
	r, ok := b.rooms[teamID]
	if !ok {
		r = &memoryRoom{subs: make(map[int]func(models.Frame))}
		b.rooms[teamID] = r
	}
	return r
}

func (b *MemoryBroker) PublishMessage(_ context.Context, msg models.WireMessage) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	r := b.room(msg.TeamID)
	msg.SequenceID = int64(len(r.log)) + 1
	r.log = append(r.log, msg)
	frame, err := messageFrame(msg)
	if err != nil {
		return 0, err
	}
	r.dispatch(frame)
	return msg.SequenceID, nil
}

func (b *MemoryBroker) PublishEvent(_ context.Context, teamID string, frame models.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.room(teamID).dispatch(frame)
	return nil
}

// Subscribe replays the room log and registers handler in one step, so no
// message is missed or delivered twice.
func (b *MemoryBroker) Subscribe(_ context.Context, teamID string, handler func(models.Frame)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	r := b.room(teamID)
	for _, msg := range r.log {
		frame, err := messageFrame(msg)
		if err != nil {
			return nil, err
		}
		handler(frame)
	}
	id := b.nextID
	b.nextID++
	r.subs[id] = handler
	return &memorySub{b: b, teamID: teamID, id: id}, nil
}

func (b *MemoryBroker) LatestSequence(_ context.Context, teamID string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.rooms[teamID]; ok {
		return int64(len(r.log)), nil
	}
	return 0, nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.rooms = make(map[string]*memoryRoom)
	return nil
}

// dispatch runs with the broker lock held, which keeps per-room order.
// Handlers must not block.
func (r *memoryRoom) dispatch(frame models.Frame) {
	for _, h := range r.subs {
		h(frame)
	}
}

type memorySub struct {
	b      *MemoryBroker
	teamID string
	id     int
	once   sync.Once
}

func (s *memorySub) Stop() {
	s.once.Do(func() {
		s.b.mu.Lock()
		defer s.b.mu.Unlock()
		if r, ok := s.b.rooms[s.teamID]; ok {
			delete(r.subs, s.id)
		}
	})
}
