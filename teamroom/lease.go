package teamroom

import (
	"context"
	"sync"

	"github.com/karthikraju391/hackmate/models"
)

// Lease is the scoped occupancy of one team room. Entering another room
// supersedes it; Leave is idempotent and a superseded lease's Leave does
// nothing.
type Lease struct {
	c      *Client
	teamID string
	gen    uint64
	once   sync.Once
}

// EnterRoom makes teamID the active room. The room is joined as soon as the
// session is connected.
func (c *Client) EnterRoom(ctx context.Context, teamID string) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.roomMu.Lock()
	defer c.roomMu.Unlock()
	if err := c.pipeline.EnterRoom(teamID); err != nil {
		return nil, err
	}
	c.roomGen++
	c.logger.Info("entered room", "team_id", c.pipeline.Room())
	return &Lease{c: c, teamID: c.pipeline.Room(), gen: c.roomGen}, nil
}

// WithRoom runs fn inside teamID's room and leaves it on every exit path,
// including errors and panics.
func (c *Client) WithRoom(ctx context.Context, teamID string, fn func(*Lease) error) error {
	lease, err := c.EnterRoom(ctx, teamID)
	if err != nil {
		return err
	}
	defer lease.Leave()
	return fn(lease)
}

func (l *Lease) TeamID() string { return l.teamID }

// Send posts text to the leased room.
func (l *Lease) Send(text string) (models.Message, error) {
	return l.c.pipeline.SendMessage(l.teamID, text)
}

// Messages returns the room's messages in presentation order.
func (l *Lease) Messages() []models.Message {
	return l.c.pipeline.Messages()
}

// Leave releases the room unless a later EnterRoom already replaced it.
func (l *Lease) Leave() {
	l.once.Do(func() {
		l.c.roomMu.Lock()
		defer l.c.roomMu.Unlock()
		if l.c.roomGen != l.gen {
			return
		}
		l.c.pipeline.LeaveRoom()
		l.c.logger.Info("left room", "team_id", l.teamID)
	})
}
