package messaging

import (
	"slices"
	"strings"

	"github.com/karthikraju391/hackmate/models"
)

func (p *Pipeline) handleJoined(f models.Frame) error {
	var joined models.JoinedPayload
	if err := f.Decode(&joined); err != nil {
		return err
	}
	p.mu.Lock()
	if joined.TeamID != p.room {
		p.mu.Unlock()
		return nil
	}
	clear(p.roster)
	for _, m := range joined.Members {
		if m.Status != models.PresenceOffline {
			p.roster[m.UserID] = m
		}
	}
	p.logger.Debug("joined room", "team_id", joined.TeamID, "latest_sequence_id", joined.LatestSequenceID, "members", len(p.roster))
	p.publish(Change{Kind: PresenceChanged, TeamID: p.room})
	return nil
}

func (p *Pipeline) handlePresence(f models.Frame) error {
	var u models.PresencePayload
	if err := f.Decode(&u); err != nil {
		return err
	}
	p.mu.Lock()
	if u.TeamID != p.room || p.room == "" {
		p.mu.Unlock()
		return nil
	}
	if u.Status == models.PresenceOffline {
		delete(p.roster, u.UserID)
		delete(p.typing, u.UserID)
	} else {
		p.roster[u.UserID] = u
	}
	p.publish(Change{Kind: PresenceChanged, TeamID: p.room})
	return nil
}

func (p *Pipeline) handleTyping(f models.Frame) error {
	var t models.TypingPayload
	if err := f.Decode(&t); err != nil {
		return err
	}
	p.mu.Lock()
	if t.TeamID != p.room || p.room == "" || t.UserID == p.userID {
		p.mu.Unlock()
		return nil
	}
	p.typing[t.UserID] = p.now()
	p.publish(Change{Kind: TypingChanged, TeamID: p.room})
	return nil
}

// Roster returns the members present in the active room, ordered by user id.
func (p *Pipeline) Roster() []models.PresencePayload {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.PresencePayload, 0, len(p.roster))
	for _, m := range p.roster {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b models.PresencePayload) int {
		return strings.Compare(a.UserID, b.UserID)
	})
	return out
}

// Typing returns the users who signalled typing within the typing TTL,
// ordered by user id. Expired entries are dropped.
func (p *Pipeline) Typing() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	var out []string
	for user, at := range p.typing {
		if now.Sub(at) >= p.typingTTL {
			delete(p.typing, user)
			continue
		}
		out = append(out, user)
	}
	slices.Sort(out)
	return out
}

// SendTyping tells the room the local user is typing. It is dropped when not
// connected.
func (p *Pipeline) SendTyping() error {
	p.mu.Lock()
	room, user, connected := p.room, p.userID, p.connected
	p.mu.Unlock()
	if room == "" {
		return ErrRoomNotActive
	}
	if !connected {
		return nil
	}
	frame, err := models.NewFrame(models.FrameTyping, models.TypingPayload{TeamID: room, UserID: user})
	if err != nil {
		return err
	}
	return p.sess.Send(frame)
}
