package presence

import (
	"errors"
	"time"

	"github.com/codepit/codepit/pkg/events"
	"github.com/codepit/codepit/pkg/store"
	"github.com/codepit/codepit/pkg/types"
)

// Tracker maintains who is live in each room. Membership rows persist
// in the store; the tracker adds the transition logic that keeps the
// cached participant counters honest.
type Tracker struct {
	store  *store.Store
	broker *events.Broker
}

// NewTracker wires a presence tracker.
func NewTracker(st *store.Store, broker *events.Broker) *Tracker {
	return &Tracker{store: st, broker: broker}
}

// Join records a user entering a room and returns their membership.
// Rejoins keep the original color and join time; the room's counter
// only moves on an inactive-to-active transition.
func (t *Tracker) Join(roomID, userID string) (*types.Participant, error) {
	prev, err := t.store.GetParticipant(roomID, userID)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}
	wasActive := err == nil && prev.IsActive

	p, err := t.store.JoinRoom(roomID, userID)
	if err != nil {
		return nil, err
	}
	if !wasActive {
		if err := t.store.AdjustParticipantCount(roomID, 1); err != nil {
			return nil, err
		}
		if t.broker != nil {
			t.broker.PublishRoom(events.EventRoomJoined, roomID)
		}
	}
	_ = t.store.TouchRoom(roomID)
	return p, nil
}

// Leave marks a user inactive. Leaving twice is harmless.
func (t *Tracker) Leave(roomID, userID string) error {
	prev, err := t.store.GetParticipant(roomID, userID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil
		}
		return err
	}
	if !prev.IsActive {
		return nil
	}
	if err := t.store.LeaveRoom(roomID, userID); err != nil {
		return err
	}
	if err := t.store.AdjustParticipantCount(roomID, -1); err != nil {
		return err
	}
	if t.broker != nil {
		t.broker.PublishRoom(events.EventRoomLeft, roomID)
	}
	return nil
}

// Heartbeat refreshes liveness for a connected user.
func (t *Tracker) Heartbeat(roomID, userID string) error {
	prev, err := t.store.GetParticipant(roomID, userID)
	if err != nil {
		return err
	}
	if err := t.store.HeartbeatParticipant(roomID, userID); err != nil {
		return err
	}
	// A heartbeat from a swept-out participant revives them.
	if !prev.IsActive {
		return t.store.AdjustParticipantCount(roomID, 1)
	}
	return nil
}

// Cursor updates a user's caret position.
func (t *Tracker) Cursor(roomID, userID string, cur *types.CursorPosition) error {
	return t.store.UpdateCursor(roomID, userID, cur)
}

// Roster returns the room's active participants.
func (t *Tracker) Roster(roomID string) ([]*types.Participant, error) {
	return t.store.ListParticipants(roomID, true)
}

// Records converts the active roster into wire presence records.
func (t *Tracker) Records(roomID string) ([]types.PresenceRecord, error) {
	roster, err := t.Roster(roomID)
	if err != nil {
		return nil, err
	}
	out := make([]types.PresenceRecord, 0, len(roster))
	for _, p := range roster {
		out = append(out, types.PresenceRecord{
			UserID:   p.UserID,
			Color:    p.Color,
			Cursor:   p.Cursor,
			Active:   p.IsActive,
			LastSeen: p.LastSeen,
		})
	}
	return out, nil
}

// SweepStale retires participants whose last heartbeat is older than
// the cutoff, fixing each room's counter, and returns how many were
// retired.
func (t *Tracker) SweepStale(cutoff time.Time) (int, error) {
	stale, err := t.store.ListStaleActiveParticipants(cutoff)
	if err != nil {
		return 0, err
	}
	for _, p := range stale {
		if err := t.Leave(p.RoomID, p.UserID); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}
