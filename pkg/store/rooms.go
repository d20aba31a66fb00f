package store

import (
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codepit/codepit/pkg/types"
)

const joinKeyCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
const joinKeyLength = 12
const joinKeyRetries = 10

// newJoinKey returns a uniformly random 12-character key over [A-Z0-9].
// Bytes at or above the largest multiple of 36 are rejected so the
// modulo does not skew toward the low end of the charset.
func newJoinKey() (string, error) {
	const limit = 256 - 256%len(joinKeyCharset)
	var b strings.Builder
	buf := make([]byte, joinKeyLength)
	for b.Len() < joinKeyLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate join key: %w", err)
		}
		for _, c := range buf {
			if int(c) >= limit || b.Len() == joinKeyLength {
				continue
			}
			b.WriteByte(joinKeyCharset[int(c)%len(joinKeyCharset)])
		}
	}
	return b.String(), nil
}

// CreateRoom inserts a new room with a fresh unique join key. Key
// collisions are retried up to 10 times before giving up.
func (s *Store) CreateRoom() (*types.Room, error) {
	now := time.Now().UTC()
	room := &types.Room{
		ID:           uuid.New().String(),
		CreatedAt:    now,
		LastActivity: now,
	}

	for attempt := 0; attempt < joinKeyRetries; attempt++ {
		key, err := newJoinKey()
		if err != nil {
			return nil, err
		}
		_, err = s.db.Exec(`INSERT INTO rooms (id, join_key, created_at, last_activity, is_archived, participant_count, code_snapshot)
			VALUES (?, ?, ?, ?, 0, 0, '')`,
			room.ID, key, now.Format(timeFmt), now.Format(timeFmt))
		if err == nil {
			room.JoinKey = key
			return room, nil
		}
		if !strings.Contains(err.Error(), "UNIQUE constraint failed: rooms.join_key") {
			return nil, fmt.Errorf("create room: %w", err)
		}
	}
	return nil, fmt.Errorf("create room: join key space exhausted after %d attempts", joinKeyRetries)
}

// GetRoom fetches a room by ID.
func (s *Store) GetRoom(id string) (*types.Room, error) {
	return s.scanRoom(s.db.QueryRow(
		`SELECT id, join_key, created_at, last_activity, is_archived, participant_count, code_snapshot, crdt_state
		FROM rooms WHERE id = ?`, id))
}

// GetRoomByJoinKey fetches a room by its join key.
func (s *Store) GetRoomByJoinKey(key string) (*types.Room, error) {
	return s.scanRoom(s.db.QueryRow(
		`SELECT id, join_key, created_at, last_activity, is_archived, participant_count, code_snapshot, crdt_state
		FROM rooms WHERE join_key = ?`, key))
}

func (s *Store) scanRoom(row *sql.Row) (*types.Room, error) {
	var r types.Room
	var createdAt, lastActivity string
	var archived int
	var crdtState []byte
	err := row.Scan(&r.ID, &r.JoinKey, &createdAt, &lastActivity, &archived, &r.ParticipantCount, &r.CodeSnapshot, &crdtState)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get room: %w", err)
	}
	r.IsArchived = archived != 0
	r.CRDTState = crdtState
	if r.CreatedAt, err = time.Parse(timeFmt, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if r.LastActivity, err = time.Parse(timeFmt, lastActivity); err != nil {
		return nil, fmt.Errorf("parse last_activity: %w", err)
	}
	return &r, nil
}

// TouchRoom advances last_activity.
func (s *Store) TouchRoom(id string) error {
	_, err := s.db.Exec(`UPDATE rooms SET last_activity = ? WHERE id = ?`,
		time.Now().UTC().Format(timeFmt), id)
	if err != nil {
		return fmt.Errorf("touch room: %w", err)
	}
	return nil
}

// UpdateRoomState persists the current document text and CRDT state.
func (s *Store) UpdateRoomState(id, codeSnapshot string, crdtState []byte) error {
	res, err := s.db.Exec(`UPDATE rooms SET code_snapshot = ?, crdt_state = ?, last_activity = ? WHERE id = ?`,
		codeSnapshot, crdtState, time.Now().UTC().Format(timeFmt), id)
	if err != nil {
		return fmt.Errorf("update room state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	return nil
}

// ArchiveRoom marks a room archived. Archiving is idempotent.
func (s *Store) ArchiveRoom(id string) error {
	res, err := s.db.Exec(`UPDATE rooms SET is_archived = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("archive room: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	return nil
}

// AdjustParticipantCount atomically changes the cached participant
// counter, clamping at zero.
func (s *Store) AdjustParticipantCount(id string, delta int) error {
	_, err := s.db.Exec(`UPDATE rooms SET participant_count = MAX(0, participant_count + ?) WHERE id = ?`,
		delta, id)
	if err != nil {
		return fmt.Errorf("adjust participant count: %w", err)
	}
	return nil
}

// ListInactiveRooms returns unarchived rooms whose last activity is
// older than the cutoff.
func (s *Store) ListInactiveRooms(cutoff time.Time) ([]*types.Room, error) {
	rows, err := s.db.Query(
		`SELECT id, join_key, created_at, last_activity, is_archived, participant_count, code_snapshot, crdt_state
		FROM rooms WHERE is_archived = 0 AND last_activity < ?`,
		cutoff.UTC().Format(timeFmt))
	if err != nil {
		return nil, fmt.Errorf("list inactive rooms: %w", err)
	}
	defer rows.Close()

	var out []*types.Room
	for rows.Next() {
		var r types.Room
		var createdAt, lastActivity string
		var archived int
		var crdtState []byte
		if err := rows.Scan(&r.ID, &r.JoinKey, &createdAt, &lastActivity, &archived, &r.ParticipantCount, &r.CodeSnapshot, &crdtState); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		r.IsArchived = archived != 0
		r.CRDTState = crdtState
		r.CreatedAt, _ = time.Parse(timeFmt, createdAt)
		r.LastActivity, _ = time.Parse(timeFmt, lastActivity)
		out = append(out, &r)
	}
	return out, rows.Err()
}
