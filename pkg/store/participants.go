package store

import (
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"

	"github.com/codepit/codepit/pkg/types"
)

// ColorFor deterministically assigns one of the palette colors to a
// user, so rejoining participants keep their color.
func ColorFor(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return types.Palette[h.Sum32()%uint32(len(types.Palette))]
}

// JoinRoom records a participant joining. Rejoins reactivate the
// existing row and keep the original joined_at and color.
func (s *Store) JoinRoom(roomID, userID string) (*types.Participant, error) {
	now := time.Now().UTC()
	p := &types.Participant{
		ID:       uuid.New().String(),
		RoomID:   roomID,
		UserID:   userID,
		JoinedAt: now,
		LastSeen: now,
		IsActive: true,
		Color:    ColorFor(userID),
	}
	_, err := s.db.Exec(`INSERT INTO participants (id, room_id, user_id, joined_at, last_seen, is_active, color)
		VALUES (?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(room_id, user_id) DO UPDATE SET last_seen = excluded.last_seen, is_active = 1`,
		p.ID, roomID, userID, now.Format(timeFmt), now.Format(timeFmt), p.Color)
	if err != nil {
		return nil, fmt.Errorf("join room: %w", err)
	}
	// Re-read so rejoins return the original row.
	return s.GetParticipant(roomID, userID)
}

// GetParticipant fetches one (room, user) membership.
func (s *Store) GetParticipant(roomID, userID string) (*types.Participant, error) {
	row := s.db.QueryRow(
		`SELECT id, room_id, user_id, joined_at, last_seen, is_active, cursor_line, cursor_column, color
		FROM participants WHERE room_id = ? AND user_id = ?`, roomID, userID)
	return scanParticipant(row.Scan)
}

func scanParticipant(scan func(dest ...any) error) (*types.Participant, error) {
	var p types.Participant
	var joinedAt, lastSeen string
	var active int
	var line, column sql.NullInt64
	err := scan(&p.ID, &p.RoomID, &p.UserID, &joinedAt, &lastSeen, &active, &line, &column, &p.Color)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan participant: %w", err)
	}
	p.IsActive = active != 0
	if line.Valid && column.Valid {
		p.Cursor = &types.CursorPosition{Line: int(line.Int64), Column: int(column.Int64)}
	}
	if p.JoinedAt, err = time.Parse(timeFmt, joinedAt); err != nil {
		return nil, fmt.Errorf("parse joined_at: %w", err)
	}
	if p.LastSeen, err = time.Parse(timeFmt, lastSeen); err != nil {
		return nil, fmt.Errorf("parse last_seen: %w", err)
	}
	return &p, nil
}

// ListParticipants returns a room's participants, optionally only
// active ones, ordered by join time.
func (s *Store) ListParticipants(roomID string, activeOnly bool) ([]*types.Participant, error) {
	q := `SELECT id, room_id, user_id, joined_at, last_seen, is_active, cursor_line, cursor_column, color
		FROM participants WHERE room_id = ?`
	if activeOnly {
		q += ` AND is_active = 1`
	}
	q += ` ORDER BY joined_at`

	rows, err := s.db.Query(q, roomID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var out []*types.Participant
	for rows.Next() {
		p, err := scanParticipant(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateCursor persists a participant's caret position and refreshes
// last_seen.
func (s *Store) UpdateCursor(roomID, userID string, cur *types.CursorPosition) error {
	var line, column any
	if cur != nil {
		line, column = cur.Line, cur.Column
	}
	_, err := s.db.Exec(`UPDATE participants SET cursor_line = ?, cursor_column = ?, last_seen = ?
		WHERE room_id = ? AND user_id = ?`,
		line, column, time.Now().UTC().Format(timeFmt), roomID, userID)
	if err != nil {
		return fmt.Errorf("update cursor: %w", err)
	}
	return nil
}

// HeartbeatParticipant refreshes last_seen and keeps the row active.
func (s *Store) HeartbeatParticipant(roomID, userID string) error {
	_, err := s.db.Exec(`UPDATE participants SET last_seen = ?, is_active = 1
		WHERE room_id = ? AND user_id = ?`,
		time.Now().UTC().Format(timeFmt), roomID, userID)
	if err != nil {
		return fmt.Errorf("heartbeat participant: %w", err)
	}
	return nil
}

// LeaveRoom marks a participant inactive.
func (s *Store) LeaveRoom(roomID, userID string) error {
	_, err := s.db.Exec(`UPDATE participants SET is_active = 0, last_seen = ?
		WHERE room_id = ? AND user_id = ?`,
		time.Now().UTC().Format(timeFmt), roomID, userID)
	if err != nil {
		return fmt.Errorf("leave room: %w", err)
	}
	return nil
}

// ListStaleActiveParticipants returns active participants whose
// last_seen is older than the cutoff, so the sweeper can retire them
// one room at a time.
func (s *Store) ListStaleActiveParticipants(cutoff time.Time) ([]*types.Participant, error) {
	rows, err := s.db.Query(
		`SELECT id, room_id, user_id, joined_at, last_seen, is_active, cursor_line, cursor_column, color
		FROM participants WHERE is_active = 1 AND last_seen < ?`,
		cutoff.UTC().Format(timeFmt))
	if err != nil {
		return nil, fmt.Errorf("list stale participants: %w", err)
	}
	defer rows.Close()

	var out []*types.Participant
	for rows.Next() {
		p, err := scanParticipant(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SweepStaleParticipants deactivates participants whose last_seen is
// older than the cutoff and returns how many rows changed.
func (s *Store) SweepStaleParticipants(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`UPDATE participants SET is_active = 0
		WHERE is_active = 1 AND last_seen < ?`,
		cutoff.UTC().Format(timeFmt))
	if err != nil {
		return 0, fmt.Errorf("sweep participants: %w", err)
	}
	return res.RowsAffected()
}
