package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/codepit/codepit/pkg/types"
)

// snapshotCap bounds retained snapshots per room; the oldest fall off.
const snapshotCap = 20

// CreateSnapshot inserts a snapshot and trims the room's history to the
// retention cap.
func (s *Store) CreateSnapshot(roomID, content string, crdtState []byte, kind types.SnapshotKind) (*types.Snapshot, error) {
	snap := &types.Snapshot{
		ID:        uuid.New().String(),
		RoomID:    roomID,
		Content:   content,
		CRDTState: crdtState,
		CreatedAt: time.Now().UTC(),
		Kind:      kind,
	}
	_, err := s.db.Exec(`INSERT INTO room_snapshots (id, room_id, content, crdt_state, created_at, kind)
		VALUES (?, ?, ?, ?, ?, ?)`,
		snap.ID, roomID, content, crdtState, snap.CreatedAt.Format(timeFmt), string(kind))
	if err != nil {
		return nil, fmt.Errorf("create snapshot: %w", err)
	}

	_, err = s.db.Exec(`DELETE FROM room_snapshots WHERE room_id = ? AND id NOT IN (
		SELECT id FROM room_snapshots WHERE room_id = ? ORDER BY created_at DESC LIMIT ?)`,
		roomID, roomID, snapshotCap)
	if err != nil {
		return nil, fmt.Errorf("trim snapshots: %w", err)
	}
	return snap, nil
}

// LatestSnapshot returns a room's most recent snapshot.
func (s *Store) LatestSnapshot(roomID string) (*types.Snapshot, error) {
	row := s.db.QueryRow(
		`SELECT id, room_id, content, crdt_state, created_at, kind
		FROM room_snapshots WHERE room_id = ? ORDER BY created_at DESC LIMIT 1`, roomID)
	return scanSnapshot(row.Scan)
}

func scanSnapshot(scan func(dest ...any) error) (*types.Snapshot, error) {
	var snap types.Snapshot
	var createdAt, kind string
	err := scan(&snap.ID, &snap.RoomID, &snap.Content, &snap.CRDTState, &createdAt, &kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}
	snap.Kind = types.SnapshotKind(kind)
	if snap.CreatedAt, err = time.Parse(timeFmt, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &snap, nil
}

// ListSnapshots returns a room's snapshots newest first.
func (s *Store) ListSnapshots(roomID string, limit int) ([]*types.Snapshot, error) {
	if limit <= 0 || limit > snapshotCap {
		limit = snapshotCap
	}
	rows, err := s.db.Query(
		`SELECT id, room_id, content, crdt_state, created_at, kind
		FROM room_snapshots WHERE room_id = ? ORDER BY created_at DESC LIMIT ?`,
		roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []*types.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
