package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/codepit/codepit/pkg/crdt"
	"github.com/codepit/codepit/pkg/events"
	"github.com/codepit/codepit/pkg/log"
	"github.com/codepit/codepit/pkg/store"
	"github.com/codepit/codepit/pkg/types"
)

const (
	// serverActor authors seed inserts when a room is restored from
	// plain text with no surviving CRDT state.
	serverActor uint64 = 1

	// snapshotOpThreshold triggers a snapshot once this many ops have
	// integrated since the last one.
	snapshotOpThreshold = 100

	// snapshotDebounce is the minimum spacing between snapshots, so op
	// bursts cannot write one per edit.
	snapshotDebounce = time.Second

	// flushInterval drives the periodic persist of dirty sessions.
	flushInterval = 30 * time.Second
)

// Session is one room's live document plus its snapshot bookkeeping.
// All mutations run under mu, giving each room a single apply lane.
type Session struct {
	roomID string

	mu        sync.Mutex
	doc       *crdt.Document
	nextActor uint64

	opsSinceSnapshot int
	lastSnapshot     time.Time
	dirty            bool
}

// Manager owns the live sessions. Sessions materialize lazily on first
// access and are torn down when their room archives.
type Manager struct {
	store  *store.Store
	broker *events.Broker

	mu       sync.Mutex
	sessions map[string]*Session

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager wires a session manager.
func NewManager(st *store.Store, broker *events.Broker) *Manager {
	return &Manager{
		store:    st,
		broker:   broker,
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the periodic flush loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.flushLoop()
}

// Stop flushes every dirty session and halts the flush loop.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	m.FlushAll()
}

// Get returns the live session for a room, restoring it if needed.
func (m *Manager) Get(roomID string) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[roomID]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	// Restore outside the manager lock; a racing restore of the same
	// room is resolved below by keeping the first one in.
	s, err := m.restore(roomID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[roomID]; ok {
		return existing, nil
	}
	m.sessions[roomID] = s
	return s, nil
}

// restore rebuilds a session from persisted state. The chain: the
// room's own CRDT blob, then the newest snapshot's blob, then seeding
// a fresh document from the room's plain-text snapshot.
func (m *Manager) restore(roomID string) (*Session, error) {
	logger := log.WithRoomID(roomID)

	room, err := m.store.GetRoom(roomID)
	if err != nil {
		return nil, err
	}
	if room.IsArchived {
		return nil, types.ErrArchived
	}

	var doc *crdt.Document
	if len(room.CRDTState) > 0 {
		doc, err = crdt.DecodeState(room.CRDTState, 0)
		if err != nil {
			logger.Warn().Err(err).Msg("room CRDT state corrupt, trying snapshots")
			doc = nil
		}
	}

	if doc == nil {
		snap, snapErr := m.store.LatestSnapshot(roomID)
		if snapErr == nil && len(snap.CRDTState) > 0 {
			doc, err = crdt.DecodeState(snap.CRDTState, 0)
			if err != nil {
				logger.Warn().Err(err).Msg("snapshot CRDT state corrupt, reseeding from text")
				doc = nil
			}
		}
	}

	if doc == nil {
		// Last resort: seed a fresh document from the stored text. The
		// edit history is gone but the content survives.
		doc = crdt.NewDocument(serverActor)
		if room.CodeSnapshot != "" {
			if _, err := doc.InsertAt(0, room.CodeSnapshot); err != nil {
				return nil, fmt.Errorf("seed document: %w", err)
			}
		}
		logger.Info().Int("bytes", len(room.CodeSnapshot)).Msg("document seeded from text snapshot")
	} else if doc.Text() != room.CodeSnapshot {
		// The CRDT log is the durable truth; realign the cached text.
		logger.Warn().Msg("text snapshot diverged from CRDT state, realigning")
		if err := m.store.UpdateRoomState(roomID, doc.Text(), crdt.EncodeState(doc)); err != nil {
			return nil, err
		}
	}

	maxActor := serverActor
	for _, a := range doc.Actors() {
		if a > maxActor {
			maxActor = a
		}
	}

	return &Session{
		roomID:       roomID,
		doc:          doc,
		nextActor:    maxActor + 1,
		lastSnapshot: time.Now(),
	}, nil
}

// AssignActor hands out the next replica identifier for a joining
// client. Identifiers never repeat within a room, even across
// restarts, because restoration seeds past the highest actor seen.
func (s *Session) AssignActor() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.nextActor
	s.nextActor++
	return a
}

// Text returns the current document content.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Text()
}

// State returns the full encoded document for an initial client sync.
func (s *Session) State() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return crdt.EncodeState(s.doc)
}

// StateVector returns the encoded state vector.
func (s *Session) StateVector() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return crdt.EncodeStateVector(s.doc)
}

// LiveText returns the in-memory document text for a room, if a live
// session exists. It never triggers a restore.
func (m *Manager) LiveText(roomID string) (string, bool) {
	m.mu.Lock()
	s, ok := m.sessions[roomID]
	m.mu.Unlock()
	if !ok {
		return "", false
	}
	return s.Text(), true
}

// ApplyUpdate integrates a client's encoded ops and reports whether
// anything new integrated (duplicates are dropped silently).
func (m *Manager) ApplyUpdate(roomID string, payload []byte) (bool, error) {
	s, err := m.Get(roomID)
	if err != nil {
		return false, err
	}
	ops, err := crdt.DecodeOps(payload)
	if err != nil {
		return false, fmt.Errorf("%w: %v", types.ErrValidation, err)
	}
	if len(ops) == 0 {
		return false, nil
	}

	s.mu.Lock()
	before := s.doc.OpCount()
	if err := s.doc.ApplyAll(ops); err != nil {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %v", types.ErrValidation, err)
	}
	integrated := s.doc.OpCount() - before
	if integrated > 0 {
		s.opsSinceSnapshot += integrated
		s.dirty = true
	}
	needSnapshot := s.opsSinceSnapshot >= snapshotOpThreshold &&
		time.Since(s.lastSnapshot) >= snapshotDebounce
	s.mu.Unlock()

	if needSnapshot {
		if err := m.snapshot(s, types.SnapshotAuto); err != nil {
			logger := log.WithRoomID(roomID)
			logger.Error().Err(err).Msg("auto snapshot failed")
		}
	}
	return integrated > 0, nil
}

// Delta answers a client sync request: ops the client's encoded state
// vector does not cover.
func (m *Manager) Delta(roomID string, stateVector []byte) ([]byte, error) {
	s, err := m.Get(roomID)
	if err != nil {
		return nil, err
	}
	sv, err := crdt.DecodeStateVector(stateVector)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrValidation, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return crdt.EncodeOps(s.doc.DeltaSince(sv)), nil
}

// Snapshot persists a manual snapshot for a room.
func (m *Manager) Snapshot(roomID string, kind types.SnapshotKind) error {
	s, err := m.Get(roomID)
	if err != nil {
		return err
	}
	return m.snapshot(s, kind)
}

func (m *Manager) snapshot(s *Session, kind types.SnapshotKind) error {
	s.mu.Lock()
	text := s.doc.Text()
	state := crdt.EncodeState(s.doc)
	s.opsSinceSnapshot = 0
	s.lastSnapshot = time.Now()
	s.dirty = false
	s.mu.Unlock()

	if err := m.store.UpdateRoomState(s.roomID, text, state); err != nil {
		return err
	}
	if _, err := m.store.CreateSnapshot(s.roomID, text, state, kind); err != nil {
		return err
	}
	if m.broker != nil {
		m.broker.PublishRoom(events.EventSnapshotTaken, s.roomID)
	}
	return nil
}

// flush persists a dirty session. Non-empty documents get a periodic
// Auto snapshot; empty ones just refresh the room state.
func (m *Manager) flush(s *Session) error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	text := s.doc.Text()
	state := crdt.EncodeState(s.doc)
	s.mu.Unlock()

	if text != "" {
		return m.snapshot(s, types.SnapshotAuto)
	}
	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
	return m.store.UpdateRoomState(s.roomID, text, state)
}

// FlushAll persists every dirty session.
func (m *Manager) FlushAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		if err := m.flush(s); err != nil {
			logger := log.WithRoomID(s.roomID)
			logger.Error().Err(err).Msg("session flush failed")
		}
	}
}

// integritySizeWarn flags encoded documents growing past a megabyte.
const integritySizeWarn = 1 << 20

// ValidateIntegrity round-trips the document through its encoding and
// checks the decoded text matches. A mismatch is fatal; oversized
// encodings come back as soft warnings.
func (m *Manager) ValidateIntegrity(roomID string) ([]string, error) {
	s, err := m.Get(roomID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	text := s.doc.Text()
	state := crdt.EncodeState(s.doc)
	s.mu.Unlock()

	decoded, err := crdt.DecodeState(state, 0)
	if err != nil {
		return nil, fmt.Errorf("state does not round-trip: %w", err)
	}
	if decoded.Text() != text {
		return nil, fmt.Errorf("decoded text diverges from live document")
	}

	var warnings []string
	if len(state) > integritySizeWarn {
		warnings = append(warnings, fmt.Sprintf("encoded state is %d bytes", len(state)))
	}
	return warnings, nil
}

// ResolveConflict recovers after an update failed to apply. It cuts a
// Backup snapshot of the known-good state, replays the update against a
// scratch copy, and on success swaps the scratch in as canonical,
// returning the merged encoded state. If the replay fails too, the
// session is restored from the latest snapshot and the error surfaces.
func (m *Manager) ResolveConflict(roomID string, payload []byte) ([]byte, error) {
	s, err := m.Get(roomID)
	if err != nil {
		return nil, err
	}
	if err := m.snapshot(s, types.SnapshotBackup); err != nil {
		return nil, err
	}

	s.mu.Lock()
	current := crdt.EncodeState(s.doc)
	s.mu.Unlock()

	merged, replayErr := replayOnScratch(current, payload)
	if replayErr == nil {
		s.mu.Lock()
		s.doc = merged
		s.dirty = true
		state := crdt.EncodeState(merged)
		text := merged.Text()
		s.mu.Unlock()
		if err := m.store.UpdateRoomState(roomID, text, state); err != nil {
			return nil, err
		}
		logger := log.WithRoomID(roomID)
		logger.Warn().Msg("conflicting update merged on scratch document")
		return state, nil
	}

	// The update is unsalvageable; roll the session back to the backup
	// just taken.
	snap, snapErr := m.store.LatestSnapshot(roomID)
	if snapErr == nil && len(snap.CRDTState) > 0 {
		if doc, decErr := crdt.DecodeState(snap.CRDTState, 0); decErr == nil {
			s.mu.Lock()
			s.doc = doc
			s.dirty = false
			s.mu.Unlock()
		}
	}
	return nil, fmt.Errorf("%w: %v", types.ErrValidation, replayErr)
}

func replayOnScratch(state, payload []byte) (*crdt.Document, error) {
	scratch, err := crdt.DecodeState(state, 0)
	if err != nil {
		return nil, err
	}
	ops, err := crdt.DecodeOps(payload)
	if err != nil {
		return nil, err
	}
	if err := scratch.ApplyAll(ops); err != nil {
		return nil, err
	}
	return scratch, nil
}

// CleanupRoom persists a final backup snapshot and drops the live
// session. Called when a room archives.
func (m *Manager) CleanupRoom(roomID string) error {
	m.mu.Lock()
	s, ok := m.sessions[roomID]
	delete(m.sessions, roomID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.snapshot(s, types.SnapshotBackup)
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) flushLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.FlushAll()
		case <-m.stopCh:
			return
		}
	}
}
