package api

import (
	"net/http"
	"regexp"
	"strconv"

	"github.com/google/uuid"

	"github.com/codepit/codepit/pkg/events"
	"github.com/codepit/codepit/pkg/log"
	"github.com/codepit/codepit/pkg/types"
)

var joinKeyPattern = regexp.MustCompile(`^[A-Z0-9]{12}$`)

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	room, err := s.store.CreateRoom()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.broker.PublishRoom(events.EventRoomCreated, room.ID)
	log.WithRoomID(room.ID).Info().Str("join_key", room.JoinKey).Msg("room created")

	writeJSON(w, http.StatusCreated, map[string]any{
		"roomKey":   room.JoinKey,
		"roomId":    room.ID,
		"createdAt": room.CreatedAt,
	})
}

func (s *Server) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoomKey string `json:"roomKey"`
		UserID  string `json:"userId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if !joinKeyPattern.MatchString(req.RoomKey) {
		writeError(w, http.StatusBadRequest, "invalid room key")
		return
	}

	room, err := s.store.GetRoomByJoinKey(req.RoomKey)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if room.IsArchived {
		writeError(w, http.StatusGone, "room is archived")
		return
	}

	userID := req.UserID
	if userID == "" {
		userID = uuid.New().String()
	}
	if _, err := s.presence.Join(room.ID, userID); err != nil {
		writeDomainError(w, err)
		return
	}

	// The live session's encoded document, so a joining client can seed
	// its replica. Null when the room has never been edited.
	var crdtState []byte
	sess, err := s.sessions.Get(room.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if sess.Text() != "" || len(room.CRDTState) > 0 {
		crdtState = sess.State()
	}

	room, err = s.store.GetRoom(room.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	room.CRDTState = nil

	writeJSON(w, http.StatusOK, map[string]any{
		"roomData":  room,
		"crdtState": crdtState,
		"userId":    userID,
	})
}

func (s *Server) handleLeaveRoom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoomID string `json:"roomId"`
		UserID string `json:"userId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RoomID == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "roomId and userId are required")
		return
	}
	if err := s.presence.Leave(req.RoomID, req.UserID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"roomId": req.RoomID,
		"userId": req.UserID,
	})
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	room, err := s.store.GetRoom(r.PathValue("roomId"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	// A live session's document is fresher than the persisted snapshot.
	if text, ok := s.sessions.LiveText(room.ID); ok {
		room.CodeSnapshot = text
	}
	room.CRDTState = nil
	writeJSON(w, http.StatusOK, room)
}

func (s *Server) handleUpdateRoom(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomId")
	var req struct {
		Content   string `json:"content"`
		CRDTState []byte `json:"crdtState"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	room, err := s.store.GetRoom(roomID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if room.IsArchived {
		writeError(w, http.StatusGone, "room is archived")
		return
	}

	state := req.CRDTState
	if state == nil {
		state = room.CRDTState
	}
	if err := s.store.UpdateRoomState(roomID, req.Content, state); err != nil {
		writeDomainError(w, err)
		return
	}
	_ = s.store.TouchRoom(roomID)
	writeJSON(w, http.StatusOK, map[string]any{"roomId": roomID})
}

func (s *Server) handleListParticipants(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomId")
	if _, err := s.store.GetRoom(roomID); err != nil {
		writeDomainError(w, err)
		return
	}
	roster, err := s.presence.Roster(roomID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"participants": roster,
		"count":        len(roster),
	})
}

func (s *Server) handleCursor(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomId")
	var req struct {
		UserID string                `json:"userId"`
		Cursor *types.CursorPosition `json:"cursorPosition"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Cursor == nil {
		writeError(w, http.StatusBadRequest, "userId and cursorPosition are required")
		return
	}
	if req.Cursor.Line < 1 || req.Cursor.Column < 0 {
		writeError(w, http.StatusBadRequest, "cursorPosition out of range")
		return
	}
	if err := s.presence.Cursor(roomID, req.UserID, req.Cursor); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roomId": roomID, "userId": req.UserID})
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomId")
	if _, err := s.store.GetRoom(roomID); err != nil {
		writeDomainError(w, err)
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	snaps, err := s.store.ListSnapshots(roomID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	for _, snap := range snaps {
		snap.CRDTState = nil
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshots": snaps,
		"count":     len(snaps),
	})
}
