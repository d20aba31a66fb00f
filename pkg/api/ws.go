package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/codepit/codepit/pkg/crdt"
	"github.com/codepit/codepit/pkg/events"
	"github.com/codepit/codepit/pkg/log"
	"github.com/codepit/codepit/pkg/metrics"
	"github.com/codepit/codepit/pkg/types"
)

const (
	// heartbeatInterval drives the idle-connection reaper. Clients ping
	// every 25 seconds; connections silent past heartbeatTimeout drop.
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 60 * time.Second

	writeTimeout = 10 * time.Second
)

// CRDT error codes surfaced to clients.
const (
	codeSyncStep1Error           = "SYNC_STEP1_ERROR"
	codeSyncRequestError         = "SYNC_REQUEST_ERROR"
	codeInvalidUpdate            = "INVALID_UPDATE"
	codeUpdateError              = "UPDATE_ERROR"
	codeConflictResolutionFailed = "CONFLICT_RESOLUTION_FAILED"
	codeConflictResolutionError  = "CONFLICT_RESOLUTION_ERROR"
)

// byteSlice marshals as a JSON array of byte values instead of the
// encoding/json base64 default, matching the wire contract. Decoding
// tolerates both forms.
type byteSlice []byte

func (b byteSlice) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	buf := make([]byte, 0, len(b)*4+2)
	buf = append(buf, '[')
	for i, v := range b {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendUint(buf, uint64(v), 10)
	}
	return append(buf, ']'), nil
}

func (b *byteSlice) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*b = nil
		return nil
	}
	if data[0] == '"' {
		var raw []byte
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		*b = raw
		return nil
	}
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return fmt.Errorf("byte value %d out of range", v)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// wsMessage is the JSON frame exchanged on the socket.
type wsMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// client is one websocket connection.
type client struct {
	conn     *websocket.Conn
	socketID string

	writeMu sync.Mutex

	mu       sync.Mutex
	roomID   string
	userID   string
	userName string
	color    string
	lastSeen time.Time
}

func (c *client) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *client) identity() (roomID, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID, c.userID
}

// send writes one frame. A stuck peer only blocks its own connection.
func (c *client) send(event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	frame, err := json.Marshal(wsMessage{Event: event, Data: payload})
	if err != nil {
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	_ = c.conn.Write(ctx, websocket.MessageText, frame)
}

func (c *client) sendError(event, msg string) {
	c.send(event, map[string]any{"message": msg})
}

func (c *client) sendCRDTError(code, msg string) {
	c.send("crdt-error", map[string]any{"code": code, "message": msg})
}

// hub tracks connections and their room subscriptions and fans frames
// out to rooms.
type hub struct {
	srv *Server

	mu      sync.Mutex
	clients map[*client]struct{}
	rooms   map[string]map[*client]struct{}
	lanes   map[string]*sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newHub(srv *Server) *hub {
	return &hub{
		srv:     srv,
		clients: make(map[*client]struct{}),
		rooms:   make(map[string]map[*client]struct{}),
		lanes:   make(map[string]*sync.Mutex),
		stopCh:  make(chan struct{}),
	}
}

// roomLane returns the room's update lane. Holding it across apply and
// fan-out keeps broadcast order identical to apply order.
func (h *hub) roomLane(roomID string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	lane, ok := h.lanes[roomID]
	if !ok {
		lane = &sync.Mutex{}
		h.lanes[roomID] = lane
	}
	return lane
}

func (h *hub) start() {
	h.wg.Add(2)
	go h.reaperLoop()
	go h.consumeEvents()
}

func (h *hub) stop() {
	close(h.stopCh)
	h.mu.Lock()
	for c := range h.clients {
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metrics.WSConnections.Inc()
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	for roomID, members := range h.rooms {
		if _, ok := members[c]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, roomID)
				delete(h.lanes, roomID)
			}
		}
	}
	h.mu.Unlock()
	metrics.WSConnections.Dec()
}

func (h *hub) subscribe(c *client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[*client]struct{})
		h.rooms[roomID] = members
	}
	members[c] = struct{}{}
}

func (h *hub) unsubscribe(c *client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[roomID]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, roomID)
			delete(h.lanes, roomID)
		}
	}
}

// broadcast sends a frame to every room member except the origin.
func (h *hub) broadcast(roomID string, except *client, event string, data any) {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.rooms[roomID]))
	for c := range h.rooms[roomID] {
		if c != except {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()
	for _, c := range targets {
		c.send(event, data)
	}
}

// reaperLoop drops connections that missed their heartbeat window.
func (h *hub) reaperLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-heartbeatTimeout)
			h.mu.Lock()
			var stale []*client
			for c := range h.clients {
				c.mu.Lock()
				if c.lastSeen.Before(cutoff) {
					stale = append(stale, c)
				}
				c.mu.Unlock()
			}
			h.mu.Unlock()
			for _, c := range stale {
				log.WithComponent("ws").Debug().Str("socket_id", c.socketID).Msg("dropping silent connection")
				_ = c.conn.Close(websocket.StatusPolicyViolation, "heartbeat timeout")
			}
		case <-h.stopCh:
			return
		}
	}
}

// consumeEvents relays job lifecycle events from the broker to the
// affected room.
func (h *hub) consumeEvents() {
	defer h.wg.Done()
	sub := h.srv.broker.Subscribe()
	defer h.srv.broker.Unsubscribe(sub)

	states := map[events.EventType]types.JobState{
		events.EventJobStarted:   types.JobStateRunning,
		events.EventJobCompleted: types.JobStateCompleted,
		events.EventJobFailed:    types.JobStateFailed,
		events.EventJobTimeout:   types.JobStateTimeout,
		events.EventJobCancelled: types.JobStateCancelled,
	}
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			state, relevant := states[ev.Type]
			if !relevant {
				continue
			}
			roomID := ev.Metadata["room_id"]
			if roomID == "" {
				continue
			}
			h.broadcast(roomID, nil, "job-update", map[string]any{
				"jobId":  ev.Metadata["job_id"],
				"roomId": roomID,
				"state":  state,
			})
		case <-h.stopCh:
			return
		}
	}
}

// handleWS upgrades the connection and runs its read loop.
func (h *hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}

	c := &client{
		conn:     conn,
		socketID: uuid.New().String(),
		lastSeen: time.Now(),
	}
	h.register(c)
	logger := log.WithComponent("ws").With().Str("socket_id", c.socketID).Logger()
	logger.Debug().Msg("connection opened")

	defer func() {
		h.drop(c)
		conn.CloseNow()
		logger.Debug().Msg("connection closed")
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		c.touch()

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("error", "malformed message")
			continue
		}
		h.dispatch(c, &msg)
	}
}

// drop detaches a disconnected client and retires its presence.
func (h *hub) drop(c *client) {
	roomID, userID := c.identity()
	h.unregister(c)
	if roomID == "" || userID == "" {
		return
	}
	if err := h.srv.presence.Leave(roomID, userID); err != nil {
		log.WithRoomID(roomID).Error().Err(err).Msg("presence cleanup on disconnect failed")
	}
	h.broadcast(roomID, c, "user-left", map[string]any{
		"roomId": roomID,
		"userId": userID,
	})
}

func (h *hub) dispatch(c *client, msg *wsMessage) {
	switch msg.Event {
	case "ping":
		c.send("pong", map[string]any{"time": time.Now().UTC()})
	case "join-room":
		h.handleJoin(c, msg.Data)
	case "leave-room":
		h.handleLeave(c)
	case "get-document":
		h.handleGetDocument(c, msg.Data)
	case "crdt-sync-request":
		h.handleSyncRequest(c, msg.Data)
	case "crdt-sync-step1":
		h.handleSyncStep1(c, msg.Data)
	case "crdt-update":
		h.handleUpdate(c, msg.Data)
	case "cursor-update":
		h.handleCursorUpdate(c, msg.Data)
	case "presence-update":
		h.handlePresenceUpdate(c)
	default:
		c.sendError("error", "unknown event: "+msg.Event)
	}
}

func (h *hub) handleJoin(c *client, data json.RawMessage) {
	var req struct {
		RoomID   string `json:"roomId"`
		UserID   string `json:"userId"`
		UserName string `json:"userName"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.RoomID == "" || req.UserID == "" {
		c.sendError("error", "join-room requires roomId and userId")
		return
	}

	sess, err := h.srv.sessions.Get(req.RoomID)
	if err != nil {
		c.sendError("error", joinFailureMessage(err))
		return
	}
	p, err := h.srv.presence.Join(req.RoomID, req.UserID)
	if err != nil {
		c.sendError("server-error", "failed to join room")
		return
	}

	c.mu.Lock()
	c.roomID = req.RoomID
	c.userID = req.UserID
	c.userName = req.UserName
	c.color = p.Color
	c.mu.Unlock()
	h.subscribe(c, req.RoomID)

	records, err := h.srv.presence.Records(req.RoomID)
	if err != nil {
		c.sendError("server-error", "failed to load presence")
		return
	}
	c.send("room-joined", map[string]any{
		"roomId":   req.RoomID,
		"userId":   req.UserID,
		"socketId": c.socketID,
		"actorId":  sess.AssignActor(),
		"presence": records,
	})
	h.broadcast(req.RoomID, c, "user-joined", map[string]any{
		"roomId":   req.RoomID,
		"userId":   req.UserID,
		"userName": req.UserName,
		"color":    p.Color,
	})
}

func joinFailureMessage(err error) string {
	switch {
	case types.IsNotFound(err):
		return "room not found"
	case types.IsArchived(err):
		return "room is archived"
	default:
		return "failed to join room"
	}
}

func (h *hub) handleLeave(c *client) {
	roomID, userID := c.identity()
	if roomID == "" {
		return
	}
	if err := h.srv.presence.Leave(roomID, userID); err != nil {
		c.sendError("server-error", "failed to leave room")
		return
	}
	h.unsubscribe(c, roomID)
	c.mu.Lock()
	c.roomID, c.userID = "", ""
	c.mu.Unlock()
	h.broadcast(roomID, c, "user-left", map[string]any{
		"roomId": roomID,
		"userId": userID,
	})
}

func (h *hub) handleGetDocument(c *client, data json.RawMessage) {
	var req struct {
		RoomID string `json:"roomId"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.RoomID == "" {
		c.sendError("error", "get-document requires roomId")
		return
	}
	sess, err := h.srv.sessions.Get(req.RoomID)
	if err != nil {
		c.sendError("error", joinFailureMessage(err))
		return
	}
	c.send("document-content", map[string]any{
		"roomId":  req.RoomID,
		"content": sess.Text(),
	})
}

func (h *hub) handleSyncRequest(c *client, data json.RawMessage) {
	var req struct {
		RoomID string `json:"roomId"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.RoomID == "" {
		c.sendCRDTError(codeSyncRequestError, "crdt-sync-request requires roomId")
		return
	}
	sess, err := h.srv.sessions.Get(req.RoomID)
	if err != nil {
		c.sendCRDTError(codeSyncRequestError, "room unavailable")
		return
	}
	c.send("crdt-sync-response", map[string]any{
		"roomId":      req.RoomID,
		"stateVector": byteSlice(sess.StateVector()),
		"update":      byteSlice(sess.State()),
	})

	// Initial sync is a natural point to surface soft integrity issues.
	if warnings, err := h.srv.sessions.ValidateIntegrity(req.RoomID); err == nil && len(warnings) > 0 {
		c.send("crdt-warning", map[string]any{"warnings": warnings})
	}
}

func (h *hub) handleSyncStep1(c *client, data json.RawMessage) {
	var req struct {
		RoomID      string    `json:"roomId"`
		StateVector byteSlice `json:"stateVector"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.RoomID == "" {
		c.sendCRDTError(codeSyncStep1Error, "crdt-sync-step1 requires roomId")
		return
	}

	var update []byte
	if len(req.StateVector) == 0 {
		sess, err := h.srv.sessions.Get(req.RoomID)
		if err != nil {
			c.sendCRDTError(codeSyncStep1Error, "room unavailable")
			return
		}
		update = sess.State()
	} else {
		delta, err := h.srv.sessions.Delta(req.RoomID, req.StateVector)
		if err != nil {
			c.sendCRDTError(codeSyncStep1Error, "failed to compute delta")
			return
		}
		update = delta
	}
	c.send("crdt-sync-step2", map[string]any{
		"roomId": req.RoomID,
		"update": byteSlice(update),
	})
}

func (h *hub) handleUpdate(c *client, data json.RawMessage) {
	var req struct {
		RoomID string    `json:"roomId"`
		Update byteSlice `json:"update"`
		Origin string    `json:"origin"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.RoomID == "" {
		c.sendCRDTError(codeUpdateError, "crdt-update requires roomId")
		return
	}
	if len(req.Update) == 0 {
		c.sendCRDTError(codeInvalidUpdate, "empty update payload")
		return
	}
	if _, err := crdt.DecodeOps(req.Update); err != nil {
		c.sendCRDTError(codeInvalidUpdate, "undecodable update payload")
		return
	}

	// Apply and fan out under the room lane so peers observe updates in
	// the order the document absorbed them.
	lane := h.roomLane(req.RoomID)
	lane.Lock()
	defer lane.Unlock()

	integrated, err := h.srv.sessions.ApplyUpdate(req.RoomID, req.Update)
	if err != nil {
		h.resolveConflict(c, req.RoomID, req.Update)
		return
	}
	if integrated {
		metrics.CRDTOpsApplied.Inc()
	}
	h.broadcast(req.RoomID, c, "crdt-update", map[string]any{
		"roomId": req.RoomID,
		"update": req.Update,
		"origin": req.Origin,
	})
}

// resolveConflict runs the recovery path for an update that failed to
// apply and reports the outcome to the sender.
func (h *hub) resolveConflict(c *client, roomID string, update []byte) {
	resolved, err := h.srv.sessions.ResolveConflict(roomID, update)
	switch {
	case err == nil:
		c.send("crdt-conflict-resolved", map[string]any{
			"roomId":        roomID,
			"resolvedState": byteSlice(resolved),
		})
	case types.IsValidation(err):
		c.sendCRDTError(codeConflictResolutionFailed, "update could not be merged")
	default:
		c.sendCRDTError(codeConflictResolutionError, "conflict resolution failed")
	}
}

func (h *hub) handleCursorUpdate(c *client, data json.RawMessage) {
	roomID, userID := c.identity()
	if roomID == "" {
		c.sendError("error", "join a room first")
		return
	}
	var req struct {
		Cursor *types.CursorPosition `json:"cursorPosition"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.Cursor == nil {
		c.sendError("error", "cursor-update requires cursorPosition")
		return
	}
	if req.Cursor.Line < 1 || req.Cursor.Column < 0 {
		c.sendError("error", "cursorPosition out of range")
		return
	}
	if err := h.srv.presence.Cursor(roomID, userID, req.Cursor); err != nil {
		c.sendError("server-error", "failed to update cursor")
		return
	}
	h.broadcast(roomID, c, "cursor-update", map[string]any{
		"roomId":         roomID,
		"userId":         userID,
		"cursorPosition": req.Cursor,
	})
}

func (h *hub) handlePresenceUpdate(c *client) {
	roomID, userID := c.identity()
	if roomID == "" {
		c.sendError("error", "join a room first")
		return
	}
	if err := h.srv.presence.Heartbeat(roomID, userID); err != nil {
		c.sendError("server-error", "failed to refresh presence")
		return
	}
	records, err := h.srv.presence.Records(roomID)
	if err != nil {
		return
	}
	h.broadcast(roomID, c, "presence-update", map[string]any{
		"roomId":   roomID,
		"presence": records,
	})
}
