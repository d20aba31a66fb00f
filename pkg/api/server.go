package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/codepit/codepit/pkg/dispatch"
	"github.com/codepit/codepit/pkg/events"
	"github.com/codepit/codepit/pkg/log"
	"github.com/codepit/codepit/pkg/metrics"
	"github.com/codepit/codepit/pkg/presence"
	"github.com/codepit/codepit/pkg/session"
	"github.com/codepit/codepit/pkg/store"
	"github.com/codepit/codepit/pkg/types"
)

// Server is the HTTP and WebSocket control surface.
type Server struct {
	store    *store.Store
	disp     *dispatch.Dispatcher
	sessions *session.Manager
	presence *presence.Tracker
	broker   *events.Broker
	hub      *hub

	createLimiter *addrLimiter
	joinLimiter   *addrLimiter

	mux *http.ServeMux
}

// NewServer wires the control surface.
func NewServer(st *store.Store, disp *dispatch.Dispatcher, sessions *session.Manager, tracker *presence.Tracker, broker *events.Broker) *Server {
	s := &Server{
		store:    st,
		disp:     disp,
		sessions: sessions,
		presence: tracker,
		broker:   broker,
		// Room creation: 5 per 15 minutes per address.
		createLimiter: newAddrLimiter(5, 15*time.Minute),
		// Room join: 20 per minute per address.
		joinLimiter: newAddrLimiter(20, time.Minute),
		mux:         http.NewServeMux(),
	}
	s.hub = newHub(s)

	s.mux.HandleFunc("POST /rooms", s.withLimiter(s.createLimiter, s.handleCreateRoom))
	s.mux.HandleFunc("POST /rooms/join", s.withLimiter(s.joinLimiter, s.handleJoinRoom))
	s.mux.HandleFunc("POST /rooms/leave", s.handleLeaveRoom)
	s.mux.HandleFunc("GET /rooms/{roomId}", s.handleGetRoom)
	s.mux.HandleFunc("PUT /rooms/{roomId}", s.handleUpdateRoom)
	s.mux.HandleFunc("GET /rooms/{roomId}/participants", s.handleListParticipants)
	s.mux.HandleFunc("PUT /rooms/{roomId}/cursor", s.handleCursor)
	s.mux.HandleFunc("GET /rooms/{roomId}/snapshots", s.handleListSnapshots)
	s.mux.HandleFunc("POST /compile", s.handleCompile)
	s.mux.HandleFunc("GET /compile/{jobId}", s.handleJobStatus)
	s.mux.HandleFunc("DELETE /compile/{jobId}", s.handleCancelJob)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /health/db", s.handleHealthDB)
	s.mux.HandleFunc("GET /health/queue", s.handleHealthQueue)
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.HandleFunc("GET /ws", s.hub.handleWS)
	return s
}

// Start launches the hub's broadcast loops.
func (s *Server) Start() {
	s.hub.start()
}

// Stop closes every websocket connection and halts the hub.
func (s *Server) Stop() {
	s.hub.stop()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
	metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the hijacker during the
// websocket upgrade.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeDomainError maps the shared error sentinels onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, types.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, types.ErrArchived):
		writeError(w, http.StatusGone, "room is archived")
	case errors.Is(err, types.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	case errors.Is(err, types.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, "queue is full")
	case errors.Is(err, types.ErrTerminal):
		writeError(w, http.StatusBadRequest, "job already finished")
	default:
		log.WithComponent("api").Error().Err(err).Msg("internal error")
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
