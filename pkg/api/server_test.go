package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codepit/codepit/pkg/crdt"
	"github.com/codepit/codepit/pkg/dispatch"
	"github.com/codepit/codepit/pkg/events"
	"github.com/codepit/codepit/pkg/log"
	"github.com/codepit/codepit/pkg/presence"
	"github.com/codepit/codepit/pkg/queue"
	"github.com/codepit/codepit/pkg/sandbox"
	"github.com/codepit/codepit/pkg/session"
	"github.com/codepit/codepit/pkg/store"
	"github.com/codepit/codepit/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

type blockedExecutor struct{}

func (blockedExecutor) Execute(ctx context.Context, jobID, code string, opts types.ExecOptions) (*types.ExecResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type harness struct {
	store  *store.Store
	server *Server
	ts     *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	q, err := queue.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	pool := sandbox.NewPool(blockedExecutor{}, broker, 5)
	disp := dispatch.New(st, q, pool, broker, dispatch.Config{})
	sessions := session.NewManager(st, broker)
	tracker := presence.NewTracker(st, broker)

	srv := NewServer(st, disp, sessions, tracker, broker)
	srv.Start()
	t.Cleanup(srv.Stop)

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	return &harness{store: st, server: srv, ts: ts}
}

func (h *harness) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestCreateRoom(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodPost, "/rooms", nil)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Regexp(t, regexp.MustCompile(`^[A-Z0-9]{12}$`), body["roomKey"])
	assert.NotEmpty(t, body["roomId"])
	assert.NotEmpty(t, body["createdAt"])
	assert.Equal(t, "5", resp.Header.Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Remaining"))
}

func TestCreateRoomRateLimited(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 5; i++ {
		resp, _ := h.do(t, http.MethodPost, "/rooms", nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	resp, _ := h.do(t, http.MethodPost, "/rooms", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Reset"))
}

func TestJoinRoom(t *testing.T) {
	h := newHarness(t)
	room, err := h.store.CreateRoom()
	require.NoError(t, err)

	resp, body := h.do(t, http.MethodPost, "/rooms/join", map[string]any{
		"roomKey": room.JoinKey,
		"userId":  "alice",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alice", body["userId"])
	assert.Nil(t, body["crdtState"])

	roomData, ok := body["roomData"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, room.ID, roomData["id"])
	assert.GreaterOrEqual(t, roomData["participantCount"].(float64), float64(1))
}

func TestJoinRoomGeneratesUserID(t *testing.T) {
	h := newHarness(t)
	room, err := h.store.CreateRoom()
	require.NoError(t, err)

	resp, body := h.do(t, http.MethodPost, "/rooms/join", map[string]any{"roomKey": room.JoinKey})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["userId"])
}

func TestJoinRoomValidation(t *testing.T) {
	h := newHarness(t)

	resp, _ := h.do(t, http.MethodPost, "/rooms/join", map[string]any{"roomKey": "lowercase!!"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/rooms/join", map[string]any{"roomKey": "AAAA2222BBBB"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJoinArchivedRoom(t *testing.T) {
	h := newHarness(t)
	room, err := h.store.CreateRoom()
	require.NoError(t, err)
	require.NoError(t, h.store.ArchiveRoom(room.ID))

	resp, _ := h.do(t, http.MethodPost, "/rooms/join", map[string]any{
		"roomKey": room.JoinKey,
		"userId":  "alice",
	})
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestGetRoom(t *testing.T) {
	h := newHarness(t)
	room, err := h.store.CreateRoom()
	require.NoError(t, err)

	resp, body := h.do(t, http.MethodGet, "/rooms/"+room.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, room.ID, body["id"])

	resp, _ = h.do(t, http.MethodGet, "/rooms/no-such-room", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetRoomReflectsLiveDocument(t *testing.T) {
	h := newHarness(t)
	room, err := h.store.CreateRoom()
	require.NoError(t, err)

	sess, err := h.server.sessions.Get(room.ID)
	require.NoError(t, err)
	client := crdt.NewDocument(sess.AssignActor())
	op, err := client.InsertAt(0, "hi")
	require.NoError(t, err)
	_, err = h.server.sessions.ApplyUpdate(room.ID, crdt.EncodeOps([]crdt.Op{op}))
	require.NoError(t, err)

	// The live document is visible before any flush hits the database.
	resp, body := h.do(t, http.MethodGet, "/rooms/"+room.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hi", body["codeSnapshot"])
}

func TestUpdateRoom(t *testing.T) {
	h := newHarness(t)
	room, err := h.store.CreateRoom()
	require.NoError(t, err)

	resp, _ := h.do(t, http.MethodPut, "/rooms/"+room.ID, map[string]any{
		"content": "int main() {}",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, body := h.do(t, http.MethodGet, "/rooms/"+room.ID, nil)
	assert.Equal(t, "int main() {}", body["codeSnapshot"])
}

func TestListParticipants(t *testing.T) {
	h := newHarness(t)
	room, err := h.store.CreateRoom()
	require.NoError(t, err)

	h.do(t, http.MethodPost, "/rooms/join", map[string]any{"roomKey": room.JoinKey, "userId": "alice"})
	h.do(t, http.MethodPost, "/rooms/join", map[string]any{"roomKey": room.JoinKey, "userId": "bob"})

	resp, body := h.do(t, http.MethodGet, "/rooms/"+room.ID+"/participants", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["count"])
}

func TestLeaveRoom(t *testing.T) {
	h := newHarness(t)
	room, err := h.store.CreateRoom()
	require.NoError(t, err)
	h.do(t, http.MethodPost, "/rooms/join", map[string]any{"roomKey": room.JoinKey, "userId": "alice"})

	resp, _ := h.do(t, http.MethodPost, "/rooms/leave", map[string]any{
		"roomId": room.ID,
		"userId": "alice",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, body := h.do(t, http.MethodGet, "/rooms/"+room.ID+"/participants", nil)
	assert.Equal(t, float64(0), body["count"])
}

func TestCursorUpdate(t *testing.T) {
	h := newHarness(t)
	room, err := h.store.CreateRoom()
	require.NoError(t, err)
	h.do(t, http.MethodPost, "/rooms/join", map[string]any{"roomKey": room.JoinKey, "userId": "alice"})

	resp, _ := h.do(t, http.MethodPut, "/rooms/"+room.ID+"/cursor", map[string]any{
		"userId":         "alice",
		"cursorPosition": map[string]int{"lineNumber": 3, "column": 7},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Line numbers are 1-based.
	resp, _ = h.do(t, http.MethodPut, "/rooms/"+room.ID+"/cursor", map[string]any{
		"userId":         "alice",
		"cursorPosition": map[string]int{"lineNumber": 0, "column": 7},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCompileSubmit(t *testing.T) {
	h := newHarness(t)
	room, err := h.store.CreateRoom()
	require.NoError(t, err)

	resp, body := h.do(t, http.MethodPost, "/compile", map[string]any{
		"roomId": room.ID,
		"userId": "alice",
		"code":   "int main() { return 0; }",
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, string(types.JobStateQueued), body["state"])
	jobID := body["jobId"].(string)
	require.NotEmpty(t, jobID)

	resp, body = h.do(t, http.MethodGet, "/compile/"+jobID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(types.JobStateQueued), body["state"])
	assert.Equal(t, float64(1), body["queuePosition"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestCompileValidation(t *testing.T) {
	h := newHarness(t)
	room, err := h.store.CreateRoom()
	require.NoError(t, err)

	resp, _ := h.do(t, http.MethodPost, "/compile", map[string]any{
		"roomId": "not-a-uuid",
		"userId": "alice",
		"code":   "int main() {}",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/compile", map[string]any{
		"roomId": room.ID,
		"code":   "int main() {}",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/compile", map[string]any{
		"roomId": room.ID,
		"userId": "alice",
		"code":   "   ",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCompileUserRateLimited(t *testing.T) {
	h := newHarness(t)
	room, err := h.store.CreateRoom()
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		resp, _ := h.do(t, http.MethodPost, "/compile", map[string]any{
			"roomId": room.ID,
			"userId": "alice",
			"code":   fmt.Sprintf("int main() { return %d; }", i),
		})
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}
	resp, _ := h.do(t, http.MethodPost, "/compile", map[string]any{
		"roomId": room.ID,
		"userId": "alice",
		"code":   "int main() { return 6; }",
	})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestCancelJob(t *testing.T) {
	h := newHarness(t)
	room, err := h.store.CreateRoom()
	require.NoError(t, err)

	_, body := h.do(t, http.MethodPost, "/compile", map[string]any{
		"roomId": room.ID,
		"userId": "alice",
		"code":   "int main() {}",
	})
	jobID := body["jobId"].(string)

	resp, _ := h.do(t, http.MethodDelete, "/compile/"+jobID, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodDelete, "/compile/"+jobID+"?userId=mallory", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = h.do(t, http.MethodDelete, "/compile/"+jobID+"?userId=alice", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(types.JobStateCancelled), body["state"])

	_, body = h.do(t, http.MethodGet, "/compile/"+jobID, nil)
	assert.Equal(t, string(types.JobStateCancelled), body["state"])
	result, ok := body["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, result["success"])
}

func TestHealthEndpoints(t *testing.T) {
	h := newHarness(t)

	for _, path := range []string{"/health", "/health/db", "/health/queue"} {
		resp, body := h.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, "ok", body["status"], path)
	}
}

func TestRateLimitHeadersCountDown(t *testing.T) {
	l := newAddrLimiter(3, time.Minute)

	ok, remaining, _ := l.allow("10.0.0.1")
	assert.True(t, ok)
	assert.Equal(t, 2, remaining)

	l.allow("10.0.0.1")
	l.allow("10.0.0.1")
	ok, _, reset := l.allow("10.0.0.1")
	assert.False(t, ok)
	assert.Greater(t, reset, time.Duration(0))

	// Separate addresses keep separate budgets.
	ok, _, _ = l.allow("10.0.0.2")
	assert.True(t, ok)
}
