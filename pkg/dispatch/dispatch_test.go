package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codepit/codepit/pkg/events"
	"github.com/codepit/codepit/pkg/log"
	"github.com/codepit/codepit/pkg/queue"
	"github.com/codepit/codepit/pkg/sandbox"
	"github.com/codepit/codepit/pkg/store"
	"github.com/codepit/codepit/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

// scriptedExecutor returns canned results per call.
type scriptedExecutor struct {
	result *types.ExecResult
	err    error
}

func (s *scriptedExecutor) Execute(ctx context.Context, jobID, code string, opts types.ExecOptions) (*types.ExecResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type testHarness struct {
	store  *store.Store
	queue  *queue.Queue
	disp   *Dispatcher
	roomID string
}

func newHarness(t *testing.T, exec sandbox.Executor, cfg Config) *testHarness {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(dir + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	q, err := queue.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	pool := sandbox.NewPool(exec, broker, 5)
	if cfg.MaxTimeoutMs == 0 {
		cfg.MaxTimeoutMs = 30000
	}
	if cfg.MaxMemory == "" {
		cfg.MaxMemory = "128m"
	}
	if cfg.MaxCPU == 0 {
		cfg.MaxCPU = 0.5
	}
	d := New(st, q, pool, broker, cfg)

	room, err := st.CreateRoom()
	require.NoError(t, err)

	return &testHarness{store: st, queue: q, disp: d, roomID: room.ID}
}

func TestQueueJobHappyPath(t *testing.T) {
	h := newHarness(t, &scriptedExecutor{result: &types.ExecResult{Success: true}}, Config{})

	job, pos, err := h.disp.QueueJob(h.roomID, "alice", "int main() {}", types.ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
	assert.Equal(t, types.JobStateQueued, job.State)
	// Admission fully populates options.
	assert.Equal(t, "128m", job.Options.MemoryLimit)
	assert.Equal(t, 30000, job.Options.WallTimeoutMs)

	got, qpos, err := h.disp.JobStatus(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, qpos)
	assert.Equal(t, types.JobStateQueued, got.State)
}

func TestQueueJobValidation(t *testing.T) {
	h := newHarness(t, &scriptedExecutor{}, Config{})

	_, _, err := h.disp.QueueJob("missing-room", "alice", "code", types.ExecOptions{})
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, _, err = h.disp.QueueJob(h.roomID, "alice", "   ", types.ExecOptions{})
	assert.ErrorIs(t, err, types.ErrValidation)

	big := make([]byte, types.MaxCodeBytes+1)
	_, _, err = h.disp.QueueJob(h.roomID, "alice", string(big), types.ExecOptions{})
	assert.ErrorIs(t, err, types.ErrValidation)

	_, _, err = h.disp.QueueJob(h.roomID, "alice", "code", types.ExecOptions{WallTimeoutMs: 999})
	assert.ErrorIs(t, err, types.ErrValidation)

	require.NoError(t, h.store.ArchiveRoom(h.roomID))
	_, _, err = h.disp.QueueJob(h.roomID, "alice", "code", types.ExecOptions{})
	assert.ErrorIs(t, err, types.ErrArchived)
}

func TestQueueJobRateLimit(t *testing.T) {
	h := newHarness(t, &scriptedExecutor{}, Config{RateLimitMax: 3, RateLimitWindow: time.Minute})

	for i := 0; i < 3; i++ {
		_, _, err := h.disp.QueueJob(h.roomID, "alice", "code", types.ExecOptions{})
		require.NoError(t, err)
	}
	_, _, err := h.disp.QueueJob(h.roomID, "alice", "code", types.ExecOptions{})
	assert.ErrorIs(t, err, types.ErrRateLimited)

	// Other users are unaffected.
	_, _, err = h.disp.QueueJob(h.roomID, "bob", "code", types.ExecOptions{})
	assert.NoError(t, err)
}

func TestQueueJobSaturation(t *testing.T) {
	h := newHarness(t, &scriptedExecutor{}, Config{RateLimitMax: 1000})

	// Fill the pipeline via the store directly; admission only counts.
	for i := 0; i < maxPendingJobs; i++ {
		job := &types.Job{
			ID:      fmt.Sprintf("fill-%d", i),
			RoomID:  h.roomID,
			UserID:  fmt.Sprintf("user-%d", i),
			Code:    "code",
			Options: sandbox.DefaultOptions(),
		}
		require.NoError(t, h.store.CreateJob(job))
	}

	_, _, err := h.disp.QueueJob(h.roomID, "alice", "code", types.ExecOptions{})
	assert.ErrorIs(t, err, types.ErrQueueFull)
}

func TestQueueJobSaturationBeatsRateLimit(t *testing.T) {
	h := newHarness(t, &scriptedExecutor{}, Config{RateLimitMax: 3, RateLimitWindow: time.Minute})

	// Alice is over her rate limit AND the pipeline is saturated; the
	// saturation check answers first.
	for i := 0; i < maxPendingJobs; i++ {
		job := &types.Job{
			ID:      fmt.Sprintf("fill-%d", i),
			RoomID:  h.roomID,
			UserID:  "alice",
			Code:    "code",
			Options: sandbox.DefaultOptions(),
		}
		require.NoError(t, h.store.CreateJob(job))
	}

	_, _, err := h.disp.QueueJob(h.roomID, "alice", "code", types.ExecOptions{})
	assert.ErrorIs(t, err, types.ErrQueueFull)
}

func TestCancelJob(t *testing.T) {
	h := newHarness(t, &scriptedExecutor{}, Config{})

	job, _, err := h.disp.QueueJob(h.roomID, "alice", "code", types.ExecOptions{})
	require.NoError(t, err)

	assert.ErrorIs(t, h.disp.CancelJob(job.ID, "mallory"), types.ErrNotFound)
	require.NoError(t, h.disp.CancelJob(job.ID, "alice"))

	got, pos, err := h.disp.JobStatus(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateCancelled, got.State)
	assert.Zero(t, pos)

	// The queue no longer holds it.
	item, err := h.queue.Dequeue()
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestCancelRunningJob(t *testing.T) {
	h := newHarness(t, &scriptedExecutor{}, Config{})

	job, _, err := h.disp.QueueJob(h.roomID, "alice", "code", types.ExecOptions{})
	require.NoError(t, err)
	require.NoError(t, h.store.MarkJobRunning(job.ID))

	// A run in flight still cancels for the owner; the sandbox's late
	// result loses to the terminal write.
	require.NoError(t, h.disp.CancelJob(job.ID, "alice"))

	got, _, err := h.disp.JobStatus(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateCancelled, got.State)

	assert.ErrorIs(t,
		h.store.CompleteJob(job.ID, types.JobStateCompleted, &types.ExecResult{Success: true}),
		types.ErrTerminal)
}

func waitForState(t *testing.T, h *testHarness, jobID string, want types.JobState) *types.Job {
	t.Helper()
	var job *types.Job
	require.Eventually(t, func() bool {
		var err error
		job, _, err = h.disp.JobStatus(jobID)
		return err == nil && job.State == want
	}, 5*time.Second, 10*time.Millisecond, "job never reached %s", want)
	return job
}

func TestWorkerCompletesJob(t *testing.T) {
	h := newHarness(t, &scriptedExecutor{result: &types.ExecResult{
		Success: true, Stdout: "hello\n", ExitCode: 0, ExecutionTimeMs: 42,
	}}, Config{Workers: 1})

	h.disp.Start()
	defer h.disp.Stop()

	job, _, err := h.disp.QueueJob(h.roomID, "alice", "int main() {}", types.ExecOptions{})
	require.NoError(t, err)

	done := waitForState(t, h, job.ID, types.JobStateCompleted)
	assert.Equal(t, "hello\n", done.Stdout)
	require.NotNil(t, done.ExitCode)
	assert.Zero(t, *done.ExitCode)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)
}

func TestWorkerMarksCompileFailure(t *testing.T) {
	h := newHarness(t, &scriptedExecutor{result: &types.ExecResult{
		Success: false, Stderr: "main.cpp:1: error: expected ';'", ExitCode: 1,
	}}, Config{Workers: 1})

	h.disp.Start()
	defer h.disp.Stop()

	job, _, err := h.disp.QueueJob(h.roomID, "alice", "int main() {", types.ExecOptions{})
	require.NoError(t, err)

	done := waitForState(t, h, job.ID, types.JobStateFailed)
	assert.Contains(t, done.Stderr, "error")
}

func TestWorkerMarksTimeout(t *testing.T) {
	h := newHarness(t, &scriptedExecutor{result: &types.ExecResult{
		TimedOut: true, ExitCode: -1, Error: "execution exceeded 1000ms wall time",
	}}, Config{Workers: 1})

	h.disp.Start()
	defer h.disp.Stop()

	job, _, err := h.disp.QueueJob(h.roomID, "alice", "while(1);", types.ExecOptions{WallTimeoutMs: 1000})
	require.NoError(t, err)

	waitForState(t, h, job.ID, types.JobStateTimeout)
}

func TestWorkerRetriesInfraErrorsThenFails(t *testing.T) {
	h := newHarness(t, &scriptedExecutor{err: errors.New("containerd unavailable")}, Config{Workers: 1})

	h.disp.Start()
	defer h.disp.Stop()

	job, _, err := h.disp.QueueJob(h.roomID, "alice", "code", types.ExecOptions{})
	require.NoError(t, err)

	// Retries back off starting at two seconds, so allow extra time.
	require.Eventually(t, func() bool {
		got, _, err := h.disp.JobStatus(job.ID)
		return err == nil && got.State == types.JobStateFailed
	}, 20*time.Second, 50*time.Millisecond)

	st, err := h.queue.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Failed)
}

func TestCleanup(t *testing.T) {
	h := newHarness(t, &scriptedExecutor{result: &types.ExecResult{Success: true}}, Config{Workers: 1})
	h.disp.Start()
	defer h.disp.Stop()

	job, _, err := h.disp.QueueJob(h.roomID, "alice", "code", types.ExecOptions{})
	require.NoError(t, err)
	waitForState(t, h, job.ID, types.JobStateCompleted)

	// Retention of zero purges everything terminal immediately.
	jobs, records, err := h.disp.Cleanup(0, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, jobs)
	assert.Equal(t, 1, records)
}
