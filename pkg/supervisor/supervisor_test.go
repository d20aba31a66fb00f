package supervisor

import (
	"context"
	"path/filepath"
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

type idleExecutor struct{}

func (idleExecutor) Execute(ctx context.Context, jobID, code string, opts types.ExecOptions) (*types.ExecResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type fixture struct {
	store    *store.Store
	sup      *Supervisor
	sessions *session.Manager
	tracker  *presence.Tracker
	roomID   string
}

func newFixture(t *testing.T) *fixture {
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

	pool := sandbox.NewPool(idleExecutor{}, broker, 5)
	disp := dispatch.New(st, q, pool, broker, dispatch.Config{})
	sessions := session.NewManager(st, broker)
	tracker := presence.NewTracker(st, broker)

	room, err := st.CreateRoom()
	require.NoError(t, err)

	return &fixture{
		store:    st,
		sup:      New(st, pool, disp, sessions, tracker, broker),
		sessions: sessions,
		tracker:  tracker,
		roomID:   room.ID,
	}
}

// plantStuckJob inserts a Running job whose started_at is far in the
// past.
func plantStuckJob(t *testing.T, st *store.Store, roomID string) string {
	t.Helper()
	job := &types.Job{
		ID:      "stuck-1",
		RoomID:  roomID,
		UserID:  "alice",
		Code:    "while(1);",
		Options: sandbox.DefaultOptions(),
	}
	job.Options.WallTimeoutMs = 1000
	require.NoError(t, st.CreateJob(job))
	require.NoError(t, st.MarkJobRunning(job.ID))

	// Backdate started_at beyond timeout plus grace.
	_, err := st.DB().Exec(`UPDATE compile_jobs SET started_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-5*time.Minute).Format("2006-01-02T15:04:05.000Z"), job.ID)
	require.NoError(t, err)
	return job.ID
}

func TestScanStuckJobsTimesOutOverdueRun(t *testing.T) {
	f := newFixture(t)
	jobID := plantStuckJob(t, f.store, f.roomID)

	f.sup.scanStuckJobs()

	job, err := f.store.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateTimeout, job.State)
	assert.NotNil(t, job.CompletedAt)

	// A second scan finds nothing to do.
	f.sup.scanStuckJobs()
	job, err = f.store.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateTimeout, job.State)
}

func TestScanStuckJobsLeavesFreshRunsAlone(t *testing.T) {
	f := newFixture(t)
	job := &types.Job{
		ID:      "fresh-1",
		RoomID:  f.roomID,
		UserID:  "alice",
		Code:    "code",
		Options: sandbox.DefaultOptions(),
	}
	require.NoError(t, f.store.CreateJob(job))
	require.NoError(t, f.store.MarkJobRunning(job.ID))

	f.sup.scanStuckJobs()

	got, err := f.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateRunning, got.State)
}

func TestArchiveIdleRooms(t *testing.T) {
	f := newFixture(t)

	// Give the room a live session with content, then backdate it.
	s, err := f.sessions.Get(f.roomID)
	require.NoError(t, err)
	client := crdt.NewDocument(s.AssignActor())
	op, err := client.InsertAt(0, "archived content")
	require.NoError(t, err)
	_, err = f.sessions.ApplyUpdate(f.roomID, crdt.EncodeOps([]crdt.Op{op}))
	require.NoError(t, err)

	_, err = f.store.DB().Exec(`UPDATE rooms SET last_activity = ? WHERE id = ?`,
		time.Now().UTC().Add(-48*time.Hour).Format("2006-01-02T15:04:05.000Z"), f.roomID)
	require.NoError(t, err)

	f.sup.archiveIdleRooms()

	room, err := f.store.GetRoom(f.roomID)
	require.NoError(t, err)
	assert.True(t, room.IsArchived)

	// The final backup snapshot preserved the content.
	snap, err := f.store.LatestSnapshot(f.roomID)
	require.NoError(t, err)
	assert.Equal(t, types.SnapshotBackup, snap.Kind)
	assert.Equal(t, "archived content", snap.Content)

	// The live session is gone.
	assert.Zero(t, f.sessions.SessionCount())
}

func TestSweepPresence(t *testing.T) {
	f := newFixture(t)
	_, err := f.tracker.Join(f.roomID, "alice")
	require.NoError(t, err)
	_, err = f.tracker.Join(f.roomID, "bob")
	require.NoError(t, err)

	// Ten minutes of silence is within the half-hour cutoff.
	_, err = f.store.DB().Exec(`UPDATE participants SET last_seen = ? WHERE user_id = 'bob'`,
		time.Now().UTC().Add(-10*time.Minute).Format("2006-01-02T15:04:05.000Z"))
	require.NoError(t, err)
	f.sup.sweepPresence()
	room, err := f.store.GetRoom(f.roomID)
	require.NoError(t, err)
	assert.Equal(t, 2, room.ParticipantCount)

	// An hour of silence is not.
	_, err = f.store.DB().Exec(`UPDATE participants SET last_seen = ? WHERE user_id = 'bob'`,
		time.Now().UTC().Add(-time.Hour).Format("2006-01-02T15:04:05.000Z"))
	require.NoError(t, err)
	f.sup.sweepPresence()
	room, err = f.store.GetRoom(f.roomID)
	require.NoError(t, err)
	assert.Equal(t, 1, room.ParticipantCount)
}
