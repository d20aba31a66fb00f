package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/codepit/codepit/pkg/types"
)

// terminalStates is the SQL fragment guarding write-once transitions.
const terminalStates = `('Completed', 'Failed', 'Timeout', 'Cancelled')`

// CreateJob inserts a new job in Queued state. Options must already be
// validated and fully populated.
func (s *Store) CreateJob(job *types.Job) error {
	opts, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	if job.State == "" {
		job.State = types.JobStateQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.Exec(`INSERT INTO compile_jobs (id, room_id, user_id, code, options, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.RoomID, job.UserID, job.Code, string(opts), string(job.State), job.CreatedAt.Format(timeFmt))
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(id string) (*types.Job, error) {
	row := s.db.QueryRow(
		`SELECT id, room_id, user_id, code, options, state, created_at, started_at, completed_at,
			stdout, stderr, exit_code, execution_time_ms, memory_bytes
		FROM compile_jobs WHERE id = ?`, id)
	return scanJob(row.Scan)
}

func scanJob(scan func(dest ...any) error) (*types.Job, error) {
	var j types.Job
	var opts, state, createdAt string
	var startedAt, completedAt, stdout, stderr sql.NullString
	var exitCode, execMs, memBytes sql.NullInt64
	err := scan(&j.ID, &j.RoomID, &j.UserID, &j.Code, &opts, &state, &createdAt,
		&startedAt, &completedAt, &stdout, &stderr, &exitCode, &execMs, &memBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	if err := json.Unmarshal([]byte(opts), &j.Options); err != nil {
		return nil, fmt.Errorf("unmarshal options: %w", err)
	}
	j.State = types.JobState(state)
	if j.CreatedAt, err = time.Parse(timeFmt, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if startedAt.Valid {
		ts, err := time.Parse(timeFmt, startedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		j.StartedAt = &ts
	}
	if completedAt.Valid {
		ts, err := time.Parse(timeFmt, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		j.CompletedAt = &ts
	}
	if stdout.Valid {
		j.Stdout = stdout.String
	}
	if stderr.Valid {
		j.Stderr = stderr.String
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		j.ExitCode = &v
	}
	if execMs.Valid {
		v := execMs.Int64
		j.ExecutionTimeMs = &v
	}
	if memBytes.Valid {
		v := memBytes.Int64
		j.MemoryBytes = &v
	}
	return &j, nil
}

// MarkJobRunning transitions Queued -> Running. Returns ErrTerminal if
// the job already finished and ErrNotFound if it does not exist.
func (s *Store) MarkJobRunning(id string) error {
	res, err := s.db.Exec(`UPDATE compile_jobs SET state = 'Running', started_at = ?
		WHERE id = ? AND state = 'Queued'`,
		time.Now().UTC().Format(timeFmt), id)
	if err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.classifyMissedTransition(id)
	}
	return nil
}

// RequeueJob moves a Running job back to Queued for a retry attempt.
func (s *Store) RequeueJob(id string) error {
	res, err := s.db.Exec(`UPDATE compile_jobs SET state = 'Queued', started_at = NULL
		WHERE id = ? AND state = 'Running'`, id)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.classifyMissedTransition(id)
	}
	return nil
}

// CompleteJob writes the terminal state and results exactly once.
// Attempts against an already terminal job return ErrTerminal.
func (s *Store) CompleteJob(id string, state types.JobState, res *types.ExecResult) error {
	if !state.Terminal() {
		return fmt.Errorf("complete job: %s is not a terminal state", state)
	}
	var stdout, stderr any
	var exitCode, execMs, memBytes any
	if res != nil {
		stdout, stderr = res.Stdout, res.Stderr
		exitCode = res.ExitCode
		execMs = res.ExecutionTimeMs
		if res.MemoryBytes > 0 {
			memBytes = res.MemoryBytes
		}
	}
	r, err := s.db.Exec(`UPDATE compile_jobs
		SET state = ?, completed_at = ?, stdout = ?, stderr = ?, exit_code = ?, execution_time_ms = ?, memory_bytes = ?
		WHERE id = ? AND state NOT IN `+terminalStates,
		string(state), time.Now().UTC().Format(timeFmt), stdout, stderr, exitCode, execMs, memBytes, id)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return s.classifyMissedTransition(id)
	}
	return nil
}

// CancelJob cancels a job owned by userID while it is still Queued or
// Running. A Running job's sandbox is left to the watchdog; the
// write-once guard on CompleteJob settles the race in whichever order
// the writes land. Terminal jobs return ErrTerminal.
func (s *Store) CancelJob(id, userID string) error {
	res, err := s.db.Exec(`UPDATE compile_jobs SET state = 'Cancelled', completed_at = ?
		WHERE id = ? AND user_id = ? AND state IN ('Queued', 'Running')`,
		time.Now().UTC().Format(timeFmt), id, userID)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	job, err := s.GetJob(id)
	if err != nil {
		return err
	}
	if job.UserID != userID {
		return types.ErrNotFound
	}
	return types.ErrTerminal
}

func (s *Store) classifyMissedTransition(id string) error {
	job, err := s.GetJob(id)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return types.ErrTerminal
	}
	return fmt.Errorf("job %s in unexpected state %s", id, job.State)
}

// CountPendingJobs returns the number of Queued plus Running jobs,
// used for admission saturation checks.
func (s *Store) CountPendingJobs() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM compile_jobs WHERE state IN ('Queued', 'Running')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending jobs: %w", err)
	}
	return n, nil
}

// CountRecentJobsByUser counts a user's submissions inside the rolling
// rate-limit window.
func (s *Store) CountRecentJobsByUser(userID string, window time.Duration) (int, error) {
	var n int
	cutoff := time.Now().UTC().Add(-window).Format(timeFmt)
	err := s.db.QueryRow(`SELECT COUNT(*) FROM compile_jobs WHERE user_id = ? AND created_at >= ?`,
		userID, cutoff).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count recent jobs: %w", err)
	}
	return n, nil
}

// ListJobsByRoom returns a room's jobs newest first, capped at limit.
func (s *Store) ListJobsByRoom(roomID string, limit int) ([]*types.Job, error) {
	rows, err := s.db.Query(
		`SELECT id, room_id, user_id, code, options, state, created_at, started_at, completed_at,
			stdout, stderr, exit_code, execution_time_ms, memory_bytes
		FROM compile_jobs WHERE room_id = ? ORDER BY created_at DESC LIMIT ?`,
		roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*types.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ListJobsByUser returns a user's jobs newest first, capped at limit.
func (s *Store) ListJobsByUser(userID string, limit int) ([]*types.Job, error) {
	rows, err := s.db.Query(
		`SELECT id, room_id, user_id, code, options, state, created_at, started_at, completed_at,
			stdout, stderr, exit_code, execution_time_ms, memory_bytes
		FROM compile_jobs WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs by user: %w", err)
	}
	defer rows.Close()

	var out []*types.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ListRunningJobs returns every job currently in Running state.
func (s *Store) ListRunningJobs() ([]*types.Job, error) {
	rows, err := s.db.Query(
		`SELECT id, room_id, user_id, code, options, state, created_at, started_at, completed_at,
			stdout, stderr, exit_code, execution_time_ms, memory_bytes
		FROM compile_jobs WHERE state = 'Running' ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("list running jobs: %w", err)
	}
	defer rows.Close()

	var out []*types.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ListStuckJobs returns Running jobs whose started_at is older than the
// cutoff; the supervisor times these out.
func (s *Store) ListStuckJobs(cutoff time.Time) ([]*types.Job, error) {
	rows, err := s.db.Query(
		`SELECT id, room_id, user_id, code, options, state, created_at, started_at, completed_at,
			stdout, stderr, exit_code, execution_time_ms, memory_bytes
		FROM compile_jobs WHERE state = 'Running' AND started_at < ?`,
		cutoff.UTC().Format(timeFmt))
	if err != nil {
		return nil, fmt.Errorf("list stuck jobs: %w", err)
	}
	defer rows.Close()

	var out []*types.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// PurgeOldJobs deletes terminal jobs older than the cutoff and returns
// how many rows were removed.
func (s *Store) PurgeOldJobs(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM compile_jobs
		WHERE state IN `+terminalStates+` AND created_at < ?`,
		cutoff.UTC().Format(timeFmt))
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	return res.RowsAffected()
}
