package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/codepit/codepit/pkg/events"
	"github.com/codepit/codepit/pkg/log"
	"github.com/codepit/codepit/pkg/queue"
	"github.com/codepit/codepit/pkg/sandbox"
	"github.com/codepit/codepit/pkg/store"
	"github.com/codepit/codepit/pkg/types"
)

const (
	// maxPendingJobs saturates admission: waiting plus running jobs at
	// or above this refuse new submissions.
	maxPendingJobs = 100

	// attemptSlack pads the per-attempt context beyond the job's own
	// wall timeout so the in-container watchdog fires first.
	attemptSlack = 5 * time.Second

	pollInterval    = 500 * time.Millisecond
	promoteInterval = time.Second
)

// Config carries the dispatcher's admission knobs.
type Config struct {
	Workers         int
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxTimeoutMs    int
	MaxMemory       string
	MaxCPU          float64
}

// Dispatcher owns the compile-job pipeline: admission checks, the
// durable queue, and the worker lanes that feed the sandbox pool.
type Dispatcher struct {
	store  *store.Store
	queue  *queue.Queue
	pool   *sandbox.Pool
	broker *events.Broker
	cfg    Config

	stopCh chan struct{}
	doneCh chan struct{}
}

// New wires a dispatcher. Call Start to launch the worker lanes.
func New(st *store.Store, q *queue.Queue, pool *sandbox.Pool, broker *events.Broker, cfg Config) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 3
	}
	if cfg.RateLimitMax < 1 {
		cfg.RateLimitMax = 5
	}
	if cfg.RateLimitWindow == 0 {
		cfg.RateLimitWindow = time.Minute
	}
	return &Dispatcher{
		store:  st,
		queue:  q,
		pool:   pool,
		broker: broker,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// QueueJob admits a submission: the room must be live, the code within
// the size cap, the pipeline under its saturation bound and the user
// under their rate limit. Returns the stored job and its 1-based queue
// position.
func (d *Dispatcher) QueueJob(roomID, userID, code string, opts types.ExecOptions) (*types.Job, int, error) {
	room, err := d.store.GetRoom(roomID)
	if err != nil {
		return nil, 0, err
	}
	if room.IsArchived {
		return nil, 0, types.ErrArchived
	}

	if strings.TrimSpace(code) == "" {
		return nil, 0, fmt.Errorf("%w: code is empty", types.ErrValidation)
	}
	if len(code) > types.MaxCodeBytes {
		return nil, 0, fmt.Errorf("%w: code exceeds %d bytes", types.ErrValidation, types.MaxCodeBytes)
	}

	pending, err := d.store.CountPendingJobs()
	if err != nil {
		return nil, 0, err
	}
	if pending >= maxPendingJobs {
		return nil, 0, types.ErrQueueFull
	}

	recent, err := d.store.CountRecentJobsByUser(userID, d.cfg.RateLimitWindow)
	if err != nil {
		return nil, 0, err
	}
	if recent >= d.cfg.RateLimitMax {
		return nil, 0, types.ErrRateLimited
	}

	normalized, err := sandbox.NormalizeOptions(opts, d.cfg.MaxTimeoutMs, d.cfg.MaxMemory, d.cfg.MaxCPU)
	if err != nil {
		return nil, 0, err
	}

	job := &types.Job{
		ID:      uuid.New().String(),
		RoomID:  roomID,
		UserID:  userID,
		Code:    code,
		Options: normalized,
		State:   types.JobStateQueued,
	}
	if err := d.store.CreateJob(job); err != nil {
		return nil, 0, err
	}

	pos, err := d.queue.Enqueue(&queue.Item{JobID: job.ID, Priority: queue.PriorityNormal})
	if err != nil {
		// The job row exists but never entered the queue; fail it so it
		// does not sit Queued forever.
		_ = d.store.CompleteJob(job.ID, types.JobStateFailed, &types.ExecResult{
			Error: "failed to enqueue job",
		})
		return nil, 0, err
	}

	d.broker.PublishJob(events.EventJobQueued, job.ID, roomID)
	_ = d.store.TouchRoom(roomID)
	return job, pos, nil
}

// JobStatus returns a job and, while it waits, its queue position.
func (d *Dispatcher) JobStatus(jobID string) (*types.Job, int, error) {
	job, err := d.store.GetJob(jobID)
	if err != nil {
		return nil, 0, err
	}
	pos := 0
	if job.State == types.JobStateQueued {
		pos, _ = d.queue.Position(jobID)
	}
	return job, pos, nil
}

// CancelJob cancels a job owned by userID while it is Queued or
// Running. A cancelled Running job's sandbox is left to finish or be
// reaped; its late result loses to the terminal write. Finished jobs
// refuse with ErrTerminal.
func (d *Dispatcher) CancelJob(jobID, userID string) error {
	if err := d.store.CancelJob(jobID, userID); err != nil {
		return err
	}
	// Best effort: the worker may have already dequeued it.
	if err := d.queue.Remove(jobID); err != nil && !errors.Is(err, types.ErrNotFound) {
		return err
	}
	job, err := d.store.GetJob(jobID)
	if err == nil {
		d.broker.PublishJob(events.EventJobCancelled, jobID, job.RoomID)
	}
	return nil
}

// Stats exposes pipeline depth for health probes.
func (d *Dispatcher) Stats() (*queue.Stats, int, error) {
	st, err := d.queue.Stats()
	if err != nil {
		return nil, 0, err
	}
	return st, d.pool.ActiveCount(), nil
}

// Start launches the worker lanes and the delayed-item promoter.
func (d *Dispatcher) Start() {
	logger := log.WithComponent("dispatcher")
	logger.Info().Int("workers", d.cfg.Workers).Msg("starting worker lanes")

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		done := make(chan struct{}, d.cfg.Workers)
		for i := 0; i < d.cfg.Workers; i++ {
			go func(lane int) {
				d.workerLoop(lane)
				done <- struct{}{}
			}(i)
		}
		for i := 0; i < d.cfg.Workers; i++ {
			<-done
		}
	}()

	go func() {
		d.promoteLoop()
		<-workerDone
		close(d.doneCh)
	}()
}

// Stop drains the worker lanes.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	<-d.doneCh
}

func (d *Dispatcher) promoteLoop() {
	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := d.queue.PromoteDelayed(time.Now()); err != nil {
				logger := log.WithComponent("dispatcher")
				logger.Error().Err(err).Msg("promote delayed items")
			}
		case <-d.stopCh:
			return
		}
	}
}

func (d *Dispatcher) workerLoop(lane int) {
	logger := log.WithComponent("dispatcher").With().Int("lane", lane).Logger()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-d.queue.Notify():
		case <-ticker.C:
		}

		for {
			select {
			case <-d.stopCh:
				return
			default:
			}
			item, err := d.queue.Dequeue()
			if err != nil {
				logger.Error().Err(err).Msg("dequeue failed")
				break
			}
			if item == nil {
				break
			}
			d.process(logger, item)
		}
	}
}

// process runs one dequeued attempt end to end and settles the queue
// item.
func (d *Dispatcher) process(logger zerolog.Logger, item *queue.Item) {
	job, err := d.store.GetJob(item.JobID)
	if err != nil {
		logger.Error().Err(err).Str("job_id", item.JobID).Msg("dequeued job missing from store")
		_ = d.queue.Fail(item.JobID, "job row missing")
		return
	}

	if err := d.store.MarkJobRunning(job.ID); err != nil {
		if errors.Is(err, types.ErrTerminal) {
			// Cancelled (or otherwise settled) between enqueue and
			// dequeue; nothing to run.
			_ = d.queue.Ack(job.ID)
			return
		}
		logger.Error().Err(err).Str("job_id", job.ID).Msg("mark running failed")
		_, _ = d.queue.Nack(job.ID, err.Error())
		return
	}
	d.broker.PublishJob(events.EventJobStarted, job.ID, job.RoomID)

	attemptTimeout := time.Duration(job.Options.WallTimeoutMs)*time.Millisecond + attemptSlack
	ctx, cancel := context.WithTimeout(context.Background(), attemptTimeout)
	res, runErr := d.pool.Run(ctx, job.ID, job.Code, job.Options)
	cancel()

	switch {
	case runErr == nil && res.TimedOut:
		_ = d.store.CompleteJob(job.ID, types.JobStateTimeout, res)
		_ = d.queue.Ack(job.ID)
		d.broker.PublishJob(events.EventJobTimeout, job.ID, job.RoomID)

	case runErr == nil:
		state := types.JobStateCompleted
		event := events.EventJobCompleted
		if !res.Success {
			// The run settled with a non-zero exit (compile error or
			// crash); that is still a completed attempt, not a
			// pipeline failure, so no retry.
			state = types.JobStateFailed
			event = events.EventJobFailed
		}
		_ = d.store.CompleteJob(job.ID, state, res)
		_ = d.queue.Ack(job.ID)
		d.broker.PublishJob(event, job.ID, job.RoomID)

	default:
		// Sandbox infrastructure error: retry with backoff until the
		// attempt budget runs out.
		logger.Warn().Err(runErr).Str("job_id", job.ID).Int("attempt", item.Attempts).Msg("sandbox attempt failed")
		retrying, nackErr := d.queue.Nack(job.ID, runErr.Error())
		if nackErr != nil {
			logger.Error().Err(nackErr).Str("job_id", job.ID).Msg("nack failed")
			return
		}
		if retrying {
			_ = d.store.RequeueJob(job.ID)
			return
		}
		_ = d.store.CompleteJob(job.ID, types.JobStateFailed, &types.ExecResult{
			Error: fmt.Sprintf("execution failed after %d attempts: %v", item.Attempts, runErr),
		})
		d.broker.PublishJob(events.EventJobFailed, job.ID, job.RoomID)
	}
}

// Cleanup purges terminal jobs and settled queue records older than
// their retention windows. The supervisor calls this periodically.
func (d *Dispatcher) Cleanup(jobRetention, queueRetention time.Duration) (int64, int, error) {
	jobs, err := d.store.PurgeOldJobs(time.Now().Add(-jobRetention))
	if err != nil {
		return 0, 0, err
	}
	records, err := d.queue.Purge(time.Now().Add(-queueRetention))
	if err != nil {
		return jobs, 0, err
	}
	return jobs, records, nil
}
