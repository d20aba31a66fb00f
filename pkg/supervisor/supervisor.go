package supervisor

import (
	"fmt"
	"time"

	"github.com/codepit/codepit/pkg/dispatch"
	"github.com/codepit/codepit/pkg/events"
	"github.com/codepit/codepit/pkg/log"
	"github.com/codepit/codepit/pkg/presence"
	"github.com/codepit/codepit/pkg/sandbox"
	"github.com/codepit/codepit/pkg/session"
	"github.com/codepit/codepit/pkg/store"
	"github.com/codepit/codepit/pkg/types"
)

const (
	// stuckScanInterval drives the Running-job watchdog.
	stuckScanInterval = 30 * time.Second

	// stuckGrace is how far past its own wall timeout a Running job may
	// live before the supervisor times it out.
	stuckGrace = 30 * time.Second

	cleanupInterval = 10 * time.Minute
	jobRetention    = 7 * 24 * time.Hour
	queueRetention  = time.Hour

	archiveScanInterval = time.Hour
	// roomIdleThreshold archives rooms with no activity for a day.
	roomIdleThreshold = 24 * time.Hour

	presenceSweepInterval = time.Minute
	// presenceStaleAfter retires participants inactive for half an hour.
	// A clean WebSocket disconnect marks the participant inactive right
	// away; this cutoff only catches clients that vanished without one.
	presenceStaleAfter = 30 * time.Minute
)

// Supervisor runs the background maintenance loops: the stuck-job
// watchdog, retention cleanup, idle-room archival and the presence
// sweep.
type Supervisor struct {
	store    *store.Store
	pool     *sandbox.Pool
	disp     *dispatch.Dispatcher
	sessions *session.Manager
	presence *presence.Tracker
	broker   *events.Broker

	stopCh chan struct{}
	doneCh chan struct{}
}

// New wires a supervisor.
func New(st *store.Store, pool *sandbox.Pool, disp *dispatch.Dispatcher, sessions *session.Manager, tracker *presence.Tracker, broker *events.Broker) *Supervisor {
	return &Supervisor{
		store:    st,
		pool:     pool,
		disp:     disp,
		sessions: sessions,
		presence: tracker,
		broker:   broker,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the maintenance loops.
func (s *Supervisor) Start() {
	go s.run()
}

// Stop halts the loops.
func (s *Supervisor) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Supervisor) run() {
	defer close(s.doneCh)
	logger := log.WithComponent("supervisor")
	logger.Info().Msg("supervisor started")

	stuckTicker := time.NewTicker(stuckScanInterval)
	cleanupTicker := time.NewTicker(cleanupInterval)
	archiveTicker := time.NewTicker(archiveScanInterval)
	presenceTicker := time.NewTicker(presenceSweepInterval)
	defer stuckTicker.Stop()
	defer cleanupTicker.Stop()
	defer archiveTicker.Stop()
	defer presenceTicker.Stop()

	for {
		select {
		case <-stuckTicker.C:
			s.scanStuckJobs()
		case <-cleanupTicker.C:
			s.cleanup()
		case <-archiveTicker.C:
			s.archiveIdleRooms()
		case <-presenceTicker.C:
			s.sweepPresence()
		case <-s.stopCh:
			logger.Info().Msg("supervisor stopped")
			return
		}
	}
}

// scanStuckJobs times out Running jobs that outlived their wall
// timeout plus grace, killing any live container first.
func (s *Supervisor) scanStuckJobs() {
	logger := log.WithComponent("supervisor")

	// Everything past its own deadline is also past the minimum cutoff,
	// so one query bounds the candidates.
	jobs, err := s.store.ListStuckJobs(time.Now().Add(-stuckGrace))
	if err != nil {
		logger.Error().Err(err).Msg("stuck job scan failed")
		return
	}

	now := time.Now()
	for _, job := range jobs {
		if job.StartedAt == nil {
			continue
		}
		deadline := job.StartedAt.Add(time.Duration(job.Options.WallTimeoutMs)*time.Millisecond + stuckGrace)
		if now.Before(deadline) {
			continue
		}

		logger.Warn().Str("job_id", job.ID).Time("started_at", *job.StartedAt).Msg("timing out stuck job")
		s.pool.Kill(job.ID)

		err := s.store.CompleteJob(job.ID, types.JobStateTimeout, &types.ExecResult{
			TimedOut: true,
			ExitCode: -1,
			Error:    fmt.Sprintf("supervisor: job exceeded %dms wall time", job.Options.WallTimeoutMs),
		})
		if err != nil {
			logger.Error().Err(err).Str("job_id", job.ID).Msg("stuck job completion failed")
			continue
		}
		s.broker.PublishJob(events.EventJobTimeout, job.ID, job.RoomID)
	}
}

func (s *Supervisor) cleanup() {
	logger := log.WithComponent("supervisor")
	jobs, records, err := s.disp.Cleanup(jobRetention, queueRetention)
	if err != nil {
		logger.Error().Err(err).Msg("retention cleanup failed")
		return
	}
	if jobs > 0 || records > 0 {
		logger.Info().Int64("jobs", jobs).Int("queue_records", records).Msg("retention cleanup")
	}
}

// archiveIdleRooms archives rooms idle past the threshold, writing a
// final backup snapshot first.
func (s *Supervisor) archiveIdleRooms() {
	logger := log.WithComponent("supervisor")
	rooms, err := s.store.ListInactiveRooms(time.Now().Add(-roomIdleThreshold))
	if err != nil {
		logger.Error().Err(err).Msg("idle room scan failed")
		return
	}

	for _, room := range rooms {
		if err := s.sessions.CleanupRoom(room.ID); err != nil {
			logger.Error().Err(err).Str("room_id", room.ID).Msg("room session cleanup failed")
			continue
		}
		if err := s.store.ArchiveRoom(room.ID); err != nil {
			logger.Error().Err(err).Str("room_id", room.ID).Msg("room archival failed")
			continue
		}
		s.broker.PublishRoom(events.EventRoomArchived, room.ID)
		logger.Info().Str("room_id", room.ID).Time("last_activity", room.LastActivity).Msg("room archived")
	}
}

func (s *Supervisor) sweepPresence() {
	logger := log.WithComponent("supervisor")
	n, err := s.presence.SweepStale(time.Now().Add(-presenceStaleAfter))
	if err != nil {
		logger.Error().Err(err).Msg("presence sweep failed")
		return
	}
	if n > 0 {
		logger.Debug().Int("retired", n).Msg("presence sweep")
	}
}
