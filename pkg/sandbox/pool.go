package sandbox

import (
	"context"
	"sync"
	"time"

	"github.com/codepit/codepit/pkg/events"
	"github.com/codepit/codepit/pkg/log"
	"github.com/codepit/codepit/pkg/types"
)

// Executor runs one submission. Satisfied by *Runner; tests substitute
// fakes.
type Executor interface {
	Execute(ctx context.Context, jobID, code string, opts types.ExecOptions) (*types.ExecResult, error)
}

const (
	reaperInterval = 60 * time.Second
	// reaperGrace is extra wall time past the job's own timeout before
	// the reaper force kills it.
	reaperGrace = 30 * time.Second

	sampleWindow = 60
)

type activeRun struct {
	jobID    string
	started  time.Time
	deadline time.Time
	cancel   context.CancelFunc
}

// Pool bounds concurrent sandbox executions and tracks every live run
// so stuck containers can be force killed. It also keeps a rolling
// window of recent run durations for the stats endpoints.
type Pool struct {
	exec   Executor
	broker *events.Broker
	max    int

	mu     sync.Mutex
	active map[string]*activeRun

	samples   [sampleWindow]time.Duration
	sampleIdx int
	sampleN   int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPool wraps an executor with concurrency control.
func NewPool(exec Executor, broker *events.Broker, maxConcurrent int) *Pool {
	if maxConcurrent < 1 {
		maxConcurrent = 5
	}
	return &Pool{
		exec:   exec,
		broker: broker,
		max:    maxConcurrent,
		active: make(map[string]*activeRun),
		stopCh: make(chan struct{}),
	}
}

// Start launches the background reaper.
func (p *Pool) Start() {
	p.wg.Add(1)
	go p.reaperLoop()
}

// Stop cancels every live run and waits for the reaper to exit.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.mu.Lock()
	for _, run := range p.active {
		run.cancel()
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Run executes a job if a slot is free. Saturated pools refuse with
// ErrCapacityExceeded rather than queueing; backpressure belongs to the
// dispatcher.
func (p *Pool) Run(ctx context.Context, jobID, code string, opts types.ExecOptions) (*types.ExecResult, error) {
	runCtx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	if len(p.active) >= p.max {
		p.mu.Unlock()
		cancel()
		return nil, types.ErrCapacityExceeded
	}
	started := time.Now()
	p.active[jobID] = &activeRun{
		jobID:    jobID,
		started:  started,
		deadline: started.Add(time.Duration(opts.WallTimeoutMs) * time.Millisecond),
		cancel:   cancel,
	}
	p.mu.Unlock()

	if p.broker != nil {
		p.broker.PublishJob(events.EventSandboxAcquired, jobID, "")
	}

	res, err := p.exec.Execute(runCtx, jobID, code, opts)

	p.mu.Lock()
	delete(p.active, jobID)
	p.samples[p.sampleIdx] = time.Since(started)
	p.sampleIdx = (p.sampleIdx + 1) % sampleWindow
	if p.sampleN < sampleWindow {
		p.sampleN++
	}
	p.mu.Unlock()
	cancel()

	if p.broker != nil {
		p.broker.PublishJob(events.EventSandboxReleased, jobID, "")
	}
	return res, err
}

// Kill cancels a live run by job ID. Returns false when the job is not
// currently running.
func (p *Pool) Kill(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	run, ok := p.active[jobID]
	if !ok {
		return false
	}
	run.cancel()
	return true
}

// ActiveCount returns the number of live runs.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Capacity returns the concurrency bound.
func (p *Pool) Capacity() int { return p.max }

// AverageDuration returns the mean duration over the rolling sample
// window, or zero when no runs completed yet.
func (p *Pool) AverageDuration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sampleN == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < p.sampleN; i++ {
		sum += p.samples[i]
	}
	return sum / time.Duration(p.sampleN)
}

func (p *Pool) reaperLoop() {
	defer p.wg.Done()
	logger := log.WithComponent("sandbox-reaper")
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			p.mu.Lock()
			for id, run := range p.active {
				if now.After(run.deadline.Add(reaperGrace)) {
					logger.Warn().Str("job_id", id).
						Time("deadline", run.deadline).
						Msg("force killing overdue sandbox run")
					run.cancel()
				}
			}
			p.mu.Unlock()
		case <-p.stopCh:
			return
		}
	}
}
