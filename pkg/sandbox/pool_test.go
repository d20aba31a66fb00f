package sandbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codepit/codepit/pkg/log"
	"github.com/codepit/codepit/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

// fakeExecutor blocks until released, recording concurrency.
type fakeExecutor struct {
	mu      sync.Mutex
	running int
	peak    int
	release chan struct{}
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{release: make(chan struct{})}
}

func (f *fakeExecutor) Execute(ctx context.Context, jobID, code string, opts types.ExecOptions) (*types.ExecResult, error) {
	f.mu.Lock()
	f.running++
	if f.running > f.peak {
		f.peak = f.running
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.running--
		f.mu.Unlock()
	}()

	select {
	case <-f.release:
		return &types.ExecResult{Success: true, ExitCode: 0}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestPoolRefusesBeyondCapacity(t *testing.T) {
	exec := newFakeExecutor()
	pool := NewPool(exec, nil, 2)
	opts := DefaultOptions()

	results := make(chan error, 2)
	for _, id := range []string{"j1", "j2"} {
		go func(id string) {
			_, err := pool.Run(context.Background(), id, "code", opts)
			results <- err
		}(id)
	}

	// Wait until both slots are held.
	require.Eventually(t, func() bool { return pool.ActiveCount() == 2 }, time.Second, 5*time.Millisecond)

	_, err := pool.Run(context.Background(), "j3", "code", opts)
	assert.ErrorIs(t, err, types.ErrCapacityExceeded)

	close(exec.release)
	for i := 0; i < 2; i++ {
		require.NoError(t, <-results)
	}
	assert.Equal(t, 0, pool.ActiveCount())
	assert.Equal(t, 2, exec.peak)
}

func TestPoolKillCancelsRun(t *testing.T) {
	exec := newFakeExecutor()
	pool := NewPool(exec, nil, 1)

	done := make(chan error, 1)
	go func() {
		_, err := pool.Run(context.Background(), "victim", "code", DefaultOptions())
		done <- err
	}()

	require.Eventually(t, func() bool { return pool.ActiveCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, pool.Kill("victim"))
	assert.ErrorIs(t, <-done, context.Canceled)

	// A job that is not running cannot be killed.
	assert.False(t, pool.Kill("victim"))
}

func TestPoolDurationSamples(t *testing.T) {
	exec := newFakeExecutor()
	close(exec.release) // runs return immediately
	pool := NewPool(exec, nil, 5)

	assert.Zero(t, pool.AverageDuration())
	for i := 0; i < 3; i++ {
		_, err := pool.Run(context.Background(), "j", "code", DefaultOptions())
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, pool.AverageDuration(), time.Duration(0))
	assert.Equal(t, 5, pool.Capacity())
}

func TestPoolStopCancelsActiveRuns(t *testing.T) {
	exec := newFakeExecutor()
	pool := NewPool(exec, nil, 1)
	pool.Start()

	done := make(chan error, 1)
	go func() {
		_, err := pool.Run(context.Background(), "j1", "code", DefaultOptions())
		done <- err
	}()
	require.Eventually(t, func() bool { return pool.ActiveCount() == 1 }, time.Second, 5*time.Millisecond)

	pool.Stop()
	assert.ErrorIs(t, <-done, context.Canceled)
}
