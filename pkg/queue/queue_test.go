package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codepit/codepit/pkg/types"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestFIFOWithinPriority(t *testing.T) {
	q := openTestQueue(t)

	for _, id := range []string{"a", "b", "c"} {
		pos, err := q.Enqueue(&Item{JobID: id, Priority: PriorityNormal})
		require.NoError(t, err)
		assert.Positive(t, pos)
	}

	for _, want := range []string{"a", "b", "c"} {
		item, err := q.Dequeue()
		require.NoError(t, err)
		require.NotNil(t, item)
		assert.Equal(t, want, item.JobID)
		assert.Equal(t, 1, item.Attempts)
	}

	item, err := q.Dequeue()
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestPriorityDrainsFirst(t *testing.T) {
	q := openTestQueue(t)

	_, err := q.Enqueue(&Item{JobID: "slow", Priority: PriorityLow})
	require.NoError(t, err)
	_, err = q.Enqueue(&Item{JobID: "normal", Priority: PriorityNormal})
	require.NoError(t, err)
	_, err = q.Enqueue(&Item{JobID: "urgent", Priority: PriorityHigh})
	require.NoError(t, err)

	order := []string{}
	for {
		item, err := q.Dequeue()
		require.NoError(t, err)
		if item == nil {
			break
		}
		order = append(order, item.JobID)
	}
	assert.Equal(t, []string{"urgent", "normal", "slow"}, order)
}

func TestAckSettlesItem(t *testing.T) {
	q := openTestQueue(t)

	_, err := q.Enqueue(&Item{JobID: "j1"})
	require.NoError(t, err)
	item, err := q.Dequeue()
	require.NoError(t, err)
	require.NoError(t, q.Ack(item.JobID))

	st, err := q.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, st.Waiting)
	assert.Equal(t, 0, st.Active)
	assert.Equal(t, 1, st.Completed)
}

func TestNackRetriesWithBackoffThenFails(t *testing.T) {
	q := openTestQueue(t)

	_, err := q.Enqueue(&Item{JobID: "flaky"})
	require.NoError(t, err)

	for attempt := 1; attempt <= DefaultMaxAttempts; attempt++ {
		// Promote any delayed retry that is due.
		_, err := q.PromoteDelayed(time.Now().Add(time.Hour))
		require.NoError(t, err)

		item, err := q.Dequeue()
		require.NoError(t, err)
		require.NotNil(t, item, "attempt %d", attempt)
		assert.Equal(t, attempt, item.Attempts)

		retrying, err := q.Nack(item.JobID, "sandbox error")
		require.NoError(t, err)
		assert.Equal(t, attempt < DefaultMaxAttempts, retrying)
	}

	st, err := q.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, 0, st.Waiting)
	assert.Equal(t, 0, st.Delayed)
}

func TestDelayedNotRunnableBeforeBackoff(t *testing.T) {
	q := openTestQueue(t)

	_, err := q.Enqueue(&Item{JobID: "j1"})
	require.NoError(t, err)
	item, err := q.Dequeue()
	require.NoError(t, err)
	retrying, err := q.Nack(item.JobID, "boom")
	require.NoError(t, err)
	require.True(t, retrying)

	// Backoff has not elapsed yet; nothing promotes at time.Now().
	n, err := q.PromoteDelayed(time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	item, err = q.Dequeue()
	require.NoError(t, err)
	assert.Nil(t, item)

	// After the backoff window the retry is runnable again.
	n, err = q.PromoteDelayed(time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRemoveWaitingItem(t *testing.T) {
	q := openTestQueue(t)

	_, err := q.Enqueue(&Item{JobID: "keep"})
	require.NoError(t, err)
	_, err = q.Enqueue(&Item{JobID: "drop"})
	require.NoError(t, err)

	require.NoError(t, q.Remove("drop"))
	assert.ErrorIs(t, q.Remove("drop"), types.ErrNotFound)

	pos, err := q.Position("keep")
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
	pos, err = q.Position("drop")
	require.NoError(t, err)
	assert.Zero(t, pos)
}

func TestCrashRecoveryReturnsActiveToWaiting(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(dir)
	require.NoError(t, err)

	_, err = q.Enqueue(&Item{JobID: "survivor"})
	require.NoError(t, err)
	_, err = q.Dequeue()
	require.NoError(t, err)
	require.NoError(t, q.Close())

	// Reopen simulates a crash with the item still active.
	q2, err := Open(dir)
	require.NoError(t, err)
	defer q2.Close()

	st, err := q2.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Waiting)
	assert.Equal(t, 0, st.Active)

	item, err := q2.Dequeue()
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "survivor", item.JobID)
	// The interrupted attempt still counts.
	assert.Equal(t, 2, item.Attempts)
}

func TestPurgeOldRecords(t *testing.T) {
	q := openTestQueue(t)

	_, err := q.Enqueue(&Item{JobID: "old"})
	require.NoError(t, err)
	item, err := q.Dequeue()
	require.NoError(t, err)
	require.NoError(t, q.Ack(item.JobID))

	n, err := q.Purge(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, err := q.Stats()
	require.NoError(t, err)
	assert.Zero(t, st.Completed)
}

func TestNotifySignaledOnEnqueue(t *testing.T) {
	q := openTestQueue(t)

	_, err := q.Enqueue(&Item{JobID: "j1"})
	require.NoError(t, err)

	select {
	case <-q.Notify():
	default:
		t.Fatal("expected notify signal after enqueue")
	}
}
