package queue

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/codepit/codepit/pkg/types"
)

var (
	// Bucket names
	bucketWaiting   = []byte("waiting")
	bucketActive    = []byte("active")
	bucketCompleted = []byte("completed")
	bucketFailed    = []byte("failed")
	bucketDelayed   = []byte("delayed")
)

const (
	// DefaultMaxAttempts bounds retries per item.
	DefaultMaxAttempts = 3
	// baseBackoff is the first retry delay; it doubles per attempt.
	baseBackoff = 2 * time.Second
)

// Priority orders items within the waiting bucket. Lower values drain
// first; items sharing a priority drain FIFO.
type Priority uint8

const (
	PriorityHigh   Priority = 0
	PriorityNormal Priority = 1
	PriorityLow    Priority = 2
)

// Item is one queued unit of work. JobID references the store row; the
// queue itself never inspects the payload.
type Item struct {
	JobID       string    `json:"jobId"`
	Priority    Priority  `json:"priority"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"maxAttempts"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
	NotBefore   time.Time `json:"notBefore,omitempty"`
	LastError   string    `json:"lastError,omitempty"`

	key []byte // waiting-bucket key, set on dequeue
}

// Stats summarizes queue depth per bucket.
type Stats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Delayed   int `json:"delayed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Queue is a durable priority FIFO backed by bbolt. Items survive
// process restarts; anything left in the active bucket at startup is
// returned to waiting so a crash never strands work.
type Queue struct {
	db     *bolt.DB
	notify chan struct{}
}

// Open opens (creating if needed) the queue database under dataDir.
func Open(dataDir string) (*Queue, error) {
	dbPath := filepath.Join(dataDir, "queue.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{bucketWaiting, bucketActive, bucketCompleted, bucketFailed, bucketDelayed}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	q := &Queue{db: db, notify: make(chan struct{}, 1)}
	if err := q.recover(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

// Close closes the database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Notify returns a channel signaled whenever an item becomes runnable.
// Workers select on it alongside their poll ticker.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// recover returns crashed-over active items to the waiting bucket.
func (q *Queue) recover() error {
	return q.db.Update(func(tx *bolt.Tx) error {
		active := tx.Bucket(bucketActive)
		waiting := tx.Bucket(bucketWaiting)

		type stranded struct {
			k, v []byte
		}
		var items []stranded
		if err := active.ForEach(func(k, v []byte) error {
			items = append(items, stranded{append([]byte(nil), k...), append([]byte(nil), v...)})
			return nil
		}); err != nil {
			return err
		}
		for _, it := range items {
			var item Item
			if err := json.Unmarshal(it.v, &item); err != nil {
				return fmt.Errorf("decode stranded item: %w", err)
			}
			key, err := nextKey(waiting, item.Priority)
			if err != nil {
				return err
			}
			if err := waiting.Put(key, it.v); err != nil {
				return err
			}
			if err := active.Delete(it.k); err != nil {
				return err
			}
		}
		return nil
	})
}

// nextKey builds a waiting-bucket key: one priority byte followed by a
// big-endian sequence number, so cursor order is priority then FIFO.
func nextKey(b *bolt.Bucket, p Priority) ([]byte, error) {
	seq, err := b.NextSequence()
	if err != nil {
		return nil, err
	}
	key := make([]byte, 9)
	key[0] = byte(p)
	binary.BigEndian.PutUint64(key[1:], seq)
	return key, nil
}

// Enqueue adds an item to the waiting bucket and returns its 1-based
// queue position.
func (q *Queue) Enqueue(item *Item) (int, error) {
	if item.MaxAttempts == 0 {
		item.MaxAttempts = DefaultMaxAttempts
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}

	var position int
	err := q.db.Update(func(tx *bolt.Tx) error {
		waiting := tx.Bucket(bucketWaiting)
		key, err := nextKey(waiting, item.Priority)
		if err != nil {
			return err
		}
		data, err := json.Marshal(item)
		if err != nil {
			return err
		}
		if err := waiting.Put(key, data); err != nil {
			return err
		}
		position = positionOf(waiting, key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	q.signal()
	return position, nil
}

// positionOf counts keys at or before the given key in cursor order.
func positionOf(waiting *bolt.Bucket, key []byte) int {
	pos := 0
	c := waiting.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		pos++
		if bytes.Equal(k, key) {
			return pos
		}
	}
	return pos
}

// Dequeue moves the head item from waiting to active and returns it.
// Returns nil when the queue is empty.
func (q *Queue) Dequeue() (*Item, error) {
	var item *Item
	err := q.db.Update(func(tx *bolt.Tx) error {
		waiting := tx.Bucket(bucketWaiting)
		c := waiting.Cursor()
		k, v := c.First()
		if k == nil {
			return nil
		}

		var it Item
		if err := json.Unmarshal(v, &it); err != nil {
			return fmt.Errorf("decode item: %w", err)
		}
		it.Attempts++
		it.key = append([]byte(nil), k...)

		data, err := json.Marshal(&it)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketActive).Put([]byte(it.JobID), data); err != nil {
			return err
		}
		if err := waiting.Delete(k); err != nil {
			return err
		}
		item = &it
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	return item, nil
}

// Ack completes an active item, recording it in the completed bucket.
func (q *Queue) Ack(jobID string) error {
	return q.finish(jobID, bucketCompleted, "")
}

// Fail moves an active item straight to the failed bucket without
// retrying, for non-retryable errors.
func (q *Queue) Fail(jobID, reason string) error {
	return q.finish(jobID, bucketFailed, reason)
}

func (q *Queue) finish(jobID string, dest []byte, reason string) error {
	err := q.db.Update(func(tx *bolt.Tx) error {
		active := tx.Bucket(bucketActive)
		v := active.Get([]byte(jobID))
		if v == nil {
			return fmt.Errorf("item not active: %s", jobID)
		}
		var item Item
		if err := json.Unmarshal(v, &item); err != nil {
			return err
		}
		if reason != "" {
			item.LastError = reason
		}
		data, err := json.Marshal(&item)
		if err != nil {
			return err
		}
		if err := tx.Bucket(dest).Put([]byte(jobID), data); err != nil {
			return err
		}
		return active.Delete([]byte(jobID))
	})
	if err != nil {
		return fmt.Errorf("finish: %w", err)
	}
	return nil
}

// Nack reports a failed attempt. Items under their attempt budget are
// scheduled into the delayed bucket with exponential backoff; exhausted
// items land in failed. Returns true when the item will retry.
func (q *Queue) Nack(jobID, reason string) (bool, error) {
	var retrying bool
	err := q.db.Update(func(tx *bolt.Tx) error {
		active := tx.Bucket(bucketActive)
		v := active.Get([]byte(jobID))
		if v == nil {
			return fmt.Errorf("item not active: %s", jobID)
		}
		var item Item
		if err := json.Unmarshal(v, &item); err != nil {
			return err
		}
		item.LastError = reason

		if item.Attempts >= item.MaxAttempts {
			data, err := json.Marshal(&item)
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketFailed).Put([]byte(jobID), data); err != nil {
				return err
			}
			return active.Delete([]byte(jobID))
		}

		backoff := baseBackoff << (item.Attempts - 1)
		item.NotBefore = time.Now().UTC().Add(backoff)
		retrying = true

		data, err := json.Marshal(&item)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketDelayed).Put([]byte(jobID), data); err != nil {
			return err
		}
		return active.Delete([]byte(jobID))
	})
	if err != nil {
		return false, fmt.Errorf("nack: %w", err)
	}
	return retrying, nil
}

// PromoteDelayed moves due delayed items back into waiting and returns
// how many were promoted. The dispatcher calls this on a short ticker.
func (q *Queue) PromoteDelayed(now time.Time) (int, error) {
	promoted := 0
	err := q.db.Update(func(tx *bolt.Tx) error {
		delayed := tx.Bucket(bucketDelayed)
		waiting := tx.Bucket(bucketWaiting)

		type due struct {
			k []byte
			item Item
		}
		var ready []due
		if err := delayed.ForEach(func(k, v []byte) error {
			var item Item
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if !item.NotBefore.After(now) {
				ready = append(ready, due{append([]byte(nil), k...), item})
			}
			return nil
		}); err != nil {
			return err
		}

		for _, d := range ready {
			d.item.NotBefore = time.Time{}
			key, err := nextKey(waiting, d.item.Priority)
			if err != nil {
				return err
			}
			data, err := json.Marshal(&d.item)
			if err != nil {
				return err
			}
			if err := waiting.Put(key, data); err != nil {
				return err
			}
			if err := delayed.Delete(d.k); err != nil {
				return err
			}
			promoted++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("promote delayed: %w", err)
	}
	if promoted > 0 {
		q.signal()
	}
	return promoted, nil
}

// Remove deletes a waiting item by job ID, for cancellations. Returns
// ErrNotFound if the item is not waiting (already active or finished).
func (q *Queue) Remove(jobID string) error {
	found := false
	err := q.db.Update(func(tx *bolt.Tx) error {
		waiting := tx.Bucket(bucketWaiting)
		c := waiting.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var item Item
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if item.JobID == jobID {
				found = true
				return waiting.Delete(k)
			}
		}
		// Cancelled before dispatch picks it up; also check delayed.
		delayed := tx.Bucket(bucketDelayed)
		if delayed.Get([]byte(jobID)) != nil {
			found = true
			return delayed.Delete([]byte(jobID))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove: %w", err)
	}
	if !found {
		return types.ErrNotFound
	}
	return nil
}

// Position returns the 1-based waiting position of a job, or 0 when the
// job is not waiting.
func (q *Queue) Position(jobID string) (int, error) {
	pos := 0
	err := q.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketWaiting).Cursor()
		i := 0
		for k, v := c.First(); k != nil; k, v = c.Next() {
			i++
			var item Item
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if item.JobID == jobID {
				pos = i
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("position: %w", err)
	}
	return pos, nil
}

// Stats returns per-bucket depths.
func (q *Queue) Stats() (*Stats, error) {
	var st Stats
	err := q.db.View(func(tx *bolt.Tx) error {
		st.Waiting = tx.Bucket(bucketWaiting).Stats().KeyN
		st.Active = tx.Bucket(bucketActive).Stats().KeyN
		st.Delayed = tx.Bucket(bucketDelayed).Stats().KeyN
		st.Completed = tx.Bucket(bucketCompleted).Stats().KeyN
		st.Failed = tx.Bucket(bucketFailed).Stats().KeyN
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return &st, nil
}

// Purge drops completed and failed records older than the cutoff and
// returns how many were removed.
func (q *Queue) Purge(cutoff time.Time) (int, error) {
	removed := 0
	err := q.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketCompleted, bucketFailed} {
			b := tx.Bucket(name)
			var old [][]byte
			if err := b.ForEach(func(k, v []byte) error {
				var item Item
				if err := json.Unmarshal(v, &item); err != nil {
					return err
				}
				if item.EnqueuedAt.Before(cutoff) {
					old = append(old, append([]byte(nil), k...))
				}
				return nil
			}); err != nil {
				return err
			}
			for _, k := range old {
				if err := b.Delete(k); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	return removed, nil
}
