package metrics

import (
	"time"

	"github.com/codepit/codepit/pkg/events"
	"github.com/codepit/codepit/pkg/queue"
	"github.com/codepit/codepit/pkg/sandbox"
	"github.com/codepit/codepit/pkg/session"
)

// Collector samples queue depth, sandbox occupancy and session counts
// on a fixed interval, and folds broker events into the counters.
type Collector struct {
	queue    *queue.Queue
	pool     *sandbox.Pool
	sessions *session.Manager
	broker   *events.Broker
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(q *queue.Queue, pool *sandbox.Pool, sessions *session.Manager, broker *events.Broker) *Collector {
	return &Collector{
		queue:    q,
		pool:     pool,
		sessions: sessions,
		broker:   broker,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics.
func (c *Collector) Start() {
	go c.consumeEvents()

	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if st, err := c.queue.Stats(); err == nil {
		QueueDepth.WithLabelValues("waiting").Set(float64(st.Waiting))
		QueueDepth.WithLabelValues("active").Set(float64(st.Active))
		QueueDepth.WithLabelValues("delayed").Set(float64(st.Delayed))
		QueueDepth.WithLabelValues("failed").Set(float64(st.Failed))
	}
	SandboxActive.Set(float64(c.pool.ActiveCount()))
	RoomsActive.Set(float64(c.sessions.SessionCount()))
}

// consumeEvents folds broker events into counters.
func (c *Collector) consumeEvents() {
	sub := c.broker.Subscribe()
	defer c.broker.Unsubscribe(sub)

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			switch ev.Type {
			case events.EventJobQueued:
				JobsSubmitted.Inc()
			case events.EventJobCompleted:
				JobsSettled.WithLabelValues("completed").Inc()
			case events.EventJobFailed:
				JobsSettled.WithLabelValues("failed").Inc()
			case events.EventJobTimeout:
				JobsSettled.WithLabelValues("timeout").Inc()
			case events.EventJobCancelled:
				JobsSettled.WithLabelValues("cancelled").Inc()
			case events.EventSnapshotTaken:
				SnapshotsTaken.WithLabelValues("any").Inc()
			}
		case <-c.stopCh:
			return
		}
	}
}
