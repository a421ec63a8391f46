package worker

import (
	"context"
	"sync/atomic"
	"time"

	"go.engram.dev/scm/go/emlog"
	"go.engram.dev/scm/scmsync/go/queue"
)

// DefaultMaxRenewFailures is how many consecutive renew failures the
// heartbeat tolerates before flagging the lease as lost.
const DefaultMaxRenewFailures = 3

// Heartbeat renews one job's lease in the background while the handler runs.
// It holds the queue handle directly rather than reaching back into the
// worker. Aborts are cooperative: the main loop consults ShouldAbort after
// the handler returns.
type Heartbeat struct {
	q           queue.Queue
	jobID       string
	workerID    string
	lease       time.Duration
	interval    time.Duration
	maxFailures int

	abort atomic.Bool
	stop  chan struct{}
	done  chan struct{}
}

// NewHeartbeat prepares a heartbeat for the job. A zero interval defaults to
// lease/5.
func NewHeartbeat(q queue.Queue, jobID, workerID string, lease, interval time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = lease / 5
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Heartbeat{
		q:           q,
		jobID:       jobID,
		workerID:    workerID,
		lease:       lease,
		interval:    interval,
		maxFailures: DefaultMaxRenewFailures,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start launches the renew goroutine.
func (h *Heartbeat) Start(ctx context.Context) {
	go h.loop(ctx)
}

// Stop ends the renew goroutine and waits for it to exit.
func (h *Heartbeat) Stop() {
	select {
	case <-h.stop:
	default:
		close(h.stop)
	}
	<-h.done
}

// ShouldAbort reports whether the lease was lost.
func (h *Heartbeat) ShouldAbort() bool {
	return h.abort.Load()
}

func (h *Heartbeat) loop(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	failures := 0
	for {
		select {
		case <-h.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.q.RenewLease(ctx, h.jobID, h.workerID, h.lease); err != nil {
				failures++
				emlog.Warningf("renewing lease on job %s failed (%d/%d): %s",
					h.jobID, failures, h.maxFailures, err)
				if failures >= h.maxFailures {
					h.abort.Store(true)
					return
				}
				continue
			}
			failures = 0
		}
	}
}
