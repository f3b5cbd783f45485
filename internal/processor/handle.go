package processor

import (
	"context"
	"sync"

	"github.com/jo-hoe/mediagen/internal/jobs"
)

// Handle is the caller's view of one running job.
type Handle struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	last   jobs.GenerationJob
	subs   []chan jobs.GenerationJob
	err    error
	closed bool
}

func newHandle(job jobs.GenerationJob, cancel context.CancelFunc) *Handle {
	return &Handle{
		id:     job.ID,
		cancel: cancel,
		done:   make(chan struct{}),
		last:   job.Clone(),
	}
}

func (h *Handle) ID() string { return h.id }

// Updates returns a channel of job snapshots. The channel holds only the latest
// snapshot, starts with the current one, and is closed when polling stops.
func (h *Handle) Updates() <-chan jobs.GenerationJob {
	ch := make(chan jobs.GenerationJob, 1)
	h.mu.Lock()
	defer h.mu.Unlock()
	ch <- h.last.Clone()
	if h.closed {
		close(ch)
		return ch
	}
	h.subs = append(h.subs, ch)
	return ch
}

// Last returns the most recent snapshot.
func (h *Handle) Last() jobs.GenerationJob {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last.Clone()
}

// Done is closed when the job reaches a terminal state or polling stops.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err is ErrCancelled when polling was stopped before a terminal state, nil otherwise.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Wait blocks until the job stops or ctx ends.
func (h *Handle) Wait(ctx context.Context) (jobs.GenerationJob, error) {
	select {
	case <-h.done:
		return h.Last(), h.Err()
	case <-ctx.Done():
		return h.Last(), ctx.Err()
	}
}

// Cancel stops local polling. The remote job is not affected and the record keeps its last state.
func (h *Handle) Cancel() {
	h.cancel()
}

func (h *Handle) publish(job jobs.GenerationJob) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.last = job.Clone()
	for _, ch := range h.subs {
		// latest wins: drop an unread snapshot
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- job.Clone():
		default:
		}
	}
}

func (h *Handle) finish(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.err = err
	for _, ch := range h.subs {
		close(ch)
	}
	h.subs = nil
	close(h.done)
}
