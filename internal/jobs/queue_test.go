package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type recordingProcessor struct {
	mu    sync.Mutex
	items []WorkItem
	fail  bool
	done  chan struct{}
}

func (p *recordingProcessor) Process(ctx context.Context, item WorkItem) error {
	p.mu.Lock()
	p.items = append(p.items, item)
	p.mu.Unlock()
	if p.done != nil {
		p.done <- struct{}{}
	}
	if p.fail {
		return errors.New("fail")
	}
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestQueue_StartEnqueueShutdown(t *testing.T) {
	q := NewQueue(discardLogger(), 2, 1)
	p := &recordingProcessor{done: make(chan struct{}, 1), fail: true}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Start(ctx, p); err != nil {
		t.Fatalf("queue start: %v", err)
	}

	if err := q.Enqueue(WorkItem{JobID: "id1", URL: "http://cdn/x.mp4"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("processor was not called")
	}
	p.mu.Lock()
	got := p.items[0]
	p.mu.Unlock()
	if got.JobID != "id1" || got.URL != "http://cdn/x.mp4" {
		t.Fatalf("unexpected item: %+v", got)
	}

	q.Shutdown(2 * time.Second)

	if err := q.Enqueue(WorkItem{JobID: "late"}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("enqueue after shutdown: want ErrQueueClosed, got %v", err)
	}
}

func TestQueue_EnqueueBeforeStartFails(t *testing.T) {
	q := NewQueue(discardLogger(), 1, 1)
	if err := q.Enqueue(WorkItem{JobID: "x"}); !errors.Is(err, ErrQueueNotStarted) {
		t.Fatalf("want ErrQueueNotStarted, got %v", err)
	}
}

type blockingProcessor struct {
	release chan struct{}
	started chan struct{}
}

func (p *blockingProcessor) Process(ctx context.Context, item WorkItem) error {
	p.started <- struct{}{}
	select {
	case <-p.release:
	case <-ctx.Done():
	}
	return nil
}

func TestQueue_FullQueueRejects(t *testing.T) {
	q := NewQueue(discardLogger(), 1, 1)
	p := &blockingProcessor{release: make(chan struct{}), started: make(chan struct{}, 1)}
	if err := q.Start(context.Background(), p); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Shutdown(time.Second)

	if err := q.Enqueue(WorkItem{JobID: "a"}); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	<-p.started // worker holds "a"
	if err := q.Enqueue(WorkItem{JobID: "b"}); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}
	if err := q.Enqueue(WorkItem{JobID: "c"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("want ErrQueueFull, got %v", err)
	}
	close(p.release)
}
