package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jo-hoe/mediagen/internal/common"
)

// DefaultFailureDetail is recorded when a job fails without a backend-provided reason.
const DefaultFailureDetail = "generation failed"

// Evictor deletes local media referenced by a removed job.
type Evictor interface {
	Evict(ref string) error
}

// History is the ordered, persisted list of generation jobs (newest first).
// Every mutation rewrites the whole list under a single key.
type History struct {
	log     *slog.Logger
	kv      KV
	key     string
	evictor Evictor
	now     func() time.Time

	mu    sync.Mutex
	items []GenerationJob
}

var _ Store = (*History)(nil)

// OpenHistory loads the list stored under key. A missing key yields an empty history;
// an unreadable document is logged and replaced on the next write.
func OpenHistory(ctx context.Context, kv KV, key string, evictor Evictor, logger *slog.Logger) (*History, error) {
	if kv == nil {
		return nil, errors.New("history kv is required")
	}
	if strings.TrimSpace(key) == "" {
		key = common.DefaultHistoryKey
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h := &History{
		log:     logger.With("component", "history", "key", key),
		kv:      kv,
		key:     key,
		evictor: evictor,
		now:     func() time.Time { return time.Now().UTC() },
	}

	raw, ok, err := kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if ok && len(raw) > 0 {
		var items []GenerationJob
		if err := json.Unmarshal(raw, &items); err != nil {
			h.log.Warn("stored history is unreadable; starting empty", "err", err)
		} else {
			h.items = items
		}
	}
	h.log.Debug("history loaded", "count", len(h.items))
	return h, nil
}

// Add inserts job at the head of the list.
func (h *History) Add(job GenerationJob) error {
	if strings.TrimSpace(job.ID) == "" {
		return errors.New("job id is required")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.indexOf(job.ID) >= 0 {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	now := h.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	h.items = append([]GenerationJob{job.Clone()}, h.items...)
	h.persistLocked()
	return nil
}

// UpdateStatus applies u to the job with the given id and returns the stored record.
// The bool is false when nothing was written: unknown id, terminal record, or an
// update that would break the result/error invariants.
func (h *History) UpdateStatus(id string, u StatusUpdate) (GenerationJob, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	i := h.indexOf(id)
	if i < 0 {
		return GenerationJob{}, false
	}
	cur := h.items[i]
	if cur.Status.Terminal() {
		return cur.Clone(), false
	}

	next := cur
	if u.BackendRef != "" && next.BackendRef == "" {
		next.BackendRef = u.BackendRef
	}
	if u.Status != "" {
		next.Status = u.Status
	}
	if u.Progress != nil {
		p := clampProgress(*u.Progress)
		next.Progress = &p
	}

	switch next.Status {
	case StatusFinished:
		url := strings.TrimSpace(u.ResultURL)
		if url == "" {
			h.log.Warn("refusing finished update without result url", "job_id", id)
			return cur.Clone(), false
		}
		next.ResultURL = &url
		next.ErrorDetail = nil
		full := 100
		next.Progress = &full
	case StatusFailed:
		detail := strings.TrimSpace(u.ErrorDetail)
		if detail == "" {
			detail = DefaultFailureDetail
		}
		next.ErrorDetail = &detail
		next.ResultURL = nil
	default:
		next.ResultURL = nil
		next.ErrorDetail = nil
	}

	next.UpdatedAt = h.now()
	h.items[i] = next
	h.persistLocked()
	return next.Clone(), true
}

// Remove deletes the job and evicts any local media its result referenced.
func (h *History) Remove(id string) bool {
	h.mu.Lock()
	i := h.indexOf(id)
	if i < 0 {
		h.mu.Unlock()
		return false
	}
	removed := h.items[i]
	h.items = append(h.items[:i:i], h.items[i+1:]...)
	h.persistLocked()
	h.mu.Unlock()

	if h.evictor != nil && removed.ResultURL != nil {
		if err := h.evictor.Evict(*removed.ResultURL); err != nil {
			h.log.Warn("evict media failed", "job_id", id, "err", err)
		}
	}
	return true
}

// Get returns a copy of the job with the given id.
func (h *History) Get(id string) (GenerationJob, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	i := h.indexOf(id)
	if i < 0 {
		return GenerationJob{}, false
	}
	return h.items[i].Clone(), true
}

// All returns a copy of the list, newest first.
func (h *History) All() []GenerationJob {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]GenerationJob, len(h.items))
	for i, j := range h.items {
		out[i] = j.Clone()
	}
	return out
}

// Close writes the list one last time and closes the underlying KV.
func (h *History) Close() error {
	h.mu.Lock()
	h.persistLocked()
	h.mu.Unlock()
	return h.kv.Close()
}

func (h *History) indexOf(id string) int {
	for i := range h.items {
		if h.items[i].ID == id {
			return i
		}
	}
	return -1
}

// persistLocked must be called with mu held so writes land in mutation order.
func (h *History) persistLocked() {
	items := h.items
	if items == nil {
		items = []GenerationJob{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		h.log.Error("encode history failed", "err", err)
		return
	}
	if err := h.kv.Put(context.Background(), h.key, b); err != nil {
		h.log.Error("persist history failed", "err", err)
	}
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
