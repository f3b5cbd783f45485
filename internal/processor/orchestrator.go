package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/facebookgo/clock"

	"github.com/jo-hoe/mediagen/internal/backend"
	"github.com/jo-hoe/mediagen/internal/jobs"
	"github.com/jo-hoe/mediagen/internal/util"
)

// Failure detail for jobs found unsubmitted after a restart.
const interruptedDetail = "interrupted before submission"

var (
	ErrUnknownBackend = errors.New("unknown backend")
	ErrInvalidInput   = errors.New("invalid input")
	ErrCancelled      = errors.New("polling cancelled")
	ErrShuttingDown   = errors.New("orchestrator is shutting down")
)

// TimeoutError is the failure recorded when a job exceeds its polling ceilings.
type TimeoutError struct {
	Attempts int
	Elapsed  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for result after %d polls (%s)", e.Attempts, e.Elapsed.Round(time.Second))
}

// PollingOptions controls poll cadence and the ceilings after which a job is failed.
// Zero ceilings disable the respective limit.
type PollingOptions struct {
	PhotoInterval time.Duration
	VideoInterval time.Duration
	MaxAttempts   int
	MaxDuration   time.Duration
	MaxMalformed  int
}

// Prefetcher accepts finished media for background download.
type Prefetcher interface {
	Enqueue(item jobs.WorkItem) error
}

// Options wires an Orchestrator.
type Options struct {
	Log      *slog.Logger
	Store    jobs.Store
	Backends *backend.Registry
	Identity backend.Identity
	Clock    clock.Clock
	Polling  PollingOptions
	Prefetch Prefetcher // optional
}

// Input is a generation request as received from a caller.
type Input struct {
	Backend    string
	InputKind  jobs.InputKind // inferred from Image/Prompt when empty
	TemplateID string
	Prompt     string
	Image      []byte // JPEG
}

// Orchestrator submits jobs, polls them to a terminal state and writes every
// transition through the store. Each job runs in its own goroutine.
type Orchestrator struct {
	log      *slog.Logger
	store    jobs.Store
	backends *backend.Registry
	identity backend.Identity
	clk      clock.Clock
	polling  PollingOptions
	prefetch Prefetcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	handles map[string]*Handle
	closed  bool
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Backends == nil {
		return nil, errors.New("backend registry is required")
	}
	if opts.Log == nil {
		opts.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Polling.PhotoInterval <= 0 {
		opts.Polling.PhotoInterval = 3 * time.Second
	}
	if opts.Polling.VideoInterval <= 0 {
		opts.Polling.VideoInterval = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		log:      opts.Log,
		store:    opts.Store,
		backends: opts.Backends,
		identity: opts.Identity,
		clk:      opts.Clock,
		polling:  opts.Polling,
		prefetch: opts.Prefetch,
		ctx:      ctx,
		cancel:   cancel,
		handles:  make(map[string]*Handle),
	}, nil
}

// Submit validates in, records a pending job and starts it in the background.
func (o *Orchestrator) Submit(ctx context.Context, in Input) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a, ok := o.backends.Get(in.Backend)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, in.Backend)
	}
	kind, err := inputKind(in)
	if err != nil {
		return nil, err
	}
	if s, ok := a.(backend.InputSupporter); ok && !s.Supports(kind) {
		return nil, fmt.Errorf("%w: %s does not accept %s", backend.ErrUnsupportedInput, a.Name(), kind)
	}

	job := jobs.GenerationJob{
		ID:         util.NewID(),
		Backend:    a.Name(),
		UserID:     o.identity.UserID,
		Kind:       a.Kind(),
		InputKind:  kind,
		TemplateID: strings.TrimSpace(in.TemplateID),
		Status:     jobs.StatusPending,
		CreatedAt:  o.clk.Now().UTC(),
	}
	if p := strings.TrimSpace(in.Prompt); p != "" {
		job.Prompt = &p
	}
	req := backend.Request{
		InputKind:  kind,
		TemplateID: job.TemplateID,
		Prompt:     strings.TrimSpace(in.Prompt),
		Image:      in.Image,
		Identity:   o.identity,
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrShuttingDown
	}
	if err := o.store.Add(job); err != nil {
		return nil, fmt.Errorf("record job: %w", err)
	}
	stored, _ := o.store.Get(job.ID)
	h := o.startLocked(stored, a, &req)
	o.log.Info("job submitted", "job_id", job.ID, "backend", a.Name(), "input", kind)
	return h, nil
}

// Resume restarts polling for persisted jobs that were left non-terminal.
// Jobs that never obtained a backend reference are failed.
func (o *Orchestrator) Resume(ctx context.Context) ([]*Handle, error) {
	var out []*Handle
	for _, job := range o.store.All() {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if job.Status.Terminal() {
			continue
		}
		log := o.log.With("job_id", job.ID, "backend", job.Backend)
		if job.BackendRef == "" {
			if _, ok := o.store.UpdateStatus(job.ID, jobs.StatusUpdate{Status: jobs.StatusFailed, ErrorDetail: interruptedDetail}); ok {
				log.Info("failed unsubmitted job on resume")
			}
			continue
		}
		a, ok := o.backends.Get(job.Backend)
		if !ok {
			log.Warn("cannot resume job: backend not registered")
			continue
		}

		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return out, ErrShuttingDown
		}
		if _, live := o.handles[job.ID]; live {
			o.mu.Unlock()
			continue
		}
		h := o.startLocked(job, a, nil)
		o.mu.Unlock()
		log.Info("resumed polling", "status", job.Status)
		out = append(out, h)
	}
	return out, nil
}

// Handle returns the live handle for id, if the job is still being polled.
func (o *Orchestrator) Handle(id string) (*Handle, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.handles[id]
	return h, ok
}

// CancelJob stops local polling for id. It reports whether a live job was found.
func (o *Orchestrator) CancelJob(id string) bool {
	h, ok := o.Handle(id)
	if ok {
		h.Cancel()
	}
	return ok
}

// Remove stops polling for id and deletes it from the history.
func (o *Orchestrator) Remove(id string) bool {
	if h, ok := o.Handle(id); ok {
		h.Cancel()
		<-h.Done()
	}
	return o.store.Remove(id)
}

// Shutdown cancels every live job and waits for their goroutines.
// Records keep their last state so Resume can pick them up again.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.cancel()
	o.wg.Wait()
}

// startLocked must be called with mu held. A nil req means the job is already submitted.
func (o *Orchestrator) startLocked(job jobs.GenerationJob, a backend.Adapter, req *backend.Request) *Handle {
	ctx, cancel := context.WithCancel(o.ctx)
	h := newHandle(job, cancel)
	o.handles[job.ID] = h
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		defer o.forget(h)
		o.run(ctx, h, a, req)
	}()
	return h
}

func (o *Orchestrator) forget(h *Handle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.handles[h.id] == h {
		delete(o.handles, h.id)
	}
}

func (o *Orchestrator) run(ctx context.Context, h *Handle, a backend.Adapter, req *backend.Request) {
	log := o.log.With("job_id", h.id, "backend", a.Name())
	ref := h.Last().BackendRef

	if req != nil {
		var err error
		ref, err = a.Submit(ctx, *req)
		if ctx.Err() != nil {
			log.Info("cancelled during submission")
			h.finish(ErrCancelled)
			return
		}
		if err != nil {
			log.Warn("submission failed", "err", err)
			o.fail(h, failureDetail(err))
			return
		}
		if !o.apply(h, jobs.StatusUpdate{Status: jobs.StatusSubmitted, BackendRef: ref}) {
			h.finish(ErrCancelled)
			return
		}
		log.Info("job accepted by backend", "backend_ref", ref)
	}

	o.poll(ctx, h, a, ref, log)
}

func (o *Orchestrator) poll(ctx context.Context, h *Handle, a backend.Adapter, ref string, log *slog.Logger) {
	interval := o.intervalFor(a.Kind())
	id := o.identity
	if uid := h.Last().UserID; uid != "" {
		id.UserID = uid
	}
	start := o.clk.Now()
	attempts, misses := 0, 0

	for {
		timer := o.clk.Timer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info("polling cancelled")
			h.finish(ErrCancelled)
			return
		case <-timer.C:
		}

		attempts++
		rep, err := a.Status(ctx, ref, id)
		if ctx.Err() != nil {
			log.Info("polling cancelled")
			h.finish(ErrCancelled)
			return
		}

		var be *backend.BackendError
		switch {
		case err == nil:
			misses = 0
			if !o.report(h, rep, log) {
				h.finish(ErrCancelled)
				return
			}
			if rep.Status.Terminal() {
				h.finish(nil)
				return
			}
		case errors.As(err, &be):
			log.Warn("backend reported failure", "err", err)
			o.fail(h, be.Message)
			return
		case backend.IsMalformed(err):
			misses++
			log.Warn("malformed status response", "err", err, "misses", misses)
			if o.polling.MaxMalformed > 0 && misses > o.polling.MaxMalformed {
				o.fail(h, err.Error())
				return
			}
		default:
			log.Warn("status poll failed; retrying", "err", err, "attempt", attempts)
		}

		elapsed := o.clk.Now().Sub(start)
		if (o.polling.MaxAttempts > 0 && attempts >= o.polling.MaxAttempts) ||
			(o.polling.MaxDuration > 0 && elapsed >= o.polling.MaxDuration) {
			terr := &TimeoutError{Attempts: attempts, Elapsed: elapsed}
			log.Warn("polling ceiling reached", "err", terr)
			o.fail(h, terr.Error())
			return
		}
	}
}

// report writes a poll result. It returns false when the record no longer exists.
func (o *Orchestrator) report(h *Handle, rep backend.Report, log *slog.Logger) bool {
	last := h.Last()
	if rep.Status == jobs.StatusInProgress && last.Status == jobs.StatusInProgress && sameProgress(last.Progress, rep.Progress) {
		return true
	}
	u := jobs.StatusUpdate{
		Status:      rep.Status,
		ResultURL:   rep.ResultURL,
		ErrorDetail: rep.ErrorDetail,
		Progress:    rep.Progress,
	}
	if !o.apply(h, u) {
		return false
	}
	switch rep.Status {
	case jobs.StatusFinished:
		log.Info("job finished", "result_url", rep.ResultURL)
		o.enqueuePrefetch(h.id, rep.ResultURL, log)
	case jobs.StatusFailed:
		log.Info("job failed", "detail", h.Last().ErrorDetail)
	}
	return true
}

// apply writes u through the store and notifies subscribers. It returns false
// when the job has been removed from the store.
func (o *Orchestrator) apply(h *Handle, u jobs.StatusUpdate) bool {
	job, ok := o.store.UpdateStatus(h.id, u)
	if !ok {
		if _, exists := o.store.Get(h.id); !exists {
			return false
		}
		return true
	}
	h.publish(job)
	return true
}

func (o *Orchestrator) fail(h *Handle, detail string) {
	o.apply(h, jobs.StatusUpdate{Status: jobs.StatusFailed, ErrorDetail: detail})
	h.finish(nil)
}

func (o *Orchestrator) enqueuePrefetch(jobID, url string, log *slog.Logger) {
	if o.prefetch == nil || url == "" {
		return
	}
	if err := o.prefetch.Enqueue(jobs.WorkItem{JobID: jobID, URL: url}); err != nil {
		log.Debug("prefetch not queued", "err", err)
	}
}

func (o *Orchestrator) intervalFor(k jobs.Kind) time.Duration {
	if k == jobs.KindPhoto {
		return o.polling.PhotoInterval
	}
	return o.polling.VideoInterval
}

func inputKind(in Input) (jobs.InputKind, error) {
	hasImage := len(in.Image) > 0
	hasPrompt := strings.TrimSpace(in.Prompt) != ""
	kind := in.InputKind
	if kind == "" {
		switch {
		case hasImage && hasPrompt:
			kind = jobs.InputImageAndText
		case hasImage:
			kind = jobs.InputImageUpload
		case hasPrompt:
			kind = jobs.InputTextPrompt
		default:
			return "", fmt.Errorf("%w: an image or a prompt is required", ErrInvalidInput)
		}
	}
	switch kind {
	case jobs.InputImageUpload:
		if !hasImage {
			return "", fmt.Errorf("%w: image is required", ErrInvalidInput)
		}
	case jobs.InputTextPrompt:
		if !hasPrompt {
			return "", fmt.Errorf("%w: prompt is required", ErrInvalidInput)
		}
	case jobs.InputImageAndText:
		if !hasImage || !hasPrompt {
			return "", fmt.Errorf("%w: image and prompt are required", ErrInvalidInput)
		}
	default:
		return "", fmt.Errorf("%w: unknown input kind %q", ErrInvalidInput, kind)
	}
	return kind, nil
}

func failureDetail(err error) string {
	var be *backend.BackendError
	if errors.As(err, &be) {
		return be.Message
	}
	return err.Error()
}

func sameProgress(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
