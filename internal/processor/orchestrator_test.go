package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/facebookgo/clock"

	"github.com/jo-hoe/mediagen/internal/backend"
	"github.com/jo-hoe/mediagen/internal/jobs"
	"github.com/jo-hoe/mediagen/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memKV) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memKV) Close() error { return nil }

// recordingStore logs every applied transition and checks the result/error invariants.
type recordingStore struct {
	*jobs.History
	mu         sync.Mutex
	statuses   []jobs.Status
	violations []string
}

func (s *recordingStore) UpdateStatus(id string, u jobs.StatusUpdate) (jobs.GenerationJob, bool) {
	j, ok := s.History.UpdateStatus(id, u)
	if ok {
		s.mu.Lock()
		s.statuses = append(s.statuses, j.Status)
		if (j.ResultURL != nil) != (j.Status == jobs.StatusFinished) {
			s.violations = append(s.violations, fmt.Sprintf("result url with status %s", j.Status))
		}
		if (j.ErrorDetail != nil) != (j.Status == jobs.StatusFailed) {
			s.violations = append(s.violations, fmt.Sprintf("error detail with status %s", j.Status))
		}
		s.mu.Unlock()
	}
	return j, ok
}

func (s *recordingStore) transitions() []jobs.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]jobs.Status(nil), s.statuses...)
}

func newStore(t *testing.T) *recordingStore {
	t.Helper()
	h, err := jobs.OpenHistory(context.Background(), &memKV{data: map[string][]byte{}}, "", nil, discardLogger())
	if err != nil {
		t.Fatalf("OpenHistory: %v", err)
	}
	return &recordingStore{History: h}
}

type step struct {
	rep backend.Report
	err error
}

type scriptedAdapter struct {
	name      string
	kind      jobs.Kind
	submitRef string
	submitErr error

	mu      sync.Mutex
	steps   []step
	polls   int
	refs    []string
	reqs    []backend.Request
	idents  []backend.Identity
	blockOn chan struct{} // when set, Submit waits for it or ctx

	latency  time.Duration // real time spent in each Status call
	inFlight int32
	peak     int32
}

func (a *scriptedAdapter) Name() string    { return a.name }
func (a *scriptedAdapter) Kind() jobs.Kind { return a.kind }

func (a *scriptedAdapter) Submit(ctx context.Context, req backend.Request) (string, error) {
	a.mu.Lock()
	a.reqs = append(a.reqs, req)
	block := a.blockOn
	a.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return a.submitRef, a.submitErr
}

func (a *scriptedAdapter) Status(_ context.Context, ref string, id backend.Identity) (backend.Report, error) {
	n := atomic.AddInt32(&a.inFlight, 1)
	defer atomic.AddInt32(&a.inFlight, -1)
	for {
		peak := atomic.LoadInt32(&a.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&a.peak, peak, n) {
			break
		}
	}
	if a.latency > 0 {
		time.Sleep(a.latency)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.refs = append(a.refs, ref)
	a.idents = append(a.idents, id)
	i := a.polls
	a.polls++
	if len(a.steps) == 0 {
		return backend.Report{Status: jobs.StatusInProgress}, nil
	}
	if i >= len(a.steps) {
		i = len(a.steps) - 1
	}
	return a.steps[i].rep, a.steps[i].err
}

func (a *scriptedAdapter) pollCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.polls
}

type recordingPrefetch struct {
	mu    sync.Mutex
	items []jobs.WorkItem
	cache *storage.MediaCache
}

func (p *recordingPrefetch) Enqueue(item jobs.WorkItem) error {
	p.mu.Lock()
	p.items = append(p.items, item)
	p.mu.Unlock()
	if p.cache != nil {
		_, err := p.cache.FetchAndCache(context.Background(), item.URL)
		return err
	}
	return nil
}

type countingFetcher struct {
	mu    sync.Mutex
	calls int
}

func (f *countingFetcher) Fetch(context.Context, string) (io.ReadCloser, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return io.NopCloser(strings.NewReader("media")), nil
}

func newOrchestrator(t *testing.T, store jobs.Store, clk clock.Clock, poll PollingOptions, pf Prefetcher, adapters ...backend.Adapter) *Orchestrator {
	t.Helper()
	reg := backend.NewRegistry()
	for _, a := range adapters {
		reg.Add(a)
	}
	o, err := New(Options{
		Log:      discardLogger(),
		Store:    store,
		Backends: reg,
		Identity: backend.Identity{UserID: "user-1", AppID: "app"},
		Clock:    clk,
		Polling:  poll,
		Prefetch: pf,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(o.Shutdown)
	return o
}

// driveUntilDone advances the mock clock until the handle stops.
func driveUntilDone(t *testing.T, clk *clock.Mock, h *Handle, step time.Duration) jobs.GenerationJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		select {
		case <-h.Done():
			return h.Last()
		default:
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s did not stop; last=%+v", h.ID(), h.Last())
		}
		clk.Add(step)
	}
}

func intPtr(v int) *int { return &v }

func TestOrchestrator_TextPromptEndToEnd(t *testing.T) {
	clk := clock.NewMock()
	store := newStore(t)
	fetcher := &countingFetcher{}
	cache, err := storage.NewMediaCache(t.TempDir(), fetcher, nil)
	if err != nil {
		t.Fatalf("NewMediaCache: %v", err)
	}
	pf := &recordingPrefetch{cache: cache}
	a := &scriptedAdapter{
		name: "video", kind: jobs.KindVideo, submitRef: "abc123",
		steps: []step{
			{rep: backend.Report{Status: jobs.StatusInProgress, Progress: intPtr(40)}},
			{rep: backend.Report{Status: jobs.StatusFinished, ResultURL: "http://cdn/x.mp4"}},
		},
	}
	o := newOrchestrator(t, store, clk, PollingOptions{VideoInterval: 10 * time.Second}, pf, a)

	h, err := o.Submit(context.Background(), Input{Backend: "video", Prompt: "A cat in space"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	updates := h.Updates()
	first := <-updates
	if first.ID != h.ID() {
		t.Fatalf("first snapshot is for %s", first.ID)
	}

	final := driveUntilDone(t, clk, h, 10*time.Second)
	if h.Err() != nil {
		t.Fatalf("handle error: %v", h.Err())
	}
	if final.Status != jobs.StatusFinished || final.ResultURL == nil || *final.ResultURL != "http://cdn/x.mp4" {
		t.Fatalf("final = %+v", final)
	}
	if final.BackendRef != "abc123" || final.InputKind != jobs.InputTextPrompt || final.Prompt == nil || *final.Prompt != "A cat in space" {
		t.Fatalf("job fields = %+v", final)
	}

	got := store.transitions()
	want := []jobs.Status{jobs.StatusSubmitted, jobs.StatusInProgress, jobs.StatusFinished}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	if len(store.violations) > 0 {
		t.Fatalf("invariant violations: %v", store.violations)
	}

	head := store.All()[0]
	if head.ID != h.ID() || head.Status != jobs.StatusFinished {
		t.Fatalf("history head = %+v", head)
	}
	for _, ref := range a.refs {
		if ref != "abc123" {
			t.Fatalf("polled with ref %q", ref)
		}
	}
	if a.idents[0].UserID != "user-1" {
		t.Fatalf("identity not threaded: %+v", a.idents[0])
	}

	// the updates channel drains to the terminal snapshot, then closes
	var lastSeen jobs.GenerationJob
	for j := range updates {
		lastSeen = j
	}
	if lastSeen.Status != jobs.StatusFinished {
		t.Fatalf("last update = %+v", lastSeen)
	}

	if len(pf.items) != 1 || pf.items[0].URL != "http://cdn/x.mp4" {
		t.Fatalf("prefetch items = %+v", pf.items)
	}
	p, ok := cache.Get("http://cdn/x.mp4")
	if !ok {
		t.Fatalf("media should be cached after finish")
	}
	p2, _ := cache.FetchAndCache(context.Background(), "http://cdn/x.mp4")
	if p2 != p || fetcher.calls != 1 {
		t.Fatalf("expected cached path without a second fetch, calls=%d", fetcher.calls)
	}
}

func TestOrchestrator_SubmitBackendErrorFails(t *testing.T) {
	clk := clock.NewMock()
	store := newStore(t)
	a := &scriptedAdapter{name: "photo", kind: jobs.KindPhoto, submitErr: &backend.BackendError{Message: "Not enough generations"}}
	o := newOrchestrator(t, store, clk, PollingOptions{}, nil, a)

	h, err := o.Submit(context.Background(), Input{Backend: "photo", Image: []byte("jpg"), TemplateID: "1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	final, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if final.Status != jobs.StatusFailed || final.ErrorDetail == nil || *final.ErrorDetail != "Not enough generations" {
		t.Fatalf("final = %+v", final)
	}
	if final.BackendRef != "" {
		t.Fatalf("failed submit must not set a backend ref")
	}
	if a.pollCount() != 0 {
		t.Fatalf("no polls expected after failed submit")
	}
}

func TestOrchestrator_SubmitTransportErrorFails(t *testing.T) {
	clk := clock.NewMock()
	store := newStore(t)
	a := &scriptedAdapter{name: "photo", kind: jobs.KindPhoto, submitErr: &backend.TransportError{Op: "POST /photo/generate", StatusCode: 502}}
	o := newOrchestrator(t, store, clk, PollingOptions{}, nil, a)

	h, _ := o.Submit(context.Background(), Input{Backend: "photo", Prompt: "p"})
	final, _ := h.Wait(context.Background())
	if final.Status != jobs.StatusFailed || final.ErrorDetail == nil || !strings.Contains(*final.ErrorDetail, "502") {
		t.Fatalf("final = %+v", final)
	}
}

func TestOrchestrator_PollFailuresAndRetries(t *testing.T) {
	clk := clock.NewMock()
	store := newStore(t)
	a := &scriptedAdapter{
		name: "photo", kind: jobs.KindPhoto, submitRef: "r1",
		steps: []step{
			{err: &backend.TransportError{Op: "GET /services/status", Err: errors.New("connection reset")}},
			{err: &backend.MalformedError{Reason: "invalid json envelope"}},
			{rep: backend.Report{Status: jobs.StatusInProgress}},
			{rep: backend.Report{Status: jobs.StatusFailed, ErrorDetail: "quota exceeded"}},
		},
	}
	o := newOrchestrator(t, store, clk, PollingOptions{PhotoInterval: 3 * time.Second, MaxMalformed: 3}, nil, a)

	h, _ := o.Submit(context.Background(), Input{Backend: "photo", Prompt: "p"})
	final := driveUntilDone(t, clk, h, 3*time.Second)
	if final.Status != jobs.StatusFailed || *final.ErrorDetail != "quota exceeded" {
		t.Fatalf("final = %+v", final)
	}
	if n := a.pollCount(); n != 4 {
		t.Fatalf("polls = %d, want 4", n)
	}
}

func TestOrchestrator_TooManyMalformedFails(t *testing.T) {
	clk := clock.NewMock()
	store := newStore(t)
	a := &scriptedAdapter{
		name: "video", kind: jobs.KindVideo, submitRef: "r1",
		steps: []step{{err: &backend.MalformedError{Reason: "invalid status data"}}},
	}
	o := newOrchestrator(t, store, clk, PollingOptions{MaxMalformed: 2}, nil, a)

	h, _ := o.Submit(context.Background(), Input{Backend: "video", Image: []byte("x"), TemplateID: "1"})
	final := driveUntilDone(t, clk, h, 10*time.Second)
	if final.Status != jobs.StatusFailed || !strings.Contains(*final.ErrorDetail, "malformed") {
		t.Fatalf("final = %+v", final)
	}
	if n := a.pollCount(); n != 3 {
		t.Fatalf("polls = %d, want 3", n)
	}
}

func TestOrchestrator_PollBackendErrorIsFatal(t *testing.T) {
	clk := clock.NewMock()
	store := newStore(t)
	a := &scriptedAdapter{
		name: "video", kind: jobs.KindVideo, submitRef: "r1",
		steps: []step{{err: &backend.BackendError{Message: "generation not found"}}},
	}
	o := newOrchestrator(t, store, clk, PollingOptions{}, nil, a)
	h, _ := o.Submit(context.Background(), Input{Backend: "video", Image: []byte("x")})
	final := driveUntilDone(t, clk, h, 10*time.Second)
	if final.Status != jobs.StatusFailed || *final.ErrorDetail != "generation not found" {
		t.Fatalf("final = %+v", final)
	}
}

func TestOrchestrator_AttemptCeiling(t *testing.T) {
	clk := clock.NewMock()
	store := newStore(t)
	a := &scriptedAdapter{name: "video", kind: jobs.KindVideo, submitRef: "r1"}
	o := newOrchestrator(t, store, clk, PollingOptions{VideoInterval: time.Second, MaxAttempts: 3}, nil, a)

	h, _ := o.Submit(context.Background(), Input{Backend: "video", Image: []byte("x")})
	final := driveUntilDone(t, clk, h, time.Second)
	if final.Status != jobs.StatusFailed || !strings.Contains(*final.ErrorDetail, "timed out") {
		t.Fatalf("final = %+v", final)
	}
	if n := a.pollCount(); n != 3 {
		t.Fatalf("polls = %d, want 3", n)
	}
}

func TestOrchestrator_DurationCeiling(t *testing.T) {
	clk := clock.NewMock()
	store := newStore(t)
	a := &scriptedAdapter{name: "video", kind: jobs.KindVideo, submitRef: "r1"}
	o := newOrchestrator(t, store, clk, PollingOptions{VideoInterval: 10 * time.Second, MaxDuration: 30 * time.Second}, nil, a)

	h, _ := o.Submit(context.Background(), Input{Backend: "video", Image: []byte("x")})
	final := driveUntilDone(t, clk, h, 10*time.Second)
	if final.Status != jobs.StatusFailed || !strings.Contains(*final.ErrorDetail, "timed out") {
		t.Fatalf("final = %+v", final)
	}
}

func TestOrchestrator_OneStatusRequestInFlight(t *testing.T) {
	clk := clock.NewMock()
	store := newStore(t)
	a := &scriptedAdapter{name: "photo", kind: jobs.KindPhoto, submitRef: "r1", latency: 2 * time.Millisecond}
	o := newOrchestrator(t, store, clk, PollingOptions{PhotoInterval: time.Second, MaxAttempts: 50}, nil, a)

	h, err := o.Submit(context.Background(), Input{Backend: "photo", Prompt: "p"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// advancing by many intervals at once would fire overlapping polls if timers were armed early
	final := driveUntilDone(t, clk, h, 10*time.Second)
	if final.Status != jobs.StatusFailed {
		t.Fatalf("final = %+v", final)
	}
	if n := a.pollCount(); n != 50 {
		t.Fatalf("polls = %d, want 50", n)
	}
	if peak := atomic.LoadInt32(&a.peak); peak != 1 {
		t.Fatalf("max concurrent status requests = %d, want 1", peak)
	}
}

func TestOrchestrator_CancelStopsPolling(t *testing.T) {
	clk := clock.NewMock()
	store := newStore(t)
	a := &scriptedAdapter{name: "video", kind: jobs.KindVideo, submitRef: "r1"}
	o := newOrchestrator(t, store, clk, PollingOptions{VideoInterval: time.Second}, nil, a)

	h, _ := o.Submit(context.Background(), Input{Backend: "video", Image: []byte("x")})
	deadline := time.Now().Add(5 * time.Second)
	for a.pollCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("no polls happened")
		}
		clk.Add(time.Second)
	}
	if !o.CancelJob(h.ID()) {
		t.Fatalf("CancelJob should find the live job")
	}
	if _, err := h.Wait(context.Background()); !errors.Is(err, ErrCancelled) {
		t.Fatalf("want ErrCancelled, got %v", err)
	}
	polls := a.pollCount()
	for i := 0; i < 5; i++ {
		clk.Add(time.Second)
	}
	if a.pollCount() != polls {
		t.Fatalf("polling continued after cancel")
	}
	got, _ := store.Get(h.ID())
	if got.Status.Terminal() {
		t.Fatalf("cancel must not make the record terminal: %+v", got)
	}
}

func TestOrchestrator_CancelDuringSubmit(t *testing.T) {
	store := newStore(t)
	a := &scriptedAdapter{name: "video", kind: jobs.KindVideo, submitRef: "r1", blockOn: make(chan struct{})}
	o := newOrchestrator(t, store, clock.NewMock(), PollingOptions{}, nil, a)

	h, _ := o.Submit(context.Background(), Input{Backend: "video", Image: []byte("x")})
	h.Cancel()
	if _, err := h.Wait(context.Background()); !errors.Is(err, ErrCancelled) {
		t.Fatalf("want ErrCancelled, got %v", err)
	}
	got, _ := store.Get(h.ID())
	if got.Status != jobs.StatusPending || got.BackendRef != "" {
		t.Fatalf("record should stay pending: %+v", got)
	}
}

func TestOrchestrator_RemoveDeletesRecord(t *testing.T) {
	clk := clock.NewMock()
	store := newStore(t)
	a := &scriptedAdapter{name: "video", kind: jobs.KindVideo, submitRef: "r1"}
	o := newOrchestrator(t, store, clk, PollingOptions{}, nil, a)

	h, _ := o.Submit(context.Background(), Input{Backend: "video", Image: []byte("x")})
	if !o.Remove(h.ID()) {
		t.Fatalf("Remove should report true")
	}
	if _, ok := store.Get(h.ID()); ok {
		t.Fatalf("record should be gone")
	}
	select {
	case <-h.Done():
	default:
		t.Fatalf("handle should be stopped")
	}
}

func TestOrchestrator_SubmitValidation(t *testing.T) {
	a := &scriptedAdapter{name: "photo", kind: jobs.KindPhoto}
	o := newOrchestrator(t, newStore(t), clock.NewMock(), PollingOptions{}, nil, a, &supportingAdapter{scriptedAdapter{name: "video", kind: jobs.KindVideo}})
	ctx := context.Background()

	if _, err := o.Submit(ctx, Input{Backend: "nope", Prompt: "p"}); !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("want ErrUnknownBackend, got %v", err)
	}
	if _, err := o.Submit(ctx, Input{Backend: "photo"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("want ErrInvalidInput for empty input, got %v", err)
	}
	if _, err := o.Submit(ctx, Input{Backend: "photo", InputKind: jobs.InputImageAndText, Prompt: "p"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("want ErrInvalidInput for missing image, got %v", err)
	}
	if _, err := o.Submit(ctx, Input{Backend: "video", Prompt: "A cat in space"}); !errors.Is(err, backend.ErrUnsupportedInput) {
		t.Fatalf("want ErrUnsupportedInput, got %v", err)
	}
}

type supportingAdapter struct{ scriptedAdapter }

func (s *supportingAdapter) Supports(kind jobs.InputKind) bool {
	return kind != jobs.InputTextPrompt
}

func TestOrchestrator_Resume(t *testing.T) {
	clk := clock.NewMock()
	store := newStore(t)
	now := time.Now().UTC()
	_ = store.Add(jobs.GenerationJob{ID: "live", Backend: "video", Kind: jobs.KindVideo, UserID: "stored-user", CreatedAt: now})
	store.UpdateStatus("live", jobs.StatusUpdate{Status: jobs.StatusInProgress, BackendRef: "r-live"})
	_ = store.Add(jobs.GenerationJob{ID: "orphan", Backend: "video", Kind: jobs.KindVideo, CreatedAt: now})
	_ = store.Add(jobs.GenerationJob{ID: "elsewhere", Backend: "gone", Kind: jobs.KindVideo, CreatedAt: now})
	store.UpdateStatus("elsewhere", jobs.StatusUpdate{Status: jobs.StatusSubmitted, BackendRef: "r-x"})
	_ = store.Add(jobs.GenerationJob{ID: "done", Backend: "video", Kind: jobs.KindVideo, CreatedAt: now})
	store.UpdateStatus("done", jobs.StatusUpdate{Status: jobs.StatusFinished, BackendRef: "r-d", ResultURL: "http://cdn/d.mp4"})

	a := &scriptedAdapter{
		name: "video", kind: jobs.KindVideo,
		steps: []step{{rep: backend.Report{Status: jobs.StatusFinished, ResultURL: "http://cdn/live.mp4"}}},
	}
	o := newOrchestrator(t, store, clk, PollingOptions{}, nil, a)

	handles, err := o.Resume(context.Background())
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if len(handles) != 1 || handles[0].ID() != "live" {
		t.Fatalf("resumed handles = %d", len(handles))
	}
	final := driveUntilDone(t, clk, handles[0], 10*time.Second)
	if final.Status != jobs.StatusFinished {
		t.Fatalf("resumed job = %+v", final)
	}
	if a.refs[0] != "r-live" || a.idents[0].UserID != "stored-user" {
		t.Fatalf("resumed poll used ref=%q user=%q", a.refs[0], a.idents[0].UserID)
	}

	orphan, _ := store.Get("orphan")
	if orphan.Status != jobs.StatusFailed || *orphan.ErrorDetail != interruptedDetail {
		t.Fatalf("orphan = %+v", orphan)
	}
	elsewhere, _ := store.Get("elsewhere")
	if elsewhere.Status != jobs.StatusSubmitted {
		t.Fatalf("job with unknown backend should be left alone: %+v", elsewhere)
	}
	if len(a.reqs) != 0 {
		t.Fatalf("resume must not resubmit")
	}
}

func TestOrchestrator_ShutdownRejectsSubmit(t *testing.T) {
	a := &scriptedAdapter{name: "video", kind: jobs.KindVideo, submitRef: "r"}
	o := newOrchestrator(t, newStore(t), clock.NewMock(), PollingOptions{}, nil, a)
	h, _ := o.Submit(context.Background(), Input{Backend: "video", Image: []byte("x")})
	o.Shutdown()
	if _, err := h.Wait(context.Background()); !errors.Is(err, ErrCancelled) {
		t.Fatalf("shutdown should cancel live jobs, got %v", err)
	}
	if _, err := o.Submit(context.Background(), Input{Backend: "video", Image: []byte("x")}); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("want ErrShuttingDown, got %v", err)
	}
}
