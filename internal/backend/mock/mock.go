// Package mock provides an in-process generation backend for local runs and tests.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jo-hoe/mediagen/internal/backend"
	"github.com/jo-hoe/mediagen/internal/common"
	"github.com/jo-hoe/mediagen/internal/config"
	"github.com/jo-hoe/mediagen/internal/jobs"
	"github.com/jo-hoe/mediagen/internal/util"
)

var (
	_ backend.Adapter       = (*Backend)(nil)
	_ backend.Cataloger     = (*Backend)(nil)
	_ backend.QuotaReporter = (*Backend)(nil)
)

type state struct {
	polls  int
	failed bool
}

// Backend finishes every job after a fixed number of polls.
type Backend struct {
	delay     time.Duration
	steps     int
	kind      jobs.Kind
	resultURL string
	failWord  string

	mu   sync.Mutex
	refs map[string]*state
}

func New(cfg config.MockSettings) *Backend {
	steps := cfg.Steps
	if steps <= 0 {
		steps = 1
	}
	kind := jobs.KindVideo
	if cfg.Kind == string(jobs.KindPhoto) {
		kind = jobs.KindPhoto
	}
	return &Backend{
		delay:     cfg.Delay,
		steps:     steps,
		kind:      kind,
		resultURL: cfg.ResultURL,
		failWord:  strings.TrimSpace(cfg.FailWord),
		refs:      make(map[string]*state),
	}
}

func (b *Backend) Name() string    { return common.BackendMock }
func (b *Backend) Kind() jobs.Kind { return b.kind }

func (b *Backend) Submit(ctx context.Context, req backend.Request) (string, error) {
	if err := b.wait(ctx); err != nil {
		return "", err
	}
	switch req.InputKind {
	case jobs.InputTextPrompt:
		if strings.TrimSpace(req.Prompt) == "" {
			return "", fmt.Errorf("prompt is required")
		}
	case jobs.InputImageUpload, jobs.InputImageAndText:
		if len(req.Image) == 0 {
			return "", fmt.Errorf("image is required")
		}
	default:
		return "", fmt.Errorf("%w: %s", backend.ErrUnsupportedInput, req.InputKind)
	}
	ref := "mock-" + util.NewID()
	st := &state{}
	if b.failWord != "" && strings.Contains(req.Prompt, b.failWord) {
		st.failed = true
	}
	b.mu.Lock()
	b.refs[ref] = st
	b.mu.Unlock()
	return ref, nil
}

func (b *Backend) Status(ctx context.Context, ref string, _ backend.Identity) (backend.Report, error) {
	if err := b.wait(ctx); err != nil {
		return backend.Report{}, err
	}
	b.mu.Lock()
	st, ok := b.refs[ref]
	if !ok {
		// Unknown refs (e.g. after a restart) start over.
		st = &state{}
		b.refs[ref] = st
	}
	st.polls++
	polls, failed := st.polls, st.failed
	b.mu.Unlock()

	raw := backend.RawStatus{Status: "processing"}
	switch {
	case failed:
		raw = backend.RawStatus{Status: "failed", Error: "mock generation rejected the prompt"}
	case polls >= b.steps:
		raw.Status = "finished"
		raw.ResultURL = strings.ReplaceAll(b.resultURL, "{ref}", ref)
	default:
		p := polls * 100 / b.steps
		raw.Progress = &p
	}
	return backend.VocabularyB.Normalize(raw), nil
}

func (b *Backend) Templates(ctx context.Context, _ backend.Identity) (json.RawMessage, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	return json.RawMessage(`[{"id":"mock-1","title":"Mock template"}]`), nil
}

func (b *Backend) AvailableGenerations(ctx context.Context, _ backend.Identity) (int, error) {
	if err := b.wait(ctx); err != nil {
		return 0, err
	}
	return 999, nil
}

func (b *Backend) wait(ctx context.Context) error {
	if b.delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(b.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
