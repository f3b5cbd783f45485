package backend

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/jo-hoe/mediagen/internal/jobs"
)

// Identity is the user/app pair every remote request is made on behalf of.
type Identity struct {
	UserID string
	AppID  string
}

// Request is a single submission to a generation backend.
type Request struct {
	InputKind  jobs.InputKind
	TemplateID string
	Prompt     string
	Image      []byte // JPEG bytes; required for image inputs
	Identity   Identity
}

// Report is a poll result already mapped onto the canonical vocabulary.
type Report struct {
	Status      jobs.Status
	ResultURL   string
	ErrorDetail string
	Progress    *int
}

// Adapter is one remote generation backend.
type Adapter interface {
	Name() string
	Kind() jobs.Kind
	// Submit starts a remote job and returns its backend reference.
	Submit(ctx context.Context, req Request) (string, error)
	// Status polls the remote job once.
	Status(ctx context.Context, ref string, id Identity) (Report, error)
}

// InputSupporter is implemented by adapters that accept only some input kinds.
// Adapters without it are asked to submit anything.
type InputSupporter interface {
	Supports(kind jobs.InputKind) bool
}

// Cataloger is implemented by adapters that can list their templates or styles.
type Cataloger interface {
	Templates(ctx context.Context, id Identity) (json.RawMessage, error)
}

// QuotaReporter is implemented by adapters that expose remaining generations for a user.
type QuotaReporter interface {
	AvailableGenerations(ctx context.Context, id Identity) (int, error)
}

// Registry holds initialized adapters by name.
type Registry struct {
	byName map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Adapter)}
}

func (r *Registry) Add(a Adapter) {
	r.byName[a.Name()] = a
}

func (r *Registry) Get(name string) (Adapter, bool) {
	a, ok := r.byName[name]
	return a, ok
}

// Names returns the registered adapter names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.byName))
	for k := range r.byName {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
