package jobs

import (
	"time"
)

// Status is the canonical lifecycle state of a generation job, independent of backend vocabulary.
type Status string

const (
	StatusPending    Status = "pending"
	StatusSubmitted  Status = "submitted"
	StatusInProgress Status = "inProgress"
	StatusFinished   Status = "finished"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further polling happens in this state.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// Kind is the media type a job produces.
type Kind string

const (
	KindPhoto Kind = "photo"
	KindVideo Kind = "video"
)

// InputKind describes what the user submitted.
type InputKind string

const (
	InputImageUpload  InputKind = "imageUpload"
	InputTextPrompt   InputKind = "textPrompt"
	InputImageAndText InputKind = "imageAndText"
)

// GenerationJob describes a single generation request and its lifecycle.
type GenerationJob struct {
	ID          string    `json:"id"`                    // UUIDv4, assigned locally
	Backend     string    `json:"backend"`               // adapter name, e.g. "photo"
	BackendRef  string    `json:"backendRef,omitempty"`  // remote job id, immutable once set
	UserID      string    `json:"userId,omitempty"`      // identity the job was submitted under
	Kind        Kind      `json:"kind"`                  // photo or video
	InputKind   InputKind `json:"inputKind"`             // what was submitted
	TemplateID  string    `json:"templateId,omitempty"`  // template/style for image submissions
	Prompt      *string   `json:"prompt,omitempty"`      // text prompt, if any
	Status      Status    `json:"status"`                // canonical status
	ResultURL   *string   `json:"resultUrl,omitempty"`   // set only when finished
	Progress    *int      `json:"progress,omitempty"`    // 0..100, best effort
	ErrorDetail *string   `json:"errorDetail,omitempty"` // set only when failed
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Clone returns a deep copy so callers never share pointer fields with the store.
func (j GenerationJob) Clone() GenerationJob {
	c := j
	c.Prompt = cloneString(j.Prompt)
	c.ResultURL = cloneString(j.ResultURL)
	c.ErrorDetail = cloneString(j.ErrorDetail)
	if j.Progress != nil {
		p := *j.Progress
		c.Progress = &p
	}
	return c
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// StatusUpdate carries the fields a single transition may change.
// Empty strings and nil pointers mean "leave as is".
type StatusUpdate struct {
	Status      Status
	BackendRef  string
	ResultURL   string
	ErrorDetail string
	Progress    *int
}

// Store defines the ordered history of generation jobs.
type Store interface {
	Add(job GenerationJob) error
	UpdateStatus(id string, u StatusUpdate) (GenerationJob, bool)
	Remove(id string) bool
	Get(id string) (GenerationJob, bool)
	All() []GenerationJob
	Close() error
}
