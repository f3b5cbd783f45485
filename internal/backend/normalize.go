package backend

import (
	"strings"

	"github.com/jo-hoe/mediagen/internal/jobs"
)

// Vocabulary maps one backend's status words onto canonical statuses.
type Vocabulary struct {
	Finished      []string
	Failed        []string
	CaseSensitive bool
}

var (
	// VocabularyA is the photo backend: exact "OK" means done.
	VocabularyA = Vocabulary{
		Finished:      []string{"OK"},
		Failed:        []string{"FAILED", "ERROR"},
		CaseSensitive: true,
	}
	// VocabularyB is the video backend.
	VocabularyB = Vocabulary{
		Finished: []string{"finished", "ok", "completed", "succeeded"},
		Failed:   []string{"failed", "error"},
	}
)

func (v Vocabulary) match(words []string, s string) bool {
	for _, w := range words {
		if v.CaseSensitive {
			if s == w {
				return true
			}
		} else if strings.EqualFold(s, w) {
			return true
		}
	}
	return false
}

// Normalize converts a raw status into a Report. Any error text forces failed;
// a finished word without a result URL stays in progress.
func (v Vocabulary) Normalize(raw RawStatus) Report {
	status := strings.TrimSpace(raw.Status)
	errText := strings.TrimSpace(raw.Error)
	url := strings.TrimSpace(raw.ResultURL)

	r := Report{Progress: raw.Progress}
	switch {
	case errText != "":
		r.Status = jobs.StatusFailed
		r.ErrorDetail = errText
	case v.match(v.Failed, status):
		r.Status = jobs.StatusFailed
	case v.match(v.Finished, status) && url != "":
		r.Status = jobs.StatusFinished
		r.ResultURL = url
	default:
		r.Status = jobs.StatusInProgress
	}
	return r
}
