// Package video adapts the video generation backend.
package video

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/jo-hoe/mediagen/internal/backend"
	"github.com/jo-hoe/mediagen/internal/common"
	"github.com/jo-hoe/mediagen/internal/jobs"
)

const (
	endpointGenerate  = "generate"
	endpointImg2Video = "generate/img2video"
	endpointStatus    = "generationStatus"
	endpointUser      = "user"
	endpointTemplates = "templatesByCategories"

	img2VideoFileName = "photo.jpg"
)

var (
	_ backend.Adapter        = (*Adapter)(nil)
	_ backend.Cataloger      = (*Adapter)(nil)
	_ backend.QuotaReporter  = (*Adapter)(nil)
	_ backend.InputSupporter = (*Adapter)(nil)
)

type Adapter struct {
	t *backend.Transport
}

func New(t *backend.Transport) *Adapter {
	return &Adapter{t: t}
}

func (a *Adapter) Name() string    { return common.BackendVideo }
func (a *Adapter) Kind() jobs.Kind { return jobs.KindVideo }

func (a *Adapter) Supports(kind jobs.InputKind) bool {
	return kind == jobs.InputImageUpload || kind == jobs.InputImageAndText
}

func (a *Adapter) Submit(ctx context.Context, req backend.Request) (string, error) {
	if req.InputKind == jobs.InputTextPrompt {
		return "", fmt.Errorf("%w: %s needs an image", backend.ErrUnsupportedInput, a.Name())
	}
	if len(req.Image) == 0 {
		return "", errors.New("image is required")
	}

	var (
		body []byte
		err  error
	)
	switch req.InputKind {
	case jobs.InputImageUpload:
		if strings.TrimSpace(req.TemplateID) == "" {
			return "", errors.New("templateId is required")
		}
		body, err = a.t.PostMultipart(ctx, endpointGenerate,
			[]backend.Field{
				{Name: "templateId", Value: req.TemplateID},
				{Name: "userId", Value: req.Identity.UserID},
				{Name: "appId", Value: req.Identity.AppID},
			},
			&backend.FilePart{FieldName: "image", FileName: common.UploadFileName, Data: req.Image},
		)
	case jobs.InputImageAndText:
		if strings.TrimSpace(req.Prompt) == "" {
			return "", errors.New("prompt is required")
		}
		body, err = a.t.PostMultipart(ctx, endpointImg2Video,
			[]backend.Field{
				{Name: "promptText", Value: req.Prompt},
				{Name: "userId", Value: req.Identity.UserID},
				{Name: "appId", Value: req.Identity.AppID},
			},
			&backend.FilePart{FieldName: "image", FileName: img2VideoFileName, Data: req.Image},
		)
	default:
		return "", fmt.Errorf("%w: %s cannot take %s", backend.ErrUnsupportedInput, a.Name(), req.InputKind)
	}
	if err != nil {
		return "", err
	}
	return backend.DecodeSubmit(body, "generationId", "jobId", "id")
}

func (a *Adapter) Status(ctx context.Context, ref string, _ backend.Identity) (backend.Report, error) {
	body, err := a.t.Get(ctx, endpointStatus, url.Values{"generationId": {ref}})
	if err != nil {
		return backend.Report{}, err
	}
	raw, err := backend.DecodeStatus(body)
	if err != nil {
		return backend.Report{}, err
	}
	return backend.VocabularyB.Normalize(raw), nil
}

// Templates lists effect templates grouped by category for the configured app.
func (a *Adapter) Templates(ctx context.Context, id backend.Identity) (json.RawMessage, error) {
	q := url.Values{}
	if id.AppID != "" {
		q.Set("appName", id.AppID)
	}
	body, err := a.t.Get(ctx, endpointTemplates, q)
	if err != nil {
		return nil, err
	}
	return backend.DecodeRawData(body)
}

type userData struct {
	AvailableGenerations int `json:"availableGenerations"`
}

// AvailableGenerations reports how many generations the user has left.
func (a *Adapter) AvailableGenerations(ctx context.Context, id backend.Identity) (int, error) {
	body, err := a.t.Get(ctx, endpointUser, url.Values{
		"userId":   {id.UserID},
		"bundleId": {id.AppID},
	})
	if err != nil {
		return 0, err
	}
	var d userData
	if err := backend.DecodeData(body, &d); err != nil {
		return 0, err
	}
	return d.AvailableGenerations, nil
}
