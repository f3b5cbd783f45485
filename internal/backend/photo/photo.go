// Package photo adapts the photo generation backend: style-based image
// transforms and text-to-image, polled through a shared status endpoint.
package photo

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
	endpointGenerate = "photo/generate"
	endpointTxt2Img  = "photo/generate/txt2img"
	endpointStatus   = "services/status"
	endpointStyles   = "photo/styles"
)

var (
	_ backend.Adapter        = (*Adapter)(nil)
	_ backend.Cataloger      = (*Adapter)(nil)
	_ backend.InputSupporter = (*Adapter)(nil)
)

// Adapter implements backend.Adapter for the photo service.
type Adapter struct {
	t *backend.Transport
}

func New(t *backend.Transport) *Adapter {
	return &Adapter{t: t}
}

func (a *Adapter) Name() string    { return common.BackendPhoto }
func (a *Adapter) Kind() jobs.Kind { return jobs.KindPhoto }

// Supports reports the photo backend's inputs: a styled photo or a text prompt.
func (a *Adapter) Supports(kind jobs.InputKind) bool {
	return kind == jobs.InputImageUpload || kind == jobs.InputTextPrompt
}

func (a *Adapter) Submit(ctx context.Context, req backend.Request) (string, error) {
	var (
		body []byte
		err  error
	)
	switch req.InputKind {
	case jobs.InputImageUpload:
		if len(req.Image) == 0 {
			return "", errors.New("image is required")
		}
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
	case jobs.InputTextPrompt:
		if strings.TrimSpace(req.Prompt) == "" {
			return "", errors.New("prompt is required")
		}
		body, err = a.t.PostForm(ctx, endpointTxt2Img, url.Values{
			"userId": {req.Identity.UserID},
			"prompt": {req.Prompt},
		})
	default:
		return "", fmt.Errorf("%w: %s cannot take %s", backend.ErrUnsupportedInput, a.Name(), req.InputKind)
	}
	if err != nil {
		return "", err
	}
	return backend.DecodeSubmit(body, "jobId", "generationId", "id")
}

func (a *Adapter) Status(ctx context.Context, ref string, id backend.Identity) (backend.Report, error) {
	body, err := a.t.Get(ctx, endpointStatus, url.Values{
		"userId": {id.UserID},
		"jobId":  {ref},
	})
	if err != nil {
		return backend.Report{}, err
	}
	raw, err := backend.DecodeStatus(body)
	if err != nil {
		return backend.Report{}, err
	}
	return backend.VocabularyA.Normalize(raw), nil
}

// Templates returns the style catalog as delivered by the backend.
func (a *Adapter) Templates(ctx context.Context, _ backend.Identity) (json.RawMessage, error) {
	body, err := a.t.Get(ctx, endpointStyles, nil)
	if err != nil {
		return nil, err
	}
	return backend.DecodeRawData(body)
}
