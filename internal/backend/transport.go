package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/jo-hoe/mediagen/internal/common"
)

const defaultTimeout = 60 * time.Second

// Field is a plain multipart form value.
type Field struct {
	Name  string
	Value string
}

// FilePart is the single file attached to a multipart request.
type FilePart struct {
	FieldName   string
	FileName    string
	ContentType string // defaults to image/jpeg
	Data        []byte
}

// TransportOptions configures a Transport.
type TransportOptions struct {
	BaseURL           string
	Token             string
	HTTPClient        *http.Client
	Timeout           time.Duration // ignored when HTTPClient is set
	RequestsPerSecond float64       // 0 disables pacing
}

// Transport performs authenticated requests against one backend base URL.
// It never retries; retry policy belongs to the caller.
type Transport struct {
	httpClient *http.Client
	baseURL    string
	token      string
	limiter    *rate.Limiter
}

// NewTransport constructs a transport with defaults applied.
func NewTransport(opts TransportOptions) (*Transport, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("backend base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	t := &Transport{
		httpClient: httpClient,
		baseURL:    base,
		token:      strings.TrimSpace(opts.Token),
	}
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return t, nil
}

// NewMediaFetcher returns a transport usable only for Fetch, for downloading
// result media from arbitrary hosts.
func NewMediaFetcher(timeout time.Duration) *Transport {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Transport{httpClient: &http.Client{Timeout: timeout}}
}

// PostMultipart sends fields and an optional file as multipart/form-data.
func (t *Transport) PostMultipart(ctx context.Context, endpoint string, fields []Field, file *FilePart) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range fields {
		if err := mw.WriteField(f.Name, f.Value); err != nil {
			return nil, fmt.Errorf("write field %s: %w", f.Name, err)
		}
	}
	if file != nil {
		ct := file.ContentType
		if ct == "" {
			ct = common.MimeImageJPEG
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, file.FieldName, file.FileName))
		h.Set(common.HeaderContentType, ct)
		pw, err := mw.CreatePart(h)
		if err != nil {
			return nil, fmt.Errorf("create file part: %w", err)
		}
		if _, err := pw.Write(file.Data); err != nil {
			return nil, fmt.Errorf("write file part: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}
	return t.do(ctx, http.MethodPost, endpoint, nil, &buf, mw.FormDataContentType())
}

// PostForm sends values as application/x-www-form-urlencoded.
func (t *Transport) PostForm(ctx context.Context, endpoint string, values url.Values) ([]byte, error) {
	return t.do(ctx, http.MethodPost, endpoint, nil, strings.NewReader(values.Encode()), common.ContentTypeForm)
}

// Get issues a GET with query parameters.
func (t *Transport) Get(ctx context.Context, endpoint string, query url.Values) ([]byte, error) {
	return t.do(ctx, http.MethodGet, endpoint, query, nil, "")
}

// Fetch downloads an absolute media URL without auth or pacing. The caller closes the body.
func (t *Transport) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	op := "GET " + rawURL
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Op: op, Err: err}
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, common.ErrorSnippetLimit))
		_ = resp.Body.Close()
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Snippet: string(snippet)}
	}
	return resp.Body, nil
}

func (t *Transport) do(ctx context.Context, method, endpoint string, query url.Values, body io.Reader, contentType string) ([]byte, error) {
	op := method + " /" + strings.TrimLeft(endpoint, "/")
	u, err := url.JoinPath(t.baseURL, endpoint)
	if err != nil {
		return nil, fmt.Errorf("join url: %w", err)
	}
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	if contentType != "" {
		req.Header.Set(common.HeaderContentType, contentType)
	}
	if t.token != "" {
		req.Header.Set(common.HeaderAuthorization, common.AuthSchemeBearer+" "+t.token)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Snippet: truncate(string(respBytes), common.ErrorSnippetLimit)}
	}
	if len(bytes.TrimSpace(respBytes)) == 0 {
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode}
	}
	return respBytes, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
