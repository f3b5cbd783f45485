package backend

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

const defaultBackendMessage = "backend reported an error"

// FlexibleID decodes a JSON string or number into its decimal string form.
type FlexibleID string

func (f *FlexibleID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexibleID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if i, err := n.Int64(); err == nil {
		*f = FlexibleID(strconv.FormatInt(i, 10))
		return nil
	}
	*f = FlexibleID(n.String())
	return nil
}

// messageList accepts a string, an array of strings, or null.
type messageList []string

func (m *messageList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*m = nil
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*m = messageList{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		// Non-string entries are not worth failing the whole envelope over.
		*m = nil
		return nil
	}
	*m = list
	return nil
}

// flexInt accepts a number or a numeric string; anything else decodes as absent.
type flexInt struct {
	v *int
}

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	f.v = nil
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	s := string(b)
	if b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
	}
	fl, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil
	}
	i := int(fl)
	f.v = &i
	return nil
}

type envelope struct {
	Error    bool            `json:"error"`
	Message  string          `json:"message"`
	Messages messageList     `json:"messages"`
	Data     json.RawMessage `json:"data"`
}

func (e envelope) failure() error {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		parts := make([]string, 0, len(e.Messages))
		for _, m := range e.Messages {
			if s := strings.TrimSpace(m); s != "" {
				parts = append(parts, s)
			}
		}
		msg = strings.Join(parts, "; ")
	}
	if msg == "" {
		msg = defaultBackendMessage
	}
	return &BackendError{Message: msg}
}

func (e envelope) hasData() bool {
	d := bytes.TrimSpace(e.Data)
	return len(d) > 0 && !bytes.Equal(d, []byte("null"))
}

func decodeEnvelope(body []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return envelope{}, &MalformedError{Reason: "invalid json envelope", Err: err}
	}
	if env.Error {
		return envelope{}, env.failure()
	}
	return env, nil
}

type submitData struct {
	ID           FlexibleID `json:"id"`
	JobID        FlexibleID `json:"jobId"`
	GenerationID FlexibleID `json:"generationId"`
}

func (d submitData) field(name string) string {
	switch name {
	case "id":
		return string(d.ID)
	case "jobId":
		return string(d.JobID)
	case "generationId":
		return string(d.GenerationID)
	}
	return ""
}

// DecodeSubmit extracts the backend reference from a submit envelope. Fields are
// tried in order; the first non-empty one wins.
func DecodeSubmit(body []byte, fields ...string) (string, error) {
	if len(fields) == 0 {
		fields = []string{"jobId", "generationId", "id"}
	}
	env, err := decodeEnvelope(body)
	if err != nil {
		return "", err
	}
	if !env.hasData() {
		return "", &MalformedError{Reason: "submit response has no data"}
	}
	var d submitData
	if err := json.Unmarshal(env.Data, &d); err != nil {
		return "", &MalformedError{Reason: "invalid submit data", Err: err}
	}
	for _, f := range fields {
		if ref := d.field(f); ref != "" {
			return ref, nil
		}
	}
	return "", &MalformedError{Reason: "submit response has no job reference"}
}

// RawStatus is a poll result in the backend's own vocabulary.
type RawStatus struct {
	Status    string
	Error     string
	ResultURL string
	Progress  *int
}

type statusData struct {
	Status    string  `json:"status"`
	Error     *string `json:"error"`
	ResultURL string  `json:"resultUrl"`
	Progress  flexInt `json:"progress"`
}

// DecodeStatus parses a status envelope. A missing data object yields an empty RawStatus,
// which normalizes to in progress.
func DecodeStatus(body []byte) (RawStatus, error) {
	env, err := decodeEnvelope(body)
	if err != nil {
		return RawStatus{}, err
	}
	if !env.hasData() {
		return RawStatus{}, nil
	}
	var d statusData
	if err := json.Unmarshal(env.Data, &d); err != nil {
		return RawStatus{}, &MalformedError{Reason: "invalid status data", Err: err}
	}
	raw := RawStatus{
		Status:    strings.TrimSpace(d.Status),
		ResultURL: strings.TrimSpace(d.ResultURL),
		Progress:  d.Progress.v,
	}
	if d.Error != nil {
		raw.Error = strings.TrimSpace(*d.Error)
	}
	return raw, nil
}

// DecodeData checks the envelope and unmarshals its data object into v.
func DecodeData(body []byte, v any) error {
	env, err := decodeEnvelope(body)
	if err != nil {
		return err
	}
	if !env.hasData() {
		return &MalformedError{Reason: "response has no data"}
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return &MalformedError{Reason: "invalid data", Err: err}
	}
	return nil
}

// DecodeRawData returns the envelope's data unparsed, or the whole body when it
// is not wrapped in an envelope.
func DecodeRawData(body []byte) (json.RawMessage, error) {
	if !json.Valid(body) {
		return nil, &MalformedError{Reason: "invalid json"}
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] != '{' {
		return json.RawMessage(trimmed), nil
	}
	env, err := decodeEnvelope(body)
	if err != nil {
		var be *BackendError
		if errors.As(err, &be) {
			return nil, err
		}
		return json.RawMessage(trimmed), nil
	}
	if !env.hasData() {
		return json.RawMessage(trimmed), nil
	}
	return env.Data, nil
}
