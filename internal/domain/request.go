package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Metadata keys understood by the orchestrator.
const (
	MetaAction        = "action"
	MetaConfigVersion = "config_version"
	MetaSearchQueries = "search_queries"

	ActionSave    = "save"
	ActionCompare = "compare"
)

// Request is a task queue entry. It is immutable once decoded.
type Request struct {
	SessionID          string         `json:"session_id"`
	ThreadID           string         `json:"thread_id"`
	UserID             string         `json:"user_id"`
	DialogID           string         `json:"dialog_id"`
	Message            string         `json:"message"`
	Locale             string         `json:"locale,omitempty"`
	UserProfile        map[string]any `json:"user_profile,omitempty"`
	AdditionalMetadata map[string]any `json:"additional_metadata,omitempty"`
	Authorization      string         `json:"authorization,omitempty"`
	TraceID            map[string]any `json:"trace_id,omitempty"`
}

// DecodeRequest parses a task queue entry. Entries without a session_id have
// no routable recipient and are rejected.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode task: %w: %w", ErrInvalidRequest, err)
	}
	if strings.TrimSpace(req.SessionID) == "" {
		return nil, NewDomainError("DecodeRequest", ErrInvalidRequest, "missing session_id")
	}
	return &req, nil
}

// Encode serializes the request for the task queue.
func (r *Request) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// MetadataString returns a string metadata field, or "" when absent or not a
// scalar. Numbers and booleans are formatted with %v.
func (r *Request) MetadataString(key string) string {
	if r.AdditionalMetadata == nil {
		return ""
	}
	v, ok := r.AdditionalMetadata[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64, bool, int, int64:
		return fmt.Sprintf("%v", t)
	default:
		return ""
	}
}

// Action returns the special action named in the request metadata, if any.
func (r *Request) Action() string {
	return strings.ToLower(strings.TrimSpace(r.MetadataString(MetaAction)))
}

// ConfigVersion returns the requested runtime configuration version, if any.
func (r *Request) ConfigVersion() string {
	return strings.TrimSpace(r.MetadataString(MetaConfigVersion))
}

// Answer is the payload of a Response.
type Answer struct {
	AnswerString       string         `json:"answer_string"`
	IsFinal            bool           `json:"is_final"`
	DataPoints         []string       `json:"data_points"`
	AdditionalMetadata map[string]any `json:"additional_metadata,omitempty"`
}

// ErrorInfo describes a failed request.
type ErrorInfo struct {
	ErrorStr   string `json:"error_str"`
	Retry      bool   `json:"retry"`
	StatusCode int    `json:"status_code,omitempty"`
}

// Response is a response channel entry.
type Response struct {
	SessionID string     `json:"session_id"`
	DialogID  string     `json:"dialog_id"`
	UserID    string     `json:"user_id"`
	ThreadID  string     `json:"thread_id"`
	Answer    Answer     `json:"answer"`
	Error     *ErrorInfo `json:"error,omitempty"`
}

// NewResponse returns a final Response addressed to the request's caller.
func NewResponse(req *Request, text string, dataPoints []string, meta map[string]any) *Response {
	if dataPoints == nil {
		dataPoints = []string{}
	}
	return &Response{
		SessionID: req.SessionID,
		DialogID:  req.DialogID,
		UserID:    req.UserID,
		ThreadID:  req.ThreadID,
		Answer: Answer{
			AnswerString:       text,
			IsFinal:            true,
			DataPoints:         dataPoints,
			AdditionalMetadata: meta,
		},
	}
}

// NewErrorResponse returns a final Response describing err.
func NewErrorResponse(req *Request, err error) *Response {
	resp := NewResponse(req, "", nil, nil)
	resp.Error = &ErrorInfo{
		ErrorStr:   err.Error(),
		Retry:      RetryableOf(err),
		StatusCode: StatusCodeOf(err),
	}
	return resp
}

// Update is an intermediate progress message.
type Update struct {
	SessionID     string `json:"session_id"`
	DialogID      string `json:"dialog_id"`
	UpdateMessage string `json:"update_message"`
}

// Envelope is a decoded response channel payload: exactly one of Update or
// Response is set.
type Envelope struct {
	Update   *Update
	Response *Response
}

// DecodeEnvelope discriminates a response channel payload by shape.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if _, ok := fields["update_message"]; ok {
		var u Update
		if err := json.Unmarshal(data, &u); err != nil {
			return nil, fmt.Errorf("decode update: %w", err)
		}
		return &Envelope{Update: &u}, nil
	}
	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &Envelope{Response: &r}, nil
}
