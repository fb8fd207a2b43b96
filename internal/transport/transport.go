// Package transport talks to a running agent: one blocking HTTP call for sync
// entrypoints, one WebSocket of ordered chunks for streaming entrypoints.
package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/agentregistry-dev/agentrun/internal/agenterrors"
	"github.com/agentregistry-dev/agentrun/internal/serializer"
)

// Request is the invocation body shared by both transports.
type Request struct {
	EntrypointTag  string         `json:"entrypoint_tag"`
	InputArgs      []any          `json:"input_args"`
	InputKwargs    map[string]any `json:"input_kwargs"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	AsyncExecution bool           `json:"async_execution,omitempty"`
}

// normalize replaces nil args with empty values so the body always carries
// both fields.
func (r Request) normalize() Request {
	if r.InputArgs == nil {
		r.InputArgs = []any{}
	}
	if r.InputKwargs == nil {
		r.InputKwargs = map[string]any{}
	}
	return r
}

// Endpoint addresses one agent on a server.
type Endpoint struct {
	// BaseURL is the server root, e.g. http://127.0.0.1:8450 or
	// https://backend.example.com/api/v1.
	BaseURL string
	AgentID string
	APIKey  string
}

// URL returns the http(s) URL of an agent sub-resource.
func (e Endpoint) URL(resource string) (string, error) {
	u, err := e.resolve(resource)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// WebSocketURL returns the ws(s) URL of an agent sub-resource.
func (e Endpoint) WebSocketURL(resource string) (string, error) {
	u, err := e.resolve(resource)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}

func (e Endpoint) resolve(resource string) (*url.URL, error) {
	if strings.TrimSpace(e.AgentID) == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	u, err := url.Parse(strings.TrimSpace(e.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", e.BaseURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q: scheme and host are required", e.BaseURL)
	}
	u.Path = path.Join("/", u.Path, "agents", url.PathEscape(e.AgentID), resource)
	return u, nil
}

// ErrorInfo is a failure as reported by the agent server.
type ErrorInfo struct {
	Code       agenterrors.Code `json:"code"`
	Message    string           `json:"message"`
	Suggestion string           `json:"suggestion,omitempty"`
	Details    map[string]any   `json:"details,omitempty"`
}

// RemoteError wraps an ErrorInfo received from the server.
type RemoteError struct {
	StatusCode int
	Info       ErrorInfo
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Info.Code, e.Info.Message)
}

// HTTPError is a non-2xx response that carried no error envelope.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("agent server returned %s", e.Status)
	}
	return fmt.Sprintf("agent server returned %s: %s", e.Status, e.Body)
}

// Envelope is the sync response body.
type Envelope struct {
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
	OutputData json.RawMessage `json:"output_data,omitempty"`

	// StatusCode is the HTTP status the envelope arrived with.
	StatusCode int `json:"-"`
}

// Payload decodes the result value. data wins over the legacy output_data.
func (e *Envelope) Payload() (any, error) {
	raw := e.Data
	if isNull(raw) {
		raw = e.OutputData
	}
	if isNull(raw) {
		return nil, nil
	}
	return serializer.FromRaw(raw)
}

// Err returns the server-reported failure, or nil when the call succeeded.
func (e *Envelope) Err() *RemoteError {
	if e.Success {
		return nil
	}
	return &RemoteError{StatusCode: e.StatusCode, Info: ParseErrorField(e.Error)}
}

// ParseErrorField reads an error field in either shape: a structured object
// {code, message, suggestion, details} or a legacy "[CODE] message" string.
func ParseErrorField(raw json.RawMessage) ErrorInfo {
	if isNull(raw) {
		return ErrorInfo{Code: agenterrors.CodeUnknown, Message: "agent reported a failure without details"}
	}

	trimmed := bytes.TrimSpace(raw)
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			code, message := agenterrors.ParseLegacy(s)
			return normalizeInfo(ErrorInfo{Code: code, Message: message})
		}
	}

	var info ErrorInfo
	if err := json.Unmarshal(trimmed, &info); err == nil && (info.Code != "" || info.Message != "") {
		return normalizeInfo(info)
	}
	return ErrorInfo{Code: agenterrors.CodeUnknown, Message: string(trimmed)}
}

// normalizeInfo maps codes outside the taxonomy to UNKNOWN_ERROR and keeps the
// original code in the details.
func normalizeInfo(info ErrorInfo) ErrorInfo {
	code := agenterrors.Code(strings.ToUpper(strings.TrimSpace(string(info.Code))))
	switch {
	case code == "":
		info.Code = agenterrors.CodeUnknown
	case !code.Known():
		if info.Details == nil {
			info.Details = map[string]any{}
		}
		info.Details["server_code"] = string(info.Code)
		info.Code = agenterrors.CodeUnknown
	default:
		info.Code = code
	}
	return info
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
