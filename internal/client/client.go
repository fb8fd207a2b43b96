// Package client is a small HTTP client for the agent server's management API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentregistry-dev/agentrun/internal/logging"
	"github.com/agentregistry-dev/agentrun/internal/manifest"
	"github.com/agentregistry-dev/agentrun/internal/transport"
)

const defaultTimeout = 30 * time.Second

// Client talks to one agent server.
type Client struct {
	BaseURL    string
	httpClient *http.Client
	token      string
	logger     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = logging.OrNop(l) }
}

// NewClient constructs a client with explicit baseURL and token.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response or a response with success=false.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error (%d): [%s] %s", e.StatusCode, e.Code, e.Message)
	}
	if e.Message != "" {
		return fmt.Sprintf("api error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error (%d)", e.StatusCode)
}

// StatusOf returns the HTTP status of an *APIError in err's chain, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// Architecture lists an agent's entrypoints as known to the server.
type Architecture struct {
	AgentID     string                `json:"agent_id"`
	Framework   string                `json:"framework,omitempty"`
	Entrypoints []manifest.Entrypoint `json:"entrypoints"`
}

// AgentStatus is the server's view of a deployed agent.
type AgentStatus struct {
	AgentID     string `json:"agent_id"`
	Status      string `json:"status"`
	Framework   string `json:"framework,omitempty"`
	EndpointURL string `json:"endpoint_url,omitempty"`
	Host        string `json:"host,omitempty"`
	Port        int    `json:"port,omitempty"`
	UpdatedAt   string `json:"updated_at,omitempty"`
	Error       string `json:"error,omitempty"`
}

// UploadMetadata describes an agent before its archive is uploaded.
type UploadMetadata struct {
	AgentID            string                `json:"agent_id"`
	AgentName          string                `json:"agent_name"`
	Framework          string                `json:"framework"`
	Template           string                `json:"template,omitempty"`
	Version            string                `json:"version,omitempty"`
	ConfigFingerprint  string                `json:"config_fingerprint"`
	ContentFingerprint string                `json:"content_fingerprint"`
	Entrypoints        []manifest.Entrypoint `json:"entrypoints"`
}

// UploadResult is returned by the upload endpoints.
type UploadResult struct {
	AgentID   string `json:"agent_id"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// StartResult is returned by the start endpoint.
type StartResult struct {
	AgentID     string `json:"agent_id"`
	Status      string `json:"status"`
	EndpointURL string `json:"endpoint_url,omitempty"`
	Host        string `json:"host,omitempty"`
	Port        int    `json:"port,omitempty"`
}

// Limits reports the caller's agent quota.
type Limits struct {
	MaxAgents      int    `json:"max_agents"`
	CurrentAgents  int    `json:"current_agents"`
	RemainingSlots int    `json:"remaining_slots"`
	Unlimited      bool   `json:"unlimited,omitempty"`
	Tier           string `json:"tier,omitempty"`
}

// Health is the server health report.
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Message string `json:"message,omitempty"`
}

// GetArchitecture returns the entrypoints of agentID.
func (c *Client) GetArchitecture(ctx context.Context, agentID string) (*Architecture, error) {
	var out Architecture
	if err := c.doJsonRequest(ctx, http.MethodGet, agentPath(agentID, "architecture"), nil, &out); err != nil {
		return nil, fmt.Errorf("failed to get architecture: %w", err)
	}
	if out.AgentID == "" {
		out.AgentID = agentID
	}
	return &out, nil
}

// GetStatus returns the server-side status of agentID.
func (c *Client) GetStatus(ctx context.Context, agentID string) (*AgentStatus, error) {
	var out AgentStatus
	if err := c.doJsonRequest(ctx, http.MethodGet, agentPath(agentID, "status"), nil, &out); err != nil {
		return nil, fmt.Errorf("failed to get agent status: %w", err)
	}
	if out.AgentID == "" {
		out.AgentID = agentID
	}
	return &out, nil
}

// UploadMetadata registers an agent's metadata ahead of its archive.
func (c *Client) UploadMetadata(ctx context.Context, meta UploadMetadata) (*UploadResult, error) {
	var out UploadResult
	if err := c.doJsonRequest(ctx, http.MethodPost, "/agents/metadata-upload", meta, &out); err != nil {
		return nil, fmt.Errorf("failed to upload metadata: %w", err)
	}
	return &out, nil
}

// Upload sends an agent archive as multipart form data. Metadata entries are
// sent as additional form fields.
func (c *Client) Upload(ctx context.Context, archive io.Reader, filename string, metadata map[string]string) (*UploadResult, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeMultipart(mw, archive, filename, metadata)
		if cerr := mw.Close(); err == nil {
			err = cerr
		}
		_ = pw.CloseWithError(err)
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "/agents/upload", pr)
	if err != nil {
		_ = pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out UploadResult
	if err := c.doJSON(req, &out); err != nil {
		return nil, fmt.Errorf("failed to upload agent: %w", err)
	}
	return &out, nil
}

func writeMultipart(mw *multipart.Writer, archive io.Reader, filename string, metadata map[string]string) error {
	for k, v := range metadata {
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, archive)
	return err
}

// Start asks the server to start agentID with the given environment.
func (c *Client) Start(ctx context.Context, agentID string, env map[string]string) (*StartResult, error) {
	body := map[string]any{"env_vars": env}
	if env == nil {
		body["env_vars"] = map[string]string{}
	}
	var out StartResult
	if err := c.doJsonRequest(ctx, http.MethodPost, agentPath(agentID, "start"), body, &out); err != nil {
		return nil, fmt.Errorf("failed to start agent: %w", err)
	}
	if out.AgentID == "" {
		out.AgentID = agentID
	}
	return &out, nil
}

// GetLimits returns the caller's agent quota.
func (c *Client) GetLimits(ctx context.Context) (*Limits, error) {
	var out Limits
	if err := c.doJsonRequest(ctx, http.MethodGet, "/limits/agents", nil, &out); err != nil {
		return nil, fmt.Errorf("failed to get limits: %w", err)
	}
	return &out, nil
}

// Health checks the server.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.doJsonRequest(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, fmt.Errorf("health check failed: %w", err)
	}
	return &out, nil
}

func agentPath(agentID, resource string) string {
	return "/agents/" + url.PathEscape(agentID) + "/" + resource
}

func (c *Client) newRequest(ctx context.Context, method, pathWithQuery string, body io.Reader) (*http.Request, error) {
	fullURL := c.BaseURL + pathWithQuery
	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// apiResponse is the server's standard wrapper. Endpoints that answer with a
// bare object are decoded directly.
type apiResponse struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
}

func (c *Client) doJSON(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	c.logger.Debug("api request",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	var wrapped apiResponse
	wrappedErr := json.Unmarshal(data, &wrapped)
	isWrapped := wrappedErr == nil && wrapped.Success != nil

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || (isWrapped && !*wrapped.Success) {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Body:       truncate(strings.TrimSpace(string(data)), 1024),
		}
		if wrappedErr == nil && len(bytes.TrimSpace(wrapped.Error)) > 0 {
			info := transport.ParseErrorField(wrapped.Error)
			apiErr.Code = string(info.Code)
			apiErr.Message = info.Message
		} else if wrappedErr == nil && wrapped.Message != "" {
			apiErr.Message = wrapped.Message
		} else {
			apiErr.Message = resp.Status
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	payload := data
	if isWrapped {
		payload = wrapped.Data
		if len(bytes.TrimSpace(payload)) == 0 {
			return nil
		}
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("failed to decode %T: %w", out, err)
	}
	return nil
}

func (c *Client) doJsonRequest(ctx context.Context, method, pathWithQuery string, in, out any) error {
	var body io.Reader
	if in != nil {
		inBytes, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal %T: %w", in, err)
		}
		body = bytes.NewReader(inBytes)
	}
	req, err := c.newRequest(ctx, method, pathWithQuery, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.doJSON(req, out)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
