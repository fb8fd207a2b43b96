package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentregistry-dev/agentrun/internal/logging"
)

// Sync sends one request and waits for the whole result.
type Sync struct {
	httpClient *http.Client
	logger     *zap.Logger
}

// NewSync returns a Sync transport. A nil httpClient uses a default client
// without its own timeout; each call is bounded by the request timeout instead.
func NewSync(httpClient *http.Client, logger *zap.Logger) *Sync {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Sync{
		httpClient: httpClient,
		logger:     logging.OrNop(logger),
	}
}

// Do posts req to the agent's run resource and decodes the response envelope.
// The returned error covers transport and HTTP failures; failures reported in
// the envelope are available from Envelope.Err.
func (s *Sync) Do(ctx context.Context, ep Endpoint, req Request) (*Envelope, error) {
	target, err := ep.URL("run")
	if err != nil {
		return nil, err
	}
	if req.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	body, err := json.Marshal(req.normalize())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if ep.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}

	start := time.Now()
	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	s.logger.Debug("sync invocation finished",
		zap.String("agent_id", ep.AgentID),
		zap.String("entrypoint", req.EntrypointTag),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	var env Envelope
	decodeErr := json.Unmarshal(data, &env)
	env.StatusCode = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if decodeErr == nil && !env.Success && !isNull(env.Error) {
			return &env, nil
		}
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       truncate(strings.TrimSpace(string(data)), 1024),
		}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to decode response envelope: %w", decodeErr)
	}
	return &env, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
