package invocation

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentregistry-dev/agentrun/internal/agenterrors"
	"github.com/agentregistry-dev/agentrun/internal/manifest"
	"github.com/agentregistry-dev/agentrun/internal/registry"
	"github.com/agentregistry-dev/agentrun/internal/telemetry"
	"github.com/agentregistry-dev/agentrun/internal/transport"
)

// fakeAgent is an agent server with a sync endpoint, a streaming endpoint and
// an architecture endpoint.
type fakeAgent struct {
	srv          *httptest.Server
	syncCalls    atomic.Int32
	streamCalls  atomic.Int32
	syncResponse func(w http.ResponseWriter, req transport.Request)
	streamFrames []map[string]any
	architecture string
}

func newFakeAgent(t *testing.T, agentID string) *fakeAgent {
	t.Helper()
	fa := &fakeAgent{
		syncResponse: func(w http.ResponseWriter, req transport.Request) {
			_, _ = w.Write([]byte(`{"success": true, "data": "ok"}`))
		},
	}
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /agents/"+agentID+"/run", func(w http.ResponseWriter, r *http.Request) {
		fa.syncCalls.Add(1)
		var req transport.Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		fa.syncResponse(w, req)
	})
	mux.HandleFunc("/agents/"+agentID+"/run-stream", func(w http.ResponseWriter, r *http.Request) {
		fa.streamCalls.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		var req transport.Request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		for _, frame := range fa.streamFrames {
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
		// Wait for the client to hang up.
		_, _, _ = conn.ReadMessage()
	})
	mux.HandleFunc("GET /agents/"+agentID+"/architecture", func(w http.ResponseWriter, r *http.Request) {
		if fa.architecture == "" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(fa.architecture))
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status": "healthy"}`))
	})
	fa.srv = httptest.NewServer(mux)
	t.Cleanup(fa.srv.Close)
	return fa
}

func (fa *fakeAgent) hostPort(t *testing.T) (string, int) {
	t.Helper()
	addr := fa.srv.Listener.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func chatFrames(words ...string) []map[string]any {
	frames := []map[string]any{{"type": "status", "status": "stream_started", "invocation_id": "inv-1"}}
	for _, w := range words {
		frames = append(frames, map[string]any{"type": "data", "content": w})
	}
	return append(frames, map[string]any{"type": "status", "status": "stream_completed"})
}

var testEntrypoints = []manifest.Entrypoint{
	{File: "main.py", Module: "run", Tag: "generic"},
	{File: "main.py", Module: "chat", Tag: "chat_stream"},
}

// newLocalClient registers agentID at the fake agent's address.
func newLocalClient(t *testing.T, fa *fakeAgent, agentID string, entrypoints []manifest.Entrypoint, metrics *telemetry.Metrics) *Client {
	t.Helper()
	ctx := context.Background()
	store, err := registry.NewStore(filepath.Join(t.TempDir(), "deployments"))
	require.NoError(t, err)
	require.NoError(t, store.Register(ctx, &registry.AgentRecord{
		AgentID:     agentID,
		Framework:   "langchain",
		Entrypoints: entrypoints,
	}))
	host, port := fa.hostPort(t)
	_, err = store.UpdateOnStart(ctx, agentID, host, port)
	require.NoError(t, err)

	c, err := New(Options{
		Local:          true,
		Registry:       store,
		DashboardURL:   "https://app.example.com",
		DefaultTimeout: 10 * time.Second,
		Metrics:        metrics,
	})
	require.NoError(t, err)
	return c
}

func newRemoteClient(t *testing.T, fa *fakeAgent) *Client {
	t.Helper()
	c, err := New(Options{
		BaseURL:        fa.srv.URL,
		APIKey:         "key",
		DashboardURL:   "https://app.example.com",
		DefaultTimeout: 10 * time.Second,
	})
	require.NoError(t, err)
	return c
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{Local: true})
	assert.Error(t, err)
	_, err = New(Options{})
	assert.Error(t, err)
}

func TestRun_Sync(t *testing.T) {
	agentID := registry.NewID()
	fa := newFakeAgent(t, agentID)
	fa.syncResponse = func(w http.ResponseWriter, req transport.Request) {
		assert.Equal(t, "generic", req.EntrypointTag)
		assert.Equal(t, []any{"hello"}, req.InputArgs)
		assert.Equal(t, map[string]any{"n": float64(2)}, req.InputKwargs)
		assert.Equal(t, 10, req.TimeoutSeconds)
		_, _ = w.Write([]byte(`{"success": true, "data": "{\"type\":\"dict\",\"payload\":\"{\\\"echo\\\":\\\"hello\\\"}\"}"}`))
	}
	c := newLocalClient(t, fa, agentID, testEntrypoints, nil)

	got, err := c.Run(context.Background(), agentID, "generic", []any{"hello"}, map[string]any{"n": 2}, 0)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"echo": "hello"}, got)
	assert.Equal(t, int32(1), fa.syncCalls.Load())
	assert.Equal(t, int32(0), fa.streamCalls.Load())
}

func TestRun_StreamTagNeverUsesSync(t *testing.T) {
	agentID := registry.NewID()
	fa := newFakeAgent(t, agentID)
	fa.streamFrames = chatFrames("Hel", "lo", "!")
	c := newLocalClient(t, fa, agentID, testEntrypoints, nil)

	got, err := c.Run(context.Background(), agentID, "chat_stream", nil, map[string]any{"q": "hi"}, 0)
	require.NoError(t, err)
	assert.Equal(t, []any{"Hel", "lo", "!"}, got)
	assert.Equal(t, int32(0), fa.syncCalls.Load())
	assert.Equal(t, int32(1), fa.streamCalls.Load())
}

func TestRun_StreamSuffixFallbackWithoutRecord(t *testing.T) {
	agentID := registry.NewID()
	fa := newFakeAgent(t, agentID)
	fa.streamFrames = chatFrames("a", "b")
	c := newRemoteClient(t, fa)

	// No local record and no architecture: the suffix decides.
	got, err := c.Run(context.Background(), agentID, "summary_stream", nil, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, got)
	assert.Equal(t, int32(0), fa.syncCalls.Load())
}

func TestRun_ArchitectureDecidesTransport(t *testing.T) {
	agentID := registry.NewID()
	fa := newFakeAgent(t, agentID)
	fa.architecture = `{"success": true, "data": {"entrypoints": [
		{"file": "main.py", "module": "run", "tag": "generic"},
		{"file": "main.py", "module": "events", "tag": "events", "transport": "stream"}
	]}}`
	c := newRemoteClient(t, fa)

	_, err := c.Run(context.Background(), agentID, "missing", nil, nil, 0)
	aerr, ok := agenterrors.As(err)
	require.True(t, ok)
	assert.Equal(t, agenterrors.CodeNotFound, aerr.Code)
	assert.Contains(t, aerr.Suggestion, "missing")
	assert.Equal(t, int32(0), fa.syncCalls.Load())

	// A declared transport that contradicts the tag is rejected before dispatch.
	_, err = c.Run(context.Background(), agentID, "events", nil, nil, 0)
	assert.Equal(t, agenterrors.CodeValidation, agenterrors.CodeOf(err))
	assert.Equal(t, int32(0), fa.syncCalls.Load())
	assert.Equal(t, int32(0), fa.streamCalls.Load())
}

func TestRun_StructuredNotFound(t *testing.T) {
	agentID := registry.NewID()
	fa := newFakeAgent(t, agentID)
	fa.syncResponse = func(w http.ResponseWriter, req transport.Request) {
		_, _ = w.Write([]byte(`{"success": false, "error": {"code":"NOT_FOUND","message":"Entrypoint 'foo' not found"}}`))
	}
	c := newRemoteClient(t, fa)

	_, err := c.Run(context.Background(), agentID, "foo", nil, nil, 0)
	aerr, ok := agenterrors.As(err)
	require.True(t, ok)
	assert.Equal(t, agenterrors.CodeNotFound, aerr.Code)
	assert.Equal(t, "Entrypoint 'foo' not found", aerr.Message)
	assert.Contains(t, aerr.Suggestion, "foo")
}

func TestRun_LegacyError(t *testing.T) {
	agentID := registry.NewID()
	fa := newFakeAgent(t, agentID)
	fa.syncResponse = func(w http.ResponseWriter, req transport.Request) {
		_, _ = w.Write([]byte(`{"success": false, "error": "[VALIDATION_ERROR] bad input"}`))
	}
	c := newRemoteClient(t, fa)

	_, err := c.Run(context.Background(), agentID, "generic", nil, nil, 0)
	aerr, ok := agenterrors.As(err)
	require.True(t, ok)
	assert.Equal(t, agenterrors.CodeValidation, aerr.Code)
	assert.Equal(t, "bad input", aerr.Message)
	assert.NotEmpty(t, aerr.Suggestion)
}

func TestRun_ServerSuggestionIsKept(t *testing.T) {
	agentID := registry.NewID()
	fa := newFakeAgent(t, agentID)
	fa.syncResponse = func(w http.ResponseWriter, req transport.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"success": false, "error": {"code":"PERMISSION_ERROR","message":"nope","suggestion":"ask the owner"}}`))
	}
	c := newRemoteClient(t, fa)

	_, err := c.Run(context.Background(), agentID, "generic", nil, nil, 0)
	aerr, ok := agenterrors.As(err)
	require.True(t, ok)
	assert.Equal(t, agenterrors.CodePermission, aerr.Code)
	assert.Equal(t, "ask the owner", aerr.Suggestion)
	assert.Equal(t, http.StatusForbidden, aerr.Details["status_code"])
}

func TestRun_PlainHTTPFailureIsClassified(t *testing.T) {
	agentID := registry.NewID()
	fa := newFakeAgent(t, agentID)
	fa.syncResponse = func(w http.ResponseWriter, req transport.Request) {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
	c := newRemoteClient(t, fa)

	_, err := c.Run(context.Background(), agentID, "generic", nil, nil, 0)
	assert.Equal(t, agenterrors.CodeServer, agenterrors.CodeOf(err))
}

func TestRun_Timeout(t *testing.T) {
	agentID := registry.NewID()
	fa := newFakeAgent(t, agentID)
	fa.syncResponse = func(w http.ResponseWriter, req transport.Request) {
		time.Sleep(2 * time.Second)
	}
	c := newRemoteClient(t, fa)

	_, err := c.Run(context.Background(), agentID, "generic", nil, nil, time.Second)
	aerr, ok := agenterrors.As(err)
	require.True(t, ok)
	assert.Equal(t, agenterrors.CodeTimeout, aerr.Code)
}

func TestRun_SubSecondTimeout(t *testing.T) {
	agentID := registry.NewID()
	fa := newFakeAgent(t, agentID)
	var sent atomic.Int32
	fa.syncResponse = func(w http.ResponseWriter, req transport.Request) {
		sent.Store(int32(req.TimeoutSeconds))
		time.Sleep(2 * time.Second)
		_, _ = w.Write([]byte(`{"success": true, "data": "late"}`))
	}
	c := newRemoteClient(t, fa)

	start := time.Now()
	got, err := c.Run(context.Background(), agentID, "generic", nil, nil, 500*time.Millisecond)
	elapsed := time.Since(start)

	assert.Nil(t, got)
	assert.Equal(t, agenterrors.CodeTimeout, agenterrors.CodeOf(err))
	assert.Less(t, elapsed, 1500*time.Millisecond)
	assert.Equal(t, int32(1), sent.Load())
}

func TestTimeoutSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int
	}{
		{0, 0},
		{-time.Second, 0},
		{time.Millisecond, 1},
		{500 * time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{30 * time.Second, 30},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, timeoutSeconds(tt.in), tt.in.String())
	}
}

func TestRun_ConnectionRefusedLocal(t *testing.T) {
	agentID := registry.NewID()
	fa := newFakeAgent(t, agentID)
	c := newLocalClient(t, fa, agentID, testEntrypoints, nil)
	host, port := fa.hostPort(t)
	fa.srv.Close()

	_, err := c.Run(context.Background(), agentID, "generic", nil, nil, 0)
	aerr, ok := agenterrors.As(err)
	require.True(t, ok)
	assert.Equal(t, agenterrors.CodeConnection, aerr.Code)
	assert.Contains(t, aerr.Suggestion, net.JoinHostPort(host, strconv.Itoa(port)))
}

func TestRun_LocalErrors(t *testing.T) {
	agentID := registry.NewID()
	fa := newFakeAgent(t, agentID)
	c := newLocalClient(t, fa, agentID, testEntrypoints, nil)

	_, err := c.Run(context.Background(), registry.NewID(), "generic", nil, nil, 0)
	assert.Equal(t, agenterrors.CodeNotFound, agenterrors.CodeOf(err))

	_, err = c.Run(context.Background(), "not-an-id", "generic", nil, nil, 0)
	assert.Equal(t, agenterrors.CodeValidation, agenterrors.CodeOf(err))

	_, err = c.Run(context.Background(), agentID, "", nil, nil, 0)
	assert.Equal(t, agenterrors.CodeValidation, agenterrors.CodeOf(err))

	_, err = c.Run(context.Background(), agentID, "unknown", nil, nil, 0)
	aerr, ok := agenterrors.As(err)
	require.True(t, ok)
	assert.Equal(t, agenterrors.CodeNotFound, aerr.Code)
	assert.Equal(t, []string{"generic", "chat_stream"}, aerr.Details["available"])
	assert.Equal(t, int32(0), fa.syncCalls.Load())
}

func TestRun_LocalAgentNotStarted(t *testing.T) {
	agentID := registry.NewID()
	store, err := registry.NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Register(context.Background(), &registry.AgentRecord{AgentID: agentID}))

	c, err := New(Options{Local: true, Registry: store})
	require.NoError(t, err)
	_, err = c.Run(context.Background(), agentID, "generic", nil, nil, 0)
	aerr, ok := agenterrors.As(err)
	require.True(t, ok)
	assert.Equal(t, agenterrors.CodeConnection, aerr.Code)
	assert.Contains(t, aerr.Suggestion, "agentrun start")
}

func TestRunStream(t *testing.T) {
	agentID := registry.NewID()
	fa := newFakeAgent(t, agentID)
	fa.streamFrames = chatFrames("one", "two", "three")
	shutdown, metrics, err := telemetry.InitMetrics("test")
	require.NoError(t, err)
	defer func() { _ = shutdown(context.Background()) }()
	c := newLocalClient(t, fa, agentID, testEntrypoints, metrics)

	ctx := context.Background()
	s, err := c.RunStream(ctx, agentID, "chat_stream", nil, nil)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	var contents []any
	var sawFinal bool
	for chunk, err := range s.All(ctx) {
		require.NoError(t, err)
		if chunk.Final {
			sawFinal = true
			continue
		}
		assert.Equal(t, len(contents), chunk.Index)
		contents = append(contents, chunk.Content)
	}
	assert.True(t, sawFinal)
	assert.Equal(t, []any{"one", "two", "three"}, contents)
	assert.Equal(t, "inv-1", s.InvocationID())
	assert.Equal(t, int32(0), fa.syncCalls.Load())

	w := httptest.NewRecorder()
	metrics.PrometheusHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, w.Body.String(), `entrypoint="chat_stream"`)
	assert.Contains(t, w.Body.String(), "agentrun_stream_chunks_total")
}

func TestRunStream_MidStreamError(t *testing.T) {
	agentID := registry.NewID()
	fa := newFakeAgent(t, agentID)
	fa.streamFrames = []map[string]any{
		{"type": "data", "content": "partial"},
		{"type": "error", "error": "model exploded"},
	}
	c := newLocalClient(t, fa, agentID, testEntrypoints, nil)

	ctx := context.Background()
	s, err := c.RunStream(ctx, agentID, "chat_stream", nil, nil)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	_, err = s.Next(ctx)
	require.NoError(t, err)
	_, err = s.Next(ctx)
	aerr, ok := agenterrors.As(err)
	require.True(t, ok)
	assert.Equal(t, agenterrors.CodeStream, aerr.Code)
	assert.Equal(t, "model exploded", aerr.Message)

	// Run surfaces the same failure instead of a partial result.
	_, err = c.Run(ctx, agentID, "chat_stream", nil, nil, 0)
	assert.Equal(t, agenterrors.CodeStream, agenterrors.CodeOf(err))
}

func TestRunStream_RejectsSyncEntrypoint(t *testing.T) {
	agentID := registry.NewID()
	fa := newFakeAgent(t, agentID)
	c := newLocalClient(t, fa, agentID, testEntrypoints, nil)

	_, err := c.RunStream(context.Background(), agentID, "generic", nil, nil)
	assert.Equal(t, agenterrors.CodeValidation, agenterrors.CodeOf(err))
	assert.Equal(t, int32(0), fa.streamCalls.Load())
	assert.Equal(t, int32(0), fa.syncCalls.Load())
}

func TestHealthAndArchitecture(t *testing.T) {
	agentID := registry.NewID()
	fa := newFakeAgent(t, agentID)
	fa.architecture = `{"agent_id": "` + agentID + `", "entrypoints": [{"file": "main.py", "module": "run", "tag": "generic"}]}`
	c := newLocalClient(t, fa, agentID, testEntrypoints, nil)

	health, err := c.Health(context.Background(), agentID)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)

	arch, err := c.Architecture(context.Background(), agentID)
	require.NoError(t, err)
	require.Len(t, arch.Entrypoints, 1)
	assert.Equal(t, "generic", arch.Entrypoints[0].Tag)

	remote := newRemoteClient(t, fa)
	_, err = remote.Health(context.Background(), "")
	assert.NoError(t, err)
}
