package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentregistry-dev/agentrun/internal/agenterrors"
)

// newStreamServer runs script against every accepted connection after reading
// the request frame.
func newStreamServer(t *testing.T, script func(conn *websocket.Conn, req Request)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agents/"+testAgentID+"/run-stream" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		script(conn, req)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeFrame(conn *websocket.Conn, msg map[string]any) {
	_ = conn.WriteJSON(msg)
}

func openStream(t *testing.T, srv *httptest.Server) *Stream {
	t.Helper()
	s, err := NewStreamTransport(nil, nil).Open(context.Background(),
		Endpoint{BaseURL: srv.URL, AgentID: testAgentID, APIKey: "secret"},
		Request{EntrypointTag: "chat_stream", InputKwargs: map[string]any{"q": "hi"}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStream_OrderedChunks(t *testing.T) {
	srv := newStreamServer(t, func(conn *websocket.Conn, req Request) {
		assert.Equal(t, "chat_stream", req.EntrypointTag)
		assert.Equal(t, map[string]any{"q": "hi"}, req.InputKwargs)

		writeFrame(conn, map[string]any{"type": "status", "status": "stream_started", "invocation_id": "inv-1"})
		for _, word := range []string{"one", "two", "three", "four"} {
			writeFrame(conn, map[string]any{"type": "data", "content": word})
		}
		writeFrame(conn, map[string]any{"type": "data", "content": `{"type":"dict","payload":"{\"done\":true}"}`})
		writeFrame(conn, map[string]any{"type": "status", "status": "stream_completed", "total_chunks": 5})
	})

	s := openStream(t, srv)
	ctx := context.Background()

	var contents []any
	for {
		chunk, err := s.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, len(contents), chunk.Index)
		if chunk.Final {
			assert.Nil(t, chunk.Content)
			break
		}
		contents = append(contents, chunk.Content)
	}
	assert.Equal(t, []any{"one", "two", "three", "four", map[string]any{"done": true}}, contents)
	assert.Equal(t, "inv-1", s.InvocationID())

	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestStream_All(t *testing.T) {
	srv := newStreamServer(t, func(conn *websocket.Conn, req Request) {
		for i := 0; i < 3; i++ {
			writeFrame(conn, map[string]any{"type": "data", "content": i})
		}
		writeFrame(conn, map[string]any{"type": "status", "status": "stream_completed"})
	})

	s := openStream(t, srv)
	var got []any
	var final bool
	for chunk, err := range s.All(context.Background()) {
		require.NoError(t, err)
		if chunk.Final {
			final = true
			continue
		}
		got = append(got, chunk.Content)
	}
	assert.True(t, final)
	assert.Equal(t, []any{float64(0), float64(1), float64(2)}, got)
}

func TestStream_ErrorFrame(t *testing.T) {
	srv := newStreamServer(t, func(conn *websocket.Conn, req Request) {
		writeFrame(conn, map[string]any{"type": "data", "content": "partial"})
		writeFrame(conn, map[string]any{"type": "error", "error": "[SERVER_ERROR] model crashed"})
	})

	s := openStream(t, srv)
	ctx := context.Background()

	chunk, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "partial", chunk.Content)

	_, err = s.Next(ctx)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, agenterrors.CodeServer, remote.Info.Code)
	assert.Equal(t, "model crashed", remote.Info.Message)

	// The failure is reported once.
	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestStream_StructuredErrorFrame(t *testing.T) {
	srv := newStreamServer(t, func(conn *websocket.Conn, req Request) {
		writeFrame(conn, map[string]any{"type": "error", "error": map[string]any{
			"code": "NOT_FOUND", "message": "Entrypoint 'chat_stream' not found",
		}})
	})

	s := openStream(t, srv)
	_, err := s.Next(context.Background())
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, agenterrors.CodeNotFound, remote.Info.Code)
}

func TestStream_ServerDropsConnection(t *testing.T) {
	srv := newStreamServer(t, func(conn *websocket.Conn, req Request) {
		writeFrame(conn, map[string]any{"type": "data", "content": "a"})
		_ = conn.UnderlyingConn().Close()
	})

	s := openStream(t, srv)
	ctx := context.Background()
	_, err := s.Next(ctx)
	require.NoError(t, err)

	_, err = s.Next(ctx)
	require.Error(t, err)
	assert.False(t, errors.Is(err, io.EOF))
	assert.Contains(t, err.Error(), "stream interrupted")
}

func TestStream_Close(t *testing.T) {
	stop := make(chan struct{})
	srv := newStreamServer(t, func(conn *websocket.Conn, req Request) {
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if err := conn.WriteJSON(map[string]any{"type": "data", "content": i}); err != nil {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	})
	defer close(stop)

	s := openStream(t, srv)
	ctx := context.Background()
	_, err := s.Next(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	assert.NoError(t, s.Close(), "close is idempotent")

	// Best effort: a chunk already in flight may still arrive, then the
	// stream reports it was closed.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("stream did not stop after Close")
		default:
		}
		_, err := s.Next(ctx)
		if err != nil {
			assert.ErrorIs(t, err, ErrStreamClosed)
			return
		}
	}
}

func TestStream_NextHonoursContext(t *testing.T) {
	hold := make(chan struct{})
	srv := newStreamServer(t, func(conn *websocket.Conn, req Request) {
		<-hold
	})
	defer close(hold)

	s := openStream(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStream_OpenRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"detail": "invalid api key"})
	}))
	defer srv.Close()

	_, err := NewStreamTransport(nil, nil).Open(context.Background(),
		Endpoint{BaseURL: srv.URL, AgentID: testAgentID}, Request{EntrypointTag: "chat_stream"})
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
	assert.Contains(t, err.Error(), "401")
}
