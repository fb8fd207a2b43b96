package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentregistry-dev/agentrun/internal/logging"
	"github.com/agentregistry-dev/agentrun/internal/serializer"
)

// Frame types and status values of the streaming protocol.
const (
	MessageStatus = "status"
	MessageData   = "data"
	MessageError  = "error"

	StatusStarted   = "stream_started"
	StatusCompleted = "stream_completed"
)

// ErrStreamClosed is returned by Next after Close.
var ErrStreamClosed = errors.New("stream closed")

// Message is one frame sent by the server.
type Message struct {
	Type          string          `json:"type"`
	Status        string          `json:"status,omitempty"`
	Content       json.RawMessage `json:"content,omitempty"`
	Error         json.RawMessage `json:"error,omitempty"`
	InvocationID  string          `json:"invocation_id,omitempty"`
	TotalChunks   int             `json:"total_chunks,omitempty"`
	ExecutionTime float64         `json:"execution_time,omitempty"`
}

// Chunk is one ordered unit of a streaming result. The terminal chunk has
// Final set and no content.
type Chunk struct {
	Index   int  `json:"index"`
	Content any  `json:"content"`
	Final   bool `json:"final,omitempty"`
}

// StreamTransport opens streaming invocations over WebSocket.
type StreamTransport struct {
	dialer *websocket.Dialer
	logger *zap.Logger
}

// NewStreamTransport returns a StreamTransport. A nil dialer uses a copy of
// websocket.DefaultDialer.
func NewStreamTransport(dialer *websocket.Dialer, logger *zap.Logger) *StreamTransport {
	if dialer == nil {
		d := *websocket.DefaultDialer
		dialer = &d
	}
	return &StreamTransport{
		dialer: dialer,
		logger: logging.OrNop(logger),
	}
}

// Open connects to the agent's run-stream resource and sends req as the first
// frame. ctx bounds the handshake only; use Stream.Next and Stream.Close to
// control the rest.
func (t *StreamTransport) Open(ctx context.Context, ep Endpoint, req Request) (*Stream, error) {
	target, err := ep.WebSocketURL("run-stream")
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if ep.APIKey != "" {
		header.Set("Authorization", "Bearer "+ep.APIKey)
	}

	conn, resp, err := t.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			defer func() { _ = resp.Body.Close() }()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return nil, &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(body)}
		}
		return nil, err
	}

	if err := conn.WriteJSON(req.normalize()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to send stream request: %w", err)
	}

	s := &Stream{
		conn:   conn,
		items:  make(chan streamItem),
		done:   make(chan struct{}),
		logger: t.logger.With(zap.String("agent_id", ep.AgentID), zap.String("entrypoint", req.EntrypointTag)),
	}
	go s.readLoop()
	return s, nil
}

type streamItem struct {
	chunk Chunk
	err   error
}

// Stream is a finite, non-restartable sequence of chunks. A background reader
// decodes frames in network order and hands them over one at a time; nothing
// is read ahead of the consumer beyond the frame in flight.
//
// Next must not be called concurrently. Close may be called from any goroutine.
type Stream struct {
	conn   *websocket.Conn
	items  chan streamItem
	done   chan struct{}
	logger *zap.Logger

	closeOnce sync.Once

	mu           sync.Mutex
	invocationID string

	// consumer side state
	terminal error
}

// InvocationID returns the id the server assigned, once known.
func (s *Stream) InvocationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invocationID
}

// Next blocks until the next chunk. It returns io.EOF after the terminal chunk.
// A failure is returned once; later calls return io.EOF.
func (s *Stream) Next(ctx context.Context) (Chunk, error) {
	if s.terminal != nil {
		return Chunk{}, s.terminal
	}
	select {
	case item, ok := <-s.items:
		if !ok {
			s.terminal = ErrStreamClosed
			return Chunk{}, ErrStreamClosed
		}
		if item.err != nil {
			s.terminal = io.EOF
			return Chunk{}, item.err
		}
		if item.chunk.Final {
			s.terminal = io.EOF
		}
		return item.chunk, nil
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	}
}

// All iterates the remaining chunks, the terminal chunk included. Iteration
// ends after the terminal chunk or the first error.
func (s *Stream) All(ctx context.Context) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		for {
			chunk, err := s.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Chunk{}, err)
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

// Close stops the reader and closes the connection. Cancellation is best
// effort: a frame already handed to the consumer is still delivered.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		if cerr := s.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	})
	return err
}

func (s *Stream) readLoop() {
	defer close(s.items)
	defer func() { _ = s.conn.Close() }()

	index := 0
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed() {
				return
			}
			s.logger.Debug("stream read failed", zap.Error(err))
			s.send(streamItem{err: fmt.Errorf("stream interrupted: %w", err)})
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.send(streamItem{err: fmt.Errorf("invalid stream frame: %w", err)})
			return
		}

		switch msg.Type {
		case MessageStatus:
			switch msg.Status {
			case StatusStarted:
				s.mu.Lock()
				s.invocationID = msg.InvocationID
				s.mu.Unlock()
				s.logger.Debug("stream started", zap.String("invocation_id", msg.InvocationID))
			case StatusCompleted:
				s.logger.Debug("stream completed",
					zap.Int("chunks", index),
					zap.Float64("execution_time", msg.ExecutionTime))
				s.send(streamItem{chunk: Chunk{Index: index, Final: true}})
				return
			}
		case MessageData:
			content, err := serializer.FromRaw(msg.Content)
			if err != nil {
				s.send(streamItem{err: fmt.Errorf("invalid chunk %d: %w", index, err)})
				return
			}
			if !s.send(streamItem{chunk: Chunk{Index: index, Content: content}}) {
				return
			}
			index++
		case MessageError:
			s.send(streamItem{err: &RemoteError{Info: ParseErrorField(msg.Error)}})
			return
		default:
			s.logger.Debug("ignoring unknown stream frame", zap.String("type", msg.Type))
		}
	}
}

// send hands an item to the consumer unless the stream was closed.
func (s *Stream) send(item streamItem) bool {
	select {
	case s.items <- item:
		return true
	case <-s.done:
		return false
	}
}

func (s *Stream) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
