package invocation

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"
	"time"

	"github.com/agentregistry-dev/agentrun/internal/agenterrors"
	"github.com/agentregistry-dev/agentrun/internal/diagnostics"
	"github.com/agentregistry-dev/agentrun/internal/manifest"
	"github.com/agentregistry-dev/agentrun/internal/transport"
)

// Stream is a running streaming invocation. Failures surface from Next as
// *agenterrors.Error, once; after that Next returns io.EOF.
type Stream struct {
	inner  *transport.Stream
	client *Client
	diag   diagnostics.Context
	tag    string
	start  time.Time
	// record is false when the caller records the invocation itself.
	record bool

	recordOnce sync.Once
}

// Next blocks until the next chunk and returns io.EOF after the terminal one.
func (s *Stream) Next(ctx context.Context) (transport.Chunk, error) {
	chunk, err := s.inner.Next(ctx)
	switch {
	case err == nil:
		if chunk.Final {
			s.finish(ctx, "")
		} else {
			s.client.metrics.RecordChunk(ctx, s.tag)
		}
		return chunk, nil
	case errors.Is(err, io.EOF):
		return transport.Chunk{}, io.EOF
	default:
		aerr := s.client.classify(s.diag, err, agenterrors.CodeStream)
		s.finish(ctx, aerr.Code)
		return transport.Chunk{}, aerr
	}
}

// All iterates chunks up to and including the terminal chunk, or up to the
// first error.
func (s *Stream) All(ctx context.Context) iter.Seq2[transport.Chunk, error] {
	return func(yield func(transport.Chunk, error) bool) {
		for {
			chunk, err := s.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(transport.Chunk{}, err)
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

// InvocationID returns the server-assigned id, once the stream has started.
func (s *Stream) InvocationID() string {
	return s.inner.InvocationID()
}

// Close stops the stream. In-flight chunks may still be delivered.
func (s *Stream) Close() error {
	return s.inner.Close()
}

func (s *Stream) finish(ctx context.Context, code agenterrors.Code) {
	if !s.record {
		return
	}
	s.recordOnce.Do(func() {
		s.client.metrics.RecordInvocation(ctx, string(manifest.TransportStream), s.tag, string(code), time.Since(s.start))
	})
}
