package gateway

import (
	"context"
	"io"

	"github.com/agentrun/engine/runtime/agent/model"
)

// AsClient adapts the Server's middleware-wrapped unary/stream handlers
// into a model.Client, so the composed pipeline (provider selection plus
// any registered middleware) can be handed to a caller that depends only
// on the model.Client interface.
func (s *Server) AsClient() model.Client { return clientAdapter{s} }

type clientAdapter struct{ s *Server }

func (c clientAdapter) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	return c.s.Complete(ctx, req)
}

// Stream bridges the Server's push-style StreamHandler (a send callback)
// into the pull-style model.Streamer callers expect, by running the
// handler in a goroutine and relaying chunks over a channel.
func (c clientAdapter) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	chunks := make(chan model.Chunk)
	errc := make(chan error, 1)
	go func() {
		defer close(chunks)
		errc <- c.s.Stream(streamCtx, req, func(ch model.Chunk) error {
			select {
			case chunks <- ch:
				return nil
			case <-streamCtx.Done():
				return streamCtx.Err()
			}
		})
	}()
	return &pushStream{chunks: chunks, errc: errc, cancel: cancel}, nil
}

var _ model.Client = clientAdapter{}

// pushStream adapts a goroutine draining a StreamHandler's send callback
// into model.Streamer's Recv/Close/Metadata shape.
type pushStream struct {
	chunks  <-chan model.Chunk
	errc    chan error
	cancel  context.CancelFunc
	errRecv bool
}

func (p *pushStream) Recv() (model.Chunk, error) {
	ch, ok := <-p.chunks
	if ok {
		return ch, nil
	}
	if p.errRecv {
		return model.Chunk{}, io.EOF
	}
	p.errRecv = true
	if err := <-p.errc; err != nil {
		return model.Chunk{}, err
	}
	return model.Chunk{}, io.EOF
}

func (p *pushStream) Close() error {
	p.cancel()
	return nil
}

func (p *pushStream) Metadata() map[string]any { return nil }
