package stream

import (
	"context"
	"sync"
)

// DefaultBuffer is the default writer buffer size. A slow consumer blocks
// the producer once the buffer fills, which is the back-pressure point of
// the whole pipeline.
const DefaultBuffer = 64

// Writer is a bounded, ordered, single-consumer chunk stream. Multiple
// producers may write concurrently (the orchestrator loop and the node
// emit sink race by design); writes are serialized and everything after
// the terminal chunk is dropped.
type Writer struct {
	ch chan Chunk

	mu         sync.Mutex
	terminated bool
}

// NewWriter creates a writer with the given buffer size; sizes below one
// fall back to DefaultBuffer.
func NewWriter(buffer int) *Writer {
	if buffer < 1 {
		buffer = DefaultBuffer
	}
	return &Writer{ch: make(chan Chunk, buffer)}
}

// Chunks returns the consumer side of the stream. The channel is closed
// after the terminal chunk.
func (w *Writer) Chunks() <-chan Chunk {
	return w.ch
}

// Write pushes a chunk, blocking when the buffer is full. It reports
// whether the chunk was accepted: writes after termination (or after ctx
// is done) are dropped, never delivered out of order.
func (w *Writer) Write(ctx context.Context, c Chunk) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.terminated {
		return false
	}

	select {
	case w.ch <- c:
	case <-ctx.Done():
		// The consumer is gone; terminate so later writes are cheap no-ops.
		w.terminated = true
		close(w.ch)
		return false
	}

	if c.Terminal() {
		w.terminated = true
		close(w.ch)
	}
	return true
}

// Done emits the terminal chunk carrying the final payload. It reports
// whether the chunk was accepted.
func (w *Writer) Done(ctx context.Context, data any) bool {
	return w.Write(ctx, Chunk{Type: ChunkDone, Data: data})
}

// Fail emits a human-readable error chunk immediately followed by the
// terminal chunk, reporting which of the two were accepted.
func (w *Writer) Fail(ctx context.Context, message string) (errorSent, doneSent bool) {
	errorSent = w.Write(ctx, Chunk{Type: ChunkError, Message: message})
	doneSent = w.Write(ctx, Chunk{Type: ChunkDone})
	return errorSent, doneSent
}

// Terminated reports whether the terminal chunk has been written.
func (w *Writer) Terminated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.terminated
}
