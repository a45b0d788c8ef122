package replay

import (
	"context"
	"fmt"

	"github.com/papercomputeco/spool/pkg/chat"
	"github.com/papercomputeco/spool/pkg/store"
	"github.com/papercomputeco/spool/pkg/stream"
)

// Strategy selects how a Writer trades durability against write volume.
type Strategy string

const (
	// StrategyImmediate persists each chunk before forwarding it. A chunk a
	// consumer has seen is already durable.
	StrategyImmediate Strategy = "immediate"

	// StrategyBuffered forwards chunks immediately and persists them in
	// batches, so a crash can lose up to FlushSize-1 tail chunks.
	StrategyBuffered Strategy = "buffered"
)

// DefaultFlushSize is the buffered-strategy batch size.
const DefaultFlushSize = 20

// WriterConfig configures a Writer.
type WriterConfig struct {
	// Strategy picks the durability mode; defaults to StrategyImmediate.
	Strategy Strategy

	// FlushSize is the buffered batch size (defaults to DefaultFlushSize).
	// Ignored by StrategyImmediate.
	FlushSize int

	// Forward relays each accepted chunk to a live consumer. Optional.
	Forward ForwardFunc
}

// Writer appends chunks to one stream's log, assigning sequence numbers
// locally. It is not safe for concurrent use: a stream has a single writer.
type Writer struct {
	store    store.StreamStore
	streamID string
	cfg      WriterConfig

	seq     int64
	pending []stream.Chunk
}

// NewWriter creates a writer for the given stream.
func NewWriter(s store.StreamStore, streamID string, cfg WriterConfig) *Writer {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyImmediate
	}
	if cfg.FlushSize <= 0 {
		cfg.FlushSize = DefaultFlushSize
	}

	return &Writer{
		store:    s,
		streamID: streamID,
		cfg:      cfg,
	}
}

// Seq returns the next sequence number the writer will assign.
func (w *Writer) Seq() int64 {
	return w.seq
}

// Write records one chunk. Under StrategyImmediate the chunk is durable
// before Forward sees it; under StrategyBuffered Forward sees it right away
// and durability follows at the next flush.
func (w *Writer) Write(ctx context.Context, data []byte) error {
	c := stream.Chunk{
		StreamID:  w.streamID,
		Seq:       w.seq,
		Data:      data,
		CreatedAt: chat.NowMillis(),
	}
	w.seq++

	switch w.cfg.Strategy {
	case StrategyBuffered:
		if err := w.forward(data); err != nil {
			return err
		}
		w.pending = append(w.pending, c)
		if len(w.pending) >= w.cfg.FlushSize {
			return w.Flush(ctx)
		}
		return nil

	default:
		if err := w.store.AppendChunks(ctx, w.streamID, []stream.Chunk{c}); err != nil {
			return fmt.Errorf("append chunk %d: %w", c.Seq, err)
		}
		return w.forward(data)
	}
}

func (w *Writer) forward(data []byte) error {
	if w.cfg.Forward == nil {
		return nil
	}
	if err := w.cfg.Forward(data); err != nil {
		return fmt.Errorf("forward chunk: %w", err)
	}
	return nil
}

// Flush persists any buffered chunks. The batch is all-or-nothing; on
// success the buffer is cleared.
func (w *Writer) Flush(ctx context.Context) error {
	if len(w.pending) == 0 {
		return nil
	}

	if err := w.store.AppendChunks(ctx, w.streamID, w.pending); err != nil {
		return fmt.Errorf("flush %d chunks: %w", len(w.pending), err)
	}
	w.pending = w.pending[:0]
	return nil
}

// Complete flushes any buffered chunks and marks the stream completed.
func (w *Writer) Complete(ctx context.Context) error {
	if err := w.Flush(ctx); err != nil {
		return err
	}
	return w.store.UpdateStreamStatus(ctx, w.streamID, stream.StatusCompleted, "")
}

// Fail flushes what it can and marks the stream failed with the cause.
// Chunks recorded before the failure stay replayable.
func (w *Writer) Fail(ctx context.Context, cause error) error {
	if err := w.Flush(ctx); err != nil {
		return err
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return w.store.UpdateStreamStatus(ctx, w.streamID, stream.StatusFailed, msg)
}
