package replay

import (
	"context"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/papercomputeco/spool/pkg/chat"
	"github.com/papercomputeco/spool/pkg/eventstream"
	"github.com/papercomputeco/spool/pkg/eventstream/nop"
	"github.com/papercomputeco/spool/pkg/polling"
	"github.com/papercomputeco/spool/pkg/store"
	"github.com/papercomputeco/spool/pkg/stream"
)

const (
	// DefaultChunkPageSize is how many chunks a watcher fetches per poll.
	DefaultChunkPageSize = 64

	// DefaultStatusCheckEvery is how many consecutive empty polls a watcher
	// tolerates between stream status checks.
	DefaultStatusCheckEvery = 4
)

// TailPolicy tunes how watchers poll the chunk log.
type TailPolicy struct {
	polling.Config

	// ChunkPageSize is the fetch size per poll (defaults to
	// DefaultChunkPageSize).
	ChunkPageSize int

	// StatusCheckEvery is the empty-poll interval between status checks
	// (defaults to DefaultStatusCheckEvery). The first empty poll always
	// checks, so a watcher on a finished stream closes promptly.
	StatusCheckEvery int
}

func (p TailPolicy) normalize() TailPolicy {
	p.Config = p.Config.Normalize()
	if p.ChunkPageSize <= 0 {
		p.ChunkPageSize = DefaultChunkPageSize
	}
	if p.StatusCheckEvery <= 0 {
		p.StatusCheckEvery = DefaultStatusCheckEvery
	}
	return p
}

// Config configures a Manager.
type Config struct {
	// Writer is the persistence strategy applied to each Persist call.
	// Writer.Forward is ignored; Persist takes the forward per call.
	Writer WriterConfig

	// Cancel tunes how often an in-flight Persist polls for a cancel
	// request.
	Cancel polling.Config

	// Tail tunes watcher polling.
	Tail TailPolicy

	// Events receives a StreamFinishedEvent after each terminal
	// transition, best-effort. Defaults to the nop publisher.
	Events eventstream.Publisher

	// Logger is the provided zap logger.
	Logger *zap.Logger
}

// Manager drives the full lifecycle of persisted streams: registration,
// chunk persistence with cancellation, tailing, reopen, and cleanup.
type Manager struct {
	store  store.StreamStore
	events eventstream.Publisher
	logger *zap.Logger

	writerCfg WriterConfig
	cancelCfg polling.Config
	tail      TailPolicy
}

// NewManager creates a manager over the given stream store.
func NewManager(s store.StreamStore, cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Events == nil {
		cfg.Events = nop.NewPublisher()
	}

	return &Manager{
		store:     s,
		events:    cfg.Events,
		logger:    cfg.Logger,
		writerCfg: cfg.Writer,
		cancelCfg: cfg.Cancel.Normalize(),
		tail:      cfg.Tail.normalize(),
	}
}

// Register creates the stream record if absent. Safe to call repeatedly;
// the second return reports whether this call created the record.
func (m *Manager) Register(ctx context.Context, id string) (*stream.Stream, bool, error) {
	return m.store.UpsertStream(ctx, id)
}

// Cancel requests cancellation of a stream. Completed work is preserved;
// an in-flight Persist observes the request at its next cancel poll. On a
// stream that is already terminal this is a no-op.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	return m.store.UpdateStreamStatus(ctx, id, stream.StatusCancelled, "")
}

// Reopen resets a terminal stream to queued and clears its chunk log so it
// can be persisted again.
func (m *Manager) Reopen(ctx context.Context, id string) (*stream.Stream, error) {
	return m.store.ReopenStream(ctx, id)
}

// Cleanup deletes the stream record and its chunks.
func (m *Manager) Cleanup(ctx context.Context, id string) error {
	return m.store.DeleteStream(ctx, id)
}

// Persist drains src into the stream's chunk log until exhaustion, failure,
// or cancellation. The stream is registered if needed and moved to running;
// already-terminal streams are left untouched and Persist returns nil.
//
// Cancellation — whether requested through Cancel or by ctx — is not an
// error: buffered chunks are flushed, the stream lands in cancelled, and
// Persist returns nil. Source or storage failures flush what they can,
// mark the stream failed, and return the cause.
func (m *Manager) Persist(ctx context.Context, id string, src Source, forward ForwardFunc) error {
	s, _, err := m.store.UpsertStream(ctx, id)
	if err != nil {
		return err
	}
	if s.Status.Terminal() {
		m.logger.Debug("persist skipped, stream already terminal",
			zap.String("stream_id", id),
			zap.String("status", string(s.Status)),
		)
		return nil
	}

	if err := m.store.UpdateStreamStatus(ctx, id, stream.StatusRunning, ""); err != nil {
		return err
	}

	cfg := m.writerCfg
	cfg.Forward = forward
	w := NewWriter(m.store, id, cfg)

	drainCtx, cancelDrain := context.WithCancel(ctx)
	defer cancelDrain()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.pollForCancel(drainCtx, id, cancelDrain)
	}()

	err = m.drain(drainCtx, w, src)
	cancelDrain()
	wg.Wait()

	// Status writes and final flushes must survive the context that
	// carried the cancellation.
	finishCtx := context.WithoutCancel(ctx)

	var status stream.Status
	var errMsg string
	switch {
	case err == nil:
		status = stream.StatusCompleted
		if cErr := w.Complete(finishCtx); cErr != nil {
			err = cErr
			status = stream.StatusFailed
			errMsg = cErr.Error()
		}

	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		status = stream.StatusCancelled
		if fErr := w.Flush(finishCtx); fErr != nil {
			m.logger.Warn("failed to flush chunks after cancellation",
				zap.String("stream_id", id),
				zap.Error(fErr),
			)
		}
		if uErr := m.store.UpdateStreamStatus(finishCtx, id, stream.StatusCancelled, ""); uErr != nil && !store.IsNotFound(uErr) {
			m.logger.Warn("failed to mark stream cancelled",
				zap.String("stream_id", id),
				zap.Error(uErr),
			)
		}
		err = nil

	default:
		status = stream.StatusFailed
		errMsg = err.Error()
		if fErr := w.Fail(finishCtx, err); fErr != nil && !store.IsNotFound(fErr) {
			m.logger.Warn("failed to mark stream failed",
				zap.String("stream_id", id),
				zap.Error(fErr),
			)
		}
	}

	// A cancel can land between the drain finishing and the terminal write;
	// the monotonic status update skips silently then, so the event reports
	// the row's actual final state rather than the computed one.
	if actual, sErr := m.store.GetStreamStatus(finishCtx, id); sErr == nil && actual != status {
		status = actual
		if actual != stream.StatusFailed {
			errMsg = ""
		}
	}

	m.publishFinished(finishCtx, id, status, w.Seq(), errMsg)

	m.logger.Info("stream persist finished",
		zap.String("stream_id", id),
		zap.String("status", string(status)),
		zap.Int64("chunks", w.Seq()),
	)

	return err
}

// drain pumps src into w until EOF or error.
func (m *Manager) drain(ctx context.Context, w *Writer, src Source) error {
	for {
		data, err := src.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}

		if err := w.Write(ctx, data); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
	}
}

// pollForCancel watches the stream record and tears down the drain when a
// cancel request lands or the record disappears.
func (m *Manager) pollForCancel(ctx context.Context, id string, cancelDrain context.CancelFunc) {
	backoff := polling.New(m.cancelCfg)

	for {
		if err := polling.Sleep(ctx, backoff.Next()); err != nil {
			return
		}

		status, err := m.store.GetStreamStatus(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if store.IsNotFound(err) {
				m.logger.Warn("stream record vanished mid-persist", zap.String("stream_id", id))
				cancelDrain()
				return
			}
			m.logger.Warn("cancel poll failed",
				zap.String("stream_id", id),
				zap.Error(err),
			)
			continue
		}

		if status == stream.StatusCancelled {
			m.logger.Info("cancel requested, stopping persist", zap.String("stream_id", id))
			cancelDrain()
			return
		}
		if status.Terminal() {
			return
		}
	}
}

func (m *Manager) publishFinished(ctx context.Context, id string, status stream.Status, chunks int64, errMsg string) {
	event := eventstream.NewStreamFinishedEvent(chat.NewID(), id, status, chunks, errMsg)
	if err := m.events.PublishStreamFinished(ctx, event); err != nil {
		m.logger.Warn("failed to publish stream finished event",
			zap.String("stream_id", id),
			zap.Error(err),
		)
	}
}

// Watcher tails one stream's chunk log. Chunks arrive in seq order on C;
// after C closes, Err reports why the watch ended (nil for a stream that
// reached a terminal status with all chunks delivered).
type Watcher struct {
	C <-chan stream.Chunk

	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Err returns the terminal error of the watch, if any. Valid after C closes.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Close stops the watch. Safe to call multiple times and concurrently with
// channel reads.
func (w *Watcher) Close() {
	w.cancel()
	<-w.done
}

func (w *Watcher) setErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		w.err = err
	}
}

// Watch tails the stream's chunk log starting at fromSeq. Historical chunks
// replay immediately; the watcher then follows live appends with adaptive
// polling until the stream turns terminal and its log is fully delivered.
func (m *Manager) Watch(ctx context.Context, id string, fromSeq int64) (*Watcher, error) {
	if _, err := m.store.GetStreamStatus(ctx, id); err != nil {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	ch := make(chan stream.Chunk)
	w := &Watcher{
		C:      ch,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go m.tailLoop(watchCtx, id, fromSeq, ch, w)

	return w, nil
}

func (m *Manager) tailLoop(ctx context.Context, id string, fromSeq int64, ch chan<- stream.Chunk, w *Watcher) {
	defer close(w.done)
	defer close(ch)
	defer w.cancel()

	backoff := polling.New(m.tail.Config)
	next := fromSeq
	emptyPolls := 0
	terminal := false

	for {
		chunks, err := m.store.GetChunks(ctx, id, next, m.tail.ChunkPageSize)
		if err != nil {
			if ctx.Err() != nil {
				w.setErr(ctx.Err())
			} else {
				w.setErr(err)
			}
			return
		}

		for _, c := range chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				w.setErr(ctx.Err())
				return
			}
			next = c.Seq + 1
		}

		if len(chunks) > 0 {
			emptyPolls = 0
			backoff.Reset()
			if len(chunks) == m.tail.ChunkPageSize {
				// A full page suggests more is already waiting.
				continue
			}
		} else {
			if terminal {
				// Terminal status seen and the log is drained.
				return
			}

			emptyPolls++
			if emptyPolls == 1 || (emptyPolls-1)%m.tail.StatusCheckEvery == 0 {
				status, err := m.store.GetStreamStatus(ctx, id)
				if err != nil {
					if ctx.Err() != nil {
						w.setErr(ctx.Err())
					} else {
						w.setErr(err)
					}
					return
				}
				if status.Terminal() {
					// One more fetch pass catches chunks that landed
					// between the empty poll and the status read.
					terminal = true
					continue
				}
			}
		}

		if err := polling.Sleep(ctx, backoff.Next()); err != nil {
			w.setErr(err)
			return
		}
	}
}
