// Package eventstream defines transport-neutral events emitted when a
// persisted stream reaches a terminal state, plus the publisher contract
// backends implement.
package eventstream

import (
	"time"

	"github.com/papercomputeco/spool/pkg/stream"
)

const (
	// SchemaVersionV1 is the first version of the event payload schema.
	SchemaVersionV1 = 1

	// EventTypeStreamFinished is emitted after a stream reaches a terminal
	// status.
	EventTypeStreamFinished = "spool.stream.finished"
)

// StreamFinishedEvent is a transport-neutral event payload for a finished
// stream.
type StreamFinishedEvent struct {
	SchemaVersion int           `json:"schema_version"`
	EventType     string        `json:"event_type"`
	EventID       string        `json:"event_id"`
	EmittedAt     time.Time     `json:"emitted_at"`
	StreamID      string        `json:"stream_id"`
	Status        stream.Status `json:"status"`
	ChunkCount    int64         `json:"chunk_count"`
	Error         string        `json:"error,omitempty"`
}

// NewStreamFinishedEvent builds a v1 event for the given stream outcome.
func NewStreamFinishedEvent(eventID, streamID string, status stream.Status, chunkCount int64, errMsg string) *StreamFinishedEvent {
	return &StreamFinishedEvent{
		SchemaVersion: SchemaVersionV1,
		EventType:     EventTypeStreamFinished,
		EventID:       eventID,
		EmittedAt:     time.Now().UTC(),
		StreamID:      streamID,
		Status:        status,
		ChunkCount:    chunkCount,
		Error:         errMsg,
	}
}
