// Package stream defines the durable stream entities: the stream status row
// and its append-only, sequence-ordered chunk log. Chunk payloads are opaque
// serialized units produced upstream; this package never inspects them.
package stream

// Status is the lifecycle state of a stream. Transitions are monotonic:
// queued -> running -> {completed | failed | cancelled}. No transition
// leaves a terminal state except an explicit reopen.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Stream is the durable status row for one replayable output log.
// Timestamps are milliseconds since the Unix epoch; zero means unset.
type Stream struct {
	ID     string `json:"id"`
	Status Status `json:"status"`

	CreatedAt         int64 `json:"created_at"`
	StartedAt         int64 `json:"started_at,omitempty"`
	FinishedAt        int64 `json:"finished_at,omitempty"`
	CancelRequestedAt int64 `json:"cancel_requested_at,omitempty"`

	// Error holds the captured failure message when Status is failed.
	Error string `json:"error,omitempty"`
}

// Chunk is one sequence-numbered unit of a stream's durable output log.
// Chunks are append-only and immutable once written; seq is 0-based,
// strictly increasing, and assigned by the writer, not the store.
type Chunk struct {
	StreamID  string `json:"stream_id"`
	Seq       int64  `json:"seq"`
	Data      []byte `json:"data"`
	CreatedAt int64  `json:"created_at"`
}
