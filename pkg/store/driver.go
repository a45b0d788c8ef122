// Package store defines the pluggable backing-store interface for the
// conversation graph and the stream chunk log.
//
// The three backends (sqlite, postgres, inmemory) are structurally
// interchangeable implementations of one capability set. Backend-specific
// identifier quoting and parameter binding stay fully encapsulated behind
// [Driver]; callers never see SQL.
package store

import (
	"context"

	"github.com/papercomputeco/spool/pkg/chat"
	"github.com/papercomputeco/spool/pkg/stream"
)

// MaxChainDepth bounds parent-chain traversal. Corrupt or cyclic parent
// links must fail loudly rather than loop forever, so traversal past this
// depth returns an InvariantError instead of continuing.
const MaxChainDepth = 1000

// Driver is the full capability set of a backing store.
type Driver interface {
	ChatStore
	StreamStore

	// Close closes the store and releases any resources.
	Close() error
}

// ChatStore persists the conversation graph: chats, messages, branches,
// checkpoints, and the derived full-text index over message content.
//
// Every multi-step mutation (chat creation plus its default branch, the
// branch activation swap) executes as a single transaction; partial
// application is never observable.
type ChatStore interface {
	// CreateChat creates a chat and its active "main" branch in one
	// transaction. Missing ID and timestamps are filled in.
	CreateChat(ctx context.Context, c *chat.Chat) (*chat.Chat, error)

	// UpsertChat creates the chat if absent, otherwise replaces its title
	// and metadata. A newly created chat gets the default branch exactly as
	// CreateChat does.
	UpsertChat(ctx context.Context, c *chat.Chat) (*chat.Chat, error)

	// GetChat returns the chat, or (nil, nil) when it does not exist —
	// absence is an expected read outcome here, not an error.
	GetChat(ctx context.Context, id string) (*chat.Chat, error)

	// UpdateChat replaces title and/or metadata and bumps updated_at.
	UpdateChat(ctx context.Context, update *UpdateChat) (*chat.Chat, error)

	// ListChats returns all chats for an owner, most recently updated first.
	ListChats(ctx context.Context, ownerID string) ([]*chat.Chat, error)

	// DeleteChat removes the chat and cascades to its messages, branches,
	// checkpoints, and search index entries.
	DeleteChat(ctx context.Context, id string) error

	// AddMessage inserts a message, or — when the ID already exists —
	// replaces its name, type, and data (used for reconciling in-flight
	// edits). Self-parenting is rejected before any write, as is a parent
	// that does not exist in the same chat. The owning chat's updated_at is
	// bumped and the search index maintained in the same transaction.
	AddMessage(ctx context.Context, m *chat.Message) (*chat.Message, error)

	// GetMessage returns the message or a NotFoundError.
	GetMessage(ctx context.Context, id string) (*chat.Message, error)

	// GetMessageChain walks parent links from the given head and returns
	// the ordered root-to-head path. Traversal is bounded by MaxChainDepth.
	GetMessageChain(ctx context.Context, headID string) ([]*chat.Message, error)

	// HasChildren reports whether any message names the given one as parent.
	HasChildren(ctx context.Context, messageID string) (bool, error)

	// CreateBranch creates a named branch pointer. Branch names are unique
	// within a chat.
	CreateBranch(ctx context.Context, b *chat.Branch) (*chat.Branch, error)

	// GetBranch returns the named branch or a NotFoundError.
	GetBranch(ctx context.Context, chatID, name string) (*chat.Branch, error)

	// GetActiveBranch returns the chat's single active branch.
	GetActiveBranch(ctx context.Context, chatID string) (*chat.Branch, error)

	// SetActiveBranch deactivates every branch of the chat and activates
	// the named one, atomically.
	SetActiveBranch(ctx context.Context, chatID, name string) (*chat.Branch, error)

	// UpdateBranchHead repoints the branch head at the given message.
	UpdateBranchHead(ctx context.Context, chatID, name, headMessageID string) error

	// ListBranches returns every branch of the chat with its message count
	// (the parent-chain length from head to root).
	ListBranches(ctx context.Context, chatID string) ([]*chat.BranchInfo, error)

	// CreateCheckpoint creates a named bookmark, replacing any existing
	// checkpoint of the same name (upsert-by-name). The target message must
	// exist.
	CreateCheckpoint(ctx context.Context, cp *chat.Checkpoint) (*chat.Checkpoint, error)

	// GetCheckpoint returns the named checkpoint or a NotFoundError.
	GetCheckpoint(ctx context.Context, chatID, name string) (*chat.Checkpoint, error)

	// ListCheckpoints returns all checkpoints of the chat, newest first.
	ListCheckpoints(ctx context.Context, chatID string) ([]*chat.Checkpoint, error)

	// DeleteCheckpoint removes the named checkpoint.
	DeleteCheckpoint(ctx context.Context, chatID, name string) error

	// SearchMessages runs ranked full-text search over the chat's message
	// content and returns highlighted snippets.
	SearchMessages(ctx context.Context, chatID, query string, opts chat.SearchOptions) ([]*chat.SearchResult, error)

	// GetGraph returns all nodes, branches, and checkpoints of the chat
	// with message content truncated to short previews.
	GetGraph(ctx context.Context, chatID string) (*chat.Graph, error)
}

// UpdateChat carries the fields accepted by ChatStore.UpdateChat. Nil
// pointers leave the corresponding field untouched.
type UpdateChat struct {
	ID       string
	Title    *string
	Metadata map[string]any
}

// StreamStore persists stream status rows and their append-only chunk logs.
type StreamStore interface {
	// CreateStream inserts a fresh queued stream row.
	CreateStream(ctx context.Context, id string) (*stream.Stream, error)

	// UpsertStream inserts the stream if absent and reports whether a new
	// row was created. An existing row is returned unchanged — callers use
	// the flag to avoid re-registering a stream already in flight.
	UpsertStream(ctx context.Context, id string) (*stream.Stream, bool, error)

	// GetStream returns the stream, or (nil, nil) when it does not exist.
	GetStream(ctx context.Context, id string) (*stream.Stream, error)

	// GetStreamStatus is the status-only fast path; it avoids fetching the
	// full row. Returns a NotFoundError when the stream is absent.
	GetStreamStatus(ctx context.Context, id string) (stream.Status, error)

	// UpdateStreamStatus transitions the stream. started_at is stamped on
	// the transition to running, finished_at on any terminal transition,
	// cancel_requested_at on cancellation, and errMsg is recorded on
	// failure. A stream already in a terminal state is left untouched —
	// status is monotonic. Returns a NotFoundError when the row is absent.
	UpdateStreamStatus(ctx context.Context, id string, status stream.Status, errMsg string) error

	// AppendChunks appends a batch to the chunk log transactionally —
	// all-or-nothing.
	AppendChunks(ctx context.Context, id string, chunks []stream.Chunk) error

	// GetChunks returns up to limit chunks with seq >= fromSeq, ordered by
	// seq ascending.
	GetChunks(ctx context.Context, id string, fromSeq int64, limit int) ([]stream.Chunk, error)

	// DeleteStream removes the stream row and cascades to its chunks.
	DeleteStream(ctx context.Context, id string) error

	// ReopenStream resets a terminal stream back to a fresh queued record
	// for retry under the same logical identity. The chunk log is cleared;
	// a retry reassigns seq from zero. Reopening a non-terminal stream is
	// an invariant violation.
	ReopenStream(ctx context.Context, id string) (*stream.Stream, error)
}
