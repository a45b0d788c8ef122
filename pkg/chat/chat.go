// Package chat defines the conversation graph entities: chats, their
// parent-linked message forests, named branch pointers, and checkpoints.
//
// Message payloads are opaque to this package and everything downstream of
// it. The store indexes a best-effort textual extraction of each payload for
// full-text search, but never interprets it otherwise.
package chat

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Chat is a single conversation: a forest of messages with named branch
// pointers into it.
type Chat struct {
	// ID is the opaque unique chat identifier.
	ID string `json:"id"`

	// OwnerID identifies the chat's owner.
	OwnerID string `json:"owner_id"`

	// Title is an optional human-readable title.
	Title string `json:"title,omitempty"`

	// Metadata is an opaque key/value blob carried alongside the chat.
	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// MainBranch is the branch every chat is created with. It starts active
// with no head.
const MainBranch = "main"

// Message is one node in a chat's message forest. Each message has at most
// one parent; any message may have multiple children, which is how alternate
// replies fork.
type Message struct {
	ID     string `json:"id"`
	ChatID string `json:"chat_id"`

	// ParentID links to the previous message in the chain.
	// This will be nil for root messages.
	ParentID *string `json:"parent_id,omitempty"`

	// Name is a role-like tag (e.g. "user", "assistant", "tool").
	Name string `json:"name"`

	// Type is an optional payload discriminator.
	Type string `json:"type,omitempty"`

	// Data is the opaque message payload.
	Data json.RawMessage `json:"data"`

	CreatedAt int64 `json:"created_at"`
}

// Branch is a named, switchable pointer to one message in the forest,
// marking the current conversation thread. At most one branch per chat is
// active at any time.
type Branch struct {
	ID     string `json:"id"`
	ChatID string `json:"chat_id"`
	Name   string `json:"name"`

	// HeadMessageID points at the branch tip. Nil for a branch with no
	// messages yet.
	HeadMessageID *string `json:"head_message_id,omitempty"`

	IsActive  bool  `json:"is_active"`
	CreatedAt int64 `json:"created_at"`
}

// BranchInfo is a Branch plus its derived message count: the length of the
// parent chain from the branch head back to the root.
type BranchInfo struct {
	Branch
	MessageCount int `json:"message_count"`
}

// Checkpoint is an immutable named bookmark to a specific message,
// independent of branch state. Checkpoint names are unique within a chat;
// re-creating one under the same name retargets it.
type Checkpoint struct {
	ID        string `json:"id"`
	ChatID    string `json:"chat_id"`
	Name      string `json:"name"`
	MessageID string `json:"message_id"`
	CreatedAt int64  `json:"created_at"`
}

// SearchOptions filters SearchMessages.
type SearchOptions struct {
	// Limit caps the number of results. Zero or negative applies the
	// store's default.
	Limit int

	// Names restricts results to messages whose role-like Name tag is in
	// the set. Empty matches all.
	Names []string
}

// SearchResult is one ranked full-text hit with a highlighted snippet.
type SearchResult struct {
	MessageID string  `json:"message_id"`
	ChatID    string  `json:"chat_id"`
	Name      string  `json:"name"`
	Snippet   string  `json:"snippet"`
	Rank      float64 `json:"rank"`
}

// Graph is the full picture of one chat for visualization: every message as
// a preview node plus all branches and checkpoints.
type Graph struct {
	ChatID      string        `json:"chat_id"`
	Nodes       []GraphNode   `json:"nodes"`
	Branches    []*Branch     `json:"branches"`
	Checkpoints []*Checkpoint `json:"checkpoints"`
}

// GraphNode is a message reduced to a short content preview.
type GraphNode struct {
	ID        string  `json:"id"`
	ParentID  *string `json:"parent_id,omitempty"`
	Name      string  `json:"name"`
	Type      string  `json:"type,omitempty"`
	Preview   string  `json:"preview"`
	CreatedAt int64   `json:"created_at"`
}

// NewID returns a fresh opaque identifier for any chat-graph entity.
func NewID() string {
	return uuid.NewString()
}

// NowMillis is the shared timestamp representation: milliseconds since the
// Unix epoch, matching the integer columns in every backend.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// SearchText extracts the indexable text from the message's opaque payload.
// When the payload is a JSON object, the "content" (or "text") string field
// is used; a bare JSON string is used directly; anything else is indexed as
// the raw payload bytes.
func (m *Message) SearchText() string {
	trimmed := strings.TrimSpace(string(m.Data))
	if trimmed == "" {
		return ""
	}

	switch trimmed[0] {
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(m.Data, &obj); err != nil {
			break
		}
		for _, key := range []string{"content", "text"} {
			var s string
			if raw, ok := obj[key]; ok && json.Unmarshal(raw, &s) == nil {
				return s
			}
		}
		return trimmed
	case '"':
		var s string
		if err := json.Unmarshal(m.Data, &s); err == nil {
			return s
		}
	}

	return trimmed
}
