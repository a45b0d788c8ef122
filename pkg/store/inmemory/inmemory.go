// Package inmemory implements store.Driver using mutex-guarded maps. It
// backs tests and zero-config runs; the sqlite and postgres drivers are the
// durable backends.
package inmemory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/papercomputeco/spool/pkg/chat"
	"github.com/papercomputeco/spool/pkg/store"
	"github.com/papercomputeco/spool/pkg/stream"
	"github.com/papercomputeco/spool/pkg/utils"
)

const (
	defaultSearchLimit = 20
	previewLength      = 120
)

// Driver implements store.Driver entirely in process memory.
type Driver struct {
	mu sync.RWMutex

	chats       map[string]*chat.Chat
	messages    map[string]*chat.Message
	branches    map[string]*chat.Branch     // keyed chatID/name
	checkpoints map[string]*chat.Checkpoint // keyed chatID/name

	streams map[string]*stream.Stream
	chunks  map[string][]stream.Chunk
}

// NewDriver creates an empty in-memory store.
func NewDriver() *Driver {
	return &Driver{
		chats:       make(map[string]*chat.Chat),
		messages:    make(map[string]*chat.Message),
		branches:    make(map[string]*chat.Branch),
		checkpoints: make(map[string]*chat.Checkpoint),
		streams:     make(map[string]*stream.Stream),
		chunks:      make(map[string][]stream.Chunk),
	}
}

func branchKey(chatID, name string) string { return chatID + "/" + name }

// CreateChat creates the chat and its active "main" branch. The whole
// mutation happens under one lock acquisition, so partial application is
// never observable.
func (d *Driver) CreateChat(_ context.Context, c *chat.Chat) (*chat.Chat, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.createChatLocked(c)
}

func (d *Driver) createChatLocked(c *chat.Chat) (*chat.Chat, error) {
	if c.ID == "" {
		c.ID = chat.NewID()
	}
	if _, ok := d.chats[c.ID]; ok {
		return nil, fmt.Errorf("chat already exists: %s", c.ID)
	}

	now := chat.NowMillis()
	c.CreatedAt = now
	c.UpdatedAt = now
	d.chats[c.ID] = cloneChat(c)

	main := &chat.Branch{
		ID:        chat.NewID(),
		ChatID:    c.ID,
		Name:      chat.MainBranch,
		IsActive:  true,
		CreatedAt: now,
	}
	d.branches[branchKey(c.ID, main.Name)] = main

	return cloneChat(c), nil
}

// UpsertChat creates the chat (with its default branch) if absent,
// otherwise replaces title and metadata.
func (d *Driver) UpsertChat(_ context.Context, c *chat.Chat) (*chat.Chat, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	existing, ok := d.chats[c.ID]
	if !ok {
		return d.createChatLocked(c)
	}

	existing.Title = c.Title
	existing.Metadata = c.Metadata
	existing.UpdatedAt = chat.NowMillis()
	return cloneChat(existing), nil
}

// GetChat returns the chat, or (nil, nil) when it does not exist.
func (d *Driver) GetChat(_ context.Context, id string) (*chat.Chat, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	c, ok := d.chats[id]
	if !ok {
		return nil, nil
	}
	return cloneChat(c), nil
}

// UpdateChat replaces title and/or metadata and bumps updated_at.
func (d *Driver) UpdateChat(_ context.Context, update *store.UpdateChat) (*chat.Chat, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.chats[update.ID]
	if !ok {
		return nil, store.NotFoundError{Kind: "chat", ID: update.ID}
	}

	if update.Title != nil {
		c.Title = *update.Title
	}
	if update.Metadata != nil {
		c.Metadata = update.Metadata
	}
	c.UpdatedAt = chat.NowMillis()

	return cloneChat(c), nil
}

// ListChats returns the owner's chats, most recently updated first.
func (d *Driver) ListChats(_ context.Context, ownerID string) ([]*chat.Chat, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var list []*chat.Chat
	for _, c := range d.chats {
		if c.OwnerID == ownerID {
			list = append(list, cloneChat(c))
		}
	}

	sort.Slice(list, func(i, j int) bool { return list[i].UpdatedAt > list[j].UpdatedAt })
	return list, nil
}

// DeleteChat removes the chat and everything hanging off it.
func (d *Driver) DeleteChat(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.chats[id]; !ok {
		return store.NotFoundError{Kind: "chat", ID: id}
	}
	delete(d.chats, id)

	for mid, m := range d.messages {
		if m.ChatID == id {
			delete(d.messages, mid)
		}
	}
	for key, b := range d.branches {
		if b.ChatID == id {
			delete(d.branches, key)
		}
	}
	for key, cp := range d.checkpoints {
		if cp.ChatID == id {
			delete(d.checkpoints, key)
		}
	}

	return nil
}

// AddMessage inserts or upserts-by-id a message. Self-parenting and parents
// outside the chat are rejected before any state changes.
func (d *Driver) AddMessage(_ context.Context, m *chat.Message) (*chat.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if m.ID == "" {
		m.ID = chat.NewID()
	}
	if m.ParentID != nil && *m.ParentID == m.ID {
		return nil, store.InvariantError{Reason: "message cannot be its own parent"}
	}

	c, ok := d.chats[m.ChatID]
	if !ok {
		return nil, store.NotFoundError{Kind: "chat", ID: m.ChatID}
	}

	if m.ParentID != nil {
		parent, ok := d.messages[*m.ParentID]
		if !ok || parent.ChatID != m.ChatID {
			return nil, store.InvariantError{Reason: "parent message not in chat: " + *m.ParentID}
		}
	}

	if existing, ok := d.messages[m.ID]; ok {
		existing.Name = m.Name
		existing.Type = m.Type
		existing.Data = append([]byte(nil), m.Data...)
		c.UpdatedAt = chat.NowMillis()
		return cloneMessage(existing), nil
	}

	m.CreatedAt = chat.NowMillis()
	d.messages[m.ID] = cloneMessage(m)
	c.UpdatedAt = m.CreatedAt

	return cloneMessage(m), nil
}

// GetMessage returns the message or a NotFoundError.
func (d *Driver) GetMessage(_ context.Context, id string) (*chat.Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	m, ok := d.messages[id]
	if !ok {
		return nil, store.NotFoundError{Kind: "message", ID: id}
	}
	return cloneMessage(m), nil
}

// GetMessageChain returns the ordered root-to-head path, bounded by
// store.MaxChainDepth.
func (d *Driver) GetMessageChain(_ context.Context, headID string) ([]*chat.Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.chainLocked(headID)
}

func (d *Driver) chainLocked(headID string) ([]*chat.Message, error) {
	var path []*chat.Message
	current := headID

	for depth := 0; ; depth++ {
		if depth >= store.MaxChainDepth {
			return nil, store.InvariantError{
				Reason: fmt.Sprintf("message chain from %s exceeds max depth %d", headID, store.MaxChainDepth),
			}
		}

		m, ok := d.messages[current]
		if !ok {
			return nil, store.NotFoundError{Kind: "message", ID: current}
		}
		path = append(path, cloneMessage(m))

		if m.ParentID == nil {
			break
		}
		current = *m.ParentID
	}

	// Walked head-to-root; callers get root-to-head.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}

	return path, nil
}

// HasChildren reports whether any message names the given one as parent.
func (d *Driver) HasChildren(_ context.Context, messageID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, m := range d.messages {
		if m.ParentID != nil && *m.ParentID == messageID {
			return true, nil
		}
	}
	return false, nil
}

// CreateBranch creates a named branch pointer.
func (d *Driver) CreateBranch(_ context.Context, b *chat.Branch) (*chat.Branch, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.chats[b.ChatID]; !ok {
		return nil, store.NotFoundError{Kind: "chat", ID: b.ChatID}
	}

	key := branchKey(b.ChatID, b.Name)
	if _, ok := d.branches[key]; ok {
		return nil, fmt.Errorf("branch already exists: %s", key)
	}

	if b.ID == "" {
		b.ID = chat.NewID()
	}
	b.CreatedAt = chat.NowMillis()

	if b.IsActive {
		for _, other := range d.branches {
			if other.ChatID == b.ChatID {
				other.IsActive = false
			}
		}
	}

	d.branches[key] = cloneBranch(b)
	return cloneBranch(b), nil
}

// GetBranch returns the named branch.
func (d *Driver) GetBranch(_ context.Context, chatID, name string) (*chat.Branch, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	b, ok := d.branches[branchKey(chatID, name)]
	if !ok {
		return nil, store.NotFoundError{Kind: "branch", ID: branchKey(chatID, name)}
	}
	return cloneBranch(b), nil
}

// GetActiveBranch returns the chat's single active branch.
func (d *Driver) GetActiveBranch(_ context.Context, chatID string) (*chat.Branch, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, b := range d.branches {
		if b.ChatID == chatID && b.IsActive {
			return cloneBranch(b), nil
		}
	}
	return nil, store.NotFoundError{Kind: "branch", ID: branchKey(chatID, "<active>")}
}

// SetActiveBranch deactivates all branches of the chat and activates the
// named one atomically (single lock acquisition).
func (d *Driver) SetActiveBranch(_ context.Context, chatID, name string) (*chat.Branch, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	target, ok := d.branches[branchKey(chatID, name)]
	if !ok {
		return nil, store.NotFoundError{Kind: "branch", ID: branchKey(chatID, name)}
	}

	for _, b := range d.branches {
		if b.ChatID == chatID {
			b.IsActive = false
		}
	}
	target.IsActive = true

	return cloneBranch(target), nil
}

// UpdateBranchHead repoints the branch head.
func (d *Driver) UpdateBranchHead(_ context.Context, chatID, name, headMessageID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.branches[branchKey(chatID, name)]
	if !ok {
		return store.NotFoundError{Kind: "branch", ID: branchKey(chatID, name)}
	}

	m, ok := d.messages[headMessageID]
	if !ok || m.ChatID != chatID {
		return store.NotFoundError{Kind: "message", ID: headMessageID}
	}

	head := headMessageID
	b.HeadMessageID = &head
	return nil
}

// ListBranches returns every branch with its chain-derived message count.
func (d *Driver) ListBranches(_ context.Context, chatID string) ([]*chat.BranchInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var list []*chat.BranchInfo
	for _, b := range d.branches {
		if b.ChatID != chatID {
			continue
		}

		info := &chat.BranchInfo{Branch: *cloneBranch(b)}
		if b.HeadMessageID != nil {
			path, err := d.chainLocked(*b.HeadMessageID)
			if err != nil {
				return nil, err
			}
			info.MessageCount = len(path)
		}
		list = append(list, info)
	}

	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list, nil
}

// CreateCheckpoint creates or retargets a named bookmark.
func (d *Driver) CreateCheckpoint(_ context.Context, cp *chat.Checkpoint) (*chat.Checkpoint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ok := d.messages[cp.MessageID]
	if !ok || m.ChatID != cp.ChatID {
		return nil, store.NotFoundError{Kind: "message", ID: cp.MessageID}
	}

	key := branchKey(cp.ChatID, cp.Name)
	if existing, ok := d.checkpoints[key]; ok {
		existing.MessageID = cp.MessageID
		existing.CreatedAt = chat.NowMillis()
		return cloneCheckpoint(existing), nil
	}

	if cp.ID == "" {
		cp.ID = chat.NewID()
	}
	cp.CreatedAt = chat.NowMillis()
	d.checkpoints[key] = cloneCheckpoint(cp)

	return cloneCheckpoint(cp), nil
}

// GetCheckpoint returns the named checkpoint.
func (d *Driver) GetCheckpoint(_ context.Context, chatID, name string) (*chat.Checkpoint, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	cp, ok := d.checkpoints[branchKey(chatID, name)]
	if !ok {
		return nil, store.NotFoundError{Kind: "checkpoint", ID: branchKey(chatID, name)}
	}
	return cloneCheckpoint(cp), nil
}

// ListCheckpoints returns all checkpoints of the chat, newest first.
func (d *Driver) ListCheckpoints(_ context.Context, chatID string) ([]*chat.Checkpoint, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var list []*chat.Checkpoint
	for _, cp := range d.checkpoints {
		if cp.ChatID == chatID {
			list = append(list, cloneCheckpoint(cp))
		}
	}

	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt > list[j].CreatedAt })
	return list, nil
}

// DeleteCheckpoint removes the named checkpoint.
func (d *Driver) DeleteCheckpoint(_ context.Context, chatID, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := branchKey(chatID, name)
	if _, ok := d.checkpoints[key]; !ok {
		return store.NotFoundError{Kind: "checkpoint", ID: key}
	}
	delete(d.checkpoints, key)
	return nil
}

// SearchMessages is a naive substring scan standing in for the SQL
// backends' full-text indexes: rank is the match count, snippets bracket
// the first hit.
func (d *Driver) SearchMessages(_ context.Context, chatID, query string, opts chat.SearchOptions) ([]*chat.SearchResult, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return nil, nil
	}

	names := make(map[string]bool, len(opts.Names))
	for _, n := range opts.Names {
		names[n] = true
	}

	var results []*chat.SearchResult
	for _, m := range d.messages {
		if m.ChatID != chatID {
			continue
		}
		if len(names) > 0 && !names[m.Name] {
			continue
		}

		text := m.SearchText()
		lower := strings.ToLower(text)
		count := strings.Count(lower, needle)
		if count == 0 {
			continue
		}

		results = append(results, &chat.SearchResult{
			MessageID: m.ID,
			ChatID:    m.ChatID,
			Name:      m.Name,
			Snippet:   highlight(text, lower, needle),
			Rank:      float64(count),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Rank != results[j].Rank {
			return results[i].Rank > results[j].Rank
		}
		return results[i].MessageID < results[j].MessageID
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// GetGraph returns all nodes, branches, and checkpoints of the chat.
func (d *Driver) GetGraph(ctx context.Context, chatID string) (*chat.Graph, error) {
	d.mu.RLock()

	if _, ok := d.chats[chatID]; !ok {
		d.mu.RUnlock()
		return nil, store.NotFoundError{Kind: "chat", ID: chatID}
	}

	g := &chat.Graph{ChatID: chatID}
	for _, m := range d.messages {
		if m.ChatID != chatID {
			continue
		}
		g.Nodes = append(g.Nodes, chat.GraphNode{
			ID:        m.ID,
			ParentID:  m.ParentID,
			Name:      m.Name,
			Type:      m.Type,
			Preview:   utils.Truncate(m.SearchText(), previewLength),
			CreatedAt: m.CreatedAt,
		})
	}
	sort.Slice(g.Nodes, func(i, j int) bool { return g.Nodes[i].CreatedAt < g.Nodes[j].CreatedAt })

	for _, b := range d.branches {
		if b.ChatID == chatID {
			g.Branches = append(g.Branches, cloneBranch(b))
		}
	}
	sort.Slice(g.Branches, func(i, j int) bool { return g.Branches[i].Name < g.Branches[j].Name })

	for _, cp := range d.checkpoints {
		if cp.ChatID == chatID {
			g.Checkpoints = append(g.Checkpoints, cloneCheckpoint(cp))
		}
	}
	sort.Slice(g.Checkpoints, func(i, j int) bool { return g.Checkpoints[i].Name < g.Checkpoints[j].Name })

	d.mu.RUnlock()
	return g, nil
}

// CreateStream inserts a fresh queued stream row.
func (d *Driver) CreateStream(_ context.Context, id string) (*stream.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.streams[id]; ok {
		return nil, fmt.Errorf("stream already exists: %s", id)
	}

	s := &stream.Stream{
		ID:        id,
		Status:    stream.StatusQueued,
		CreatedAt: chat.NowMillis(),
	}
	d.streams[id] = s
	return cloneStream(s), nil
}

// UpsertStream inserts if absent and reports whether a new row was created.
func (d *Driver) UpsertStream(_ context.Context, id string) (*stream.Stream, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.streams[id]; ok {
		return cloneStream(existing), false, nil
	}

	s := &stream.Stream{
		ID:        id,
		Status:    stream.StatusQueued,
		CreatedAt: chat.NowMillis(),
	}
	d.streams[id] = s
	return cloneStream(s), true, nil
}

// GetStream returns the stream, or (nil, nil) when absent.
func (d *Driver) GetStream(_ context.Context, id string) (*stream.Stream, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s, ok := d.streams[id]
	if !ok {
		return nil, nil
	}
	return cloneStream(s), nil
}

// GetStreamStatus is the status-only fast path.
func (d *Driver) GetStreamStatus(_ context.Context, id string) (stream.Status, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s, ok := d.streams[id]
	if !ok {
		return "", store.NotFoundError{Kind: "stream", ID: id}
	}
	return s.Status, nil
}

// UpdateStreamStatus transitions the stream, stamping lifecycle timestamps.
// A terminal stream is left untouched.
func (d *Driver) UpdateStreamStatus(_ context.Context, id string, status stream.Status, errMsg string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.streams[id]
	if !ok {
		return store.NotFoundError{Kind: "stream", ID: id}
	}
	if s.Status.Terminal() {
		return nil
	}

	now := chat.NowMillis()
	s.Status = status
	if status == stream.StatusRunning && s.StartedAt == 0 {
		s.StartedAt = now
	}
	if status.Terminal() {
		s.FinishedAt = now
	}
	if status == stream.StatusCancelled {
		s.CancelRequestedAt = now
	}
	if status == stream.StatusFailed {
		s.Error = errMsg
	}

	return nil
}

// AppendChunks appends a batch atomically (single lock acquisition).
func (d *Driver) AppendChunks(_ context.Context, id string, chunks []stream.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.streams[id]; !ok {
		return store.NotFoundError{Kind: "stream", ID: id}
	}

	existing := d.chunks[id]
	for _, c := range chunks {
		for _, prev := range existing {
			if prev.Seq == c.Seq {
				return fmt.Errorf("duplicate chunk seq %d for stream %s", c.Seq, id)
			}
		}
	}

	for _, c := range chunks {
		c.StreamID = id
		c.Data = append([]byte(nil), c.Data...)
		existing = append(existing, c)
	}
	sort.Slice(existing, func(i, j int) bool { return existing[i].Seq < existing[j].Seq })
	d.chunks[id] = existing

	return nil
}

// GetChunks returns up to limit chunks with seq >= fromSeq in seq order.
func (d *Driver) GetChunks(_ context.Context, id string, fromSeq int64, limit int) ([]stream.Chunk, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []stream.Chunk
	for _, c := range d.chunks[id] {
		if c.Seq < fromSeq {
			continue
		}
		cc := c
		cc.Data = append([]byte(nil), c.Data...)
		out = append(out, cc)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// DeleteStream removes the stream and its chunk log.
func (d *Driver) DeleteStream(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.streams[id]; !ok {
		return store.NotFoundError{Kind: "stream", ID: id}
	}
	delete(d.streams, id)
	delete(d.chunks, id)
	return nil
}

// ReopenStream resets a terminal stream to a fresh queued record and clears
// its chunk log.
func (d *Driver) ReopenStream(_ context.Context, id string) (*stream.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.streams[id]
	if !ok {
		return nil, store.NotFoundError{Kind: "stream", ID: id}
	}
	if !s.Status.Terminal() {
		return nil, store.InvariantError{Reason: "cannot reopen non-terminal stream " + id}
	}

	s.Status = stream.StatusQueued
	s.CreatedAt = chat.NowMillis()
	s.StartedAt = 0
	s.FinishedAt = 0
	s.CancelRequestedAt = 0
	s.Error = ""
	delete(d.chunks, id)

	return cloneStream(s), nil
}

// Close is a no-op for the in-memory store.
func (d *Driver) Close() error {
	return nil
}

// highlight brackets the first occurrence of needle in text, mirroring the
// snippet shape the SQL backends produce.
func highlight(text, lower, needle string) string {
	idx := strings.Index(lower, needle)
	if idx < 0 {
		return utils.Truncate(text, previewLength)
	}

	end := idx + len(needle)
	snippet := text[:idx] + "[" + text[idx:end] + "]" + text[end:]
	return utils.Truncate(snippet, previewLength)
}

func cloneChat(c *chat.Chat) *chat.Chat {
	cc := *c
	if c.Metadata != nil {
		cc.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			cc.Metadata[k] = v
		}
	}
	return &cc
}

func cloneMessage(m *chat.Message) *chat.Message {
	mm := *m
	mm.Data = append([]byte(nil), m.Data...)
	if m.ParentID != nil {
		parent := *m.ParentID
		mm.ParentID = &parent
	}
	return &mm
}

func cloneBranch(b *chat.Branch) *chat.Branch {
	bb := *b
	if b.HeadMessageID != nil {
		head := *b.HeadMessageID
		bb.HeadMessageID = &head
	}
	return &bb
}

func cloneCheckpoint(cp *chat.Checkpoint) *chat.Checkpoint {
	cc := *cp
	return &cc
}

func cloneStream(s *stream.Stream) *stream.Stream {
	ss := *s
	return &ss
}

// Ensure Driver implements store.Driver
var _ store.Driver = (*Driver)(nil)
