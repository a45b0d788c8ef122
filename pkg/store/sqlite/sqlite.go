// Package sqlite implements store.Driver on an embedded SQLite database
// using the github.com/mattn/go-sqlite3 driver, with an FTS5 virtual table
// backing message search.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/papercomputeco/spool/pkg/chat"
	"github.com/papercomputeco/spool/pkg/store"
	"github.com/papercomputeco/spool/pkg/stream"
	"github.com/papercomputeco/spool/pkg/utils"
)

const (
	defaultSearchLimit = 20
	previewLength      = 120
)

// Driver implements store.Driver using SQLite as the storage backend.
type Driver struct {
	db *sql.DB
}

// NewDriver opens (or creates) the database at dbPath and runs migration.
// The dbPath can be a file path or ":memory:" for an in-memory database.
func NewDriver(dbPath string) (*Driver, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The chunk log is appended by one connection while watchers read on
	// others; a single connection avoids SQLITE_BUSY on the shared file
	// and keeps ":memory:" databases from silently forking per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	d := &Driver{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return d, nil
}

// migrate creates the necessary tables if they don't exist.
func (d *Driver) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chats (
		id         TEXT PRIMARY KEY,
		owner_id   TEXT NOT NULL,
		title      TEXT NOT NULL DEFAULT '',
		metadata   TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id         TEXT PRIMARY KEY,
		chat_id    TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
		parent_id  TEXT REFERENCES messages(id),
		name       TEXT NOT NULL,
		type       TEXT NOT NULL DEFAULT '',
		data       TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id);
	CREATE INDEX IF NOT EXISTS idx_messages_parent ON messages(parent_id);

	CREATE TABLE IF NOT EXISTS branches (
		id              TEXT PRIMARY KEY,
		chat_id         TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
		name            TEXT NOT NULL,
		head_message_id TEXT REFERENCES messages(id),
		is_active       INTEGER NOT NULL DEFAULT 0,
		created_at      INTEGER NOT NULL,
		UNIQUE(chat_id, name)
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		id         TEXT PRIMARY KEY,
		chat_id    TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
		name       TEXT NOT NULL,
		message_id TEXT NOT NULL REFERENCES messages(id),
		created_at INTEGER NOT NULL,
		UNIQUE(chat_id, name)
	);

	CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
		content,
		message_id UNINDEXED,
		chat_id    UNINDEXED,
		name       UNINDEXED
	);

	CREATE TABLE IF NOT EXISTS streams (
		id                  TEXT PRIMARY KEY,
		status              TEXT NOT NULL,
		created_at          INTEGER NOT NULL,
		started_at          INTEGER,
		finished_at         INTEGER,
		cancel_requested_at INTEGER,
		error               TEXT
	);

	CREATE TABLE IF NOT EXISTS stream_chunks (
		stream_id  TEXT NOT NULL REFERENCES streams(id) ON DELETE CASCADE,
		seq        INTEGER NOT NULL,
		data       BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (stream_id, seq)
	);
	`

	_, err := d.db.Exec(schema)
	return err
}

// withTx runs fn inside a transaction, rolling back on any error.
func (d *Driver) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// CreateChat creates the chat and its active "main" branch in one
// transaction.
func (d *Driver) CreateChat(ctx context.Context, c *chat.Chat) (*chat.Chat, error) {
	if c.ID == "" {
		c.ID = chat.NewID()
	}
	now := chat.NowMillis()
	c.CreatedAt = now
	c.UpdatedAt = now

	meta, err := marshalMetadata(c.Metadata)
	if err != nil {
		return nil, err
	}

	err = d.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chats (id, owner_id, title, metadata, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			c.ID, c.OwnerID, c.Title, meta, c.CreatedAt, c.UpdatedAt,
		); err != nil {
			return fmt.Errorf("insert chat: %w", err)
		}

		return insertMainBranch(ctx, tx, c.ID, now)
	})
	if err != nil {
		return nil, err
	}

	return c, nil
}

func insertMainBranch(ctx context.Context, tx *sql.Tx, chatID string, now int64) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO branches (id, chat_id, name, head_message_id, is_active, created_at) VALUES (?, ?, ?, NULL, 1, ?)`,
		chat.NewID(), chatID, chat.MainBranch, now,
	); err != nil {
		return fmt.Errorf("insert main branch: %w", err)
	}
	return nil
}

// UpsertChat creates the chat (with its default branch) if absent,
// otherwise replaces title and metadata.
func (d *Driver) UpsertChat(ctx context.Context, c *chat.Chat) (*chat.Chat, error) {
	if c.ID == "" {
		c.ID = chat.NewID()
	}

	meta, err := marshalMetadata(c.Metadata)
	if err != nil {
		return nil, err
	}

	now := chat.NowMillis()
	err = d.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chats (id, owner_id, title, metadata, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET title = excluded.title, metadata = excluded.metadata, updated_at = excluded.updated_at`,
			c.ID, c.OwnerID, c.Title, meta, now, now,
		); err != nil {
			return fmt.Errorf("upsert chat: %w", err)
		}

		// SQLite reports 1 affected row for the insert arm and for the
		// update arm alike, so probe for the default branch directly.
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM branches WHERE chat_id = ? AND name = ?`, c.ID, chat.MainBranch,
		).Scan(&n); err != nil {
			return fmt.Errorf("probe main branch: %w", err)
		}
		if n == 0 {
			return insertMainBranch(ctx, tx, c.ID, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return d.mustGetChat(ctx, c.ID)
}

// GetChat returns the chat, or (nil, nil) when it does not exist.
func (d *Driver) GetChat(ctx context.Context, id string) (*chat.Chat, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT id, owner_id, title, metadata, created_at, updated_at FROM chats WHERE id = ?`, id)

	c, err := scanChat(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (d *Driver) mustGetChat(ctx context.Context, id string) (*chat.Chat, error) {
	c, err := d.GetChat(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, store.NotFoundError{Kind: "chat", ID: id}
	}
	return c, nil
}

// UpdateChat replaces title and/or metadata and bumps updated_at.
func (d *Driver) UpdateChat(ctx context.Context, update *store.UpdateChat) (*chat.Chat, error) {
	set := []string{"updated_at = ?"}
	args := []any{chat.NowMillis()}

	if update.Title != nil {
		set = append(set, "title = ?")
		args = append(args, *update.Title)
	}
	if update.Metadata != nil {
		meta, err := marshalMetadata(update.Metadata)
		if err != nil {
			return nil, err
		}
		set = append(set, "metadata = ?")
		args = append(args, meta)
	}
	args = append(args, update.ID)

	res, err := d.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE chats SET %s WHERE id = ?`, strings.Join(set, ", ")), args...)
	if err != nil {
		return nil, fmt.Errorf("update chat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, store.NotFoundError{Kind: "chat", ID: update.ID}
	}

	return d.mustGetChat(ctx, update.ID)
}

// ListChats returns the owner's chats, most recently updated first.
func (d *Driver) ListChats(ctx context.Context, ownerID string) ([]*chat.Chat, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, owner_id, title, metadata, created_at, updated_at FROM chats WHERE owner_id = ? ORDER BY updated_at DESC`,
		ownerID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var list []*chat.Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

// DeleteChat removes the chat; foreign keys cascade to messages, branches,
// and checkpoints, and the search index is cleared in the same transaction.
func (d *Driver) DeleteChat(ctx context.Context, id string) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete chat: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.NotFoundError{Kind: "chat", ID: id}
		}

		// The FTS virtual table is outside the FK graph.
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages_fts WHERE chat_id = ?`, id); err != nil {
			return fmt.Errorf("delete search entries: %w", err)
		}
		return nil
	})
}

// AddMessage inserts or upserts-by-id a message, maintaining the search
// index and bumping the owning chat in the same transaction.
func (d *Driver) AddMessage(ctx context.Context, m *chat.Message) (*chat.Message, error) {
	if m.ID == "" {
		m.ID = chat.NewID()
	}
	if m.ParentID != nil && *m.ParentID == m.ID {
		return nil, store.InvariantError{Reason: "message cannot be its own parent"}
	}

	now := chat.NowMillis()
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM chats WHERE id = ?`, m.ChatID).Scan(&n); err != nil {
			return fmt.Errorf("probe chat: %w", err)
		}
		if n == 0 {
			return store.NotFoundError{Kind: "chat", ID: m.ChatID}
		}

		if m.ParentID != nil {
			var parentChat string
			err := tx.QueryRowContext(ctx, `SELECT chat_id FROM messages WHERE id = ?`, *m.ParentID).Scan(&parentChat)
			if err == sql.ErrNoRows || (err == nil && parentChat != m.ChatID) {
				return store.InvariantError{Reason: "parent message not in chat: " + *m.ParentID}
			}
			if err != nil {
				return fmt.Errorf("probe parent: %w", err)
			}
		}

		var existing int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE id = ?`, m.ID).Scan(&existing); err != nil {
			return fmt.Errorf("probe message: %w", err)
		}

		if existing > 0 {
			if _, err := tx.ExecContext(ctx,
				`UPDATE messages SET name = ?, type = ?, data = ? WHERE id = ?`,
				m.Name, m.Type, string(m.Data), m.ID,
			); err != nil {
				return fmt.Errorf("update message: %w", err)
			}
			if err := tx.QueryRowContext(ctx, `SELECT created_at FROM messages WHERE id = ?`, m.ID).Scan(&m.CreatedAt); err != nil {
				return fmt.Errorf("reload message: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM messages_fts WHERE message_id = ?`, m.ID); err != nil {
				return fmt.Errorf("reindex message: %w", err)
			}
		} else {
			m.CreatedAt = now
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO messages (id, chat_id, parent_id, name, type, data, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
				m.ID, m.ChatID, m.ParentID, m.Name, m.Type, string(m.Data), m.CreatedAt,
			); err != nil {
				return fmt.Errorf("insert message: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages_fts (content, message_id, chat_id, name) VALUES (?, ?, ?, ?)`,
			m.SearchText(), m.ID, m.ChatID, m.Name,
		); err != nil {
			return fmt.Errorf("index message: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE chats SET updated_at = ? WHERE id = ?`, now, m.ChatID); err != nil {
			return fmt.Errorf("bump chat: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return m, nil
}

// GetMessage retrieves a message by id.
func (d *Driver) GetMessage(ctx context.Context, id string) (*chat.Message, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT id, chat_id, parent_id, name, type, data, created_at FROM messages WHERE id = ?`, id)

	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, store.NotFoundError{Kind: "message", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetMessageChain walks parent links from head and returns the ordered
// root-to-head path, bounded by store.MaxChainDepth.
func (d *Driver) GetMessageChain(ctx context.Context, headID string) ([]*chat.Message, error) {
	var path []*chat.Message
	current := headID

	for depth := 0; ; depth++ {
		if depth >= store.MaxChainDepth {
			return nil, store.InvariantError{
				Reason: fmt.Sprintf("message chain from %s exceeds max depth %d", headID, store.MaxChainDepth),
			}
		}

		m, err := d.GetMessage(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("getting message %s: %w", current, err)
		}
		path = append(path, m)

		if m.ParentID == nil {
			break
		}
		current = *m.ParentID
	}

	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}

	return path, nil
}

// HasChildren reports whether any message names the given one as parent.
func (d *Driver) HasChildren(ctx context.Context, messageID string) (bool, error) {
	row := d.db.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE parent_id = ? LIMIT 1`, messageID)

	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check children: %w", err)
	}
	return true, nil
}

// CreateBranch creates a named branch pointer.
func (d *Driver) CreateBranch(ctx context.Context, b *chat.Branch) (*chat.Branch, error) {
	if b.ID == "" {
		b.ID = chat.NewID()
	}
	b.CreatedAt = chat.NowMillis()

	err := d.withTx(ctx, func(tx *sql.Tx) error {
		if b.IsActive {
			if _, err := tx.ExecContext(ctx, `UPDATE branches SET is_active = 0 WHERE chat_id = ?`, b.ChatID); err != nil {
				return fmt.Errorf("deactivate branches: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO branches (id, chat_id, name, head_message_id, is_active, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			b.ID, b.ChatID, b.Name, b.HeadMessageID, b.IsActive, b.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert branch: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return b, nil
}

// GetBranch returns the named branch.
func (d *Driver) GetBranch(ctx context.Context, chatID, name string) (*chat.Branch, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT id, chat_id, name, head_message_id, is_active, created_at FROM branches WHERE chat_id = ? AND name = ?`,
		chatID, name)

	b, err := scanBranch(row)
	if err == sql.ErrNoRows {
		return nil, store.NotFoundError{Kind: "branch", ID: chatID + "/" + name}
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// GetActiveBranch returns the chat's single active branch.
func (d *Driver) GetActiveBranch(ctx context.Context, chatID string) (*chat.Branch, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT id, chat_id, name, head_message_id, is_active, created_at FROM branches WHERE chat_id = ? AND is_active = 1`,
		chatID)

	b, err := scanBranch(row)
	if err == sql.ErrNoRows {
		return nil, store.NotFoundError{Kind: "branch", ID: chatID + "/<active>"}
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// SetActiveBranch deactivates every branch of the chat and activates the
// named one in a single transaction.
func (d *Driver) SetActiveBranch(ctx context.Context, chatID, name string) (*chat.Branch, error) {
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE branches SET is_active = 0 WHERE chat_id = ?`, chatID); err != nil {
			return fmt.Errorf("deactivate branches: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE branches SET is_active = 1 WHERE chat_id = ? AND name = ?`, chatID, name)
		if err != nil {
			return fmt.Errorf("activate branch: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.NotFoundError{Kind: "branch", ID: chatID + "/" + name}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return d.GetBranch(ctx, chatID, name)
}

// UpdateBranchHead repoints the branch head at the given message.
func (d *Driver) UpdateBranchHead(ctx context.Context, chatID, name, headMessageID string) error {
	var msgChat string
	err := d.db.QueryRowContext(ctx, `SELECT chat_id FROM messages WHERE id = ?`, headMessageID).Scan(&msgChat)
	if err == sql.ErrNoRows || (err == nil && msgChat != chatID) {
		return store.NotFoundError{Kind: "message", ID: headMessageID}
	}
	if err != nil {
		return fmt.Errorf("probe head message: %w", err)
	}

	res, err := d.db.ExecContext(ctx,
		`UPDATE branches SET head_message_id = ? WHERE chat_id = ? AND name = ?`,
		headMessageID, chatID, name)
	if err != nil {
		return fmt.Errorf("update branch head: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.NotFoundError{Kind: "branch", ID: chatID + "/" + name}
	}
	return nil
}

// ListBranches returns every branch of the chat with its chain-derived
// message count.
func (d *Driver) ListBranches(ctx context.Context, chatID string) ([]*chat.BranchInfo, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, chat_id, name, head_message_id, is_active, created_at FROM branches WHERE chat_id = ? ORDER BY name`,
		chatID)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer rows.Close()

	var list []*chat.BranchInfo
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, &chat.BranchInfo{Branch: *b})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, info := range list {
		if info.HeadMessageID == nil {
			continue
		}
		path, err := d.GetMessageChain(ctx, *info.HeadMessageID)
		if err != nil {
			return nil, err
		}
		info.MessageCount = len(path)
	}

	return list, nil
}

// CreateCheckpoint creates or retargets a named bookmark.
func (d *Driver) CreateCheckpoint(ctx context.Context, cp *chat.Checkpoint) (*chat.Checkpoint, error) {
	var msgChat string
	err := d.db.QueryRowContext(ctx, `SELECT chat_id FROM messages WHERE id = ?`, cp.MessageID).Scan(&msgChat)
	if err == sql.ErrNoRows || (err == nil && msgChat != cp.ChatID) {
		return nil, store.NotFoundError{Kind: "message", ID: cp.MessageID}
	}
	if err != nil {
		return nil, fmt.Errorf("probe checkpoint message: %w", err)
	}

	if cp.ID == "" {
		cp.ID = chat.NewID()
	}
	cp.CreatedAt = chat.NowMillis()

	if _, err := d.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, chat_id, name, message_id, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(chat_id, name) DO UPDATE SET message_id = excluded.message_id, created_at = excluded.created_at`,
		cp.ID, cp.ChatID, cp.Name, cp.MessageID, cp.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("upsert checkpoint: %w", err)
	}

	return d.GetCheckpoint(ctx, cp.ChatID, cp.Name)
}

// GetCheckpoint returns the named checkpoint.
func (d *Driver) GetCheckpoint(ctx context.Context, chatID, name string) (*chat.Checkpoint, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT id, chat_id, name, message_id, created_at FROM checkpoints WHERE chat_id = ? AND name = ?`,
		chatID, name)

	cp := &chat.Checkpoint{}
	err := row.Scan(&cp.ID, &cp.ChatID, &cp.Name, &cp.MessageID, &cp.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, store.NotFoundError{Kind: "checkpoint", ID: chatID + "/" + name}
	}
	if err != nil {
		return nil, fmt.Errorf("scan checkpoint: %w", err)
	}
	return cp, nil
}

// ListCheckpoints returns all checkpoints of the chat, newest first.
func (d *Driver) ListCheckpoints(ctx context.Context, chatID string) ([]*chat.Checkpoint, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, chat_id, name, message_id, created_at FROM checkpoints WHERE chat_id = ? ORDER BY created_at DESC`,
		chatID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var list []*chat.Checkpoint
	for rows.Next() {
		cp := &chat.Checkpoint{}
		if err := rows.Scan(&cp.ID, &cp.ChatID, &cp.Name, &cp.MessageID, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		list = append(list, cp)
	}
	return list, rows.Err()
}

// DeleteCheckpoint removes the named checkpoint.
func (d *Driver) DeleteCheckpoint(ctx context.Context, chatID, name string) error {
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE chat_id = ? AND name = ?`, chatID, name)
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.NotFoundError{Kind: "checkpoint", ID: chatID + "/" + name}
	}
	return nil
}

// SearchMessages runs ranked FTS5 search with bracketed snippets.
func (d *Driver) SearchMessages(ctx context.Context, chatID, query string, opts chat.SearchOptions) ([]*chat.SearchResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	ftsQuery := sanitizeFTS(query)
	if ftsQuery == "" {
		return nil, nil
	}

	sqlStr := `
		SELECT message_id, chat_id, name,
		       snippet(messages_fts, 0, '[', ']', '…', 16),
		       bm25(messages_fts)
		FROM messages_fts
		WHERE messages_fts MATCH ? AND chat_id = ?
	`
	args := []any{ftsQuery, chatID}

	if len(opts.Names) > 0 {
		sqlStr += ` AND name IN (?` + strings.Repeat(", ?", len(opts.Names)-1) + `)`
		for _, n := range opts.Names {
			args = append(args, n)
		}
	}

	sqlStr += ` ORDER BY bm25(messages_fts) LIMIT ?`
	args = append(args, limit)

	rows, err := d.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	var results []*chat.SearchResult
	for rows.Next() {
		r := &chat.SearchResult{}
		var bm25 float64
		if err := rows.Scan(&r.MessageID, &r.ChatID, &r.Name, &r.Snippet, &bm25); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		// bm25 is lower-is-better; expose higher-is-better like the other
		// backends.
		r.Rank = -bm25
		results = append(results, r)
	}
	return results, rows.Err()
}

// GetGraph returns all nodes, branches, and checkpoints of the chat with
// truncated content previews.
func (d *Driver) GetGraph(ctx context.Context, chatID string) (*chat.Graph, error) {
	if c, err := d.GetChat(ctx, chatID); err != nil {
		return nil, err
	} else if c == nil {
		return nil, store.NotFoundError{Kind: "chat", ID: chatID}
	}

	g := &chat.Graph{ChatID: chatID}

	rows, err := d.db.QueryContext(ctx,
		`SELECT id, chat_id, parent_id, name, type, data, created_at FROM messages WHERE chat_id = ? ORDER BY created_at`,
		chatID)
	if err != nil {
		return nil, fmt.Errorf("graph messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
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
	if err := rows.Err(); err != nil {
		return nil, err
	}

	branches, err := d.ListBranches(ctx, chatID)
	if err != nil {
		return nil, err
	}
	for _, info := range branches {
		b := info.Branch
		g.Branches = append(g.Branches, &b)
	}

	g.Checkpoints, err = d.ListCheckpoints(ctx, chatID)
	if err != nil {
		return nil, err
	}

	return g, nil
}

// CreateStream inserts a fresh queued stream row.
func (d *Driver) CreateStream(ctx context.Context, id string) (*stream.Stream, error) {
	s := &stream.Stream{
		ID:        id,
		Status:    stream.StatusQueued,
		CreatedAt: chat.NowMillis(),
	}

	if _, err := d.db.ExecContext(ctx,
		`INSERT INTO streams (id, status, created_at) VALUES (?, ?, ?)`,
		s.ID, s.Status, s.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert stream: %w", err)
	}
	return s, nil
}

// UpsertStream inserts if absent and reports whether a new row was created.
func (d *Driver) UpsertStream(ctx context.Context, id string) (*stream.Stream, bool, error) {
	res, err := d.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO streams (id, status, created_at) VALUES (?, ?, ?)`,
		id, stream.StatusQueued, chat.NowMillis(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("upsert stream: %w", err)
	}

	created, _ := res.RowsAffected()

	s, err := d.GetStream(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if s == nil {
		return nil, false, store.NotFoundError{Kind: "stream", ID: id}
	}
	return s, created > 0, nil
}

// GetStream returns the stream, or (nil, nil) when it does not exist.
func (d *Driver) GetStream(ctx context.Context, id string) (*stream.Stream, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT id, status, created_at, started_at, finished_at, cancel_requested_at, error FROM streams WHERE id = ?`,
		id)

	s, err := scanStream(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetStreamStatus is the status-only fast path.
func (d *Driver) GetStreamStatus(ctx context.Context, id string) (stream.Status, error) {
	var status string
	err := d.db.QueryRowContext(ctx, `SELECT status FROM streams WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", store.NotFoundError{Kind: "stream", ID: id}
	}
	if err != nil {
		return "", fmt.Errorf("get stream status: %w", err)
	}
	return stream.Status(status), nil
}

// UpdateStreamStatus transitions the stream, stamping lifecycle timestamps.
// The WHERE clause keeps status monotonic: a terminal row never changes.
func (d *Driver) UpdateStreamStatus(ctx context.Context, id string, status stream.Status, errMsg string) error {
	now := chat.NowMillis()
	set := []string{"status = ?"}
	args := []any{string(status)}

	if status == stream.StatusRunning {
		set = append(set, "started_at = COALESCE(started_at, ?)")
		args = append(args, now)
	}
	if status.Terminal() {
		set = append(set, "finished_at = ?")
		args = append(args, now)
	}
	if status == stream.StatusCancelled {
		set = append(set, "cancel_requested_at = ?")
		args = append(args, now)
	}
	if status == stream.StatusFailed {
		set = append(set, "error = ?")
		args = append(args, errMsg)
	}
	args = append(args, id,
		string(stream.StatusCompleted), string(stream.StatusFailed), string(stream.StatusCancelled))

	res, err := d.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE streams SET %s WHERE id = ? AND status NOT IN (?, ?, ?)`, strings.Join(set, ", ")),
		args...)
	if err != nil {
		return fmt.Errorf("update stream status: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		// Either missing or already terminal; only the former is an error.
		if _, statusErr := d.GetStreamStatus(ctx, id); statusErr != nil {
			return statusErr
		}
	}
	return nil
}

// AppendChunks appends a batch transactionally — all-or-nothing.
func (d *Driver) AppendChunks(ctx context.Context, id string, chunks []stream.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	return d.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO stream_chunks (stream_id, seq, data, created_at) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare chunk insert: %w", err)
		}
		defer stmt.Close()

		for _, c := range chunks {
			if _, err := stmt.ExecContext(ctx, id, c.Seq, c.Data, c.CreatedAt); err != nil {
				return fmt.Errorf("append chunk %d: %w", c.Seq, err)
			}
		}
		return nil
	})
}

// GetChunks returns up to limit chunks with seq >= fromSeq in seq order.
func (d *Driver) GetChunks(ctx context.Context, id string, fromSeq int64, limit int) ([]stream.Chunk, error) {
	sqlStr := `SELECT stream_id, seq, data, created_at FROM stream_chunks WHERE stream_id = ? AND seq >= ? ORDER BY seq`
	args := []any{id, fromSeq}
	if limit > 0 {
		sqlStr += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := d.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("get chunks: %w", err)
	}
	defer rows.Close()

	var out []stream.Chunk
	for rows.Next() {
		var c stream.Chunk
		if err := rows.Scan(&c.StreamID, &c.Seq, &c.Data, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteStream removes the stream row; chunks cascade.
func (d *Driver) DeleteStream(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM streams WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete stream: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.NotFoundError{Kind: "stream", ID: id}
	}
	return nil
}

// ReopenStream resets a terminal stream to a fresh queued record and clears
// its chunk log in one transaction.
func (d *Driver) ReopenStream(ctx context.Context, id string) (*stream.Stream, error) {
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM streams WHERE id = ?`, id).Scan(&status)
		if err == sql.ErrNoRows {
			return store.NotFoundError{Kind: "stream", ID: id}
		}
		if err != nil {
			return fmt.Errorf("probe stream: %w", err)
		}
		if !stream.Status(status).Terminal() {
			return store.InvariantError{Reason: "cannot reopen non-terminal stream " + id}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE streams SET status = ?, created_at = ?, started_at = NULL, finished_at = NULL, cancel_requested_at = NULL, error = NULL WHERE id = ?`,
			string(stream.StatusQueued), chat.NowMillis(), id,
		); err != nil {
			return fmt.Errorf("reset stream: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM stream_chunks WHERE stream_id = ?`, id); err != nil {
			return fmt.Errorf("clear chunks: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s, err := d.GetStream(ctx, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, store.NotFoundError{Kind: "stream", ID: id}
	}
	return s, nil
}

// Close closes the database connection.
func (d *Driver) Close() error {
	return d.db.Close()
}

// sanitizeFTS wraps each term in quotes so FTS5 doesn't choke on operators
// or special characters in user queries.
func sanitizeFTS(query string) string {
	fields := strings.Fields(query)
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		if f == "" {
			continue
		}
		quoted = append(quoted, `"`+f+`"`)
	}
	return strings.Join(quoted, " ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(row rowScanner) (*chat.Chat, error) {
	c := &chat.Chat{}
	var meta string
	if err := row.Scan(&c.ID, &c.OwnerID, &c.Title, &meta, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if err := unmarshalMetadata(meta, c); err != nil {
		return nil, err
	}
	return c, nil
}

func scanMessage(row rowScanner) (*chat.Message, error) {
	m := &chat.Message{}
	var parent sql.NullString
	var data string
	if err := row.Scan(&m.ID, &m.ChatID, &parent, &m.Name, &m.Type, &data, &m.CreatedAt); err != nil {
		return nil, err
	}
	if parent.Valid {
		m.ParentID = &parent.String
	}
	m.Data = json.RawMessage(data)
	return m, nil
}

func scanBranch(row rowScanner) (*chat.Branch, error) {
	b := &chat.Branch{}
	var head sql.NullString
	if err := row.Scan(&b.ID, &b.ChatID, &b.Name, &head, &b.IsActive, &b.CreatedAt); err != nil {
		return nil, err
	}
	if head.Valid {
		b.HeadMessageID = &head.String
	}
	return b, nil
}

func scanStream(row rowScanner) (*stream.Stream, error) {
	s := &stream.Stream{}
	var status string
	var started, finished, cancelRequested sql.NullInt64
	var errMsg sql.NullString
	if err := row.Scan(&s.ID, &status, &s.CreatedAt, &started, &finished, &cancelRequested, &errMsg); err != nil {
		return nil, err
	}
	s.Status = stream.Status(status)
	s.StartedAt = started.Int64
	s.FinishedAt = finished.Int64
	s.CancelRequestedAt = cancelRequested.Int64
	s.Error = errMsg.String
	return s, nil
}

func marshalMetadata(meta map[string]any) (string, error) {
	if meta == nil {
		return "{}", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

func unmarshalMetadata(meta string, c *chat.Chat) error {
	if meta == "" || meta == "{}" {
		return nil
	}
	if err := json.Unmarshal([]byte(meta), &c.Metadata); err != nil {
		return fmt.Errorf("unmarshal metadata: %w", err)
	}
	return nil
}

// Ensure Driver implements store.Driver
var _ store.Driver = (*Driver)(nil)
