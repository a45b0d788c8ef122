package sqlite_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/spool/pkg/chat"
	"github.com/papercomputeco/spool/pkg/store"
	"github.com/papercomputeco/spool/pkg/store/sqlite"
	"github.com/papercomputeco/spool/pkg/stream"
)

func textMessage(chatID, name, text string, parentID *string) *chat.Message {
	data, _ := json.Marshal(map[string]string{"content": text})
	return &chat.Message{
		ChatID:   chatID,
		ParentID: parentID,
		Name:     name,
		Type:     "text",
		Data:     data,
	}
}

var _ = Describe("Driver", func() {
	var (
		driver *sqlite.Driver
		ctx    context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		driver, err = sqlite.NewDriver(":memory:")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if driver != nil {
			driver.Close()
		}
	})

	Describe("NewDriver", func() {
		It("creates a driver with file database", func() {
			tmpDir := GinkgoT().TempDir()
			dbPath := filepath.Join(tmpDir, "test.db")

			s, err := sqlite.NewDriver(dbPath)
			Expect(err).NotTo(HaveOccurred())
			defer s.Close()

			_, err = os.Stat(dbPath)
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("Chats", func() {
		It("creates a chat with an active main branch", func() {
			c, err := driver.CreateChat(ctx, &chat.Chat{OwnerID: "alice", Title: "first"})
			Expect(err).NotTo(HaveOccurred())
			Expect(c.ID).NotTo(BeEmpty())
			Expect(c.CreatedAt).To(BeNumerically(">", 0))

			b, err := driver.GetActiveBranch(ctx, c.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(b.Name).To(Equal(chat.MainBranch))
			Expect(b.IsActive).To(BeTrue())
			Expect(b.HeadMessageID).To(BeNil())
		})

		It("returns nil for a missing chat", func() {
			c, err := driver.GetChat(ctx, "nope")
			Expect(err).NotTo(HaveOccurred())
			Expect(c).To(BeNil())
		})

		It("upserts an existing chat without duplicating the main branch", func() {
			c, err := driver.CreateChat(ctx, &chat.Chat{OwnerID: "alice", Title: "first"})
			Expect(err).NotTo(HaveOccurred())

			c.Title = "renamed"
			updated, err := driver.UpsertChat(ctx, c)
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.Title).To(Equal("renamed"))

			branches, err := driver.ListBranches(ctx, c.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(branches).To(HaveLen(1))
		})

		It("updates title and metadata", func() {
			c, err := driver.CreateChat(ctx, &chat.Chat{OwnerID: "alice"})
			Expect(err).NotTo(HaveOccurred())

			title := "renamed"
			updated, err := driver.UpdateChat(ctx, &store.UpdateChat{
				ID:       c.ID,
				Title:    &title,
				Metadata: map[string]any{"model": "gpt-x"},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.Title).To(Equal("renamed"))
			Expect(updated.Metadata).To(HaveKeyWithValue("model", "gpt-x"))
		})

		It("returns NotFoundError when updating a missing chat", func() {
			title := "x"
			_, err := driver.UpdateChat(ctx, &store.UpdateChat{ID: "missing", Title: &title})
			Expect(store.IsNotFound(err)).To(BeTrue())
		})

		It("lists chats by owner, most recently updated first", func() {
			a, err := driver.CreateChat(ctx, &chat.Chat{OwnerID: "alice", Title: "a"})
			Expect(err).NotTo(HaveOccurred())
			_, err = driver.CreateChat(ctx, &chat.Chat{OwnerID: "bob", Title: "b"})
			Expect(err).NotTo(HaveOccurred())

			list, err := driver.ListChats(ctx, "alice")
			Expect(err).NotTo(HaveOccurred())
			Expect(list).To(HaveLen(1))
			Expect(list[0].ID).To(Equal(a.ID))
		})

		It("deletes a chat and everything under it", func() {
			c, err := driver.CreateChat(ctx, &chat.Chat{OwnerID: "alice"})
			Expect(err).NotTo(HaveOccurred())

			m, err := driver.AddMessage(ctx, textMessage(c.ID, "user", "hello", nil))
			Expect(err).NotTo(HaveOccurred())

			Expect(driver.DeleteChat(ctx, c.ID)).To(Succeed())

			_, err = driver.GetMessage(ctx, m.ID)
			Expect(store.IsNotFound(err)).To(BeTrue())

			results, err := driver.SearchMessages(ctx, c.ID, "hello", chat.SearchOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(BeEmpty())
		})
	})

	Describe("Messages", func() {
		var chatID string

		BeforeEach(func() {
			c, err := driver.CreateChat(ctx, &chat.Chat{OwnerID: "alice"})
			Expect(err).NotTo(HaveOccurred())
			chatID = c.ID
		})

		It("adds and retrieves a message", func() {
			m, err := driver.AddMessage(ctx, textMessage(chatID, "user", "hello world", nil))
			Expect(err).NotTo(HaveOccurred())
			Expect(m.ID).NotTo(BeEmpty())

			got, err := driver.GetMessage(ctx, m.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.SearchText()).To(Equal("hello world"))
		})

		It("upserts when the id already exists", func() {
			m, err := driver.AddMessage(ctx, textMessage(chatID, "user", "v1", nil))
			Expect(err).NotTo(HaveOccurred())

			replacement := textMessage(chatID, "user", "v2", nil)
			replacement.ID = m.ID
			_, err = driver.AddMessage(ctx, replacement)
			Expect(err).NotTo(HaveOccurred())

			got, err := driver.GetMessage(ctx, m.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.SearchText()).To(Equal("v2"))
			Expect(got.CreatedAt).To(Equal(m.CreatedAt))
		})

		It("rejects a self-parented message without writing a row", func() {
			m := textMessage(chatID, "user", "oops", nil)
			m.ID = chat.NewID()
			m.ParentID = &m.ID

			_, err := driver.AddMessage(ctx, m)
			Expect(store.IsInvariant(err)).To(BeTrue())

			_, err = driver.GetMessage(ctx, m.ID)
			Expect(store.IsNotFound(err)).To(BeTrue())
		})

		It("rejects a parent from another chat", func() {
			other, err := driver.CreateChat(ctx, &chat.Chat{OwnerID: "bob"})
			Expect(err).NotTo(HaveOccurred())
			foreign, err := driver.AddMessage(ctx, textMessage(other.ID, "user", "elsewhere", nil))
			Expect(err).NotTo(HaveOccurred())

			_, err = driver.AddMessage(ctx, textMessage(chatID, "user", "child", &foreign.ID))
			Expect(store.IsInvariant(err)).To(BeTrue())
		})

		It("walks the chain root to head", func() {
			root, err := driver.AddMessage(ctx, textMessage(chatID, "user", "one", nil))
			Expect(err).NotTo(HaveOccurred())
			mid, err := driver.AddMessage(ctx, textMessage(chatID, "assistant", "two", &root.ID))
			Expect(err).NotTo(HaveOccurred())
			head, err := driver.AddMessage(ctx, textMessage(chatID, "user", "three", &mid.ID))
			Expect(err).NotTo(HaveOccurred())

			path, err := driver.GetMessageChain(ctx, head.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(path).To(HaveLen(3))
			Expect(path[0].ID).To(Equal(root.ID))
			Expect(path[2].ID).To(Equal(head.ID))
		})

		It("reports children correctly", func() {
			parent, err := driver.AddMessage(ctx, textMessage(chatID, "user", "parent", nil))
			Expect(err).NotTo(HaveOccurred())

			has, err := driver.HasChildren(ctx, parent.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(has).To(BeFalse())

			_, err = driver.AddMessage(ctx, textMessage(chatID, "assistant", "child", &parent.ID))
			Expect(err).NotTo(HaveOccurred())

			has, err = driver.HasChildren(ctx, parent.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(has).To(BeTrue())
		})
	})

	Describe("Branches", func() {
		var chatID string
		var rootID string

		BeforeEach(func() {
			c, err := driver.CreateChat(ctx, &chat.Chat{OwnerID: "alice"})
			Expect(err).NotTo(HaveOccurred())
			chatID = c.ID

			root, err := driver.AddMessage(ctx, textMessage(chatID, "user", "root", nil))
			Expect(err).NotTo(HaveOccurred())
			rootID = root.ID
		})

		It("keeps at most one branch active", func() {
			_, err := driver.CreateBranch(ctx, &chat.Branch{ChatID: chatID, Name: "alt", HeadMessageID: &rootID})
			Expect(err).NotTo(HaveOccurred())

			_, err = driver.SetActiveBranch(ctx, chatID, "alt")
			Expect(err).NotTo(HaveOccurred())

			branches, err := driver.ListBranches(ctx, chatID)
			Expect(err).NotTo(HaveOccurred())

			active := 0
			for _, b := range branches {
				if b.IsActive {
					active++
					Expect(b.Name).To(Equal("alt"))
				}
			}
			Expect(active).To(Equal(1))
		})

		It("returns NotFoundError when activating a missing branch", func() {
			_, err := driver.SetActiveBranch(ctx, chatID, "ghost")
			Expect(store.IsNotFound(err)).To(BeTrue())
		})

		It("updates the branch head", func() {
			child, err := driver.AddMessage(ctx, textMessage(chatID, "assistant", "child", &rootID))
			Expect(err).NotTo(HaveOccurred())

			Expect(driver.UpdateBranchHead(ctx, chatID, chat.MainBranch, child.ID)).To(Succeed())

			b, err := driver.GetBranch(ctx, chatID, chat.MainBranch)
			Expect(err).NotTo(HaveOccurred())
			Expect(*b.HeadMessageID).To(Equal(child.ID))
		})

		It("counts messages per branch along each chain", func() {
			mid, err := driver.AddMessage(ctx, textMessage(chatID, "assistant", "mid", &rootID))
			Expect(err).NotTo(HaveOccurred())
			deep, err := driver.AddMessage(ctx, textMessage(chatID, "user", "deep", &mid.ID))
			Expect(err).NotTo(HaveOccurred())

			Expect(driver.UpdateBranchHead(ctx, chatID, chat.MainBranch, deep.ID)).To(Succeed())
			_, err = driver.CreateBranch(ctx, &chat.Branch{ChatID: chatID, Name: "short", HeadMessageID: &rootID})
			Expect(err).NotTo(HaveOccurred())

			branches, err := driver.ListBranches(ctx, chatID)
			Expect(err).NotTo(HaveOccurred())

			counts := map[string]int{}
			for _, b := range branches {
				counts[b.Name] = b.MessageCount
			}
			Expect(counts[chat.MainBranch]).To(Equal(3))
			Expect(counts["short"]).To(Equal(1))
		})
	})

	Describe("Checkpoints", func() {
		var chatID, msgID string

		BeforeEach(func() {
			c, err := driver.CreateChat(ctx, &chat.Chat{OwnerID: "alice"})
			Expect(err).NotTo(HaveOccurred())
			chatID = c.ID

			m, err := driver.AddMessage(ctx, textMessage(chatID, "user", "mark me", nil))
			Expect(err).NotTo(HaveOccurred())
			msgID = m.ID
		})

		It("creates and retargets by name", func() {
			cp, err := driver.CreateCheckpoint(ctx, &chat.Checkpoint{ChatID: chatID, Name: "draft", MessageID: msgID})
			Expect(err).NotTo(HaveOccurred())
			Expect(cp.MessageID).To(Equal(msgID))

			other, err := driver.AddMessage(ctx, textMessage(chatID, "assistant", "later", &msgID))
			Expect(err).NotTo(HaveOccurred())

			cp2, err := driver.CreateCheckpoint(ctx, &chat.Checkpoint{ChatID: chatID, Name: "draft", MessageID: other.ID})
			Expect(err).NotTo(HaveOccurred())
			Expect(cp2.MessageID).To(Equal(other.ID))

			list, err := driver.ListCheckpoints(ctx, chatID)
			Expect(err).NotTo(HaveOccurred())
			Expect(list).To(HaveLen(1))
		})

		It("rejects a checkpoint on a missing message", func() {
			_, err := driver.CreateCheckpoint(ctx, &chat.Checkpoint{ChatID: chatID, Name: "bad", MessageID: "ghost"})
			Expect(store.IsNotFound(err)).To(BeTrue())
		})

		It("deletes by name", func() {
			_, err := driver.CreateCheckpoint(ctx, &chat.Checkpoint{ChatID: chatID, Name: "draft", MessageID: msgID})
			Expect(err).NotTo(HaveOccurred())

			Expect(driver.DeleteCheckpoint(ctx, chatID, "draft")).To(Succeed())

			_, err = driver.GetCheckpoint(ctx, chatID, "draft")
			Expect(store.IsNotFound(err)).To(BeTrue())
		})
	})

	Describe("SearchMessages", func() {
		var chatID string

		BeforeEach(func() {
			c, err := driver.CreateChat(ctx, &chat.Chat{OwnerID: "alice"})
			Expect(err).NotTo(HaveOccurred())
			chatID = c.ID

			_, err = driver.AddMessage(ctx, textMessage(chatID, "user", "how do goroutines work", nil))
			Expect(err).NotTo(HaveOccurred())
			_, err = driver.AddMessage(ctx, textMessage(chatID, "assistant", "goroutines are lightweight threads", nil))
			Expect(err).NotTo(HaveOccurred())
			_, err = driver.AddMessage(ctx, textMessage(chatID, "user", "unrelated question", nil))
			Expect(err).NotTo(HaveOccurred())
		})

		It("finds matching messages with snippets", func() {
			results, err := driver.SearchMessages(ctx, chatID, "goroutines", chat.SearchOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(HaveLen(2))
			Expect(results[0].Snippet).To(ContainSubstring("[goroutines]"))
		})

		It("filters by name", func() {
			results, err := driver.SearchMessages(ctx, chatID, "goroutines", chat.SearchOptions{Names: []string{"assistant"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(HaveLen(1))
			Expect(results[0].Name).To(Equal("assistant"))
		})

		It("does not leak results across chats", func() {
			other, err := driver.CreateChat(ctx, &chat.Chat{OwnerID: "bob"})
			Expect(err).NotTo(HaveOccurred())

			results, err := driver.SearchMessages(ctx, other.ID, "goroutines", chat.SearchOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(BeEmpty())
		})

		It("survives operator characters in the query", func() {
			_, err := driver.SearchMessages(ctx, chatID, `goroutines AND "OR (`, chat.SearchOptions{})
			Expect(err).NotTo(HaveOccurred())
		})

		It("drops index entries for replaced messages", func() {
			m, err := driver.AddMessage(ctx, textMessage(chatID, "user", "ephemeral wording", nil))
			Expect(err).NotTo(HaveOccurred())

			replacement := textMessage(chatID, "user", "different now", nil)
			replacement.ID = m.ID
			_, err = driver.AddMessage(ctx, replacement)
			Expect(err).NotTo(HaveOccurred())

			results, err := driver.SearchMessages(ctx, chatID, "ephemeral", chat.SearchOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(BeEmpty())
		})
	})

	Describe("GetGraph", func() {
		It("returns nodes, branches, and checkpoints", func() {
			c, err := driver.CreateChat(ctx, &chat.Chat{OwnerID: "alice"})
			Expect(err).NotTo(HaveOccurred())

			root, err := driver.AddMessage(ctx, textMessage(c.ID, "user", "root", nil))
			Expect(err).NotTo(HaveOccurred())
			_, err = driver.AddMessage(ctx, textMessage(c.ID, "assistant", "leaf", &root.ID))
			Expect(err).NotTo(HaveOccurred())
			_, err = driver.CreateCheckpoint(ctx, &chat.Checkpoint{ChatID: c.ID, Name: "cp", MessageID: root.ID})
			Expect(err).NotTo(HaveOccurred())

			g, err := driver.GetGraph(ctx, c.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(g.Nodes).To(HaveLen(2))
			Expect(g.Branches).To(HaveLen(1))
			Expect(g.Checkpoints).To(HaveLen(1))
			Expect(g.Nodes[0].Preview).To(Equal("root"))
		})

		It("returns NotFoundError for a missing chat", func() {
			_, err := driver.GetGraph(ctx, "ghost")
			Expect(store.IsNotFound(err)).To(BeTrue())
		})
	})

	Describe("Streams", func() {
		It("creates a queued stream", func() {
			s, err := driver.CreateStream(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Status).To(Equal(stream.StatusQueued))
			Expect(s.CreatedAt).To(BeNumerically(">", 0))
		})

		It("upserts idempotently", func() {
			_, created, err := driver.UpsertStream(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())
			Expect(created).To(BeTrue())

			s, created, err := driver.UpsertStream(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())
			Expect(created).To(BeFalse())
			Expect(s.Status).To(Equal(stream.StatusQueued))
		})

		It("stamps lifecycle timestamps through the status machine", func() {
			_, err := driver.CreateStream(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())

			Expect(driver.UpdateStreamStatus(ctx, "s1", stream.StatusRunning, "")).To(Succeed())
			s, err := driver.GetStream(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())
			Expect(s.StartedAt).To(BeNumerically(">", 0))
			Expect(s.FinishedAt).To(BeZero())

			Expect(driver.UpdateStreamStatus(ctx, "s1", stream.StatusCompleted, "")).To(Succeed())
			s, err = driver.GetStream(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())
			Expect(s.FinishedAt).To(BeNumerically(">", 0))
		})

		It("never moves a terminal stream", func() {
			_, err := driver.CreateStream(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())
			Expect(driver.UpdateStreamStatus(ctx, "s1", stream.StatusCompleted, "")).To(Succeed())

			Expect(driver.UpdateStreamStatus(ctx, "s1", stream.StatusFailed, "boom")).To(Succeed())

			status, err := driver.GetStreamStatus(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(stream.StatusCompleted))
		})

		It("records the error message on failure", func() {
			_, err := driver.CreateStream(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())
			Expect(driver.UpdateStreamStatus(ctx, "s1", stream.StatusFailed, "upstream hung up")).To(Succeed())

			s, err := driver.GetStream(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Error).To(Equal("upstream hung up"))
		})

		It("returns NotFoundError for status of a missing stream", func() {
			_, err := driver.GetStreamStatus(ctx, "ghost")
			Expect(store.IsNotFound(err)).To(BeTrue())
		})
	})

	Describe("Chunks", func() {
		BeforeEach(func() {
			_, err := driver.CreateStream(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())
		})

		chunk := func(seq int64, data string) stream.Chunk {
			return stream.Chunk{StreamID: "s1", Seq: seq, Data: []byte(data), CreatedAt: chat.NowMillis()}
		}

		It("round-trips chunks regardless of batch boundaries", func() {
			Expect(driver.AppendChunks(ctx, "s1", []stream.Chunk{chunk(0, "a"), chunk(1, "b")})).To(Succeed())
			Expect(driver.AppendChunks(ctx, "s1", []stream.Chunk{chunk(2, "c")})).To(Succeed())

			got, err := driver.GetChunks(ctx, "s1", 0, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(HaveLen(3))
			for i, c := range got {
				Expect(c.Seq).To(Equal(int64(i)))
			}
			Expect(string(got[2].Data)).To(Equal("c"))
		})

		It("pages from an offset with a limit", func() {
			var batch []stream.Chunk
			for i := int64(0); i < 10; i++ {
				batch = append(batch, chunk(i, fmt.Sprintf("c%d", i)))
			}
			Expect(driver.AppendChunks(ctx, "s1", batch)).To(Succeed())

			got, err := driver.GetChunks(ctx, "s1", 4, 3)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(HaveLen(3))
			Expect(got[0].Seq).To(Equal(int64(4)))
			Expect(got[2].Seq).To(Equal(int64(6)))
		})

		It("rejects the whole batch on a duplicate seq", func() {
			Expect(driver.AppendChunks(ctx, "s1", []stream.Chunk{chunk(0, "a")})).To(Succeed())

			err := driver.AppendChunks(ctx, "s1", []stream.Chunk{chunk(1, "b"), chunk(0, "dup")})
			Expect(err).To(HaveOccurred())

			got, err := driver.GetChunks(ctx, "s1", 0, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(HaveLen(1))
		})

		It("deletes chunks with the stream", func() {
			Expect(driver.AppendChunks(ctx, "s1", []stream.Chunk{chunk(0, "a")})).To(Succeed())
			Expect(driver.DeleteStream(ctx, "s1")).To(Succeed())

			got, err := driver.GetChunks(ctx, "s1", 0, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(BeEmpty())
		})
	})

	Describe("ReopenStream", func() {
		It("resets a terminal stream and clears its chunks", func() {
			_, err := driver.CreateStream(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())
			Expect(driver.AppendChunks(ctx, "s1", []stream.Chunk{{StreamID: "s1", Seq: 0, Data: []byte("a"), CreatedAt: chat.NowMillis()}})).To(Succeed())
			Expect(driver.UpdateStreamStatus(ctx, "s1", stream.StatusFailed, "boom")).To(Succeed())

			s, err := driver.ReopenStream(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Status).To(Equal(stream.StatusQueued))
			Expect(s.Error).To(BeEmpty())
			Expect(s.FinishedAt).To(BeZero())

			got, err := driver.GetChunks(ctx, "s1", 0, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(BeEmpty())
		})

		It("refuses to reopen a live stream", func() {
			_, err := driver.CreateStream(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())
			Expect(driver.UpdateStreamStatus(ctx, "s1", stream.StatusRunning, "")).To(Succeed())

			_, err = driver.ReopenStream(ctx, "s1")
			Expect(store.IsInvariant(err)).To(BeTrue())
		})
	})
})
