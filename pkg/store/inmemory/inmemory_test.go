package inmemory_test

import (
	"context"
	"encoding/json"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/spool/pkg/chat"
	"github.com/papercomputeco/spool/pkg/store"
	"github.com/papercomputeco/spool/pkg/store/inmemory"
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
		driver *inmemory.Driver
		ctx    context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		driver = inmemory.NewDriver()
	})

	AfterEach(func() {
		driver.Close()
	})

	Describe("Chats", func() {
		It("creates a chat with an active main branch", func() {
			c, err := driver.CreateChat(ctx, &chat.Chat{OwnerID: "alice"})
			Expect(err).NotTo(HaveOccurred())

			b, err := driver.GetActiveBranch(ctx, c.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(b.Name).To(Equal(chat.MainBranch))
		})

		It("returns nil for a missing chat", func() {
			c, err := driver.GetChat(ctx, "nope")
			Expect(err).NotTo(HaveOccurred())
			Expect(c).To(BeNil())
		})

		It("hands out copies that callers cannot mutate", func() {
			c, err := driver.CreateChat(ctx, &chat.Chat{OwnerID: "alice", Title: "original"})
			Expect(err).NotTo(HaveOccurred())

			got, err := driver.GetChat(ctx, c.ID)
			Expect(err).NotTo(HaveOccurred())
			got.Title = "mutated"

			again, err := driver.GetChat(ctx, c.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(again.Title).To(Equal("original"))
		})

		It("deletes a chat and everything under it", func() {
			c, err := driver.CreateChat(ctx, &chat.Chat{OwnerID: "alice"})
			Expect(err).NotTo(HaveOccurred())
			m, err := driver.AddMessage(ctx, textMessage(c.ID, "user", "gone soon", nil))
			Expect(err).NotTo(HaveOccurred())

			Expect(driver.DeleteChat(ctx, c.ID)).To(Succeed())

			_, err = driver.GetMessage(ctx, m.ID)
			Expect(store.IsNotFound(err)).To(BeTrue())

			_, err = driver.GetBranch(ctx, c.ID, chat.MainBranch)
			Expect(store.IsNotFound(err)).To(BeTrue())
		})
	})

	Describe("Messages and branches", func() {
		var chatID string

		BeforeEach(func() {
			c, err := driver.CreateChat(ctx, &chat.Chat{OwnerID: "alice"})
			Expect(err).NotTo(HaveOccurred())
			chatID = c.ID
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

		It("walks the chain root to head", func() {
			root, err := driver.AddMessage(ctx, textMessage(chatID, "user", "one", nil))
			Expect(err).NotTo(HaveOccurred())
			head, err := driver.AddMessage(ctx, textMessage(chatID, "assistant", "two", &root.ID))
			Expect(err).NotTo(HaveOccurred())

			path, err := driver.GetMessageChain(ctx, head.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(path).To(HaveLen(2))
			Expect(path[0].ID).To(Equal(root.ID))
			Expect(path[1].ID).To(Equal(head.ID))
		})

		It("keeps exactly one branch active through swaps", func() {
			root, err := driver.AddMessage(ctx, textMessage(chatID, "user", "root", nil))
			Expect(err).NotTo(HaveOccurred())
			_, err = driver.CreateBranch(ctx, &chat.Branch{ChatID: chatID, Name: "alt", HeadMessageID: &root.ID})
			Expect(err).NotTo(HaveOccurred())

			_, err = driver.SetActiveBranch(ctx, chatID, "alt")
			Expect(err).NotTo(HaveOccurred())
			_, err = driver.SetActiveBranch(ctx, chatID, chat.MainBranch)
			Expect(err).NotTo(HaveOccurred())

			branches, err := driver.ListBranches(ctx, chatID)
			Expect(err).NotTo(HaveOccurred())

			active := 0
			for _, b := range branches {
				if b.IsActive {
					active++
					Expect(b.Name).To(Equal(chat.MainBranch))
				}
			}
			Expect(active).To(Equal(1))
		})

		It("computes distinct message counts for diverging branches", func() {
			root, err := driver.AddMessage(ctx, textMessage(chatID, "user", "root", nil))
			Expect(err).NotTo(HaveOccurred())
			long, err := driver.AddMessage(ctx, textMessage(chatID, "assistant", "long", &root.ID))
			Expect(err).NotTo(HaveOccurred())

			Expect(driver.UpdateBranchHead(ctx, chatID, chat.MainBranch, long.ID)).To(Succeed())
			_, err = driver.CreateBranch(ctx, &chat.Branch{ChatID: chatID, Name: "stub", HeadMessageID: &root.ID})
			Expect(err).NotTo(HaveOccurred())

			branches, err := driver.ListBranches(ctx, chatID)
			Expect(err).NotTo(HaveOccurred())

			counts := map[string]int{}
			for _, b := range branches {
				counts[b.Name] = b.MessageCount
			}
			Expect(counts[chat.MainBranch]).To(Equal(2))
			Expect(counts["stub"]).To(Equal(1))
		})
	})

	Describe("SearchMessages", func() {
		var chatID string

		BeforeEach(func() {
			c, err := driver.CreateChat(ctx, &chat.Chat{OwnerID: "alice"})
			Expect(err).NotTo(HaveOccurred())
			chatID = c.ID

			_, err = driver.AddMessage(ctx, textMessage(chatID, "user", "tell me about channels", nil))
			Expect(err).NotTo(HaveOccurred())
			_, err = driver.AddMessage(ctx, textMessage(chatID, "assistant", "channels carry values between goroutines", nil))
			Expect(err).NotTo(HaveOccurred())
		})

		It("matches case-insensitively with highlighted snippets", func() {
			results, err := driver.SearchMessages(ctx, chatID, "CHANNELS", chat.SearchOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(HaveLen(2))
			Expect(results[0].Snippet).To(ContainSubstring("["))
		})

		It("filters by name", func() {
			results, err := driver.SearchMessages(ctx, chatID, "channels", chat.SearchOptions{Names: []string{"user"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(HaveLen(1))
			Expect(results[0].Name).To(Equal("user"))
		})

		It("honors the limit", func() {
			results, err := driver.SearchMessages(ctx, chatID, "channels", chat.SearchOptions{Limit: 1})
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(HaveLen(1))
		})
	})

	Describe("Streams", func() {
		It("keeps status transitions monotonic", func() {
			_, err := driver.CreateStream(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())

			Expect(driver.UpdateStreamStatus(ctx, "s1", stream.StatusRunning, "")).To(Succeed())
			Expect(driver.UpdateStreamStatus(ctx, "s1", stream.StatusCancelled, "")).To(Succeed())
			Expect(driver.UpdateStreamStatus(ctx, "s1", stream.StatusCompleted, "")).To(Succeed())

			status, err := driver.GetStreamStatus(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(stream.StatusCancelled))
		})

		It("rejects duplicate chunk sequence numbers atomically", func() {
			_, err := driver.CreateStream(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())

			now := chat.NowMillis()
			Expect(driver.AppendChunks(ctx, "s1", []stream.Chunk{
				{StreamID: "s1", Seq: 0, Data: []byte("a"), CreatedAt: now},
			})).To(Succeed())

			err = driver.AppendChunks(ctx, "s1", []stream.Chunk{
				{StreamID: "s1", Seq: 1, Data: []byte("b"), CreatedAt: now},
				{StreamID: "s1", Seq: 0, Data: []byte("dup"), CreatedAt: now},
			})
			Expect(err).To(HaveOccurred())

			got, err := driver.GetChunks(ctx, "s1", 0, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(HaveLen(1))
		})

		It("is safe under concurrent appends to different streams", func() {
			var wg sync.WaitGroup
			for i := range 8 {
				id := chat.NewID()
				_, err := driver.CreateStream(ctx, id)
				Expect(err).NotTo(HaveOccurred())

				wg.Add(1)
				go func(id string, n int) {
					defer GinkgoRecover()
					defer wg.Done()
					for seq := range 50 {
						err := driver.AppendChunks(ctx, id, []stream.Chunk{
							{StreamID: id, Seq: int64(seq), Data: []byte{byte(n)}, CreatedAt: chat.NowMillis()},
						})
						Expect(err).NotTo(HaveOccurred())
					}
				}(id, i)
			}
			wg.Wait()
		})
	})
})
