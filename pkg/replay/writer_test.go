package replay_test

import (
	"context"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/spool/pkg/replay"
	"github.com/papercomputeco/spool/pkg/store"
	"github.com/papercomputeco/spool/pkg/store/inmemory"
	"github.com/papercomputeco/spool/pkg/stream"
)

// recordingStore wraps a StreamStore and records the size of every
// AppendChunks batch.
type recordingStore struct {
	store.StreamStore

	mu      sync.Mutex
	batches []int
}

func (r *recordingStore) AppendChunks(ctx context.Context, id string, chunks []stream.Chunk) error {
	r.mu.Lock()
	r.batches = append(r.batches, len(chunks))
	r.mu.Unlock()
	return r.StreamStore.AppendChunks(ctx, id, chunks)
}

func (r *recordingStore) batchSizes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.batches...)
}

var _ = Describe("Writer", func() {
	var (
		ctx context.Context
		db  *inmemory.Driver
		rec *recordingStore
	)

	BeforeEach(func() {
		ctx = context.Background()
		db = inmemory.NewDriver()
		rec = &recordingStore{StreamStore: db}

		_, err := db.CreateStream(ctx, "s1")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		db.Close()
	})

	Describe("immediate strategy", func() {
		It("persists each chunk before forwarding it", func() {
			var forwarded []string
			w := replay.NewWriter(rec, "s1", replay.WriterConfig{
				Strategy: replay.StrategyImmediate,
				Forward: func(chunk []byte) error {
					// The chunk must already be durable when forwarded.
					got, err := db.GetChunks(ctx, "s1", 0, 0)
					Expect(err).NotTo(HaveOccurred())
					Expect(string(got[len(got)-1].Data)).To(Equal(string(chunk)))

					forwarded = append(forwarded, string(chunk))
					return nil
				},
			})

			Expect(w.Write(ctx, []byte("a"))).To(Succeed())
			Expect(w.Write(ctx, []byte("b"))).To(Succeed())

			Expect(forwarded).To(Equal([]string{"a", "b"}))
			Expect(rec.batchSizes()).To(Equal([]int{1, 1}))
		})
	})

	Describe("buffered strategy", func() {
		It("forwards immediately and persists in flushSize batches", func() {
			var forwarded []string
			w := replay.NewWriter(rec, "s1", replay.WriterConfig{
				Strategy:  replay.StrategyBuffered,
				FlushSize: 2,
				Forward: func(chunk []byte) error {
					forwarded = append(forwarded, string(chunk))
					return nil
				},
			})

			Expect(w.Write(ctx, []byte("a"))).To(Succeed())
			Expect(w.Write(ctx, []byte("b"))).To(Succeed())
			Expect(w.Write(ctx, []byte("c"))).To(Succeed())

			// Two chunks flushed, one still pending, all three forwarded.
			Expect(forwarded).To(Equal([]string{"a", "b", "c"}))
			Expect(rec.batchSizes()).To(Equal([]int{2}))

			Expect(w.Complete(ctx)).To(Succeed())
			Expect(rec.batchSizes()).To(Equal([]int{2, 1}))

			status, err := db.GetStreamStatus(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(stream.StatusCompleted))

			got, err := db.GetChunks(ctx, "s1", 0, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(HaveLen(3))
			for i, c := range got {
				Expect(c.Seq).To(Equal(int64(i)))
			}
		})

		It("flushes remaining chunks on failure and records the cause", func() {
			w := replay.NewWriter(rec, "s1", replay.WriterConfig{
				Strategy:  replay.StrategyBuffered,
				FlushSize: 10,
			})

			Expect(w.Write(ctx, []byte("a"))).To(Succeed())
			Expect(w.Fail(ctx, context.DeadlineExceeded)).To(Succeed())

			got, err := db.GetChunks(ctx, "s1", 0, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(HaveLen(1))

			s, err := db.GetStream(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Status).To(Equal(stream.StatusFailed))
			Expect(s.Error).To(ContainSubstring("deadline"))
		})
	})

	It("assigns sequence numbers from zero", func() {
		w := replay.NewWriter(rec, "s1", replay.WriterConfig{})
		Expect(w.Seq()).To(Equal(int64(0)))
		Expect(w.Write(ctx, []byte("a"))).To(Succeed())
		Expect(w.Seq()).To(Equal(int64(1)))
	})
})
