package replay_test

import (
	"context"
	"io"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/spool/pkg/replay"
)

var _ = Describe("ScannerSource", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	It("yields lines in order and then io.EOF", func() {
		src := replay.NewScannerSource(strings.NewReader("one\ntwo\nthree\n"))

		for _, want := range []string{"one", "two", "three"} {
			chunk, err := src.Next(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(chunk)).To(Equal(want))
		}

		_, err := src.Next(ctx)
		Expect(err).To(MatchError(io.EOF))
	})

	It("skips blank lines", func() {
		src := replay.NewScannerSource(strings.NewReader("one\n\n\ntwo\n"))

		chunk, err := src.Next(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(chunk)).To(Equal("one"))

		chunk, err = src.Next(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(chunk)).To(Equal("two"))
	})

	It("handles a final line without a trailing newline", func() {
		src := replay.NewScannerSource(strings.NewReader("solo"))

		chunk, err := src.Next(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(chunk)).To(Equal("solo"))

		_, err = src.Next(ctx)
		Expect(err).To(MatchError(io.EOF))
	})

	It("returns chunks that survive subsequent reads", func() {
		src := replay.NewScannerSource(strings.NewReader("first\nsecond\n"))

		first, err := src.Next(ctx)
		Expect(err).NotTo(HaveOccurred())

		_, err = src.Next(ctx)
		Expect(err).NotTo(HaveOccurred())

		Expect(string(first)).To(Equal("first"))
	})

	It("honors context cancellation between reads", func() {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		src := replay.NewScannerSource(strings.NewReader("one\n"))
		_, err := src.Next(cancelled)
		Expect(err).To(MatchError(context.Canceled))
	})
})
