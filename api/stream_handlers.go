package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/papercomputeco/spool/pkg/replay"
)

func (s *Server) handleRegisterStream(c *fiber.Ctx) error {
	st, created, err := s.manager.Register(c.Context(), c.Params("id"))
	if err != nil {
		return errStatus(c, err)
	}

	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(st)
}

func (s *Server) handleGetStream(c *fiber.Ctx) error {
	st, err := s.storer.GetStream(c.Context(), c.Params("id"))
	if err != nil {
		return errStatus(c, err)
	}
	if st == nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{Error: "stream not found"})
	}
	return c.JSON(st)
}

// handlePersistStream drains the request body — one chunk per line — into
// the stream's log and responds with the final stream record.
func (s *Server) handlePersistStream(c *fiber.Ctx) error {
	id := c.Params("id")
	src := replay.NewScannerSource(bytes.NewReader(c.Body()))

	if err := s.manager.Persist(c.Context(), id, src, nil); err != nil {
		return errStatus(c, err)
	}

	st, err := s.storer.GetStream(c.Context(), id)
	if err != nil {
		return errStatus(c, err)
	}
	if st == nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{Error: "stream not found"})
	}
	return c.JSON(st)
}

func (s *Server) handleGetChunks(c *fiber.Ctx) error {
	fromSeq, err := queryInt64(c, "from", 0)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid from"})
	}
	limit, err := queryInt64(c, "limit", 0)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid limit"})
	}

	id := c.Params("id")
	if _, err := s.storer.GetStreamStatus(c.Context(), id); err != nil {
		return errStatus(c, err)
	}

	chunks, err := s.storer.GetChunks(c.Context(), id, fromSeq, int(limit))
	if err != nil {
		return errStatus(c, err)
	}
	return c.JSON(map[string]any{
		"count":  len(chunks),
		"chunks": chunks,
	})
}

// handleWatchStream tails the stream's chunk log as newline-delimited JSON,
// replaying history and following live appends until the stream turns
// terminal.
func (s *Server) handleWatchStream(c *fiber.Ctx) error {
	fromSeq, err := queryInt64(c, "from", 0)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid from"})
	}

	id := c.Params("id")

	// context.Background() rather than c.Context(): fasthttp recycles its
	// RequestCtx once the handler returns, but the watcher goroutine keeps
	// writing until the stream finishes or the client hangs up.
	w, err := s.manager.Watch(context.Background(), id, fromSeq)
	if err != nil {
		return errStatus(c, err)
	}

	c.Set(fiber.HeaderContentType, "application/x-ndjson")

	// io.Pipe gives per-chunk flushing with direct backpressure: pw.Write
	// blocks until fasthttp's chunked writer pushes the line to the socket.
	pr, pw := io.Pipe()
	go s.watchToPipe(id, w, pw)

	c.Context().Response.SetBodyStream(pr, -1)
	return nil
}

func (s *Server) watchToPipe(id string, w *replay.Watcher, pw *io.PipeWriter) {
	defer w.Close()

	enc := json.NewEncoder(pw)
	for chunk := range w.C {
		if err := enc.Encode(chunk); err != nil {
			// Client hung up; stop tailing.
			pw.CloseWithError(err)
			return
		}
	}

	if err := w.Err(); err != nil {
		s.logger.Warn("stream watch ended with error",
			zap.String("stream_id", id),
			zap.Error(err),
		)
		pw.CloseWithError(err)
		return
	}
	pw.Close()
}

func (s *Server) handleCancelStream(c *fiber.Ctx) error {
	if err := s.manager.Cancel(c.Context(), c.Params("id")); err != nil {
		return errStatus(c, err)
	}
	return c.SendStatus(fiber.StatusAccepted)
}

func (s *Server) handleReopenStream(c *fiber.Ctx) error {
	st, err := s.manager.Reopen(c.Context(), c.Params("id"))
	if err != nil {
		return errStatus(c, err)
	}
	return c.JSON(st)
}

func (s *Server) handleDeleteStream(c *fiber.Ctx) error {
	if err := s.manager.Cleanup(c.Context(), c.Params("id")); err != nil {
		return errStatus(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func queryInt64(c *fiber.Ctx, key string, def int64) (int64, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, strconv.ErrRange
	}
	return n, nil
}
