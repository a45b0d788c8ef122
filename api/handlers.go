package api

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/papercomputeco/spool/pkg/chat"
	"github.com/papercomputeco/spool/pkg/store"
)

// ErrorResponse is the JSON error payload returned by all handlers.
type ErrorResponse struct {
	Error string `json:"error"`
}

// errStatus maps a store error to an HTTP status and payload.
func errStatus(c *fiber.Ctx, err error) error {
	switch {
	case store.IsNotFound(err):
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{Error: err.Error()})
	case store.IsInvariant(err):
		return c.Status(fiber.StatusConflict).JSON(ErrorResponse{Error: err.Error()})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: err.Error()})
	}
}

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *fiber.Ctx) error {
	return c.JSON("pong")
}

func (s *Server) handleCreateChat(c *fiber.Ctx) error {
	var body chat.Chat
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}

	created, err := s.storer.CreateChat(c.Context(), &body)
	if err != nil {
		return errStatus(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(created)
}

func (s *Server) handleUpsertChat(c *fiber.Ctx) error {
	var body chat.Chat
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}

	upserted, err := s.storer.UpsertChat(c.Context(), &body)
	if err != nil {
		return errStatus(c, err)
	}
	return c.JSON(upserted)
}

func (s *Server) handleListChats(c *fiber.Ctx) error {
	ownerID := c.Query("owner_id")
	if ownerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "owner_id query parameter required"})
	}

	chats, err := s.storer.ListChats(c.Context(), ownerID)
	if err != nil {
		return errStatus(c, err)
	}
	return c.JSON(map[string]any{
		"count": len(chats),
		"chats": chats,
	})
}

func (s *Server) handleGetChat(c *fiber.Ctx) error {
	found, err := s.storer.GetChat(c.Context(), c.Params("id"))
	if err != nil {
		return errStatus(c, err)
	}
	if found == nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{Error: "chat not found"})
	}
	return c.JSON(found)
}

func (s *Server) handleUpdateChat(c *fiber.Ctx) error {
	var body struct {
		Title    *string        `json:"title"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}

	updated, err := s.storer.UpdateChat(c.Context(), &store.UpdateChat{
		ID:       c.Params("id"),
		Title:    body.Title,
		Metadata: body.Metadata,
	})
	if err != nil {
		return errStatus(c, err)
	}
	return c.JSON(updated)
}

func (s *Server) handleDeleteChat(c *fiber.Ctx) error {
	if err := s.storer.DeleteChat(c.Context(), c.Params("id")); err != nil {
		return errStatus(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleAddMessage(c *fiber.Ctx) error {
	var body chat.Message
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}
	body.ChatID = c.Params("id")

	added, err := s.storer.AddMessage(c.Context(), &body)
	if err != nil {
		return errStatus(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(added)
}

func (s *Server) handleGetMessage(c *fiber.Ctx) error {
	m, err := s.storer.GetMessage(c.Context(), c.Params("id"))
	if err != nil {
		return errStatus(c, err)
	}
	return c.JSON(m)
}

func (s *Server) handleGetChain(c *fiber.Ctx) error {
	path, err := s.storer.GetMessageChain(c.Context(), c.Params("id"))
	if err != nil {
		return errStatus(c, err)
	}
	return c.JSON(map[string]any{
		"depth":    len(path),
		"messages": path,
	})
}

func (s *Server) handleCreateBranch(c *fiber.Ctx) error {
	var body chat.Branch
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}
	body.ChatID = c.Params("id")

	created, err := s.storer.CreateBranch(c.Context(), &body)
	if err != nil {
		return errStatus(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(created)
}

func (s *Server) handleListBranches(c *fiber.Ctx) error {
	branches, err := s.storer.ListBranches(c.Context(), c.Params("id"))
	if err != nil {
		return errStatus(c, err)
	}
	return c.JSON(map[string]any{
		"count":    len(branches),
		"branches": branches,
	})
}

func (s *Server) handleGetBranch(c *fiber.Ctx) error {
	b, err := s.storer.GetBranch(c.Context(), c.Params("id"), c.Params("name"))
	if err != nil {
		return errStatus(c, err)
	}
	return c.JSON(b)
}

func (s *Server) handleActivateBranch(c *fiber.Ctx) error {
	b, err := s.storer.SetActiveBranch(c.Context(), c.Params("id"), c.Params("name"))
	if err != nil {
		return errStatus(c, err)
	}
	return c.JSON(b)
}

func (s *Server) handleUpdateBranchHead(c *fiber.Ctx) error {
	var body struct {
		HeadMessageID string `json:"head_message_id"`
	}
	if err := c.BodyParser(&body); err != nil || body.HeadMessageID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "head_message_id required"})
	}

	if err := s.storer.UpdateBranchHead(c.Context(), c.Params("id"), c.Params("name"), body.HeadMessageID); err != nil {
		return errStatus(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleCreateCheckpoint(c *fiber.Ctx) error {
	var body chat.Checkpoint
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}
	body.ChatID = c.Params("id")

	created, err := s.storer.CreateCheckpoint(c.Context(), &body)
	if err != nil {
		return errStatus(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(created)
}

func (s *Server) handleListCheckpoints(c *fiber.Ctx) error {
	checkpoints, err := s.storer.ListCheckpoints(c.Context(), c.Params("id"))
	if err != nil {
		return errStatus(c, err)
	}
	return c.JSON(map[string]any{
		"count":       len(checkpoints),
		"checkpoints": checkpoints,
	})
}

func (s *Server) handleGetCheckpoint(c *fiber.Ctx) error {
	cp, err := s.storer.GetCheckpoint(c.Context(), c.Params("id"), c.Params("name"))
	if err != nil {
		return errStatus(c, err)
	}
	return c.JSON(cp)
}

func (s *Server) handleDeleteCheckpoint(c *fiber.Ctx) error {
	if err := s.storer.DeleteCheckpoint(c.Context(), c.Params("id"), c.Params("name")); err != nil {
		return errStatus(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleSearch(c *fiber.Ctx) error {
	query := c.Query("q")
	if query == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "q query parameter required"})
	}

	opts := chat.SearchOptions{}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid limit"})
		}
		opts.Limit = n
	}
	if names := c.Query("name"); names != "" {
		opts.Names = append(opts.Names, names)
	}

	results, err := s.storer.SearchMessages(c.Context(), c.Params("id"), query, opts)
	if err != nil {
		return errStatus(c, err)
	}
	return c.JSON(map[string]any{
		"count":   len(results),
		"results": results,
	})
}

func (s *Server) handleGetGraph(c *fiber.Ctx) error {
	g, err := s.storer.GetGraph(c.Context(), c.Params("id"))
	if err != nil {
		return errStatus(c, err)
	}
	return c.JSON(g)
}
