package api

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/papercomputeco/spool/pkg/replay"
	"github.com/papercomputeco/spool/pkg/store"
)

// Server is the API server for managing and querying the Spool system.
type Server struct {
	config  Config
	storer  store.Driver
	manager *replay.Manager
	logger  *zap.Logger
	app     *fiber.App
}

// NewServer creates a new API server. The storer and manager are injected
// so they can be shared with other components.
func NewServer(config Config, storer store.Driver, manager *replay.Manager, logger *zap.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	s := &Server{
		config:  config,
		storer:  storer,
		manager: manager,
		logger:  logger,
		app:     app,
	}

	app.Get("/ping", s.handlePing)

	app.Post("/chats", s.handleCreateChat)
	app.Put("/chats", s.handleUpsertChat)
	app.Get("/chats", s.handleListChats)
	app.Get("/chats/:id", s.handleGetChat)
	app.Patch("/chats/:id", s.handleUpdateChat)
	app.Delete("/chats/:id", s.handleDeleteChat)

	app.Post("/chats/:id/messages", s.handleAddMessage)
	app.Get("/messages/:id", s.handleGetMessage)
	app.Get("/messages/:id/chain", s.handleGetChain)

	app.Post("/chats/:id/branches", s.handleCreateBranch)
	app.Get("/chats/:id/branches", s.handleListBranches)
	app.Get("/chats/:id/branches/:name", s.handleGetBranch)
	app.Put("/chats/:id/branches/:name/activate", s.handleActivateBranch)
	app.Put("/chats/:id/branches/:name/head", s.handleUpdateBranchHead)

	app.Post("/chats/:id/checkpoints", s.handleCreateCheckpoint)
	app.Get("/chats/:id/checkpoints", s.handleListCheckpoints)
	app.Get("/chats/:id/checkpoints/:name", s.handleGetCheckpoint)
	app.Delete("/chats/:id/checkpoints/:name", s.handleDeleteCheckpoint)

	app.Get("/chats/:id/search", s.handleSearch)
	app.Get("/chats/:id/graph", s.handleGetGraph)

	app.Post("/streams/:id", s.handleRegisterStream)
	app.Get("/streams/:id", s.handleGetStream)
	app.Post("/streams/:id/persist", s.handlePersistStream)
	app.Get("/streams/:id/chunks", s.handleGetChunks)
	app.Get("/streams/:id/watch", s.handleWatchStream)
	app.Post("/streams/:id/cancel", s.handleCancelStream)
	app.Post("/streams/:id/reopen", s.handleReopenStream)
	app.Delete("/streams/:id", s.handleDeleteStream)

	return s
}

// Run starts the API server on the configured address.
func (s *Server) Run() error {
	s.logger.Info("starting API server",
		zap.String("listen", s.config.ListenAddr),
	)
	return s.app.Listen(s.config.ListenAddr)
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
