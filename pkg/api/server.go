// Package api provides the HTTP surface: run lifecycle and leases, approval
// decisions, egress, messages (rate-limited hot path), secrets, and
// event/projection reads.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/warden-sh/warden/pkg/approval"
	"github.com/warden-sh/warden/pkg/auth"
	"github.com/warden-sh/warden/pkg/config"
	"github.com/warden-sh/warden/pkg/database"
	"github.com/warden-sh/warden/pkg/egress"
	"github.com/warden-sh/warden/pkg/events"
	"github.com/warden-sh/warden/pkg/eventstore"
	"github.com/warden-sh/warden/pkg/policy"
	"github.com/warden-sh/warden/pkg/ratelimit"
	"github.com/warden-sh/warden/pkg/runlease"
	"github.com/warden-sh/warden/pkg/secrets"
	"github.com/warden-sh/warden/pkg/services"
)

// Server is the HTTP API server.
type Server struct {
	cfg       *config.Config
	router    *gin.Engine
	httpServer *http.Server

	dbClient  *database.Client
	store     *eventstore.Store
	queries   *services.Queries
	runs      *runlease.Manager
	approvals *approval.Coordinator
	gateway   *egress.Gateway
	gate      *policy.Gate
	limiter   *ratelimit.Limiter
	secrets   *secrets.Store
	sessions  *auth.SessionStore
	listener  *events.Listener
}

// Deps bundles the server's collaborators.
type Deps struct {
	Config    *config.Config
	DBClient  *database.Client
	Store     *eventstore.Store
	Queries   *services.Queries
	Runs      *runlease.Manager
	Approvals *approval.Coordinator
	Gateway   *egress.Gateway
	Gate      *policy.Gate
	Limiter   *ratelimit.Limiter
	Secrets   *secrets.Store
	Sessions  *auth.SessionStore
	Listener  *events.Listener
}

// NewServer builds the router and registers all routes.
func NewServer(deps Deps) *Server {
	gin.SetMode(deps.Config.Server.GinMode)
	router := gin.New()

	s := &Server{
		cfg:       deps.Config,
		router:    router,
		dbClient:  deps.DBClient,
		store:     deps.Store,
		queries:   deps.Queries,
		runs:      deps.Runs,
		approvals: deps.Approvals,
		gateway:   deps.Gateway,
		gate:      deps.Gate,
		limiter:   deps.Limiter,
		secrets:   deps.Secrets,
		sessions:  deps.Sessions,
		listener:  deps.Listener,
	}

	router.Use(gin.Recovery())
	router.Use(requestContext())
	router.Use(requestLogger())
	router.Use(s.authenticate())

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/runs", s.handleCreateRun)
		v1.GET("/runs", s.handleListRuns)
		v1.GET("/runs/:id", s.handleGetRun)
		v1.POST("/runs/claim", s.handleClaimRun)
		v1.POST("/runs/:id/complete", s.handleCompleteRun)
		v1.POST("/runs/:id/fail", s.handleFailRun)
		v1.POST("/runs/:id/lease/heartbeat", s.handleHeartbeatRun)
		v1.POST("/runs/:id/lease/release", s.handleReleaseRun)

		v1.GET("/approvals", s.handleListApprovals)
		v1.POST("/approvals/:id/decide", s.handleDecideApproval)

		v1.GET("/incidents", s.handleListIncidents)

		v1.POST("/egress", s.handleEgress)
		v1.POST("/actions/authorize", s.handleAuthorize)

		v1.POST("/messages", s.handleCreateMessage)
		v1.GET("/messages/search", s.handleSearchMessages)

		v1.GET("/streams/:type/:id/events", s.handleReadStream)
		v1.GET("/streams/:type/:id/verify", s.handleVerifyStream)

		v1.PUT("/secrets/:name", s.handlePutSecret)
		v1.GET("/secrets/:name", s.handleGetSecret)
		v1.DELETE("/secrets/:name", s.handleDeleteSecret)
	}
}

// Start begins serving on the configured port. Blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              ":" + s.cfg.Server.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP server listening", "port", s.cfg.Server.Port)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}
