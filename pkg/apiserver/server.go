package apiserver

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/stepflow/stepflow/pkg/apiserver/handlers"
	"github.com/stepflow/stepflow/pkg/apiserver/middleware"
	"github.com/stepflow/stepflow/pkg/auth"
	"github.com/stepflow/stepflow/pkg/config"
	"github.com/stepflow/stepflow/pkg/dsl"
	"github.com/stepflow/stepflow/pkg/engine"
	"github.com/stepflow/stepflow/pkg/eventbus"
	"github.com/stepflow/stepflow/pkg/store/postgres"
)

type Server struct {
	router      *gin.Engine
	db          *postgres.Store
	executor    *engine.Executor
	registry    *engine.Registry
	bus         *eventbus.Bus
	idempotency middleware.IdempotencyStore
	cfg         *config.Config
	logger      *zap.Logger
}

func NewServer(
	db *postgres.Store,
	executor *engine.Executor,
	registry *engine.Registry,
	bus *eventbus.Bus,
	cfg *config.Config,
	logger *zap.Logger,
) *Server {
	s := &Server{
		db:       db,
		executor: executor,
		registry: registry,
		bus:      bus,
		cfg:      cfg,
		logger:   logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	var db *gorm.DB
	if s.db != nil {
		db = s.db.DB()
	}
	s.idempotency = postgres.NewIdempotencyRepository(db)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.Logger(s.logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.CORS())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	tokens := auth.NewTokenManager([]byte(s.cfg.Auth.JWTSecret), s.cfg.Auth.TokenTTL)
	idempotent := middleware.Idempotency(s.idempotency, s.logger)

	api := r.Group("/api/v1")
	{
		api.Use(middleware.Auth(tokens))

		// Published definitions reference handler types by name, so validate
		// against whatever is actually registered.
		validator := dsl.NewValidatorWithTypes(s.registry.Types())
		definitionHandler := handlers.NewDefinitionHandler(
			postgres.NewDefinitionRepository(db), validator, s.logger)
		api.POST("/definitions", idempotent, definitionHandler.Create)
		api.GET("/definitions", definitionHandler.List)
		api.GET("/definitions/:code", definitionHandler.Get)
		api.POST("/definitions/:code/versions", idempotent, definitionHandler.CreateVersion)
		api.GET("/definitions/:code/versions/:version", definitionHandler.GetVersion)
		api.PUT("/definitions/:code/versions/:version", definitionHandler.UpdateDraft)
		api.POST("/definitions/:code/versions/:version/publish", definitionHandler.Publish)
		api.POST("/definitions/:code/versions/:version/unpublish", definitionHandler.Unpublish)
		api.POST("/definitions/validate", definitionHandler.Validate)

		var feed handlers.StatusFeed
		if s.bus != nil {
			feed = s.bus
		}
		runHandler := handlers.NewRunHandler(s.executor, postgres.NewRunRepository(db), feed, s.logger)
		api.POST("/runs", idempotent, runHandler.Start)
		api.GET("/runs/:id", runHandler.Get)
		api.GET("/runs/:id/history", runHandler.History)
		api.GET("/runs/:id/watch", runHandler.Watch)
		api.POST("/runs/:id/resume", idempotent, runHandler.Resume)
		api.POST("/runs/:id/signal", idempotent, runHandler.Signal)
		api.POST("/runs/:id/cancel", runHandler.Cancel)
	}

	s.router = r
}

func (s *Server) Router() *gin.Engine {
	return s.router
}
