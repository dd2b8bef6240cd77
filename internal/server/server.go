package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cadencehq/cadence/internal/clock"
	"github.com/cadencehq/cadence/internal/config"
	"github.com/cadencehq/cadence/internal/service"
)

type Server struct {
	Config *config.Config
	DB     *gorm.DB
	Router *gin.Engine
	Logger *zap.Logger
	Server *http.Server
	Clock  clock.Clock

	// Services
	Content      *service.ContentService
	Freshness    *service.FreshnessService
	Deliverables *service.DeliverableService
	Versions     *service.VersionService
	Triggers     *service.TriggerService
	Delivery     *service.DeliveryService
	Activity     *service.ActivityService
	Auth         *service.AuthService
	Scheduler    *service.Scheduler

	manualInterval time.Duration
	manualMu       sync.Mutex
	manualLast     map[string]time.Time
}

// NewServer wires the full service graph. The synthesizer and destination
// clients are external collaborators injected by the caller.
func NewServer(cfg *config.Config, logger *zap.Logger, synthesizer service.Synthesizer, deliverers []service.Deliverer) (*Server, error) {
	// Set gin mode
	gin.SetMode(cfg.Server.Mode)

	// Initialize database
	db, err := service.NewDatabase(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	clk := clock.System()

	// Initialize services
	activity := service.NewActivityService(db, logger)
	content := service.NewContentService(db, logger, clk, &cfg.Retention)
	freshness := service.NewFreshnessService(db, logger, clk)
	deliverables := service.NewDeliverableService(db, logger, clk, activity)
	versions := service.NewVersionService(db, logger, clk, activity)
	triggers := service.NewTriggerService(db, logger, clk, activity, &cfg.Triggers)
	delivery := service.NewDeliveryService(db, logger, clk)
	for _, d := range deliverers {
		if err := delivery.RegisterDeliverer(d); err != nil {
			return nil, err
		}
	}

	runner := service.NewRunner(logger, clk, content, freshness, versions, delivery, activity,
		synthesizer, &cfg.Triggers, &cfg.Scheduler)
	scheduler := service.NewScheduler(&cfg.Scheduler, logger, triggers, runner, content)
	auth := service.NewAuthService(logger, cfg.Admin.TOTPSecret)

	manualInterval, err := time.ParseDuration(cfg.Admin.ManualTriggerInterval)
	if err != nil {
		manualInterval = 5 * time.Minute
	}

	// Create router
	router := gin.New()

	srv := &Server{
		Config:         cfg,
		DB:             db,
		Router:         router,
		Logger:         logger,
		Clock:          clk,
		Content:        content,
		Freshness:      freshness,
		Deliverables:   deliverables,
		Versions:       versions,
		Triggers:       triggers,
		Delivery:       delivery,
		Activity:       activity,
		Auth:           auth,
		Scheduler:      scheduler,
		manualInterval: manualInterval,
		manualLast:     make(map[string]time.Time),
	}

	// Setup middleware and routes
	srv.setupMiddleware()
	srv.setupRoutes()

	return srv, nil
}

func (s *Server) setupMiddleware() {
	// Recovery middleware
	s.Router.Use(gin.Recovery())

	// Logger middleware
	s.Router.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
				param.ClientIP,
				param.TimeStamp.Format(time.RFC3339),
				param.Method,
				param.Path,
				param.Request.Proto,
				param.StatusCode,
				param.Latency,
				param.Request.UserAgent(),
				param.ErrorMessage,
			)
		},
	}))

	// CORS middleware
	s.Router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Admin-Token")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})
}

func (s *Server) setupRoutes() {
	// Health check
	s.Router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})

	// API routes
	api := s.Router.Group("/api/v1")
	{
		deliverables := api.Group("/deliverables")
		{
			deliverables.GET("", s.handleListDeliverables)
			deliverables.POST("", s.handleCreateDeliverable)
			deliverables.GET("/:id", s.handleGetDeliverable)
			deliverables.GET("/:id/versions", s.handleVersionHistory)
			deliverables.POST("/:id/pause", s.handlePauseDeliverable)
			deliverables.POST("/:id/resume", s.handleResumeDeliverable)
			deliverables.POST("/:id/suggest", s.handleSuggestVersion)
		}

		versions := api.Group("/versions")
		{
			versions.GET("/:id", s.handleGetVersion)
			versions.POST("/:id/accept", s.handleAcceptSuggested)
			versions.POST("/:id/review", s.handleStartReview)
			versions.POST("/:id/approve", s.handleApproveVersion)
			versions.POST("/:id/reject", s.handleRejectVersion)
			versions.POST("/:id/retry-delivery", s.handleRetryDelivery)
		}

		api.GET("/freshness", s.handleListFreshness)
		api.GET("/activity", s.handleActivity)

		// Collaborator entrypoints
		api.POST("/ingest", s.handleIngest)
		api.POST("/events", s.handleEvent)
		api.POST("/signals", s.handleSignal)

		admin := api.Group("/admin", s.Auth.AdminMiddleware())
		{
			admin.POST("/retain", s.handleRetain)
			admin.POST("/cleanup", s.handleCleanup)
			admin.POST("/deliverables/:id/trigger", s.handleManualTrigger)
		}
	}
}

func (s *Server) Start(ctx context.Context) error {
	// Start scheduler
	if err := s.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", s.Config.Server.Host, s.Config.Server.Port)

	s.Server = &http.Server{
		Addr:    addr,
		Handler: s.Router,
	}

	s.Logger.Info("Starting HTTP server", zap.String("addr", addr))

	if s.Config.Server.CertFile != "" && s.Config.Server.KeyFile != "" {
		return s.Server.ListenAndServeTLS(s.Config.Server.CertFile, s.Config.Server.KeyFile)
	}

	return s.Server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	// Stop scheduler first
	s.Scheduler.Stop()

	if s.Server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	return s.Server.Shutdown(shutdownCtx)
}

// allowManualTrigger enforces the per-user manual trigger rate limit.
func (s *Server) allowManualTrigger(userID string) bool {
	s.manualMu.Lock()
	defer s.manualMu.Unlock()

	now := s.Clock.Now()
	if last, ok := s.manualLast[userID]; ok && now.Sub(last) < s.manualInterval {
		return false
	}
	s.manualLast[userID] = now
	return true
}
