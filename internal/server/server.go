// Package server contains HTTP and WebSocket handlers for the application's API endpoints.
package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"huddle/internal/config"
	"huddle/internal/featureflags"
	"huddle/internal/middleware"
	"huddle/internal/models"
	"huddle/internal/notifications"
	"huddle/internal/queue"
	"huddle/internal/repository"
	"huddle/internal/service"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// globalRateLimit is the per-IP request budget per minute.
const globalRateLimit = 300

// Server holds all dependencies and provides handlers
type Server struct {
	config         *config.Config
	db             *gorm.DB
	redis          *redis.Client
	app            *fiber.App
	promMiddleware *fiberprometheus.FiberPrometheus
	shutdownCtx    context.Context
	shutdownFn     context.CancelFunc
	store          *repository.Store
	tasks          queue.Client
	featureFlags   *featureflags.Manager

	hub         *notifications.Hub
	broadcaster *notifications.Broadcaster
	presence    *notifications.PresenceSupervisor

	typingThrottle  *middleware.Throttle
	messageThrottle *middleware.Throttle

	perms         *service.PermissionService
	membership    *service.MembershipService
	moderation    *service.ModerationService
	receipts      *service.ReceiptService
	messages      *service.MessageService
	notifications *service.NotificationService
}

// NewServerWithDeps creates a Server using already-initialized dependencies.
// redisClient may be nil for a single instance; tasks may be nil, in which case
// background work runs inline.
func NewServerWithDeps(cfg *config.Config, db *gorm.DB, redisClient *redis.Client, tasks queue.Client) (*Server, error) {
	if cfg == nil || db == nil {
		return nil, errors.New("server: config and database are required")
	}
	store := repository.NewStore(db)
	perms := service.NewPermissionService(store, nil)

	hub := notifications.NewHub(perms, store.Conversations, notifications.HubConfig{
		MaxConnsPerUser: cfg.MaxConnsPerUser,
		MaxTotalConns:   cfg.MaxTotalConns,
	})
	var notifier *notifications.Notifier
	if redisClient != nil {
		notifier = notifications.NewNotifier(redisClient)
	}
	broadcaster := notifications.NewBroadcaster(hub, notifier)
	rt := service.Realtime{Events: broadcaster, Subscriptions: broadcaster, Viewers: hub}

	var inline *queue.Inline
	if tasks == nil {
		inline = queue.NewInline()
		tasks = inline
	}

	locks := service.NewConversationLocks()
	notificationSvc := service.NewNotificationService(store, perms, rt)
	receipts := service.NewReceiptService(store, perms, rt)
	messages := service.NewMessageService(store, perms, receipts, rt, tasks)
	membership := service.NewMembershipService(store, perms, locks, rt, notificationSvc)
	moderation := service.NewModerationService(store, perms, membership, messages, locks, rt, notificationSvc)
	messages.SetModeration(moderation)

	presence := notifications.NewPresenceSupervisor(store.Presence, store.Conversations, broadcaster, redisClient,
		notifications.PresenceConfig{
			GracePeriod:      cfg.PresenceGrace(),
			BroadcastDelay:   cfg.PresenceBroadcastDelay(),
			HeartbeatTimeout: cfg.HeartbeatTimeout(),
		})
	presence.SetSessionCloser(hub.CloseSession)
	hub.SetReadMarker(receipts)
	hub.SetPresence(presence)

	flags := featureflags.NewManager(cfg.FeatureFlags)
	if invalid := flags.Invalid(); len(invalid) > 0 {
		middleware.Logger.Warn("ignoring malformed feature flags", slog.Any("entries", invalid))
	}

	s := &Server{
		config:          cfg,
		db:              db,
		redis:           redisClient,
		promMiddleware:  middleware.InitMetrics("huddle-api"),
		store:           store,
		tasks:           tasks,
		featureFlags:    flags,
		hub:             hub,
		broadcaster:     broadcaster,
		presence:        presence,
		typingThrottle:  middleware.NewThrottle(redisClient, "typing", 10, 10*time.Second),
		messageThrottle: middleware.NewThrottle(redisClient, "send_message_ws", 15, time.Minute),
		perms:           perms,
		membership:      membership,
		moderation:      moderation,
		receipts:        receipts,
		messages:        messages,
		notifications:   notificationSvc,
	}
	if inline != nil {
		s.RegisterTaskHandlers(inline)
	}
	return s, nil
}

// RegisterTaskHandlers binds the background task handlers to a queue worker.
func (s *Server) RegisterTaskHandlers(worker queue.Server) {
	worker.Register(service.TaskMessageCreated, s.notifications.HandleTask)
}

// SetupMiddleware configures middleware for the Fiber app
func (s *Server) SetupMiddleware(app *fiber.App) {
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(middleware.ContextMiddleware())

	if s.promMiddleware != nil {
		app.Use(middleware.MetricsMiddleware(s.promMiddleware))
	}

	app.Use(helmet.New())
	app.Use(middleware.TracingMiddleware())
	app.Use(middleware.StructuredLogger())

	// CORS runs before anything that can short-circuit so error responses still carry its headers.
	origins := s.config.AllowedOrigins
	if origins == "" {
		origins = "http://localhost:5173,http://localhost:3000,http://127.0.0.1:5173"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowCredentials: origins != "*",
		MaxAge:           86400,
	}))

	app.Use(limiter.New(limiter.Config{
		Max:        globalRateLimit,
		Expiration: 1 * time.Minute,
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(models.ErrorResponse{
				Error: "Too many requests, please try again later.",
			})
		},
	}))
}

// SetupRoutes configures all routes for the application
func (s *Server) SetupRoutes(app *fiber.App) {
	app.Get("/health/live", s.LivenessCheck)
	app.Get("/health/ready", s.ReadinessCheck)
	if s.promMiddleware != nil {
		s.promMiddleware.RegisterAt(app, "/metrics")
	}

	// Every /api route, WebSocket upgrades included, authenticates exactly once here.
	protected := app.Group("/api", s.AuthRequired())

	protected.Get("/feature-flags", s.GetFeatureFlags)

	// Specific /:id/:resource routes are registered before anything generic.
	conversations := protected.Group("/conversations")
	conversations.Get("/:id/members", s.ListMembers)
	conversations.Post("/:id/members", s.AddMembers)
	conversations.Delete("/:id/members/:userId", s.RemoveMember)
	conversations.Patch("/:id/members/:userId/role", s.ChangeRole)
	conversations.Post("/:id/leave", s.LeaveConversation)
	conversations.Post("/:id/owner", s.TransferOwnership)
	conversations.Post("/:id/moderation", middleware.RateLimit(
		s.redis, 30, time.Minute, "moderation"), s.ApplyModeration)
	conversations.Get("/:id/moderation", s.ListModerationActions)
	conversations.Get("/:id/messages", s.ListMessages)
	conversations.Post("/:id/messages", middleware.RateLimit(
		s.redis, 15, time.Minute, "send_message"), s.SendMessage)
	conversations.Post("/:id/read", s.MarkConversationRead)
	conversations.Get("/:id/unread", s.GetUnreadCount)
	conversations.Get("/:id/presence", s.GetConversationPresence)

	messages := protected.Group("/messages")
	messages.Post("/delivered", s.MarkDelivered)
	messages.Get("/:id/receipts", s.GetReadStats)
	messages.Patch("/:id", s.EditMessage)
	messages.Delete("/:id", s.DeleteMessage)

	notifs := protected.Group("/notifications")
	notifs.Get("/unread-count", s.GetNotificationUnreadCount)
	notifs.Post("/read", s.MarkNotificationsRead)
	notifs.Get("/", s.ListNotifications)

	protected.Post("/ws/ticket", middleware.RateLimit(
		s.redis, 20, time.Minute, "ws_ticket"), s.IssueWSTicket)
	protected.Get("/ws", s.WebsocketHandler())
}

// LivenessCheck handles liveness probe requests
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "up",
		"time":   time.Now(),
	})
}

// ReadinessCheck handles readiness probe requests. Redis is optional; when it is
// configured it must answer.
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	dbStatus := "healthy"
	sqlDB, err := s.db.DB()
	if err != nil {
		dbStatus = "unhealthy"
	} else if err := sqlDB.PingContext(ctx); err != nil {
		dbStatus = "unhealthy"
	}

	redisStatus := "disabled"
	if s.redis != nil {
		redisStatus = "healthy"
		if err := s.redis.Ping(ctx).Err(); err != nil {
			redisStatus = "unhealthy"
		}
	}

	status := fiber.StatusOK
	overallStatus := "healthy"
	if dbStatus == "unhealthy" || redisStatus == "unhealthy" {
		status = fiber.StatusServiceUnavailable
		overallStatus = "unhealthy"
	}

	return c.Status(status).JSON(fiber.Map{
		"status": overallStatus,
		"checks": fiber.Map{
			"database": dbStatus,
			"redis":    redisStatus,
		},
		"sessions": s.hub.SessionCount(),
		"time":     time.Now(),
	})
}

// NewApp builds the fiber app with middleware and routes installed.
func (s *Server) NewApp() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName: "huddle",
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			var fe *fiber.Error
			if errors.As(err, &fe) {
				return c.Status(fe.Code).JSON(models.ErrorResponse{Error: fe.Message})
			}
			return respondError(c, err)
		},
	})
	s.SetupMiddleware(app)
	s.SetupRoutes(app)
	return app
}

// Start subscribes to the cross-instance relay and serves HTTP until Shutdown.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.shutdownCtx = ctx
	s.shutdownFn = cancel

	if err := s.broadcaster.Start(ctx); err != nil {
		middleware.Logger.Warn("redis relay unavailable, delivering locally only", slog.String("error", err.Error()))
	}

	s.app = s.NewApp()
	middleware.Logger.Info("server starting", slog.String("port", s.config.Port))
	return s.app.Listen(":" + s.config.Port)
}

// Shutdown gracefully shuts down the server. The database and Redis handles
// belong to the caller.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.shutdownFn != nil {
		s.shutdownFn()
	}

	if s.app != nil {
		if err := s.app.ShutdownWithContext(ctx); err != nil {
			middleware.Logger.Error("error shutting down HTTP server", slog.String("error", err.Error()))
		}
	}

	s.presence.Stop()
	if err := s.hub.Shutdown(ctx); err != nil {
		middleware.Logger.Error("error shutting down hub", slog.String("hub", s.hub.Name()), slog.String("error", err.Error()))
	}

	middleware.Logger.Info("server shutdown complete")
	return nil
}
