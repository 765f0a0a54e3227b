package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/4xmen/taskchat/internal/attach"
	"github.com/4xmen/taskchat/internal/auth"
	"github.com/4xmen/taskchat/internal/db"
	"github.com/4xmen/taskchat/internal/handlers"
	"github.com/4xmen/taskchat/internal/metrics"
	"github.com/4xmen/taskchat/internal/push"
	"github.com/4xmen/taskchat/internal/ws"
	"github.com/4xmen/taskchat/pkg/config"
	"github.com/4xmen/taskchat/pkg/i18n"
	"github.com/4xmen/taskchat/pkg/logging"
)

var __ = i18n.Translate

func rateLimitMiddleware(limiterInstance *limiter.Limiter, endpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		limiterContext, err := limiterInstance.Get(c.Request.Context(), c.ClientIP())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": __("rate limiter error")})
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(limiterContext.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(limiterContext.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(limiterContext.Reset, 10))

		if limiterContext.Reached {
			metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": __("rate limit exceeded")})
			return
		}

		c.Next()
	}
}

type responseBodyWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w responseBodyWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w responseBodyWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

func serverErrorLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		blw := &responseBodyWriter{body: bytes.NewBuffer(nil), ResponseWriter: c.Writer}
		c.Writer = blw

		c.Next()

		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Error().
				Int("status", c.Writer.Status()).
				Str("method", c.Request.Method).
				Str("path", c.Request.URL.Path).
				Str("ip", c.ClientIP()).
				Dur("duration", time.Since(start)).
				Str("errors", c.Errors.ByType(gin.ErrorTypeAny).String()).
				Str("response", strings.TrimSpace(blw.body.String())).
				Msg("server error")
		}
	}
}

// requestMetrics labels requests by route template, not raw path.
func requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

func panicRecovery(logger zerolog.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.Error().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("ip", c.ClientIP()).
			Interface("error", recovered).
			Bytes("stack", debug.Stack()).
			Msg("panic recovered")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": __("internal server error")})
	})
}

func corsMiddleware(origins string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", origins)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Environment, cfg.LogLevel)

	if len(os.Args) > 1 {
		if err := runCommand(cfg, logger, os.Args[1:]); err != nil {
			logger.Fatal().Err(err).Msg("command failed")
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runServer(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("failed to start server")
	}
}

func runCommand(cfg *config.Config, logger zerolog.Logger, args []string) error {
	command := args[0]

	switch command {
	case "status":
		return runStatus(cfg, os.Stdout, args[1:])
	case "send":
		return runSend(context.Background(), cfg, logger, os.Stdout, args[1:])
	case "migrate":
		return runMigrate(cfg, os.Stdout, args[1:])
	case "-h", "--help", "help":
		printUsage(os.Stdout)
		return nil
	default:
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  taskchat                                   Start the relay server")
	fmt.Fprintln(out, "  taskchat status [--json]                   Show store statistics")
	fmt.Fprintln(out, "  taskchat send --to <userId> --message <text> [--timeout 10s]")
	fmt.Fprintln(out, "  taskchat migrate room-keys [--dry-run] [--database <path>]")
}

// newRouter wires every HTTP route.
func newRouter(cfg *config.Config, logger zerolog.Logger, database *db.DB, hub *ws.Hub, notifier *push.Notifier) *gin.Engine {
	authSvc := auth.New(database.GetConn(), cfg.JWTSecret)
	authHandler := handlers.NewAuthHandler(authSvc)
	msgHandler := handlers.NewMessageHandler(database, hub)
	pushHandler := handlers.NewPushHandler(notifier)

	router := gin.New()
	router.Use(serverErrorLogger(logger))
	router.Use(requestMetrics())
	router.Use(panicRecovery(logger))
	router.Use(corsMiddleware(cfg.CORSOrigins))

	// Public endpoints
	api := router.Group("/api")
	{
		loginLimiter := limiter.New(memory.NewStore(), limiter.Rate{Period: time.Minute, Limit: 5})
		registerLimiter := limiter.New(memory.NewStore(), limiter.Rate{Period: time.Minute, Limit: 2})

		api.POST("/auth/register", rateLimitMiddleware(registerLimiter, "register"), authHandler.Register)
		api.POST("/auth/login", rateLimitMiddleware(loginLimiter, "login"), authHandler.Login)
		api.GET("/push/vapid-key", pushHandler.VAPIDKey)
	}

	// Protected endpoints
	protected := api.Group("")
	protected.Use(authHandler.AuthMiddleware())
	{
		protected.GET("/rooms/:roomId/messages", msgHandler.GetRoomMessages)
		protected.DELETE("/messages/:id", msgHandler.DeleteMessage)
		protected.GET("/users/online", msgHandler.GetOnlineUsers)

		protected.GET("/projects/:projectId/tasks/:taskId/assignees", msgHandler.GetTaskAssignees)
		protected.PUT("/projects/:projectId/tasks/:taskId/assignees/:userId", msgHandler.AssignUser)
		protected.DELETE("/projects/:projectId/tasks/:taskId/assignees/:userId", msgHandler.UnassignUser)

		protected.POST("/push/subscribe", pushHandler.Subscribe)
	}

	router.GET("/ws", authHandler.AuthMiddleware(), hub.HandleWebSocket)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "online": len(hub.OnlineUsers())})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": __("not found")})
	})

	return router
}

func runServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	if err := ensureRoomKeysCanonical(cfg.DatabasePath); err != nil {
		return err
	}

	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	notifier := push.NewNotifier(database.GetConn(), cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, logger)
	if notifier == nil {
		logger.Info().Msg("VAPID keys not set, push notifications disabled")
	}

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	limits := attach.Limits{MaxSize: cfg.MaxUploadSize, ChunkSize: cfg.ChunkSize}
	hub := ws.NewHub(database, notifier, limits, logger)
	go hub.Run(hubCtx)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf("0.0.0.0:%s", cfg.Port),
		Handler: newRouter(cfg, logger, database, hub, notifier),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("starting server")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stopHub()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
