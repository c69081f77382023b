package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/devdash/backend/api/handlers"
	"github.com/devdash/backend/internal/config"
	"github.com/devdash/backend/internal/db"
	"github.com/devdash/backend/internal/logger"
	"github.com/devdash/backend/internal/metrics"
	"github.com/devdash/backend/internal/model"
	"github.com/devdash/backend/internal/ratelimit"
	"github.com/devdash/backend/internal/repository"
	"github.com/devdash/backend/internal/ws"
)

var (
	version = "dev"
	commit  = "none"
)

type flags struct {
	configPath string
	addr       string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:           "devdash-server",
		Short:         "Realtime sync hub for the dev dashboard",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&f.configPath, "config", envOrDefault("DEVDASH_CONFIG", "config.yaml"), "Path to the YAML config file")
	root.Flags().StringVar(&f.addr, "addr", "", "HTTP listen address (overrides config)")
	root.Flags().StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("devdash-server %s (commit: %s)\n", version, commit)
		},
	}
}

func run(ctx context.Context, f *flags) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	if f.addr != "" {
		cfg.Server.Addr = f.addr
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("starting devdash server",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr),
		zap.String("ws_path", cfg.Server.WSPath),
		zap.Int("max_connections", cfg.Hub.MaxConnections),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	m, err := metrics.NewMetrics()
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	limiter := ratelimit.NewManager(cfg.RateLimit)

	opts := ws.ServiceOptions{
		Logger:  log,
		Metrics: m,
		Limiter: limiter,
	}

	var repo *repository.ConnectionRepository
	if cfg.Database.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
		database, err := db.InitDB(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer db.CloseDB()

		repo = repository.NewConnectionRepository(database)

		// Records left open by a previous process can never be closed by it
		n, err := repo.CloseAllOpen(ctx, time.Now(), model.CloseReasonShutdown)
		if err != nil {
			return fmt.Errorf("failed to close stale connection records: %w", err)
		}
		if n > 0 {
			log.Info("closed stale connection records", zap.Int64("count", n))
		}

		opts.Recorder = repository.NewBreakerRecorder(repo, repository.BreakerSettings{
			FailureThreshold: cfg.Database.FailureThreshold,
			OpenTimeout:      cfg.Database.BreakerTimeout,
		}, log)
		opts.Pruner = repo
		opts.Retention = cfg.Database.Retention
	}

	svc, err := ws.NewService(cfg.Hub, opts)
	if err != nil {
		return err
	}
	if err := svc.Start(); err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Warn("failed to close ws service", zap.Error(err))
		}
	}()

	ws.SetCheckOrigin(ws.AllowOrigins(cfg.Server.AllowedOrigins))

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))
	r.Use(corsMiddleware(cfg.Server.AllowedOrigins))

	hub := svc.Hub()
	wsHandler := handlers.NewWebSocketHandler(hub, limiter, log)

	r.GET("/health", handlers.Health(hub, time.Now()))
	r.GET("/metrics", gin.WrapH(m.Handler()))
	r.GET(cfg.Server.WSPath, wsHandler.Attach)

	api := r.Group("/api")
	{
		wsHandler.RegisterRoutes(api)
		if repo != nil {
			handlers.NewConnectionHandler(repo).RegisterRoutes(api)
		}
	}

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down devdash server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Hijacked sockets are not tracked by http.Server; the service closes them
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown error", zap.Error(err))
	}
	return nil
}

// requestLogger logs every non-upgrade request at debug level.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("remote_addr", c.Request.RemoteAddr),
		)
	}
}

// corsMiddleware returns a CORS middleware. An empty origin list allows any
// origin.
func corsMiddleware(origins []string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if len(allowed) == 0 {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else if _, ok := allowed[origin]; ok {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Vary", "Origin")
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
