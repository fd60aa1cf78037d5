package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/damacus/iron-tree/internal/config"
	"github.com/damacus/iron-tree/internal/handlers"
	"github.com/damacus/iron-tree/internal/logging"
	customMiddleware "github.com/damacus/iron-tree/internal/middleware"
	"github.com/damacus/iron-tree/internal/renderer"
	"github.com/damacus/iron-tree/internal/services"
	"github.com/damacus/iron-tree/internal/tree"
	"github.com/damacus/iron-tree/internal/workspace"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := newRootCmd(run).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the command; runFn receives the merged configuration.
func newRootCmd(runFn func(context.Context, *config.Config) error) *cobra.Command {
	cfg := config.Load()

	cmd := &cobra.Command{
		Use:          "iron-tree",
		Short:        "Web file browser with a background upload queue",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFn(cmd.Context(), cfg)
		},
	}

	// Environment values are the flag defaults, so flags win.
	flags := cmd.Flags()
	flags.StringVar(&cfg.Listen, "listen", cfg.Listen, "HTTP listen address")
	flags.StringVar(&cfg.Backend, "backend", cfg.Backend, "file backend: minio or api")
	flags.StringVar(&cfg.MinioEndpoint, "minio-endpoint", cfg.MinioEndpoint, "MinIO endpoint (host:port)")
	flags.StringVar(&cfg.Bucket, "bucket", cfg.Bucket, "bucket holding the files")
	flags.StringVar(&cfg.APIURL, "api-url", cfg.APIURL, "base URL of the REST file API")
	flags.IntVar(&cfg.HTTPRetries, "http-retries", cfg.HTTPRetries, "retries for idempotent file API calls")
	flags.DurationVar(&cfg.HTTPTimeout, "http-timeout", cfg.HTTPTimeout, "file API request timeout")
	flags.StringVar(&cfg.SortLocale, "sort-locale", cfg.SortLocale, "BCP 47 locale used to order names")
	flags.StringVar(&cfg.SpoolDir, "spool-dir", cfg.SpoolDir, "directory for files waiting to upload")
	flags.StringVar(&cfg.ViewsDir, "views", cfg.ViewsDir, "template directory")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: console or json")

	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, nil)
	if err != nil {
		return err
	}
	if cfg.SessionKey == "" {
		log.Warn().Msg("IRON_SESSION_KEY not set, sessions end when the server restarts")
	}

	deps := serverDeps{
		Auth:     services.NewAuthService(cfg.SessionKey),
		Stores:   services.NewBackendFactory(cfg, log),
		Registry: workspace.NewRegistry(tree.NewBuilder(cfg.Locale()), log),
		SpoolDir: cfg.SpoolDir,
		ViewsDir: cfg.ViewsDir,
		Log:      log,
	}
	defer deps.Registry.Close()

	e := newServer(deps)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("listen", cfg.Listen).
			Str("backend", cfg.Backend).
			Str("endpoint", deps.Stores.Endpoint()).
			Msg("server starting")
		errCh <- e.Start(cfg.Listen)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

type serverDeps struct {
	Auth     *services.AuthService
	Stores   *services.BackendFactory
	Registry *workspace.Registry
	SpoolDir string
	ViewsDir string
	Log      zerolog.Logger
}

func newServer(deps serverDeps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	sessions := &handlers.Sessions{Stores: deps.Stores, Registry: deps.Registry}
	authHandler := handlers.NewAuthHandler(deps.Auth, deps.Stores, deps.Registry, deps.Stores.Endpoint(), deps.Log)
	browserHandler := handlers.NewBrowserHandler(sessions, deps.Log)
	uploadsHandler := handlers.NewUploadsHandler(sessions, deps.SpoolDir, deps.Log)

	// Middleware
	e.Use(logging.RequestLogger(deps.Log))
	e.Use(middleware.Recover())
	e.Use(customMiddleware.SecurityHeaders())
	e.Use(customMiddleware.CSRF())
	// Apply auth middleware globally - it will skip public routes internally
	e.Use(customMiddleware.AuthMiddleware(deps.Auth))

	// Template Renderer
	e.Renderer = renderer.New(deps.ViewsDir)

	// Public Routes (auth middleware will skip these)
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})
	e.GET("/login", authHandler.LoginPage)
	e.POST("/login", authHandler.Login)
	e.GET("/logout", authHandler.Logout)

	// Protected Routes
	e.GET("/", func(c echo.Context) error {
		return c.Redirect(http.StatusSeeOther, "/files")
	})

	// File browser
	e.GET("/files", browserHandler.Browse)
	e.GET("/files/download", browserHandler.Download)
	e.POST("/files/delete", browserHandler.Delete)
	e.GET("/api/files/tree", browserHandler.Tree)
	e.GET("/api/files/paths", browserHandler.Paths)
	e.GET("/api/files/search", browserHandler.Search)

	// Upload queue
	e.GET("/uploads/modal", uploadsHandler.UploadModal)
	e.POST("/uploads", uploadsHandler.Enqueue)
	e.GET("/uploads/queue", uploadsHandler.QueuePartial)
	e.POST("/uploads/:id/retry", uploadsHandler.Retry)
	e.POST("/uploads/:id/dismiss", uploadsHandler.Dismiss)
	e.GET("/api/uploads", uploadsHandler.List)
	e.GET("/api/uploads/events", uploadsHandler.Events)

	return e
}
