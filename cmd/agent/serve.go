package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/kiranshivaraju/hubfeed-agent/internal/agent"
	"github.com/kiranshivaraju/hubfeed-agent/internal/api"
	"github.com/kiranshivaraju/hubfeed-agent/internal/api/handler"
	mw "github.com/kiranshivaraju/hubfeed-agent/internal/api/middleware"
	"github.com/kiranshivaraju/hubfeed-agent/internal/cache"
	"github.com/kiranshivaraju/hubfeed-agent/internal/config"
	"github.com/kiranshivaraju/hubfeed-agent/internal/executor"
	"github.com/kiranshivaraju/hubfeed-agent/internal/history"
	"github.com/kiranshivaraju/hubfeed-agent/internal/hubfeed"
	"github.com/kiranshivaraju/hubfeed-agent/internal/platform"
	"github.com/kiranshivaraju/hubfeed-agent/internal/platform/browser"
	"github.com/kiranshivaraju/hubfeed-agent/internal/platform/telegram"
	"github.com/kiranshivaraju/hubfeed-agent/internal/state"
	"github.com/spf13/cobra"
)

const (
	shutdownTimeout = 30 * time.Second
	cleanupInterval = 24 * time.Hour
)

var serveFlags struct {
	host        string
	port        int
	dataDir     string
	noAutostart bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent loop and the control API",
	Long:  `Start the control API and, when a token is configured, the polling loop that executes Hubfeed jobs.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.host, "host", "", "Address to bind (overrides AGENT_HOST)")
	serveCmd.Flags().IntVar(&serveFlags.port, "port", 0, "Port to listen on (overrides AGENT_PORT)")
	serveCmd.Flags().StringVar(&serveFlags.dataDir, "data-dir", "", "State directory (overrides AGENT_DATA_DIR)")
	serveCmd.Flags().BoolVar(&serveFlags.noAutostart, "no-autostart", false, "Do not start the loop on boot")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})))
	slog.Info("config loaded", "version", version, "data_dir", cfg.Storage.DataDir, "hubfeed", cfg.Hubfeed.BaseURL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	return a.run(ctx)
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host = serveFlags.host
	}
	if flags.Changed("port") {
		cfg.Server.Port = serveFlags.port
	}
	if flags.Changed("data-dir") {
		cfg.Storage.DataDir = serveFlags.dataDir
	}
	if flags.Changed("no-autostart") {
		cfg.Server.AutoStart = !serveFlags.noAutostart
	}
}

// app is the process-wide object graph, built once per serve.
type app struct {
	cfg      *config.Config
	state    *state.Manager
	history  history.Logger
	cache    cache.Cache
	client   *hubfeed.HTTPClient
	registry *platform.Registry
	executor *executor.Executor
	loop     *agent.Loop
	server   *http.Server

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	if err := a.build(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context) error {
	cfg := a.cfg
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// 1. History
	if cfg.History.DatabaseURL != "" {
		pool, err := history.Connect(ctx, cfg.History)
		if err != nil {
			return fmt.Errorf("connect history database: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if err := history.RunMigrations(cfg.History.DatabaseURL); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		a.history = history.NewPostgresLogger(pool)
		slog.Info("history stored in postgres")
	} else {
		a.history = history.NewFileLogger(filepath.Join(cfg.Storage.DataDir, "history"), cfg.History.MaxEntries)
		slog.Info("history stored in files")
	}

	// 2. State
	files, err := state.NewJSONFiles(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("open state dir: %w", err)
	}
	a.state, err = state.Open(files, state.WithRecorder(a.history))
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	// 3. Cache
	a.cache, err = cache.New(ctx, cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create cache: %w", err)
	}
	a.closers = append(a.closers, func() { _ = a.cache.Close() })

	// 4. Platforms, executor and loop
	tg := telegram.NewProvider(a.state, cfg.Hubfeed.Timeout, telegram.WithAPIServer(cfg.Telegram.APIURL))
	br := browser.NewProvider(a.state, browser.ChromeLauncher{
		Headless: cfg.Browser.Headless,
		ExecPath: cfg.Browser.ExecPath,
	}, cfg.Storage.DataDir)
	a.registry = platform.NewRegistry(tg, br)

	a.executor = executor.New(a.registry, a.state,
		executor.WithRecorder(a.history),
		executor.WithTimeout(cfg.Agent.JobTimeout),
	)
	a.client = hubfeed.NewHTTPClient(cfg.Hubfeed.BaseURL, version, a.state.Token,
		cfg.Hubfeed.Timeout, cfg.Hubfeed.HealthTimeout)
	a.loop = agent.NewLoop(a.client, a.state, a.executor, a.capabilities, cfg.Agent)

	// 5. Control API
	auth, err := mw.NewAuth(cfg.Server.Username, cfg.Server.Password, cfg.Server.JWTSecret, cfg.Server.JWTTTL)
	if err != nil {
		return fmt.Errorf("create auth: %w", err)
	}
	router := api.NewRouter(api.Dependencies{
		Auth:      auth,
		RateLimit: mw.NewRateLimit(a.cache, cfg.Server.RateLimit),
		Handler: handler.New(handler.Deps{
			Auth:     auth,
			Loop:     a.loop,
			State:    a.state,
			Telegram: tg,
			Browser:  br,
			History:  a.history,
			Cache:    a.cache,
			Version:  version,
		}),
	})
	a.server = &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // browser logins hold the request open
		IdleTimeout:  60 * time.Second,
	}
	return nil
}

// capabilities is what the agent advertises on verification.
func (a *app) capabilities() hubfeed.Capabilities {
	return hubfeed.Capabilities{
		Version:   version,
		Platforms: a.registry.Platforms(),
		Commands:  a.registry.Commands(),
	}
}

// run serves until ctx is cancelled, then shuts down the server and the loop.
func (a *app) run(ctx context.Context) error {
	go a.pruneHistory(ctx)

	if a.cfg.Server.AutoStart && a.state.IsConfigured() {
		slog.Info("token configured, starting agent loop")
		if err := a.loop.Start(); err != nil {
			slog.Error("failed to start agent loop", "error", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("control API listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case err := <-errCh:
		serveErr = fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(serveErr, a.shutdown(shutdownCtx))
}

func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}

	running := a.loop.Running()
	if err := a.loop.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop loop: %w", err))
	}
	// Stop only releases sessions when the loop was running; logins made
	// through the API may still hold browsers.
	if !running {
		if err := a.registry.DisconnectAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disconnect platforms: %w", err))
		}
		a.client.Close()
	}

	if len(errs) == 0 {
		slog.Info("agent stopped gracefully")
	}
	return errors.Join(errs...)
}

// pruneHistory drops entries older than the retention window on boot and
// then daily.
func (a *app) pruneHistory(ctx context.Context) {
	if a.cfg.History.RetentionDays <= 0 {
		return
	}
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		n, err := a.history.Cleanup(ctx, a.cfg.History.RetentionDays)
		if err != nil && ctx.Err() == nil {
			slog.Warn("history cleanup failed", "error", err)
		} else if n > 0 {
			slog.Info("history cleaned up", "removed", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
