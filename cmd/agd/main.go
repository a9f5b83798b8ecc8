// Package main is the entry point for antigravity-dispatch. It serves the
// Gemini compatible proxy and optionally the live terminal dashboard.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"

	"github.com/j-veylop/antigravity-dispatch/internal/app"
	"github.com/j-veylop/antigravity-dispatch/internal/config"
	"github.com/j-veylop/antigravity-dispatch/internal/logger"
	"github.com/j-veylop/antigravity-dispatch/internal/server"
	"github.com/j-veylop/antigravity-dispatch/internal/services"
	"github.com/j-veylop/antigravity-dispatch/internal/ui/tabs/dashboard"
	"github.com/j-veylop/antigravity-dispatch/internal/ui/tabs/history"
	"github.com/j-veylop/antigravity-dispatch/internal/ui/tabs/info"
	"github.com/j-veylop/antigravity-dispatch/internal/version"
)

type options struct {
	tui     bool
	json    bool
	help    bool
	version bool
}

func parseArgs(args []string) (options, error) {
	var opts options
	for _, arg := range args {
		switch arg {
		case "-v", "--version":
			opts.version = true
		case "-h", "--help":
			opts.help = true
		case "-t", "--tui":
			opts.tui = true
		case "--json-logs":
			opts.json = true
		default:
			return opts, fmt.Errorf("unknown flag %q", arg)
		}
	}
	return opts, nil
}

func main() {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		printUsage()
		os.Exit(2)
	}

	if opts.version {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	if opts.help {
		printUsage()
		os.Exit(0)
	}

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run contains the main application logic, separated for cleaner error handling.
func run(opts options) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// The dashboard owns the terminal, so logs must go to a file.
	logFile := cfg.LogFile
	if opts.tui && logFile == "" {
		logFile = filepath.Join(cfg.DataDir, "dispatch.log")
	}
	logCloser := logger.Init(logger.Options{File: logFile, Level: cfg.LogLevel, JSON: opts.json})
	defer func() { _ = logCloser.Close() }()

	logger.Info("starting", "version", version.GetVersion(), "listen", cfg.ListenAddr, "accounts", cfg.AccountsPath)

	svcManager, err := services.NewManager(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	defer func() {
		if closeErr := svcManager.Close(); closeErr != nil {
			logger.Error("failed to close services", "error", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	srv := server.New(svcManager.Dispatcher(), svcManager, svcManager.Metrics())
	g.Go(func() error {
		return srv.ListenAndServe(ctx, cfg.ListenAddr)
	})

	if opts.tui {
		g.Go(func() error {
			err := runTUI(ctx, cfg, svcManager)
			// Quitting the dashboard stops the proxy too.
			stop()
			return err
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("stopped")
	return nil
}

// runTUI runs the dashboard until the user quits or ctx is cancelled.
func runTUI(ctx context.Context, cfg *config.Config, svcManager *services.Manager) error {
	model := app.NewModel(svcManager)

	state := model.GetState()
	model.SetTabs([]app.Tab{
		dashboard.New(state, svcManager),
		history.New(state, svcManager),
		info.New(state, cfg),
	})

	p := tea.NewProgram(
		model,
		tea.WithAltScreen(),
		tea.WithContext(ctx),
	)

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("error running TUI: %w", err)
	}
	return nil
}

// printUsage prints the command-line usage information.
func printUsage() {
	fmt.Println(`antigravity-dispatch - multi-account Antigravity request dispatcher

Usage:
  agd [flags]

Flags:
  -t, --tui       Show the live dashboard while serving
      --json-logs Write logs as JSON
  -h, --help      Show this help message
  -v, --version   Show version information

Routes:
  POST /v1beta/models/{model}:{action}   Gemini API compatible generation
  GET  /status                           Account pool and cache state
  GET  /metrics                          Prometheus metrics
  GET  /healthz                          Liveness
  GET  /version                          Build information

Dashboard Keys:
  1-3             Switch between tabs (Dashboard, History, Info)
  Tab/Shift+Tab   Navigate between tabs
  j/k, Up/Down    Select account / scroll
  t               Cycle history time range
  a               History for pool or selected account
  r               Refresh data
  ?               Toggle help
  q, Ctrl+C       Quit

Environment Variables:
  LISTEN_ADDR             Proxy listen address (default: 127.0.0.1:8787)
  ACCOUNTS_PATH           Accounts JSON file path
  DATA_DIR                Directory for the database and caches
  DATABASE_PATH           SQLite request log path
  SIGNATURE_CACHE_PATH    Thought signature cache file
  LOG_FILE, LOG_LEVEL     Log destination and level
  NOTIFICATIONS           Desktop notifications on rate limits (true/false)
  MAX_RATE_LIMIT_WAIT     Longest wait when every account is cooling
  CONFIG_FILE             Optional YAML file with dispatch/signature/upstream tuning

Configuration:
  The first .env file found is loaded from:
  - Current directory
  - ~/.config/opencode/antigravity-dispatch/.env
  - ~/.config/opencode/.env
  - ~/.antigravity/.env`)
}
