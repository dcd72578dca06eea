package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattjoyce/hookwarden/internal/api"
	"github.com/mattjoyce/hookwarden/internal/auth"
	"github.com/mattjoyce/hookwarden/internal/builtin"
	"github.com/mattjoyce/hookwarden/internal/config"
	"github.com/mattjoyce/hookwarden/internal/dispatch"
	"github.com/mattjoyce/hookwarden/internal/doctor"
	"github.com/mattjoyce/hookwarden/internal/events"
	"github.com/mattjoyce/hookwarden/internal/lock"
	"github.com/mattjoyce/hookwarden/internal/log"
	"github.com/mattjoyce/hookwarden/internal/plugin"
	"github.com/mattjoyce/hookwarden/internal/state"
	"github.com/mattjoyce/hookwarden/internal/storage"
	"github.com/mattjoyce/hookwarden/internal/tracing"
	"github.com/mattjoyce/hookwarden/internal/tui"
	"github.com/mattjoyce/hookwarden/internal/webhook"
)

// engine bundles everything opened for one command invocation.
type engine struct {
	cfg     *config.Config
	manager *dispatch.Manager
	closers []io.Closer
}

func (r *engine) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		_ = r.closers[i].Close()
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func loadConfigForTool(configPath string) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			return nil, err
		}
		configPath = discovered
	}
	return config.Load(configPath)
}

// openEngine loads config, takes the state lock, opens the store and
// builds a seeded manager with the built-in plugins registered.
func openEngine(ctx context.Context, configPath string, onInsight dispatch.InsightFunc, opts ...dispatch.Option) (*engine, error) {
	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	rt := &engine{cfg: cfg}

	if cfg.State.LockEnabled() {
		pidLock, err := lock.AcquirePIDLock(lock.PathFor(cfg.State.Path))
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, closerFunc(pidLock.Release))
	}

	store, err := openStore(ctx, cfg.State, rt)
	if err != nil {
		rt.Close()
		return nil, err
	}

	mgr := dispatch.New(store, plugin.NewRegistry(), onInsight, opts...)
	if err := builtin.Register(mgr); err != nil {
		rt.Close()
		return nil, fmt.Errorf("register builtins: %w", err)
	}
	if err := mgr.Seed(ctx, seedsFromConfig(cfg)); err != nil {
		rt.Close()
		return nil, fmt.Errorf("seed plugin state: %w", err)
	}
	rt.manager = mgr
	return rt, nil
}

func openStore(ctx context.Context, sc config.StateConfig, rt *engine) (state.Store, error) {
	switch sc.Backend {
	case config.BackendMemory:
		return state.NewMemoryStore(), nil
	case config.BackendFile:
		fileStore, err := state.NewFileStore(sc.Path)
		if err != nil {
			return nil, err
		}
		return fileStore, nil
	default:
		db, err := storage.OpenSQLite(ctx, sc.Path)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		rt.closers = append(rt.closers, db)
		return state.NewSQLiteStore(db), nil
	}
}

func seedsFromConfig(cfg *config.Config) map[string]dispatch.Seed {
	seeds := make(map[string]dispatch.Seed, len(cfg.Plugins))
	for id, pc := range cfg.Plugins {
		seeds[id] = dispatch.Seed{Enabled: pc.Enabled, Config: pc.Config, Grants: pc.Grants}
	}
	return seeds
}

// --- ACTION IMPLEMENTATIONS ---

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("hookwarden starting", "version", version, "config", cfg.SourcePath)

	hub := events.NewHub(cfg.API.InsightBuffer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var dispatchOpts []dispatch.Option
	tp, err := tracing.Setup(ctx, cfg.Service.Tracing, cfg.Service.Name, version)
	if err != nil {
		logger.Error("failed to configure tracing", "error", err)
		return 1
	}
	if tp != nil {
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
			defer scancel()
			if err := tp.Shutdown(sctx); err != nil {
				logger.Warn("tracing shutdown failed", "error", err)
			}
		}()
		dispatchOpts = append(dispatchOpts, dispatch.WithTracerProvider(tp))
		logger.Info("tracing enabled", "endpoint", cfg.Service.Tracing.Endpoint, "sample_ratio", cfg.Service.Tracing.SampleRatio)
	}

	rt, err := openEngine(ctx, cfg.SourcePath, hub.PublishInsight, dispatchOpts...)
	if err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) {
			logger.Error("state is locked by another instance", "path", held.Path, "pid", held.PID)
		} else {
			logger.Error("startup failed", "error", err)
		}
		return 1
	}
	defer rt.Close()
	logger.Info("plugins registered", "count", rt.manager.Registry().Len(), "backend", cfg.State.Backend)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)

	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
		for _, t := range cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.TokenConfig{
				Token:  t.Token,
				Scopes: t.Scopes,
			})
		}
		apiConfig := api.Config{
			Listen:          cfg.API.Listen,
			APIKey:          cfg.API.Auth.APIKey,
			Tokens:          tokens,
			ShutdownTimeout: cfg.Service.ShutdownTimeout,
		}
		apiServer := api.New(apiConfig, rt.manager, hub, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	if cfg.Webhooks != nil && len(cfg.Webhooks.Endpoints) > 0 {
		webhookConfig, err := webhook.FromGlobalConfig(cfg.Webhooks)
		if err != nil {
			logger.Error("failed to configure webhooks", "error", err)
			return 1
		}
		webhookServer := webhook.New(webhookConfig, rt.manager, hub, log.WithComponent("webhook"))
		go func() {
			if err := webhookServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("webhook: %w", err)
			}
		}()
		logger.Info("webhook server enabled", "listen", webhookConfig.Listen, "endpoints", len(webhookConfig.Endpoints))
	}

	logger.Info("hookwarden running (press Ctrl+C to stop)")

	code := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		code = 1
	}
	cancel()

	drained := make(chan struct{})
	go func() {
		rt.manager.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(cfg.Service.ShutdownTimeout):
		logger.Warn("non-blocking plugins still running at shutdown", "timeout", cfg.Service.ShutdownTimeout)
	}

	logger.Info("hookwarden stopped")
	return code
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config: FAILED (%v)\n", err)
		return 1
	}

	fmt.Printf("Config:  %s\n", cfg.SourcePath)
	fmt.Printf("State:   %s (%s)\n", cfg.State.Backend, cfg.State.Path)
	if !cfg.State.LockEnabled() {
		fmt.Println("Lock:    disabled")
		return 0
	}
	lockPath := lock.PathFor(cfg.State.Path)
	if pid := lock.ReadHolder(lockPath); pid > 0 {
		fmt.Printf("Lock:    %s (pid %d)\n", lockPath, pid)
	} else {
		fmt.Printf("Lock:    %s (free)\n", lockPath)
	}
	return 0
}

func runMonitor(args []string) int {
	fs := flag.NewFlagSet("monitor", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://127.0.0.1:8787", "hookwarden API URL")
	apiKey := fs.String("api-key", os.Getenv("HOOKWARDEN_API_KEY"), "API Bearer Token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required. Use --api-key or HOOKWARDEN_API_KEY env var.")
		return 1
	}

	m := tui.NewMonitor(tui.NewClient(*apiURL, *apiKey))
	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output the report as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration check FAILED: %v\n", err)
		return 1
	}

	registry := plugin.NewRegistry()
	for _, def := range builtin.All() {
		if _, err := registry.Register(def); err != nil {
			fmt.Fprintf(os.Stderr, "Configuration check FAILED: %v\n", err)
			return 1
		}
	}
	result := doctor.New(cfg, registry).Validate()

	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render report: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Printf("Config: %s\n", cfg.SourcePath)
		fmt.Print(doctor.FormatHuman(result))
	}
	if !result.Valid {
		fmt.Fprintln(os.Stderr, "Status: Configuration check FAILED.")
		return 1
	}
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path := *configPath
	if path == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		path = discovered
	}

	hash, err := config.LockConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock failed: %v\n", err)
		return 1
	}
	fmt.Printf("Locked %s\n", path)
	fmt.Printf("blake3: %s\n", hash)
	return 0
}
