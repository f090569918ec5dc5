package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"

	"github.com/basket/go-rooms/internal/agentexec"
	"github.com/basket/go-rooms/internal/bus"
	"github.com/basket/go-rooms/internal/config"
	"github.com/basket/go-rooms/internal/gateway"
	"github.com/basket/go-rooms/internal/narrator"
	otelPkg "github.com/basket/go-rooms/internal/otel"
	"github.com/basket/go-rooms/internal/persistence"
	"github.com/basket/go-rooms/internal/relay"
	"github.com/basket/go-rooms/internal/runtime"
	"github.com/basket/go-rooms/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s [flags]                 Run the rooms daemon
  %s status                  Show daemon health (/healthz)
  %s run <task-id>           Start a task immediately on the running daemon
  %s doctor [-json]          Run diagnostic checks
  %s version                 Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  ROOMS_HOME              Data directory (default: ~/.rooms)
  ROOMS_AUTH_TOKEN        Bearer token required by the gateway
  GEMINI_API_KEY          Enables Gemini narration models
`)
}

func main() {
	// A missing .env is normal; real environment variables win over it.
	_ = godotenv.Load(".env")

	home := flag.String("home", "", "data directory (overrides ROOMS_HOME)")
	quiet := flag.Bool("quiet", false, "log to the log file only")
	flag.Usage = printUsage
	flag.Parse()

	if *home != "" {
		_ = os.Setenv("ROOMS_HOME", *home)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "version":
			fmt.Println(Version)
			return
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "run":
			os.Exit(runTaskCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "home", cfg.HomeDir)
	if cfg.NeedsGenesis {
		logger.Info("no config.yaml found; running with defaults", "path", config.ConfigPath(cfg.HomeDir))
	}
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && cfg.AuthToken == "" {
			logger.Warn("gateway bound to a non-loopback address without auth_token", "bind_addr", cfg.BindAddr)
		}
	}

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
		Insecure:    cfg.Telemetry.InsecureOTLP,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "rooms.db"))
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	eventBus := bus.New(logger)

	runner := agentexec.NewRunner(agentexec.Config{
		Command:       cfg.Agent.Command,
		Args:          cfg.Agent.Args,
		DefaultModel:  cfg.Agent.DefaultModel,
		MaxTurns:      cfg.Agent.MaxTurns,
		Timeout:       cfg.AgentTimeout(),
		ResultsDir:    cfg.Scheduler.ResultsDir,
		CycleInterval: cfg.AgentCycleInterval(),
		Store:         store,
		Bus:           eventBus,
		Logger:        logger,
	})
	defer runner.Stop()

	providers := []narrator.Provider{}
	if cfg.GeminiAPIKey != "" {
		gemini, err := narrator.NewGemini(ctx, cfg.GeminiAPIKey)
		if err != nil {
			logger.Warn("gemini narration unavailable", "error", err)
		} else {
			defer gemini.Close()
			providers = append(providers, gemini)
		}
	}
	providers = append(providers, narrator.NewAgent(runner))
	narr := narrator.New(narrator.Config{
		Models:    cfg.Commentary.Models,
		Providers: providers,
		Logger:    logger,
		Tracer:    otelProvider.Tracer,
	})

	var relayClient *relay.Client
	if cfg.Relay.BaseURL != "" {
		relayClient, err = relay.NewClient(relay.ClientConfig{BaseURL: cfg.Relay.BaseURL, Logger: logger})
		if err != nil {
			fatalStartup(logger, "E_RELAY_CONFIG", err)
		}
	}

	rt := runtime.New(runtime.Config{
		Store:              store,
		Bus:                eventBus,
		Logger:             logger,
		Metrics:            otelProvider.Metrics,
		Tracer:             otelProvider.Tracer,
		Tasks:              runner,
		Agents:             runner,
		Queens:             runner,
		Narrator:           narr,
		Relay:              relayClient,
		TickInterval:       cfg.TickInterval(),
		StaleRunThreshold:  cfg.StaleRunThreshold(),
		RunRetention:       cfg.RunRetention(),
		ResultsDir:         cfg.Scheduler.ResultsDir,
		ContactOnboarding:  !cfg.Scheduler.DisableOnboarding,
		Debounce:           cfg.DebounceDelay(),
		WatchActionTimeout: cfg.WatchActionTimeout(),
		RelayPollInterval:  cfg.RelayPollInterval(),
		Commentary: runtime.CommentaryOptions{
			Enabled:     cfg.Commentary.Enabled,
			Interval:    cfg.CommentaryInterval(),
			Silence:     cfg.CommentarySilence(),
			Timeout:     cfg.CommentaryTimeout(),
			BufferCap:   cfg.Commentary.BufferCap,
			EchoMarkers: cfg.Commentary.EchoMarkers,
		},
	})
	if err := rt.Start(ctx); err != nil {
		fatalStartup(logger, "E_RUNTIME_START", err)
	}
	defer rt.Stop()
	logger.Info("startup phase", "phase", "runtime_started")

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		fingerprint := cfg.Fingerprint()
		for range confWatcher.Events() {
			newCfg, err := config.Load()
			if err != nil {
				logger.Error("config.yaml reload failed", "error", err)
				continue
			}
			rt.SetCommentaryEnabled(newCfg.Commentary.Enabled)
			if fp := newCfg.Fingerprint(); fp != fingerprint {
				logger.Warn("config.yaml changed settings that need a restart", "running", fingerprint, "on_disk", fp)
			}
			logger.Info("config.yaml hot-reloaded", "commentary_enabled", newCfg.Commentary.Enabled)
		}
	}()

	gw := gateway.New(gateway.Config{
		Store:             store,
		Bus:               eventBus,
		Tasks:             rt,
		Logger:            logger,
		AuthToken:         cfg.AuthToken,
		ConfigFingerprint: cfg.Fingerprint(),
	})
	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w: another process is using %s; stop it or change bind_addr in config.yaml", err, cfg.BindAddr))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	if isatty.IsTerminal(os.Stdout.Fd()) && *quiet {
		fmt.Printf("rooms %s listening on http://%s (logs in %s)\n", Version, cfg.BindAddr, filepath.Join(cfg.HomeDir, "logs", telemetry.LogFileName))
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then the runtime and agent processes via defers.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
	}
	return strings.Contains(err.Error(), "address already in use")
}
