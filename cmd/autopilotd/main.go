// Autopilotd runs the autonomous development control loop.
//
// The daemon loads its configuration, opens the state store and serves
// the HTTP status and control API. The loop itself stays Inactive until
// an operator starts it.
//
// Usage:
//
//	# Start with ~/.config/autopilot/config.yaml
//	autopilotd
//
//	# Explicit file, environment overrides
//	AUTOPILOT_SERVER_HTTP_PORT=9292 autopilotd -config ./autopilot.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autopilot/internal/config"
	"github.com/fyrsmithlabs/autopilot/internal/logging"
	"github.com/fyrsmithlabs/autopilot/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default ~/.config/autopilot/config.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  autopilotd [-config path]   Start the daemon\n")
			fmt.Fprintf(os.Stderr, "  autopilotd version          Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("autopilotd: %v", err)
	}
}

func printVersion() {
	fmt.Printf("autopilotd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires the daemon and blocks until ctx is cancelled:
//  1. Loads configuration and reports validation problems
//  2. Initializes telemetry and the logger
//  3. Opens the state store and builds the collaborators
//  4. Starts the loop, the config watcher and the HTTP server
//  5. Shuts down the server within the configured timeout
func run(ctx context.Context, configPath string) error {
	if configPath == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return err
		}
		configPath = p
	}
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromConfig(cfg.Observability, version))
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	logger, err := initLogger(cfg, tel.IsEnabled())
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info(ctx, "starting autopilotd",
		zap.String("version", version),
		zap.String("config", configPath),
		zap.String("repository", cfg.Repository.Path),
		zap.Bool("telemetry", tel.IsEnabled()))

	// An invalid config still boots so that status is reachable; Start
	// refuses it until it is fixed.
	var verr *config.ValidationError
	if err := cfg.Validate(); errors.As(err, &verr) {
		logger.Warn(ctx, "configuration is incomplete, start will be refused",
			zap.Strings("problems", verr.Problems))
	}

	d, err := wire(ctx, cfg, tel, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	watchConfig(ctx, configPath, d, logger)

	loopErr := make(chan error, 1)
	go func() { loopErr <- d.loop.Run(ctx) }()

	srvErr := make(chan error, 1)
	go func() { srvErr <- d.server.Start() }()

	select {
	case <-ctx.Done():
	case err := <-srvErr:
		if err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case err := <-loopErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error(ctx, "control loop exited", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "http shutdown", zap.Error(err))
	}
	logger.Info(shutdownCtx, "autopilotd stopped")
	return nil
}

func initLogger(cfg *config.Config, otelEnabled bool) (*logging.Logger, error) {
	lc, err := logging.FromConfig(cfg.Logging)
	if err != nil {
		return nil, err
	}
	lc.Fields["version"] = version
	if otelEnabled {
		lc.Output.OTEL = true
		return logging.NewLogger(lc, global.GetLoggerProvider())
	}
	return logging.NewLogger(lc, nil)
}

// watchConfig stages every valid reload for the next Start.
func watchConfig(ctx context.Context, path string, d *daemon, logger *logging.Logger) {
	w, err := config.NewWatcher(path)
	if err != nil {
		logger.Warn(ctx, "config reload disabled", zap.Error(err))
		return
	}
	w.OnChange = d.control.Stage
	w.OnError = func(err error) {
		logger.Warn(ctx, "config reload rejected", zap.Error(err))
	}
	d.closers = append(d.closers, w.Close)
	go w.Run(ctx)
}
