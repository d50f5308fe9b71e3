// chunkcast streams audio tracks to WebSocket clients in paced binary chunks
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/gocast/chunkcast/internal/config"
	"github.com/gocast/chunkcast/internal/server"
	"github.com/gocast/chunkcast/internal/source"
)

// Version information - injected at build time via ldflags
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML or JSON config file (default: built-in defaults)")
	envFile := flag.String("env", ".env", "Optional .env file loaded before the config")
	writeConfig := flag.String("write-config", "", "Write the effective configuration to this path and exit")
	showVersion := flag.Bool("version", false, "Show version information")
	showHelp := flag.Bool("help", false, "Show help message")

	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *showVersion {
		fmt.Printf("chunkcast %s\n", version)
		fmt.Printf("  Git Commit: %s\n", gitCommit)
		fmt.Printf("  Build Date: %s\n", buildDate)
		os.Exit(0)
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *envFile, err)
			os.Exit(1)
		}
	}

	cm, err := config.NewConfigManager(*configPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg := cm.GetConfig()

	if *writeConfig != "" {
		if err := cfg.Clone().Save(*writeConfig); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Configuration written to %s\n", *writeConfig)
		os.Exit(0)
	}

	// Log capture for /admin/logs
	logBuffer := server.NewLogBuffer(cfg.Logging.BufferSize)
	logger := newLogger(cfg.Logging, io.MultiWriter(os.Stderr, server.NewLogWriter(logBuffer, "server")))
	slog.SetDefault(logger)

	printBanner()
	server.Version = version

	if err := run(cm, logger, logBuffer); err != nil {
		logger.Error("chunkcast exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("chunkcast shutdown complete")
}

func run(cm *config.ConfigManager, logger *slog.Logger, logBuffer *server.LogBuffer) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := cm.GetConfig()
	src, err := source.New(ctx, cfg.Source, logger.With("component", "source"))
	if err != nil {
		return fmt.Errorf("failed to open track source: %w", err)
	}
	if c, ok := src.(io.Closer); ok {
		defer c.Close()
	}

	srv, err := server.New(cm, src, logger, logBuffer)
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	go reloadOnHangup(ctx, cm, logger)

	scheme, port := "http", cfg.Server.Port
	if cfg.SSL.Enabled {
		scheme, port = "https", cfg.SSL.Port
	}
	logger.Info("chunkcast starting",
		"url", fmt.Sprintf("%s://%s:%d%s", scheme, cfg.Server.Hostname, port, cfg.Server.WebSocketPath),
		"source", cfg.Source.Type,
		"config", cm.GetConfigPath(),
		"admin", cfg.Admin.Enabled,
	)

	return srv.Run(ctx)
}

// reloadOnHangup reloads the configuration file on SIGHUP until ctx is done
func reloadOnHangup(ctx context.Context, cm *config.ConfigManager, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			logger.Info("received SIGHUP, reloading configuration")
			if err := cm.Reload(); err != nil {
				logger.Error("failed to reload configuration", "error", err)
			}
		}
	}
}

func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func printBanner() {
	banner := `
   ┌─┐┬ ┬┬ ┬┌┐┌┬┌─┌─┐┌─┐┌─┐┌┬┐
   │  ├─┤│ │││├┴┐│  ├─┤└─┐ │
   └─┘┴ ┴└─┘┘└┘┴ ┴└─┘┴ ┴└─┘ ┴
   WebSocket audio streaming - v%s
`
	fmt.Fprintf(os.Stderr, banner, version)
}

func printUsage() {
	fmt.Printf(`chunkcast %s - WebSocket audio chunk streaming server

USAGE:
    chunkcast [OPTIONS]

OPTIONS:
    -config <file>        YAML or JSON config file (default: built-in defaults)
    -env <file>           .env file with CHUNKCAST_* / MINIO_* overrides (default: .env)
    -write-config <file>  Write the effective configuration and exit
    -version              Show version information
    -help                 Show this help message

PROTOCOL:
    Connect to ws://<host>:<port>/ws and send text frames:
        {"action":"play","track_id":"<id>"}
        {"action":"pause"}
    Tracks arrive as binary frames of up to 4096 bytes, one every 100ms.

SIGNALS:
    SIGINT, SIGTERM   Graceful shutdown
    SIGHUP            Reload the config file
`, version)
}
