// Command routecodex is the proxy's entrypoint: it resolves configuration
// and environment overrides, then hands off to the supervisor (C9) to run
// the HTTP front door, token daemon, and guardian registry until signaled
// to stop. Command dispatch and logger construction are grounded on the
// teacher's cmd/agentflow/main.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/routecodex/routecodex/internal/supervisor"
)

func newFlagSet(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ExitOnError)
}

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		runServe(nil)
		return
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "stop":
		runStop(os.Args[2:])
	case "health":
		runHealthCheck(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(2)
	}
}

func runServe(args []string) {
	fs := newFlagSet("serve")
	configPath := fs.String("config", "", "path to config.json")
	exclusive := fs.Bool("exclusive", false, "take over the configured port from a managed sibling process")
	restart := fs.Bool("restart", false, "equivalent to --exclusive, phrased as an intentional restart")
	mode := fs.String("mode", "", "set to 'analysis' to force snapshot capture regardless of ROUTECODEX_SNAPSHOT")
	fs.Parse(args)

	logger := initLogger()
	defer logger.Sync()

	logger.Info("starting routecodex",
		zap.String("version", version),
		zap.String("buildTime", buildTime),
		zap.String("gitCommit", gitCommit),
	)

	if envBool("ROUTECODEX_START_DAEMON") {
		// The respawned child runs the server itself, not another loop.
		os.Unsetenv("ROUTECODEX_START_DAEMON")
		runAsDaemon(logger, args)
		return
	}

	opts := supervisor.Options{
		ConfigPath:         *configPath,
		Source:             "routecodex-server",
		Exclusive:          *exclusive,
		Restart:            *restart,
		StopPassword:       os.Getenv("ROUTECODEX_STOP_PASSWORD"),
		SnapshotEnabled:    *mode == "analysis" || envBool("ROUTECODEX_SNAPSHOT") || envBool("ROUTECODEX_CAPTURE_STREAM_SNAPSHOTS"),
		RateLimitSchedule:  parseRateLimitSchedule(os.Getenv("ROUTECODEX_RL_SCHEDULE"), logger),
	}
	if p := portOverride(); p != 0 {
		opts.PortOverride = p
	}

	sup, err := supervisor.New(opts, logger)
	if err != nil {
		logger.Error("failed to initialize supervisor", zap.Error(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := sup.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("supervisor exited with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("routecodex stopped")
}

// runAsDaemon re-execs the same binary as a detached child under
// supervisor.RunDaemonMode's respawn loop: this invocation (e.g. a
// systemd unit or launchd plist) stays in the foreground running the
// loop, while the actual server runs in the child and is restarted on
// crash.
func runAsDaemon(logger *zap.Logger, serveArgs []string) {
	restartDelay := 1200 * time.Millisecond
	if ms := os.Getenv("ROUTECODEX_DAEMON_RESTART_DELAY_MS"); ms != "" {
		if n, err := strconv.Atoi(ms); err == nil {
			restartDelay = time.Duration(n) * time.Millisecond
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	childArgs := append([]string{"serve"}, serveArgs...)
	err := supervisor.RunDaemonMode(ctx, supervisor.DaemonModeConfig{
		RestartDelay: restartDelay,
		Args:         childArgs,
	}, logger)
	if err != nil && err != context.Canceled {
		logger.Error("daemon mode exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func runStop(args []string) {
	fs := newFlagSet("stop")
	fs.Parse(args)

	logger := initLogger()
	defer logger.Sync()

	token, err := supervisor.ReadDaemonModeToken("")
	if err != nil {
		logger.Error("no running daemon-mode supervisor found", zap.Error(err))
		os.Exit(1)
	}
	if err := supervisor.StopDaemonMode("", token); err != nil {
		logger.Error("failed to record stop intent", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("stop intent recorded; the daemon loop will exit after the current child stops")
}

func runHealthCheck(args []string) {
	fs := newFlagSet("health")
	addr := fs.String("addr", "http://127.0.0.1:8080", "server address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}
	fmt.Println("OK")
}

func printVersion() {
	fmt.Printf("routecodex %s\n", version)
	fmt.Printf("  build time: %s\n", buildTime)
	fmt.Printf("  git commit: %s\n", gitCommit)
}

func printUsage() {
	fmt.Println(`routecodex - local LLM proxy and router

Usage:
  routecodex <command> [options]

Commands:
  serve     Start the proxy (default when no command is given)
  stop      Signal a daemon-mode (ROUTECODEX_START_DAEMON) supervisor loop to stop respawning
  health    Check a running instance's /health endpoint
  version   Show version information
  help      Show this help message

Options for 'serve':
  --config <path>    Path to config.json
  --exclusive        Take over the configured port from a managed sibling
  --restart          Same as --exclusive, phrased as an intentional restart
  --mode analysis    Force snapshot capture for this run

Environment variables:
  ROUTECODEX_CONFIG, ROUTECODEX_CONFIG_PATH   Config file path
  ROUTECODEX_PORT, RCC_PORT                   Port override
  ROUTECODEX_SNAPSHOT, ROUTECODEX_CAPTURE_STREAM_SNAPSHOTS   Snapshot opt-in
  ROUTECODEX_START_DAEMON                     Run under the respawn loop
  ROUTECODEX_DAEMON_RESTART_DELAY_MS          Respawn delay (default 1200ms)
  ROUTECODEX_STOP_PASSWORD                    Gate for /shutdown
  ROUTECODEX_RL_SCHEDULE                      Rate-limit ban ladder, e.g. "5m,1h,6h,24h"`)
}

func initLogger() *zap.Logger {
	level := zapcore.InfoLevel
	if lvl := os.Getenv("ROUTECODEX_LOG_LEVEL"); lvl != "" {
		_ = level.UnmarshalText([]byte(lvl))
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	logger, err := cfg.Build(zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

func portOverride() int {
	for _, key := range []string{"ROUTECODEX_PORT", "RCC_PORT"} {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	return 0
}

func envBool(key string) bool {
	v := strings.TrimSpace(os.Getenv(key))
	return v == "1" || strings.EqualFold(v, "true")
}

// parseRateLimitSchedule parses ROUTECODEX_RL_SCHEDULE ("5m,1h,6h,24h")
// into the duration ladder health.Config.Schedule expects. An invalid
// entry is logged and skipped rather than failing startup.
func parseRateLimitSchedule(raw string, logger *zap.Logger) []time.Duration {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		d, err := str2duration.ParseDuration(p)
		if err != nil {
			logger.Warn("ROUTECODEX_RL_SCHEDULE: skipping unparseable entry", zap.String("entry", p), zap.Error(err))
			continue
		}
		out = append(out, d)
	}
	return out
}
