package supervisor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DaemonModeConfig tunes the background respawn loop started when
// ROUTECODEX_START_DAEMON requests release-mode supervision: the
// daemon-supervisor process spawns a detached server child, waits for it
// to exit, and decides whether the exit was deliberate (a stop intent) or
// a crash worth respawning.
type DaemonModeConfig struct {
	HomeDir      string
	RestartDelay time.Duration // default 1200ms, floor 200ms, cap 60s
	Args         []string      // extra args passed to the respawned server, e.g. ["serve", "--config", path]
}

func (c DaemonModeConfig) withDefaults() DaemonModeConfig {
	if c.RestartDelay <= 0 {
		c.RestartDelay = 1200 * time.Millisecond
	}
	if c.RestartDelay < 200*time.Millisecond {
		c.RestartDelay = 200 * time.Millisecond
	}
	if c.RestartDelay > 60*time.Second {
		c.RestartDelay = 60 * time.Second
	}
	return c
}

// RunDaemonMode spawns a detached server child and respawns it on every
// unintentional exit until ctx is canceled or StopDaemonMode is called
// with the same stop token this invocation minted.
func RunDaemonMode(ctx context.Context, cfg DaemonModeConfig, logger *zap.Logger) error {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	home := cfg.HomeDir
	if home == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		home = h
	}
	intentPath := stopIntentPath(home)
	stopToken := uuid.NewString()
	if err := writeDaemonModeToken(home, stopToken); err != nil {
		logger.Warn("daemon mode: failed to publish stop token", zap.Error(err))
	}
	defer removeDaemonModeToken(home)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		exe, err := os.Executable()
		if err != nil {
			return err
		}
		cmd := exec.Command(exe, cfg.Args...)
		cmd.Stdout = nil
		cmd.Stderr = nil
		cmd.Dir = filepath.Dir(exe)
		detachChild(cmd)

		if err := cmd.Start(); err != nil {
			logger.Error("daemon mode: failed to spawn server child", zap.Error(err))
			if !sleepOrDone(ctx, cfg.RestartDelay) {
				return ctx.Err()
			}
			continue
		}
		logger.Info("daemon mode: spawned server child", zap.Int("pid", cmd.Process.Pid))

		waitErr := cmd.Wait()

		stopped, err := consumeDaemonStopIntent(intentPath, stopToken)
		if err != nil {
			logger.Warn("daemon mode: failed to read stop intent", zap.Error(err))
		}
		if stopped {
			logger.Info("daemon mode: deliberate stop, not respawning")
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		logger.Warn("daemon mode: server child exited, respawning", zap.Error(waitErr), zap.Duration("delay", cfg.RestartDelay))
		if !sleepOrDone(ctx, cfg.RestartDelay) {
			return ctx.Err()
		}
	}
}

// StopDaemonMode records the intent a running daemon-supervisor loop
// checks after its child's next exit, so it knows to stop rather than
// respawn. token must be the value RunDaemonMode published via
// writeDaemonModeToken (read it with ReadDaemonModeToken); a mismatched
// token is treated as absent and the loop respawns normally.
func StopDaemonMode(homeDir, token string) error {
	home := homeDir
	if home == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		home = h
	}
	return writeDaemonStopIntent(stopIntentPath(home), token)
}

func daemonModeTokenPath(home string) string {
	return filepath.Join(home, ".routecodex", "daemon-mode.token")
}

func writeDaemonModeToken(home, token string) error {
	path := daemonModeTokenPath(home)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(token), 0o600)
}

func removeDaemonModeToken(home string) {
	_ = os.Remove(daemonModeTokenPath(home))
}

// ReadDaemonModeToken reads the stop token a running daemon-supervisor
// loop published, for a sibling CLI invocation's stop command to pass to
// StopDaemonMode.
func ReadDaemonModeToken(homeDir string) (string, error) {
	home := homeDir
	if home == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		home = h
	}
	b, err := os.ReadFile(daemonModeTokenPath(home))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
