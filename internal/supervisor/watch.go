package supervisor

import (
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/routecodex/routecodex/internal/config"
)

// configWatchDebounce coalesces the burst of fsnotify events one editor
// save usually produces (unlink+create, or several writes) into a single
// reload attempt.
const configWatchDebounce = 300 * time.Millisecond

// attachWatcher builds a fsnotify-backed Watcher over the config file's
// directory, every known provider's directory, and the auth directory, so
// an on-disk edit triggers the same Reload SIGUSR2 does, without a signal.
// A watcher that fails to construct (fsnotify unavailable) is logged and
// skipped; SIGUSR2/the HTTP reload endpoint remain the primary paths.
func (s *Supervisor) attachWatcher(cfg *config.ResolvedConfig) {
	w, err := config.NewWatcher(s.logger)
	if err != nil {
		s.logger.Warn("config watcher: unavailable, relying on SIGUSR2/HTTP reload only", zap.Error(err))
		return
	}

	base := filepath.Join(s.home, ".routecodex")
	paths := []string{base, filepath.Join(base, "auth")}
	for id := range cfg.Providers {
		paths = append(paths, filepath.Join(base, "provider", id))
	}
	for _, p := range paths {
		if err := w.Add(p); err != nil {
			s.logger.Debug("config watcher: failed to watch path", zap.String("path", p), zap.Error(err))
		}
	}

	var pending *time.Timer
	w.OnChange(func(config.ChangeEvent) {
		s.watchMu.Lock()
		defer s.watchMu.Unlock()
		if pending != nil {
			pending.Stop()
		}
		pending = time.AfterFunc(configWatchDebounce, func() {
			if err := s.Reload(); err != nil {
				s.logger.Warn("config watcher: reload after file change failed", zap.Error(err))
			}
		})
	})

	s.watcher = w
}
