package guardian

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxBodyBytes = 256 * 1024

// Guardian is the localhost process registry and lifecycle gate. One
// instance per host; supervisors (including this process's own) register
// with it over HTTP so restarts and stop requests can be coordinated.
type Guardian struct {
	store      *stateStore
	secret     []byte
	logger     *zap.Logger
	httpServer *http.Server
	listener   net.Listener

	stopSignal chan struct{}
}

// New binds an ephemeral localhost port and prepares (but does not start)
// the guardian. statePath is where the JSON state file is persisted.
func New(statePath string, logger *zap.Logger) (*Guardian, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	port := ln.Addr().(*net.TCPAddr).Port

	token, err := randomHex(32)
	if err != nil {
		ln.Close()
		return nil, err
	}
	stopToken, err := randomHex(32)
	if err != nil {
		ln.Close()
		return nil, err
	}
	secret, err := randomBytes(32)
	if err != nil {
		ln.Close()
		return nil, err
	}

	g := &Guardian{
		store:      newStateStore(statePath, os.Getpid(), port, token, stopToken),
		secret:     secret,
		logger:     logger,
		listener:   ln,
		stopSignal: make(chan struct{}),
	}
	g.httpServer = &http.Server{Handler: g.routes()}
	return g, nil
}

func randomHex(n int) (string, error) {
	b, err := randomBytes(n)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Port returns the bound ephemeral port.
func (g *Guardian) Port() int { return g.listener.Addr().(*net.TCPAddr).Port }

// Token returns the shared auth token callers must present.
func (g *Guardian) Token() string { return g.store.state.Token }

func (g *Guardian) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(g.authMiddleware)
	r.Use(g.bodyCapMiddleware)
	r.Get("/health", g.handleHealth)
	r.Post("/register", g.handleRegister)
	r.Post("/lifecycle", g.handleLifecycle)
	r.Post("/stop", g.handleStop)
	return r
}

func (g *Guardian) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Rcc-Guardian-Token") != g.store.state.Token {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Guardian) bodyCapMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

func (g *Guardian) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"registrations": g.store.registrationCount(),
	})
}

type registerRequest struct {
	Source        string                 `json:"source"`
	PID           int                    `json:"pid"`
	PPID          int                    `json:"ppid"`
	Port          int                    `json:"port,omitempty"`
	TmuxSessionID string                 `json:"tmuxSessionId,omitempty"`
	TmuxTarget    string                 `json:"tmuxTarget,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

func (g *Guardian) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
		return
	}
	if req.PID <= 1 || req.PPID <= 0 {
		http.Error(w, `{"error":"pid must be > 1 and ppid must be > 0"}`, http.StatusBadRequest)
		return
	}
	g.store.register(Registration{
		Source:        req.Source,
		PID:           req.PID,
		PPID:          req.PPID,
		Port:          req.Port,
		TmuxSessionID: req.TmuxSessionID,
		TmuxTarget:    req.TmuxTarget,
		Metadata:      req.Metadata,
	})
	if err := g.store.persist(); err != nil {
		g.logger.Warn("guardian: persist after register failed", zap.Error(err))
	}

	sessionToken, err := issueSessionToken(g.secret, req.Source, req.PID)
	if err != nil {
		http.Error(w, `{"error":"could not issue session token"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessionToken": sessionToken})
}

type lifecycleRequest struct {
	Action    string                 `json:"action"`
	Source    string                 `json:"source"`
	ActorPID  int                    `json:"actorPid"`
	TargetPID int                    `json:"targetPid,omitempty"`
	Signal    string                 `json:"signal,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

func (g *Guardian) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	var req lifecycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
		return
	}
	g.store.appendLifecycle(LifecycleRecord{
		Action:    req.Action,
		Source:    req.Source,
		ActorPID:  req.ActorPID,
		TargetPID: req.TargetPID,
		Signal:    req.Signal,
		Metadata:  req.Metadata,
	})
	if err := g.store.persist(); err != nil {
		g.logger.Warn("guardian: persist after lifecycle failed", zap.Error(err))
	}

	// The source repo had two conflicting restart implementations
	// (broadcast-to-all vs single-target); this adopts broadcast-to-all,
	// notifying every registered sibling's /daemon/clock/restart rather
	// than only req.TargetPID.
	if req.Action == "restart" {
		go g.broadcastRestart()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "recorded"})
}

// broadcastRestart fans out a restart notification to every process
// registered with a port, best-effort: one sibling being unreachable
// never blocks or fails the others.
func (g *Guardian) broadcastRestart() {
	snap := g.store.snapshot()
	client := &http.Client{Timeout: 3 * time.Second}
	for _, reg := range snap.Registrations {
		if reg.Port == 0 {
			continue
		}
		url := fmt.Sprintf("http://127.0.0.1:%d/daemon/clock/restart", reg.Port)
		req, err := http.NewRequest(http.MethodPost, url, nil)
		if err != nil {
			continue
		}
		resp, err := client.Do(req)
		if err != nil {
			g.logger.Warn("guardian: restart broadcast failed", zap.String("source", reg.Source), zap.Int("pid", reg.PID), zap.Error(err))
			continue
		}
		resp.Body.Close()
	}
}

func (g *Guardian) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Rcc-Guardian-Stop-Token") != g.store.state.StopToken {
		http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "stopping"})
	close(g.stopSignal)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Run serves HTTP until ctx is canceled or /stop is called, persisting
// state every 10s in the meantime. SIGINT/SIGTERM are logged and ignored:
// only /stop (with both tokens) or ctx cancellation ends the daemon, per
// the guardian's role as the thing everything else defers shutdown to.
func (g *Guardian) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- g.httpServer.Serve(g.listener)
	}()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return g.shutdown()
		case <-g.stopSignal:
			return g.shutdown()
		case sig := <-sigCh:
			g.logger.Info("guardian: ignoring signal, only /stop ends this daemon", zap.String("signal", sig.String()))
		case <-ticker.C:
			if err := g.store.persist(); err != nil {
				g.logger.Warn("guardian: periodic persist failed", zap.Error(err))
			}
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}
	}
}

func (g *Guardian) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.httpServer.Shutdown(ctx); err != nil {
		g.logger.Warn("guardian: http shutdown error", zap.Error(err))
	}
	if err := g.store.removeFile(); err != nil && !os.IsNotExist(err) {
		g.logger.Warn("guardian: state file removal failed", zap.Error(err))
	}
	return nil
}
