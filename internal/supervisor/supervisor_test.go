package supervisor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/routecodex/routecodex/internal/protocol"
)

func writeJSON(t *testing.T, path string, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func setupMinimalHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	writeJSON(t, filepath.Join(home, ".routecodex", "provider", "openai", "config.v2.json"), map[string]interface{}{
		"version":    "2.0.0",
		"providerId": "openai",
		"provider": map[string]interface{}{
			"kind":     "openai-http",
			"baseUrl":  "https://api.openai.com/v1",
			"authMode": "apiKey",
			"apiKey":   []string{"sk-test-inline"},
			"models": map[string]interface{}{
				"gpt-4o-mini": map[string]interface{}{"maxContext": 128000, "maxTokens": 4096},
				"gpt-4o":      map[string]interface{}{"maxContext": 128000, "maxTokens": 4096},
			},
		},
	})
	writeJSON(t, filepath.Join(home, ".routecodex", "config.json"), map[string]interface{}{
		"version":           "2.0.0",
		"virtualrouterMode": "v2",
		"httpserver":        map[string]interface{}{"host": "127.0.0.1", "port": 0},
		"virtualrouter": map[string]interface{}{
			"activeRoutingPolicyGroup": "default",
			"routingPolicyGroups": map[string]interface{}{
				"default": map[string]interface{}{
					"routing": map[string]interface{}{
						"default": []map[string]interface{}{
							{"id": "primary", "mode": "priority", "targets": []string{"openai.gpt-4o-mini.key1"}},
						},
					},
				},
			},
		},
	})
	return home
}

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	home := setupMinimalHome(t)
	s, err := New(Options{
		HomeDir:            home,
		Source:             "routecodex-test",
		DisableTokenDaemon: true,
		DisableGuardian:    true,
	}, nil)
	require.NoError(t, err)
	return s
}

func TestNew_BuildsEveryComponent(t *testing.T) {
	s := newTestSupervisor(t)
	require.NotNil(t, s.httpSrv)
	require.NotNil(t, s.httpMgr)
	require.NotNil(t, s.rtr)
	require.NotNil(t, s.store)
	require.NotNil(t, s.tracker)
	require.Nil(t, s.tokenDaemon)
	require.Nil(t, s.guardianSrv)

	_, err := os.Stat(s.pidPath)
	require.NoError(t, err, "New must write a pid file for the acquired port")
}

func TestNew_RefusesPortOwnedByUnknownLivePID(t *testing.T) {
	home := setupMinimalHome(t)

	// First instance claims the port for its configured pid file.
	first, err := New(Options{HomeDir: home, DisableTokenDaemon: true, DisableGuardian: true}, nil)
	require.NoError(t, err)

	// A second instance targeting the same resolved port (both configs
	// bind port 0, so PortOverride: first.port is 0 and the pid-file path
	// is the same) must refuse to start: the first instance's pid is this
	// test process's own pid, which is alive.
	_, err = New(Options{HomeDir: home, PortOverride: first.port, DisableTokenDaemon: true, DisableGuardian: true}, nil)
	require.Error(t, err)
	var portErr *ErrPortOwnedBySibling
	require.ErrorAs(t, err, &portErr)
}

func TestNew_ExclusiveTakesOverSiblingPort(t *testing.T) {
	home := setupMinimalHome(t)

	first, err := New(Options{HomeDir: home, DisableTokenDaemon: true, DisableGuardian: true}, nil)
	require.NoError(t, err)

	second, err := New(Options{HomeDir: home, PortOverride: first.port, Exclusive: true, DisableTokenDaemon: true, DisableGuardian: true}, nil)
	require.NoError(t, err)
	require.Equal(t, first.port, second.port)
}

func TestRun_GracefulShutdownOnRequestShutdown(t *testing.T) {
	s := newTestSupervisor(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Give the HTTP actor a moment to bind before asking it to stop.
	time.Sleep(50 * time.Millisecond)
	s.requestShutdown()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(4 * time.Second):
		t.Fatal("Run did not return after requestShutdown")
	}

	_, err := os.Stat(s.pidPath)
	require.True(t, os.IsNotExist(err), "pid file must be removed on shutdown")
}

func TestReload_KeepsPreviousConfigOnInvalidReload(t *testing.T) {
	s := newTestSupervisor(t)

	// Corrupt the on-disk config so a reload attempt fails.
	cfgPath := filepath.Join(s.home, ".routecodex", "config.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte("not json"), 0o600))

	err := s.Reload()
	require.Error(t, err)
}

func TestAttachWatcher_EditingConfigTriggersReload(t *testing.T) {
	s := newTestSupervisor(t)
	require.NotNil(t, s.watcher, "attachWatcher must succeed on a normal temp home")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.watcher.Start(ctx)
	defer s.watcher.Stop()

	req := &protocol.ChatRequest{Model: "gpt-4o-mini", Messages: []protocol.Message{{Role: protocol.RoleUser, Content: "hi"}}}
	decision, _, err := s.rtr.Route(context.Background(), req, "req-before")
	require.NoError(t, err)
	require.Equal(t, "gpt-4o-mini", decision.Target.ModelID)

	cfgPath := filepath.Join(s.home, ".routecodex", "config.json")
	writeJSON(t, cfgPath, map[string]interface{}{
		"version":           "2.0.0",
		"virtualrouterMode": "v2",
		"httpserver":        map[string]interface{}{"host": "127.0.0.1", "port": 0},
		"virtualrouter": map[string]interface{}{
			"activeRoutingPolicyGroup": "default",
			"routingPolicyGroups": map[string]interface{}{
				"default": map[string]interface{}{
					"routing": map[string]interface{}{
						"default": []map[string]interface{}{
							{"id": "primary", "mode": "priority", "targets": []string{"openai.gpt-4o.key1"}},
						},
					},
				},
			},
		},
	})

	require.Eventually(t, func() bool {
		decision, _, err := s.rtr.Route(context.Background(), req, "req-after")
		return err == nil && decision.Target.ModelID == "gpt-4o"
	}, 2*time.Second, 50*time.Millisecond, "file watcher must trigger a reload that swaps the active policy")
}
