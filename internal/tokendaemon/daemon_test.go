package tokendaemon

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/credential"
)

type fakeExchanger struct {
	calls    atomic.Int32
	newToken string
	err      error
}

func (f *fakeExchanger) Refresh(ctx context.Context, tf tokenFile) (tokenFile, error) {
	f.calls.Add(1)
	if f.err != nil {
		return tokenFile{}, f.err
	}
	exp := time.Now().Add(time.Hour)
	out := tf
	out.AccessToken = f.newToken
	out.RefreshToken = tf.RefreshToken
	out.ExpiresAt = &exp
	return out, nil
}

func writeAuthFile(t *testing.T, dir, name string, tf tokenFile) string {
	t.Helper()
	b, err := json.Marshal(tf)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func TestDaemon_DiscoverMatchesAuthFileNaming(t *testing.T) {
	dir := t.TempDir()
	writeAuthFile(t, dir, "qwen-oauth.json", tokenFile{AccessToken: "a", RefreshToken: "r", TokenURL: "https://auth.example/token"})
	writeAuthFile(t, dir, "gemini-oauth-2.json", tokenFile{AccessToken: "a", RefreshToken: "r", TokenURL: "https://auth.example/token"})
	writeAuthFile(t, dir, "notes.txt", tokenFile{})

	store := credential.NewStore(nil)
	store.Load(map[string]config.ProviderProfile{
		"qwen":       {ID: "qwen", AuthMode: "oauth", Credentials: []string{"key1"}},
		"gemini-cli": {ID: "gemini-cli", AuthMode: "oauth", Credentials: []string{"key1"}},
	})

	d := New(store, Config{AuthDir: dir}, nil)
	require.NoError(t, d.Discover(nil))

	require.Len(t, d.state, 2)
}

func TestDaemon_RefreshNearExpiryBumpsVersion(t *testing.T) {
	dir := t.TempDir()
	soon := time.Now().Add(5 * time.Minute) // inside the 30min refresh-ahead window
	path := writeAuthFile(t, dir, "qwen-oauth.json", tokenFile{AccessToken: "old", RefreshToken: "r", ExpiresAt: &soon, TokenURL: "https://auth.example/token"})

	store := credential.NewStore(nil)
	store.Load(map[string]config.ProviderProfile{
		"qwen": {ID: "qwen", AuthMode: "oauth", Credentials: []string{"key1"}, TokenFile: path},
	})
	before, err := store.Resolve("qwen", "key1")
	require.NoError(t, err)

	exch := &fakeExchanger{newToken: "new-token"}
	d := New(store, Config{AuthDir: dir, MinRefreshInterval: time.Millisecond}, nil).WithExchanger(exch)
	require.NoError(t, d.Discover(nil))

	d.tick(context.Background())

	after, err := store.Resolve("qwen", "key1")
	require.NoError(t, err)
	require.Equal(t, "new-token", after.Secret)
	require.Greater(t, after.Version, before.Version)
	require.Equal(t, int32(1), exch.calls.Load())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk tokenFile
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	require.Equal(t, "new-token", onDisk.AccessToken)
}

func TestDaemon_NotDueSkipsRefresh(t *testing.T) {
	dir := t.TempDir()
	farOut := time.Now().Add(2 * time.Hour)
	path := writeAuthFile(t, dir, "qwen-oauth.json", tokenFile{AccessToken: "old", RefreshToken: "r", ExpiresAt: &farOut, TokenURL: "https://auth.example/token"})

	store := credential.NewStore(nil)
	store.Load(map[string]config.ProviderProfile{
		"qwen": {ID: "qwen", AuthMode: "oauth", Credentials: []string{"key1"}, TokenFile: path},
	})

	exch := &fakeExchanger{newToken: "new-token"}
	d := New(store, Config{AuthDir: dir, MetadataRefreshEach: time.Hour}, nil).WithExchanger(exch)
	require.NoError(t, d.Discover(nil))
	d.tick(context.Background())

	require.Equal(t, int32(0), exch.calls.Load())
}

func TestDaemon_MinRefreshIntervalSerializesRapidTicks(t *testing.T) {
	dir := t.TempDir()
	soon := time.Now().Add(time.Minute)
	path := writeAuthFile(t, dir, "qwen-oauth.json", tokenFile{AccessToken: "old", RefreshToken: "r", ExpiresAt: &soon, TokenURL: "https://auth.example/token"})

	store := credential.NewStore(nil)
	store.Load(map[string]config.ProviderProfile{
		"qwen": {ID: "qwen", AuthMode: "oauth", Credentials: []string{"key1"}, TokenFile: path},
	})

	exch := &fakeExchanger{newToken: "new-token"}
	d := New(store, Config{AuthDir: dir, MinRefreshInterval: time.Hour}, nil).WithExchanger(exch)
	require.NoError(t, d.Discover(nil))

	d.tick(context.Background())
	d.tick(context.Background())

	require.Equal(t, int32(1), exch.calls.Load())
}
