package credential

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/routecodex/routecodex/internal/config"
)

func TestStore_InlineAndEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-live-123")

	providers := map[string]config.ProviderProfile{
		"openai": {
			ID:             "openai",
			AuthMode:       "apiKey",
			Credentials:    []string{"key1", "key2"},
			RawCredentials: []string{"sk-inline-abc", "${OPENAI_API_KEY}"},
		},
	}

	s := NewStore(nil)
	s.Load(providers)

	rec1, err := s.Resolve("openai", "key1")
	require.NoError(t, err)
	require.Equal(t, SourceInline, rec1.Source)
	require.Equal(t, "sk-inline-abc", rec1.Secret)
	require.True(t, rec1.Healthy)

	rec2, err := s.Resolve("openai", "key2")
	require.NoError(t, err)
	require.Equal(t, SourceEnv, rec2.Source)
	require.Equal(t, "sk-live-123", rec2.Secret)
}

func TestStore_UnknownCredential(t *testing.T) {
	s := NewStore(nil)
	_, err := s.Resolve("openai", "key1")
	require.Error(t, err)
}

func TestStore_RefreshBumpsVersionAndNotifies(t *testing.T) {
	providers := map[string]config.ProviderProfile{
		"qwen": {ID: "qwen", AuthMode: "oauth", Credentials: []string{"key1"}, RawCredentials: []string{""}, TokenFile: ""},
	}
	s := NewStore(nil)
	s.Load(providers)

	var notified Record
	s.Subscribe("key1", func(r Record) { notified = r })

	before, err := s.Resolve("qwen", "key1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), before.Version)
	require.False(t, before.Healthy)

	after, err := s.ApplyRefresh("qwen", "key1", func(prev Record) Record {
		prev.Secret = "new-access-token"
		prev.Healthy = true
		return prev
	})
	require.NoError(t, err)
	require.Equal(t, uint64(2), after.Version)
	require.Equal(t, "new-access-token", after.Secret)
	require.Equal(t, after, notified)

	current, err := s.Resolve("qwen", "key1")
	require.NoError(t, err)
	require.Equal(t, uint64(2), current.Version)
}
