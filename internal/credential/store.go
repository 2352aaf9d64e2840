package credential

import (
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/protocol"
)

type key struct {
	providerID string
	alias      string
}

// entry is the store's internal bookkeeping for one (providerId, alias).
// current is swapped atomically on every refresh; env entries additionally
// re-read the environment on every Resolve, matching §4.2's "re-read on
// every resolve (cheap)".
type entry struct {
	current  atomic.Pointer[Record]
	envVar   string // non-empty only for SourceEnv
	filePath string // non-empty only for SourceFile/SourceOAuth
}

// Store resolves (providerId, alias) to a CredentialRecord and notifies
// subscribers when the token daemon rotates a secret. Grounded on the
// teacher's context-scoped CredentialOverride pattern and APIKeyPool
// selection shape, adapted from DB-backed to file/env-backed.
type Store struct {
	mu      sync.RWMutex
	entries map[key]*entry
	subs    map[string][]func(Record)
	logger  *zap.Logger
}

func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		entries: make(map[key]*entry),
		subs:    make(map[string][]func(Record)),
		logger:  logger,
	}
}

// envPlaceholder reports whether s is an "${VAR}" or "$VAR" placeholder
// and returns the variable name.
func envPlaceholder(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return s[2 : len(s)-1], true
	}
	if strings.HasPrefix(s, "$") && len(s) > 1 {
		return s[1:], true
	}
	return "", false
}

// Load builds the store's entries from resolved provider profiles. It does
// not perform any I/O beyond classifying each credential's source; actual
// reads happen lazily on Resolve (env) or are seeded by the token daemon
// (oauth/file).
func (s *Store) Load(providers map[string]config.ProviderProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for providerID, profile := range providers {
		for i, alias := range profile.Credentials {
			raw := ""
			if i < len(profile.RawCredentials) {
				raw = profile.RawCredentials[i]
			}
			e := &entry{}
			var rec Record
			envVar, isEnv := envPlaceholder(raw)

			switch {
			case profile.AuthMode == "oauth":
				e.filePath = profile.TokenFile
				rec = Record{Alias: alias, ProviderID: providerID, AuthMode: profile.AuthMode, Source: SourceOAuth}
				s.seedFromFile(&rec, e.filePath)
			case isEnv:
				e.envVar = envVar
				secret := os.Getenv(envVar)
				rec = Record{Alias: alias, ProviderID: providerID, AuthMode: profile.AuthMode, Source: SourceEnv, Secret: secret, Healthy: secret != ""}
				if !rec.Healthy {
					rec.UnhealthyErr = "environment variable not set"
				}
			default:
				rec = Record{Alias: alias, ProviderID: providerID, AuthMode: profile.AuthMode, Source: SourceInline, Secret: raw, Healthy: raw != ""}
			}
			rec.Version = 1
			e.current.Store(&rec)
			s.entries[key{providerID, alias}] = e
		}
	}
}

// seedFromFile checks at load time that an auth-file or oauth token file
// exists and is a regular file; it does not read the secret, which the
// token daemon installs later. A missing or irregular file marks the
// record unhealthy rather than failing the load, per §4.2.
func (s *Store) seedFromFile(rec *Record, path string) {
	if path == "" {
		rec.Healthy = false
		rec.UnhealthyErr = "no token file configured"
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		rec.Healthy = false
		rec.UnhealthyErr = "token file not found: " + err.Error()
		return
	}
	if !info.Mode().IsRegular() {
		rec.Healthy = false
		rec.UnhealthyErr = "token file is not a regular file"
		return
	}
	rec.Healthy = true
}

// Resolve returns the current CredentialRecord for (providerId, alias).
// Env-sourced credentials are re-read live; all other sources return the
// atomically-current snapshot.
func (s *Store) Resolve(providerID, alias string) (Record, error) {
	s.mu.RLock()
	e, ok := s.entries[key{providerID, alias}]
	s.mu.RUnlock()
	if !ok {
		return Record{}, &protocol.Error{
			Kind:    protocol.KindCredentialUnavailable,
			Message: "no credential registered for " + providerID + "/" + alias,
		}
	}
	cur := e.current.Load()
	if e.envVar != "" {
		secret := os.Getenv(e.envVar)
		rec := *cur
		rec.Secret = secret
		rec.Healthy = secret != ""
		if !rec.Healthy {
			rec.UnhealthyErr = "environment variable not set"
		}
		return rec, nil
	}
	return *cur, nil
}

// ApplyRefresh installs a new Record for (providerId, alias), bumping
// Version monotonically. This is the only mutation path and is used by
// the token daemon; the swap is a single atomic pointer store, so readers
// never observe a partially-updated Record.
func (s *Store) ApplyRefresh(providerID, alias string, mutate func(prev Record) Record) (Record, error) {
	s.mu.RLock()
	e, ok := s.entries[key{providerID, alias}]
	s.mu.RUnlock()
	if !ok {
		return Record{}, &protocol.Error{Kind: protocol.KindCredentialUnavailable, Message: "unknown credential " + providerID + "/" + alias}
	}
	prev := *e.current.Load()
	next := mutate(prev)
	next.Version = prev.Version + 1
	e.current.Store(&next)
	s.notify(alias, next)
	return next, nil
}

// Subscribe registers a handler invoked whenever the credential for alias
// is refreshed. Handlers run synchronously on the refreshing goroutine.
func (s *Store) Subscribe(alias string, handler func(Record)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[alias] = append(s.subs[alias], handler)
}

func (s *Store) notify(alias string, rec Record) {
	s.mu.RLock()
	handlers := append([]func(Record){}, s.subs[alias]...)
	s.mu.RUnlock()
	for _, h := range handlers {
		h(rec)
	}
}

// Aliases lists every registered alias for a provider, in declared order.
// Aliases are the generated key1..keyN, so ordering by length and then
// lexically restores the declared order (key2 before key10).
func (s *Store) Aliases(providerID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for k := range s.entries {
		if k.providerID == providerID {
			out = append(out, k.alias)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) < len(out[j])
		}
		return out[i] < out[j]
	})
	return out
}
