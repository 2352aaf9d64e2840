// Package tokendaemon keeps OAuth-backed credentials fresh: it discovers
// auth files under ~/.routecodex/auth/, schedules refresh-ahead-of-expiry
// attempts, and writes the refreshed token back atomically before bumping
// the credential store's version. Grounded on the teacher's config.Watcher
// polling/dispatch shape, adapted from watching one file to one poll loop
// that checks every discovered credential's refresh schedule.
package tokendaemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/routecodex/routecodex/internal/credential"
	"github.com/routecodex/routecodex/internal/metrics"
)

// Config tunes the daemon's scheduling. Zero values fall back to the
// defaults from §4.3.
type Config struct {
	AuthDir             string
	RefreshAheadWindow  time.Duration
	MinRefreshInterval  time.Duration
	PollInterval        time.Duration
	MetadataRefreshEach time.Duration
	MaxBackoff          time.Duration
}

func (c Config) withDefaults() Config {
	if c.RefreshAheadWindow <= 0 {
		c.RefreshAheadWindow = 30 * time.Minute
	}
	if c.MinRefreshInterval <= 0 {
		c.MinRefreshInterval = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 60 * time.Second
	}
	if c.MetadataRefreshEach <= 0 {
		c.MetadataRefreshEach = 10 * time.Minute
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = c.PollInterval
	}
	return c
}

// authFileName matches "<provider>-oauth[-<seq>][-<alias>].json" under the
// auth directory.
var authFileName = regexp.MustCompile(`^(?P<provider>[a-zA-Z0-9_]+)-oauth(?:-\d+)?(?:-(?P<alias>[a-zA-Z0-9_]+))?\.json$`)

// normalizeProvider maps a credential-file provider prefix to the
// ProviderProfile id it belongs to; "gemini" files are issued under the
// "gemini-cli" provider id.
func normalizeProvider(prefix string) string {
	if prefix == "gemini" {
		return "gemini-cli"
	}
	return prefix
}

// tokenFile is the on-disk shape of an auth-file/oauth credential.
type tokenFile struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	TokenType    string     `json:"token_type,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	ClientID     string     `json:"client_id,omitempty"`
	ClientSecret string     `json:"client_secret,omitempty"`
	TokenURL     string     `json:"token_url,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Exchanger performs the actual OAuth refresh-token exchange. The production
// implementation wraps golang.org/x/oauth2; tests substitute a fake.
type Exchanger interface {
	Refresh(ctx context.Context, tf tokenFile) (tokenFile, error)
}

// oauth2Exchanger is the real Exchanger, built per credential from the
// fields recorded in its token file.
type oauth2Exchanger struct{}

func (oauth2Exchanger) Refresh(ctx context.Context, tf tokenFile) (tokenFile, error) {
	if tf.TokenURL == "" || tf.RefreshToken == "" {
		return tokenFile{}, fmt.Errorf("token file missing tokenUrl/refresh_token")
	}
	cfg := &oauth2.Config{
		ClientID:     tf.ClientID,
		ClientSecret: tf.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tf.TokenURL},
	}
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: tf.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return tokenFile{}, err
	}
	out := tf
	out.AccessToken = tok.AccessToken
	out.TokenType = tok.TokenType
	if tok.RefreshToken != "" {
		out.RefreshToken = tok.RefreshToken
	}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry
		out.ExpiresAt = &exp
	}
	return out, nil
}

type credentialState struct {
	path         string
	providerID   string
	alias        string
	lastAttempt  time.Time
	lastMetaSync time.Time
	backoff      time.Duration
}

// Daemon schedules and executes credential refreshes. One goroutine drives
// a poll loop; actual refreshes for different credentials run concurrently,
// but golang.org/x/sync/singleflight collapses concurrent attempts for the
// same credential path into one in-flight exchange.
type Daemon struct {
	cfg       Config
	store     *credential.Store
	exchanger Exchanger
	logger    *zap.Logger

	sf singleflight.Group

	mu      sync.Mutex
	state   map[string]*credentialState // keyed by absolute file path
	metrics *metrics.Collector
}

func New(store *credential.Store, cfg Config, logger *zap.Logger) *Daemon {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Daemon{
		cfg:       cfg.withDefaults(),
		store:     store,
		exchanger: oauth2Exchanger{},
		logger:    logger,
		state:     make(map[string]*credentialState),
	}
}

// WithMetrics attaches a Collector so every refresh attempt is recorded as
// a token_refresh_total/token_refresh_duration_seconds observation.
func (d *Daemon) WithMetrics(mc *metrics.Collector) *Daemon {
	d.metrics = mc
	return d
}

// WithExchanger overrides the OAuth exchange implementation, for tests.
func (d *Daemon) WithExchanger(e Exchanger) *Daemon {
	d.exchanger = e
	return d
}

// Discover scans the auth directory and registers every matching credential
// file it finds, in addition to any explicit tokenFile paths passed in
// (provider-declared paths that may live outside AuthDir).
func (d *Daemon) Discover(explicitTokenFiles map[[2]string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for pa, path := range explicitTokenFiles {
		d.state[path] = &credentialState{path: path, providerID: pa[0], alias: pa[1]}
	}

	if d.cfg.AuthDir == "" {
		return nil
	}
	entries, err := os.ReadDir(d.cfg.AuthDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		m := authFileName.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		providerID := normalizeProvider(m[1])
		alias := m[2]
		if alias == "" {
			alias = "key1"
		}
		path := filepath.Join(d.cfg.AuthDir, name)
		d.state[path] = &credentialState{path: path, providerID: providerID, alias: alias}
	}
	return nil
}

// Run drives the poll loop until ctx is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	d.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Daemon) tick(ctx context.Context) {
	d.mu.Lock()
	states := make([]*credentialState, 0, len(d.state))
	for _, st := range d.state {
		states = append(states, st)
	}
	d.mu.Unlock()

	var wg sync.WaitGroup
	for _, st := range states {
		st := st
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.maybeRefresh(ctx, st)
		}()
	}
	wg.Wait()
}

// maybeRefresh checks one credential's schedule and, if due, performs a
// refresh serialized against any concurrent attempt for the same path.
func (d *Daemon) maybeRefresh(ctx context.Context, st *credentialState) {
	now := time.Now()

	d.mu.Lock()
	if st.lastMetaSync.IsZero() {
		st.lastMetaSync = now
	}
	if !st.lastAttempt.IsZero() && now.Sub(st.lastAttempt) < d.cfg.MinRefreshInterval {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	tf, err := readTokenFile(st.path)
	if err != nil {
		d.logger.Warn("tokendaemon: unreadable credential file", zap.String("path", st.path), zap.Error(err))
		return
	}

	due := tf.ExpiresAt != nil && now.Add(d.cfg.RefreshAheadWindow).After(*tf.ExpiresAt)
	metaDue := now.Sub(st.lastMetaSync) >= d.cfg.MetadataRefreshEach

	if !due && !metaDue {
		return
	}

	attemptStart := time.Now()
	_, err, _ = d.sf.Do(st.path, func() (interface{}, error) {
		return nil, d.refreshOne(ctx, st, tf)
	})
	if d.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		d.metrics.RecordTokenRefresh(st.providerID, outcome, time.Since(attemptStart))
	}

	d.mu.Lock()
	st.lastAttempt = now
	if err != nil {
		if st.backoff == 0 {
			st.backoff = time.Second
		} else {
			st.backoff *= 2
			if st.backoff > d.cfg.MaxBackoff {
				st.backoff = d.cfg.MaxBackoff
			}
		}
		d.logger.Warn("tokendaemon: refresh failed", zap.String("provider", st.providerID), zap.String("alias", st.alias), zap.Error(err))
	} else {
		st.backoff = 0
		if metaDue {
			st.lastMetaSync = now
		}
	}
	d.mu.Unlock()
}

func (d *Daemon) refreshOne(ctx context.Context, st *credentialState, tf tokenFile) error {
	refreshed, err := d.exchanger.Refresh(ctx, tf)
	if err != nil {
		return err
	}
	if err := writeTokenFileAtomic(st.path, refreshed); err != nil {
		return err
	}
	_, err = d.store.ApplyRefresh(st.providerID, st.alias, func(prev credential.Record) credential.Record {
		next := prev
		next.Secret = refreshed.AccessToken
		next.RefreshToken = refreshed.RefreshToken
		next.ExpiresAt = refreshed.ExpiresAt
		next.Healthy = true
		next.UnhealthyErr = ""
		return next
	})
	return err
}

func readTokenFile(path string) (tokenFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return tokenFile{}, err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return tokenFile{}, err
	}
	return tf, nil
}

// writeTokenFileAtomic writes tf to a temp file in the same directory then
// renames it into place, so concurrent readers never observe a partial
// write.
func writeTokenFileAtomic(path string, tf tokenFile) error {
	b, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tokendaemon-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// CredentialKey builds the explicit-token-file map key Discover expects,
// for callers wiring in a provider's declared tokenFile path.
func CredentialKey(providerID, alias string) [2]string { return [2]string{providerID, alias} }
