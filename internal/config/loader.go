package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/routecodex/routecodex/internal/protocol"
)

var v2TopLevelKeys = map[string]bool{
	"version": true, "httpserver": true, "virtualrouter": true, "virtualrouterMode": true,
}
var v2HTTPServerKeys = map[string]bool{"host": true, "port": true}
var v2VirtualRouterKeys = map[string]bool{"routingPolicyGroups": true, "activeRoutingPolicyGroup": true}

// Loader resolves and loads RouteCodex's configuration, mirroring the
// builder shape of the teacher's config.Loader but adapted to a JSON file
// format and the v2 strict schema.
type Loader struct {
	explicitPath string
	logger       *zap.Logger
	homeDir      string // test seam; empty means os.UserHomeDir
}

func NewLoader() *Loader {
	return &Loader{logger: zap.NewNop()}
}

func (l *Loader) WithExplicitPath(path string) *Loader {
	l.explicitPath = path
	return l
}

func (l *Loader) WithLogger(logger *zap.Logger) *Loader {
	if logger != nil {
		l.logger = logger
	}
	return l
}

// WithHomeDir overrides the home directory used to find
// ~/.routecodex/config.json and ~/.routecodex/provider/*; tests use this
// to avoid touching the real home directory.
func (l *Loader) WithHomeDir(dir string) *Loader {
	l.homeDir = dir
	return l
}

func (l *Loader) home() (string, error) {
	if l.homeDir != "" {
		return l.homeDir, nil
	}
	return os.UserHomeDir()
}

func configInvalid(format string, args ...interface{}) *protocol.Error {
	return &protocol.Error{Kind: protocol.KindConfigInvalid, Message: fmt.Sprintf(format, args...)}
}

// resolvePath implements the precedence chain from §4.1 step 1.
func (l *Loader) resolvePath() (string, error) {
	if l.explicitPath != "" {
		return l.explicitPath, nil
	}
	if p := os.Getenv("ROUTECODEX_CONFIG_PATH"); p != "" {
		return p, nil
	}
	if p := os.Getenv("ROUTECODEX_CONFIG"); p != "" {
		return p, nil
	}
	if _, err := os.Stat("routecodex.json"); err == nil {
		return "routecodex.json", nil
	}
	home, err := l.home()
	if err != nil {
		return "", configInvalid("cannot determine home directory: %v", err)
	}
	return filepath.Join(home, ".routecodex", "config.json"), nil
}

// Load runs the full §4.1 algorithm: resolve path, parse, enforce v2
// schema, materialize the active routing-policy group, merge providers,
// and expand credential aliases. Config is never partially applied: any
// failure returns before ResolvedConfig is built.
func (l *Loader) Load() (*ResolvedConfig, error) {
	path, err := l.resolvePath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, configInvalid("reading config at %s: %v", path, err)
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, configInvalid("config root at %s is not a JSON object: %v", path, err)
	}

	var raw RawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, configInvalid("parsing config at %s: %v", path, err)
	}

	if raw.VirtualRouterMode == "v2" {
		l.enforceV2Schema(generic, path)
	}

	groupName, group, err := selectActiveGroup(&raw)
	if err != nil {
		return nil, err
	}

	providers, err := l.loadProviders(path)
	if err != nil {
		return nil, err
	}

	policy, err := materializePolicy(group.Routing, providers)
	if err != nil {
		return nil, err
	}

	l.logger.Info("config loaded",
		zap.String("path", path),
		zap.String("activeRoutingPolicyGroup", groupName),
		zap.Int("providers", len(providers)))

	return &ResolvedConfig{
		Version:     raw.Version,
		HTTPServer:  raw.HTTPServer,
		Providers:   providers,
		Policy:      policy,
		ActiveGroup: groupName,
	}, nil
}

// enforceV2Schema strips any key outside the strict v2 allow-lists,
// logging one warning per config path per §4.1 step 3.
func (l *Loader) enforceV2Schema(generic map[string]json.RawMessage, path string) {
	var stripped []string
	for k := range generic {
		if !v2TopLevelKeys[k] {
			stripped = append(stripped, k)
		}
	}
	if raw, ok := generic["httpserver"]; ok {
		var m map[string]json.RawMessage
		if json.Unmarshal(raw, &m) == nil {
			for k := range m {
				if !v2HTTPServerKeys[k] {
					stripped = append(stripped, "httpserver."+k)
				}
			}
		}
	}
	if raw, ok := generic["virtualrouter"]; ok {
		var m map[string]json.RawMessage
		if json.Unmarshal(raw, &m) == nil {
			for k := range m {
				if !v2VirtualRouterKeys[k] {
					stripped = append(stripped, "virtualrouter."+k)
				}
			}
		}
	}
	if len(stripped) == 0 {
		return
	}
	sort.Strings(stripped)
	l.logger.Warn("legacy config keys stripped under v2 schema",
		zap.String("path", path), zap.Strings("keys", stripped))
}

// selectActiveGroup implements §4.1 step 4.
func selectActiveGroup(raw *RawConfig) (string, *RoutingPolicyGroup, error) {
	groups := raw.VirtualRouter.RoutingPolicyGroups
	if len(groups) == 0 {
		return "", nil, configInvalid("virtualrouter.routingPolicyGroups is empty")
	}
	name := raw.VirtualRouter.ActiveRoutingPolicyGroup
	if name == "" {
		if _, ok := groups["default"]; ok {
			name = "default"
		} else {
			names := make([]string, 0, len(groups))
			for n := range groups {
				names = append(names, n)
			}
			sort.Strings(names)
			name = names[0]
		}
	}
	group, ok := groups[name]
	if !ok {
		return "", nil, configInvalid("activeRoutingPolicyGroup %q not found", name)
	}
	if len(group.Routing["default"]) == 0 {
		return "", nil, configInvalid("routing policy group %q has an empty default category", name)
	}
	return name, &group, nil
}

// loadProviders discovers and merges provider files under
// ~/.routecodex/provider/<id>/config.v2.json.
func (l *Loader) loadProviders(configPath string) (map[string]ProviderProfile, error) {
	home, err := l.home()
	if err != nil {
		return nil, configInvalid("cannot determine home directory: %v", err)
	}
	providerDir := filepath.Join(home, ".routecodex", "provider")
	entries, err := os.ReadDir(providerDir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]ProviderProfile{}, nil
		}
		return nil, configInvalid("reading provider directory %s: %v", providerDir, err)
	}

	out := make(map[string]ProviderProfile, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		file := filepath.Join(providerDir, e.Name(), "config.v2.json")
		data, err := os.ReadFile(file)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, configInvalid("reading provider file %s: %v", file, err)
		}
		var pf RawProviderFile
		if err := json.Unmarshal(data, &pf); err != nil {
			return nil, configInvalid("parsing provider file %s: %v", file, err)
		}
		id := pf.ProviderID
		if id == "" {
			id = e.Name()
		}
		profile, err := mergeProvider(id, pf.Provider)
		if err != nil {
			return nil, err
		}
		out[id] = profile
	}
	return out, nil
}

// mergeProvider builds a ProviderProfile, merging model-level overrides
// over provider-level ones per §4.1 step 5, and expands key1..keyN
// credential aliases per step 6.
func mergeProvider(id string, p RawProvider) (ProviderProfile, error) {
	models := make(map[string]ModelProfile, len(p.Models))
	for modelID, m := range p.Models {
		models[modelID] = ModelProfile{
			MaxContext:    m.MaxContext,
			MaxTokens:     m.MaxTokens,
			Capabilities:  m.Capabilities,
			Compatibility: mergeMaps(p.Compatibility, m.Compatibility),
			LLMSwitch:     mergeMaps(p.LLMSwitch, m.LLMSwitch),
			Workflow:      mergeMaps(p.Workflow, m.Workflow),
		}
	}
	return ProviderProfile{
		ID:                 id,
		Kind:               p.Kind,
		BaseURL:            p.BaseURL,
		UserAgentOverride:  p.UserAgentOverride,
		AuthMode:           p.AuthMode,
		Credentials:        generateAliases(len(p.APIKeys)),
		RawCredentials:     append([]string(nil), p.APIKeys...),
		TokenFile:          p.TokenFile,
		InsecureSkipVerify: p.InsecureSkipVerify,
		Models:             models,
	}, nil
}

// generateAliases produces the stable key1..keyN aliases the router uses
// instead of secrets.
func generateAliases(n int) []string {
	aliases := make([]string, n)
	for i := 0; i < n; i++ {
		aliases[i] = "key" + strconv.Itoa(i+1)
	}
	return aliases
}

// mergeMaps returns a shallow merge where override wins over base.
func mergeMaps(base, override map[string]interface{}) map[string]interface{} {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// materializePolicy converts the raw per-category pool lists into a
// protocol.RoutingPolicy, rejecting any RouteTarget that doesn't resolve
// to an existing provider/model/credential alias.
func materializePolicy(routing map[string][]RawPool, providers map[string]ProviderProfile) (protocol.RoutingPolicy, error) {
	policy := make(protocol.RoutingPolicy, len(routing))
	for category, rawPools := range routing {
		pools := make([]protocol.Pool, 0, len(rawPools))
		for _, rp := range rawPools {
			mode, err := parseMode(rp.Mode)
			if err != nil {
				return nil, err
			}
			targets := make([]protocol.RouteTarget, 0, len(rp.Targets))
			for _, t := range rp.Targets {
				target, err := resolveTarget(t, providers)
				if err != nil {
					return nil, err
				}
				targets = append(targets, target)
			}
			pools = append(pools, protocol.Pool{ID: rp.ID, Mode: mode, Targets: targets})
		}
		policy[protocol.Category(category)] = pools
	}
	if len(policy[protocol.CategoryDefault]) == 0 {
		return nil, configInvalid("routing category %q must be non-empty", protocol.CategoryDefault)
	}
	return policy, nil
}

func parseMode(s string) (protocol.PoolMode, error) {
	switch protocol.PoolMode(s) {
	case protocol.ModePriority, protocol.ModeRoundRobin, protocol.ModeWeighted:
		return protocol.PoolMode(s), nil
	default:
		return "", configInvalid("unknown pool mode %q", s)
	}
}

// resolveTarget parses "providerId.modelId.keyAlias" and validates every
// component exists, per the RouteTarget invariant in §3.
func resolveTarget(s string, providers map[string]ProviderProfile) (protocol.RouteTarget, error) {
	parts := strings.SplitN(s, ".", 3)
	if len(parts) != 3 {
		return protocol.RouteTarget{}, configInvalid("route target %q must be providerId.modelId.keyAlias", s)
	}
	providerID, modelID, alias := parts[0], parts[1], parts[2]
	profile, ok := providers[providerID]
	if !ok {
		return protocol.RouteTarget{}, configInvalid("route target %q references unknown provider %q", s, providerID)
	}
	if _, ok := profile.Models[modelID]; !ok {
		return protocol.RouteTarget{}, configInvalid("route target %q references unknown model %q", s, modelID)
	}
	found := false
	for _, a := range profile.Credentials {
		if a == alias {
			found = true
			break
		}
	}
	if !found {
		return protocol.RouteTarget{}, configInvalid("route target %q references unknown credential alias %q", s, alias)
	}
	return protocol.RouteTarget{ProviderID: providerID, ModelID: modelID, KeyAlias: alias}, nil
}
