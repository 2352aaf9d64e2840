// Package config loads RouteCodex's JSON configuration, enforces the v2
// strict schema, merges per-provider files, and materializes the active
// routing-policy group into a ResolvedConfig the rest of the proxy builds
// from.
package config

import "github.com/routecodex/routecodex/internal/protocol"

// RawConfig is the top-level shape of ~/.routecodex/config.json.
type RawConfig struct {
	Version           string                 `json:"version"`
	VirtualRouterMode string                 `json:"virtualrouterMode"`
	HTTPServer        HTTPServerConfig       `json:"httpserver"`
	VirtualRouter     VirtualRouterConfig    `json:"virtualrouter"`
	Extra             map[string]interface{} `json:"-"` // legacy v1 keys, stripped under v2
}

type HTTPServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type VirtualRouterConfig struct {
	ActiveRoutingPolicyGroup string                         `json:"activeRoutingPolicyGroup"`
	RoutingPolicyGroups      map[string]RoutingPolicyGroup  `json:"routingPolicyGroups"`
	Routing                  map[string][]RawPool           `json:"routing,omitempty"`
	LoadBalancing            map[string]interface{}         `json:"loadBalancing,omitempty"`
	Classifier                map[string]interface{}        `json:"classifier,omitempty"`
	Health                    map[string]interface{}        `json:"health,omitempty"`
	ContextRouting            map[string]interface{}        `json:"contextRouting,omitempty"`
	WebSearch                 map[string]interface{}        `json:"webSearch,omitempty"`
	ExecCommandGuard          map[string]interface{}        `json:"execCommandGuard,omitempty"`
	Clock                     map[string]interface{}        `json:"clock,omitempty"`
}

// RoutingPolicyGroup is one named bundle of category -> pools plus the
// optional policy keys. Only Routing of the active group is used by the
// loader; the optional policy keys are parsed but not copied to
// VirtualRouter or carried into ResolvedConfig.
type RoutingPolicyGroup struct {
	Routing          map[string][]RawPool   `json:"routing"`
	LoadBalancing    map[string]interface{} `json:"loadBalancing,omitempty"`
	Classifier       map[string]interface{} `json:"classifier,omitempty"`
	Health           map[string]interface{} `json:"health,omitempty"`
	ContextRouting   map[string]interface{} `json:"contextRouting,omitempty"`
	WebSearch        map[string]interface{} `json:"webSearch,omitempty"`
	ExecCommandGuard map[string]interface{} `json:"execCommandGuard,omitempty"`
	Clock            map[string]interface{} `json:"clock,omitempty"`
}

type RawPool struct {
	ID      string   `json:"id"`
	Mode    string   `json:"mode"`
	Targets []string `json:"targets"`
}

// RawProviderFile is the shape of ~/.routecodex/provider/<id>/config.v2.json.
type RawProviderFile struct {
	Version    string         `json:"version"`
	ProviderID string         `json:"providerId"`
	Provider   RawProvider    `json:"provider"`
}

type RawProvider struct {
	Kind               string                    `json:"kind"`
	BaseURL            string                    `json:"baseUrl"`
	UserAgentOverride  string                    `json:"userAgentOverride,omitempty"`
	AuthMode           string                    `json:"authMode"`
	APIKeys            []string                  `json:"apiKey"`
	TokenFile          string                    `json:"tokenFile,omitempty"`
	InsecureSkipVerify bool                      `json:"insecureSkipVerify,omitempty"`
	Models             map[string]RawModel       `json:"models"`
	Compatibility      map[string]interface{}    `json:"compatibility,omitempty"`
	LLMSwitch          map[string]interface{}    `json:"llmSwitch,omitempty"`
	Workflow           map[string]interface{}    `json:"workflow,omitempty"`
}

type RawModel struct {
	MaxContext   int      `json:"maxContext"`
	MaxTokens    int      `json:"maxTokens"`
	Capabilities []string `json:"capabilities,omitempty"`

	Compatibility map[string]interface{} `json:"compatibility,omitempty"`
	LLMSwitch     map[string]interface{} `json:"llmSwitch,omitempty"`
	Workflow      map[string]interface{} `json:"workflow,omitempty"`
}

// ProviderProfile identifies one upstream family, fully merged (model
// overrides provider) and ready to feed the pipeline factory.
type ProviderProfile struct {
	ID                string
	Kind              string
	BaseURL           string
	UserAgentOverride string
	AuthMode          string
	// Credentials holds the stable key1..keyN aliases the router addresses
	// targets by. RawCredentials holds the corresponding raw apiKey config
	// entries (literal secret, "${VAR}" placeholder, or oauth marker) in
	// the same order; internal/credential classifies and resolves them.
	Credentials    []string
	RawCredentials []string
	TokenFile      string
	// InsecureSkipVerify relaxes certificate verification for this
	// provider's outbound client; set for local/self-signed endpoints
	// only, never the default.
	InsecureSkipVerify bool
	Models             map[string]ModelProfile
}

type ModelProfile struct {
	MaxContext    int
	MaxTokens     int
	Capabilities  []string
	Compatibility map[string]interface{}
	LLMSwitch     map[string]interface{}
	Workflow      map[string]interface{}
}

// ResolvedConfig is the fully loaded, validated, and merged configuration:
// the Config resolver's sole output.
type ResolvedConfig struct {
	Version    string
	HTTPServer HTTPServerConfig
	Providers  map[string]ProviderProfile
	Policy     protocol.RoutingPolicy
	ActiveGroup string
}
