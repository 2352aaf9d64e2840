package pipeline

import (
	"time"

	"go.uber.org/zap"

	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/health"
	"github.com/routecodex/routecodex/internal/protocol"
	"github.com/routecodex/routecodex/internal/providers"
)

// Factory builds immutable Pipeline instances keyed by
// provider.model.keyAlias, applying the default-stage substitution rules
// from §4.6 when a provider/model doesn't declare its own.
type Factory struct {
	health *health.Tracker
	logger *zap.Logger
}

func NewFactory(tracker *health.Tracker, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{health: tracker, logger: logger}
}

// defaultCompatibility infers the compatibility stage id from provider
// kind per §4.6: LMStudio -> lmstudio-compatibility, Qwen ->
// qwen-compatibility, else field-mapping.
func defaultCompatibility(kind string) string {
	switch kind {
	case "lmstudio-http":
		return "lmstudio-compatibility"
	case "qwen-provider":
		return "qwen-compatibility"
	default:
		return "field-mapping"
	}
}

// Build produces one Pipeline for target, reading stage overrides from
// the model profile (falling back to the provider profile, falling back
// to the §4.6 defaults).
func (f *Factory) Build(target protocol.RouteTarget, provider config.ProviderProfile) (*Pipeline, error) {
	model, ok := provider.Models[target.ModelID]
	if !ok {
		return nil, &protocol.Error{Kind: protocol.KindConfigInvalid, Message: "unknown model " + target.ModelID + " for provider " + provider.ID}
	}

	llmSwitchID := stringOption(model.LLMSwitch, "id", "openai-passthrough")
	workflowID := stringOption(model.Workflow, "id", "streaming-control")
	compatID := stringOption(model.Compatibility, "id", defaultCompatibility(provider.Kind))

	limits := protocol.Limits{
		MaxContext:         model.MaxContext,
		MaxTokens:          model.MaxTokens,
		ProviderTimeoutMs:  500_000,
		StreamIdleCapMs:    15 * 60 * 1000,
		StreamHeadersCapMs: 30_000,
	}

	adapter := providers.New(providers.Config{
		ProviderName:       provider.ID,
		Kind:               provider.Kind,
		BaseURL:            provider.BaseURL,
		AuthMode:           provider.AuthMode,
		UserAgent:          provider.UserAgentOverride,
		Timeout:            time.Duration(limits.ProviderTimeoutMs) * time.Millisecond,
		HeadersCap:         time.Duration(limits.StreamHeadersCapMs) * time.Millisecond,
		InsecureSkipVerify: provider.InsecureSkipVerify,
	}, f.logger)

	spec := Spec{
		Target:       target,
		LLMSwitchID:  llmSwitchID,
		WorkflowID:   workflowID,
		CompatID:     compatID,
		ProviderKind: provider.Kind,
		Limits:       limits,
	}

	return &Pipeline{
		Spec:          spec,
		LLMSwitch:     BuildStage(llmSwitchID, model.LLMSwitch),
		Workflow:      BuildStage(workflowID, model.Workflow),
		Compatibility: BuildStage(compatID, model.Compatibility),
		Adapter:       adapter,
		Breaker:       f.health.Breaker(target.HealthKey()),
		Logger:        f.logger,
	}, nil
}

// stringOption reads a string field named key out of an options map,
// falling back to def when absent or not a string.
func stringOption(options map[string]interface{}, key, def string) string {
	if options == nil {
		return def
	}
	if v, ok := options[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}
