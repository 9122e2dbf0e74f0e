package agent

import (
	"context"
	"fmt"
	"log/slog"

	"agentfabric/internal/domain"
	"agentfabric/internal/usecase/runtimeconfig"
)

// ProviderSource looks up chat-completion providers by name. An empty name
// selects the default provider.
type ProviderSource interface {
	Get(name string) (domain.LLMProvider, error)
}

// Deps are the collaborators the default constructor builds agents from.
// Platform and Memory are optional.
type Deps struct {
	Providers ProviderSource
	Platform  domain.HostedPlatform
	Memory    domain.MemoryStore
	Logger    *slog.Logger
}

// NewConstructor returns the Constructor that builds LocalAgents and
// HostedAgents from the resolved configuration.
func NewConstructor(deps Deps) Constructor {
	return func(ctx context.Context, spec Spec, cfg *runtimeconfig.ResolvedConfig, ac runtimeconfig.AgentConfig) (domain.Agent, error) {
		log := deps.Logger.With("agent", spec.Kind)
		if ac.Hosted() || (ac.Type == "" && spec.Variant == domain.VariantHosted) {
			if deps.Platform == nil {
				return nil, fmt.Errorf("agent %s is hosted but no hosted platform is configured", spec.Kind)
			}
			return NewHostedAgent(ctx, spec.Kind, deps.Platform, HostedDefinition(cfg, ac), log)
		}

		svc, _ := cfg.Service(ac.Service)
		if deps.Providers == nil {
			return nil, fmt.Errorf("agent %s: no chat-completion providers configured", spec.Kind)
		}
		provider, err := deps.Providers.Get(svc.Provider)
		if err != nil {
			return nil, err
		}
		opts := []LocalOption{WithDefaultModel(svc.Model)}
		if ac.Memory && deps.Memory != nil {
			opts = append(opts, WithMemory(deps.Memory))
		}
		return NewLocalAgent(spec.Kind, provider, log, opts...), nil
	}
}

// HostedDefinition converts an agent config into a platform registration.
func HostedDefinition(cfg *runtimeconfig.ResolvedConfig, ac runtimeconfig.AgentConfig) domain.HostedAgentDefinition {
	return domain.HostedAgentDefinition{
		Name:          ac.Name,
		Description:   ac.Description,
		Instructions:  cfg.Instructions(ac),
		Model:         ac.Model.Deployment,
		Temperature:   ac.Model.Temperature,
		TopP:          ac.Model.TopP,
		Tools:         ac.Tools.Names(),
		ToolResources: ac.ToolResources,
		Metadata:      map[string]string{"config_version": cfg.VersionID},
	}
}
