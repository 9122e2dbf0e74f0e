package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"agentfabric/internal/domain"
	"agentfabric/internal/infra/config"
)

// Registry holds named LLM providers and a default.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]domain.LLMProvider
	defaultName string
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]domain.LLMProvider),
	}
}

// NewRegistryFromConfig builds every configured provider, wrapping each in a
// circuit breaker when enabled.
func NewRegistryFromConfig(ctx context.Context, cfg config.LLMConfig, logger *slog.Logger) (*Registry, error) {
	r := NewRegistry()
	for _, pc := range cfg.Providers {
		var p domain.LLMProvider
		switch pc.Type {
		case "openai", "azure_openai", "":
			p = NewOpenAIProvider(pc, logger)
		case "bedrock":
			bp, err := NewBedrockProvider(ctx, pc, logger)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", pc.Name, err)
			}
			p = bp
		default:
			return nil, fmt.Errorf("provider %s: unsupported type %q", pc.Name, pc.Type)
		}
		if cfg.CircuitBreaker.Enabled {
			p = NewCircuitBreakerProvider(p, cfg.CircuitBreaker, logger)
		}
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	r.SetDefault(cfg.DefaultProvider)
	return r, nil
}

// Register adds a provider. Returns error if name already registered.
func (r *Registry) Register(provider domain.LLMProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := provider.Name()
	if _, exists := r.providers[name]; exists {
		return domain.NewDomainError("Registry.Register", domain.ErrDuplicate, name)
	}
	r.providers[name] = provider
	if r.defaultName == "" {
		r.defaultName = name
	}
	return nil
}

// SetDefault names the provider Get("") resolves to.
func (r *Registry) SetDefault(name string) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.defaultName = name
	r.mu.Unlock()
}

// Get retrieves a provider by name; an empty name selects the default.
func (r *Registry) Get(name string) (domain.LLMProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		name = r.defaultName
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrProviderNotFound, name)
	}
	return p, nil
}

// List returns all registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
