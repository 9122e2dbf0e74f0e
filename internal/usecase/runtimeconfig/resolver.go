package runtimeconfig

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"agentfabric/internal/domain"
	"agentfabric/internal/infra/logger"
)

// defaultParsedCapacity bounds how many parsed versions a Resolver keeps.
const defaultParsedCapacity = 64

// Resolver maps a request's config_version to a ResolvedConfig. Published
// versions are immutable, so the most recently used parsed configs are
// memoized per version.
type Resolver struct {
	cache    domain.ConfigCache
	fallback *ResolvedConfig
	logger   *slog.Logger

	mu       sync.Mutex
	capacity int
	order    *list.List // front is most recent
	parsed   map[string]*list.Element
}

type parsedEntry struct {
	version string
	cfg     *ResolvedConfig
}

// NewResolver creates a resolver over cache. fallback is returned whenever a
// version is absent, missing from the cache or unparseable.
func NewResolver(cache domain.ConfigCache, fallback *ResolvedConfig, logger *slog.Logger) *Resolver {
	return &Resolver{
		cache:    cache,
		fallback: fallback,
		logger:   logger,
		capacity: defaultParsedCapacity,
		order:    list.New(),
		parsed:   make(map[string]*list.Element),
	}
}

// Default returns the fallback configuration.
func (r *Resolver) Default() *ResolvedConfig { return r.fallback }

// Resolve never fails: problems are logged and the default is returned.
func (r *Resolver) Resolve(ctx context.Context, req *domain.Request) *ResolvedConfig {
	version := req.ConfigVersion()
	if version == "" {
		return r.fallback
	}
	log := logger.FromContext(ctx, r.logger).With("config_version", version)

	if cfg, ok := r.lookup(version); ok {
		return cfg
	}

	data, found, err := r.cache.Get(ctx, domain.NamespaceOrchestratorRuntime, version)
	switch {
	case err != nil:
		log.Warn("runtime config lookup failed, using default", "error", err)
		return r.fallback
	case !found:
		log.Warn("runtime config not found, using default", "error", domain.ErrCacheMiss)
		return r.fallback
	}

	cfg, err := Parse(data)
	if err != nil {
		log.Warn("runtime config invalid, using default", "error", err)
		return r.fallback
	}
	if cfg.VersionID == "" {
		cfg.VersionID = version
	}

	r.remember(version, cfg)
	log.Debug("runtime config resolved")
	return cfg
}

func (r *Resolver) lookup(version string) (*ResolvedConfig, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.parsed[version]
	if !ok {
		return nil, false
	}
	r.order.MoveToFront(el)
	return el.Value.(*parsedEntry).cfg, true
}

func (r *Resolver) remember(version string, cfg *ResolvedConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if el, ok := r.parsed[version]; ok {
		r.order.MoveToFront(el)
		return
	}
	r.parsed[version] = r.order.PushFront(&parsedEntry{version: version, cfg: cfg})
	for r.order.Len() > r.capacity {
		oldest := r.order.Back()
		r.order.Remove(oldest)
		delete(r.parsed, oldest.Value.(*parsedEntry).version)
	}
}

// Len returns the number of memoized versions.
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}

// Publish writes cfg to the cache under version. Publishing an existing
// version fails with ErrDuplicate.
func (r *Resolver) Publish(ctx context.Context, version string, cfg *ResolvedConfig, ttl time.Duration) error {
	if version == "" {
		return domain.NewDomainError("Resolver.Publish", domain.ErrInvalidRequest, "version is required")
	}
	published := *cfg
	published.VersionID = version
	data, err := published.Encode()
	if err != nil {
		return domain.WrapOp("Resolver.Publish", err)
	}
	if _, err := Parse(data); err != nil {
		return domain.NewDomainError("Resolver.Publish", domain.ErrInvalidRequest, err.Error())
	}
	return domain.WrapOp("Resolver.Publish", r.cache.Set(ctx, domain.NamespaceOrchestratorRuntime, version, data, ttl))
}
