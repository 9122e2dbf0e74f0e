package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateWorkers(cfg, ve)
	validateBus(cfg, ve)
	validateLLM(cfg, ve)
	validateHosted(cfg, ve)
	validateArtifacts(cfg, ve)
	validateMemory(cfg, ve)
	validateSessions(cfg, ve)
	validateObservability(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateWorkers(cfg *Config, ve *ValidationError) {
	if cfg.Workers.Count <= 0 {
		ve.Add("workers.count must be > 0")
	}
	if cfg.Workers.PollInterval <= 0 {
		ve.Add("workers.poll_interval must be > 0")
	}
	if cfg.Workers.RunTimeout <= 0 {
		ve.Add("workers.run_timeout must be > 0")
	}
}

func validateBus(cfg *Config, ve *ValidationError) {
	switch cfg.Bus.Backend {
	case "memory":
	case "redis":
		if cfg.Bus.RedisURL == "" {
			ve.Add("bus.redis_url is required for the redis backend")
		} else if u, err := url.Parse(cfg.Bus.RedisURL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			ve.Add("bus.redis_url %q must be a redis:// or rediss:// URL", cfg.Bus.RedisURL)
		}
	default:
		ve.Add("bus.backend %q must be one of: redis, memory", cfg.Bus.Backend)
	}
	if cfg.Bus.TaskQueue == "" {
		ve.Add("bus.task_queue is required")
	}
	if cfg.Bus.CacheTTL < 0 {
		ve.Add("bus.cache_ttl must be >= 0")
	}
}

func validateLLM(cfg *Config, ve *ValidationError) {
	names := make(map[string]bool, len(cfg.LLM.Providers))
	for i, p := range cfg.LLM.Providers {
		if p.Name == "" {
			ve.Add("llm.providers[%d].name is required", i)
			continue
		}
		if names[p.Name] {
			ve.Add("llm.providers: duplicate name %q", p.Name)
		}
		names[p.Name] = true
		switch p.Type {
		case "openai", "":
		case "azure_openai":
			if p.BaseURL == "" {
				ve.Add("llm.providers[%s].base_url is required for azure_openai", p.Name)
			}
		case "bedrock":
			if p.Model == "" {
				ve.Add("llm.providers[%s].model is required for bedrock", p.Name)
			}
		default:
			ve.Add("llm.providers[%s].type %q must be one of: openai, azure_openai, bedrock", p.Name, p.Type)
		}
	}
	if cfg.LLM.DefaultProvider != "" && len(cfg.LLM.Providers) > 0 && !names[cfg.LLM.DefaultProvider] {
		ve.Add("llm.default_provider %q does not match any provider", cfg.LLM.DefaultProvider)
	}
}

func validateHosted(cfg *Config, ve *ValidationError) {
	if !cfg.Hosted.Enabled {
		return
	}
	if cfg.Hosted.Endpoint == "" {
		ve.Add("hosted.endpoint is required when hosted is enabled")
	}
	if cfg.Hosted.APIKey == "" && !cfg.Hosted.UseAzureIdentity {
		ve.Add("hosted: one of api_key or use_azure_identity is required")
	}
	if cfg.Hosted.PollInterval <= 0 {
		ve.Add("hosted.poll_interval must be > 0")
	}
	if cfg.Hosted.RequestsPerSecond < 0 {
		ve.Add("hosted.requests_per_second must be >= 0")
	}
}

func validateArtifacts(cfg *Config, ve *ValidationError) {
	switch cfg.Artifacts.Provider {
	case "":
	case "azblob":
		if cfg.Artifacts.ConnectionString == "" && (cfg.Artifacts.AccountName == "" || cfg.Artifacts.AccountKey == "") {
			ve.Add("artifacts: azblob needs connection_string or account_name + account_key")
		}
		if cfg.Artifacts.Container == "" {
			ve.Add("artifacts.container is required")
		}
		if cfg.Artifacts.SASExpiry <= 0 {
			ve.Add("artifacts.sas_expiry must be > 0")
		}
	default:
		ve.Add("artifacts.provider %q must be one of: azblob, \"\"", cfg.Artifacts.Provider)
	}
}

func validateMemory(cfg *Config, ve *ValidationError) {
	if !cfg.Memory.Enabled {
		return
	}
	if cfg.Memory.DBPath == "" {
		ve.Add("memory.db_path is required when memory is enabled")
	}
	if cfg.Memory.MinRelevance < 0 || cfg.Memory.MinRelevance > 1 {
		ve.Add("memory.min_relevance must be in [0,1]")
	}
	if cfg.Memory.MaxResults <= 0 {
		ve.Add("memory.max_results must be > 0")
	}
	switch cfg.Memory.Embedding.Provider {
	case "", "openai":
	default:
		ve.Add("memory.embedding.provider %q must be one of: openai", cfg.Memory.Embedding.Provider)
	}
}

func validateSessions(cfg *Config, ve *ValidationError) {
	if cfg.Sessions.IdleTTL < 0 {
		ve.Add("sessions.idle_ttl must be >= 0")
	}
	if cfg.Sessions.IdleTTL > 0 && cfg.Sessions.ReapSchedule == "" {
		ve.Add("sessions.reap_schedule is required when idle_ttl is set")
	}
	if cfg.Sessions.HistoryLimit < 0 {
		ve.Add("sessions.history_limit must be >= 0")
	}
}

func validateObservability(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Format) {
	case "json", "text", "":
	default:
		ve.Add("logger.format %q must be one of: json, text", cfg.Logger.Format)
	}
	switch cfg.Tracer.Exporter {
	case "stdout", "noop", "":
	default:
		ve.Add("tracer.exporter %q must be one of: stdout, noop", cfg.Tracer.Exporter)
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		ve.Add("metrics.addr is required when metrics are enabled")
	}
}
