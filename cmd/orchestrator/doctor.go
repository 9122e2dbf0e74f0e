package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"agentfabric/internal/domain"
	"agentfabric/internal/infra/config"
	"agentfabric/internal/infra/logger"
	"agentfabric/internal/usecase/agent"
	"agentfabric/internal/usecase/runtimeconfig"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

func newDoctorCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and connectivity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(opts.resolvedConfigPath(), cmd.OutOrStdout())
		},
	}
}

func runDoctor(cfgPath string, out io.Writer) error {
	cfg, cfgErr := config.Load(cfgPath)
	if cfgErr != nil {
		cfg = nil
	}

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "LLM API key", Fn: checkLLMAPIKey},
		{Name: "Message bus", Fn: checkBus},
		{Name: "Runtime config", Fn: checkRuntimeConfig},
		{Name: "Hosted platform", Fn: checkHosted},
		{Name: "Artifact store", Fn: checkArtifacts},
		{Name: "Agent memory", Fn: checkMemory},
	}

	fmt.Fprintln(out, "agentfabric doctor")
	fmt.Fprintln(out, strings.Repeat("=", 50))

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		fmt.Fprintf(out, "  [%s] %s: %s\n", result.Status, check.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(out, "      Fix: %s\n", result.Fix)
		}
		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(out, strings.Repeat("-", 50))
	fmt.Fprintf(out, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)
	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

var notLoaded = CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}

func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(*config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Run 'agentfabric config validate' for details",
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults and environment", cfgPath),
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("config loaded from %s", cfgPath)}
	}
}

func checkLLMAPIKey(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if len(cfg.LLM.Providers) == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: "no LLM providers configured",
			Fix:     "Add a provider under llm.providers",
		}
	}
	var withKey, withoutKey []string
	for _, p := range cfg.LLM.Providers {
		// Bedrock authenticates through the AWS credential chain.
		if p.APIKey != "" || p.Type == "bedrock" {
			withKey = append(withKey, p.Name)
		} else {
			withoutKey = append(withoutKey, p.Name)
		}
	}
	switch {
	case len(withKey) == 0:
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("no API keys found for providers: %s", strings.Join(withoutKey, ", ")),
			Fix:     "Set AGENTFABRIC_LLM_PROVIDER_<NAME>_API_KEY",
		}
	case len(withoutKey) > 0:
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("keys configured for [%s]; missing for [%s]", strings.Join(withKey, ", "), strings.Join(withoutKey, ", ")),
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("API keys configured for: %s", strings.Join(withKey, ", "))}
}

func checkBus(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if cfg.Bus.Backend == "memory" {
		return CheckResult{Status: StatusWarn, Message: "in-process bus: tasks cannot be submitted from other processes"}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	bus, err := newBus(ctx, cfg.Bus, logger.Discard())
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot reach %s: %v", cfg.Bus.RedisURL, err),
			Fix:     "Check bus.redis_url and AGENTFABRIC_REDIS_PASSWORD",
		}
	}
	_ = bus.Close()
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("redis reachable (latency: %dms)", time.Since(start).Milliseconds())}
}

// hostedKinds lists the configured kinds that run on the hosted platform.
func hostedKinds(rc *runtimeconfig.ResolvedConfig) []string {
	specs := make(map[domain.AgentKind]agent.Spec)
	for _, s := range agent.DefaultSpecs() {
		specs[s.Kind] = s
	}
	var out []string
	for _, kind := range rc.Kinds() {
		ac, err := rc.AgentConfig(kind)
		if err != nil {
			continue
		}
		if ac.Hosted() || (ac.Type == "" && specs[kind].Variant == domain.VariantHosted) {
			out = append(out, string(kind))
		}
	}
	return out
}

func checkRuntimeConfig(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	rc, err := loadRuntimeDefault(cfg.Runtime)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: err.Error(),
			Fix:     "Fix runtime.default_path or remove it to use the packaged default",
		}
	}
	for _, required := range []domain.AgentKind{domain.KindPlanner, domain.KindFallback} {
		if _, err := rc.AgentConfig(required); err != nil {
			return CheckResult{Status: StatusFail, Message: fmt.Sprintf("runtime config has no %s", required)}
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d agents configured", len(rc.Kinds()))}
}

func checkHosted(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	rc, err := loadRuntimeDefault(cfg.Runtime)
	if err != nil {
		return CheckResult{Status: StatusWarn, Message: "skipped, runtime config invalid"}
	}
	kinds := hostedKinds(rc)
	if !cfg.Hosted.Enabled {
		if len(kinds) > 0 {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("hosted agents configured (%s) but the hosted platform is disabled", strings.Join(kinds, ", ")),
				Fix:     "Set hosted.enabled and hosted.endpoint, or give those agents type chat_completion",
			}
		}
		return CheckResult{Status: StatusPass, Message: "not used"}
	}
	if cfg.Hosted.APIKey == "" && !cfg.Hosted.UseAzureIdentity {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no API key and azure identity disabled; requests will be unauthenticated",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s serves %d agents", cfg.Hosted.Endpoint, len(kinds))}
}

func checkArtifacts(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if cfg.Artifacts.Provider == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no artifact store: visualization files are not uploaded and save requests fail",
			Fix:     "Set artifacts.provider to azblob",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s containers %s, %s", cfg.Artifacts.Provider, cfg.Artifacts.Container, cfg.Artifacts.ReportsContainer)}
}

func checkMemory(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if !cfg.Memory.Enabled {
		return CheckResult{Status: StatusPass, Message: "disabled"}
	}
	if cfg.Memory.Embedding.Provider == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: "enabled without an embedding provider; memory stays off",
			Fix:     "Set memory.embedding.provider",
		}
	}
	dir := filepath.Dir(cfg.Memory.DBPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("cannot create %s: %v", dir, err)}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("sqlite at %s", cfg.Memory.DBPath)}
}
