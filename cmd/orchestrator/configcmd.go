package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"agentfabric/internal/infra/config"
	"agentfabric/internal/infra/logger"
	"agentfabric/internal/usecase/runtimeconfig"
)

func newConfigCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect, encrypt and publish configuration",
	}
	cmd.AddCommand(
		newConfigValidateCmd(opts),
		newConfigEncryptCmd(),
		newConfigPublishCmd(opts),
	)
	return cmd
}

func newConfigValidateCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [RUNTIME_CONFIG]",
		Short: "Validate the process config and, optionally, a runtime config document",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runtimePath := ""
			if len(args) == 1 {
				runtimePath = args[0]
			}
			return validateConfigs(opts.resolvedConfigPath(), runtimePath, cmd.OutOrStdout())
		},
	}
}

func validateConfigs(processPath, runtimePath string, out io.Writer) error {
	cfg, err := config.Load(processPath)
	if err != nil {
		return fmt.Errorf("process config %s: %w", processPath, err)
	}
	fmt.Fprintf(out, "process config ok (%s): bus=%s workers=%d providers=%d\n",
		processPath, cfg.Bus.Backend, cfg.Workers.Count, len(cfg.LLM.Providers))

	var rc *runtimeconfig.ResolvedConfig
	if runtimePath != "" {
		rc, err = runtimeconfig.Load(runtimePath)
	} else {
		rc, err = loadRuntimeDefault(cfg.Runtime)
	}
	if err != nil {
		return fmt.Errorf("runtime config: %w", err)
	}
	kinds := rc.Kinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	fmt.Fprintf(out, "runtime config ok: %d agents (%s)\n", len(names), strings.Join(names, ", "))
	return nil
}

func newConfigEncryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt VALUE",
		Short: "Encrypt a secret for use as an enc: config value",
		Long:  "Encrypts VALUE with the passphrase in $" + config.EnvConfigKey + ".",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			passphrase := os.Getenv(config.EnvConfigKey)
			if passphrase == "" {
				return fmt.Errorf("%s is not set", config.EnvConfigKey)
			}
			enc, err := config.EncryptValue(args[0], passphrase)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enc:%s\n", enc)
			return nil
		},
	}
}

func newConfigPublishCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "publish VERSION FILE",
		Short: "Publish a runtime config document to the config cache",
		Long: `Validates FILE and stores it under VERSION. Requests select it with
additional_metadata.config_version. Versions are immutable: publishing an
existing version fails.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.resolvedConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return publishRuntime(cmd.Context(), cfg, args[0], args[1], cmd.OutOrStdout())
		},
	}
}

func publishRuntime(ctx context.Context, cfg *config.Config, version, path string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	rc, err := runtimeconfig.Load(path)
	if err != nil {
		return err
	}
	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	bus, err := newBus(ctx, cfg.Bus, log)
	if err != nil {
		return fmt.Errorf("message bus: %w", err)
	}
	defer bus.Close()

	if err := runtimeconfig.NewResolver(bus, nil, log).Publish(ctx, version, rc, cfg.Bus.CacheTTL); err != nil {
		return err
	}
	fmt.Fprintf(out, "published runtime config %s\n", version)
	return nil
}
