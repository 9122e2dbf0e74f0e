package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "./agentfabric.yaml"

// globalOptions holds the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
}

// resolvedConfigPath returns --config, then $AGENTFABRIC_CONFIG, then the default.
func (o *globalOptions) resolvedConfigPath() string {
	if o.configPath != "" {
		return o.configPath
	}
	if p := os.Getenv("AGENTFABRIC_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "agentfabric",
		Short: "Session-scoped agent orchestration workers",
		Long: `agentfabric drains a task queue of chat requests, routes each to its
session's orchestrator, plans which agents to call, runs them in order and
streams progress updates and one final response back on the session channel.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "process config file (default: $AGENTFABRIC_CONFIG or "+defaultConfigPath+")")

	root.AddCommand(
		newServeCmd(opts),
		newSubmitCmd(opts),
		newConfigCmd(opts),
		newDoctorCmd(opts),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
