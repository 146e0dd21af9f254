package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/arpguard/arpguard/internal/core"
)

// Set by the build.
var (
	commit    = "dev"
	buildDate = "unknown"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "arpguard",
		Short: "ARP spoofing detection and automated response",
		Long: `ARPGuard watches ARP traffic for spoofing, gateway impersonation and
flooding, learns per-interface traffic baselines, and routes alerts to
notification channels and automated response actions.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv(core.EnvPrefix+"_CONFIG"), "config file (YAML or JSON)")

	cmd.AddCommand(
		newRunCmd(opts),
		newReplayCmd(opts),
		newRulesCmd(opts),
		newThresholdsCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

func (o *rootOptions) loadConfig() (*core.Config, error) {
	cfg, err := core.LoadConfig(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "arpguard %s\n", core.Version)
			fmt.Fprintf(out, "commit:  %s\n", commit)
			fmt.Fprintf(out, "built:   %s\n", buildDate)
		},
	}
}
