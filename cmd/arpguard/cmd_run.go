package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/arpguard/arpguard/internal/api"
	"github.com/arpguard/arpguard/internal/core"
)

func newRunCmd(root *rootOptions) *cobra.Command {
	var (
		noAPI   bool
		noWatch bool
		dryRun  bool
		replay  string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the detection engine",
		Long: `Start the detection engine: connect the event bus, consume ARP packets,
evaluate rules and adaptive rate thresholds, deliver alerts and run
automated responses until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if noAPI {
				cfg.Server.Enabled = false
			}
			if cmd.Flags().Changed("dry-run") {
				cfg.Response.DryRun = dryRun
			}
			if replay != "" {
				cfg.Detection.ReplayFile = replay
			}

			logs := core.NewLogRingBuffer(1000)
			logger := core.NewLogger(cfg.Logging, os.Stderr, logs)

			engine, err := core.NewEngine(cfg, logger)
			if err != nil {
				return err
			}
			engine.Logs = logs

			if root.configPath != "" && !noWatch {
				if err := core.WatchConfig(engine, root.configPath); err != nil {
					logger.Warn().Err(err).Msg("config hot reload disabled")
				}
			}

			if err := engine.Start(cmd.Context()); err != nil {
				return err
			}
			if cfg.Server.Enabled {
				srv := api.NewServer(engine)
				if err := srv.Start(); err != nil {
					_ = engine.Shutdown()
					return fmt.Errorf("starting API server: %w", err)
				}
				defer func() {
					if err := srv.Stop(); err != nil {
						logger.Error().Err(err).Msg("API server shutdown")
					}
				}()
			}

			return engine.Wait()
		},
	}
	cmd.Flags().BoolVar(&noAPI, "no-api", false, "do not start the HTTP API")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload the config file on change")
	cmd.Flags().BoolVar(&dryRun, "dry-run", true, "log response commands instead of executing them")
	cmd.Flags().StringVar(&replay, "replay", "", "replay a JSON-lines packet file on start")
	return cmd
}
