package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/arpguard/arpguard/internal/core"
	"github.com/arpguard/arpguard/internal/ratedetect"
	"github.com/arpguard/arpguard/internal/ratemon"
	"github.com/arpguard/arpguard/internal/threshold"
)

func newThresholdsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "thresholds",
		Short: "Inspect adaptive rate thresholds",
	}
	cmd.AddCommand(newThresholdsShowCmd(root))
	return cmd
}

func newThresholdsShowCmd(root *rootOptions) *cobra.Command {
	var (
		format string
		path   string
	)
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show persisted thresholds",
		Long: `Show the thresholds persisted by a running engine. When the file holds
no thresholds, the seed values the engine would create for each configured
interface are shown instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			outFmt, err := parseFormat(format)
			if err != nil {
				return err
			}
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if path == "" {
				path = cfg.Thresholds.Path
			}

			logger := core.NewLogger(cfg.Logging, cmd.ErrOrStderr())
			mgr := threshold.NewManager(ratemon.New(logger), threshold.ManagerOptions{Logger: logger})
			n, err := mgr.Load(path)
			if err != nil {
				return err
			}
			source := path
			if n == 0 {
				defaults := core.RateDefaults(cfg)
				for _, iface := range cfg.Interfaces {
					mgr.CreateDefaultThresholds(ratedetect.DetectorName(iface), defaults)
				}
				source = "defaults"
			}

			views := mgr.Snapshot()
			out := cmd.OutOrStdout()
			if outFmt == FormatJSON {
				return writeJSON(out, views)
			}
			fmt.Fprintf(out, "Thresholds (%s):\n", source)
			t := NewTable(out, "DETECTOR", "METRIC", "NAME", "CURRENT", "MIN", "MAX", "ADAPTATIONS")
			for _, v := range views {
				maxVal := "-"
				if v.MaxValue != nil {
					maxVal = strconv.FormatFloat(*v.MaxValue, 'f', 1, 64)
				}
				t.AddRow(
					v.Detector,
					v.Metric,
					v.Name,
					strconv.FormatFloat(v.CurrentValue, 'f', 1, 64),
					strconv.FormatFloat(v.MinValue, 'f', 1, 64),
					maxVal,
					strconv.Itoa(v.AdaptationsCount),
				)
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "table", "output format: table or json")
	cmd.Flags().StringVar(&path, "file", "", "thresholds file (default thresholds.path from config)")
	return cmd
}
