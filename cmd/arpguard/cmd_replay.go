package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/arpguard/arpguard/internal/alerting"
	"github.com/arpguard/arpguard/internal/core"
)

type replayResult struct {
	Stats     core.ReplayStats `json:"stats"`
	Alerts    []alerting.Alert `json:"alerts"`
	Responses int              `json:"responses_processed,omitempty"`
}

func newReplayCmd(root *rootOptions) *cobra.Command {
	var (
		format  string
		respond bool
		console bool
		minPrio string
	)
	cmd := &cobra.Command{
		Use:   "replay <file|->",
		Short: "Run recorded ARP packets through the detection pipeline",
		Long: `Read JSON-lines packet records from a file (or stdin with "-"), run each
through the context tracker, rule engine and alert manager, and print the
resulting alerts. The event bus is not started.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outFmt, err := parseFormat(format)
			if err != nil {
				return err
			}
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			cfg.Bus.Enabled = false
			cfg.Oracle.Enabled = false
			cfg.Channels.NATS.Enabled = false
			cfg.Channels.Console.Enabled = console
			cfg.Response.Enabled = respond
			cfg.Detection.ReplayFile = ""
			if minPrio != "" {
				cfg.Alerts.MinPriority = minPrio
			}

			logger := core.NewLogger(cfg.Logging, cmd.ErrOrStderr())
			engine, err := core.NewEngine(cfg, logger)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			var stats core.ReplayStats
			if args[0] == "-" {
				stats, err = engine.Pipeline.Replay(ctx, cmd.InOrStdin())
			} else {
				stats, err = engine.Pipeline.ReplayFile(ctx, args[0])
			}
			if err != nil {
				return err
			}

			res := replayResult{Stats: stats}
			if engine.Handler != nil {
				res.Responses = engine.Handler.ProcessAlerts(ctx)
			}
			engine.Alerts.Wait()
			res.Alerts = engine.Alerts.GetAlerts(alerting.Query{})
			if res.Alerts == nil {
				res.Alerts = []alerting.Alert{}
			}

			out := cmd.OutOrStdout()
			if outFmt == FormatJSON {
				return writeJSON(out, res)
			}
			renderReplay(out, res)
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "table", "output format: table or json")
	cmd.Flags().BoolVar(&respond, "respond", false, "run automated response rules on the alerts")
	cmd.Flags().BoolVar(&console, "console", false, "also print each alert through the console channel")
	cmd.Flags().StringVar(&minPrio, "min-priority", "", "drop alerts below this priority")
	return cmd
}

func renderReplay(w io.Writer, res replayResult) {
	s := res.Stats
	fmt.Fprintf(w, "Replayed %d lines: %d processed, %d invalid, %d malformed, %d detections\n",
		s.Lines, s.Processed, s.Invalid, s.Malformed, s.Detections)
	if res.Responses > 0 {
		fmt.Fprintf(w, "Response rules ran for %d alerts\n", res.Responses)
	}
	fmt.Fprintln(w)
	renderAlerts(w, res.Alerts)
}
