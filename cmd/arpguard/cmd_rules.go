package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/arpguard/arpguard/internal/core"
	"github.com/arpguard/arpguard/internal/rules"
)

func newRulesCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect, export and validate detection rules",
	}
	cmd.AddCommand(newRulesListCmd(root), newRulesExportCmd(root), newRulesValidateCmd())
	return cmd
}

// loadRuleEngine returns a rule engine holding the configured rule set, or
// the built-in rules when no rules file is configured.
func loadRuleEngine(root *rootOptions, cmd *cobra.Command) (*rules.Engine, error) {
	cfg, err := root.loadConfig()
	if err != nil {
		return nil, err
	}
	logger := core.NewLogger(cfg.Logging, cmd.ErrOrStderr())
	engine := rules.NewEngine(logger)
	if cfg.Rules.Path != "" {
		if err := engine.LoadRules(cfg.Rules.Path); err != nil {
			return nil, err
		}
	}
	return engine, nil
}

func newRulesListCmd(root *rootOptions) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the active rule set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			outFmt, err := parseFormat(format)
			if err != nil {
				return err
			}
			engine, err := loadRuleEngine(root, cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if outFmt == FormatJSON {
				return writeJSON(out, engine.GetStatistics())
			}
			t := NewTable(out, "ID", "CONDITION", "SEVERITY", "ENABLED", "THRESHOLD", "COOLDOWN")
			for _, r := range engine.Rules() {
				t.AddRow(
					r.ID,
					r.Condition.String(),
					r.Severity.String(),
					strconv.FormatBool(r.Enabled),
					strconv.FormatFloat(r.Threshold, 'f', 2, 64),
					r.Cooldown.String(),
				)
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "table", "output format: table or json")
	return cmd
}

func newRulesExportCmd(root *rootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the active rule set as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := loadRuleEngine(root, cmd)
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				data, err := engine.Export()
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := engine.SaveRules(output); err != nil {
				return err
			}
			abs, _ := filepath.Abs(output)
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d rules to %s\n", len(engine.RuleIDs()), abs)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}

func newRulesValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a rules file for errors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading rules file: %w", err)
			}
			parsed, invalid, err := rules.ParseRules(data)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range invalid {
				fmt.Fprintf(out, "  ✗ %v\n", e)
			}
			if len(invalid) > 0 {
				return fmt.Errorf("%d of %d rules invalid", len(invalid), len(parsed)+len(invalid))
			}
			if len(parsed) == 0 {
				return fmt.Errorf("no rules defined, the built-in set would be used")
			}
			ids := make([]string, 0, len(parsed))
			for _, r := range parsed {
				ids = append(ids, r.ID)
			}
			fmt.Fprintf(out, "✓ %d rules valid: %s\n", len(parsed), strings.Join(ids, ", "))
			return nil
		},
	}
}
