package main

// ---------------------------------------------------------------------------
// output.go: format flag, table rendering, output helpers
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/arpguard/arpguard/internal/alerting"
)

// OutputFormat enumerates supported output formats.
type OutputFormat int

const (
	FormatTable OutputFormat = iota
	FormatJSON
)

// parseFormat converts a --format string to an OutputFormat.
func parseFormat(s string) (OutputFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "table":
		return FormatTable, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatTable, fmt.Errorf("unknown format %q (want table or json)", s)
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ---------------------------------------------------------------------------
// Table renderer: auto-sized columns with box-drawing borders
// ---------------------------------------------------------------------------

// Table renders aligned, bordered tables to a writer.
type Table struct {
	headers []string
	rows    [][]string
	w       io.Writer
}

// NewTable creates a table with the given column headers.
func NewTable(w io.Writer, headers ...string) *Table {
	return &Table{headers: headers, w: w}
}

// AddRow appends a row, padded or truncated to the header count.
func (t *Table) AddRow(values ...string) {
	row := make([]string, len(t.headers))
	copy(row, values)
	t.rows = append(t.rows, row)
}

func (t *Table) rule(left, mid, right string, widths []int) string {
	var b strings.Builder
	b.WriteString(left)
	for i, w := range widths {
		b.WriteString(strings.Repeat("─", w+2))
		if i < len(widths)-1 {
			b.WriteString(mid)
		}
	}
	b.WriteString(right)
	return b.String()
}

// visibleLen is the printed width of s, ignoring ANSI colour sequences.
func visibleLen(s string) int {
	n, esc := 0, false
	for _, r := range s {
		switch {
		case esc:
			if r == 'm' {
				esc = false
			}
		case r == '\x1b':
			esc = true
		default:
			n++
		}
	}
	return n
}

// Render writes the table with box-drawing borders.
func (t *Table) Render() {
	if len(t.headers) == 0 {
		return
	}

	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = len(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if n := visibleLen(cell); n > widths[i] {
				widths[i] = n
			}
		}
	}

	printRow := func(cells []string) {
		fmt.Fprint(t.w, "│")
		for i, cell := range cells {
			fmt.Fprintf(t.w, " %s%s │", cell, strings.Repeat(" ", widths[i]-visibleLen(cell)))
		}
		fmt.Fprintln(t.w)
	}

	fmt.Fprintln(t.w, t.rule("┌", "┬", "┐", widths))
	printRow(t.headers)
	fmt.Fprintln(t.w, t.rule("├", "┼", "┤", widths))
	for _, row := range t.rows {
		printRow(row)
	}
	fmt.Fprintln(t.w, t.rule("└", "┴", "┘", widths))
}

// ---------------------------------------------------------------------------
// Alert rendering
// ---------------------------------------------------------------------------

// priorityLabel colours a priority name. Colour is dropped when stdout is
// not a terminal or NO_COLOR is set.
func priorityLabel(p alerting.Priority) string {
	switch p {
	case alerting.PriorityCritical:
		return color.New(color.FgHiRed, color.Bold).Sprint(p.String())
	case alerting.PriorityHigh:
		return color.RedString(p.String())
	case alerting.PriorityMedium:
		return color.YellowString(p.String())
	default:
		return p.String()
	}
}

func renderAlerts(w io.Writer, alerts []alerting.Alert) {
	if len(alerts) == 0 {
		fmt.Fprintln(w, "No alerts.")
		return
	}
	t := NewTable(w, "TIME", "PRIORITY", "TYPE", "SOURCE", "MESSAGE")
	for _, a := range alerts {
		t.AddRow(
			a.Timestamp.Format("15:04:05"),
			priorityLabel(a.Priority),
			string(a.Type),
			a.Source,
			truncate(a.Message, 72),
		)
	}
	t.Render()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
