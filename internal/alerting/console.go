package alerting

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// ConsoleChannel writes a formatted text block per alert. Used for headless
// operation and tests.
type ConsoleChannel struct {
	toggle
	mu      sync.Mutex
	out     io.Writer
	colored bool
}

// NewConsoleChannel writes to out (stdout when nil). colored enables ANSI
// colouring by priority.
func NewConsoleChannel(out io.Writer, colored bool) *ConsoleChannel {
	if out == nil {
		out = os.Stdout
	}
	return &ConsoleChannel{out: out, colored: colored}
}

func (c *ConsoleChannel) Name() string { return "console" }

func (c *ConsoleChannel) Send(ctx context.Context, alert Alert) error {
	if !c.Enabled() {
		return ErrChannelDisabled
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	text := c.Format(alert)

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := io.WriteString(c.out, text)
	return err
}

// Format renders the alert as it would be printed.
func (c *ConsoleChannel) Format(alert Alert) string {
	paint := priorityColor(alert.Priority)
	if !c.colored {
		paint.DisableColor()
	} else {
		paint.EnableColor()
	}

	var b strings.Builder
	b.WriteString(strings.Repeat("=", 60) + "\n")
	b.WriteString(paint.Sprintf("[%s] %s", alert.Priority, alert.Type))
	b.WriteString("\n")
	fmt.Fprintf(&b, "ID:        %s\n", alert.ID)
	fmt.Fprintf(&b, "Time:      %s\n", alert.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "Source:    %s\n", alert.Source)
	fmt.Fprintf(&b, "Status:    %s\n", alert.Status)
	fmt.Fprintf(&b, "Message:   %s\n", alert.Message)
	if len(alert.Details) > 0 {
		b.WriteString("Details:\n")
		keys := make([]string, 0, len(alert.Details))
		for k := range alert.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s: %v\n", k, alert.Details[k])
		}
	}
	b.WriteString(strings.Repeat("=", 60) + "\n")
	return b.String()
}

func priorityColor(p Priority) *color.Color {
	switch p {
	case PriorityCritical:
		return color.New(color.FgHiRed, color.Bold)
	case PriorityHigh:
		return color.New(color.FgRed)
	case PriorityMedium:
		return color.New(color.FgYellow)
	case PriorityLow:
		return color.New(color.FgBlue)
	default:
		return color.New(color.FgWhite)
	}
}
