package response

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/arpguard/arpguard/internal/alerting"
)

// ErrNotApplicable is returned when an action does not handle the alert type.
var ErrNotApplicable = errors.New("action not applicable to alert")

// Action is one step of an AlertRule.
type Action interface {
	Name() string
	Execute(ctx context.Context, alert alerting.Alert) error
}

// ----- Log -----

// LogAction appends one line per alert to a file.
type LogAction struct {
	mu   sync.Mutex
	path string
}

func NewLogAction(path string) *LogAction {
	return &LogAction{path: path}
}

func (a *LogAction) Name() string { return "log" }

func (a *LogAction) Execute(_ context.Context, alert alerting.Alert) error {
	details, err := json.Marshal(alert.Details)
	if err != nil {
		details = []byte("{}")
	}
	line := fmt.Sprintf("%s [%s] %s id=%s source=%s status=%s message=%q details=%s\n",
		alert.Timestamp.UTC().Format(time.RFC3339), alert.Priority, alert.Type,
		alert.ID, alert.Source, alert.Status, alert.Message, details)

	a.mu.Lock()
	defer a.mu.Unlock()
	if dir := filepath.Dir(a.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
	}
	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open alert log: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write alert log: %w", err)
	}
	return nil
}

// ----- Block MAC -----

// DefaultBlockMACCommand drops frames from the offending MAC.
const DefaultBlockMACCommand = "arptables -A INPUT --source-mac {{mac}} -j DROP"

// BlockMACAction asks the executor to block the MAC named in an ARP_SPOOFING
// alert.
type BlockMACAction struct {
	exec     CommandExecutor
	template string
}

// NewBlockMACAction uses DefaultBlockMACCommand when template is empty.
// The template must contain {{mac}}.
func NewBlockMACAction(exec CommandExecutor, template string) *BlockMACAction {
	if template == "" {
		template = DefaultBlockMACCommand
	}
	return &BlockMACAction{exec: exec, template: template}
}

func (a *BlockMACAction) Name() string { return "block_mac" }

func (a *BlockMACAction) Execute(ctx context.Context, alert alerting.Alert) error {
	if alert.Type != alerting.TypeARPSpoofing {
		return ErrNotApplicable
	}
	mac := offendingMAC(alert)
	if mac == "" {
		return errors.New("block_mac: alert carries no MAC address")
	}
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return fmt.Errorf("block_mac: invalid MAC %q: %w", mac, err)
	}
	cmd := strings.ReplaceAll(a.template, "{{mac}}", sanitizeArg(hw.String()))
	return a.exec.Execute(ctx, cmd)
}

func offendingMAC(alert alerting.Alert) string {
	for _, key := range []string{"mac", "src_mac", "new_mac"} {
		if v := alert.DetailString(key); v != "" {
			return v
		}
	}
	return ""
}

// ----- Throttle -----

// DefaultThrottleCommand limits ARP traffic on an interface.
const DefaultThrottleCommand = "arpguard-throttle --interface {{interface}} --rate {{rate}} --duration {{duration}}"

// ThrottleDuration is how long a throttle stays in place.
const ThrottleDuration = 300 * time.Second

// ThrottleAction caps the packet rate of the interface named in a
// RATE_ANOMALY alert to a fraction of its current rate.
type ThrottleAction struct {
	exec     CommandExecutor
	template string
}

func NewThrottleAction(exec CommandExecutor, template string) *ThrottleAction {
	if template == "" {
		template = DefaultThrottleCommand
	}
	return &ThrottleAction{exec: exec, template: template}
}

func (a *ThrottleAction) Name() string { return "throttle" }

func (a *ThrottleAction) Execute(ctx context.Context, alert alerting.Alert) error {
	if alert.Type != alerting.TypeRateAnomaly {
		return ErrNotApplicable
	}
	current, ok := alert.DetailFloat("current_rate")
	if !ok {
		return errors.New("throttle: alert carries no current_rate")
	}
	target := current * ThrottleFactor(alert.Priority)
	iface := alert.DetailString("interface")
	if iface == "" {
		iface = "all"
	}

	cmd := strings.NewReplacer(
		"{{interface}}", sanitizeArg(iface),
		"{{rate}}", fmt.Sprintf("%.1f", target),
		"{{duration}}", fmt.Sprintf("%d", int(ThrottleDuration.Seconds())),
	).Replace(a.template)
	return a.exec.Execute(ctx, cmd)
}

// ThrottleFactor is the share of the current rate allowed through.
func ThrottleFactor(p alerting.Priority) float64 {
	switch p {
	case alerting.PriorityCritical:
		return 0.3
	case alerting.PriorityHigh:
		return 0.5
	default:
		return 0.7
	}
}
