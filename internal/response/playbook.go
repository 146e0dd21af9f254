package response

import "github.com/arpguard/arpguard/internal/alerting"

// PlaybookOptions parameterises the default response rules.
type PlaybookOptions struct {
	LogPath         string
	BlockCommand    string
	ThrottleCommand string
	Executor        CommandExecutor
}

// AllAlertTypes lists every alert type, for rules that apply universally.
var AllAlertTypes = []alerting.AlertType{
	alerting.TypeSystem,
	alerting.TypeRateAnomaly,
	alerting.TypePatternMatch,
	alerting.TypeARPSpoofing,
	alerting.TypeGatewayChange,
	alerting.TypeNetworkScan,
	alerting.TypeCustom,
}

// DefaultRules returns the standard playbook: log everything from MEDIUM up,
// block spoofing MACs from HIGH up and throttle HIGH rate anomalies.
// The log rule is omitted when LogPath is empty.
func DefaultRules(opts PlaybookOptions) []*AlertRule {
	var rules []*AlertRule
	if opts.LogPath != "" {
		rules = append(rules, &AlertRule{
			ID:          "log_alerts",
			Name:        "Log alerts to file",
			AlertTypes:  AllAlertTypes,
			MinPriority: alerting.PriorityMedium,
			Actions:     []Action{NewLogAction(opts.LogPath)},
		})
	}
	if opts.Executor == nil {
		return rules
	}
	rules = append(rules,
		&AlertRule{
			ID:          "block_spoofer",
			Name:        "Block spoofing MAC",
			AlertTypes:  []alerting.AlertType{alerting.TypeARPSpoofing},
			MinPriority: alerting.PriorityHigh,
			Actions:     []Action{NewBlockMACAction(opts.Executor, opts.BlockCommand)},
		},
		&AlertRule{
			ID:          "throttle_flood",
			Name:        "Throttle ARP flood",
			AlertTypes:  []alerting.AlertType{alerting.TypeRateAnomaly},
			MinPriority: alerting.PriorityHigh,
			Actions:     []Action{NewThrottleAction(opts.Executor, opts.ThrottleCommand)},
		},
	)
	return rules
}
