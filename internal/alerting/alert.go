package alerting

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AlertType classifies what raised an alert.
type AlertType string

const (
	TypeSystem        AlertType = "SYSTEM"
	TypeRateAnomaly   AlertType = "RATE_ANOMALY"
	TypePatternMatch  AlertType = "PATTERN_MATCH"
	TypeARPSpoofing   AlertType = "ARP_SPOOFING"
	TypeGatewayChange AlertType = "GATEWAY_CHANGE"
	TypeNetworkScan   AlertType = "NETWORK_SCAN"
	TypeCustom        AlertType = "CUSTOM"
)

// ParseAlertType converts a case-insensitive name into an AlertType.
func ParseAlertType(s string) (AlertType, bool) {
	t := AlertType(strings.ToUpper(strings.TrimSpace(s)))
	switch t {
	case TypeSystem, TypeRateAnomaly, TypePatternMatch, TypeARPSpoofing, TypeGatewayChange, TypeNetworkScan, TypeCustom:
		return t, true
	}
	return "", false
}

// Priority orders alerts from INFO (lowest) to CRITICAL (highest).
type Priority int

const (
	PriorityInfo Priority = iota
	PriorityLow
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityInfo:
		return "INFO"
	case PriorityLow:
		return "LOW"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ParsePriority converts a case-insensitive name into a Priority.
func ParsePriority(s string) (Priority, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INFO":
		return PriorityInfo, true
	case "LOW":
		return PriorityLow, true
	case "MEDIUM":
		return PriorityMedium, true
	case "HIGH":
		return PriorityHigh, true
	case "CRITICAL":
		return PriorityCritical, true
	default:
		return PriorityInfo, false
	}
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, ok := ParsePriority(str)
	if !ok {
		return fmt.Errorf("unknown priority %q", str)
	}
	*p = parsed
	return nil
}

// Status is the lifecycle state of an alert.
type Status string

const (
	StatusNew          Status = "NEW"
	StatusAcknowledged Status = "ACKNOWLEDGED"
	StatusResolved     Status = "RESOLVED"
	StatusIgnored      Status = "IGNORED"
	StatusClosed       Status = "CLOSED"
)

// ParseStatus converts a case-insensitive name into a Status.
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusNew, StatusAcknowledged, StatusResolved, StatusIgnored, StatusClosed:
		return st, true
	}
	return "", false
}

// Active reports whether the alert still needs attention.
func (s Status) Active() bool {
	return s == StatusNew || s == StatusAcknowledged
}

// Alert is a stored, routed notification.
type Alert struct {
	ID                  string                 `json:"id"`
	Type                AlertType              `json:"type"`
	Priority            Priority               `json:"priority"`
	Message             string                 `json:"message"`
	Timestamp           time.Time              `json:"timestamp"`
	Source              string                 `json:"source"`
	Details             map[string]interface{} `json:"details,omitempty"`
	Status              Status                 `json:"status"`
	AcknowledgedAt      *time.Time             `json:"acknowledged_at,omitempty"`
	AcknowledgedMessage string                 `json:"acknowledged_message,omitempty"`
	ResolvedAt          *time.Time             `json:"resolved_at,omitempty"`
	ResolvedMessage     string                 `json:"resolved_message,omitempty"`
}

// Clone returns a copy that shares no mutable state with a.
func (a *Alert) Clone() *Alert {
	cp := *a
	if a.Details != nil {
		cp.Details = make(map[string]interface{}, len(a.Details))
		for k, v := range a.Details {
			cp.Details[k] = v
		}
	}
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		cp.AcknowledgedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// Marshal serialises the alert to JSON.
func (a *Alert) Marshal() ([]byte, error) {
	return json.Marshal(a)
}

// DetailString returns details[key] formatted as a string, or "".
func (a *Alert) DetailString(key string) string {
	v, ok := a.Details[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// DetailFloat returns details[key] as a float64 when it is numeric.
func (a *Alert) DetailFloat(key string) (float64, bool) {
	switch v := a.Details[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
