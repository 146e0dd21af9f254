package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "arpguard"

// Metrics holds the Prometheus collectors. All methods are safe to call on a
// nil receiver so components can run without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	packetsProcessed *prometheus.CounterVec
	packetsInvalid   prometheus.Counter
	detections       *prometheus.CounterVec
	alertsCreated    *prometheus.CounterVec
	alertsFiltered   prometheus.Counter
	deliveries       *prometheus.CounterVec
	actions          *prometheus.CounterVec
	thresholdValue   *prometheus.GaugeVec
	currentRate      *prometheus.GaugeVec
	activeAlerts     prometheus.Gauge
}

// New creates collectors registered on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		packetsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_processed_total",
			Help:      "ARP packets processed by the detection pipeline",
		}, []string{"interface"}),
		packetsInvalid: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_invalid_total",
			Help:      "ARP packets skipped because mandatory fields were missing",
		}),
		detections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Detection results by rule",
		}, []string{"rule", "type"}),
		alertsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_created_total",
			Help:      "Alerts stored by type and priority",
		}, []string{"type", "priority"}),
		alertsFiltered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_filtered_total",
			Help:      "Alerts rejected by a filter",
		}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_deliveries_total",
			Help:      "Alert channel deliveries by channel and outcome",
		}, []string{"channel", "status"}),
		actions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_actions_total",
			Help:      "Automated response actions by action and outcome",
		}, []string{"action", "status"}),
		thresholdValue: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "threshold_value",
			Help:      "Current adaptive threshold value",
		}, []string{"detector", "metric", "name"}),
		currentRate: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_rate",
			Help:      "Current packet rate per detector (packets/s)",
		}, []string{"detector"}),
		activeAlerts: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_alerts",
			Help:      "Alerts in NEW or ACKNOWLEDGED state",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) PacketProcessed(iface string) {
	if m == nil {
		return
	}
	m.packetsProcessed.WithLabelValues(iface).Inc()
}

func (m *Metrics) PacketInvalid() {
	if m == nil {
		return
	}
	m.packetsInvalid.Inc()
}

func (m *Metrics) Detection(rule, resultType string) {
	if m == nil {
		return
	}
	m.detections.WithLabelValues(rule, resultType).Inc()
}

func (m *Metrics) AlertCreated(alertType, priority string) {
	if m == nil {
		return
	}
	m.alertsCreated.WithLabelValues(alertType, priority).Inc()
}

func (m *Metrics) AlertFiltered() {
	if m == nil {
		return
	}
	m.alertsFiltered.Inc()
}

func (m *Metrics) Delivery(channel string, ok bool) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(channel, status(ok)).Inc()
}

func (m *Metrics) Action(action string, ok bool) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(action, status(ok)).Inc()
}

func (m *Metrics) SetThreshold(detector, metric, name string, value float64) {
	if m == nil {
		return
	}
	m.thresholdValue.WithLabelValues(detector, metric, name).Set(value)
}

func (m *Metrics) SetCurrentRate(detector string, rate float64) {
	if m == nil {
		return
	}
	m.currentRate.WithLabelValues(detector).Set(rate)
}

func (m *Metrics) SetActiveAlerts(n int) {
	if m == nil {
		return
	}
	m.activeAlerts.Set(float64(n))
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
