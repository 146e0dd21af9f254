package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/arpguard/arpguard/internal/alerting"
	"github.com/arpguard/arpguard/internal/core"
	"github.com/arpguard/arpguard/internal/rules"
)

// requestsPerSecond is the per-client API rate limit.
const requestsPerSecond = 20

// Server is the REST API server for ARPGuard.
type Server struct {
	engine *core.Engine
	logger zerolog.Logger
	router *mux.Router
	server *http.Server
}

// NewServer creates a new API server bound to the given engine.
func NewServer(engine *core.Engine) *Server {
	s := &Server{
		engine: engine,
		logger: engine.Logger.With().Str("component", "api").Logger(),
		router: mux.NewRouter(),
	}
	s.routes()

	cfg := engine.CurrentConfig()
	handler := loggingMiddleware(
		corsMiddleware(
			rateLimitMiddleware(
				authMiddleware(s.router, engine, s.logger),
				requestsPerSecond,
			),
			engine,
		),
		s.logger,
	)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.engine.Metrics.Handler()).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/alerts", s.handleAlerts).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/{id}", s.handleAlert).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/{id}/{action:acknowledge|resolve|ignore|close}", s.handleAlertTransition).Methods(http.MethodPost)
	v1.HandleFunc("/rules", s.handleRules).Methods(http.MethodGet)
	v1.HandleFunc("/rules/{id}/{action:enable|disable}", s.handleRuleToggle).Methods(http.MethodPost)
	v1.HandleFunc("/thresholds", s.handleThresholds).Methods(http.MethodGet)
	v1.HandleFunc("/context", s.handleContext).Methods(http.MethodGet)
	v1.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	v1.HandleFunc("/logs", s.handleLogs).Methods(http.MethodGet)
	v1.HandleFunc("/responses", s.handleResponses).Methods(http.MethodGet)

	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
}

// Start begins serving the API.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("api listen on %s: %w", s.server.Addr, err)
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("API server starting")
	if cfg := s.engine.CurrentConfig(); cfg.AuthEnabled() {
		s.logger.Info().Int("keys", len(cfg.Server.APIKeys)).Msg("API authentication enabled")
	} else {
		s.logger.Warn().Msg("API authentication disabled, set server.api_keys or ARPGUARD_SERVER_API_KEYS")
	}
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()
	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	busConnected := s.engine.Bus != nil && s.engine.Bus.IsConnected()
	if s.engine.CurrentConfig().Bus.Enabled && !busConnected {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         status,
		"version":        core.Version,
		"uptime_seconds": int64(s.engine.Uptime().Seconds()),
		"bus_connected":  busConnected,
		"timestamp":      time.Now().UTC(),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	q, err := parseAlertQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	alerts := s.engine.Alerts.GetAlerts(q)
	if alerts == nil {
		alerts = []alerting.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"total":  len(alerts),
	})
}

// parseAlertQuery reads status, type, min_priority, source, since, until and
// limit from the query string.
func parseAlertQuery(r *http.Request) (alerting.Query, error) {
	var q alerting.Query
	v := r.URL.Query()
	if s := v.Get("status"); s != "" {
		st, ok := alerting.ParseStatus(s)
		if !ok {
			return q, fmt.Errorf("unknown status %q", s)
		}
		q.Status = st
	}
	if s := v.Get("type"); s != "" {
		t, ok := alerting.ParseAlertType(s)
		if !ok {
			return q, fmt.Errorf("unknown alert type %q", s)
		}
		q.Type = t
	}
	if s := v.Get("min_priority"); s != "" {
		p, ok := alerting.ParsePriority(s)
		if !ok {
			return q, fmt.Errorf("unknown priority %q", s)
		}
		q.MinPriority = &p
	}
	q.Source = v.Get("source")
	for _, f := range []struct {
		name string
		dst  *time.Time
	}{{"since", &q.Since}, {"until", &q.Until}} {
		s := v.Get(f.name)
		if s == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return q, fmt.Errorf("invalid %s: %w", f.name, err)
		}
		*f.dst = t
	}
	limit, err := parseLimit(v.Get("limit"), 100)
	if err != nil {
		return q, err
	}
	q.Limit = limit
	return q, nil
}

func parseLimit(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", s)
	}
	return n, nil
}

func (s *Server) handleAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	a, ok := s.engine.Alerts.GetAlert(id)
	if !ok {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type transitionRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleAlertTransition(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, action := vars["id"], vars["action"]

	var req transitionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if _, ok := s.engine.Alerts.GetAlert(id); !ok {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}

	var ok bool
	switch action {
	case "acknowledge":
		ok = s.engine.Alerts.Acknowledge(id, req.Message)
	case "resolve":
		ok = s.engine.Alerts.Resolve(id, req.Message)
	case "ignore":
		ok = s.engine.Alerts.Ignore(id, req.Message)
	case "close":
		ok = s.engine.Alerts.Close(id, req.Message)
	}
	if !ok {
		writeError(w, http.StatusConflict, fmt.Sprintf("cannot %s alert in its current state", action))
		return
	}
	a, _ := s.engine.Alerts.GetAlert(id)
	s.logger.Info().Str("alert_id", id).Str("action", action).Msg("alert updated via API")
	writeJSON(w, http.StatusOK, a)
}

type ruleView struct {
	ID            string     `json:"id"`
	Description   string     `json:"description"`
	Condition     string     `json:"condition"`
	Severity      string     `json:"severity"`
	Enabled       bool       `json:"enabled"`
	Threshold     float64    `json:"threshold"`
	CooldownSecs  int64      `json:"cooldown_seconds"`
	Tags          []string   `json:"tags,omitempty"`
	LastTriggered *time.Time `json:"last_triggered,omitempty"`
}

func newRuleView(r *rules.Rule) ruleView {
	return ruleView{
		ID:            r.ID,
		Description:   r.Description,
		Condition:     r.Condition.String(),
		Severity:      r.Severity.String(),
		Enabled:       r.Enabled,
		Threshold:     r.Threshold,
		CooldownSecs:  int64(r.Cooldown / time.Second),
		Tags:          r.Tags,
		LastTriggered: r.LastTriggered,
	}
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	all := s.engine.Rules.Rules()
	views := make([]ruleView, 0, len(all))
	for _, rule := range all {
		views = append(views, newRuleView(rule))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules":      views,
		"total":      len(views),
		"statistics": s.engine.Rules.GetStatistics(),
	})
}

func (s *Server) handleRuleToggle(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]
	var ok bool
	if vars["action"] == "enable" {
		ok = s.engine.Rules.EnableRule(id)
	} else {
		ok = s.engine.Rules.DisableRule(id)
	}
	if !ok {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	rule, _ := s.engine.Rules.GetRule(id)
	s.logger.Info().Str("rule_id", id).Bool("enabled", rule.Enabled).Msg("rule toggled via API")
	writeJSON(w, http.StatusOK, newRuleView(rule))
}

func (s *Server) handleThresholds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"thresholds": s.engine.Rate.Thresholds().Snapshot(),
		"rates":      s.engine.RateMonitor.GetStatus(),
		"interfaces": s.engine.Rate.Interfaces(),
	})
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Tracker.GetContext())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"version":        core.Version,
		"uptime_seconds": int64(s.engine.Uptime().Seconds()),
		"alerts":         s.engine.Alerts.Stats(),
		"rules":          s.engine.Rules.GetStatistics(),
		"tracker":        s.engine.Tracker.Stats(),
	}
	if s.engine.Handler != nil {
		resp["responses_processed"] = s.engine.Handler.ProcessedCount()
	}
	if s.engine.Syslog != nil {
		resp["syslog"] = s.engine.Syslog.Stats()
	}
	if s.engine.Bus != nil {
		resp["bus"] = s.engine.Bus.GetMetrics()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.engine.Logs == nil {
		writeError(w, http.StatusServiceUnavailable, "log buffer not enabled")
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"), 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries := s.engine.Logs.GetEntries(limit, strings.ToLower(r.URL.Query().Get("level")))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  entries,
		"total": len(entries),
	})
}

func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	if s.engine.Handler == nil {
		writeError(w, http.StatusServiceUnavailable, "automated response disabled")
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"), 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records := s.engine.Handler.Records(limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records":   records,
		"total":     len(records),
		"processed": s.engine.Handler.ProcessedCount(),
	})
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// authMiddleware enforces API key authentication on all endpoints except
// /health. Keys are read from the live config so a reload takes effect
// without a restart. With no keys configured every request is allowed.
func authMiddleware(next http.Handler, engine *core.Engine, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		cfg := engine.CurrentConfig()
		if !cfg.AuthEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-API-Key")
		if auth := r.Header.Get("Authorization"); auth != "" {
			key = strings.TrimPrefix(auth, "Bearer ")
		}
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing authentication, provide Authorization: Bearer <key> or X-API-Key header")
			return
		}
		if !cfg.ValidateAPIKey(key) {
			logger.Warn().Str("path", r.URL.Path).Str("ip", r.RemoteAddr).Msg("invalid API key")
			writeError(w, http.StatusForbidden, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiter keeps one token bucket per client address.
type ipLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	rps     int
}

func (l *ipLimiter) allow(ip string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.clients[ip]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(l.rps), l.rps*2)}
		l.clients[ip] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

func (l *ipLimiter) sweep(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, ip)
		}
	}
}

func rateLimitMiddleware(next http.Handler, rps int) http.Handler {
	limiter := &ipLimiter{clients: make(map[string]*clientLimiter), rps: rps}
	var lastSweep time.Time

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}

		now := time.Now()
		limiter.mu.Lock()
		sweep := now.Sub(lastSweep) > 5*time.Minute
		if sweep {
			lastSweep = now
		}
		limiter.mu.Unlock()
		if sweep {
			limiter.sweep(now.Add(-10 * time.Minute))
		}

		if !limiter.allow(ip, now) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded, try again shortly")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler, engine *core.Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowedOrigins := engine.CurrentConfig().Server.CORSOrigins
		origin := r.Header.Get("Origin")
		allowed := "*"
		if len(allowedOrigins) > 0 {
			allowed = ""
			for _, o := range allowedOrigins {
				if o == "*" || o == origin {
					allowed = origin
					break
				}
			}
			if allowed == "" {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Origin", allowed)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
