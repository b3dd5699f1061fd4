// Package adminapi is the admin/observability HTTP surface (component M):
// gorilla/mux routing with side-by-side canonical (/openclaw/) and legacy
// (/moltbot/) route registration, the {ok, error?, detail?, trace_id?,
// data?} response envelope, and SSE endpoints for the event bus and assist
// streaming.
package adminapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	domainapproval "github.com/openclaw/controlplane/domain/approval"
	"github.com/openclaw/controlplane/domain/jobspec"
	"github.com/openclaw/controlplane/domain/schedule"
	"github.com/openclaw/controlplane/infrastructure/errors"
	"github.com/openclaw/controlplane/infrastructure/logging"
	httpmetrics "github.com/openclaw/controlplane/infrastructure/metrics"
	"github.com/openclaw/controlplane/infrastructure/middleware"
	"github.com/openclaw/controlplane/internal/admission"
	"github.com/openclaw/controlplane/internal/approval"
	"github.com/openclaw/controlplane/internal/budget"
	"github.com/openclaw/controlplane/internal/callback"
	"github.com/openclaw/controlplane/internal/llm"
	"github.com/openclaw/controlplane/internal/packs"
	"github.com/openclaw/controlplane/internal/posture"
	"github.com/openclaw/controlplane/internal/preset"
	"github.com/openclaw/controlplane/internal/scheduler"
	"github.com/openclaw/controlplane/internal/trace"
)

// Envelope is the wire response shape from spec §6.
type Envelope struct {
	OK      bool        `json:"ok"`
	Error   string      `json:"error,omitempty"`
	Detail  string      `json:"detail,omitempty"`
	TraceID string      `json:"trace_id,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// Metrics is the openclaw-namespaced Prometheus surface for component M.
type Metrics struct {
	registry        *prometheus.Registry
	inFlightTotal   prometheus.Gauge
	inFlightWebhook prometheus.Gauge
	inFlightBridge  prometheus.Gauge
}

// NewMetrics constructs and registers the admin-API's gauge set on a fresh
// registry, following the teacher's Namespace convention.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		inFlightTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "openclaw", Name: "inflight_total", Help: "Total in-flight render submissions.",
		}),
		inFlightWebhook: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "openclaw", Name: "inflight_webhook", Help: "In-flight submissions from webhook source.",
		}),
		inFlightBridge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "openclaw", Name: "inflight_bridge", Help: "In-flight submissions from bridge source.",
		}),
	}
	reg.MustRegister(m.inFlightTotal, m.inFlightWebhook, m.inFlightBridge)
	return m
}

func (m *Metrics) observe(b *budget.Gate) {
	total, webhook, bridge := b.InFlight()
	m.inFlightTotal.Set(float64(total))
	m.inFlightWebhook.Set(float64(webhook))
	m.inFlightBridge.Set(float64(bridge))
}

// Interrupter is the admin-cancel path to the render engine, distinct from
// client-disconnect cancellation (which never cancels a submitted job).
type Interrupter interface {
	Interrupt(ctx context.Context, promptID string) error
}

// DeadLetterSource exposes the callback watcher's bounded dead-letter log.
type DeadLetterSource interface {
	DeadLetters() []callback.DeadLetterEntry
}

// Deps are the components the admin API reads from and writes to.
type Deps struct {
	Pipeline       *admission.Pipeline
	Traces         *trace.Store
	Bus            *trace.Bus
	Approvals      *approval.Store
	Scheduler      *scheduler.Scheduler
	Budget         *budget.Gate
	PostureGate    *posture.Gate
	LLM            *llm.Layer
	LLMCandidates  []llm.Candidate
	Presets        *preset.Store
	Packs          *packs.Registry
	Callbacks      DeadLetterSource
	Interrupter    Interrupter
	Metrics        *Metrics
	Capabilities   map[string]bool
	ConfigSnapshot func() map[string]interface{}

	// Logger drives the ambient request-logging/recovery/tracing middleware.
	// Defaults to a standalone logger when nil.
	Logger *logging.Logger
	// HTTPMetrics is the generic Prometheus HTTP surface (request count,
	// duration, in-flight) recorded by middleware.MetricsMiddleware. Left
	// nil disables that middleware without disabling the rest of the stack.
	HTTPMetrics *httpmetrics.Metrics
	// RateLimit tunes the per-(trusted client IP, endpoint class) bucket
	// limiter. A zero value falls back to sane defaults.
	RateLimit RateLimitConfig
	// CORSAllowedOrigins lists origins allowed to call the admin API from a
	// browser. Empty means no cross-origin access is granted.
	CORSAllowedOrigins []string
}

// RateLimitConfig tunes the admin API's rate limiter.
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
	LimiterTTL        time.Duration
	BodyLimitBytes    int64
	RequestTimeout    time.Duration
}

// seqMessage is a bus message stamped with a monotonic sequence number so
// GET /events can paginate and /events/stream can resume by cursor.
type seqMessage struct {
	Seq uint64        `json:"seq"`
	Msg trace.Message `json:"msg"`
}

// recentEvents is a small bounded ring the admin API keeps by subscribing
// to the bus, so GET /events can serve a paginated historical view and
// /events/stream can replay on cursor resume.
type recentEvents struct {
	mu      sync.Mutex
	items   []seqMessage
	cap     int
	nextSeq uint64
}

func newRecentEvents(cap int) *recentEvents {
	if cap <= 0 {
		cap = 1000
	}
	return &recentEvents{cap: cap, nextSeq: 1}
}

func (r *recentEvents) add(msg trace.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, seqMessage{Seq: r.nextSeq, Msg: msg})
	r.nextSeq++
	if len(r.items) > r.cap {
		r.items = r.items[len(r.items)-r.cap:]
	}
}

func (r *recentEvents) slice(offset, limit int) ([]seqMessage, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := len(r.items)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return append([]seqMessage{}, r.items[offset:end]...), total
}

// since returns buffered messages with seq strictly greater than cursor. A
// future cursor (past the latest seq) is reset to the latest position, per
// the pagination contract's stale/future-cursor rule.
func (r *recentEvents) since(cursor uint64) []seqMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cursor >= r.nextSeq {
		return nil
	}
	var out []seqMessage
	for _, it := range r.items {
		if it.Seq > cursor {
			out = append(out, it)
		}
	}
	return out
}

// Server bundles the mux.Router with the background event buffer.
type Server struct {
	Router *mux.Router
	events *recentEvents
	deps   Deps
	health *middleware.HealthChecker
}

// NewServer builds the full route tree: canonical /openclaw/ prefix with
// /moltbot/ legacy aliases on read-only and webhook paths.
func NewServer(deps Deps) *Server {
	s := &Server{Router: mux.NewRouter(), events: newRecentEvents(1000), deps: deps}
	s.health = middleware.NewHealthChecker("openclaw-controlplane")
	if deps.Budget != nil {
		s.health.RegisterCheck("budget", func() error {
			deps.Budget.InFlight()
			return nil
		})
	}
	if deps.Scheduler != nil {
		s.health.RegisterCheck("scheduler", func() error {
			deps.Scheduler.List()
			return nil
		})
	}
	if deps.Approvals != nil {
		s.health.RegisterCheck("approvals", func() error {
			deps.Approvals.List(approval.ListFilter{})
			return nil
		})
	}

	if deps.Bus != nil {
		sub := deps.Bus.Subscribe(trace.Filter{})
		go func() {
			for msg := range sub.C {
				s.events.add(msg)
			}
		}()
	}

	s.registerMiddleware()
	s.registerRoutes()
	return s
}

// registerMiddleware attaches the ambient HTTP stack ahead of any route:
// panic recovery, CORS, security headers, a body-size cap, a request
// timeout, per-(trusted client IP, endpoint class) rate limiting, and
// structured request logging/metrics. Order matters: recovery must wrap
// everything else so a panic anywhere downstream still gets a clean 500,
// and rate limiting runs after CORS so a disallowed-origin preflight never
// burns a token.
func (s *Server) registerMiddleware() {
	logger := s.deps.Logger
	if logger == nil {
		logger = logging.New("openclaw-adminapi", "info", "json")
	}

	rlCfg := s.deps.RateLimit
	if rlCfg.RequestsPerSecond <= 0 {
		rlCfg.RequestsPerSecond = 20
	}
	if rlCfg.Burst <= 0 {
		rlCfg.Burst = rlCfg.RequestsPerSecond * 2
	}

	limiter := middleware.NewRateLimiter(rlCfg.RequestsPerSecond, rlCfg.Burst, logger)
	if rlCfg.LimiterTTL > 0 {
		limiter.SetLimiterTTL(rlCfg.LimiterTTL)
	}
	limiter.SetKeyFunc(func(r *http.Request) string {
		ip := ""
		if s.deps.PostureGate != nil {
			ip = s.deps.PostureGate.ClientIP(r)
		}
		if ip == "" {
			ip = "unknown"
		}
		endpointClass := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil && tmpl != "" {
				endpointClass = tmpl
			}
		}
		return ip + "|" + endpointClass
	})
	limiter.StartCleanup(5 * time.Minute)

	recoveryMW := middleware.NewRecoveryMiddleware(logger)
	corsMW := middleware.NewCORSMiddleware(&middleware.CORSConfig{AllowedOrigins: s.deps.CORSAllowedOrigins})
	securityMW := middleware.NewSecurityHeadersMiddleware(nil)
	bodyLimitMW := middleware.NewBodyLimitMiddleware(rlCfg.BodyLimitBytes)
	timeoutMW := middleware.NewTimeoutMiddleware(rlCfg.RequestTimeout)
	validationMW := middleware.NewValidationMiddleware(middleware.DefaultValidationConfig())

	// The request timeout never applies to SSE paths: a stream is supposed
	// to outlive any per-request deadline, and disconnect/cancellation is
	// handled by the handler's own context watch.
	timeoutExceptStreams := func(next http.Handler) http.Handler {
		wrapped := timeoutMW.Handler(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasSuffix(r.URL.Path, "/stream") {
				next.ServeHTTP(w, r)
				return
			}
			wrapped.ServeHTTP(w, r)
		})
	}

	s.Router.Use(
		recoveryMW.Handler,
		corsMW.Handler,
		securityMW.Handler,
		bodyLimitMW.Handler,
		timeoutExceptStreams,
		limiter.Handler,
		validationMW.Handler,
		middleware.LoggingMiddleware(logger),
	)
	if s.deps.HTTPMetrics != nil {
		s.Router.Use(middleware.MetricsMiddleware("openclaw-adminapi", s.deps.HTTPMetrics))
	}
}

// registerRoutes mirrors the teacher's side-by-side canonical/legacy route
// registration: every read-only and webhook path gets both prefixes, write
// paths only the canonical one except webhook (explicitly dual per spec).
func (s *Server) registerRoutes() {
	canonical := s.Router.PathPrefix("/openclaw").Subrouter()
	legacy := s.Router.PathPrefix("/moltbot").Subrouter()

	readOnly := []struct {
		path string
		fn   http.HandlerFunc
	}{
		{"/health", s.handleHealth},
		{"/capabilities", s.handleCapabilities},
		{"/config", s.handleConfigGet},
		{"/logs/tail", s.handleLogsTail},
		{"/trace/{prompt_id}", s.handleTrace},
		{"/events", s.handleEvents},
		{"/events/stream", s.handleEventsStream},
		{"/approvals", s.handleApprovalsList},
		{"/approvals/{approval_id}", s.handleApprovalGet},
		{"/schedules", s.handleSchedulesList},
		{"/schedules/{schedule_id}", s.handleScheduleGet},
		{"/schedules/{schedule_id}/runs", s.handleScheduleRuns},
		{"/presets", s.handlePresetsList},
		{"/presets/{preset_id}", s.handlePresetGet},
		{"/packs", s.handlePacksList},
		{"/packs/quarantine", s.handlePacksQuarantineList},
		{"/callbacks/deadletters", s.handleDeadLetters},
	}
	for _, route := range readOnly {
		canonical.HandleFunc(route.path, route.fn).Methods(http.MethodGet)
		legacy.HandleFunc(route.path, route.fn).Methods(http.MethodGet)
	}

	// Webhook paths are dual-registered per the Open Question decision:
	// legacy writes share the canonical idempotency scope.
	for _, sub := range []*mux.Router{canonical, legacy} {
		sub.HandleFunc("/webhook", s.handleWebhook).Methods(http.MethodPost)
		sub.HandleFunc("/webhook/submit", s.handleWebhook).Methods(http.MethodPost)
		sub.HandleFunc("/webhook/validate", s.handleWebhookValidate).Methods(http.MethodPost)
	}

	// Canonical-only write surface.
	canonical.HandleFunc("/config", s.handleConfigPatch).Methods(http.MethodPut)
	canonical.HandleFunc("/triggers/fire", s.handleTriggersFire).Methods(http.MethodPost)
	canonical.HandleFunc("/assist/planner", s.handleAssist).Methods(http.MethodPost)
	canonical.HandleFunc("/assist/planner/stream", s.handleAssistStream).Methods(http.MethodPost)
	canonical.HandleFunc("/assist/refiner", s.handleAssist).Methods(http.MethodPost)
	canonical.HandleFunc("/assist/refiner/stream", s.handleAssistStream).Methods(http.MethodPost)
	canonical.HandleFunc("/schedules", s.handleScheduleCreate).Methods(http.MethodPost)
	canonical.HandleFunc("/schedules/{schedule_id}", s.handleScheduleUpdate).Methods(http.MethodPut)
	canonical.HandleFunc("/schedules/{schedule_id}", s.handleScheduleDelete).Methods(http.MethodDelete)
	canonical.HandleFunc("/approvals/{approval_id}/approve", s.handleApprove).Methods(http.MethodPost)
	canonical.HandleFunc("/approvals/{approval_id}/reject", s.handleReject).Methods(http.MethodPost)
	canonical.HandleFunc("/presets", s.handlePresetCreate).Methods(http.MethodPost)
	canonical.HandleFunc("/presets/{preset_id}", s.handlePresetUpdate).Methods(http.MethodPut)
	canonical.HandleFunc("/presets/{preset_id}", s.handlePresetDelete).Methods(http.MethodDelete)
	canonical.HandleFunc("/packs", s.handlePackRegister).Methods(http.MethodPost)
	canonical.HandleFunc("/packs/{name}", s.handlePackDelete).Methods(http.MethodDelete)
	canonical.HandleFunc("/packs/{name}/quarantine", s.handlePackQuarantine).Methods(http.MethodPost)
	canonical.HandleFunc("/packs/{name}/release", s.handlePackRelease).Methods(http.MethodPost)
	canonical.HandleFunc("/jobs/{prompt_id}/interrupt", s.handleInterrupt).Methods(http.MethodPost)

	s.Router.Handle("/metrics", promhttp.HandlerFor(s.deps.Metrics.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

// tickMetrics refreshes the in-flight gauges from the budget gate;
// handleWebhook calls it after each successful admission, so scraping
// /metrics itself has no side effects.
func (s *Server) tickMetrics() {
	if s.deps.Metrics != nil && s.deps.Budget != nil {
		s.deps.Metrics.observe(s.deps.Budget)
	}
}

func writeEnvelope(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	traceID := ""
	if r != nil {
		traceID = r.Header.Get("X-Trace-ID")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{OK: status < 400, TraceID: traceID, Data: data})
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	svcErr := errors.GetServiceError(err)
	status := http.StatusInternalServerError
	code := "internal"
	detail := err.Error()
	if svcErr != nil {
		status = svcErr.HTTPStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		code = string(svcErr.Code)
		detail = svcErr.Message
		if svcErr.RetryAfter > 0 {
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", svcErr.RetryAfter.Seconds()))
		}
	}
	traceID := ""
	if r != nil {
		traceID = r.Header.Get("X-Trace-ID")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{OK: false, Error: code, Detail: detail, TraceID: traceID})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeEnvelope(w, r, http.StatusOK, map[string]interface{}{"status": "ok"})
		return
	}
	s.health.Handler().ServeHTTP(w, r)
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, r, http.StatusOK, s.deps.Capabilities)
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	if s.deps.PostureGate != nil {
		if err := s.deps.PostureGate.RequireObservability(r); err != nil {
			writeError(w, r, err)
			return
		}
	}
	var snap map[string]interface{}
	if s.deps.ConfigSnapshot != nil {
		snap = s.deps.ConfigSnapshot()
	}
	writeEnvelope(w, r, http.StatusOK, snap)
}

// runtimeGuardrailFields is the closed set a config PUT is never allowed to
// persist, per spec §4.M.
var runtimeGuardrailFields = map[string]bool{
	"profile": true, "runtime_profile": true, "admin_token": true,
	"webhook_hmac_secret": true, "bridge_device_token": true,
}

func (s *Server) handleConfigPatch(w http.ResponseWriter, r *http.Request) {
	if s.deps.PostureGate != nil {
		if err := s.deps.PostureGate.RequireAdmin(r); err != nil {
			writeError(w, r, err)
			return
		}
	}
	var patch map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, r, errors.ValidationError("body", "invalid json"))
		return
	}
	for field := range patch {
		if runtimeGuardrailFields[field] {
			writeError(w, r, errors.ValidationError(field, "runtime-guardrail fields cannot be patched at runtime"))
			return
		}
	}
	writeEnvelope(w, r, http.StatusOK, map[string]interface{}{"accepted": len(patch)})
}

func (s *Server) handleLogsTail(w http.ResponseWriter, r *http.Request) {
	if s.deps.PostureGate != nil {
		if err := s.deps.PostureGate.RequireObservability(r); err != nil {
			writeError(w, r, err)
			return
		}
	}
	traceID := r.URL.Query().Get("trace_id")
	limit := queryInt(r, "limit", 100)
	events := s.deps.Traces.Timeline(traceID)
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	writeEnvelope(w, r, http.StatusOK, events)
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	if s.deps.PostureGate != nil {
		if err := s.deps.PostureGate.RequireObservability(r); err != nil {
			writeError(w, r, err)
			return
		}
	}
	id := mux.Vars(r)["prompt_id"]
	traceID := s.deps.Traces.TraceIDForPrompt(id)
	if traceID == "" {
		// Callers may also pass a trace_id directly on this path.
		traceID = id
	}
	events := s.deps.Traces.Timeline(traceID)
	if events == nil {
		writeError(w, r, errors.NotFound("trace", id))
		return
	}
	writeEnvelope(w, r, http.StatusOK, map[string]interface{}{"trace_id": traceID, "events": events})
}

// paginationDiagnostics is returned alongside every paginated list so
// callers can tell a truncated result apart from an empty one.
type paginationDiagnostics struct {
	Offset    int  `json:"offset"`
	Limit     int  `json:"limit"`
	Total     int  `json:"total"`
	Truncated bool `json:"truncated"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	offset, limit := normalizePagination(queryInt(r, "offset", 0), queryInt(r, "limit", 50))
	items, total := s.events.slice(offset, limit)
	writeEnvelope(w, r, http.StatusOK, map[string]interface{}{
		"items":      items,
		"pagination": paginationDiagnostics{Offset: offset, Limit: limit, Total: total, Truncated: offset+limit < total},
		"scan":       map[string]interface{}{"buffered": total},
	})
}

// normalizePagination resets a stale/negative offset to zero and bounds
// limit to a sane window, per the pagination contract in spec §4.M.
func normalizePagination(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	return offset, limit
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return def
	}
	return n
}

// sseKeepaliveInterval is how often an idle event stream emits a keepalive
// so intermediaries do not drop the connection.
const sseKeepaliveInterval = 15 * time.Second

func (s *Server) handleEventsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, errors.Internal("streaming unsupported", nil))
		return
	}

	// Resume cursor: ?cursor= or the standard Last-Event-ID header. An
	// unparseable cursor is treated as "from now".
	cursorRaw := r.URL.Query().Get("cursor")
	if cursorRaw == "" {
		cursorRaw = r.Header.Get("Last-Event-ID")
	}
	var cursor uint64
	if cursorRaw != "" {
		if n, err := strconv.ParseUint(cursorRaw, 10, 64); err == nil {
			cursor = n
		}
	}

	sub := s.deps.Bus.Subscribe(trace.Filter{TraceID: r.URL.Query().Get("trace_id")})
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "event: ready\ndata: {}\n\n")
	flusher.Flush()

	if cursor > 0 {
		for _, it := range s.events.since(cursor) {
			data, _ := json.Marshal(it.Msg)
			fmt.Fprintf(w, "id: %d\nevent: stage\ndata: %s\n\n", it.Seq, data)
		}
		flusher.Flush()
	}

	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprintf(w, "event: keepalive\ndata: {}\n\n")
			flusher.Flush()
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			data, _ := json.Marshal(msg)
			fmt.Fprintf(w, "event: stage\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// webhookBody is the inbound submit shape shared by /webhook and
// /webhook/validate.
type webhookBody struct {
	TemplateID     string                      `json:"template_id"`
	Inputs         map[string]interface{}      `json:"inputs"`
	IdempotencyKey string                      `json:"idempotency_key"`
	Callback       *jobspec.CallbackDescriptor `json:"callback"`
}

// readWebhookBody drains the raw body (needed for HMAC verification, which
// signs the exact bytes on the wire) before unmarshalling it.
func readWebhookBody(r *http.Request) ([]byte, *webhookBody, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, nil, errors.ValidationError("body", "unreadable body")
	}
	var body webhookBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, nil, errors.ValidationError("body", "invalid json")
	}
	return raw, &body, nil
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	raw, body, err := readWebhookBody(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	idemKey := body.IdempotencyKey
	if idemKey == "" {
		idemKey = r.Header.Get("Idempotency-Key")
	}

	res, err := s.deps.Pipeline.Admit(r.Context(), admission.Request{
		HTTPRequest:    r,
		RawBody:        raw,
		TemplateID:     body.TemplateID,
		Inputs:         body.Inputs,
		Source:         jobspec.SourceWebhook,
		IdempotencyKey: idemKey,
		Callback:       body.Callback,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.tickMetrics()

	if res.ApprovalID != "" {
		writeEnvelope(w, r, http.StatusAccepted, map[string]interface{}{"approval_id": res.ApprovalID, "status": "pending"})
		return
	}
	writeEnvelope(w, r, http.StatusAccepted, map[string]interface{}{"prompt_id": res.JobSpec.PromptID, "trace_id": res.JobSpec.TraceID})
}

func (s *Server) handleWebhookValidate(w http.ResponseWriter, r *http.Request) {
	raw, body, err := readWebhookBody(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if s.deps.PostureGate != nil {
		if err := s.deps.PostureGate.RequireWebhook(r, raw); err != nil {
			writeError(w, r, err)
			return
		}
	}
	tmpl, err := s.deps.Pipeline.Templates.Lookup(body.TemplateID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Pipeline.Templates.Validate(tmpl, admission.Normalize(body.Inputs)); err != nil {
		writeError(w, r, err)
		return
	}
	writeEnvelope(w, r, http.StatusOK, map[string]interface{}{"valid": true})
}

func (s *Server) handleTriggersFire(w http.ResponseWriter, r *http.Request) {
	if s.deps.PostureGate != nil {
		if err := s.deps.PostureGate.RequireAdmin(r); err != nil {
			writeError(w, r, err)
			return
		}
	}
	var body struct {
		TemplateID string                 `json:"template_id"`
		Inputs     map[string]interface{} `json:"inputs"`
		PresetID   string                 `json:"preset_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, errors.ValidationError("body", "invalid json"))
		return
	}

	templateID, inputs := body.TemplateID, body.Inputs
	if body.PresetID != "" && s.deps.Presets != nil {
		p, err := s.deps.Presets.Get(body.PresetID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		templateID = p.TemplateID
		inputs = mergeInputs(p.Inputs, body.Inputs)
	}

	res, err := s.deps.Pipeline.Admit(r.Context(), admission.Request{
		HTTPRequest: r,
		TemplateID:  templateID,
		Inputs:      inputs,
		Source:      jobspec.SourceTrigger,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeEnvelope(w, r, http.StatusCreated, map[string]interface{}{"prompt_id": res.JobSpec.PromptID, "trace_id": res.JobSpec.TraceID})
}

// mergeInputs lays request overrides over a preset's bound inputs.
func mergeInputs(base, overrides map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

func (s *Server) handleAssist(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Prompt     string   `json:"prompt"`
		Candidates []string `json:"candidates"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, errors.ValidationError("body", "invalid json"))
		return
	}
	out, err := s.deps.LLM.Complete(r.Context(), s.assistCandidates(body.Candidates), llm.Request{
		TraceID: r.Header.Get("X-Trace-ID"), Prompt: body.Prompt,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeEnvelope(w, r, http.StatusOK, map[string]interface{}{"result": out})
}

func (s *Server) handleAssistStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, errors.Internal("streaming unsupported", nil))
		return
	}
	var body struct {
		Prompt     string   `json:"prompt"`
		Candidates []string `json:"candidates"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, errors.ValidationError("body", "invalid json"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	events := s.deps.LLM.Stream(r.Context(), s.assistCandidates(body.Candidates), llm.Request{
		TraceID: r.Header.Get("X-Trace-ID"), Prompt: body.Prompt,
	})
	for evt := range events {
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, evt.Data)
		flusher.Flush()
	}
}

// assistCandidates resolves an assist request to the configured failover
// chain. When the caller names candidates, the configured chain is filtered
// to those names; an empty configured chain falls back to name-only
// candidates (tests and single-host deployments).
func (s *Server) assistCandidates(names []string) []llm.Candidate {
	pool := s.deps.LLMCandidates
	if len(pool) == 0 {
		return candidatesFromNames(names)
	}
	if len(names) == 0 {
		return pool
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	out := make([]llm.Candidate, 0, len(pool))
	for _, c := range pool {
		if want[string(c.Provider)] || want[c.Model] {
			out = append(out, c)
		}
	}
	return out
}

func candidatesFromNames(names []string) []llm.Candidate {
	out := make([]llm.Candidate, 0, len(names))
	for _, n := range names {
		out = append(out, llm.Candidate{Provider: llm.Provider(n), Model: n})
	}
	return out
}

func (s *Server) handleApprovalsList(w http.ResponseWriter, r *http.Request) {
	if s.deps.PostureGate != nil {
		if err := s.deps.PostureGate.RequireObservability(r); err != nil {
			writeError(w, r, err)
			return
		}
	}
	filter := approval.ListFilter{}
	if st := r.URL.Query().Get("status"); st != "" {
		filter.Status = domainapproval.Status(st)
	}
	writeEnvelope(w, r, http.StatusOK, s.deps.Approvals.List(filter))
}

func (s *Server) handleApprovalGet(w http.ResponseWriter, r *http.Request) {
	if s.deps.PostureGate != nil {
		if err := s.deps.PostureGate.RequireObservability(r); err != nil {
			writeError(w, r, err)
			return
		}
	}
	id := mux.Vars(r)["approval_id"]
	req, err := s.deps.Approvals.Get(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeEnvelope(w, r, http.StatusOK, req)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if s.deps.PostureGate != nil {
		if err := s.deps.PostureGate.RequireAdmin(r); err != nil {
			writeError(w, r, err)
			return
		}
	}
	id := mux.Vars(r)["approval_id"]
	var body struct {
		AutoExecute bool `json:"auto_execute"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	caller := "admin"
	if err := s.deps.Approvals.Approve(id, caller); err != nil {
		writeError(w, r, err)
		return
	}

	out := map[string]interface{}{"approval_id": id, "executed": false}
	if body.AutoExecute {
		req, err := s.deps.Approvals.Get(id)
		if err == nil {
			res, execErr := s.deps.Pipeline.ExecuteApproved(r.Context(), *req)
			if execErr != nil {
				_ = s.deps.Approvals.MarkExecuteFailed(id, execErr)
				out["last_error"] = execErr.Error()
			} else {
				_ = s.deps.Approvals.MarkExecuted(id, res.JobSpec.PromptID)
				out["executed"] = true
				out["prompt_id"] = res.JobSpec.PromptID
			}
		}
	}
	writeEnvelope(w, r, http.StatusOK, out)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	if s.deps.PostureGate != nil {
		if err := s.deps.PostureGate.RequireAdmin(r); err != nil {
			writeError(w, r, err)
			return
		}
	}
	id := mux.Vars(r)["approval_id"]
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if err := s.deps.Approvals.Reject(id, "admin", body.Reason); err != nil {
		writeError(w, r, err)
		return
	}
	writeEnvelope(w, r, http.StatusOK, map[string]interface{}{"approval_id": id})
}

func (s *Server) handleSchedulesList(w http.ResponseWriter, r *http.Request) {
	if s.deps.PostureGate != nil {
		if err := s.deps.PostureGate.RequireObservability(r); err != nil {
			writeError(w, r, err)
			return
		}
	}
	writeEnvelope(w, r, http.StatusOK, s.deps.Scheduler.List())
}

func (s *Server) handleScheduleGet(w http.ResponseWriter, r *http.Request) {
	if s.deps.PostureGate != nil {
		if err := s.deps.PostureGate.RequireObservability(r); err != nil {
			writeError(w, r, err)
			return
		}
	}
	id := mux.Vars(r)["schedule_id"]
	sch, ok := s.deps.Scheduler.Get(id)
	if !ok {
		writeError(w, r, errors.NotFound("schedule", id))
		return
	}
	writeEnvelope(w, r, http.StatusOK, sch)
}

func (s *Server) handleScheduleRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.PostureGate != nil {
		if err := s.deps.PostureGate.RequireObservability(r); err != nil {
			writeError(w, r, err)
			return
		}
	}
	id := mux.Vars(r)["schedule_id"]
	writeEnvelope(w, r, http.StatusOK, s.deps.Scheduler.RunsFor(id))
}

func (s *Server) handleScheduleCreate(w http.ResponseWriter, r *http.Request) {
	if s.deps.PostureGate != nil {
		if err := s.deps.PostureGate.RequireAdmin(r); err != nil {
			writeError(w, r, err)
			return
		}
	}
	var sch schedule.Schedule
	if err := json.NewDecoder(r.Body).Decode(&sch); err != nil {
		writeError(w, r, errors.ValidationError("body", "invalid json"))
		return
	}
	id, err := s.deps.Scheduler.Create(sch)
	if err != nil {
		writeError(w, r, errors.ValidationError("schedule", err.Error()))
		return
	}
	writeEnvelope(w, r, http.StatusCreated, map[string]interface{}{"schedule_id": id})
}

func (s *Server) handleScheduleUpdate(w http.ResponseWriter, r *http.Request) {
	if s.deps.PostureGate != nil {
		if err := s.deps.PostureGate.RequireAdmin(r); err != nil {
			writeError(w, r, err)
			return
		}
	}
	id := mux.Vars(r)["schedule_id"]
	var sch schedule.Schedule
	if err := json.NewDecoder(r.Body).Decode(&sch); err != nil {
		writeError(w, r, errors.ValidationError("body", "invalid json"))
		return
	}
	if err := s.deps.Scheduler.Update(id, sch); err != nil {
		writeError(w, r, errors.ValidationError("schedule", err.Error()))
		return
	}
	writeEnvelope(w, r, http.StatusOK, map[string]interface{}{"schedule_id": id})
}

func (s *Server) handleScheduleDelete(w http.ResponseWriter, r *http.Request) {
	if s.deps.PostureGate != nil {
		if err := s.deps.PostureGate.RequireAdmin(r); err != nil {
			writeError(w, r, err)
			return
		}
	}
	id := mux.Vars(r)["schedule_id"]
	s.deps.Scheduler.Delete(id)
	writeEnvelope(w, r, http.StatusOK, map[string]interface{}{"schedule_id": id})
}

func (s *Server) handlePresetsList(w http.ResponseWriter, r *http.Request) {
	if s.deps.PostureGate != nil {
		if err := s.deps.PostureGate.RequirePresetRead(r); err != nil {
			writeError(w, r, err)
			return
		}
	}
	writeEnvelope(w, r, http.StatusOK, s.deps.Presets.List())
}

func (s *Server) handlePresetGet(w http.ResponseWriter, r *http.Request) {
	if s.deps.PostureGate != nil {
		if err := s.deps.PostureGate.RequirePresetRead(r); err != nil {
			writeError(w, r, err)
			return
		}
	}
	id := mux.Vars(r)["preset_id"]
	p, err := s.deps.Presets.Get(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeEnvelope(w, r, http.StatusOK, p)
}

// decodePreset validates a preset write body against the template registry
// before it reaches the store, so a preset can never bind to a template the
// allowlist would refuse at submit time.
func (s *Server) decodePreset(r *http.Request) (*preset.Preset, error) {
	var p preset.Preset
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		return nil, errors.ValidationError("body", "invalid json")
	}
	if p.TemplateID != "" && s.deps.Pipeline != nil {
		if _, err := s.deps.Pipeline.Templates.Lookup(p.TemplateID); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

func (s *Server) handlePresetCreate(w http.ResponseWriter, r *http.Request) {
	if s.deps.PostureGate != nil {
		if err := s.deps.PostureGate.RequireAdmin(r); err != nil {
			writeError(w, r, err)
			return
		}
	}
	p, err := s.decodePreset(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id, err := s.deps.Presets.Create(*p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeEnvelope(w, r, http.StatusCreated, map[string]interface{}{"preset_id": id})
}

func (s *Server) handlePresetUpdate(w http.ResponseWriter, r *http.Request) {
	if s.deps.PostureGate != nil {
		if err := s.deps.PostureGate.RequireAdmin(r); err != nil {
			writeError(w, r, err)
			return
		}
	}
	id := mux.Vars(r)["preset_id"]
	p, err := s.decodePreset(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Presets.Update(id, *p); err != nil {
		writeError(w, r, err)
		return
	}
	writeEnvelope(w, r, http.StatusOK, map[string]interface{}{"preset_id": id})
}

func (s *Server) handlePresetDelete(w http.ResponseWriter, r *http.Request) {
	if s.deps.PostureGate != nil {
		if err := s.deps.PostureGate.RequireAdmin(r); err != nil {
			writeError(w, r, err)
			return
		}
	}
	id := mux.Vars(r)["preset_id"]
	if err := s.deps.Presets.Delete(id); err != nil {
		writeError(w, r, err)
		return
	}
	writeEnvelope(w, r, http.StatusOK, map[string]interface{}{"preset_id": id})
}

func (s *Server) handlePacksList(w http.ResponseWriter, r *http.Request) {
	if s.deps.PostureGate != nil {
		if err := s.deps.PostureGate.RequireObservability(r); err != nil {
			writeError(w, r, err)
			return
		}
	}
	writeEnvelope(w, r, http.StatusOK, s.deps.Packs.List())
}

func (s *Server) handlePacksQuarantineList(w http.ResponseWriter, r *http.Request) {
	if s.deps.PostureGate != nil {
		if err := s.deps.PostureGate.RequireObservability(r); err != nil {
			writeError(w, r, err)
			return
		}
	}
	writeEnvelope(w, r, http.StatusOK, s.deps.Packs.Quarantined())
}

func (s *Server) handlePackRegister(w http.ResponseWriter, r *http.Request) {
	if s.deps.PostureGate != nil {
		if err := s.deps.PostureGate.RequireAdmin(r); err != nil {
			writeError(w, r, err)
			return
		}
	}
	var p packs.Pack
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, r, errors.ValidationError("body", "invalid json"))
		return
	}
	if err := s.deps.Packs.Register(p); err != nil {
		writeError(w, r, err)
		return
	}
	writeEnvelope(w, r, http.StatusCreated, map[string]interface{}{"name": p.Name})
}

func (s *Server) handlePackDelete(w http.ResponseWriter, r *http.Request) {
	if s.deps.PostureGate != nil {
		if err := s.deps.PostureGate.RequireAdmin(r); err != nil {
			writeError(w, r, err)
			return
		}
	}
	name := mux.Vars(r)["name"]
	if err := s.deps.Packs.Delete(name); err != nil {
		writeError(w, r, err)
		return
	}
	writeEnvelope(w, r, http.StatusOK, map[string]interface{}{"name": name})
}

func (s *Server) handlePackQuarantine(w http.ResponseWriter, r *http.Request) {
	if s.deps.PostureGate != nil {
		if err := s.deps.PostureGate.RequireAdmin(r); err != nil {
			writeError(w, r, err)
			return
		}
	}
	name := mux.Vars(r)["name"]
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if err := s.deps.Packs.Quarantine(name, body.Reason); err != nil {
		writeError(w, r, err)
		return
	}
	writeEnvelope(w, r, http.StatusOK, map[string]interface{}{"name": name})
}

func (s *Server) handlePackRelease(w http.ResponseWriter, r *http.Request) {
	if s.deps.PostureGate != nil {
		if err := s.deps.PostureGate.RequireAdmin(r); err != nil {
			writeError(w, r, err)
			return
		}
	}
	name := mux.Vars(r)["name"]
	if err := s.deps.Packs.Release(name); err != nil {
		writeError(w, r, err)
		return
	}
	writeEnvelope(w, r, http.StatusOK, map[string]interface{}{"name": name})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.deps.PostureGate != nil {
		if err := s.deps.PostureGate.RequireObservability(r); err != nil {
			writeError(w, r, err)
			return
		}
	}
	var entries []callback.DeadLetterEntry
	if s.deps.Callbacks != nil {
		entries = s.deps.Callbacks.DeadLetters()
	}
	writeEnvelope(w, r, http.StatusOK, entries)
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	if s.deps.PostureGate != nil {
		if err := s.deps.PostureGate.RequireAdmin(r); err != nil {
			writeError(w, r, err)
			return
		}
	}
	if s.deps.Interrupter == nil {
		writeError(w, r, errors.New(errors.ErrCodeInternal, "interrupt path not configured", http.StatusServiceUnavailable))
		return
	}
	promptID := mux.Vars(r)["prompt_id"]
	if err := s.deps.Interrupter.Interrupt(r.Context(), promptID); err != nil {
		writeError(w, r, errors.SubmitFailed(err))
		return
	}
	writeEnvelope(w, r, http.StatusOK, map[string]interface{}{"prompt_id": promptID, "interrupted": true})
}
