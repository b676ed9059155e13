// Package handlers exposes the bridge's HTTP API: webhook ingestion, sync
// orchestration, freshness, validation, and operational endpoints.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pulseboard/agentbridge/internal/aggregator"
	"github.com/pulseboard/agentbridge/internal/dlq"
	"github.com/pulseboard/agentbridge/internal/freshness"
	"github.com/pulseboard/agentbridge/internal/httputil"
	"github.com/pulseboard/agentbridge/internal/ingest"
	"github.com/pulseboard/agentbridge/internal/logging"
	"github.com/pulseboard/agentbridge/internal/models"
	"github.com/pulseboard/agentbridge/internal/orchestrator"
	"github.com/pulseboard/agentbridge/internal/ratelimit"
)

// Lister exposes DLQ browsing on top of the quarantine sink. Implemented by
// the JetStream queue; absent when the DLQ is disabled.
type Lister interface {
	List(ctx context.Context, limit int) ([]dlq.FailedEvent, error)
}

// Config holds per-request limits and timeouts for the handlers.
type Config struct {
	MaxBodyBytes    int64
	FinalizeTimeout time.Duration
}

// Handlers wires the HTTP surface to the pipeline components.
type Handlers struct {
	ingest    *ingest.Service
	orch      *orchestrator.Orchestrator
	agg       *aggregator.Aggregator
	fresh     *freshness.Monitor
	limiter   ratelimit.RateLimiter
	dlqWriter dlq.Writer
	logger    *logging.Logger
	cfg       Config
}

// New creates the handler set. limiter and dlqWriter may be nil.
func New(ing *ingest.Service, orch *orchestrator.Orchestrator, agg *aggregator.Aggregator, fresh *freshness.Monitor, limiter ratelimit.RateLimiter, dlqWriter dlq.Writer, logger *logging.Logger, cfg Config) *Handlers {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 90 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handlers{
		ingest:    ing,
		orch:      orch,
		agg:       agg,
		fresh:     fresh,
		limiter:   limiter,
		dlqWriter: dlqWriter,
		logger:    logger,
		cfg:       cfg,
	}
}

// Register installs all routes on mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("/webhook", h.HandleWebhook)
	mux.HandleFunc("/sync/trigger", h.HandleSyncTrigger)
	mux.HandleFunc("/sync/status/", h.HandleSyncStatus)
	mux.HandleFunc("/validate", h.HandleValidate)
	mux.HandleFunc("/freshness", h.HandleFreshness)
	mux.HandleFunc("/freshness/refresh", h.HandleFreshnessRefresh)
	mux.HandleFunc("/freshness/", h.HandleFreshnessAgent)
	mux.HandleFunc("/dlq/stats", h.HandleDLQStats)
	mux.HandleFunc("/dlq/events", h.HandleDLQEvents)
	mux.HandleFunc("/healthz", h.HandleHealth)
	mux.HandleFunc("/readyz", h.HandleReady)
	mux.Handle("/metrics", promhttp.Handler())
}

// HandleWebhook accepts one signed agent delivery.
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			httputil.WriteError(w, http.StatusRequestEntityTooLarge, "body exceeds size limit")
			return
		}
		httputil.WriteError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) == 0 {
		httputil.WriteError(w, http.StatusBadRequest, "empty body")
		return
	}

	if h.limiter != nil {
		allowed, err := h.limiter.Allow(r.Context(), rateLimitKey(r, body))
		if err != nil {
			// Limiter outage must not take ingestion down with it.
			h.logger.WarnContext(r.Context(), "rate limiter unavailable, admitting", logging.Error(err))
		} else if !allowed {
			httputil.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
	}

	eventID, err := h.ingest.Submit(r.Context(), body, r.Header.Get("X-Bridge-Signature"), clientIP(r))
	if err != nil {
		switch {
		case models.IsAuthentication(err):
			var authErr *models.AuthenticationError
			errors.As(err, &authErr)
			h.logger.WarnContext(r.Context(), "webhook rejected",
				logging.IP(clientIP(r)), "reason", authErr.Reason)
			httputil.WriteError(w, http.StatusUnauthorized, authErr.Reason)
		case errors.Is(err, models.ErrQueueFull):
			w.Header().Set("Retry-After", "5")
			httputil.WriteError(w, http.StatusServiceUnavailable, "ingestion queue full")
		default:
			h.logger.ErrorContext(r.Context(), "webhook ingestion failed", logging.Error(err))
			httputil.WriteError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{
		"status":  "accepted",
		"eventId": eventID,
	})
}

// HandleSyncTrigger starts a workflow run and finalizes it in the background.
func (h *Handlers) HandleSyncTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		SyncScope   string `json:"syncScope"`
		Scope       string `json:"scope"` // accepted as an alias
		TriggeredBy string `json:"triggeredBy"`
	}
	if r.Body != nil {
		// Empty body means a default full sync.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.SyncScope == "" {
		req.SyncScope = req.Scope
	}

	scope := models.SyncScope(req.SyncScope)
	switch scope {
	case models.ScopeQuick, models.ScopeFull:
	case "":
		scope = models.ScopeFull
	default:
		httputil.WriteError(w, http.StatusBadRequest, "syncScope must be quick or full")
		return
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = "api"
	}

	run := h.orch.Trigger(scope, req.TriggeredBy)

	// Settlement happens off-request; clients poll /sync/status/{id}.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.FinalizeTimeout+10*time.Second)
		defer cancel()
		if _, err := h.orch.Finalize(ctx, run.CorrelationID, h.cfg.FinalizeTimeout); err != nil {
			h.logger.Error("background finalize failed",
				logging.CorrelationID(run.CorrelationID), logging.Error(err))
		}
	}()

	httputil.WriteJSON(w, http.StatusAccepted, run)
}

// HandleSyncStatus returns the current state of one workflow run together
// with its validation report, recomputed from whatever has landed so far.
func (h *Handlers) HandleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/sync/status/")
	if id == "" || strings.Contains(id, "/") {
		httputil.WriteError(w, http.StatusBadRequest, "correlation id required")
		return
	}

	run, ok := h.orch.Get(id)
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, "unknown correlation id")
		return
	}

	report, err := h.agg.Validate(r.Context(), id)
	if err != nil {
		// The context itself is still worth returning.
		h.logger.ErrorContext(r.Context(), "status report failed",
			logging.CorrelationID(id), logging.Error(err))
		report = nil
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"context": run,
		"report":  report,
	})
}

// HandleValidate runs the layered validation report. With ?correlationId= it
// validates that run; without it, ambient freshness and consistency.
func (h *Handlers) HandleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	report, err := h.agg.Validate(r.Context(), r.URL.Query().Get("correlationId"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "unknown correlation id")
			return
		}
		h.logger.ErrorContext(r.Context(), "validation run failed", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, report)
}

// HandleFreshness classifies the whole roster.
func (h *Handlers) HandleFreshness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	verdicts := h.fresh.CheckAll(r.Context())
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"agents": verdicts})
}

// HandleFreshnessAgent classifies one agent.
func (h *Handlers) HandleFreshnessAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	agentID := strings.TrimPrefix(r.URL.Path, "/freshness/")
	if agentID == "" || strings.Contains(agentID, "/") {
		httputil.WriteError(w, http.StatusBadRequest, "agent id required")
		return
	}

	verdict, err := h.fresh.CheckAgent(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "unknown agent")
			return
		}
		h.logger.ErrorContext(r.Context(), "freshness check failed",
			logging.AgentID(agentID), logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, verdict)
}

// HandleFreshnessRefresh refreshes stale agents, or one agent when the body
// names it.
func (h *Handlers) HandleFreshnessRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		AgentID string `json:"agentId"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if req.AgentID != "" {
		result, err := h.fresh.RefreshAgent(r.Context(), req.AgentID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				httputil.WriteError(w, http.StatusNotFound, "unknown agent")
				return
			}
			httputil.WriteError(w, http.StatusConflict, err.Error())
			return
		}
		httputil.WriteJSON(w, http.StatusOK, result)
		return
	}

	results := h.fresh.RefreshStale(r.Context())
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"results": results})
}

// HandleDLQStats reports quarantine stream state.
func (h *Handlers) HandleDLQStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if h.dlqWriter == nil {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, h.dlqWriter.Stats(r.Context()))
}

// HandleDLQEvents lists quarantined payloads when the DLQ backend supports
// browsing.
func (h *Handlers) HandleDLQEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	lister, ok := h.dlqWriter.(Lister)
	if !ok || h.dlqWriter == nil {
		httputil.WriteError(w, http.StatusNotFound, "dlq not enabled")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := lister.List(r.Context(), limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "dlq list failed", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// HandleHealth is the liveness probe.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReady is the readiness probe: it reports pipeline counters and fails
// when the ingestion queue is saturated.
func (h *Handlers) HandleReady(w http.ResponseWriter, r *http.Request) {
	stats := h.ingest.GetStats()
	status := http.StatusOK
	state := "ready"
	if stats.QueueCapacity > 0 && stats.QueueDepth >= stats.QueueCapacity {
		status = http.StatusServiceUnavailable
		state = "saturated"
	}
	httputil.WriteJSON(w, status, map[string]any{
		"status":    state,
		"ingestion": stats,
	})
}

// rateLimitKey prefers the self-declared agent id so one noisy agent cannot
// starve the rest behind a shared NAT; it falls back to the client IP.
func rateLimitKey(r *http.Request, body []byte) string {
	var peek struct {
		AgentID string `json:"agentId"`
	}
	if err := json.Unmarshal(body, &peek); err == nil && peek.AgentID != "" {
		return peek.AgentID
	}
	return "ip:" + clientIP(r)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
