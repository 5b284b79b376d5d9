package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/agentworkforce/statecast/internal/logging"
	"github.com/agentworkforce/statecast/internal/replica"
	"github.com/agentworkforce/statecast/internal/source"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"
)

type ServerConfig struct {
	JWTSecret         string
	RateLimitMax      int
	RateLimitWindow   time.Duration
	MaxBodyBytes      int64
	HeartbeatInterval time.Duration
	// AllowedOrigins is passed to websocket.Accept as OriginPatterns.
	AllowedOrigins []string
	Logger         logging.Logger
	Gatherer       prometheus.Gatherer
}

// SourceServer exposes the authoritative hub: the replication stream and a
// small read/write API over the state tree.
type SourceServer struct {
	hub         *source.Hub
	cfg         ServerConfig
	logger      logging.Logger
	rateLimiter *rateLimiter
	metrics     http.Handler
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type opsRequest struct {
	Changes []replica.Operation `json:"changes"`
}

type replaceRequest struct {
	State any `json:"state"`
}

type stateResponse struct {
	Index uint64 `json:"index"`
	State any    `json:"state"`
}

type indexResponse struct {
	Index uint64 `json:"index"`
}

func NewSourceServer(hub *source.Hub, cfg ServerConfig) *SourceServer {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &SourceServer{
		hub:         hub,
		cfg:         cfg,
		logger:      logging.OrNop(cfg.Logger),
		rateLimiter: limiter,
		metrics:     metricsHandler(cfg.Gatherer),
	}
}

func (s *SourceServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metrics.ServeHTTP(w, r)
		return
	}

	var need Grant
	var route string
	switch {
	case r.URL.Path == "/v1/stream" && r.Method == http.MethodGet:
		need = GrantRead
		route = "stream"
	case r.URL.Path == "/v1/state" && r.Method == http.MethodGet:
		need = GrantRead
		route = "read_state"
	case r.URL.Path == "/v1/state" && r.Method == http.MethodPut:
		need = GrantWrite
		route = "replace_state"
	case r.URL.Path == "/v1/state/ops" && r.Method == http.MethodPost:
		need = GrantWrite
		route = "apply_ops"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, need, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(claims.AgentName, time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "stream":
		s.handleStream(w, r, claims, correlationID)
	case "read_state":
		s.handleReadState(w, correlationID)
	case "replace_state":
		s.handleReplaceState(w, r, correlationID)
	case "apply_ops":
		s.handleApplyOps(w, r, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *SourceServer) handleStream(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		s.logger.Warn("websocket accept failed", "agent", claims.AgentName, "correlation_id", correlationID, "err", err)
		return
	}
	logger := logging.With(s.logger, "agent", claims.AgentName, "correlation_id", correlationID)
	logger.Info("viewer connected")
	session := &source.Session{
		Hub:               s.hub,
		Logger:            logger,
		HeartbeatInterval: s.cfg.HeartbeatInterval,
	}
	if err := session.Serve(r.Context(), conn); err != nil && !isNormalClose(err) {
		logger.Info("viewer disconnected", "err", err)
		return
	}
	logger.Info("viewer disconnected")
}

func (s *SourceServer) handleReadState(w http.ResponseWriter, correlationID string) {
	index, state := s.hub.Current()
	w.Header().Set("X-Correlation-Id", correlationID)
	writeJSON(w, http.StatusOK, stateResponse{Index: index, State: state})
}

func (s *SourceServer) handleReplaceState(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req replaceRequest
	if !decodeJSONBody(w, r, s.cfg.MaxBodyBytes, correlationID, &req) {
		return
	}
	index, err := s.hub.Replace(req.State)
	if err != nil {
		s.writeHubError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, indexResponse{Index: index})
}

func (s *SourceServer) handleApplyOps(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req opsRequest
	if !decodeJSONBody(w, r, s.cfg.MaxBodyBytes, correlationID, &req) {
		return
	}
	if len(req.Changes) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "changes must not be empty", correlationID)
		return
	}
	index, err := s.hub.Mutate(req.Changes)
	if err != nil {
		s.writeHubError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, indexResponse{Index: index})
}

func (s *SourceServer) writeHubError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, replica.ErrUnapplicableOperation):
		writeError(w, http.StatusUnprocessableEntity, "unapplicable_operation", err.Error(), correlationID)
	case errors.Is(err, source.ErrHubClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "source is shutting down", correlationID)
	default:
		s.logger.Error("state change failed", "correlation_id", correlationID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "state change failed", correlationID)
	}
}

func isNormalClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return errors.Is(err, io.EOF)
}

func metricsHandler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func readRequestBody(w http.ResponseWriter, r *http.Request, maxBytes int64, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, maxBytes int64, correlationID string, dst any) bool {
	body, ok := readRequestBody(w, r, maxBytes, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
