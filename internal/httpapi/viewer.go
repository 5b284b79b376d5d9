package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/statecast/internal/checkpoint"
	"github.com/agentworkforce/statecast/internal/logging"
	"github.com/agentworkforce/statecast/internal/replica"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
)

const defaultValueCacheSize = 1024

// Replica is the read side of a running replication loop plus the manual
// resync trigger. *replica.Loop satisfies it.
type Replica interface {
	View() replica.View
	Resync(reason string) bool
}

type ViewerConfig struct {
	// ValueCacheSize bounds the rendered-value cache; zero selects the default.
	ValueCacheSize int
	// Connected reports channel liveness for /v1/status. Optional.
	Connected func() bool
	Logger    logging.Logger
	Gatherer  prometheus.Gatherer
}

// ViewerServer serves the local replica over HTTP. It is meant to listen on
// a loopback address and carries no authentication.
type ViewerServer struct {
	replica   Replica
	connected func() bool
	logger    logging.Logger
	values    *lru.Cache[string, []byte]
	metrics   http.Handler
}

type replicaResponse struct {
	Index     uint64            `json:"index"`
	SyncState replica.SyncState `json:"syncState"`
	State     any               `json:"state"`
}

type statusResponse struct {
	SyncState   replica.SyncState `json:"syncState"`
	LastApplied uint64            `json:"lastApplied"`
	Version     uint64            `json:"version"`
	Pending     int               `json:"pending"`
	Digest      string            `json:"digest"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	Connected   *bool             `json:"connected,omitempty"`
}

func NewViewerServer(r Replica, cfg ViewerConfig) (*ViewerServer, error) {
	size := cfg.ValueCacheSize
	if size <= 0 {
		size = defaultValueCacheSize
	}
	values, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, err
	}
	return &ViewerServer{
		replica:   r,
		connected: cfg.Connected,
		logger:    logging.OrNop(cfg.Logger),
		values:    values,
		metrics:   metricsHandler(cfg.Gatherer),
	}, nil
}

func (s *ViewerServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet:
		s.metrics.ServeHTTP(w, r)
	case r.URL.Path == "/" && r.Method == http.MethodGet:
		handleDashboard(w, r)
	case r.URL.Path == "/v1/replica" && r.Method == http.MethodGet:
		s.handleReplica(w)
	case r.URL.Path == "/v1/replica/value" && r.Method == http.MethodGet:
		s.handleValue(w, r, correlationID)
	case r.URL.Path == "/v1/status" && r.Method == http.MethodGet:
		s.handleStatus(w, correlationID)
	case r.URL.Path == "/v1/resync" && r.Method == http.MethodPost:
		s.handleResync(w, r, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *ViewerServer) handleReplica(w http.ResponseWriter) {
	view := s.replica.View()
	writeJSON(w, http.StatusOK, replicaResponse{
		Index:     view.Index,
		SyncState: view.SyncState,
		State:     view.State,
	})
}

func (s *ViewerServer) handleValue(w http.ResponseWriter, r *http.Request, correlationID string) {
	view := s.replica.View()
	segments := replica.SplitPath(r.URL.Query().Get("path"))
	key := strconv.FormatUint(view.Version, 10) + "|" + strings.Join(segments, "/")

	body, ok := s.values.Get(key)
	if !ok {
		value, found := replica.LookupSegments(view.State, segments)
		if !found {
			writeError(w, http.StatusNotFound, "not_found", "no value at "+replica.FormatPath(toPath(segments)), correlationID)
			return
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			s.logger.Error("render replica value", "path", key, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to render value", correlationID)
			return
		}
		body = append(encoded, '\n')
		s.values.Add(key, body)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Replica-Index", strconv.FormatUint(view.Index, 10))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *ViewerServer) handleStatus(w http.ResponseWriter, correlationID string) {
	view := s.replica.View()
	digest, err := checkpoint.Digest(view.State)
	if err != nil {
		s.logger.Error("digest replica", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to digest replica", correlationID)
		return
	}
	resp := statusResponse{
		SyncState:   view.SyncState,
		LastApplied: view.Index,
		Version:     view.Version,
		Pending:     view.Pending,
		Digest:      checkpoint.FormatDigest(digest),
		UpdatedAt:   view.UpdatedAt,
	}
	if s.connected != nil {
		connected := s.connected()
		resp.Connected = &connected
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *ViewerServer) handleResync(w http.ResponseWriter, r *http.Request, correlationID string) {
	reason := strings.TrimSpace(r.URL.Query().Get("reason"))
	if reason == "" {
		reason = replica.ReasonManual
	}
	if !s.replica.Resync(reason) {
		writeError(w, http.StatusServiceUnavailable, "busy", "replication inbox is full", correlationID)
		return
	}
	s.logger.Info("resync requested over http", "reason", reason, "correlation_id", correlationID)
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "reason": reason})
}

func toPath(segments []string) []any {
	path := make([]any, len(segments))
	for i, seg := range segments {
		path[i] = seg
	}
	return path
}
