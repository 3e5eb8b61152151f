// Package api exposes the engine over HTTP: risk queries, policy
// management, lifecycle transitions, and ingestion endpoints mirroring the
// NATS subjects.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dynarisk/riskengine/internal/metrics"
	"github.com/dynarisk/riskengine/internal/model"
	"github.com/dynarisk/riskengine/internal/normalize"
	"github.com/dynarisk/riskengine/internal/policy"
	"github.com/dynarisk/riskengine/internal/store"
	"github.com/dynarisk/riskengine/internal/triage"
)

// Server hosts the engine's HTTP surface.
type Server struct {
	store      store.Store
	policies   *policy.Manager
	templates  *policy.TemplateLoader
	triage     *triage.Engine
	normalizer *normalize.Normalizer
	metrics    *metrics.Metrics
	logger     *slog.Logger
	tenantID   string
}

// NewServer creates the HTTP server. templates may be nil when no template
// directory is configured.
func NewServer(st store.Store, policies *policy.Manager, templates *policy.TemplateLoader,
	tri *triage.Engine, normalizer *normalize.Normalizer, m *metrics.Metrics,
	tenantID string, logger *slog.Logger) *Server {
	return &Server{
		store:      st,
		policies:   policies,
		templates:  templates,
		triage:     tri,
		normalizer: normalizer,
		metrics:    m,
		logger:     logger,
		tenantID:   tenantID,
	}
}

// Router builds the chi routing tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/risks", func(r chi.Router) {
		r.Get("/", s.handleListRisks)
		r.Get("/{id}", s.handleGetRisk)
		r.Get("/{id}/history", s.handleRiskHistory)
		r.Post("/{id}/approve", s.handleTransition(s.triage.Approve))
		r.Post("/{id}/reject", s.handleTransition(s.triage.Reject))
		r.Post("/{id}/mitigate", s.handleTransition(s.triage.Mitigate))
	})

	r.Route("/policies", func(r chi.Router) {
		r.Get("/active", s.handleActivePolicy)
		r.Get("/audit", s.handlePolicyAudit)
		r.Get("/templates", s.handlePolicyTemplates)
		r.Get("/{version}", s.handleGetPolicy)
		r.Post("/", s.handleCreatePolicy)
		r.Post("/{version}/activate", s.handleActivatePolicy)
	})

	r.Post("/signals", s.handleIngestSignal)
	r.Post("/posture", s.handleIngestPosture)

	r.Route("/edges", func(r chi.Router) {
		r.Get("/", s.handleListEdges)
		r.Post("/", s.handleUpsertEdge)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "riskd",
		"status":  "healthy",
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Health(); err != nil {
		s.logger.Error("Readiness check failed, store not accessible", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"service": "riskd",
			"status":  "not ready",
			"error":   "store not accessible",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "riskd",
		"status":  "ready",
	})
}

func (s *Server) handleListRisks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RiskFilter{
		TenantID:  s.tenant(r),
		ServiceID: q.Get("service_id"),
		Band:      model.Band(q.Get("band")),
	}
	for _, raw := range strings.Split(q.Get("status"), ",") {
		if raw = strings.TrimSpace(raw); raw != "" {
			filter.Statuses = append(filter.Statuses, model.RiskStatus(raw))
		}
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	risks, err := s.store.ListRisks(r.Context(), filter)
	if err != nil {
		s.logger.Error("Failed to list risks", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list risks")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"risks": risks, "count": len(risks)})
}

func (s *Server) handleGetRisk(w http.ResponseWriter, r *http.Request) {
	risk, err := s.store.GetRisk(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.logger.Error("Failed to get risk", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get risk")
		return
	}
	if risk == nil {
		writeError(w, http.StatusNotFound, "risk not found")
		return
	}
	writeJSON(w, http.StatusOK, risk)
}

func (s *Server) handleRiskHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entries, err := s.store.ListHistory(r.Context(), id)
	if err != nil {
		s.logger.Error("Failed to list risk history", "risk_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"risk_id": id, "history": entries})
}

func (s *Server) handleTransition(fn func(ctx context.Context, riskID, actor string) (*model.Risk, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := r.Header.Get("X-Actor")
		if actor == "" {
			actor = "api"
		}
		risk, err := fn(r.Context(), chi.URLParam(r, "id"), actor)
		if err != nil {
			if errors.Is(err, triage.ErrInvalidTransition) {
				writeError(w, http.StatusConflict, err.Error())
				return
			}
			if strings.Contains(err.Error(), "not found") {
				writeError(w, http.StatusNotFound, "risk not found")
				return
			}
			s.logger.Error("Risk transition failed", "error", err)
			writeError(w, http.StatusInternalServerError, "transition failed")
			return
		}
		writeJSON(w, http.StatusOK, risk)
	}
}

func (s *Server) handleActivePolicy(w http.ResponseWriter, r *http.Request) {
	pol, err := s.policies.Active(r.Context(), s.tenant(r))
	if err != nil {
		if errors.Is(err, policy.ErrPolicyNotFound) {
			writeError(w, http.StatusNotFound, "no active policy for tenant")
			return
		}
		s.logger.Error("Failed to load active policy", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load policy")
		return
	}
	writeJSON(w, http.StatusOK, pol)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "version must be an integer")
		return
	}
	pol, err := s.policies.Version(r.Context(), s.tenant(r), version)
	if err != nil {
		if errors.Is(err, policy.ErrPolicyNotFound) {
			writeError(w, http.StatusNotFound, "policy version not found")
			return
		}
		s.logger.Error("Failed to load policy version", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load policy")
		return
	}
	writeJSON(w, http.StatusOK, pol)
}

// createPolicyRequest wraps a policy document with versioning metadata.
type createPolicyRequest struct {
	PreviousVersion int             `json:"previous_version"`
	Actor           string          `json:"actor"`
	Document        json.RawMessage `json:"document"`
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req createPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Document) == 0 {
		writeError(w, http.StatusBadRequest, "document is required")
		return
	}

	if err := policy.ValidateDocument(req.Document); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	var doc policy.Policy
	if err := json.Unmarshal(req.Document, &doc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid policy document: "+err.Error())
		return
	}
	if doc.TenantID == "" {
		doc.TenantID = s.tenant(r)
	}
	if req.Actor == "" {
		req.Actor = "api"
	}

	created, err := s.policies.CreateVersion(r.Context(), doc, req.PreviousVersion, req.Actor)
	if err != nil {
		var verr *policy.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusUnprocessableEntity, verr.Error())
			return
		}
		s.logger.Error("Failed to create policy version", "error", err)
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleActivatePolicy(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "version must be an integer")
		return
	}
	actor := r.Header.Get("X-Actor")
	if actor == "" {
		actor = "api"
	}

	if err := s.policies.Activate(r.Context(), s.tenant(r), version, actor); err != nil {
		if errors.Is(err, policy.ErrPolicyNotFound) {
			writeError(w, http.StatusNotFound, "policy version not found")
			return
		}
		var verr *policy.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusUnprocessableEntity, verr.Error())
			return
		}
		s.logger.Error("Failed to activate policy", "version", version, "error", err)
		writeError(w, http.StatusInternalServerError, "activation failed")
		return
	}
	s.metrics.PolicyChanges.Inc()
	writeJSON(w, http.StatusOK, map[string]any{"tenant_id": s.tenant(r), "version": version, "active": true})
}

func (s *Server) handlePolicyAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.policies.AuditTrail(r.Context(), s.tenant(r))
	if err != nil {
		s.logger.Error("Failed to list policy audit", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list audit trail")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit": entries, "count": len(entries)})
}

func (s *Server) handlePolicyTemplates(w http.ResponseWriter, r *http.Request) {
	if s.templates == nil {
		writeJSON(w, http.StatusOK, map[string]any{"templates": []policy.Template{}})
		return
	}
	snap := s.templates.GetSnapshot()
	if snap == nil {
		writeJSON(w, http.StatusOK, map[string]any{"templates": []policy.Template{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": snap.Templates})
}

func (s *Server) handleIngestSignal(w http.ResponseWriter, r *http.Request) {
	var raw normalize.RawSignal
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid signal payload: "+err.Error())
		return
	}

	record, err := s.normalizer.Normalize(raw, time.Now().UTC())
	if err != nil {
		s.metrics.SignalsInvalid.WithLabelValues(raw.Source).Inc()
		var verr *normalize.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusUnprocessableEntity, verr.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.UpsertSignal(r.Context(), record); err != nil {
		s.logger.Error("Failed to store signal", "signal_id", record.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store signal")
		return
	}
	s.metrics.SignalsIngested.WithLabelValues(string(record.Source)).Inc()
	writeJSON(w, http.StatusAccepted, map[string]any{"signal_id": record.ID, "severity_norm": record.SeverityNorm})
}

func (s *Server) handleIngestPosture(w http.ResponseWriter, r *http.Request) {
	var snap model.SecurityPostureSnapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		writeError(w, http.StatusBadRequest, "invalid posture payload: "+err.Error())
		return
	}
	if snap.ServiceID == "" {
		writeError(w, http.StatusBadRequest, "service_id is required")
		return
	}
	if snap.AssessedAt.IsZero() {
		snap.AssessedAt = time.Now().UTC()
	}

	if err := s.store.AppendPosture(r.Context(), snap); err != nil {
		s.logger.Error("Failed to store posture snapshot", "service_id", snap.ServiceID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store posture snapshot")
		return
	}
	s.metrics.SignalsIngested.WithLabelValues(string(model.SourcePosture)).Inc()
	writeJSON(w, http.StatusAccepted, map[string]any{"service_id": snap.ServiceID})
}

func (s *Server) handleListEdges(w http.ResponseWriter, r *http.Request) {
	edges, err := s.store.ListEdges(r.Context())
	if err != nil {
		s.logger.Error("Failed to list dependency edges", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list edges")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"edges": edges, "count": len(edges)})
}

func (s *Server) handleUpsertEdge(w http.ResponseWriter, r *http.Request) {
	var edge model.ServiceDependencyEdge
	if err := json.NewDecoder(r.Body).Decode(&edge); err != nil {
		writeError(w, http.StatusBadRequest, "invalid edge payload: "+err.Error())
		return
	}
	if edge.ParentServiceID == "" || edge.DependentServiceID == "" {
		writeError(w, http.StatusBadRequest, "parent_service_id and dependent_service_id are required")
		return
	}
	if edge.ImpactWeight < 0 || edge.ImpactWeight > 1 {
		writeError(w, http.StatusBadRequest, "impact_weight must be in [0, 1]")
		return
	}

	if err := s.store.UpsertEdge(r.Context(), edge); err != nil {
		s.logger.Error("Failed to store dependency edge", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store edge")
		return
	}
	writeJSON(w, http.StatusOK, edge)
}

// tenant resolves the tenant for a request: explicit query parameter, else
// the daemon default.
func (s *Server) tenant(r *http.Request) string {
	if t := r.URL.Query().Get("tenant_id"); t != "" {
		return t
	}
	return s.tenantID
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
