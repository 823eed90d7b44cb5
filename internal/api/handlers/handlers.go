// Package handlers implements the HTTP handlers for the trustplane query,
// mutation, and export surface. All handlers read and write through the Store
// interface and the pipeline engines; none hold state of their own.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/agentmesh/trustplane/internal/discovery"
	"github.com/agentmesh/trustplane/internal/predict"
	"github.com/agentmesh/trustplane/internal/report"
	"github.com/agentmesh/trustplane/internal/rootcause"
	"github.com/agentmesh/trustplane/internal/store"
	"github.com/agentmesh/trustplane/internal/syncmon"
	"github.com/agentmesh/trustplane/internal/trust"
	"github.com/agentmesh/trustplane/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store     store.Store
	Discovery *discovery.Engine
	Analyzer  *syncmon.Analyzer
	Trust     *trust.Engine
	Predict   *predict.Engine
	RootCause *rootcause.Engine
	Reports   *report.Aggregator
}

// New creates a Handlers instance with all dependencies.
func New(s store.Store, disc *discovery.Engine, analyzer *syncmon.Analyzer, trustEng *trust.Engine, predictEng *predict.Engine, rca *rootcause.Engine, reports *report.Aggregator) *Handlers {
	return &Handlers{
		Store:     s,
		Discovery: disc,
		Analyzer:  analyzer,
		Trust:     trustEng,
		Predict:   predictEng,
		RootCause: rca,
		Reports:   reports,
	}
}

// ── Agent Handlers ───────────────────────────────────────────

func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	filter := store.AgentFilter{
		Health: models.HealthStatus(r.URL.Query().Get("health")),
		Type:   models.AgentType(r.URL.Query().Get("type")),
	}
	agents, err := h.Store.ListAgents(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if agents == nil {
		agents = []models.Agent{}
	}
	respondJSON(w, http.StatusOK, agents)
}

func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.Store.GetAgent(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, agent)
}

func (h *Handlers) ListAgentSyncEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	events, err := h.Store.ListSyncEvents(r.Context(), chi.URLParam(r, "agentID"), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []models.SyncEvent{}
	}
	respondJSON(w, http.StatusOK, events)
}

// ── Workflow Handlers ────────────────────────────────────────

func (h *Handlers) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	filter := store.WorkflowFilter{
		Status: models.WorkflowStatus(r.URL.Query().Get("status")),
	}
	workflows, err := h.Store.ListWorkflows(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if workflows == nil {
		workflows = []models.Workflow{}
	}
	respondJSON(w, http.StatusOK, workflows)
}

func (h *Handlers) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.Store.GetWorkflow(r.Context(), chi.URLParam(r, "workflowID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, wf)
}

// ── Sync Handlers ────────────────────────────────────────────

// RecordSyncEvent ingests one synchronization observation. Drift evaluation
// and incident management happen inside the analyzer.
func (h *Handlers) RecordSyncEvent(w http.ResponseWriter, r *http.Request) {
	var event models.SyncEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.Analyzer.Record(r.Context(), &event); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"status":   "recorded",
		"agent_id": event.AgentID,
	})
}

// ── Incident Handlers ────────────────────────────────────────

func (h *Handlers) ListIncidents(w http.ResponseWriter, r *http.Request) {
	filter := store.IncidentFilter{
		Severity: models.Severity(r.URL.Query().Get("severity")),
		OpenOnly: r.URL.Query().Get("open") == "true",
		Limit:    queryInt(r, "limit", 0),
	}
	incidents, err := h.Store.ListIncidents(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if incidents == nil {
		incidents = []models.DriftIncident{}
	}
	respondJSON(w, http.StatusOK, incidents)
}

func (h *Handlers) GetIncident(w http.ResponseWriter, r *http.Request) {
	incident, err := h.Store.GetIncident(r.Context(), chi.URLParam(r, "incidentID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, incident)
}

func (h *Handlers) ListAnalyses(w http.ResponseWriter, r *http.Request) {
	analyses, err := h.Store.ListAnalyses(r.Context(), chi.URLParam(r, "incidentID"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if analyses == nil {
		analyses = []models.RootCauseAnalysis{}
	}
	respondJSON(w, http.StatusOK, analyses)
}

// AnalyzeIncident triggers a root-cause analysis. Each invocation appends a
// fresh analysis record.
func (h *Handlers) AnalyzeIncident(w http.ResponseWriter, r *http.Request) {
	incidentID := chi.URLParam(r, "incidentID")
	analysis, err := h.RootCause.Analyze(r.Context(), incidentID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	log.Info().Str("incident_id", incidentID).Str("root_cause", string(analysis.RootCauseType)).Msg("Root-cause analysis triggered via API")
	respondJSON(w, http.StatusCreated, analysis)
}

// ── Trust Handlers ───────────────────────────────────────────

func (h *Handlers) GetTrustScore(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")
	records, err := h.Store.ListTrustScores(r.Context(), entityID, 1)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(records) == 0 {
		respondError(w, http.StatusNotFound, "no trust score recorded for "+entityID)
		return
	}
	respondJSON(w, http.StatusOK, records[0])
}

func (h *Handlers) ListTrustHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	records, err := h.Store.ListTrustScores(r.Context(), chi.URLParam(r, "entityID"), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []models.TrustScoreRecord{}
	}
	respondJSON(w, http.StatusOK, records)
}

func (h *Handlers) GetTrustTrend(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Trust.TrendReport(r.Context(), chi.URLParam(r, "entityID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rep)
}

// scoreRequest carries the four sub-scores plus the pass-through rollup
// figures. Sub-score sourcing is the caller's concern; the engine only
// weights and aggregates.
type scoreRequest struct {
	EntityType       models.EntityType `json:"entity_type"`
	Reliability      float64           `json:"reliability"`
	Compliance       float64           `json:"compliance"`
	Performance      float64           `json:"performance"`
	Security         float64           `json:"security"`
	RiskAvoidedUSD   float64           `json:"risk_avoided_usd"`
	ComplianceSLAPct float64           `json:"compliance_sla_pct"`
}

func (h *Handlers) ScoreEntity(w http.ResponseWriter, r *http.Request) {
	var req scoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.EntityType != models.EntityAgent && req.EntityType != models.EntityWorkflow {
		respondError(w, http.StatusBadRequest, "entity_type must be \"agent\" or \"workflow\"")
		return
	}

	record, err := h.Trust.Score(r.Context(), chi.URLParam(r, "entityID"), req.EntityType, trust.SubScores{
		Reliability:      req.Reliability,
		Compliance:       req.Compliance,
		Performance:      req.Performance,
		Security:         req.Security,
		RiskAvoidedUSD:   req.RiskAvoidedUSD,
		ComplianceSLAPct: req.ComplianceSLAPct,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, record)
}

// ── Prediction Handlers ──────────────────────────────────────

func (h *Handlers) ListPredictions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	predictions, err := h.Store.ListPredictions(r.Context(), chi.URLParam(r, "entityID"), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if predictions == nil {
		predictions = []models.Prediction{}
	}
	respondJSON(w, http.StatusOK, predictions)
}

// ── Scan Handlers ────────────────────────────────────────────

// TriggerScan runs a discovery scan synchronously and returns its result.
func (h *Handlers) TriggerScan(w http.ResponseWriter, r *http.Request) {
	result, err := h.Discovery.Scan(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *Handlers) LastScan(w http.ResponseWriter, r *http.Request) {
	result := h.Discovery.LastScan()
	if result == nil {
		respondError(w, http.StatusNotFound, "no scan has completed yet")
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// ── Health Handler ───────────────────────────────────────────

// Health reports process health. The signal degrades when the store is
// unreachable or the most recent discovery cycle reached zero sources.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	var reasons []string

	if err := h.Store.Ping(r.Context()); err != nil {
		status = "degraded"
		reasons = append(reasons, "store unreachable: "+err.Error())
	}
	if last := h.Discovery.LastScan(); last != nil && last.SourcesOK == 0 && last.SourcesFailed > 0 {
		status = "degraded"
		reasons = append(reasons, "last discovery scan reached no sources")
	}

	code := http.StatusOK
	if status == "degraded" {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]interface{}{
		"status":  status,
		"service": "trustplane",
		"reasons": reasons,
	})
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondStoreError maps ErrNotFound to 404 and everything else to 500.
func respondStoreError(w http.ResponseWriter, err error) {
	if store.IsNotFound(err) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			return i
		}
	}
	return fallback
}
