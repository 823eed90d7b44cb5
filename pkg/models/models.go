// Package models defines the shared data model for the trustplane pipeline:
// agents and workflows discovered across the mesh, the sync/drift telemetry
// recorded against them, and the trust, prediction, and root-cause artifacts
// derived from that telemetry.
package models

import "time"

// ── Agent ────────────────────────────────────────────────────

// AgentType identifies which kind of discovery source produced an agent record.
type AgentType string

const (
	AgentTypeRegistry  AgentType = "registry"
	AgentTypeMesh      AgentType = "mesh"
	AgentTypeTelemetry AgentType = "telemetry"
	AgentTypeExecution AgentType = "execution"
)

// HealthStatus is the normalized health of an agent.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// Agent is a discovered automation entity. AgentID is globally unique across
// all discovery sources: sources are trusted to report stable IDs, and two
// sources reporting the same ID are reconciled into one record by the
// discovery merge (last source in priority order wins on field conflicts).
type Agent struct {
	ID            string            `json:"agent_id" db:"agent_id"`
	Name          string            `json:"name" db:"name"`
	Type          AgentType         `json:"type" db:"type"`
	Capabilities  []string          `json:"capabilities,omitempty" db:"capabilities"`
	HealthStatus  HealthStatus      `json:"health_status" db:"health_status"`
	LastHeartbeat time.Time         `json:"last_heartbeat" db:"last_heartbeat"`
	TrustScore    *float64          `json:"trust_score,omitempty" db:"trust_score"` // nil until first scoring pass
	Version       string            `json:"version,omitempty" db:"version"`
	Endpoint      string            `json:"endpoint,omitempty" db:"endpoint"`
	Source        string            `json:"source" db:"source"` // discovery source that last reported this agent
	Metadata      map[string]string `json:"metadata,omitempty" db:"metadata"`
	FirstSeen     time.Time         `json:"first_seen" db:"first_seen"`
	LastSeen      time.Time         `json:"last_seen" db:"last_seen"`
}

// ── Workflow ─────────────────────────────────────────────────

// WorkflowStatus is derived from the most recent execution window and is
// never hand-edited.
type WorkflowStatus string

const (
	WorkflowHealthy  WorkflowStatus = "healthy"
	WorkflowWarning  WorkflowStatus = "warning"  // >2 failures in the recent window
	WorkflowDegraded WorkflowStatus = "degraded" // >5 failures in the recent window
	WorkflowFailed   WorkflowStatus = "failed"   // every execution in the window failed
	WorkflowInactive WorkflowStatus = "inactive" // no executions in the inactivity window
)

// Workflow is derived entirely from the append-only execution log.
type Workflow struct {
	ID             string         `json:"workflow_id" db:"workflow_id"`
	Name           string         `json:"name" db:"name"`
	AgentIDs       []string       `json:"agent_ids" db:"agent_ids"`
	Status         WorkflowStatus `json:"status" db:"status"`
	ExecutionCount int            `json:"execution_count" db:"execution_count"`
	LastExecution  time.Time      `json:"last_execution" db:"last_execution"`
	AvgDurationMS  float64        `json:"avg_duration_ms" db:"avg_duration_ms"`
	SuccessRate    float64        `json:"success_rate" db:"success_rate"` // 0–100
}

// ExecutionRecord is a raw execution-log entry consumed from the execution
// log source. Workflows are derived from these, never stored raw.
type ExecutionRecord struct {
	WorkflowID   string    `json:"workflow_id"`
	WorkflowName string    `json:"workflow_name,omitempty"`
	AgentIDs     []string  `json:"agent_ids"`
	Status       string    `json:"status"` // "success" | "failed"
	DurationMS   *float64  `json:"duration_ms,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Succeeded reports whether the execution completed successfully.
func (e ExecutionRecord) Succeeded() bool { return e.Status == "success" }

// ── Sync ─────────────────────────────────────────────────────

// SyncEvent is one synchronization observation for an agent. Immutable once
// written.
type SyncEvent struct {
	AgentID        string    `json:"agent_id" db:"agent_id"`
	Timestamp      time.Time `json:"timestamp" db:"timestamp"`
	FreshnessScore float64   `json:"freshness_score" db:"freshness_score"` // 0–100
	DriftMS        int64     `json:"drift_ms" db:"drift_ms"`
	ContextHash    string    `json:"context_hash" db:"context_hash"`
}

// Severity classifies drift incidents.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordering of a severity (low=0 … critical=3).
func (s Severity) Rank() int {
	switch s {
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// DriftIncident records a drift episode for an agent/workflow pair. Incidents
// are never deleted; resolution is terminal (ResolvedAt set once).
type DriftIncident struct {
	ID         string     `json:"incident_id" db:"incident_id"`
	WorkflowID string     `json:"workflow_id" db:"workflow_id"`
	AgentIDs   []string   `json:"agent_ids" db:"agent_ids"`
	DriftMS    int64      `json:"drift_ms" db:"drift_ms"`
	Severity   Severity   `json:"severity" db:"severity"`
	RootCause  string     `json:"root_cause,omitempty" db:"root_cause"` // empty until analyzed
	DetectedAt time.Time  `json:"detected_at" db:"detected_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty" db:"resolved_at"` // nil = open
}

// Open reports whether the incident has not yet resolved.
func (i DriftIncident) Open() bool { return i.ResolvedAt == nil }

// ── Trust ────────────────────────────────────────────────────

// EntityType distinguishes what a trust score or prediction is about.
type EntityType string

const (
	EntityAgent    EntityType = "agent"
	EntityWorkflow EntityType = "workflow"
)

// ComponentBreakdown holds the four weighted sub-scores, each 0–100.
type ComponentBreakdown struct {
	Reliability float64 `json:"reliability"`
	Compliance  float64 `json:"compliance"`
	Performance float64 `json:"performance"`
	Security    float64 `json:"security"`
}

// TrustScoreRecord is one entry of the append-only trust time series.
type TrustScoreRecord struct {
	EntityID         string             `json:"entity_id" db:"entity_id"`
	EntityType       EntityType         `json:"entity_type" db:"entity_type"`
	TrustScore       float64            `json:"trust_score" db:"trust_score"` // 0–100
	Components       ComponentBreakdown `json:"component_breakdown" db:"component_breakdown"`
	RiskAvoidedUSD   float64            `json:"risk_avoided_usd" db:"risk_avoided_usd"`
	ComplianceSLAPct float64            `json:"compliance_sla_pct" db:"compliance_sla_pct"`
	CalculatedAt     time.Time          `json:"calculated_at" db:"calculated_at"`
}

// TrustTrend classifies recent trust movement.
type TrustTrend string

const (
	TrendImproving TrustTrend = "improving"
	TrendStable    TrustTrend = "stable"
	TrendDeclining TrustTrend = "declining"
)

// ── Prediction ───────────────────────────────────────────────

// PredictedEvent is the kind of event a prediction anticipates.
type PredictedEvent string

const (
	PredictFailure PredictedEvent = "failure"
	PredictDrift   PredictedEvent = "drift"
)

// Prediction is a write-once risk forecast. The pipeline never mutates or
// deletes predictions; once PredictedFor passes, consumers must treat the
// record as stale (retention is a store policy, not a pipeline concern).
type Prediction struct {
	ID               string         `json:"prediction_id" db:"prediction_id"`
	EntityID         string         `json:"entity_id" db:"entity_id"`
	EntityType       EntityType     `json:"entity_type" db:"entity_type"`
	PredictedEvent   PredictedEvent `json:"predicted_event" db:"predicted_event"`
	Probability      float64        `json:"probability" db:"probability"` // 0–1
	Confidence       float64        `json:"confidence" db:"confidence"`   // 0–1, NOT a probability
	TimeHorizonHours int            `json:"time_horizon_hours" db:"time_horizon_hours"`
	PredictedFor     time.Time      `json:"predicted_for" db:"predicted_for"`
	Features         []float64      `json:"features" db:"features"` // input vector, retained for audit
	ModelVersion     string         `json:"model_version" db:"model_version"`
	CreatedAt        time.Time      `json:"created_at" db:"created_at"`
}

// Expired reports whether the prediction window has passed.
func (p Prediction) Expired(now time.Time) bool { return now.After(p.PredictedFor) }

// ── Root Cause ───────────────────────────────────────────────

// RootCauseType is the fixed classification taxonomy.
type RootCauseType string

const (
	CauseConfigurationDrift RootCauseType = "configuration_drift"
	CauseResourceContention RootCauseType = "resource_contention"
	CauseNetworkLatency     RootCauseType = "network_latency"
	CauseVersionMismatch    RootCauseType = "version_mismatch"
	CauseUnknown            RootCauseType = "unknown"
)

// ContributingFactor names one condition that held during the incident.
type ContributingFactor struct {
	Factor   string   `json:"factor"`
	Severity Severity `json:"severity"`
}

// Recommendation is a priority-tagged remediation step.
type Recommendation struct {
	Action   string `json:"action"`
	Priority string `json:"priority"` // "critical" | "high" | "medium" | "low"
}

// RootCauseAnalysis is the append-only result of analyzing one incident at a
// point in time. Re-running analysis creates a new record.
type RootCauseAnalysis struct {
	ID                  string               `json:"analysis_id" db:"analysis_id"`
	IncidentID          string               `json:"incident_id" db:"incident_id"`
	RootCauseType       RootCauseType        `json:"root_cause_type" db:"root_cause_type"`
	ContributingFactors []ContributingFactor `json:"contributing_factors" db:"contributing_factors"`
	Confidence          float64              `json:"confidence" db:"confidence"` // 0–1, data sufficiency
	Evidence            map[string]float64   `json:"evidence" db:"evidence"`
	Recommendations     []Recommendation     `json:"recommendations" db:"recommendations"`
	CreatedAt           time.Time            `json:"created_at" db:"created_at"`
}

// ── Reporting ────────────────────────────────────────────────

// AgentSummary counts agents by health.
type AgentSummary struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Degraded  int `json:"degraded"`
	Unhealthy int `json:"unhealthy"`
	Unknown   int `json:"unknown"`
}

// WorkflowSummary counts workflows by derived status.
type WorkflowSummary struct {
	Total    int `json:"total"`
	Healthy  int `json:"healthy"`
	Warning  int `json:"warning"`
	Degraded int `json:"degraded"`
	Failed   int `json:"failed"`
	Inactive int `json:"inactive"`
}

// SyncStatus rolls up the drift-incident picture.
type SyncStatus struct {
	OpenIncidents  int              `json:"open_incidents"`
	BySeverity     map[Severity]int `json:"by_severity"`
	AvgFreshness   float64          `json:"avg_freshness"`
	TotalIncidents int              `json:"total_incidents"`
}

// RiskSummary rolls up active (unexpired) predictions.
type RiskSummary struct {
	ActivePredictions int      `json:"active_predictions"`
	HighRiskEntities  []string `json:"high_risk_entities"` // probability ≥ 0.7
	MaxProbability    float64  `json:"max_probability"`
}

// DashboardSnapshot is the full roll-up served to dashboards and connectors.
// Exports are pure functions of this struct.
type DashboardSnapshot struct {
	GeneratedAt      time.Time        `json:"generated_at"`
	GlobalTrustScore float64          `json:"global_trust_score"`
	TrustTrend       TrustTrend       `json:"trust_trend"`
	Agents           AgentSummary     `json:"agents"`
	Workflows        WorkflowSummary  `json:"workflows"`
	Sync             SyncStatus       `json:"sync"`
	Risk             RiskSummary      `json:"risk"`
	RiskAvoidedUSD   float64          `json:"risk_avoided_usd"`
	ComplianceSLAPct float64          `json:"compliance_sla_pct"`
	Recommendations  []Recommendation `json:"recommendations"`
}

// TrendPoint is one entry of a trust trend report.
type TrendPoint struct {
	CalculatedAt time.Time `json:"calculated_at"`
	TrustScore   float64   `json:"trust_score"`
}

// TrendReport is the trust history for one entity.
type TrendReport struct {
	EntityID   string       `json:"entity_id"`
	EntityType EntityType   `json:"entity_type"`
	Trend      TrustTrend   `json:"trend"`
	Points     []TrendPoint `json:"points"`
}

// ── Scan results ─────────────────────────────────────────────

// ScanResult summarizes one discovery cycle.
type ScanResult struct {
	Agents        int       `json:"agents"`
	Workflows     int       `json:"workflows"`
	SourcesOK     int       `json:"sources_ok"`
	SourcesFailed int       `json:"sources_failed"`
	StartedAt     time.Time `json:"started_at"`
	CompletedAt   time.Time `json:"completed_at"`
	FailedSources []string  `json:"failed_sources,omitempty"`
	PersistErrors int       `json:"persist_errors"`
}
