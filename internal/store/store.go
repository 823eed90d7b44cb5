// Package store provides the storage interface and implementations for the
// trustplane registry. The registry owns all durable pipeline state; every
// engine is stateless between invocations and reads/writes only through the
// keyed upsert/append operations defined here.
//
// Concurrency model: every write is either a keyed upsert (last-write-wins
// for mutable entity fields) or an append to an immutable time series, so
// concurrent writers converge without cross-entity locking.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/agentmesh/trustplane/pkg/models"
)

// Store is the primary storage interface for the pipeline.
// Engines and handlers depend on this interface, making it easy to swap
// between in-memory (tests, local) and PostgreSQL (production).
type Store interface {
	AgentStore
	WorkflowStore
	SyncEventStore
	IncidentStore
	TrustStore
	PredictionStore
	AnalysisStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate prepares the backing schema.
	Migrate(ctx context.Context) error
}

// ── Agent Store ─────────────────────────────────────────────

// AgentFilter narrows ListAgents results. Zero values match everything.
type AgentFilter struct {
	Health models.HealthStatus
	Type   models.AgentType
}

type AgentStore interface {
	// UpsertAgent creates or replaces the agent keyed by AgentID. Idempotent:
	// upserting identical data leaves the registry unchanged.
	UpsertAgent(ctx context.Context, agent *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	ListAgents(ctx context.Context, filter AgentFilter) ([]models.Agent, error)
}

// ── Workflow Store ──────────────────────────────────────────

// WorkflowFilter narrows ListWorkflows results.
type WorkflowFilter struct {
	Status models.WorkflowStatus
}

type WorkflowStore interface {
	UpsertWorkflow(ctx context.Context, wf *models.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]models.Workflow, error)
}

// ── Sync Event Store ────────────────────────────────────────

type SyncEventStore interface {
	// AppendSyncEvent records an immutable sync observation.
	AppendSyncEvent(ctx context.Context, event *models.SyncEvent) error

	// ListSyncEvents returns the most recent events for an agent, newest
	// first, capped at limit.
	ListSyncEvents(ctx context.Context, agentID string, limit int) ([]models.SyncEvent, error)

	// ListSyncEventsBetween returns events for an agent within [since, until),
	// newest first. Used by root-cause context gathering and feature extraction.
	ListSyncEventsBetween(ctx context.Context, agentID string, since, until time.Time) ([]models.SyncEvent, error)
}

// ── Incident Store ──────────────────────────────────────────

// IncidentFilter narrows ListIncidents results.
type IncidentFilter struct {
	Severity models.Severity
	OpenOnly bool
	Limit    int
}

type IncidentStore interface {
	CreateIncident(ctx context.Context, incident *models.DriftIncident) error
	GetIncident(ctx context.Context, id string) (*models.DriftIncident, error)
	ListIncidents(ctx context.Context, filter IncidentFilter) ([]models.DriftIncident, error)

	// OpenIncidentFor returns the currently open incident for an
	// agent/workflow pair, or ErrNotFound if none is open.
	OpenIncidentFor(ctx context.Context, workflowID, agentID string) (*models.DriftIncident, error)

	// ResolveIncident sets ResolvedAt. Resolution is terminal: resolving an
	// already-resolved incident is a no-op.
	ResolveIncident(ctx context.Context, id string, at time.Time) error

	// SetIncidentRootCause records the classified cause on the incident.
	SetIncidentRootCause(ctx context.Context, id string, cause models.RootCauseType) error
}

// ── Trust Store ─────────────────────────────────────────────

type TrustStore interface {
	// AppendTrustScore appends an immutable record to the trust time series.
	AppendTrustScore(ctx context.Context, record *models.TrustScoreRecord) error

	// ListTrustScores returns the most recent records for an entity, newest
	// first, capped at limit.
	ListTrustScores(ctx context.Context, entityID string, limit int) ([]models.TrustScoreRecord, error)

	// LatestTrustScores returns the newest record per entity.
	LatestTrustScores(ctx context.Context) ([]models.TrustScoreRecord, error)
}

// ── Prediction Store ────────────────────────────────────────

type PredictionStore interface {
	// CreatePrediction persists a write-once prediction.
	CreatePrediction(ctx context.Context, prediction *models.Prediction) error

	// ListPredictions returns predictions for an entity, newest first.
	ListPredictions(ctx context.Context, entityID string, limit int) ([]models.Prediction, error)

	// ListActivePredictions returns predictions whose PredictedFor has not
	// passed. Expired predictions stay in storage; they are just not active.
	ListActivePredictions(ctx context.Context, now time.Time) ([]models.Prediction, error)
}

// ── Analysis Store ──────────────────────────────────────────

type AnalysisStore interface {
	// CreateAnalysis appends a root-cause analysis. Re-analysis of the same
	// incident appends a new record rather than mutating the old one.
	CreateAnalysis(ctx context.Context, analysis *models.RootCauseAnalysis) error

	// ListAnalyses returns all analyses for an incident, newest first.
	ListAnalyses(ctx context.Context, incidentID string) ([]models.RootCauseAnalysis, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}
