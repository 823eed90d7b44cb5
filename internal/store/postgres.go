package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentmesh/trustplane/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PostgresStore implements Store on PostgreSQL via pgxpool.
// Selected when DATABASE_URL is set; otherwise the memory store is used.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and runs migrations.
func NewPostgresStore(ctx context.Context, connURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	log.Info().Msg("Postgres store initialized")
	return s, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS tp_agents (
		agent_id       TEXT PRIMARY KEY,
		name           TEXT NOT NULL DEFAULT '',
		type           TEXT NOT NULL DEFAULT '',
		capabilities   JSONB NOT NULL DEFAULT '[]',
		health_status  TEXT NOT NULL DEFAULT 'unknown',
		last_heartbeat TIMESTAMPTZ,
		trust_score    DOUBLE PRECISION,
		version        TEXT NOT NULL DEFAULT '',
		endpoint       TEXT NOT NULL DEFAULT '',
		source         TEXT NOT NULL DEFAULT '',
		metadata       JSONB NOT NULL DEFAULT '{}',
		first_seen     TIMESTAMPTZ,
		last_seen      TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS tp_workflows (
		workflow_id     TEXT PRIMARY KEY,
		name            TEXT NOT NULL DEFAULT '',
		agent_ids       JSONB NOT NULL DEFAULT '[]',
		status          TEXT NOT NULL DEFAULT '',
		execution_count INTEGER NOT NULL DEFAULT 0,
		last_execution  TIMESTAMPTZ,
		avg_duration_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		success_rate    DOUBLE PRECISION NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS tp_sync_events (
		agent_id        TEXT NOT NULL,
		ts              TIMESTAMPTZ NOT NULL,
		freshness_score DOUBLE PRECISION NOT NULL,
		drift_ms        BIGINT NOT NULL,
		context_hash    TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_tp_sync_agent_ts ON tp_sync_events (agent_id, ts DESC);

	CREATE TABLE IF NOT EXISTS tp_incidents (
		incident_id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL DEFAULT '',
		agent_ids   JSONB NOT NULL DEFAULT '[]',
		drift_ms    BIGINT NOT NULL DEFAULT 0,
		severity    TEXT NOT NULL,
		root_cause  TEXT NOT NULL DEFAULT '',
		detected_at TIMESTAMPTZ NOT NULL,
		resolved_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_tp_incidents_open ON tp_incidents (workflow_id) WHERE resolved_at IS NULL;

	CREATE TABLE IF NOT EXISTS tp_trust_scores (
		entity_id           TEXT NOT NULL,
		entity_type         TEXT NOT NULL,
		trust_score         DOUBLE PRECISION NOT NULL,
		component_breakdown JSONB NOT NULL DEFAULT '{}',
		risk_avoided_usd    DOUBLE PRECISION NOT NULL DEFAULT 0,
		compliance_sla_pct  DOUBLE PRECISION NOT NULL DEFAULT 0,
		calculated_at       TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tp_trust_entity_ts ON tp_trust_scores (entity_id, calculated_at DESC);

	CREATE TABLE IF NOT EXISTS tp_predictions (
		prediction_id      TEXT PRIMARY KEY,
		entity_id          TEXT NOT NULL,
		entity_type        TEXT NOT NULL,
		predicted_event    TEXT NOT NULL,
		probability        DOUBLE PRECISION NOT NULL,
		confidence         DOUBLE PRECISION NOT NULL,
		time_horizon_hours INTEGER NOT NULL,
		predicted_for      TIMESTAMPTZ NOT NULL,
		features           JSONB NOT NULL DEFAULT '[]',
		model_version      TEXT NOT NULL DEFAULT '',
		created_at         TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tp_predictions_entity ON tp_predictions (entity_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS tp_analyses (
		analysis_id          TEXT PRIMARY KEY,
		incident_id          TEXT NOT NULL,
		root_cause_type      TEXT NOT NULL,
		contributing_factors JSONB NOT NULL DEFAULT '[]',
		confidence           DOUBLE PRECISION NOT NULL,
		evidence             JSONB NOT NULL DEFAULT '{}',
		recommendations      JSONB NOT NULL DEFAULT '[]',
		created_at           TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tp_analyses_incident ON tp_analyses (incident_id, created_at DESC);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

// ── Agent Store ─────────────────────────────────────────────

func (s *PostgresStore) UpsertAgent(ctx context.Context, agent *models.Agent) error {
	caps, _ := json.Marshal(agent.Capabilities)
	meta, _ := json.Marshal(agent.Metadata)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tp_agents (agent_id, name, type, capabilities, health_status, last_heartbeat,
			trust_score, version, endpoint, source, metadata, first_seen, last_seen)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (agent_id) DO UPDATE SET
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			capabilities = EXCLUDED.capabilities,
			health_status = EXCLUDED.health_status,
			last_heartbeat = EXCLUDED.last_heartbeat,
			trust_score = EXCLUDED.trust_score,
			version = EXCLUDED.version,
			endpoint = EXCLUDED.endpoint,
			source = EXCLUDED.source,
			metadata = EXCLUDED.metadata,
			last_seen = EXCLUDED.last_seen`,
		agent.ID, agent.Name, agent.Type, caps, agent.HealthStatus, agent.LastHeartbeat,
		agent.TrustScore, agent.Version, agent.Endpoint, agent.Source, meta,
		agent.FirstSeen, agent.LastSeen)
	return err
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT agent_id, name, type, capabilities, health_status, last_heartbeat,
			trust_score, version, endpoint, source, metadata, first_seen, last_seen
		FROM tp_agents WHERE agent_id = $1`, id)
	a, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "agent", Key: id}
	}
	return a, err
}

func (s *PostgresStore) ListAgents(ctx context.Context, filter AgentFilter) ([]models.Agent, error) {
	query := `SELECT agent_id, name, type, capabilities, health_status, last_heartbeat,
		trust_score, version, endpoint, source, metadata, first_seen, last_seen
		FROM tp_agents WHERE 1=1`
	args := []interface{}{}
	if filter.Health != "" {
		args = append(args, filter.Health)
		query += fmt.Sprintf(" AND health_status = $%d", len(args))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	query += " ORDER BY agent_id"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	var a models.Agent
	var caps, meta []byte
	if err := row.Scan(&a.ID, &a.Name, &a.Type, &caps, &a.HealthStatus, &a.LastHeartbeat,
		&a.TrustScore, &a.Version, &a.Endpoint, &a.Source, &meta, &a.FirstSeen, &a.LastSeen); err != nil {
		return nil, err
	}
	json.Unmarshal(caps, &a.Capabilities)
	json.Unmarshal(meta, &a.Metadata)
	return &a, nil
}

// ── Workflow Store ──────────────────────────────────────────

func (s *PostgresStore) UpsertWorkflow(ctx context.Context, wf *models.Workflow) error {
	ids, _ := json.Marshal(wf.AgentIDs)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tp_workflows (workflow_id, name, agent_ids, status, execution_count,
			last_execution, avg_duration_ms, success_rate)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (workflow_id) DO UPDATE SET
			name = EXCLUDED.name,
			agent_ids = EXCLUDED.agent_ids,
			status = EXCLUDED.status,
			execution_count = EXCLUDED.execution_count,
			last_execution = EXCLUDED.last_execution,
			avg_duration_ms = EXCLUDED.avg_duration_ms,
			success_rate = EXCLUDED.success_rate`,
		wf.ID, wf.Name, ids, wf.Status, wf.ExecutionCount, wf.LastExecution,
		wf.AvgDurationMS, wf.SuccessRate)
	return err
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT workflow_id, name, agent_ids, status, execution_count, last_execution,
			avg_duration_ms, success_rate
		FROM tp_workflows WHERE workflow_id = $1`, id)
	w, err := scanWorkflow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "workflow", Key: id}
	}
	return w, err
}

func (s *PostgresStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]models.Workflow, error) {
	query := `SELECT workflow_id, name, agent_ids, status, execution_count, last_execution,
		avg_duration_ms, success_rate FROM tp_workflows WHERE 1=1`
	args := []interface{}{}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY workflow_id"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *w)
	}
	return result, rows.Err()
}

func scanWorkflow(row rowScanner) (*models.Workflow, error) {
	var w models.Workflow
	var ids []byte
	if err := row.Scan(&w.ID, &w.Name, &ids, &w.Status, &w.ExecutionCount,
		&w.LastExecution, &w.AvgDurationMS, &w.SuccessRate); err != nil {
		return nil, err
	}
	json.Unmarshal(ids, &w.AgentIDs)
	return &w, nil
}

// ── Sync Event Store ────────────────────────────────────────

func (s *PostgresStore) AppendSyncEvent(ctx context.Context, event *models.SyncEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tp_sync_events (agent_id, ts, freshness_score, drift_ms, context_hash)
		VALUES ($1,$2,$3,$4,$5)`,
		event.AgentID, event.Timestamp, event.FreshnessScore, event.DriftMS, event.ContextHash)
	return err
}

func (s *PostgresStore) ListSyncEvents(ctx context.Context, agentID string, limit int) ([]models.SyncEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT agent_id, ts, freshness_score, drift_ms, context_hash
		FROM tp_sync_events WHERE agent_id = $1
		ORDER BY ts DESC LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSyncEvents(rows)
}

func (s *PostgresStore) ListSyncEventsBetween(ctx context.Context, agentID string, since, until time.Time) ([]models.SyncEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT agent_id, ts, freshness_score, drift_ms, context_hash
		FROM tp_sync_events WHERE agent_id = $1 AND ts >= $2 AND ts < $3
		ORDER BY ts DESC`, agentID, since, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSyncEvents(rows)
}

func collectSyncEvents(rows pgx.Rows) ([]models.SyncEvent, error) {
	var result []models.SyncEvent
	for rows.Next() {
		var e models.SyncEvent
		if err := rows.Scan(&e.AgentID, &e.Timestamp, &e.FreshnessScore, &e.DriftMS, &e.ContextHash); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// ── Incident Store ──────────────────────────────────────────

func (s *PostgresStore) CreateIncident(ctx context.Context, incident *models.DriftIncident) error {
	ids, _ := json.Marshal(incident.AgentIDs)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tp_incidents (incident_id, workflow_id, agent_ids, drift_ms, severity,
			root_cause, detected_at, resolved_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		incident.ID, incident.WorkflowID, ids, incident.DriftMS, incident.Severity,
		incident.RootCause, incident.DetectedAt, incident.ResolvedAt)
	return err
}

func (s *PostgresStore) GetIncident(ctx context.Context, id string) (*models.DriftIncident, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT incident_id, workflow_id, agent_ids, drift_ms, severity, root_cause, detected_at, resolved_at
		FROM tp_incidents WHERE incident_id = $1`, id)
	inc, err := scanIncident(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "incident", Key: id}
	}
	return inc, err
}

func (s *PostgresStore) ListIncidents(ctx context.Context, filter IncidentFilter) ([]models.DriftIncident, error) {
	query := `SELECT incident_id, workflow_id, agent_ids, drift_ms, severity, root_cause,
		detected_at, resolved_at FROM tp_incidents WHERE 1=1`
	args := []interface{}{}
	if filter.Severity != "" {
		args = append(args, filter.Severity)
		query += fmt.Sprintf(" AND severity = $%d", len(args))
	}
	if filter.OpenOnly {
		query += " AND resolved_at IS NULL"
	}
	query += " ORDER BY detected_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.DriftIncident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *inc)
	}
	return result, rows.Err()
}

func (s *PostgresStore) OpenIncidentFor(ctx context.Context, workflowID, agentID string) (*models.DriftIncident, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT incident_id, workflow_id, agent_ids, drift_ms, severity, root_cause, detected_at, resolved_at
		FROM tp_incidents
		WHERE workflow_id = $1 AND resolved_at IS NULL AND agent_ids @> to_jsonb(ARRAY[$2::text])
		ORDER BY detected_at DESC LIMIT 1`, workflowID, agentID)
	inc, err := scanIncident(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "open incident", Key: workflowID + ":" + agentID}
	}
	return inc, err
}

func (s *PostgresStore) ResolveIncident(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tp_incidents SET resolved_at = $2
		WHERE incident_id = $1 AND resolved_at IS NULL`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Either missing or already resolved; only the former is an error.
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM tp_incidents WHERE incident_id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return &ErrNotFound{Entity: "incident", Key: id}
		}
	}
	return nil
}

func (s *PostgresStore) SetIncidentRootCause(ctx context.Context, id string, cause models.RootCauseType) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tp_incidents SET root_cause = $2 WHERE incident_id = $1`, id, cause)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "incident", Key: id}
	}
	return nil
}

func scanIncident(row rowScanner) (*models.DriftIncident, error) {
	var inc models.DriftIncident
	var ids []byte
	if err := row.Scan(&inc.ID, &inc.WorkflowID, &ids, &inc.DriftMS, &inc.Severity,
		&inc.RootCause, &inc.DetectedAt, &inc.ResolvedAt); err != nil {
		return nil, err
	}
	json.Unmarshal(ids, &inc.AgentIDs)
	return &inc, nil
}

// ── Trust Store ─────────────────────────────────────────────

func (s *PostgresStore) AppendTrustScore(ctx context.Context, record *models.TrustScoreRecord) error {
	breakdown, _ := json.Marshal(record.Components)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tp_trust_scores (entity_id, entity_type, trust_score, component_breakdown,
			risk_avoided_usd, compliance_sla_pct, calculated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		record.EntityID, record.EntityType, record.TrustScore, breakdown,
		record.RiskAvoidedUSD, record.ComplianceSLAPct, record.CalculatedAt)
	return err
}

func (s *PostgresStore) ListTrustScores(ctx context.Context, entityID string, limit int) ([]models.TrustScoreRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT entity_id, entity_type, trust_score, component_breakdown,
			risk_avoided_usd, compliance_sla_pct, calculated_at
		FROM tp_trust_scores WHERE entity_id = $1
		ORDER BY calculated_at DESC LIMIT $2`, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTrustScores(rows)
}

func (s *PostgresStore) LatestTrustScores(ctx context.Context) ([]models.TrustScoreRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (entity_id) entity_id, entity_type, trust_score, component_breakdown,
			risk_avoided_usd, compliance_sla_pct, calculated_at
		FROM tp_trust_scores
		ORDER BY entity_id, calculated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTrustScores(rows)
}

func collectTrustScores(rows pgx.Rows) ([]models.TrustScoreRecord, error) {
	var result []models.TrustScoreRecord
	for rows.Next() {
		var r models.TrustScoreRecord
		var breakdown []byte
		if err := rows.Scan(&r.EntityID, &r.EntityType, &r.TrustScore, &breakdown,
			&r.RiskAvoidedUSD, &r.ComplianceSLAPct, &r.CalculatedAt); err != nil {
			return nil, err
		}
		json.Unmarshal(breakdown, &r.Components)
		result = append(result, r)
	}
	return result, rows.Err()
}

// ── Prediction Store ────────────────────────────────────────

func (s *PostgresStore) CreatePrediction(ctx context.Context, prediction *models.Prediction) error {
	features, _ := json.Marshal(prediction.Features)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tp_predictions (prediction_id, entity_id, entity_type, predicted_event,
			probability, confidence, time_horizon_hours, predicted_for, features, model_version, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		prediction.ID, prediction.EntityID, prediction.EntityType, prediction.PredictedEvent,
		prediction.Probability, prediction.Confidence, prediction.TimeHorizonHours,
		prediction.PredictedFor, features, prediction.ModelVersion, prediction.CreatedAt)
	return err
}

func (s *PostgresStore) ListPredictions(ctx context.Context, entityID string, limit int) ([]models.Prediction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT prediction_id, entity_id, entity_type, predicted_event, probability, confidence,
			time_horizon_hours, predicted_for, features, model_version, created_at
		FROM tp_predictions WHERE entity_id = $1
		ORDER BY created_at DESC LIMIT $2`, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPredictions(rows)
}

func (s *PostgresStore) ListActivePredictions(ctx context.Context, now time.Time) ([]models.Prediction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT prediction_id, entity_id, entity_type, predicted_event, probability, confidence,
			time_horizon_hours, predicted_for, features, model_version, created_at
		FROM tp_predictions WHERE predicted_for >= $1
		ORDER BY created_at DESC`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPredictions(rows)
}

func collectPredictions(rows pgx.Rows) ([]models.Prediction, error) {
	var result []models.Prediction
	for rows.Next() {
		var p models.Prediction
		var features []byte
		if err := rows.Scan(&p.ID, &p.EntityID, &p.EntityType, &p.PredictedEvent,
			&p.Probability, &p.Confidence, &p.TimeHorizonHours, &p.PredictedFor,
			&features, &p.ModelVersion, &p.CreatedAt); err != nil {
			return nil, err
		}
		json.Unmarshal(features, &p.Features)
		result = append(result, p)
	}
	return result, rows.Err()
}

// ── Analysis Store ──────────────────────────────────────────

func (s *PostgresStore) CreateAnalysis(ctx context.Context, analysis *models.RootCauseAnalysis) error {
	factors, _ := json.Marshal(analysis.ContributingFactors)
	evidence, _ := json.Marshal(analysis.Evidence)
	recs, _ := json.Marshal(analysis.Recommendations)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tp_analyses (analysis_id, incident_id, root_cause_type, contributing_factors,
			confidence, evidence, recommendations, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		analysis.ID, analysis.IncidentID, analysis.RootCauseType, factors,
		analysis.Confidence, evidence, recs, analysis.CreatedAt)
	return err
}

func (s *PostgresStore) ListAnalyses(ctx context.Context, incidentID string) ([]models.RootCauseAnalysis, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT analysis_id, incident_id, root_cause_type, contributing_factors, confidence,
			evidence, recommendations, created_at
		FROM tp_analyses WHERE incident_id = $1
		ORDER BY created_at DESC`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.RootCauseAnalysis
	for rows.Next() {
		var a models.RootCauseAnalysis
		var factors, evidence, recs []byte
		if err := rows.Scan(&a.ID, &a.IncidentID, &a.RootCauseType, &factors,
			&a.Confidence, &evidence, &recs, &a.CreatedAt); err != nil {
			return nil, err
		}
		json.Unmarshal(factors, &a.ContributingFactors)
		json.Unmarshal(evidence, &a.Evidence)
		json.Unmarshal(recs, &a.Recommendations)
		result = append(result, a)
	}
	return result, rows.Err()
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
