// Package syncmon consumes the per-agent SyncEvent stream, tracks rolling
// freshness, and manages the drift-incident lifecycle.
package syncmon

import (
	"context"
	"fmt"
	"time"

	"github.com/agentmesh/trustplane/internal/config"
	"github.com/agentmesh/trustplane/internal/notify"
	"github.com/agentmesh/trustplane/internal/store"
	"github.com/agentmesh/trustplane/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Analyzer evaluates incoming sync events against the severity thresholds and
// opens/resolves drift incidents. It is stateless between calls; all durable
// state lives in the store.
type Analyzer struct {
	store     store.Store
	cfg       config.SyncConfig
	publisher *notify.Publisher
	now       func() time.Time
}

func New(s store.Store, cfg config.SyncConfig, publisher *notify.Publisher) *Analyzer {
	return &Analyzer{
		store:     s,
		cfg:       cfg,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Severity maps drift milliseconds to a severity. The mapping is total (every
// drift value maps to exactly one severity) and monotonic (larger drift never
// yields a lower severity).
func (a *Analyzer) Severity(driftMS int64) models.Severity {
	switch {
	case driftMS >= a.cfg.CriticalMS:
		return models.SeverityCritical
	case driftMS >= a.cfg.HighMS:
		return models.SeverityHigh
	case driftMS >= a.cfg.MediumMS:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// Freshness returns the arithmetic mean of freshness_score over the agent's
// most recent events, bounded by the configured count window. Returns 0 when
// the agent has no events.
func (a *Analyzer) Freshness(ctx context.Context, agentID string) (float64, error) {
	events, err := a.store.ListSyncEvents(ctx, agentID, a.cfg.WindowSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	var sum float64
	for _, e := range events {
		sum += e.FreshnessScore
	}
	return sum / float64(len(events)), nil
}

// Record ingests one sync event: appends it to the agent's stream, opens a
// drift incident when the event's drift reaches medium severity (unless one is
// already open for the agent/workflow pair), and resolves open incidents after
// a sustained recovery streak.
func (a *Analyzer) Record(ctx context.Context, event *models.SyncEvent) error {
	if event.AgentID == "" {
		return fmt.Errorf("sync event missing agent_id")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = a.now()
	}

	if err := a.store.AppendSyncEvent(ctx, event); err != nil {
		return fmt.Errorf("append sync event: %w", err)
	}

	severity := a.Severity(event.DriftMS)
	if severity.Rank() >= models.SeverityMedium.Rank() {
		if err := a.openIncidents(ctx, event, severity); err != nil {
			return err
		}
	}

	if event.FreshnessScore >= a.cfg.RecoveryFreshness {
		if err := a.maybeResolve(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// openIncidents creates one incident per workflow the agent participates in,
// skipping pairs that already have an open incident. Agents in no workflow get
// a single agent-scoped incident with an empty workflow_id.
func (a *Analyzer) openIncidents(ctx context.Context, event *models.SyncEvent, severity models.Severity) error {
	workflowIDs, err := a.workflowsFor(ctx, event.AgentID)
	if err != nil {
		return err
	}
	if len(workflowIDs) == 0 {
		workflowIDs = []string{""}
	}

	for _, wfID := range workflowIDs {
		_, err := a.store.OpenIncidentFor(ctx, wfID, event.AgentID)
		if err == nil {
			continue // already open, never duplicate
		}
		if !store.IsNotFound(err) {
			return fmt.Errorf("check open incident: %w", err)
		}

		incident := &models.DriftIncident{
			ID:         uuid.New().String(),
			WorkflowID: wfID,
			AgentIDs:   []string{event.AgentID},
			DriftMS:    event.DriftMS,
			Severity:   severity,
			DetectedAt: event.Timestamp,
		}
		if err := a.store.CreateIncident(ctx, incident); err != nil {
			return fmt.Errorf("create incident: %w", err)
		}

		log.Info().
			Str("incident", incident.ID).
			Str("agent", event.AgentID).
			Str("workflow", wfID).
			Str("severity", string(severity)).
			Int64("drift_ms", event.DriftMS).
			Msg("drift incident opened")

		a.publisher.PublishAsync(notify.NewEvent(notify.EventIncidentOpened, map[string]interface{}{
			"incident_id": incident.ID,
			"agent_id":    event.AgentID,
			"workflow_id": wfID,
			"severity":    string(severity),
			"drift_ms":    event.DriftMS,
		}))
	}
	return nil
}

// maybeResolve closes the agent's open incidents once the recovery streak is
// sustained: the most recent RecoveryStreak events must all be at or above the
// recovery freshness threshold.
func (a *Analyzer) maybeResolve(ctx context.Context, event *models.SyncEvent) error {
	recent, err := a.store.ListSyncEvents(ctx, event.AgentID, a.cfg.RecoveryStreak)
	if err != nil {
		return err
	}
	if len(recent) < a.cfg.RecoveryStreak {
		return nil
	}
	for _, e := range recent {
		if e.FreshnessScore < a.cfg.RecoveryFreshness {
			return nil
		}
	}

	open, err := a.store.ListIncidents(ctx, store.IncidentFilter{OpenOnly: true})
	if err != nil {
		return err
	}
	for _, incident := range open {
		if !containsAgent(incident.AgentIDs, event.AgentID) {
			continue
		}
		if err := a.store.ResolveIncident(ctx, incident.ID, event.Timestamp); err != nil {
			log.Warn().Err(err).Str("incident", incident.ID).Msg("incident resolve failed")
			continue
		}

		log.Info().
			Str("incident", incident.ID).
			Str("agent", event.AgentID).
			Msg("drift incident resolved")

		a.publisher.PublishAsync(notify.NewEvent(notify.EventIncidentResolved, map[string]interface{}{
			"incident_id": incident.ID,
			"agent_id":    event.AgentID,
		}))
	}
	return nil
}

func (a *Analyzer) workflowsFor(ctx context.Context, agentID string) ([]string, error) {
	workflows, err := a.store.ListWorkflows(ctx, store.WorkflowFilter{})
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, wf := range workflows {
		if containsAgent(wf.AgentIDs, agentID) {
			ids = append(ids, wf.ID)
		}
	}
	return ids, nil
}

func containsAgent(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
