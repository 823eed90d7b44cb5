// Package rootcause classifies drift incidents through an ordered rule chain
// and emits prioritized remediation recommendations. Analysis is on demand and
// append-only: re-running it creates a new record rather than mutating the
// previous one.
package rootcause

import (
	"context"
	"fmt"
	"time"

	"github.com/agentmesh/trustplane/internal/store"
	"github.com/agentmesh/trustplane/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// contextWindow is how far back before detected_at sync events are gathered.
const contextWindow = 24 * time.Hour

// latencyThresholdMS is the network_latency rule boundary.
const latencyThresholdMS = 10_000

// Confidence denominators: four agents and a full day of half-hourly events
// count as fully sufficient context.
const (
	sufficientAgents = 4
	sufficientEvents = 48
)

// Engine analyzes incidents against the registry.
type Engine struct {
	store store.Store
	now   func() time.Time
}

func New(s store.Store) *Engine {
	return &Engine{
		store: s,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// incidentContext is everything the rule chain looks at.
type incidentContext struct {
	agents []models.Agent
	events []models.SyncEvent
}

// Analyze gathers the incident's context, classifies a root cause, persists a
// new analysis record, and stamps the cause onto the incident.
func (e *Engine) Analyze(ctx context.Context, incidentID string) (*models.RootCauseAnalysis, error) {
	incident, err := e.store.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}

	ic, err := e.gather(ctx, incident)
	if err != nil {
		return nil, fmt.Errorf("gather incident context: %w", err)
	}

	cause, evidence := classify(ic)
	factors := contributingFactors(ic)

	analysis := &models.RootCauseAnalysis{
		ID:                  uuid.New().String(),
		IncidentID:          incidentID,
		RootCauseType:       cause,
		ContributingFactors: factors,
		Confidence:          sufficiency(len(ic.agents), len(ic.events)),
		Evidence:            evidence,
		Recommendations:     recommend(cause, factors),
		CreatedAt:           e.now(),
	}

	if err := e.store.CreateAnalysis(ctx, analysis); err != nil {
		return nil, fmt.Errorf("persist analysis: %w", err)
	}
	if err := e.store.SetIncidentRootCause(ctx, incidentID, cause); err != nil {
		log.Warn().Err(err).Str("incident", incidentID).Msg("root cause stamp failed")
	}

	log.Info().
		Str("incident", incidentID).
		Str("cause", string(cause)).
		Float64("confidence", analysis.Confidence).
		Int("agents", len(ic.agents)).
		Int("events", len(ic.events)).
		Msg("root cause analysis complete")
	return analysis, nil
}

// gather loads the incident agents' current records and their sync events from
// the 24 hours preceding detection. Agents that have since vanished from the
// registry are skipped, not errors.
func (e *Engine) gather(ctx context.Context, incident *models.DriftIncident) (*incidentContext, error) {
	ic := &incidentContext{}
	since := incident.DetectedAt.Add(-contextWindow)

	for _, agentID := range incident.AgentIDs {
		agent, err := e.store.GetAgent(ctx, agentID)
		if err != nil {
			if store.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		ic.agents = append(ic.agents, *agent)

		events, err := e.store.ListSyncEventsBetween(ctx, agentID, since, incident.DetectedAt)
		if err != nil {
			return nil, err
		}
		ic.events = append(ic.events, events...)
	}
	return ic, nil
}

// classify runs the ordered rule chain; the first matching rule wins. Evidence
// is populated only for the matched category.
func classify(ic *incidentContext) (models.RootCauseType, map[string]float64) {
	distinctHashes := countDistinctHashes(ic.events)
	if len(ic.events) > 0 && float64(distinctHashes) > float64(len(ic.events))/2 {
		return models.CauseConfigurationDrift, map[string]float64{
			"distinct_context_hashes": float64(distinctHashes),
			"sample_count":            float64(len(ic.events)),
			"distinct_ratio":          float64(distinctHashes) / float64(len(ic.events)),
		}
	}

	unhealthy := countUnhealthy(ic.agents)
	if len(ic.agents) > 0 && float64(unhealthy) > float64(len(ic.agents))/2 {
		return models.CauseResourceContention, map[string]float64{
			"unhealthy_agents": float64(unhealthy),
			"agent_count":      float64(len(ic.agents)),
			"unhealthy_ratio":  float64(unhealthy) / float64(len(ic.agents)),
		}
	}

	if len(ic.events) > 0 {
		avg, max := driftStats(ic.events)
		if avg > latencyThresholdMS {
			return models.CauseNetworkLatency, map[string]float64{
				"avg_drift_ms": avg,
				"max_drift_ms": max,
				"event_count":  float64(len(ic.events)),
			}
		}
	}

	if versions := countDistinctVersions(ic.agents); versions > 1 {
		return models.CauseVersionMismatch, map[string]float64{
			"distinct_versions": float64(versions),
			"agent_count":       float64(len(ic.agents)),
		}
	}

	return models.CauseUnknown, map[string]float64{
		"agent_count": float64(len(ic.agents)),
		"event_count": float64(len(ic.events)),
	}
}

// contributingFactors lists every condition that held during the incident, in
// rule order, regardless of which rule won.
func contributingFactors(ic *incidentContext) []models.ContributingFactor {
	var factors []models.ContributingFactor

	if n := countDistinctHashes(ic.events); len(ic.events) > 0 && float64(n) > float64(len(ic.events))/2 {
		factors = append(factors, models.ContributingFactor{
			Factor:   "context_instability",
			Severity: models.SeverityHigh,
		})
	}
	if unhealthy := countUnhealthy(ic.agents); unhealthy > 0 {
		severity := models.SeverityMedium
		if float64(unhealthy) > float64(len(ic.agents))/2 {
			severity = models.SeverityHigh
		}
		factors = append(factors, models.ContributingFactor{
			Factor:   "agent_health",
			Severity: severity,
		})
	}
	if len(ic.events) > 0 {
		if avg, _ := driftStats(ic.events); avg > latencyThresholdMS {
			factors = append(factors, models.ContributingFactor{
				Factor:   "high_drift",
				Severity: models.SeverityMedium,
			})
		}
	}
	if countDistinctVersions(ic.agents) > 1 {
		factors = append(factors, models.ContributingFactor{
			Factor:   "version_skew",
			Severity: models.SeverityLow,
		})
	}
	return factors
}

// sufficiency gauges how much context backed the classification. Distinct from
// the prediction engine's confidence.
func sufficiency(agents, events int) float64 {
	c := float64(agents)/sufficientAgents*0.5 + float64(events)/sufficientEvents*0.5
	if c > 1 {
		return 1
	}
	return c
}

// ── Recommendations ─────────────────────────────────────────

// recommendations is the static lookup per cause. The first entry is priority
// "high", the rest "medium".
var recommendations = map[models.RootCauseType][]string{
	models.CauseConfigurationDrift: {
		"Resynchronize agent configuration from the source of truth",
		"Enable configuration-change auditing for the affected agents",
		"Pin configuration versions for workflow-critical agents",
	},
	models.CauseResourceContention: {
		"Rebalance workload across healthy agents",
		"Increase resource quotas for the affected agents",
		"Review concurrent workflow scheduling",
	},
	models.CauseNetworkLatency: {
		"Investigate network paths between the affected agents",
		"Enable latency monitoring on agent endpoints",
		"Colocate agents with heavy cross-traffic",
	},
	models.CauseVersionMismatch: {
		"Align agent versions across the workflow",
		"Add version checks to the deployment pipeline",
	},
	models.CauseUnknown: {
		"Collect more sync telemetry for the affected agents",
		"Re-run the analysis after more events have accumulated",
	},
}

func recommend(cause models.RootCauseType, factors []models.ContributingFactor) []models.Recommendation {
	actions := recommendations[cause]
	out := make([]models.Recommendation, 0, len(actions)+1)
	for i, action := range actions {
		priority := "medium"
		if i == 0 {
			priority = "high"
		}
		out = append(out, models.Recommendation{Action: action, Priority: priority})
	}
	for _, f := range factors {
		if f.Factor == "agent_health" {
			out = append(out, models.Recommendation{
				Action:   "Investigate unhealthy agents",
				Priority: "medium",
			})
			break
		}
	}
	return out
}

// ── Context stats ───────────────────────────────────────────

func countDistinctHashes(events []models.SyncEvent) int {
	seen := make(map[string]struct{})
	for _, e := range events {
		if e.ContextHash != "" {
			seen[e.ContextHash] = struct{}{}
		}
	}
	return len(seen)
}

func countUnhealthy(agents []models.Agent) int {
	n := 0
	for _, a := range agents {
		if a.HealthStatus != models.HealthHealthy {
			n++
		}
	}
	return n
}

func countDistinctVersions(agents []models.Agent) int {
	seen := make(map[string]struct{})
	for _, a := range agents {
		if a.Version != "" {
			seen[a.Version] = struct{}{}
		}
	}
	return len(seen)
}

func driftStats(events []models.SyncEvent) (avg, max float64) {
	var sum float64
	for _, e := range events {
		d := float64(e.DriftMS)
		sum += d
		if d > max {
			max = d
		}
	}
	return sum / float64(len(events)), max
}
