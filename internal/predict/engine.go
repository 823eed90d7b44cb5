// Package predict runs the predictive risk models: a failure classifier over
// workflow execution history and a drift classifier over agent sync history.
// Predictions are write-once and only persisted above the configured
// probability thresholds; entities with insufficient history are skipped
// silently rather than treated as errors.
package predict

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/agentmesh/trustplane/internal/config"
	"github.com/agentmesh/trustplane/internal/store"
	"github.com/agentmesh/trustplane/internal/trust"
	"github.com/agentmesh/trustplane/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Engine extracts feature vectors from stored history and runs the
// classifiers.
type Engine struct {
	store    store.Store
	cfg      config.PredictConfig
	syncCfg  config.SyncConfig
	trustEng *trust.Engine
	now      func() time.Time
}

func New(s store.Store, cfg config.PredictConfig, syncCfg config.SyncConfig, trustEng *trust.Engine) *Engine {
	return &Engine{
		store:    s,
		cfg:      cfg,
		syncCfg:  syncCfg,
		trustEng: trustEng,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Predict runs one classifier for one entity. It returns (nil, nil) when the
// entity has insufficient history or the probability falls below the
// persistence threshold; a non-nil prediction has already been persisted.
func (e *Engine) Predict(ctx context.Context, entityID string, kind models.PredictedEvent) (*models.Prediction, error) {
	switch kind {
	case models.PredictFailure:
		return e.predictFailure(ctx, entityID)
	case models.PredictDrift:
		return e.predictDrift(ctx, entityID)
	default:
		return nil, fmt.Errorf("unknown prediction kind %q", kind)
	}
}

// Cycle predicts failure for every workflow and drift for every agent. Per-
// entity errors are logged and skipped so one bad entity never stalls the
// cycle.
func (e *Engine) Cycle(ctx context.Context) {
	var emitted, skipped, failed int

	workflows, err := e.store.ListWorkflows(ctx, store.WorkflowFilter{})
	if err != nil {
		log.Warn().Err(err).Msg("prediction cycle: list workflows failed")
	}
	for _, wf := range workflows {
		p, err := e.predictFailure(ctx, wf.ID)
		switch {
		case err != nil:
			failed++
			log.Warn().Err(err).Str("workflow", wf.ID).Msg("failure prediction failed")
		case p == nil:
			skipped++
		default:
			emitted++
		}
	}

	agents, err := e.store.ListAgents(ctx, store.AgentFilter{})
	if err != nil {
		log.Warn().Err(err).Msg("prediction cycle: list agents failed")
	}
	for _, agent := range agents {
		p, err := e.predictDrift(ctx, agent.ID)
		switch {
		case err != nil:
			failed++
			log.Warn().Err(err).Str("agent", agent.ID).Msg("drift prediction failed")
		case p == nil:
			skipped++
		default:
			emitted++
		}
	}

	log.Info().
		Int("emitted", emitted).
		Int("skipped", skipped).
		Int("failed", failed).
		Msg("prediction cycle complete")
}

// ── Failure ─────────────────────────────────────────────────

func (e *Engine) predictFailure(ctx context.Context, workflowID string) (*models.Prediction, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if wf.ExecutionCount < e.cfg.MinHistory {
		return nil, nil
	}

	features, err := e.failureFeatures(ctx, wf)
	if err != nil {
		return nil, err
	}

	p := FailureProbability(features)
	if p <= e.cfg.FailureThreshold {
		return nil, nil
	}

	v := features.Vector()
	return e.persist(ctx, workflowID, models.EntityWorkflow, models.PredictFailure, p, wf.ExecutionCount, v[:])
}

func (e *Engine) failureFeatures(ctx context.Context, wf *models.Workflow) (FailureFeatures, error) {
	now := e.now()
	features := FailureFeatures{
		FailureRate:    1 - wf.SuccessRate/100,
		SuccessRate:    wf.SuccessRate / 100,
		AvgDurationSec: wf.AvgDurationMS / 1000,
		ExecutionCount: float64(wf.ExecutionCount),
		StatusSeverity: statusSeverity(wf.Status),
	}
	if !wf.LastExecution.IsZero() {
		features.HoursSinceRun = now.Sub(wf.LastExecution).Hours()
	}

	records, err := e.store.ListTrustScores(ctx, wf.ID, 10)
	if err != nil {
		return features, err
	}
	if len(records) > 0 {
		features.TrustLatest = records[0].TrustScore / 100
		m, sd := meanStddev(trustValues(records))
		features.TrustMean = m / 100
		features.TrustVolatility = sd / 100

		trend, err := e.trustEng.Trend(ctx, wf.ID)
		if err != nil {
			return features, err
		}
		features.TrustTrend = trendOrdinal(trend)
	}
	return features, nil
}

// ── Drift ───────────────────────────────────────────────────

func (e *Engine) predictDrift(ctx context.Context, agentID string) (*models.Prediction, error) {
	events, err := e.store.ListSyncEvents(ctx, agentID, e.syncCfg.WindowSize)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 || len(events) < e.cfg.MinHistory {
		return nil, nil
	}

	features, err := e.driftFeatures(ctx, agentID, events)
	if err != nil {
		return nil, err
	}

	p := DriftProbability(features)
	if p <= e.cfg.DriftThreshold {
		return nil, nil
	}

	v := features.Vector()
	return e.persist(ctx, agentID, models.EntityAgent, models.PredictDrift, p, len(events), v[:])
}

func (e *Engine) driftFeatures(ctx context.Context, agentID string, events []models.SyncEvent) (DriftFeatures, error) {
	freshness := make([]float64, len(events))
	drift := make([]float64, len(events))
	driftEvents := 0
	for i, ev := range events {
		freshness[i] = ev.FreshnessScore
		drift[i] = float64(ev.DriftMS)
		if ev.DriftMS >= e.syncCfg.MediumMS {
			driftEvents++
		}
	}

	fMean, fStddev := meanStddev(freshness)
	dMean, dStddev := meanStddev(drift)

	features := DriftFeatures{
		FreshnessMean:   fMean,
		FreshnessMin:    minOf(freshness),
		FreshnessMax:    maxOf(freshness),
		FreshnessStddev: fStddev,
		FreshnessLatest: freshness[0],
		DriftMeanMS:     dMean,
		DriftMaxMS:      maxOf(drift),
		DriftStddevMS:   dStddev,
		DriftEventCount: float64(driftEvents),
	}
	for i := 0; i < len(features.RecentSamples) && i < len(freshness); i++ {
		features.RecentSamples[i] = freshness[i]
	}

	incidents, err := e.store.ListIncidents(ctx, store.IncidentFilter{})
	if err != nil {
		return features, err
	}
	for _, inc := range incidents {
		for _, id := range inc.AgentIDs {
			if id == agentID {
				features.IncidentCount++
				break
			}
		}
	}
	return features, nil
}

// ── Persistence ─────────────────────────────────────────────

func (e *Engine) persist(ctx context.Context, entityID string, entityType models.EntityType, kind models.PredictedEvent, p float64, samples int, features []float64) (*models.Prediction, error) {
	now := e.now()
	prediction := &models.Prediction{
		ID:               uuid.New().String(),
		EntityID:         entityID,
		EntityType:       entityType,
		PredictedEvent:   kind,
		Probability:      p,
		Confidence:       e.confidence(p, samples),
		TimeHorizonHours: e.cfg.HorizonHours,
		PredictedFor:     now.Add(time.Duration(e.cfg.HorizonHours) * time.Hour),
		Features:         features,
		ModelVersion:     ModelVersion,
		CreatedAt:        now,
	}
	if err := e.store.CreatePrediction(ctx, prediction); err != nil {
		return nil, fmt.Errorf("persist prediction: %w", err)
	}

	log.Info().
		Str("entity", entityID).
		Str("kind", string(kind)).
		Float64("probability", p).
		Float64("confidence", prediction.Confidence).
		Msg("prediction emitted")
	return prediction, nil
}

// confidence blends model certainty (distance from the 0.5 coin flip) with
// data sufficiency. It is NOT a probability, just a 0–1 quality signal.
func (e *Engine) confidence(p float64, samples int) float64 {
	certainty := math.Abs(p-0.5) * 2
	sufficiency := float64(samples) / float64(4*e.cfg.MinHistory)
	if sufficiency > 1 {
		sufficiency = 1
	}
	c := 0.6*certainty + 0.4*sufficiency
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// ── Helpers ─────────────────────────────────────────────────

func statusSeverity(status models.WorkflowStatus) float64 {
	switch status {
	case models.WorkflowWarning:
		return 1
	case models.WorkflowDegraded:
		return 2
	case models.WorkflowFailed:
		return 3
	case models.WorkflowInactive:
		return 4
	default:
		return 0
	}
}

func trendOrdinal(trend models.TrustTrend) float64 {
	switch trend {
	case models.TrendDeclining:
		return -1
	case models.TrendImproving:
		return 1
	default:
		return 0
	}
}

func trustValues(records []models.TrustScoreRecord) []float64 {
	out := make([]float64, len(records))
	for i, r := range records {
		out[i] = r.TrustScore
	}
	return out
}

func meanStddev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var varSum float64
	for _, v := range values {
		d := v - mean
		varSum += d * d
	}
	return mean, math.Sqrt(varSum / float64(len(values)))
}

func minOf(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func maxOf(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}
