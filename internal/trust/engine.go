// Package trust computes weighted multi-factor trust scores and maintains the
// append-only trust time series per entity.
package trust

import (
	"context"
	"fmt"
	"time"

	"github.com/agentmesh/trustplane/internal/config"
	"github.com/agentmesh/trustplane/internal/store"
	"github.com/agentmesh/trustplane/pkg/models"
	"github.com/rs/zerolog/log"
)

// Component weights. They sum to 1 so a full-marks entity scores exactly 100.
const (
	weightReliability = 0.35
	weightCompliance  = 0.30
	weightPerformance = 0.20
	weightSecurity    = 0.15
)

// SubScores are the four component inputs, each expected in [0,100]. Values
// outside the range are clamped before weighting; sourcing the underlying
// counters is the caller's concern.
type SubScores struct {
	Reliability float64
	Compliance  float64
	Performance float64
	Security    float64

	// Rollup figures carried onto the record unmodified.
	RiskAvoidedUSD   float64
	ComplianceSLAPct float64
}

// Engine scores entities and classifies trust trends.
type Engine struct {
	store store.Store
	cfg   config.TrustConfig
	now   func() time.Time
}

func New(s store.Store, cfg config.TrustConfig) *Engine {
	return &Engine{
		store: s,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Compute returns the weighted trust score for the given sub-scores without
// touching the store. Pure: identical inputs always produce identical output.
func Compute(sub SubScores) (float64, models.ComponentBreakdown) {
	breakdown := models.ComponentBreakdown{
		Reliability: clamp(sub.Reliability),
		Compliance:  clamp(sub.Compliance),
		Performance: clamp(sub.Performance),
		Security:    clamp(sub.Security),
	}
	score := breakdown.Reliability*weightReliability +
		breakdown.Compliance*weightCompliance +
		breakdown.Performance*weightPerformance +
		breakdown.Security*weightSecurity
	return clamp(score), breakdown
}

// Score computes the entity's trust score, appends an immutable record to the
// trust time series, and reflects the new score onto agent records.
func (e *Engine) Score(ctx context.Context, entityID string, entityType models.EntityType, sub SubScores) (*models.TrustScoreRecord, error) {
	if entityID == "" {
		return nil, fmt.Errorf("entity_id is required")
	}

	score, breakdown := Compute(sub)
	record := &models.TrustScoreRecord{
		EntityID:         entityID,
		EntityType:       entityType,
		TrustScore:       score,
		Components:       breakdown,
		RiskAvoidedUSD:   sub.RiskAvoidedUSD,
		ComplianceSLAPct: sub.ComplianceSLAPct,
		CalculatedAt:     e.now(),
	}
	if err := e.store.AppendTrustScore(ctx, record); err != nil {
		return nil, fmt.Errorf("append trust score: %w", err)
	}

	if entityType == models.EntityAgent {
		if err := e.reflectOnAgent(ctx, entityID, score); err != nil {
			// The time series is the source of truth; a stale agent copy is
			// corrected on the next scoring pass.
			log.Warn().Err(err).Str("agent", entityID).Msg("agent trust reflection failed")
		}
	}
	return record, nil
}

// Trend classifies recent trust movement by comparing the mean of the most
// recent half of the last N records against the mean of the older half. Moves
// inside the ± band classify as stable, as do entities with fewer than two
// records.
func (e *Engine) Trend(ctx context.Context, entityID string) (models.TrustTrend, error) {
	records, err := e.store.ListTrustScores(ctx, entityID, e.cfg.TrendWindow)
	if err != nil {
		return "", err
	}
	if len(records) < 2 {
		return models.TrendStable, nil
	}

	// records are newest-first.
	half := len(records) / 2
	recent := mean(records[:half])
	older := mean(records[len(records)-half:])

	switch {
	case recent > older+e.cfg.TrendBand:
		return models.TrendImproving, nil
	case recent < older-e.cfg.TrendBand:
		return models.TrendDeclining, nil
	default:
		return models.TrendStable, nil
	}
}

// Global returns the mean of the latest trust score per entity, or 0 when
// nothing has been scored yet.
func (e *Engine) Global(ctx context.Context) (float64, error) {
	latest, err := e.store.LatestTrustScores(ctx)
	if err != nil {
		return 0, err
	}
	if len(latest) == 0 {
		return 0, nil
	}
	var sum float64
	for _, r := range latest {
		sum += r.TrustScore
	}
	return sum / float64(len(latest)), nil
}

// TrendReport returns the entity's trust history with its trend classification.
func (e *Engine) TrendReport(ctx context.Context, entityID string) (*models.TrendReport, error) {
	records, err := e.store.ListTrustScores(ctx, entityID, e.cfg.TrendWindow)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, &store.ErrNotFound{Entity: "trust history", Key: entityID}
	}
	trend, err := e.Trend(ctx, entityID)
	if err != nil {
		return nil, err
	}

	report := &models.TrendReport{
		EntityID:   entityID,
		EntityType: records[0].EntityType,
		Trend:      trend,
		Points:     make([]models.TrendPoint, 0, len(records)),
	}
	// Oldest first for charting.
	for i := len(records) - 1; i >= 0; i-- {
		report.Points = append(report.Points, models.TrendPoint{
			CalculatedAt: records[i].CalculatedAt,
			TrustScore:   records[i].TrustScore,
		})
	}
	return report, nil
}

func (e *Engine) reflectOnAgent(ctx context.Context, agentID string, score float64) error {
	agent, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil // scored before discovery saw it; next scan reconciles
		}
		return err
	}
	agent.TrustScore = &score
	return e.store.UpsertAgent(ctx, agent)
}

func mean(records []models.TrustScoreRecord) float64 {
	if len(records) == 0 {
		return 0
	}
	var sum float64
	for _, r := range records {
		sum += r.TrustScore
	}
	return sum / float64(len(records))
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
