package predict_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/agentmesh/trustplane/internal/config"
	"github.com/agentmesh/trustplane/internal/predict"
	"github.com/agentmesh/trustplane/internal/store"
	"github.com/agentmesh/trustplane/internal/trust"
	"github.com/agentmesh/trustplane/pkg/models"
)

func newTestEngine(t *testing.T) (*predict.Engine, store.Store) {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("TRUSTPLANE_DATA_DIR", dir)
	t.Cleanup(func() { os.Unsetenv("TRUSTPLANE_DATA_DIR") })

	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })

	cfg := config.Load()
	trustEng := trust.New(s, cfg.Trust)
	return predict.New(s, cfg.Predict, cfg.Sync, trustEng), s
}

// ─── Model properties ────────────────────────────────────────

func TestFailureProbability_Bounds(t *testing.T) {
	cases := []predict.FailureFeatures{
		{},
		{FailureRate: 1, StatusSeverity: 4, HoursSinceRun: 10_000, TrustVolatility: 1},
		{SuccessRate: 1, TrustLatest: 1, TrustMean: 1, TrustTrend: 1},
		{FailureRate: 0.5, AvgDurationSec: 1e9},
	}
	for i, f := range cases {
		p := predict.FailureProbability(f)
		if p < 0 || p > 1 {
			t.Errorf("case %d: FailureProbability() = %v, out of [0,1]", i, p)
		}
	}
}

func TestDriftProbability_Bounds(t *testing.T) {
	cases := []predict.DriftFeatures{
		{},
		{FreshnessMean: 100, FreshnessMin: 100, FreshnessMax: 100, FreshnessLatest: 100},
		{DriftEventCount: 100, IncidentCount: 50, DriftMeanMS: 1e7, DriftMaxMS: 1e8},
	}
	for i, f := range cases {
		p := predict.DriftProbability(f)
		if p < 0 || p > 1 {
			t.Errorf("case %d: DriftProbability() = %v, out of [0,1]", i, p)
		}
	}
}

func TestProbability_Deterministic(t *testing.T) {
	f := predict.FailureFeatures{FailureRate: 0.37, TrustLatest: 0.62, StatusSeverity: 2}
	first := predict.FailureProbability(f)
	for i := 0; i < 50; i++ {
		if got := predict.FailureProbability(f); got != first {
			t.Fatalf("FailureProbability() = %v on iteration %d, want %v", got, i, first)
		}
	}
}

// Higher failure rate never decreases failure probability for otherwise-equal
// inputs; same for drift event count.
func TestProbability_MonotonicInDominantFeature(t *testing.T) {
	base := predict.FailureFeatures{TrustLatest: 0.8, TrustMean: 0.8, StatusSeverity: 1}
	prev := -1.0
	for rate := 0.0; rate <= 1.0; rate += 0.05 {
		f := base
		f.FailureRate = rate
		p := predict.FailureProbability(f)
		if p < prev {
			t.Fatalf("FailureProbability decreased from %v to %v at failure rate %v", prev, p, rate)
		}
		prev = p
	}

	driftBase := predict.DriftFeatures{FreshnessMean: 70, FreshnessLatest: 70}
	prev = -1.0
	for count := 0.0; count <= 50; count++ {
		f := driftBase
		f.DriftEventCount = count
		p := predict.DriftProbability(f)
		if p < prev {
			t.Fatalf("DriftProbability decreased from %v to %v at drift count %v", prev, p, count)
		}
		prev = p
	}
}

// ─── Fail-silent behavior ────────────────────────────────────

func TestPredict_InsufficientHistory(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	// Workflow below the minimum execution history.
	s.UpsertWorkflow(ctx, &models.Workflow{ID: "wf-new", ExecutionCount: 3, SuccessRate: 0})

	p, err := e.Predict(ctx, "wf-new", models.PredictFailure)
	if err != nil {
		t.Fatalf("Predict() error = %v, want fail-silent", err)
	}
	if p != nil {
		t.Errorf("Predict() = %+v with 3 executions, want nil", p)
	}

	// Agent with too few sync events.
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		s.AppendSyncEvent(ctx, &models.SyncEvent{AgentID: "a-new", Timestamp: now.Add(time.Duration(i) * time.Second), DriftMS: 500_000})
	}
	p, err = e.Predict(ctx, "a-new", models.PredictDrift)
	if err != nil {
		t.Fatalf("Predict() error = %v, want fail-silent", err)
	}
	if p != nil {
		t.Errorf("Predict() = %+v with 5 sync events, want nil", p)
	}
}

func TestPredict_UnknownEntity(t *testing.T) {
	e, _ := newTestEngine(t)

	p, err := e.Predict(context.Background(), "ghost", models.PredictFailure)
	if err != nil || p != nil {
		t.Errorf("Predict(ghost) = (%+v, %v), want (nil, nil)", p, err)
	}
}

func TestPredict_UnknownKind(t *testing.T) {
	e, _ := newTestEngine(t)

	if _, err := e.Predict(context.Background(), "a1", models.PredictedEvent("eclipse")); err == nil {
		t.Error("Predict() with unknown kind expected error, got nil")
	}
}

// ─── Persistence threshold ───────────────────────────────────

func TestPredict_FailurePersistedAboveThreshold(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	// A chronically failing workflow drives the probability well above 0.3.
	s.UpsertWorkflow(ctx, &models.Workflow{
		ID:             "wf-bad",
		Status:         models.WorkflowFailed,
		ExecutionCount: 40,
		SuccessRate:    5,
		LastExecution:  time.Now().UTC().Add(-time.Hour),
	})

	p, err := e.Predict(ctx, "wf-bad", models.PredictFailure)
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	if p == nil {
		t.Fatal("Predict() = nil for a chronically failing workflow, want a prediction")
	}
	if p.Probability <= 0.3 {
		t.Errorf("Probability = %v, want > 0.3", p.Probability)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		t.Errorf("Confidence = %v, out of [0,1]", p.Confidence)
	}
	if p.ModelVersion != predict.ModelVersion {
		t.Errorf("ModelVersion = %q, want %q", p.ModelVersion, predict.ModelVersion)
	}
	if len(p.Features) != 10 {
		t.Errorf("Features length = %d, want 10", len(p.Features))
	}

	stored, _ := s.ListPredictions(ctx, "wf-bad", 10)
	if len(stored) != 1 {
		t.Errorf("stored predictions = %d, want 1", len(stored))
	}
}

func TestPredict_FailureBelowThresholdNotPersisted(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	// A healthy workflow with a perfect record stays below the filter.
	s.UpsertWorkflow(ctx, &models.Workflow{
		ID:             "wf-good",
		Status:         models.WorkflowHealthy,
		ExecutionCount: 40,
		SuccessRate:    100,
		LastExecution:  time.Now().UTC().Add(-time.Minute),
	})
	seedTrust(t, s, "wf-good", 95, 10)

	p, err := e.Predict(ctx, "wf-good", models.PredictFailure)
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	if p != nil {
		t.Errorf("Predict() = probability %v for healthy workflow, want nil (below filter)", p.Probability)
	}

	stored, _ := s.ListPredictions(ctx, "wf-good", 10)
	if len(stored) != 0 {
		t.Errorf("stored predictions = %d, want 0", len(stored))
	}
}

func TestPredict_DriftPersistedAboveThreshold(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Twenty badly drifting events with rotten freshness.
	for i := 0; i < 20; i++ {
		s.AppendSyncEvent(ctx, &models.SyncEvent{
			AgentID:        "a-drifty",
			Timestamp:      now.Add(time.Duration(i) * time.Second),
			FreshnessScore: 5,
			DriftMS:        200_000,
		})
	}

	p, err := e.Predict(ctx, "a-drifty", models.PredictDrift)
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	if p == nil {
		t.Fatal("Predict() = nil for a badly drifting agent, want a prediction")
	}
	if p.Probability <= 0.4 {
		t.Errorf("Probability = %v, want > 0.4", p.Probability)
	}
	if len(p.Features) != 15 {
		t.Errorf("Features length = %d, want 15", len(p.Features))
	}
	if p.PredictedFor.Sub(p.CreatedAt) != 24*time.Hour {
		t.Errorf("horizon = %v, want 24h", p.PredictedFor.Sub(p.CreatedAt))
	}
}

func TestPredict_DriftHealthyAgentNotPersisted(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 20; i++ {
		s.AppendSyncEvent(ctx, &models.SyncEvent{
			AgentID:        "a-fine",
			Timestamp:      now.Add(time.Duration(i) * time.Second),
			FreshnessScore: 98,
			DriftMS:        50,
		})
	}

	p, err := e.Predict(ctx, "a-fine", models.PredictDrift)
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	if p != nil {
		t.Errorf("Predict() = probability %v for a healthy agent, want nil", p.Probability)
	}
}

// ─── Cycle ───────────────────────────────────────────────────

func TestCycle_CoversAllEntities(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s.UpsertWorkflow(ctx, &models.Workflow{
		ID: "wf-bad", Status: models.WorkflowFailed, ExecutionCount: 40, SuccessRate: 0,
		LastExecution: now.Add(-time.Hour),
	})
	s.UpsertAgent(ctx, &models.Agent{ID: "a-drifty", HealthStatus: models.HealthDegraded})
	for i := 0; i < 20; i++ {
		s.AppendSyncEvent(ctx, &models.SyncEvent{
			AgentID: "a-drifty", Timestamp: now.Add(time.Duration(i) * time.Second),
			FreshnessScore: 5, DriftMS: 200_000,
		})
	}

	e.Cycle(ctx)

	wfPred, _ := s.ListPredictions(ctx, "wf-bad", 10)
	agentPred, _ := s.ListPredictions(ctx, "a-drifty", 10)
	if len(wfPred) != 1 {
		t.Errorf("workflow predictions = %d, want 1", len(wfPred))
	}
	if len(agentPred) != 1 {
		t.Errorf("agent predictions = %d, want 1", len(agentPred))
	}
}

func seedTrust(t *testing.T, s store.Store, entityID string, score float64, n int) {
	t.Helper()
	base := time.Now().UTC().Add(-time.Duration(n) * time.Hour)
	for i := 0; i < n; i++ {
		err := s.AppendTrustScore(context.Background(), &models.TrustScoreRecord{
			EntityID:     entityID,
			EntityType:   models.EntityWorkflow,
			TrustScore:   score,
			CalculatedAt: base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("AppendTrustScore() error = %v", err)
		}
	}
}
