package discovery_test

import (
	"context"
	"errors"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/agentmesh/trustplane/internal/config"
	"github.com/agentmesh/trustplane/internal/discovery"
	"github.com/agentmesh/trustplane/internal/notify"
	"github.com/agentmesh/trustplane/internal/store"
	"github.com/agentmesh/trustplane/pkg/models"
)

type fakeSource struct {
	name   string
	agents []models.Agent
	err    error
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Discover(_ context.Context) ([]models.Agent, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]models.Agent, len(f.agents))
	copy(out, f.agents)
	return out, nil
}

type fakeExecSource struct {
	name    string
	records []models.ExecutionRecord
	err     error
}

func (f *fakeExecSource) Name() string { return f.name }

func (f *fakeExecSource) Executions(_ context.Context, _ time.Time) ([]models.ExecutionRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]models.ExecutionRecord, len(f.records))
	copy(out, f.records)
	return out, nil
}

func newTestEngine(t *testing.T, sources []discovery.Source, exec discovery.ExecutionSource) (*discovery.Engine, store.Store) {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("TRUSTPLANE_DATA_DIR", dir)
	t.Cleanup(func() { os.Unsetenv("TRUSTPLANE_DATA_DIR") })

	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })

	cfg := config.Load().Discovery
	eng := discovery.New(s, cfg, notify.NewPublisher(config.NotifyConfig{}), sources, exec)
	return eng, s
}

func ptrFloat(f float64) *float64 { return &f }

// ─── Merge ───────────────────────────────────────────────────

func TestScan_MergeLastSourceWins(t *testing.T) {
	seen := time.Now().UTC().Truncate(time.Second)

	registry := &fakeSource{name: "registry", agents: []models.Agent{{
		ID: "a1", Name: "from-registry", Type: models.AgentTypeRegistry,
		HealthStatus: models.HealthHealthy, Version: "1.0.0",
		Source: "registry", LastSeen: seen,
	}}}
	mesh := &fakeSource{name: "mesh", agents: []models.Agent{{
		ID: "a1", Name: "from-mesh", Type: models.AgentTypeMesh,
		HealthStatus: models.HealthDegraded,
		Source:       "mesh", LastSeen: seen,
	}}}

	// Wire in reverse order: New must reorder to the configured priority
	// (registry before mesh) so mesh still wins the conflict.
	eng, s := newTestEngine(t, []discovery.Source{mesh, registry}, nil)

	if _, err := eng.Scan(context.Background()); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	got, err := s.GetAgent(context.Background(), "a1")
	if err != nil {
		t.Fatalf("GetAgent() error = %v", err)
	}
	if got.Name != "from-mesh" {
		t.Errorf("merged Name = %q, want mesh to win (%q)", got.Name, "from-mesh")
	}
	if got.HealthStatus != models.HealthDegraded {
		t.Errorf("merged HealthStatus = %q, want %q", got.HealthStatus, models.HealthDegraded)
	}
	// Mesh reported no version: not a conflict, registry's value survives.
	if got.Version != "1.0.0" {
		t.Errorf("merged Version = %q, want registry's %q to survive", got.Version, "1.0.0")
	}
}

func TestScan_UnknownHealthNeverOverwrites(t *testing.T) {
	seen := time.Now().UTC()
	registry := &fakeSource{name: "registry", agents: []models.Agent{{
		ID: "a1", HealthStatus: models.HealthHealthy, Source: "registry", LastSeen: seen,
	}}}
	telemetry := &fakeSource{name: "telemetry", agents: []models.Agent{{
		ID: "a1", HealthStatus: models.HealthUnknown, Source: "telemetry", LastSeen: seen,
	}}}

	eng, s := newTestEngine(t, []discovery.Source{registry, telemetry}, nil)
	eng.Scan(context.Background())

	got, _ := s.GetAgent(context.Background(), "a1")
	if got.HealthStatus != models.HealthHealthy {
		t.Errorf("HealthStatus = %q, want unknown verdict ignored (%q)", got.HealthStatus, models.HealthHealthy)
	}
}

// ─── Fail-open ───────────────────────────────────────────────

func TestScan_FailOpen(t *testing.T) {
	seen := time.Now().UTC()
	registry := &fakeSource{name: "registry", err: errors.New("connection refused")}
	mesh := &fakeSource{name: "mesh", agents: []models.Agent{{
		ID: "survivor", HealthStatus: models.HealthHealthy, Source: "mesh", LastSeen: seen,
	}}}

	eng, s := newTestEngine(t, []discovery.Source{registry, mesh}, nil)

	result, err := eng.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error = %v, want fail-open nil", err)
	}
	if result.SourcesFailed != 1 || result.SourcesOK != 1 {
		t.Errorf("SourcesFailed = %d, SourcesOK = %d, want 1 and 1", result.SourcesFailed, result.SourcesOK)
	}
	if len(result.FailedSources) != 1 || result.FailedSources[0] != "registry" {
		t.Errorf("FailedSources = %v, want [registry]", result.FailedSources)
	}

	if _, err := s.GetAgent(context.Background(), "survivor"); err != nil {
		t.Errorf("healthy source's agent missing after sibling failure: %v", err)
	}
}

// ─── Idempotence ─────────────────────────────────────────────

func TestScan_Idempotent(t *testing.T) {
	seen := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := time.Now().UTC()

	registry := &fakeSource{name: "registry", agents: []models.Agent{
		{ID: "a1", Name: "alpha", HealthStatus: models.HealthHealthy, Source: "registry", LastSeen: seen},
		{ID: "a2", Name: "beta", HealthStatus: models.HealthDegraded, Source: "registry", LastSeen: seen},
	}}
	exec := &fakeExecSource{name: "execution_log", records: []models.ExecutionRecord{
		{WorkflowID: "wf-1", WorkflowName: "pipeline", AgentIDs: []string{"a1"}, Status: "success", DurationMS: ptrFloat(120), CreatedAt: now.Add(-time.Hour)},
		{WorkflowID: "wf-1", AgentIDs: []string{"a2"}, Status: "failed", CreatedAt: now.Add(-30 * time.Minute)},
	}}

	eng, s := newTestEngine(t, []discovery.Source{registry}, exec)
	ctx := context.Background()

	if _, err := eng.Scan(ctx); err != nil {
		t.Fatalf("first Scan() error = %v", err)
	}
	agents1, _ := s.ListAgents(ctx, store.AgentFilter{})
	workflows1, _ := s.ListWorkflows(ctx, store.WorkflowFilter{})

	if _, err := eng.Scan(ctx); err != nil {
		t.Fatalf("second Scan() error = %v", err)
	}
	agents2, _ := s.ListAgents(ctx, store.AgentFilter{})
	workflows2, _ := s.ListWorkflows(ctx, store.WorkflowFilter{})

	if !reflect.DeepEqual(agents1, agents2) {
		t.Errorf("agent state diverged after identical re-scan:\nfirst:  %+v\nsecond: %+v", agents1, agents2)
	}
	if !reflect.DeepEqual(workflows1, workflows2) {
		t.Errorf("workflow state diverged after identical re-scan:\nfirst:  %+v\nsecond: %+v", workflows1, workflows2)
	}
}

// ─── Workflow derivation ─────────────────────────────────────

func execSeries(workflowID string, start time.Time, statuses []string) []models.ExecutionRecord {
	records := make([]models.ExecutionRecord, len(statuses))
	for i, st := range statuses {
		records[i] = models.ExecutionRecord{
			WorkflowID: workflowID,
			AgentIDs:   []string{"a1"},
			Status:     st,
			CreatedAt:  start.Add(time.Duration(i) * time.Minute),
		}
	}
	return records
}

func scanWorkflow(t *testing.T, records []models.ExecutionRecord) *models.Workflow {
	t.Helper()
	exec := &fakeExecSource{name: "execution_log", records: records}
	eng, s := newTestEngine(t, nil, exec)

	if _, err := eng.Scan(context.Background()); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	wf, err := s.GetWorkflow(context.Background(), records[0].WorkflowID)
	if err != nil {
		t.Fatalf("GetWorkflow() error = %v", err)
	}
	return wf
}

// Ten executions with six failures land in the degraded tier.
func TestWorkflowStatus_Degraded(t *testing.T) {
	start := time.Now().UTC().Add(-time.Hour)
	statuses := []string{"failed", "failed", "failed", "failed", "failed", "failed", "success", "success", "success", "success"}

	wf := scanWorkflow(t, execSeries("wf-deg", start, statuses))
	if wf.Status != models.WorkflowDegraded {
		t.Errorf("Status = %q, want %q", wf.Status, models.WorkflowDegraded)
	}
	if wf.SuccessRate != 40 {
		t.Errorf("SuccessRate = %v, want 40", wf.SuccessRate)
	}
	if wf.ExecutionCount != 10 {
		t.Errorf("ExecutionCount = %d, want 10", wf.ExecutionCount)
	}
}

func TestWorkflowStatus_Warning(t *testing.T) {
	start := time.Now().UTC().Add(-time.Hour)
	statuses := []string{"failed", "failed", "failed", "success", "success", "success", "success", "success", "success", "success"}

	wf := scanWorkflow(t, execSeries("wf-warn", start, statuses))
	if wf.Status != models.WorkflowWarning {
		t.Errorf("Status = %q, want %q", wf.Status, models.WorkflowWarning)
	}
}

func TestWorkflowStatus_Failed(t *testing.T) {
	start := time.Now().UTC().Add(-time.Hour)
	statuses := []string{"failed", "failed", "failed"}

	wf := scanWorkflow(t, execSeries("wf-fail", start, statuses))
	if wf.Status != models.WorkflowFailed {
		t.Errorf("Status = %q, want %q", wf.Status, models.WorkflowFailed)
	}
}

func TestWorkflowStatus_Healthy(t *testing.T) {
	start := time.Now().UTC().Add(-time.Hour)
	statuses := []string{"success", "failed", "success", "success", "failed", "success"}

	wf := scanWorkflow(t, execSeries("wf-ok", start, statuses))
	if wf.Status != models.WorkflowHealthy {
		t.Errorf("Status = %q, want %q", wf.Status, models.WorkflowHealthy)
	}
}

// Only the most recent ten executions feed the status window: eleven old
// failures followed by ten successes is healthy.
func TestWorkflowStatus_WindowBounded(t *testing.T) {
	start := time.Now().UTC().Add(-2 * time.Hour)
	statuses := make([]string, 0, 21)
	for i := 0; i < 11; i++ {
		statuses = append(statuses, "failed")
	}
	for i := 0; i < 10; i++ {
		statuses = append(statuses, "success")
	}

	wf := scanWorkflow(t, execSeries("wf-window", start, statuses))
	if wf.Status != models.WorkflowHealthy {
		t.Errorf("Status = %q, want %q (old failures outside window)", wf.Status, models.WorkflowHealthy)
	}
}

func TestWorkflowDerivation_Aggregates(t *testing.T) {
	now := time.Now().UTC()
	records := []models.ExecutionRecord{
		{WorkflowID: "wf-agg", WorkflowName: "aggregate", AgentIDs: []string{"b", "a"}, Status: "success", DurationMS: ptrFloat(100), CreatedAt: now.Add(-3 * time.Minute)},
		{WorkflowID: "wf-agg", AgentIDs: []string{"c"}, Status: "failed", CreatedAt: now.Add(-2 * time.Minute)},
		{WorkflowID: "wf-agg", AgentIDs: []string{"a"}, Status: "success", DurationMS: ptrFloat(300), CreatedAt: now.Add(-time.Minute)},
	}

	wf := scanWorkflow(t, records)
	if wf.Name != "aggregate" {
		t.Errorf("Name = %q, want %q", wf.Name, "aggregate")
	}
	// Average over records with a duration only.
	if wf.AvgDurationMS != 200 {
		t.Errorf("AvgDurationMS = %v, want 200", wf.AvgDurationMS)
	}
	wantAgents := []string{"a", "b", "c"}
	if !reflect.DeepEqual(wf.AgentIDs, wantAgents) {
		t.Errorf("AgentIDs = %v, want sorted union %v", wf.AgentIDs, wantAgents)
	}
	if wf.LastExecution != records[2].CreatedAt {
		t.Errorf("LastExecution = %v, want %v", wf.LastExecution, records[2].CreatedAt)
	}
}

func TestScan_MarksStaleWorkflowsInactive(t *testing.T) {
	eng, s := newTestEngine(t, nil, &fakeExecSource{name: "execution_log"})
	ctx := context.Background()

	// Previously discovered workflow whose last run is far outside the window.
	s.UpsertWorkflow(ctx, &models.Workflow{
		ID:            "wf-stale",
		Status:        models.WorkflowHealthy,
		LastExecution: time.Now().UTC().Add(-30 * 24 * time.Hour),
	})

	if _, err := eng.Scan(ctx); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	got, _ := s.GetWorkflow(ctx, "wf-stale")
	if got.Status != models.WorkflowInactive {
		t.Errorf("Status = %q, want %q", got.Status, models.WorkflowInactive)
	}
}

// ─── FirstSeen / TrustScore preservation ─────────────────────

func TestScan_PreservesPipelineOwnedFields(t *testing.T) {
	seen := time.Now().UTC()
	registry := &fakeSource{name: "registry", agents: []models.Agent{{
		ID: "a1", HealthStatus: models.HealthHealthy, Source: "registry", LastSeen: seen,
	}}}

	eng, s := newTestEngine(t, []discovery.Source{registry}, nil)
	ctx := context.Background()

	eng.Scan(ctx)
	first, _ := s.GetAgent(ctx, "a1")

	// Trust scoring runs between scans.
	first.TrustScore = ptrFloat(87.5)
	s.UpsertAgent(ctx, first)

	eng.Scan(ctx)
	second, _ := s.GetAgent(ctx, "a1")

	if second.TrustScore == nil || *second.TrustScore != 87.5 {
		t.Errorf("TrustScore = %v after re-scan, want preserved 87.5", second.TrustScore)
	}
	if !second.FirstSeen.Equal(first.FirstSeen) {
		t.Errorf("FirstSeen = %v after re-scan, want preserved %v", second.FirstSeen, first.FirstSeen)
	}
}
