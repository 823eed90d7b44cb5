package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentmesh/trustplane/internal/api"
	"github.com/agentmesh/trustplane/internal/api/handlers"
	"github.com/agentmesh/trustplane/internal/config"
	"github.com/agentmesh/trustplane/internal/discovery"
	"github.com/agentmesh/trustplane/internal/notify"
	"github.com/agentmesh/trustplane/internal/predict"
	"github.com/agentmesh/trustplane/internal/report"
	"github.com/agentmesh/trustplane/internal/rootcause"
	"github.com/agentmesh/trustplane/internal/store"
	"github.com/agentmesh/trustplane/internal/syncmon"
	"github.com/agentmesh/trustplane/internal/trust"
	"github.com/agentmesh/trustplane/pkg/models"
)

type fakeSource struct {
	name   string
	agents []models.Agent
	err    error
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Discover(ctx context.Context) ([]models.Agent, error) {
	return f.agents, f.err
}

type testEnv struct {
	router http.Handler
	store  store.Store
}

func newTestEnv(t *testing.T, sources ...discovery.Source) *testEnv {
	t.Helper()
	t.Setenv("TRUSTPLANE_DATA_DIR", t.TempDir())
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })

	cfg := config.Load()
	publisher := notify.NewPublisher(cfg.Notify)
	disc := discovery.New(s, cfg.Discovery, publisher, sources, nil)
	analyzer := syncmon.New(s, cfg.Sync, publisher)
	trustEng := trust.New(s, cfg.Trust)
	predictEng := predict.New(s, cfg.Predict, cfg.Sync, trustEng)
	rca := rootcause.New(s)
	reports, err := report.New(s, trustEng, analyzer, cfg.Report)
	if err != nil {
		t.Fatalf("report.New: %v", err)
	}

	h := handlers.New(s, disc, analyzer, trustEng, predictEng, rca, reports)
	return &testEnv{router: api.NewRouter(cfg, h), store: s}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, into interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), into); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestHealthHealthy(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]interface{}
	decode(t, rec, &body)
	if body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}
}

func TestHealthDegradedAfterDeadScan(t *testing.T) {
	env := newTestEnv(t, &fakeSource{name: "registry", err: errors.New("unreachable")})

	rec := env.do(t, http.MethodPost, "/api/v1/scan", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("scan status = %d, want 200 (fail-open)", rec.Code)
	}
	var result models.ScanResult
	decode(t, rec, &result)
	if result.SourcesFailed != 1 || result.SourcesOK != 0 {
		t.Fatalf("scan result = %+v, want 1 failed, 0 ok", result)
	}

	rec = env.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("health status = %d, want 503", rec.Code)
	}
	var body map[string]interface{}
	decode(t, rec, &body)
	if body["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", body["status"])
	}
}

func TestAgentEndpoints(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, a := range []*models.Agent{
		{ID: "a-1", Name: "planner", Type: models.AgentTypeRegistry, HealthStatus: models.HealthHealthy, Source: "registry"},
		{ID: "a-2", Name: "executor", Type: models.AgentTypeMesh, HealthStatus: models.HealthDegraded, Source: "mesh"},
	} {
		if err := env.store.UpsertAgent(ctx, a); err != nil {
			t.Fatalf("seed agent: %v", err)
		}
	}

	rec := env.do(t, http.MethodGet, "/api/v1/agents", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var agents []models.Agent
	decode(t, rec, &agents)
	if len(agents) != 2 {
		t.Errorf("listed %d agents, want 2", len(agents))
	}

	rec = env.do(t, http.MethodGet, "/api/v1/agents?health=degraded", nil)
	decode(t, rec, &agents)
	if len(agents) != 1 || agents[0].ID != "a-2" {
		t.Errorf("health filter returned %+v, want only a-2", agents)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/agents/a-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var agent models.Agent
	decode(t, rec, &agent)
	if agent.Name != "planner" {
		t.Errorf("agent name = %q, want planner", agent.Name)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/agents/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing agent status = %d, want 404", rec.Code)
	}
}

func TestSyncEventOpensIncident(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/sync/events", models.SyncEvent{
		AgentID:        "a-1",
		Timestamp:      time.Now().UTC(),
		FreshnessScore: 10,
		DriftMS:        350_000,
		ContextHash:    "h1",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("record status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/v1/incidents?open=true&severity=critical", nil)
	var incidents []models.DriftIncident
	decode(t, rec, &incidents)
	if len(incidents) != 1 {
		t.Fatalf("open critical incidents = %d, want 1", len(incidents))
	}

	rec = env.do(t, http.MethodGet, "/api/v1/agents/a-1/sync-events", nil)
	var events []models.SyncEvent
	decode(t, rec, &events)
	if len(events) != 1 || events[0].DriftMS != 350_000 {
		t.Errorf("sync events = %+v, want the recorded event", events)
	}
}

func TestSyncEventRejectsMissingAgent(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/v1/sync/events", models.SyncEvent{DriftMS: 5})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestTrustEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/trust/a-1/score", map[string]interface{}{
		"entity_type": "agent",
		"reliability": 90,
		"compliance":  95,
		"performance": 80,
		"security":    100,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("score status = %d: %s", rec.Code, rec.Body.String())
	}
	var record models.TrustScoreRecord
	decode(t, rec, &record)
	if record.TrustScore != 91.0 {
		t.Errorf("trust score = %v, want 91.0", record.TrustScore)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/trust/a-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	decode(t, rec, &record)
	if record.EntityID != "a-1" {
		t.Errorf("entity = %q, want a-1", record.EntityID)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/trust/a-1/trend", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("trend status = %d", rec.Code)
	}
	var trend models.TrendReport
	decode(t, rec, &trend)
	if trend.Trend != models.TrendStable {
		t.Errorf("trend = %q, want stable with one record", trend.Trend)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/trust/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown entity status = %d, want 404", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/trust/a-1/score", map[string]interface{}{
		"entity_type": "kitchen",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad entity_type status = %d, want 400", rec.Code)
	}
}

func TestAnalyzeIncident(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.store.CreateIncident(ctx, &models.DriftIncident{
		ID:         "inc-1",
		AgentIDs:   []string{"a-1"},
		Severity:   models.SeverityHigh,
		DetectedAt: time.Now().UTC().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("seed incident: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/api/v1/incidents/inc-1/analyze", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("analyze status = %d: %s", rec.Code, rec.Body.String())
	}
	var analysis models.RootCauseAnalysis
	decode(t, rec, &analysis)
	if analysis.IncidentID != "inc-1" {
		t.Errorf("incident = %q, want inc-1", analysis.IncidentID)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/incidents/inc-1/analyses", nil)
	var analyses []models.RootCauseAnalysis
	decode(t, rec, &analyses)
	if len(analyses) != 1 {
		t.Errorf("analyses = %d, want 1", len(analyses))
	}

	rec = env.do(t, http.MethodPost, "/api/v1/incidents/nope/analyze", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown incident status = %d, want 404", rec.Code)
	}
}

func TestDashboardAndExports(t *testing.T) {
	env := newTestEnv(t, &fakeSource{name: "registry", agents: []models.Agent{
		{ID: "a-1", Name: "planner", Type: models.AgentTypeRegistry, HealthStatus: models.HealthHealthy, LastSeen: time.Now().UTC()},
	}})

	if rec := env.do(t, http.MethodPost, "/api/v1/scan", nil); rec.Code != http.StatusOK {
		t.Fatalf("scan status = %d", rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/dashboard", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("dashboard status = %d", rec.Code)
	}
	var snap models.DashboardSnapshot
	decode(t, rec, &snap)
	if snap.Agents.Total != 1 || snap.Agents.Healthy != 1 {
		t.Errorf("agent summary = %+v, want one healthy agent", snap.Agents)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/exports/flat", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("flat export status = %d", rec.Code)
	}
	var flat []report.FlatField
	decode(t, rec, &flat)
	if len(flat) == 0 {
		t.Error("flat export is empty")
	}

	rec = env.do(t, http.MethodGet, "/api/v1/exports/flat?format=csv", nil)
	if got := rec.Header().Get("Content-Type"); got != "text/csv" {
		t.Errorf("csv content type = %q", got)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/exports/json", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("json export status = %d", rec.Code)
	}
	var exported models.DashboardSnapshot
	decode(t, rec, &exported)
	if exported.Agents.Total != 1 {
		t.Errorf("exported agent total = %d, want 1", exported.Agents.Total)
	}
}

func TestRollupReports(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for id, figures := range map[string][2]float64{
		"a-1": {100, 99},
		"a-2": {50, 97},
	} {
		err := env.store.AppendTrustScore(ctx, &models.TrustScoreRecord{
			EntityID:         id,
			EntityType:       models.EntityAgent,
			TrustScore:       90,
			RiskAvoidedUSD:   figures[0],
			ComplianceSLAPct: figures[1],
			CalculatedAt:     time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("seed trust: %v", err)
		}
	}

	rec := env.do(t, http.MethodGet, "/api/v1/reports/roi", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("roi status = %d", rec.Code)
	}
	var roi report.ROIReport
	decode(t, rec, &roi)
	if roi.TotalRiskAvoidedUSD != 150 {
		t.Errorf("total risk avoided = %v, want 150", roi.TotalRiskAvoidedUSD)
	}
	if len(roi.Entities) != 2 || roi.Entities[0].EntityID != "a-1" {
		t.Errorf("roi entities = %+v, want a-1 then a-2", roi.Entities)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/reports/compliance", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("compliance status = %d", rec.Code)
	}
	var comp report.ComplianceReport
	decode(t, rec, &comp)
	if comp.AvgComplianceSLAPct != 98 {
		t.Errorf("avg sla = %v, want 98", comp.AvgComplianceSLAPct)
	}
}

func TestVersionEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/version", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	decode(t, rec, &body)
	if body["service"] != "trustplane" || body["version"] == "" {
		t.Errorf("version body = %v", body)
	}
}
