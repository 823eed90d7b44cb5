// Package report rolls the registry up into dashboard snapshots and exports.
// Recommendation rules are independently evaluated expressions over the
// snapshot environment, so operators can extend the built-in set from config
// without recompiling.
package report

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agentmesh/trustplane/internal/config"
	"github.com/agentmesh/trustplane/internal/store"
	"github.com/agentmesh/trustplane/internal/syncmon"
	"github.com/agentmesh/trustplane/internal/trust"
	"github.com/agentmesh/trustplane/pkg/models"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog/log"
)

// highRiskProbability marks a prediction's entity as high risk in the rollup.
const highRiskProbability = 0.7

// Rule is one compiled recommendation rule.
type Rule struct {
	Name     string
	Action   string
	Priority string
	program  *vm.Program
}

// builtinRules are the stock recommendation rules. Each is evaluated
// independently against the snapshot environment; any that trips contributes
// its recommendation.
var builtinRules = []struct {
	name, expr, priority, action string
}{
	{"low-global-trust", "global_trust_score < 90", "high", "Investigate declining global trust score"},
	{"incident-backlog", "open_incidents > 5", "high", "Review the open drift incident backlog"},
	{"unhealthy-agents", "unhealthy_agents > 0", "critical", "Remediate unhealthy agents immediately"},
}

// Aggregator assembles dashboard snapshots from the registry.
type Aggregator struct {
	store    store.Store
	trustEng *trust.Engine
	analyzer *syncmon.Analyzer
	rules    []Rule
	now      func() time.Time
}

// New compiles the built-in and configured custom rules. A custom rule that
// fails to compile is logged and skipped; the rest still apply.
func New(s store.Store, trustEng *trust.Engine, analyzer *syncmon.Analyzer, cfg config.ReportConfig) (*Aggregator, error) {
	a := &Aggregator{
		store:    s,
		trustEng: trustEng,
		analyzer: analyzer,
		now:      func() time.Time { return time.Now().UTC() },
	}

	for _, r := range builtinRules {
		program, err := expr.Compile(r.expr, expr.Env(snapshotEnv{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("compile builtin rule %s: %w", r.name, err)
		}
		a.rules = append(a.rules, Rule{Name: r.name, Action: r.action, Priority: r.priority, program: program})
	}

	for i, raw := range cfg.CustomRules {
		rule, err := parseCustomRule(i, raw)
		if err != nil {
			log.Warn().Err(err).Str("rule", raw).Msg("custom recommendation rule skipped")
			continue
		}
		a.rules = append(a.rules, rule)
	}
	return a, nil
}

// parseCustomRule parses "priority|action|expression".
func parseCustomRule(i int, raw string) (Rule, error) {
	parts := strings.SplitN(raw, "|", 3)
	if len(parts) != 3 {
		return Rule{}, fmt.Errorf("want priority|action|expression, got %q", raw)
	}
	program, err := expr.Compile(parts[2], expr.Env(snapshotEnv{}), expr.AsBool())
	if err != nil {
		return Rule{}, fmt.Errorf("compile: %w", err)
	}
	return Rule{
		Name:     fmt.Sprintf("custom-%d", i),
		Priority: strings.TrimSpace(parts[0]),
		Action:   strings.TrimSpace(parts[1]),
		program:  program,
	}, nil
}

// snapshotEnv is the expression environment every rule is evaluated against.
type snapshotEnv struct {
	GlobalTrustScore  float64 `expr:"global_trust_score"`
	OpenIncidents     int     `expr:"open_incidents"`
	UnhealthyAgents   int     `expr:"unhealthy_agents"`
	DegradedAgents    int     `expr:"degraded_agents"`
	FailedWorkflows   int     `expr:"failed_workflows"`
	ActivePredictions int     `expr:"active_predictions"`
	MaxProbability    float64 `expr:"max_probability"`
	AvgFreshness      float64 `expr:"avg_freshness"`
	ComplianceSLAPct  float64 `expr:"compliance_sla_pct"`
}

// Dashboard assembles a full snapshot. Exports are pure functions of the
// returned struct; there is no separate aggregation path that could diverge.
func (a *Aggregator) Dashboard(ctx context.Context) (*models.DashboardSnapshot, error) {
	snapshot := &models.DashboardSnapshot{GeneratedAt: a.now()}

	agents, err := a.store.ListAgents(ctx, store.AgentFilter{})
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	snapshot.Agents = summarizeAgents(agents)

	workflows, err := a.store.ListWorkflows(ctx, store.WorkflowFilter{})
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	snapshot.Workflows = summarizeWorkflows(workflows)

	if snapshot.Sync, err = a.syncStatus(ctx, agents); err != nil {
		return nil, err
	}

	if snapshot.GlobalTrustScore, err = a.trustEng.Global(ctx); err != nil {
		return nil, fmt.Errorf("global trust: %w", err)
	}

	latest, err := a.store.LatestTrustScores(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest trust scores: %w", err)
	}
	snapshot.TrustTrend, err = a.globalTrend(ctx, latest)
	if err != nil {
		return nil, err
	}
	for _, r := range latest {
		snapshot.RiskAvoidedUSD += r.RiskAvoidedUSD
	}
	if len(latest) > 0 {
		var sum float64
		for _, r := range latest {
			sum += r.ComplianceSLAPct
		}
		snapshot.ComplianceSLAPct = sum / float64(len(latest))
	}

	if snapshot.Risk, err = a.riskSummary(ctx); err != nil {
		return nil, err
	}

	snapshot.Recommendations = a.evaluateRules(snapshot)
	return snapshot, nil
}

// ROIEntry is one entity's contribution to the ROI rollup.
type ROIEntry struct {
	EntityID       string  `json:"entity_id"`
	RiskAvoidedUSD float64 `json:"risk_avoided_usd"`
}

// ROIReport rolls up risk-avoided figures from the latest trust record per
// entity. The figures are carried through scoring unmodified; this report
// only aggregates them.
type ROIReport struct {
	GeneratedAt         time.Time  `json:"generated_at"`
	TotalRiskAvoidedUSD float64    `json:"total_risk_avoided_usd"`
	Entities            []ROIEntry `json:"entities"`
}

// ROI builds the ROI rollup, entities sorted by ID.
func (a *Aggregator) ROI(ctx context.Context) (*ROIReport, error) {
	latest, err := a.store.LatestTrustScores(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest trust scores: %w", err)
	}
	rep := &ROIReport{GeneratedAt: a.now(), Entities: make([]ROIEntry, 0, len(latest))}
	for _, r := range latest {
		rep.TotalRiskAvoidedUSD += r.RiskAvoidedUSD
		rep.Entities = append(rep.Entities, ROIEntry{EntityID: r.EntityID, RiskAvoidedUSD: r.RiskAvoidedUSD})
	}
	sort.Slice(rep.Entities, func(i, j int) bool { return rep.Entities[i].EntityID < rep.Entities[j].EntityID })
	return rep, nil
}

// ComplianceEntry is one entity's latest compliance SLA figure.
type ComplianceEntry struct {
	EntityID         string  `json:"entity_id"`
	ComplianceSLAPct float64 `json:"compliance_sla_pct"`
}

// ComplianceReport rolls up SLA attainment from the latest trust record per
// entity.
type ComplianceReport struct {
	GeneratedAt         time.Time         `json:"generated_at"`
	AvgComplianceSLAPct float64           `json:"avg_compliance_sla_pct"`
	Entities            []ComplianceEntry `json:"entities"`
}

// Compliance builds the compliance rollup, entities sorted by ID.
func (a *Aggregator) Compliance(ctx context.Context) (*ComplianceReport, error) {
	latest, err := a.store.LatestTrustScores(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest trust scores: %w", err)
	}
	rep := &ComplianceReport{GeneratedAt: a.now(), Entities: make([]ComplianceEntry, 0, len(latest))}
	var sum float64
	for _, r := range latest {
		sum += r.ComplianceSLAPct
		rep.Entities = append(rep.Entities, ComplianceEntry{EntityID: r.EntityID, ComplianceSLAPct: r.ComplianceSLAPct})
	}
	if len(latest) > 0 {
		rep.AvgComplianceSLAPct = sum / float64(len(latest))
	}
	sort.Slice(rep.Entities, func(i, j int) bool { return rep.Entities[i].EntityID < rep.Entities[j].EntityID })
	return rep, nil
}

func summarizeAgents(agents []models.Agent) models.AgentSummary {
	s := models.AgentSummary{Total: len(agents)}
	for _, a := range agents {
		switch a.HealthStatus {
		case models.HealthHealthy:
			s.Healthy++
		case models.HealthDegraded:
			s.Degraded++
		case models.HealthUnhealthy:
			s.Unhealthy++
		default:
			s.Unknown++
		}
	}
	return s
}

func summarizeWorkflows(workflows []models.Workflow) models.WorkflowSummary {
	s := models.WorkflowSummary{Total: len(workflows)}
	for _, w := range workflows {
		switch w.Status {
		case models.WorkflowHealthy:
			s.Healthy++
		case models.WorkflowWarning:
			s.Warning++
		case models.WorkflowDegraded:
			s.Degraded++
		case models.WorkflowFailed:
			s.Failed++
		case models.WorkflowInactive:
			s.Inactive++
		}
	}
	return s
}

func (a *Aggregator) syncStatus(ctx context.Context, agents []models.Agent) (models.SyncStatus, error) {
	status := models.SyncStatus{BySeverity: make(map[models.Severity]int)}

	all, err := a.store.ListIncidents(ctx, store.IncidentFilter{})
	if err != nil {
		return status, fmt.Errorf("list incidents: %w", err)
	}
	status.TotalIncidents = len(all)
	for _, inc := range all {
		if inc.Open() {
			status.OpenIncidents++
			status.BySeverity[inc.Severity]++
		}
	}

	// Mean freshness over agents that actually have sync history.
	var sum float64
	var sampled int
	for _, agent := range agents {
		events, err := a.store.ListSyncEvents(ctx, agent.ID, 1)
		if err != nil {
			return status, err
		}
		if len(events) == 0 {
			continue
		}
		f, err := a.analyzer.Freshness(ctx, agent.ID)
		if err != nil {
			return status, err
		}
		sum += f
		sampled++
	}
	if sampled > 0 {
		status.AvgFreshness = sum / float64(sampled)
	}
	return status, nil
}

func (a *Aggregator) riskSummary(ctx context.Context) (models.RiskSummary, error) {
	summary := models.RiskSummary{}
	active, err := a.store.ListActivePredictions(ctx, a.now())
	if err != nil {
		return summary, fmt.Errorf("list predictions: %w", err)
	}
	summary.ActivePredictions = len(active)

	highRisk := make(map[string]struct{})
	for _, p := range active {
		if p.Probability > summary.MaxProbability {
			summary.MaxProbability = p.Probability
		}
		if p.Probability >= highRiskProbability {
			highRisk[p.EntityID] = struct{}{}
		}
	}
	summary.HighRiskEntities = make([]string, 0, len(highRisk))
	for id := range highRisk {
		summary.HighRiskEntities = append(summary.HighRiskEntities, id)
	}
	sort.Strings(summary.HighRiskEntities)
	return summary, nil
}

// globalTrend takes the majority vote of per-entity trends; ties are stable.
func (a *Aggregator) globalTrend(ctx context.Context, latest []models.TrustScoreRecord) (models.TrustTrend, error) {
	var improving, declining int
	for _, r := range latest {
		trend, err := a.trustEng.Trend(ctx, r.EntityID)
		if err != nil {
			return "", err
		}
		switch trend {
		case models.TrendImproving:
			improving++
		case models.TrendDeclining:
			declining++
		}
	}
	switch {
	case improving > declining:
		return models.TrendImproving, nil
	case declining > improving:
		return models.TrendDeclining, nil
	default:
		return models.TrendStable, nil
	}
}

// evaluateRules runs every rule independently; a rule that errors at runtime
// is logged and skipped, never blocking the snapshot.
func (a *Aggregator) evaluateRules(snapshot *models.DashboardSnapshot) []models.Recommendation {
	env := snapshotEnv{
		GlobalTrustScore:  snapshot.GlobalTrustScore,
		OpenIncidents:     snapshot.Sync.OpenIncidents,
		UnhealthyAgents:   snapshot.Agents.Unhealthy,
		DegradedAgents:    snapshot.Agents.Degraded,
		FailedWorkflows:   snapshot.Workflows.Failed,
		ActivePredictions: snapshot.Risk.ActivePredictions,
		MaxProbability:    snapshot.Risk.MaxProbability,
		AvgFreshness:      snapshot.Sync.AvgFreshness,
		ComplianceSLAPct:  snapshot.ComplianceSLAPct,
	}

	recs := make([]models.Recommendation, 0, len(a.rules))
	for _, rule := range a.rules {
		out, err := expr.Run(rule.program, env)
		if err != nil {
			log.Warn().Err(err).Str("rule", rule.Name).Msg("recommendation rule evaluation failed")
			continue
		}
		if tripped, ok := out.(bool); ok && tripped {
			recs = append(recs, models.Recommendation{Action: rule.Action, Priority: rule.Priority})
		}
	}
	return recs
}
