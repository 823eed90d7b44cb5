// Package discovery scans heterogeneous sources for agents, derives workflows
// from raw execution records, and upserts both into the registry store.
//
// Scans are fail-open: a source that times out or returns malformed data
// contributes nothing for that cycle and never aborts the scan. Availability
// of discovery is prioritized over completeness of any single cycle.
package discovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentmesh/trustplane/internal/config"
	"github.com/agentmesh/trustplane/internal/notify"
	"github.com/agentmesh/trustplane/internal/store"
	"github.com/agentmesh/trustplane/pkg/models"
	"github.com/rs/zerolog/log"
)

// workflowWindow is how many recent executions feed status derivation.
const workflowWindow = 10

// Engine runs discovery cycles against a fixed set of sources.
type Engine struct {
	store      store.Store
	cfg        config.DiscoveryConfig
	publisher  *notify.Publisher
	sources    []Source
	execSource ExecutionSource
	now        func() time.Time

	mu       sync.RWMutex
	lastScan *models.ScanResult
}

// New creates a discovery engine. Sources are reordered to match the
// configured priority list so the merge is reproducible regardless of the
// order the caller wires them in; unknown source names keep their relative
// order after the prioritized ones.
func New(s store.Store, cfg config.DiscoveryConfig, publisher *notify.Publisher, sources []Source, execSource ExecutionSource) *Engine {
	rank := make(map[string]int, len(cfg.SourcePriority))
	for i, name := range cfg.SourcePriority {
		rank[name] = i
	}
	ordered := make([]Source, len(sources))
	copy(ordered, sources)
	sort.SliceStable(ordered, func(i, j int) bool {
		ri, iOK := rank[ordered[i].Name()]
		rj, jOK := rank[ordered[j].Name()]
		if iOK && jOK {
			return ri < rj
		}
		return iOK && !jOK
	})

	return &Engine{
		store:      s,
		cfg:        cfg,
		publisher:  publisher,
		sources:    ordered,
		execSource: execSource,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// LastScan returns the most recent scan result, or nil before the first scan.
func (e *Engine) LastScan() *models.ScanResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastScan
}

// Scan runs one full discovery cycle: query all sources concurrently, merge
// agents deterministically, derive workflows from execution records, and
// upsert everything. Re-scanning identical source data produces identical
// registry state.
func (e *Engine) Scan(ctx context.Context) (*models.ScanResult, error) {
	startedAt := e.now()
	result := &models.ScanResult{StartedAt: startedAt}

	// Query every source concurrently. A WaitGroup rather than an errgroup:
	// one source failing must not cancel its siblings.
	agentsBySource := make([][]models.Agent, len(e.sources))
	errs := make([]error, len(e.sources))

	var wg sync.WaitGroup
	for i, src := range e.sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			srcCtx, cancel := context.WithTimeout(ctx, e.cfg.SourceTimeout)
			defer cancel()
			agentsBySource[i], errs[i] = src.Discover(srcCtx)
		}(i, src)
	}

	var executions []models.ExecutionRecord
	var execErr error
	if e.execSource != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			srcCtx, cancel := context.WithTimeout(ctx, e.cfg.SourceTimeout)
			defer cancel()
			executions, execErr = e.execSource.Executions(srcCtx, startedAt.Add(-e.cfg.InactiveAfter))
		}()
	}
	wg.Wait()

	for i, src := range e.sources {
		if errs[i] != nil {
			result.SourcesFailed++
			result.FailedSources = append(result.FailedSources, src.Name())
			log.Warn().Err(errs[i]).Str("source", src.Name()).Msg("discovery source failed")
			continue
		}
		result.SourcesOK++
	}
	if e.execSource != nil {
		if execErr != nil {
			result.SourcesFailed++
			result.FailedSources = append(result.FailedSources, e.execSource.Name())
			log.Warn().Err(execErr).Str("source", e.execSource.Name()).Msg("discovery source failed")
		} else {
			result.SourcesOK++
		}
	}
	sort.Strings(result.FailedSources)

	merged := e.mergeAgents(agentsBySource)
	for i := range merged {
		agent := &merged[i]
		if err := e.persistAgent(ctx, agent); err != nil {
			result.PersistErrors++
			log.Warn().Err(err).Str("agent", agent.ID).Msg("agent upsert failed")
			continue
		}
		result.Agents++
	}

	workflows := e.deriveWorkflows(executions, startedAt)
	for i := range workflows {
		if err := e.store.UpsertWorkflow(ctx, &workflows[i]); err != nil {
			result.PersistErrors++
			log.Warn().Err(err).Str("workflow", workflows[i].ID).Msg("workflow upsert failed")
			continue
		}
		result.Workflows++
	}
	if err := e.markInactiveWorkflows(ctx, startedAt); err != nil {
		log.Warn().Err(err).Msg("inactive workflow sweep failed")
	}

	result.CompletedAt = e.now()

	e.mu.Lock()
	e.lastScan = result
	e.mu.Unlock()

	log.Info().
		Int("agents", result.Agents).
		Int("workflows", result.Workflows).
		Int("sources_ok", result.SourcesOK).
		Int("sources_failed", result.SourcesFailed).
		Int("persist_errors", result.PersistErrors).
		Dur("took", result.CompletedAt.Sub(result.StartedAt)).
		Msg("discovery scan complete")

	e.publisher.PublishAsync(notify.NewEvent(notify.EventScanCompleted, map[string]interface{}{
		"agents":         result.Agents,
		"workflows":      result.Workflows,
		"sources_ok":     result.SourcesOK,
		"sources_failed": result.SourcesFailed,
	}))

	return result, nil
}

// mergeAgents reconciles per-source agent lists by agent_id. Sources are
// already in priority order, so iterating in order and letting later sources
// overwrite gives deterministic last-source-wins semantics on field conflicts.
func (e *Engine) mergeAgents(agentsBySource [][]models.Agent) []models.Agent {
	byID := make(map[string]models.Agent)
	order := make([]string, 0)

	for _, agents := range agentsBySource {
		for _, a := range agents {
			existing, seen := byID[a.ID]
			if !seen {
				byID[a.ID] = a
				order = append(order, a.ID)
				continue
			}
			byID[a.ID] = overlayAgent(existing, a)
		}
	}

	sort.Strings(order)
	merged := make([]models.Agent, 0, len(order))
	for _, id := range order {
		merged = append(merged, byID[id])
	}
	return merged
}

// overlayAgent applies the later source's fields over the earlier record.
// Empty fields on the later record are not conflicts and keep the earlier
// value; unknown health never overwrites a concrete verdict.
func overlayAgent(base, next models.Agent) models.Agent {
	out := base
	out.Type = next.Type
	out.Source = next.Source
	out.LastSeen = next.LastSeen
	if next.Name != "" {
		out.Name = next.Name
	}
	if next.Version != "" {
		out.Version = next.Version
	}
	if next.Endpoint != "" {
		out.Endpoint = next.Endpoint
	}
	if next.HealthStatus != models.HealthUnknown {
		out.HealthStatus = next.HealthStatus
	}
	if next.LastHeartbeat.After(out.LastHeartbeat) {
		out.LastHeartbeat = next.LastHeartbeat
	}
	if len(next.Capabilities) > 0 {
		out.Capabilities = next.Capabilities
	}
	if len(next.Metadata) > 0 {
		if out.Metadata == nil {
			out.Metadata = make(map[string]string, len(next.Metadata))
		}
		for k, v := range next.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// persistAgent upserts one merged agent, preserving fields the pipeline owns
// (first_seen, trust_score) across re-discovery.
func (e *Engine) persistAgent(ctx context.Context, agent *models.Agent) error {
	existing, err := e.store.GetAgent(ctx, agent.ID)
	switch {
	case err == nil:
		agent.FirstSeen = existing.FirstSeen
		agent.TrustScore = existing.TrustScore
	case store.IsNotFound(err):
		agent.FirstSeen = agent.LastSeen
	default:
		return err
	}
	return e.store.UpsertAgent(ctx, agent)
}

// deriveWorkflows groups execution records by workflow_id and computes each
// workflow's status from the most recent window.
func (e *Engine) deriveWorkflows(executions []models.ExecutionRecord, now time.Time) []models.Workflow {
	byWorkflow := make(map[string][]models.ExecutionRecord)
	for _, rec := range executions {
		if rec.WorkflowID == "" {
			continue
		}
		byWorkflow[rec.WorkflowID] = append(byWorkflow[rec.WorkflowID], rec)
	}

	ids := make([]string, 0, len(byWorkflow))
	for id := range byWorkflow {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	workflows := make([]models.Workflow, 0, len(ids))
	for _, id := range ids {
		records := byWorkflow[id]
		sort.Slice(records, func(i, j int) bool {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		})

		wf := models.Workflow{
			ID:             id,
			ExecutionCount: len(records),
			LastExecution:  records[len(records)-1].CreatedAt,
		}

		agentSet := make(map[string]struct{})
		var succeeded, durated int
		var durationSum float64
		for _, rec := range records {
			if rec.WorkflowName != "" {
				wf.Name = rec.WorkflowName
			}
			for _, aid := range rec.AgentIDs {
				agentSet[aid] = struct{}{}
			}
			if rec.Succeeded() {
				succeeded++
			}
			if rec.DurationMS != nil {
				durationSum += *rec.DurationMS
				durated++
			}
		}
		wf.AgentIDs = make([]string, 0, len(agentSet))
		for aid := range agentSet {
			wf.AgentIDs = append(wf.AgentIDs, aid)
		}
		sort.Strings(wf.AgentIDs)
		if durated > 0 {
			wf.AvgDurationMS = durationSum / float64(durated)
		}
		wf.SuccessRate = float64(succeeded) / float64(len(records)) * 100

		wf.Status = deriveStatus(records, now, e.cfg.InactiveAfter)
		workflows = append(workflows, wf)
	}
	return workflows
}

// deriveStatus classifies a workflow from its most recent ≤10 executions.
func deriveStatus(records []models.ExecutionRecord, now time.Time, inactiveAfter time.Duration) models.WorkflowStatus {
	newest := records[len(records)-1].CreatedAt
	if now.Sub(newest) > inactiveAfter {
		return models.WorkflowInactive
	}

	window := records
	if len(window) > workflowWindow {
		window = window[len(window)-workflowWindow:]
	}
	failures := 0
	for _, rec := range window {
		if !rec.Succeeded() {
			failures++
		}
	}
	switch {
	case failures == len(window):
		return models.WorkflowFailed
	case failures > 5:
		return models.WorkflowDegraded
	case failures > 2:
		return models.WorkflowWarning
	default:
		return models.WorkflowHealthy
	}
}

// markInactiveWorkflows flips previously discovered workflows to inactive
// once their newest execution falls out of the inactivity window. Workflows
// with no recent executions never appear in the execution-log query, so the
// sweep works off the registry.
func (e *Engine) markInactiveWorkflows(ctx context.Context, now time.Time) error {
	workflows, err := e.store.ListWorkflows(ctx, store.WorkflowFilter{})
	if err != nil {
		return err
	}
	for i := range workflows {
		wf := &workflows[i]
		if wf.Status == models.WorkflowInactive {
			continue
		}
		if now.Sub(wf.LastExecution) <= e.cfg.InactiveAfter {
			continue
		}
		wf.Status = models.WorkflowInactive
		if err := e.store.UpsertWorkflow(ctx, wf); err != nil {
			log.Warn().Err(err).Str("workflow", wf.ID).Msg("inactive flip failed")
		}
	}
	return nil
}
