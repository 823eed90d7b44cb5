// Package store — in-memory Store implementation.
// Used as a fallback when PostgreSQL is not available (local dev, tests).
// Supports file-based snapshot persistence so data survives restarts.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentmesh/trustplane/pkg/models"
	"github.com/rs/zerolog/log"
)

// maxSyncEventsPerAgent caps the in-memory sync history per agent. Older
// events are evicted; this is a retention concern of the hot store, not of
// the pipeline.
const maxSyncEventsPerAgent = 1000

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Agents      map[string]*models.Agent               `json:"agents"`
	Workflows   map[string]*models.Workflow            `json:"workflows"`
	SyncEvents  map[string][]*models.SyncEvent         `json:"sync_events"`  // key: agent_id, oldest first
	Incidents   map[string]*models.DriftIncident       `json:"incidents"`    // key: incident_id
	TrustScores map[string][]*models.TrustScoreRecord  `json:"trust_scores"` // key: entity_id, oldest first
	Predictions []*models.Prediction                   `json:"predictions"`
	Analyses    map[string][]*models.RootCauseAnalysis `json:"analyses"` // key: incident_id, oldest first
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu          sync.RWMutex
	agents      map[string]*models.Agent
	workflows   map[string]*models.Workflow
	syncEvents  map[string][]*models.SyncEvent
	incidents   map[string]*models.DriftIncident
	trustScores map[string][]*models.TrustScoreRecord
	predictions []*models.Prediction
	analyses    map[string][]*models.RootCauseAnalysis

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
}

// NewMemoryStore creates a new in-memory store.
// If TRUSTPLANE_DATA_DIR is set, data is persisted to a JSON file in that
// directory. Otherwise defaults to ~/.trustplane/data.json.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		agents:      make(map[string]*models.Agent),
		workflows:   make(map[string]*models.Workflow),
		syncEvents:  make(map[string][]*models.SyncEvent),
		incidents:   make(map[string]*models.DriftIncident),
		trustScores: make(map[string][]*models.TrustScoreRecord),
		predictions: make([]*models.Prediction, 0),
		analyses:    make(map[string][]*models.RootCauseAnalysis),
		saveCh:      make(chan struct{}, 1),
		doneCh:      make(chan struct{}),
	}

	dataDir := os.Getenv("TRUSTPLANE_DATA_DIR")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			dataDir = filepath.Join(home, ".trustplane")
		}
	}
	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop runs in a goroutine, debouncing save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

// saveSnapshot persists all data to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Agents:      m.agents,
		Workflows:   m.workflows,
		SyncEvents:  m.syncEvents,
		Incidents:   m.incidents,
		TrustScores: m.trustScores,
		Predictions: m.predictions,
		Analyses:    m.analyses,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

// loadSnapshot reads data from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Agents != nil {
		m.agents = snap.Agents
	}
	if snap.Workflows != nil {
		m.workflows = snap.Workflows
	}
	if snap.SyncEvents != nil {
		m.syncEvents = snap.SyncEvents
	}
	if snap.Incidents != nil {
		m.incidents = snap.Incidents
	}
	if snap.TrustScores != nil {
		m.trustScores = snap.TrustScores
	}
	if snap.Predictions != nil {
		m.predictions = snap.Predictions
	}
	if snap.Analyses != nil {
		m.analyses = snap.Analyses
	}

	log.Info().
		Int("agents", len(m.agents)).
		Int("workflows", len(m.workflows)).
		Int("incidents", len(m.incidents)).
		Int("predictions", len(m.predictions)).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops background goroutines and forces a final snapshot write.
// Safe to call multiple times (second call is a no-op).
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		return nil
	default:
		close(m.doneCh)
	}

	if m.snapshotPath != "" {
		m.saveSnapshot()
	}

	log.Info().Msg("Memory store closed")
	return nil
}

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// ── Agent Store ─────────────────────────────────────────────

func (m *MemoryStore) UpsertAgent(_ context.Context, agent *models.Agent) error {
	m.mu.Lock()
	cp := *agent
	m.agents[agent.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetAgent(_ context.Context, id string) (*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "agent", Key: id}
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListAgents(_ context.Context, filter AgentFilter) ([]models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Agent
	for _, a := range m.agents {
		if filter.Health != "" && a.HealthStatus != filter.Health {
			continue
		}
		if filter.Type != "" && a.Type != filter.Type {
			continue
		}
		result = append(result, *a)
	}
	return result, nil
}

// ── Workflow Store ──────────────────────────────────────────

func (m *MemoryStore) UpsertWorkflow(_ context.Context, wf *models.Workflow) error {
	m.mu.Lock()
	cp := *wf
	m.workflows[wf.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetWorkflow(_ context.Context, id string) (*models.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workflows[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "workflow", Key: id}
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) ListWorkflows(_ context.Context, filter WorkflowFilter) ([]models.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Workflow
	for _, w := range m.workflows {
		if filter.Status != "" && w.Status != filter.Status {
			continue
		}
		result = append(result, *w)
	}
	return result, nil
}

// ── Sync Event Store ────────────────────────────────────────

func (m *MemoryStore) AppendSyncEvent(_ context.Context, event *models.SyncEvent) error {
	m.mu.Lock()
	cp := *event
	events := append(m.syncEvents[event.AgentID], &cp)
	if len(events) > maxSyncEventsPerAgent {
		events = events[len(events)-maxSyncEventsPerAgent:]
	}
	m.syncEvents[event.AgentID] = events
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListSyncEvents(_ context.Context, agentID string, limit int) ([]models.SyncEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.syncEvents[agentID]
	var result []models.SyncEvent
	for i := len(events) - 1; i >= 0; i-- { // newest first
		result = append(result, *events[i])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) ListSyncEventsBetween(_ context.Context, agentID string, since, until time.Time) ([]models.SyncEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.SyncEvent
	events := m.syncEvents[agentID]
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if e.Timestamp.Before(since) || !e.Timestamp.Before(until) {
			continue
		}
		result = append(result, *e)
	}
	return result, nil
}

// ── Incident Store ──────────────────────────────────────────

func (m *MemoryStore) CreateIncident(_ context.Context, incident *models.DriftIncident) error {
	m.mu.Lock()
	cp := *incident
	m.incidents[incident.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetIncident(_ context.Context, id string) (*models.DriftIncident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inc, ok := m.incidents[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "incident", Key: id}
	}
	cp := *inc
	return &cp, nil
}

func (m *MemoryStore) ListIncidents(_ context.Context, filter IncidentFilter) ([]models.DriftIncident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.DriftIncident
	for _, inc := range m.incidents {
		if filter.Severity != "" && inc.Severity != filter.Severity {
			continue
		}
		if filter.OpenOnly && !inc.Open() {
			continue
		}
		result = append(result, *inc)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) OpenIncidentFor(_ context.Context, workflowID, agentID string) (*models.DriftIncident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, inc := range m.incidents {
		if !inc.Open() || inc.WorkflowID != workflowID {
			continue
		}
		for _, id := range inc.AgentIDs {
			if id == agentID {
				cp := *inc
				return &cp, nil
			}
		}
	}
	return nil, &ErrNotFound{Entity: "open incident", Key: workflowID + ":" + agentID}
}

func (m *MemoryStore) ResolveIncident(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	inc, ok := m.incidents[id]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "incident", Key: id}
	}
	if inc.ResolvedAt == nil { // resolution is terminal
		t := at
		inc.ResolvedAt = &t
	}
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) SetIncidentRootCause(_ context.Context, id string, cause models.RootCauseType) error {
	m.mu.Lock()
	inc, ok := m.incidents[id]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "incident", Key: id}
	}
	inc.RootCause = string(cause)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Trust Store ─────────────────────────────────────────────

func (m *MemoryStore) AppendTrustScore(_ context.Context, record *models.TrustScoreRecord) error {
	m.mu.Lock()
	cp := *record
	m.trustScores[record.EntityID] = append(m.trustScores[record.EntityID], &cp)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListTrustScores(_ context.Context, entityID string, limit int) ([]models.TrustScoreRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := m.trustScores[entityID]
	var result []models.TrustScoreRecord
	for i := len(records) - 1; i >= 0; i-- { // newest first
		result = append(result, *records[i])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) LatestTrustScores(_ context.Context) ([]models.TrustScoreRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.TrustScoreRecord
	for _, records := range m.trustScores {
		if len(records) == 0 {
			continue
		}
		result = append(result, *records[len(records)-1])
	}
	return result, nil
}

// ── Prediction Store ────────────────────────────────────────

func (m *MemoryStore) CreatePrediction(_ context.Context, prediction *models.Prediction) error {
	m.mu.Lock()
	cp := *prediction
	m.predictions = append(m.predictions, &cp)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListPredictions(_ context.Context, entityID string, limit int) ([]models.Prediction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Prediction
	for i := len(m.predictions) - 1; i >= 0; i-- { // newest first
		p := m.predictions[i]
		if p.EntityID != entityID {
			continue
		}
		result = append(result, *p)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) ListActivePredictions(_ context.Context, now time.Time) ([]models.Prediction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Prediction
	for _, p := range m.predictions {
		if p.Expired(now) {
			continue
		}
		result = append(result, *p)
	}
	return result, nil
}

// ── Analysis Store ──────────────────────────────────────────

func (m *MemoryStore) CreateAnalysis(_ context.Context, analysis *models.RootCauseAnalysis) error {
	m.mu.Lock()
	cp := *analysis
	m.analyses[analysis.IncidentID] = append(m.analyses[analysis.IncidentID], &cp)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListAnalyses(_ context.Context, incidentID string) ([]models.RootCauseAnalysis, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := m.analyses[incidentID]
	result := make([]models.RootCauseAnalysis, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- { // newest first
		result = append(result, *records[i])
	}
	return result, nil
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
