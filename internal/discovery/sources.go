package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/agentmesh/trustplane/pkg/models"
	"github.com/cenkalti/backoff/v4"
)

// Source is one place agents can be discovered from. A source that fails
// contributes nothing to the cycle; it never aborts the scan.
type Source interface {
	Name() string
	Discover(ctx context.Context) ([]models.Agent, error)
}

// ExecutionSource streams raw execution records for workflow derivation.
type ExecutionSource interface {
	Name() string
	Executions(ctx context.Context, since time.Time) ([]models.ExecutionRecord, error)
}

// fetchJSON GETs a URL and decodes the response into out, retrying transient
// failures with exponential backoff.
func fetchJSON(ctx context.Context, client *http.Client, rawURL string, maxRetries uint64, out interface{}) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
		}
		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			return backoff.Permanent(fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL))
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	return backoff.Retry(op, bo)
}

// ── Registry of record ──────────────────────────────────────

// registryRecord is the wire format of the registry-of-record source.
type registryRecord struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Capabilities  []string          `json:"capabilities"`
	Status        string            `json:"status"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	Version       string            `json:"version"`
	Endpoint      string            `json:"endpoint"`
	Metadata      map[string]string `json:"metadata"`
}

// RegistrySource discovers agents from the registry-of-record HTTP API.
type RegistrySource struct {
	url        string
	client     *http.Client
	maxRetries uint64
	staleAfter time.Duration
	now        func() time.Time
}

func NewRegistrySource(url string, timeout time.Duration, maxRetries uint64, staleAfter time.Duration) *RegistrySource {
	return &RegistrySource{
		url:        url,
		client:     &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		staleAfter: staleAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *RegistrySource) Name() string { return "registry" }

func (s *RegistrySource) Discover(ctx context.Context) ([]models.Agent, error) {
	var records []registryRecord
	if err := fetchJSON(ctx, s.client, s.url, s.maxRetries, &records); err != nil {
		return nil, fmt.Errorf("registry source: %w", err)
	}

	now := s.now()
	agents := make([]models.Agent, 0, len(records))
	for _, r := range records {
		if r.ID == "" {
			continue
		}
		agents = append(agents, models.Agent{
			ID:            r.ID,
			Name:          r.Name,
			Type:          models.AgentTypeRegistry,
			Capabilities:  r.Capabilities,
			HealthStatus:  normalizeHealth(r.Status, r.LastHeartbeat, now, s.staleAfter),
			LastHeartbeat: r.LastHeartbeat,
			Version:       r.Version,
			Endpoint:      r.Endpoint,
			Source:        s.Name(),
			Metadata:      r.Metadata,
			LastSeen:      now,
		})
	}
	return agents, nil
}

// ── Service mesh ────────────────────────────────────────────

// meshService is the wire format of the service-mesh discovery source.
type meshService struct {
	ServiceID    string            `json:"service_id"`
	ServiceName  string            `json:"service_name"`
	HealthStatus string            `json:"health_status"`
	LastSeen     time.Time         `json:"last_seen"`
	Metadata     map[string]string `json:"metadata"`
}

// MeshSource discovers agents from the service-mesh catalog.
type MeshSource struct {
	url        string
	client     *http.Client
	maxRetries uint64
	staleAfter time.Duration
	now        func() time.Time
}

func NewMeshSource(url string, timeout time.Duration, maxRetries uint64, staleAfter time.Duration) *MeshSource {
	return &MeshSource{
		url:        url,
		client:     &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		staleAfter: staleAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *MeshSource) Name() string { return "mesh" }

func (s *MeshSource) Discover(ctx context.Context) ([]models.Agent, error) {
	var services []meshService
	if err := fetchJSON(ctx, s.client, s.url, s.maxRetries, &services); err != nil {
		return nil, fmt.Errorf("mesh source: %w", err)
	}

	now := s.now()
	agents := make([]models.Agent, 0, len(services))
	for _, svc := range services {
		if svc.ServiceID == "" {
			continue
		}
		meta := svc.Metadata
		version := ""
		endpoint := ""
		if meta != nil {
			version = meta["version"]
			endpoint = meta["endpoint"]
		}
		agents = append(agents, models.Agent{
			ID:            svc.ServiceID,
			Name:          svc.ServiceName,
			Type:          models.AgentTypeMesh,
			HealthStatus:  normalizeHealth(svc.HealthStatus, svc.LastSeen, now, s.staleAfter),
			LastHeartbeat: svc.LastSeen,
			Version:       version,
			Endpoint:      endpoint,
			Source:        s.Name(),
			Metadata:      meta,
			LastSeen:      now,
		})
	}
	return agents, nil
}

// ── Telemetry traces ────────────────────────────────────────

// telemetrySpan is one span record from the trace backend. Only spans carrying
// an agent_id attribute identify an agent.
type telemetrySpan struct {
	Attributes map[string]string `json:"attributes"`
	ServiceName string           `json:"service_name"`
	EndTime     time.Time        `json:"end_time"`
}

// TelemetrySource infers agents from recent trace spans. Telemetry can only
// prove an agent was recently active; it carries no health verdict, so
// telemetry-sourced agents report healthy while spans are recent and unknown
// otherwise.
type TelemetrySource struct {
	url        string
	client     *http.Client
	maxRetries uint64
	staleAfter time.Duration
	now        func() time.Time
}

func NewTelemetrySource(url string, timeout time.Duration, maxRetries uint64, staleAfter time.Duration) *TelemetrySource {
	return &TelemetrySource{
		url:        url,
		client:     &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		staleAfter: staleAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *TelemetrySource) Name() string { return "telemetry" }

func (s *TelemetrySource) Discover(ctx context.Context) ([]models.Agent, error) {
	var spans []telemetrySpan
	if err := fetchJSON(ctx, s.client, s.url, s.maxRetries, &spans); err != nil {
		return nil, fmt.Errorf("telemetry source: %w", err)
	}

	now := s.now()
	// Collapse spans to one agent per agent_id, keeping the newest span time.
	latest := make(map[string]telemetrySpan)
	for _, span := range spans {
		id := span.Attributes["agent_id"]
		if id == "" {
			continue
		}
		if prev, ok := latest[id]; !ok || span.EndTime.After(prev.EndTime) {
			latest[id] = span
		}
	}

	agents := make([]models.Agent, 0, len(latest))
	for id, span := range latest {
		health := models.HealthUnknown
		if now.Sub(span.EndTime) <= s.staleAfter {
			health = models.HealthHealthy
		}
		agents = append(agents, models.Agent{
			ID:            id,
			Name:          span.ServiceName,
			Type:          models.AgentTypeTelemetry,
			HealthStatus:  health,
			LastHeartbeat: span.EndTime,
			Source:        s.Name(),
			LastSeen:      now,
		})
	}
	return agents, nil
}

// ── Execution log ───────────────────────────────────────────

// ExecutionLogSource reads raw execution records from the execution-log API.
// It feeds workflow derivation rather than agent discovery.
type ExecutionLogSource struct {
	url        string
	client     *http.Client
	maxRetries uint64
}

func NewExecutionLogSource(url string, timeout time.Duration, maxRetries uint64) *ExecutionLogSource {
	return &ExecutionLogSource{
		url:        url,
		client:     &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
	}
}

func (s *ExecutionLogSource) Name() string { return "execution_log" }

func (s *ExecutionLogSource) Executions(ctx context.Context, since time.Time) ([]models.ExecutionRecord, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return nil, fmt.Errorf("execution log source: %w", err)
	}
	q := u.Query()
	q.Set("since", strconv.FormatInt(since.Unix(), 10))
	u.RawQuery = q.Encode()

	var records []models.ExecutionRecord
	if err := fetchJSON(ctx, s.client, u.String(), s.maxRetries, &records); err != nil {
		return nil, fmt.Errorf("execution log source: %w", err)
	}
	return records, nil
}

// ── Health normalization ────────────────────────────────────

// normalizeHealth maps a source's free-form status string to a HealthStatus,
// then downgrades healthy agents whose heartbeat has gone stale.
func normalizeHealth(status string, heartbeat, now time.Time, staleAfter time.Duration) models.HealthStatus {
	var health models.HealthStatus
	switch status {
	case "healthy", "ok", "up", "passing", "active":
		health = models.HealthHealthy
	case "degraded", "warning", "warn":
		health = models.HealthDegraded
	case "unhealthy", "critical", "down", "failing", "error":
		health = models.HealthUnhealthy
	default:
		health = models.HealthUnknown
	}

	if health == models.HealthHealthy && !heartbeat.IsZero() && now.Sub(heartbeat) > staleAfter {
		health = models.HealthDegraded
	}
	return health
}
