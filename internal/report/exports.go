package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/agentmesh/trustplane/pkg/models"
)

// FlatField is one key/value pair of a flattened dashboard snapshot.
type FlatField struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ExportFlat flattens a snapshot into dotted key/value pairs. The output
// order is fixed so repeated exports of the same snapshot are identical.
func ExportFlat(snap *models.DashboardSnapshot) []FlatField {
	fields := []FlatField{
		{"generated_at", snap.GeneratedAt.UTC().Format(time.RFC3339)},
		{"global_trust_score", formatFloat(snap.GlobalTrustScore)},
		{"trust_trend", string(snap.TrustTrend)},
		{"agents.total", strconv.Itoa(snap.Agents.Total)},
		{"agents.healthy", strconv.Itoa(snap.Agents.Healthy)},
		{"agents.degraded", strconv.Itoa(snap.Agents.Degraded)},
		{"agents.unhealthy", strconv.Itoa(snap.Agents.Unhealthy)},
		{"agents.unknown", strconv.Itoa(snap.Agents.Unknown)},
		{"workflows.total", strconv.Itoa(snap.Workflows.Total)},
		{"workflows.healthy", strconv.Itoa(snap.Workflows.Healthy)},
		{"workflows.warning", strconv.Itoa(snap.Workflows.Warning)},
		{"workflows.degraded", strconv.Itoa(snap.Workflows.Degraded)},
		{"workflows.failed", strconv.Itoa(snap.Workflows.Failed)},
		{"workflows.inactive", strconv.Itoa(snap.Workflows.Inactive)},
		{"sync.open_incidents", strconv.Itoa(snap.Sync.OpenIncidents)},
		{"sync.total_incidents", strconv.Itoa(snap.Sync.TotalIncidents)},
		{"sync.avg_freshness", formatFloat(snap.Sync.AvgFreshness)},
	}
	for _, sev := range []models.Severity{
		models.SeverityLow, models.SeverityMedium, models.SeverityHigh, models.SeverityCritical,
	} {
		fields = append(fields, FlatField{
			Key:   "sync.by_severity." + string(sev),
			Value: strconv.Itoa(snap.Sync.BySeverity[sev]),
		})
	}
	fields = append(fields,
		FlatField{"risk.active_predictions", strconv.Itoa(snap.Risk.ActivePredictions)},
		FlatField{"risk.max_probability", formatFloat(snap.Risk.MaxProbability)},
		FlatField{"risk.high_risk_entities", strings.Join(snap.Risk.HighRiskEntities, ";")},
		FlatField{"risk_avoided_usd", formatFloat(snap.RiskAvoidedUSD)},
		FlatField{"compliance_sla_pct", formatFloat(snap.ComplianceSLAPct)},
		FlatField{"recommendations.count", strconv.Itoa(len(snap.Recommendations))},
	)
	for i, rec := range snap.Recommendations {
		prefix := "recommendations." + strconv.Itoa(i)
		fields = append(fields,
			FlatField{prefix + ".action", rec.Action},
			FlatField{prefix + ".priority", rec.Priority},
		)
	}
	return fields
}

// ExportCSV renders the flat form as two-column CSV with a header row.
func ExportCSV(snap *models.DashboardSnapshot) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"key", "value"}); err != nil {
		return nil, err
	}
	for _, f := range ExportFlat(snap) {
		if err := w.Write([]string{f.Key, f.Value}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ExportJSON renders the snapshot as indented nested JSON.
func ExportJSON(snap *models.DashboardSnapshot) ([]byte, error) {
	return json.MarshalIndent(snap, "", "  ")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
