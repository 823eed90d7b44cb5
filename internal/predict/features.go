package predict

// Feature vectors are typed structs so the model input shape is checked at
// compile time; Vector() flattens to the fixed-length array the model expects.
// Field order is part of the model contract for a given model version.

const (
	failureFeatureCount = 10
	driftFeatureCount   = 15
)

// FailureFeatures describe a workflow's recent execution and trust history.
type FailureFeatures struct {
	FailureRate     float64 // dominant feature, 0–1
	SuccessRate     float64 // 0–1
	AvgDurationSec  float64
	ExecutionCount  float64
	HoursSinceRun   float64
	StatusSeverity  float64 // healthy=0 … failed=3, inactive=4
	TrustLatest     float64 // 0–1
	TrustTrend      float64 // declining=-1, stable=0, improving=1
	TrustMean       float64 // 0–1
	TrustVolatility float64 // stddev of the trust window, 0–1 scale
}

func (f FailureFeatures) Vector() [failureFeatureCount]float64 {
	return [failureFeatureCount]float64{
		f.FailureRate,
		f.SuccessRate,
		f.AvgDurationSec,
		f.ExecutionCount,
		f.HoursSinceRun,
		f.StatusSeverity,
		f.TrustLatest,
		f.TrustTrend,
		f.TrustMean,
		f.TrustVolatility,
	}
}

// DriftFeatures describe an agent's sync-event history.
type DriftFeatures struct {
	FreshnessMean   float64 // 0–100
	FreshnessMin    float64
	FreshnessMax    float64
	FreshnessStddev float64
	FreshnessLatest float64
	DriftMeanMS     float64
	DriftMaxMS      float64
	DriftStddevMS   float64
	DriftEventCount float64 // dominant feature: events at/above medium drift
	IncidentCount   float64
	RecentSamples   [5]float64 // five newest freshness scores, newest first
}

func (f DriftFeatures) Vector() [driftFeatureCount]float64 {
	return [driftFeatureCount]float64{
		f.FreshnessMean,
		f.FreshnessMin,
		f.FreshnessMax,
		f.FreshnessStddev,
		f.FreshnessLatest,
		f.DriftMeanMS,
		f.DriftMaxMS,
		f.DriftStddevMS,
		f.DriftEventCount,
		f.IncidentCount,
		f.RecentSamples[0],
		f.RecentSamples[1],
		f.RecentSamples[2],
		f.RecentSamples[3],
		f.RecentSamples[4],
	}
}
