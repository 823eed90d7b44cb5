package predict

import "math"

// ModelVersion identifies the fixed weight set below. Changing any weight or
// the feature order requires a new version string so stored predictions stay
// auditable against the model that produced them.
const ModelVersion = "logistic-v1"

// Logistic classifier weights. The dominant feature of each kind (failure
// rate, drift event count) carries a strictly positive weight, which makes
// the model monotonic in that feature for otherwise-equal inputs.
var (
	failureBias    = -2.0
	failureWeights = [failureFeatureCount]float64{
		4.0,    // failure rate
		0,      // success rate (complement of failure rate, kept for audit)
		0.01,   // avg duration (seconds)
		0,      // execution volume (feeds confidence, not probability)
		0.005,  // hours since last run
		0.4,    // status severity ordinal
		-1.5,   // latest trust (0–1)
		-0.3,   // trust trend ordinal
		-0.5,   // trust mean (0–1)
		0.5,    // trust volatility
	}

	driftBias    = -2.5
	driftWeights = [driftFeatureCount]float64{
		-0.015,   // freshness mean
		-0.005,   // freshness min
		0,        // freshness max
		0.01,     // freshness stddev
		-0.015,   // freshness latest
		0.000005, // drift mean (ms)
		0.000002, // drift max (ms)
		0.000002, // drift stddev (ms)
		0.35,     // drift event count (dominant)
		0.3,      // incident count
		-0.004,   // recent sample 1 (newest)
		-0.004,   // recent sample 2
		-0.004,   // recent sample 3
		-0.004,   // recent sample 4
		-0.004,   // recent sample 5
	}
)

// FailureProbability maps failure features to a probability in [0,1].
// Deterministic: identical features always yield an identical probability.
func FailureProbability(f FailureFeatures) float64 {
	v := f.Vector()
	return logistic(failureBias, failureWeights[:], v[:])
}

// DriftProbability maps drift features to a probability in [0,1].
func DriftProbability(f DriftFeatures) float64 {
	v := f.Vector()
	return logistic(driftBias, driftWeights[:], v[:])
}

func logistic(bias float64, weights, features []float64) float64 {
	z := bias
	for i, x := range features {
		z += weights[i] * x
	}
	return 1 / (1 + math.Exp(-z))
}
