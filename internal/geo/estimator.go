package geo

import "math"

const (
	// MinWeightDistance floors the distance used for weighting so near-field
	// readings cannot divide by zero.
	MinWeightDistance = 0.1

	// DefaultMaxDistance caps distance estimates. Extremely weak signals
	// invert to implausibly large distances that would dominate the solve.
	DefaultMaxDistance = 50.0
)

// Range is a single beacon distance estimate feeding the resolver: the
// beacon's surveyed position plus the estimated distance and its weight.
type Range struct {
	BeaconID string
	X        float64 // beacon position, metres
	Y        float64
	Distance float64 // estimated distance, metres
	Weight   float64
}

// EstimateDistance inverts the log-distance path-loss model for one RSSI
// sample:
//
//	distance = 10 ^ ((txPower − rssi) / (10 × n))
//
// where txPower is the beacon's calibrated RSSI at 1 m and n the shared
// propagation factor. The returned weight is the inverse square of the
// clamped distance: stronger (nearer) signals are more reliable, following
// the usual inverse-variance convention.
//
// Pure function of its inputs; safe to call concurrently.
func EstimateDistance(rssi, txPower int, propagationFactor, maxDistance float64) (distance, weight float64) {
	if maxDistance <= 0 {
		maxDistance = DefaultMaxDistance
	}

	distance = math.Pow(10, float64(txPower-rssi)/(10*propagationFactor))
	if distance > maxDistance {
		distance = maxDistance
	}

	d := distance
	if d < MinWeightDistance {
		d = MinWeightDistance
	}
	weight = 1 / (d * d)
	return distance, weight
}
