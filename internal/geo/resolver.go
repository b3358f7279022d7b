package geo

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrInsufficientData reports that fewer than two usable beacon distances
// were available. The caller retains the tracker's last known position.
var ErrInsufficientData = errors.New("insufficient data for position fix")

// Degeneracy threshold for the weighted normal matrix determinant, relative
// to the squared trace. Below this the beacon geometry is treated as
// collinear and the solve falls back to the weighted centroid.
const degenerateDetRatio = 1e-9

// Fix is a raw resolved position before smoothing.
type Fix struct {
	X, Y float64

	// Confidence in (0, 1], derived from the weighted RMS range residual at
	// the solution. 1 means the distances were mutually consistent; the
	// tracker scales its measurement noise by the inverse of this value.
	Confidence float64

	// Beacons is the number of distance estimates used.
	Beacons int

	// Degenerate marks fixes recovered via the centroid fallback
	// (collinear or coincident beacon geometry).
	Degenerate bool
}

// Resolve fuses beacon distance estimates into a single 2D fix.
//
// With two ranges it returns the point on the line through both beacons
// minimising the weighted squared range residual. With three or more it
// solves the standard trilateration linearisation (subtracting a reference
// equation) as a weighted least-squares system. Nearly collinear geometry
// falls back to an inverse-distance weighted centroid rather than failing.
func Resolve(ranges []Range) (Fix, error) {
	switch {
	case len(ranges) < 2:
		return Fix{}, ErrInsufficientData
	case len(ranges) == 2:
		return resolveTwo(ranges[0], ranges[1]), nil
	}
	return resolveLeastSquares(ranges)
}

// resolveTwo handles the degraded two-beacon case: parameterise the line
// p(t) = P1 + t·(P2−P1) and minimise w1·(tL−d1)² + w2·((1−t)L−d2)², which is
// quadratic in t with the closed-form minimiser below.
func resolveTwo(a, b Range) Fix {
	dx := b.X - a.X
	dy := b.Y - a.Y
	l := math.Hypot(dx, dy)

	var x, y float64
	if l == 0 {
		// Coincident beacons: nothing to interpolate along.
		x, y = a.X, a.Y
	} else {
		t := (a.Weight*a.Distance + b.Weight*(l-b.Distance)) / (l * (a.Weight + b.Weight))
		x = a.X + t*dx
		y = a.Y + t*dy
	}

	fix := Fix{X: x, Y: y, Beacons: 2}
	fix.Confidence = confidence(fix, []Range{a, b})
	// Two-beacon fixes are inherently ambiguous off-axis; halve the
	// confidence so the tracker trusts them less than a full solve.
	fix.Confidence /= 2
	return fix
}

// resolveLeastSquares linearises (x−xi)² + (y−yi)² = di² by subtracting the
// first equation, yielding one row per remaining beacon:
//
//	2(xi−x0)·x + 2(yi−y0)·y = d0² − di² + xi² − x0² + yi² − y0²
//
// Rows are scaled by sqrt(wi) so the QR solve minimises the weighted
// residual.
func resolveLeastSquares(ranges []Range) (Fix, error) {
	ref := ranges[0]
	rows := len(ranges) - 1

	aData := make([]float64, rows*2)
	bData := make([]float64, rows)
	for i, r := range ranges[1:] {
		s := math.Sqrt(r.Weight)
		aData[i*2] = s * 2 * (r.X - ref.X)
		aData[i*2+1] = s * 2 * (r.Y - ref.Y)
		bData[i] = s * (ref.Distance*ref.Distance - r.Distance*r.Distance +
			r.X*r.X - ref.X*ref.X + r.Y*r.Y - ref.Y*ref.Y)
	}

	if isDegenerate(aData, rows) {
		return centroidFallback(ranges), nil
	}

	A := mat.NewDense(rows, 2, aData)
	bv := mat.NewVecDense(rows, bData)

	var qr mat.QR
	qr.Factorize(A)

	var x mat.VecDense
	if err := qr.SolveVecTo(&x, false, bv); err != nil {
		// Ill-conditioned system the determinant check did not catch.
		return centroidFallback(ranges), nil
	}

	fix := Fix{X: x.AtVec(0), Y: x.AtVec(1), Beacons: len(ranges)}
	fix.Confidence = confidence(fix, ranges)
	return fix, nil
}

// isDegenerate checks the 2x2 normal matrix AᵀA of the (already weighted)
// design matrix. Collinear beacons make it singular.
func isDegenerate(aData []float64, rows int) bool {
	var n00, n01, n11 float64
	for i := 0; i < rows; i++ {
		ax, ay := aData[i*2], aData[i*2+1]
		n00 += ax * ax
		n01 += ax * ay
		n11 += ay * ay
	}
	det := n00*n11 - n01*n01
	trace := n00 + n11
	if trace == 0 {
		return true
	}
	return det < degenerateDetRatio*trace*trace
}

// centroidFallback returns the beacon centroid weighted by inverse distance.
// Used when multilateration geometry is degenerate; the fix is flagged so
// callers can account for the reduced quality.
func centroidFallback(ranges []Range) Fix {
	var sx, sy, sw float64
	for _, r := range ranges {
		d := r.Distance
		if d < MinWeightDistance {
			d = MinWeightDistance
		}
		w := 1 / d
		sx += w * r.X
		sy += w * r.Y
		sw += w
	}
	fix := Fix{X: sx / sw, Y: sy / sw, Beacons: len(ranges), Degenerate: true}
	fix.Confidence = confidence(fix, ranges) / 2
	return fix
}

// confidence maps the weighted RMS range residual at the fix into (0, 1]:
// 1/(1+rms). Exact geometry gives 1; each metre of average inconsistency
// roughly halves it.
func confidence(fix Fix, ranges []Range) float64 {
	var sum, sw float64
	for _, r := range ranges {
		resid := math.Hypot(fix.X-r.X, fix.Y-r.Y) - r.Distance
		sum += r.Weight * resid * resid
		sw += r.Weight
	}
	if sw == 0 {
		return 0
	}
	rms := math.Sqrt(sum / sw)
	return 1 / (1 + rms)
}
