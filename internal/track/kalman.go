package track

// Kalman filtering for per-tracker position smoothing. The filter state is
// [x, y, vx, vy] with a 4x4 covariance kept in row-major form; the
// constant-position model simply never couples the velocity block. The
// covariance arithmetic is written out directly rather than through a matrix
// library: the system is small and fixed-size, and the measurement always
// extracts position only, so the 2x2 innovation inverse has a closed form.

// MotionModel selects the Kalman prediction model.
type MotionModel string

const (
	// MotionConstantPosition models the tracker as a random walk. Matches
	// the scalar per-axis filter the original deployment tuned Q=1, R=10 for.
	MotionConstantPosition MotionModel = "constant-position"
	// MotionConstantVelocity additionally estimates velocity, predicting
	// position forward by v·dt between measurements.
	MotionConstantVelocity MotionModel = "constant-velocity"
)

// minDeterminant guards the 2x2 innovation inverse; below this the update is
// skipped rather than amplifying numerical noise.
const minDeterminant = 1e-12

// Initial covariance: high position uncertainty, moderate velocity
// uncertainty (velocity entries unused for constant-position).
const (
	initialPosVariance = 10.0
	initialVelVariance = 1.0
)

// Filter is a per-tracker Kalman filter. Exclusively owned by one tracker's
// update path; never shared, never locked.
type Filter struct {
	model MotionModel
	q     float64 // process variance, per second
	r     float64 // base measurement variance

	x [4]float64  // [x, y, vx, vy]
	p [16]float64 // covariance, row-major 4x4
}

// NewFilter seeds a filter at a raw fix position with default covariance.
func NewFilter(model MotionModel, processVariance, measurementVariance, x, y float64) *Filter {
	f := &Filter{model: model, q: processVariance, r: measurementVariance}
	f.Reset(x, y)
	return f
}

// Reset reinitialises the filter from a raw fix, discarding all accumulated
// state. Used when a tracker reappears after a hard-reset gap: blending with
// long-stale state would drag the estimate toward a position the tracker
// plainly left.
func (f *Filter) Reset(x, y float64) {
	f.x = [4]float64{x, y, 0, 0}
	f.p = [16]float64{}
	f.p[0*4+0] = initialPosVariance
	f.p[1*4+1] = initialPosVariance
	if f.model == MotionConstantVelocity {
		f.p[2*4+2] = initialVelVariance
		f.p[3*4+3] = initialVelVariance
	}
}

// Predict advances the state by dt seconds.
func (f *Filter) Predict(dt float64) {
	if dt < 0 {
		dt = 0
	}

	if f.model == MotionConstantVelocity {
		// x' = F x with F the constant-velocity transition.
		f.x[0] += f.x[2] * dt
		f.x[1] += f.x[3] * dt

		// P' = F P Fᵀ, computed in two passes as in the row expansions:
		// rows 0/1 pick up dt times rows 2/3, then the same for columns.
		var fp [16]float64
		for j := 0; j < 4; j++ {
			fp[0*4+j] = f.p[0*4+j] + dt*f.p[2*4+j]
			fp[1*4+j] = f.p[1*4+j] + dt*f.p[3*4+j]
			fp[2*4+j] = f.p[2*4+j]
			fp[3*4+j] = f.p[3*4+j]
		}
		for i := 0; i < 4; i++ {
			f.p[i*4+0] = fp[i*4+0] + dt*fp[i*4+2]
			f.p[i*4+1] = fp[i*4+1] + dt*fp[i*4+3]
			f.p[i*4+2] = fp[i*4+2]
			f.p[i*4+3] = fp[i*4+3]
		}
	}

	// Add process noise, scaled by elapsed time so irregular report
	// intervals inflate uncertainty proportionally.
	f.p[0*4+0] += f.q * dt
	f.p[1*4+1] += f.q * dt
	if f.model == MotionConstantVelocity {
		f.p[2*4+2] += f.q * dt
		f.p[3*4+3] += f.q * dt
	}
}

// Update incorporates a position measurement. rScale inflates the base
// measurement variance for low-confidence fixes (rScale >= 1 in practice;
// values <= 0 are treated as 1).
func (f *Filter) Update(zx, zy, rScale float64) {
	if rScale <= 0 {
		rScale = 1
	}
	r := f.r * rScale

	// Innovation.
	yx := zx - f.x[0]
	yy := zy - f.x[1]

	// Innovation covariance S = H P Hᵀ + R; H extracts position.
	s00 := f.p[0*4+0] + r
	s01 := f.p[0*4+1]
	s10 := f.p[1*4+0]
	s11 := f.p[1*4+1] + r

	det := s00*s11 - s01*s10
	if det < minDeterminant {
		return
	}
	invS00 := s11 / det
	invS01 := -s01 / det
	invS10 := -s10 / det
	invS11 := s00 / det

	// Kalman gain K = P Hᵀ S⁻¹ (4x2).
	var k [8]float64
	for i := 0; i < 4; i++ {
		k[i*2+0] = f.p[i*4+0]*invS00 + f.p[i*4+1]*invS10
		k[i*2+1] = f.p[i*4+0]*invS01 + f.p[i*4+1]*invS11
	}

	// x' = x + K y
	for i := 0; i < 4; i++ {
		f.x[i] += k[i*2+0]*yx + k[i*2+1]*yy
	}

	// P' = (I − K H) P; K H only populates columns 0 and 1.
	var newP [16]float64
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			v := f.p[i*4+j] - k[i*2+0]*f.p[0*4+j] - k[i*2+1]*f.p[1*4+j]
			newP[i*4+j] = v
		}
	}
	f.p = newP
}

// Position returns the current smoothed position estimate.
func (f *Filter) Position() (x, y float64) {
	return f.x[0], f.x[1]
}

// Velocity returns the current velocity estimate. Always zero for the
// constant-position model.
func (f *Filter) Velocity() (vx, vy float64) {
	return f.x[2], f.x[3]
}
