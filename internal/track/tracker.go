package track

import (
	"errors"
	"sync"
	"time"

	"github.com/onsite-data/position.report/internal/geo"
	"github.com/onsite-data/position.report/internal/monitoring"
)

// ErrOutOfOrder reports that a report's timestamp precedes the tracker's
// last known measurement time. The report is rejected whole: applying it
// would regress state that newer data already advanced.
var ErrOutOfOrder = errors.New("report older than last known measurement")

// Config holds per-tracker state machine tuning.
type Config struct {
	Model               MotionModel
	ProcessVariance     float64 // Kalman Q
	MeasurementVariance float64 // Kalman base R, scaled per fix by confidence
	HistorySize         int     // bounded position history capacity
	StaleAfter          time.Duration
	HardResetAfter      time.Duration // gap beyond which the filter reinitialises
}

// DefaultConfig mirrors the deployed defaults: constant-position model,
// Q=1.0, R=10.0, a 100-point trail, 30s staleness and a 5 minute hard reset.
func DefaultConfig() Config {
	return Config{
		Model:               MotionConstantPosition,
		ProcessVariance:     1.0,
		MeasurementVariance: 10.0,
		HistorySize:         100,
		StaleAfter:          30 * time.Second,
		HardResetAfter:      5 * time.Minute,
	}
}

// ObservedBeacon is one beacon sighting retained for observability.
type ObservedBeacon struct {
	BeaconID string `json:"beaconId"`
	RSSI     int    `json:"rssi"`
}

// HistoryPoint is one smoothed position sample in a tracker's trail.
type HistoryPoint struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Timestamp int64   `json:"timestamp"` // unix ms, report time
}

// Tracker owns one mobile tracker's estimation state: Kalman filter, bounded
// position history and timestamps. Updates must be serialized per tracker;
// the engine guarantees that, and the internal mutex only shields concurrent
// read-time snapshots.
type Tracker struct {
	mu sync.Mutex

	id  string
	cfg Config

	filter *Filter
	hasFix bool
	x, y   float64

	lastConfidence  float64 // resolver confidence of the last applied fix
	lastBeaconCount int     // resolvable beacons behind the last applied fix

	lastUpdateMillis      int64 // server-observed time of last position update
	lastMeasurementMillis int64 // report-carried time of last accepted report
	lastBeacons           []ObservedBeacon

	history []HistoryPoint
}

// NewTracker creates estimation state for a tracker identity on its first
// report. No position exists until the first resolvable fix.
func NewTracker(id string, cfg Config) *Tracker {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultConfig().HistorySize
	}
	return &Tracker{
		id:      id,
		cfg:     cfg,
		history: make([]HistoryPoint, 0, cfg.HistorySize),
	}
}

// ID returns the tracker identity.
func (t *Tracker) ID() string { return t.id }

// Apply processes one report's outcome for this tracker. fix is nil when the
// resolver returned InsufficientData: the detected beacons are recorded for
// observability but position, filter and history stay untouched, so sparse
// beacon coverage never erases a last known location.
//
// measurementMillis is the report's own timestamp; now is server time. The
// two advance independently and may diverge under network delay.
func (t *Tracker) Apply(fix *geo.Fix, beacons []ObservedBeacon, measurementMillis int64, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if measurementMillis < t.lastMeasurementMillis {
		return ErrOutOfOrder
	}

	t.lastBeacons = beacons
	t.lastMeasurementMillis = measurementMillis

	if fix == nil {
		return nil
	}

	nowMillis := now.UnixMilli()
	switch {
	case !t.hasFix:
		t.filter = NewFilter(t.cfg.Model, t.cfg.ProcessVariance, t.cfg.MeasurementVariance, fix.X, fix.Y)
		t.hasFix = true
	case t.cfg.HardResetAfter > 0 && nowMillis-t.lastUpdateMillis > t.cfg.HardResetAfter.Milliseconds():
		// The gap is too long to blend: reinitialise from the raw fix.
		t.filter.Reset(fix.X, fix.Y)
		monitoring.FilterResets.Inc()
		monitoring.Logf("[track] %s: filter reset after %.0fs gap", t.id,
			float64(nowMillis-t.lastUpdateMillis)/1000)
	default:
		dt := float64(nowMillis-t.lastUpdateMillis) / 1000
		t.filter.Predict(dt)
		t.filter.Update(fix.X, fix.Y, rScale(fix.Confidence))
	}

	t.x, t.y = t.filter.Position()
	t.lastConfidence = fix.Confidence
	t.lastBeaconCount = fix.Beacons
	t.appendHistory(HistoryPoint{X: t.x, Y: t.y, Timestamp: measurementMillis})
	t.lastUpdateMillis = nowMillis
	return nil
}

// rScale converts resolver confidence into a measurement-noise multiplier:
// full confidence leaves base R untouched, lower confidence inflates it.
func rScale(confidence float64) float64 {
	if confidence <= 0 {
		return 1
	}
	s := 1 / confidence
	if s < 1 {
		s = 1
	}
	return s
}

// appendHistory appends with FIFO eviction at capacity.
func (t *Tracker) appendHistory(p HistoryPoint) {
	if len(t.history) >= t.cfg.HistorySize {
		copy(t.history, t.history[1:])
		t.history = t.history[:len(t.history)-1]
	}
	t.history = append(t.history, p)
}

// Snapshot is an immutable read-time view of a tracker's state. X and Y are
// nil until the first resolvable fix. Stale is derived at read time, never
// stored.
type Snapshot struct {
	TrackerID           string           `json:"trackerId"`
	X                   *float64         `json:"x"`
	Y                   *float64         `json:"y"`
	LastUpdateTime      int64            `json:"last_update_time"`
	LastMeasurementTime int64            `json:"last_known_measurement_time"`
	Stale               bool             `json:"stale"`
	LastBeacons         []ObservedBeacon `json:"last_detected_beacons"`
	History             []HistoryPoint   `json:"position_history"`

	// Archive-only fields, not part of the wire format.
	Confidence  float64 `json:"-"`
	BeaconCount int     `json:"-"`
}

// Snapshot captures the tracker's current state, classifying staleness
// against now.
func (t *Tracker) Snapshot(now time.Time) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Snapshot{
		TrackerID:           t.id,
		LastUpdateTime:      t.lastUpdateMillis,
		LastMeasurementTime: t.lastMeasurementMillis,
		LastBeacons:         append([]ObservedBeacon(nil), t.lastBeacons...),
		History:             append([]HistoryPoint(nil), t.history...),
	}
	if t.hasFix {
		x, y := t.x, t.y
		s.X, s.Y = &x, &y
		s.Stale = t.cfg.StaleAfter > 0 && now.UnixMilli()-t.lastUpdateMillis > t.cfg.StaleAfter.Milliseconds()
		s.Confidence = t.lastConfidence
		s.BeaconCount = t.lastBeaconCount
	}
	return s
}
