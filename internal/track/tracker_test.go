package track

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/onsite-data/position.report/internal/geo"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HistorySize = 5
	return cfg
}

func TestApplyFirstFix(t *testing.T) {
	tr := NewTracker("tracker-1", testConfig())
	now := time.UnixMilli(1_700_000_000_000)

	fix := &geo.Fix{X: 3, Y: 4, Confidence: 1, Beacons: 3}
	beacons := []ObservedBeacon{{BeaconID: "A", RSSI: -60}}
	if err := tr.Apply(fix, beacons, 1_700_000_000_000, now); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	s := tr.Snapshot(now)
	if s.X == nil || s.Y == nil {
		t.Fatal("expected position after first fix")
	}
	// First fix seeds the filter directly at the raw fix.
	if *s.X != 3 || *s.Y != 4 {
		t.Errorf("position = (%v, %v), want (3, 4)", *s.X, *s.Y)
	}
	if s.LastUpdateTime != now.UnixMilli() {
		t.Errorf("LastUpdateTime = %d, want %d", s.LastUpdateTime, now.UnixMilli())
	}
	if s.LastMeasurementTime != 1_700_000_000_000 {
		t.Errorf("LastMeasurementTime = %d", s.LastMeasurementTime)
	}
	if len(s.History) != 1 {
		t.Errorf("history length = %d, want 1", len(s.History))
	}
	if len(s.LastBeacons) != 1 || s.LastBeacons[0].BeaconID != "A" {
		t.Errorf("LastBeacons = %+v", s.LastBeacons)
	}
}

func TestApplyNoPositionBeforeFirstFix(t *testing.T) {
	tr := NewTracker("tracker-1", testConfig())
	now := time.UnixMilli(1000)

	if err := tr.Apply(nil, []ObservedBeacon{{BeaconID: "A", RSSI: -90}}, 1000, now); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	s := tr.Snapshot(now)
	if s.X != nil || s.Y != nil {
		t.Error("expected nil position before first resolvable fix")
	}
	if len(s.LastBeacons) != 1 {
		t.Errorf("detected beacons should still be recorded: %+v", s.LastBeacons)
	}
}

func TestApplyInsufficientDataRetainsPosition(t *testing.T) {
	tr := NewTracker("tracker-1", testConfig())
	now := time.UnixMilli(10_000)

	if err := tr.Apply(&geo.Fix{X: 5, Y: 5, Confidence: 1}, nil, 10_000, now); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	before := tr.Snapshot(now)

	// A later report with too few beacons records them but keeps position.
	later := now.Add(2 * time.Second)
	beacons := []ObservedBeacon{{BeaconID: "B", RSSI: -95}}
	if err := tr.Apply(nil, beacons, 12_000, later); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	after := tr.Snapshot(later)
	if *after.X != *before.X || *after.Y != *before.Y {
		t.Errorf("position changed on insufficient data: (%v, %v) -> (%v, %v)",
			*before.X, *before.Y, *after.X, *after.Y)
	}
	if after.LastUpdateTime != before.LastUpdateTime {
		t.Error("LastUpdateTime advanced without a position update")
	}
	if after.LastMeasurementTime != 12_000 {
		t.Errorf("LastMeasurementTime = %d, want 12000", after.LastMeasurementTime)
	}
	if len(after.History) != len(before.History) {
		t.Error("history grew without a fix")
	}
	if len(after.LastBeacons) != 1 || after.LastBeacons[0].BeaconID != "B" {
		t.Errorf("LastBeacons = %+v", after.LastBeacons)
	}
}

func TestApplyOutOfOrderRejected(t *testing.T) {
	tr := NewTracker("tracker-1", testConfig())
	now := time.UnixMilli(50_000)

	if err := tr.Apply(&geo.Fix{X: 1, Y: 1, Confidence: 1}, nil, 50_000, now); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	before := tr.Snapshot(now)

	// A delayed duplicate with an older measurement timestamp must be
	// rejected and leave state untouched.
	err := tr.Apply(&geo.Fix{X: 9, Y: 9, Confidence: 1},
		[]ObservedBeacon{{BeaconID: "Z", RSSI: -40}}, 49_000, now.Add(time.Second))
	if err != ErrOutOfOrder {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}

	after := tr.Snapshot(now)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("state changed by rejected report (-before +after):\n%s", diff)
	}
}

func TestApplyEqualTimestampAccepted(t *testing.T) {
	// Equal timestamps are not "older": duplicate delivery at the same
	// measurement time is tolerated, not rejected.
	tr := NewTracker("tracker-1", testConfig())
	now := time.UnixMilli(50_000)

	if err := tr.Apply(&geo.Fix{X: 1, Y: 1, Confidence: 1}, nil, 50_000, now); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := tr.Apply(&geo.Fix{X: 1, Y: 1, Confidence: 1}, nil, 50_000, now); err != nil {
		t.Errorf("equal-timestamp report rejected: %v", err)
	}
}

func TestHistoryFIFOBound(t *testing.T) {
	cfg := testConfig()
	cfg.HistorySize = 3
	tr := NewTracker("tracker-1", cfg)

	for i := 0; i < 4; i++ {
		ts := int64(1000 * (i + 1))
		now := time.UnixMilli(ts)
		if err := tr.Apply(&geo.Fix{X: float64(i), Y: 0, Confidence: 1}, nil, ts, now); err != nil {
			t.Fatalf("Apply %d: %v", i, err)
		}
	}

	s := tr.Snapshot(time.UnixMilli(5000))
	if len(s.History) != 3 {
		t.Fatalf("history length = %d, want capacity 3", len(s.History))
	}
	// Oldest entry evicted, order preserved.
	if s.History[0].Timestamp != 2000 {
		t.Errorf("oldest retained timestamp = %d, want 2000", s.History[0].Timestamp)
	}
	for i := 1; i < len(s.History); i++ {
		if s.History[i].Timestamp <= s.History[i-1].Timestamp {
			t.Errorf("history out of order at %d: %+v", i, s.History)
		}
	}
}

func TestSmoothingPullsTowardFix(t *testing.T) {
	tr := NewTracker("tracker-1", testConfig())
	base := time.UnixMilli(1_000_000)

	if err := tr.Apply(&geo.Fix{X: 0, Y: 0, Confidence: 1}, nil, 1_000_000, base); err != nil {
		t.Fatal(err)
	}
	next := base.Add(time.Second)
	if err := tr.Apply(&geo.Fix{X: 10, Y: 0, Confidence: 1}, nil, 1_001_000, next); err != nil {
		t.Fatal(err)
	}

	s := tr.Snapshot(next)
	// Smoothed: somewhere strictly between the old state and the new fix.
	if *s.X <= 0 || *s.X >= 10 {
		t.Errorf("expected smoothed x in (0, 10), got %v", *s.X)
	}
}

func TestHardResetReinitialisesFromRawFix(t *testing.T) {
	cfg := testConfig()
	cfg.HardResetAfter = time.Minute
	tr := NewTracker("tracker-1", cfg)
	base := time.UnixMilli(1_000_000)

	if err := tr.Apply(&geo.Fix{X: 0, Y: 0, Confidence: 1}, nil, 1_000_000, base); err != nil {
		t.Fatal(err)
	}

	// Far beyond the hard-reset gap: the filter restarts at the raw fix
	// instead of blending with minutes-old state.
	later := base.Add(10 * time.Minute)
	if err := tr.Apply(&geo.Fix{X: 40, Y: 40, Confidence: 1}, nil, 1_600_000, later); err != nil {
		t.Fatal(err)
	}

	s := tr.Snapshot(later)
	if *s.X != 40 || *s.Y != 40 {
		t.Errorf("expected hard reset to raw fix (40, 40), got (%v, %v)", *s.X, *s.Y)
	}
}

func TestStalenessDerivedAtReadTime(t *testing.T) {
	cfg := testConfig()
	cfg.StaleAfter = 30 * time.Second
	tr := NewTracker("tracker-1", cfg)
	base := time.UnixMilli(1_000_000)

	if err := tr.Apply(&geo.Fix{X: 1, Y: 1, Confidence: 1}, nil, 1_000_000, base); err != nil {
		t.Fatal(err)
	}

	if s := tr.Snapshot(base.Add(10 * time.Second)); s.Stale {
		t.Error("tracker stale 10s after update with 30s window")
	}
	if s := tr.Snapshot(base.Add(45 * time.Second)); !s.Stale {
		t.Error("tracker not stale 45s after update with 30s window")
	}
	// A new fix makes it active again.
	next := base.Add(time.Minute)
	if err := tr.Apply(&geo.Fix{X: 1, Y: 1, Confidence: 1}, nil, 1_060_000, next); err != nil {
		t.Fatal(err)
	}
	if s := tr.Snapshot(next.Add(time.Second)); s.Stale {
		t.Error("tracker still stale after fresh fix")
	}
}

func TestStoreGetOrCreate(t *testing.T) {
	s := NewStore(testConfig())

	a := s.GetOrCreate("t1")
	b := s.GetOrCreate("t1")
	if a != b {
		t.Error("GetOrCreate returned different trackers for the same identity")
	}
	if _, ok := s.Get("t2"); ok {
		t.Error("Get invented a tracker")
	}
	s.GetOrCreate("t2")
	if s.Len() != 2 {
		t.Errorf("Len = %d, want 2", s.Len())
	}
}

func TestStoreSnapshotAllSorted(t *testing.T) {
	s := NewStore(testConfig())
	for _, id := range []string{"charlie", "alpha", "bravo"} {
		s.GetOrCreate(id)
	}

	snaps := s.SnapshotAll(time.Now())
	want := []string{"alpha", "bravo", "charlie"}
	for i, snap := range snaps {
		if snap.TrackerID != want[i] {
			t.Errorf("snapshot %d = %s, want %s", i, snap.TrackerID, want[i])
		}
	}
}

func TestStoreConcurrentCreate(t *testing.T) {
	s := NewStore(testConfig())
	done := make(chan struct{})
	for g := 0; g < 8; g++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 100; i++ {
				s.GetOrCreate(fmt.Sprintf("tracker-%d", i%10))
			}
		}()
	}
	for g := 0; g < 8; g++ {
		<-done
	}
	if s.Len() != 10 {
		t.Errorf("Len = %d, want 10", s.Len())
	}
}
