package engine

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/onsite-data/position.report/internal/beacon"
	"github.com/onsite-data/position.report/internal/geo"
	"github.com/onsite-data/position.report/internal/monitoring"
	"github.com/onsite-data/position.report/internal/track"
)

func init() {
	monitoring.SetLogger(nil)
}

func testRegistry() *beacon.Registry {
	return beacon.NewRegistry([]beacon.Beacon{
		{ID: "B1", X: 0, Y: 0, TxPower: -59},
		{ID: "B2", X: 10, Y: 0, TxPower: -59},
		{ID: "B3", X: 0, Y: 10, TxPower: -59},
	}, 2.0)
}

// newTestEngine wires an engine whose publish hook forwards snapshots on a
// channel, giving tests a processing barrier.
func newTestEngine(t *testing.T, cfg Config) (*Engine, chan track.Snapshot) {
	t.Helper()
	updates := make(chan track.Snapshot, 64)
	e := New(cfg, testRegistry(), track.NewStore(track.DefaultConfig()), func(s track.Snapshot) {
		updates <- s
	})
	t.Cleanup(e.Close)
	return e, updates
}

func waitUpdate(t *testing.T, updates chan track.Snapshot) track.Snapshot {
	t.Helper()
	select {
	case s := <-updates:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for processed report")
		return track.Snapshot{}
	}
}

func TestProcessResolvesPosition(t *testing.T) {
	e, updates := newTestEngine(t, DefaultConfig())

	// Three beacons, RSSI of -79 at txPower -59 and n=2.0 inverts to 10m.
	err := e.Submit(Report{
		ReportID:  "r1",
		TrackerID: "cart-7",
		Timestamp: 1_000,
		Beacons: []Observation{
			{BeaconID: "B1", RSSI: -79},
			{BeaconID: "B2", RSSI: -79},
			{BeaconID: "B3", RSSI: -79},
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	s := waitUpdate(t, updates)
	if s.TrackerID != "cart-7" {
		t.Errorf("TrackerID = %s", s.TrackerID)
	}
	if s.X == nil || s.Y == nil {
		t.Fatal("expected a resolved position")
	}

	// The first fix seeds the filter directly, so the published position
	// must equal the resolver's output for the same inputs.
	d, w := geo.EstimateDistance(-79, -59, 2.0, geo.DefaultMaxDistance)
	want, err := geo.Resolve([]geo.Range{
		{X: 0, Y: 0, Distance: d, Weight: w},
		{X: 10, Y: 0, Distance: d, Weight: w},
		{X: 0, Y: 10, Distance: d, Weight: w},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if *s.X != want.X || *s.Y != want.Y {
		t.Errorf("position = (%v, %v), want (%v, %v)", *s.X, *s.Y, want.X, want.Y)
	}
	if len(s.LastBeacons) != 3 {
		t.Errorf("LastBeacons = %+v", s.LastBeacons)
	}
}

func TestProcessDropsUnknownBeacon(t *testing.T) {
	e, updates := newTestEngine(t, DefaultConfig())

	// One unknown beacon is dropped; the two known ones still give a
	// (degraded) fix.
	err := e.Submit(Report{
		TrackerID: "cart-1",
		Timestamp: 1_000,
		Beacons: []Observation{
			{BeaconID: "B1", RSSI: -69},
			{BeaconID: "B2", RSSI: -69},
			{BeaconID: "GHOST", RSSI: -50},
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	s := waitUpdate(t, updates)
	if s.X == nil {
		t.Fatal("expected a two-beacon fix after dropping the unknown beacon")
	}
	if len(s.LastBeacons) != 2 {
		t.Errorf("expected 2 recorded beacons, got %+v", s.LastBeacons)
	}
}

func TestProcessInsufficientData(t *testing.T) {
	e, updates := newTestEngine(t, DefaultConfig())

	err := e.Submit(Report{
		TrackerID: "cart-2",
		Timestamp: 1_000,
		Beacons:   []Observation{{BeaconID: "B1", RSSI: -80}},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	s := waitUpdate(t, updates)
	if s.X != nil || s.Y != nil {
		t.Error("expected no position from a single beacon")
	}
	if len(s.LastBeacons) != 1 {
		t.Errorf("detected beacons should be recorded: %+v", s.LastBeacons)
	}
}

func TestProcessOutOfOrderReportRejected(t *testing.T) {
	e, updates := newTestEngine(t, DefaultConfig())

	submit := func(ts int64, rssi int) {
		t.Helper()
		err := e.Submit(Report{
			TrackerID: "cart-3",
			Timestamp: ts,
			Beacons: []Observation{
				{BeaconID: "B1", RSSI: rssi},
				{BeaconID: "B2", RSSI: rssi},
				{BeaconID: "B3", RSSI: rssi},
			},
		})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	submit(10_000, -79)
	first := waitUpdate(t, updates)

	// Older timestamp: rejected, no publish. Follow with a fresh report to
	// observe the next published state.
	submit(9_000, -60)
	submit(10_500, -79)
	next := waitUpdate(t, updates)

	if next.LastMeasurementTime != 10_500 {
		t.Fatalf("LastMeasurementTime = %d, want 10500", next.LastMeasurementTime)
	}
	if len(next.History) != len(first.History)+1 {
		t.Errorf("rejected report altered history: %d -> %d", len(first.History), len(next.History))
	}
}

func TestSubmitAfterClose(t *testing.T) {
	e := New(DefaultConfig(), testRegistry(), track.NewStore(track.DefaultConfig()), nil)
	e.Close()
	if err := e.Submit(Report{TrackerID: "x"}); err != ErrShutdown {
		t.Errorf("Submit after Close = %v, want ErrShutdown", err)
	}
	// Close is idempotent.
	e.Close()
}

func TestBackpressureDropsOldest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueSize = 2

	gate := make(chan struct{})
	var mu sync.Mutex
	var published []int64

	e := New(cfg, testRegistry(), track.NewStore(track.DefaultConfig()), func(s track.Snapshot) {
		<-gate
		mu.Lock()
		published = append(published, s.LastMeasurementTime)
		mu.Unlock()
	})

	submit := func(ts int64) {
		err := e.Submit(Report{
			TrackerID: "cart-9",
			Timestamp: ts,
			Beacons: []Observation{
				{BeaconID: "B1", RSSI: -79},
				{BeaconID: "B2", RSSI: -79},
				{BeaconID: "B3", RSSI: -79},
			},
		})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	// First report occupies the worker (blocked on the gate); the rest
	// overflow a queue of two, evicting oldest-first.
	submit(1_000)
	for ts := int64(2_000); ts <= 6_000; ts += 1_000 {
		submit(ts)
	}
	close(gate)
	e.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(published) == 0 {
		t.Fatal("nothing processed")
	}
	last := published[len(published)-1]
	if last != 6_000 {
		t.Errorf("newest report lost: last processed ts = %d, want 6000", last)
	}
	// Queue of two plus the in-flight report bounds total throughput.
	if len(published) > 3 {
		t.Errorf("processed %d reports, queue bound should cap at 3", len(published))
	}
}

func TestTrackersProcessIndependently(t *testing.T) {
	e, updates := newTestEngine(t, DefaultConfig())

	const trackers = 8
	for i := 0; i < trackers; i++ {
		err := e.Submit(Report{
			TrackerID: fmt.Sprintf("cart-%d", i),
			Timestamp: 1_000,
			Beacons: []Observation{
				{BeaconID: "B1", RSSI: -79},
				{BeaconID: "B2", RSSI: -79},
				{BeaconID: "B3", RSSI: -79},
			},
		})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	seen := make(map[string]bool)
	for i := 0; i < trackers; i++ {
		s := waitUpdate(t, updates)
		seen[s.TrackerID] = true
	}
	if len(seen) != trackers {
		t.Errorf("saw %d distinct trackers, want %d", len(seen), trackers)
	}
	if e.Store().Len() != trackers {
		t.Errorf("store has %d trackers, want %d", e.Store().Len(), trackers)
	}
}
