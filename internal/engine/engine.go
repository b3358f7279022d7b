// Package engine coordinates position estimation per incoming tracker
// report: registry lookup, distance estimation, multilateration and the
// Kalman update, serialized per tracker and parallel across trackers.
package engine

import (
	"errors"
	"sync"
	"time"

	"github.com/onsite-data/position.report/internal/beacon"
	"github.com/onsite-data/position.report/internal/geo"
	"github.com/onsite-data/position.report/internal/monitoring"
	"github.com/onsite-data/position.report/internal/track"
)

// ErrShutdown reports that the engine no longer accepts reports.
var ErrShutdown = errors.New("engine is shut down")

// Observation is one detected beacon within a report, already normalised to
// a canonical beacon identity at the ingestion boundary.
type Observation struct {
	BeaconID string
	RSSI     int
}

// Report is an already-decoded tracker report. The engine does not parse
// transport envelopes; ingestion delivers these.
type Report struct {
	ReportID  string // transport-assigned id for log correlation
	TrackerID string
	Timestamp int64 // unix ms, from the device
	Beacons   []Observation
}

// Config tunes the coordinator.
type Config struct {
	// QueueSize bounds each per-tracker report queue. When a tracker's
	// reports arrive faster than they are processed the oldest queued
	// report is dropped: a positioning consumer prefers the freshest data.
	QueueSize int

	// MaxDistance clamps distance estimates (metres).
	MaxDistance float64
}

// DefaultConfig returns the default coordinator tuning.
func DefaultConfig() Config {
	return Config{QueueSize: 16, MaxDistance: geo.DefaultMaxDistance}
}

// Engine routes reports to per-tracker workers. Updates for one tracker are
// mutually exclusive (a single goroutine owns them); different trackers
// proceed in parallel. No operation blocks on network or disk.
type Engine struct {
	cfg      Config
	registry *beacon.Registry
	store    *track.Store

	// publish, when non-nil, receives the updated snapshot after every
	// applied report. Serving collaborators (websocket hub, persistence)
	// subscribe through this hook.
	publish func(track.Snapshot)

	mu      sync.Mutex
	workers map[string]chan Report
	closed  bool
	wg      sync.WaitGroup

	now func() time.Time // overridable in tests
}

// New creates an engine over a beacon registry and tracker store.
func New(cfg Config, registry *beacon.Registry, store *track.Store, publish func(track.Snapshot)) *Engine {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	return &Engine{
		cfg:      cfg,
		registry: registry,
		store:    store,
		publish:  publish,
		workers:  make(map[string]chan Report),
		now:      time.Now,
	}
}

// Store exposes the tracker arena for read-time consumers.
func (e *Engine) Store() *track.Store { return e.store }

// Submit enqueues a report for its tracker's worker, creating the worker on
// first sight of the identity. If the queue is full the oldest entry is
// evicted so the newest measurement is never the one lost.
func (e *Engine) Submit(r Report) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrShutdown
	}
	q, ok := e.workers[r.TrackerID]
	if !ok {
		q = make(chan Report, e.cfg.QueueSize)
		e.workers[r.TrackerID] = q
		e.wg.Add(1)
		go e.run(q)
	}

	monitoring.ReportsReceived.Inc()
	// Both selects are non-blocking, so holding the lock here is cheap and
	// keeps the eviction loop serialized against Close closing the queue.
	for {
		select {
		case q <- r:
			return nil
		default:
		}
		select {
		case <-q:
			monitoring.ReportsDropped.Inc()
		default:
		}
	}
}

// run is the single-owner update loop for one tracker's queue.
func (e *Engine) run(q chan Report) {
	defer e.wg.Done()
	for r := range q {
		e.process(r)
	}
}

// process executes one full estimation cycle for a report.
func (e *Engine) process(r Report) {
	n := e.registry.PropagationFactor()

	ranges := make([]geo.Range, 0, len(r.Beacons))
	observed := make([]track.ObservedBeacon, 0, len(r.Beacons))
	for _, obs := range r.Beacons {
		b, ok := e.registry.Lookup(obs.BeaconID)
		if !ok {
			monitoring.UnknownBeacons.Inc()
			monitoring.Logf("[engine] report %s: unknown beacon %s, observation dropped", r.ReportID, obs.BeaconID)
			continue
		}
		observed = append(observed, track.ObservedBeacon{BeaconID: obs.BeaconID, RSSI: obs.RSSI})

		distance, weight := geo.EstimateDistance(obs.RSSI, b.TxPower, n, e.cfg.MaxDistance)
		ranges = append(ranges, geo.Range{
			BeaconID: b.ID,
			X:        b.X,
			Y:        b.Y,
			Distance: distance,
			Weight:   weight,
		})
	}

	tr := e.store.GetOrCreate(r.TrackerID)
	now := e.now()

	fix, err := geo.Resolve(ranges)
	var applyErr error
	switch {
	case errors.Is(err, geo.ErrInsufficientData):
		monitoring.InsufficientData.Inc()
		applyErr = tr.Apply(nil, observed, r.Timestamp, now)
	default:
		if fix.Degenerate {
			monitoring.DegenerateGeometry.Inc()
		}
		monitoring.FixesResolved.Inc()
		applyErr = tr.Apply(&fix, observed, r.Timestamp, now)
	}

	if errors.Is(applyErr, track.ErrOutOfOrder) {
		monitoring.OutOfOrderReports.Inc()
		monitoring.Logf("[engine] report %s: out-of-order for tracker %s (ts=%d), rejected", r.ReportID, r.TrackerID, r.Timestamp)
		return
	}

	if e.publish != nil {
		e.publish(tr.Snapshot(now))
	}
}

// Close stops accepting reports and waits for in-flight per-tracker updates
// to finish. Each update is a bounded CPU-only unit, so there is nothing to
// cancel mid-computation.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for _, q := range e.workers {
		close(q)
	}
	e.mu.Unlock()
	e.wg.Wait()
}
