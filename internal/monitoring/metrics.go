package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline counters. Per-report and per-observation failures are recovered
// locally (skip the observation, retain last state) and surfaced only here,
// never by aborting the coordinator.
var (
	ReportsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "position_reports_received_total",
		Help: "Tracker reports accepted by the estimation coordinator.",
	})

	ReportsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "position_reports_dropped_total",
		Help: "Tracker reports dropped from a full per-tracker queue.",
	})

	FixesResolved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "position_fixes_resolved_total",
		Help: "Raw position fixes produced by the resolver.",
	})

	UnknownBeacons = promauto.NewCounter(prometheus.CounterOpts{
		Name: "position_unknown_beacons_total",
		Help: "Observations referencing beacons absent from the registry.",
	})

	InsufficientData = promauto.NewCounter(prometheus.CounterOpts{
		Name: "position_insufficient_data_total",
		Help: "Reports with fewer than two resolvable beacon distances.",
	})

	OutOfOrderReports = promauto.NewCounter(prometheus.CounterOpts{
		Name: "position_out_of_order_reports_total",
		Help: "Reports rejected because their timestamp precedes the tracker's last measurement.",
	})

	DegenerateGeometry = promauto.NewCounter(prometheus.CounterOpts{
		Name: "position_degenerate_geometry_total",
		Help: "Multilateration solves that fell back to the weighted centroid.",
	})

	FilterResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "position_filter_resets_total",
		Help: "Kalman filters reinitialised after a hard-reset gap.",
	})
)
