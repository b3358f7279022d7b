package db

import (
	"fmt"
	"time"
)

// PositionFix is one persisted smoothed position.
type PositionFix struct {
	ID            int64     `json:"id"`
	TrackerID     string    `json:"trackerId"`
	X             float64   `json:"x"`
	Y             float64   `json:"y"`
	Confidence    float64   `json:"confidence"`
	BeaconCount   int       `json:"beaconCount"`
	MeasurementMs int64     `json:"measurementMs"` // device timestamp, unix ms
	CreatedAt     time.Time `json:"created_at"`
}

// RecordFix inserts a position fix and fills in its assigned ID.
func (db *DB) RecordFix(fix *PositionFix) error {
	result, err := db.DB.Exec(
		`INSERT INTO position_fixes (
			tracker_id, x, y, confidence, beacon_count, measurement_ms
		) VALUES (?, ?, ?, ?, ?, ?)`,
		fix.TrackerID, fix.X, fix.Y, fix.Confidence, fix.BeaconCount, fix.MeasurementMs,
	)
	if err != nil {
		return fmt.Errorf("failed to record position fix: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID: %w", err)
	}
	fix.ID = id
	return nil
}

// RecentFixes returns the newest fixes for a tracker, newest first, capped
// at limit.
func (db *DB) RecentFixes(trackerID string, limit int) ([]PositionFix, error) {
	rows, err := db.DB.Query(
		`SELECT id, tracker_id, x, y, confidence, beacon_count, measurement_ms, created_at
		FROM position_fixes
		WHERE tracker_id = ?
		ORDER BY measurement_ms DESC
		LIMIT ?`,
		trackerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query position fixes: %w", err)
	}
	defer rows.Close()

	var fixes []PositionFix
	for rows.Next() {
		var f PositionFix
		if err := rows.Scan(
			&f.ID, &f.TrackerID, &f.X, &f.Y,
			&f.Confidence, &f.BeaconCount, &f.MeasurementMs, &f.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan position fix: %w", err)
		}
		fixes = append(fixes, f)
	}
	return fixes, rows.Err()
}

// FixesBetween returns a tracker's fixes in a measurement-time window,
// oldest first. Used by the trail chart.
func (db *DB) FixesBetween(trackerID string, fromMs, toMs int64) ([]PositionFix, error) {
	rows, err := db.DB.Query(
		`SELECT id, tracker_id, x, y, confidence, beacon_count, measurement_ms, created_at
		FROM position_fixes
		WHERE tracker_id = ? AND measurement_ms >= ? AND measurement_ms <= ?
		ORDER BY measurement_ms ASC`,
		trackerID, fromMs, toMs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query position fixes: %w", err)
	}
	defer rows.Close()

	var fixes []PositionFix
	for rows.Next() {
		var f PositionFix
		if err := rows.Scan(
			&f.ID, &f.TrackerID, &f.X, &f.Y,
			&f.Confidence, &f.BeaconCount, &f.MeasurementMs, &f.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan position fix: %w", err)
		}
		fixes = append(fixes, f)
	}
	return fixes, rows.Err()
}

// TrackerIDs returns the distinct tracker ids with at least one stored fix.
func (db *DB) TrackerIDs() ([]string, error) {
	rows, err := db.DB.Query(
		`SELECT DISTINCT tracker_id FROM position_fixes ORDER BY tracker_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query tracker ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tracker id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PruneFixesBefore deletes fixes with a measurement time older than the
// cutoff and returns the number removed. Run periodically so the database
// stays bounded on long deployments.
func (db *DB) PruneFixesBefore(cutoffMs int64) (int64, error) {
	result, err := db.DB.Exec(
		`DELETE FROM position_fixes WHERE measurement_ms < ?`, cutoffMs,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune position fixes: %w", err)
	}
	return result.RowsAffected()
}
