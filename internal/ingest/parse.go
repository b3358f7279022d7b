package ingest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/onsite-data/position.report/internal/beacon"
	"github.com/onsite-data/position.report/internal/engine"
)

// detectedBeacon is one beacon sighting in a device payload.
type detectedBeacon struct {
	MacAddress string `json:"macAddress,omitempty"`
	DeviceID   string `json:"deviceId,omitempty"` // legacy alias for macAddress
	UUID       string `json:"uuid,omitempty"`
	Major      int    `json:"major,omitempty"`
	Minor      int    `json:"minor,omitempty"`
	RSSI       int    `json:"rssi"`
}

// reportPayload is the JSON body a tracker publishes. The tracker identity
// comes from the topic, not the payload; a trackerId field, if present, is
// only used when the topic yields none.
type reportPayload struct {
	TrackerID       string           `json:"trackerId,omitempty"`
	Timestamp       int64            `json:"timestamp"`
	DetectedBeacons []detectedBeacon `json:"detectedBeacons"`
}

// DevEUIFromTopic extracts the tracker identity from a concrete message
// topic given the subscription pattern. The identity is the segment after
// the one holding the {ApplicationID} placeholder; a pattern without the
// placeholder takes the segment matching the first wildcard instead.
func DevEUIFromTopic(pattern, topic string) (string, error) {
	patSegs := strings.Split(strings.Trim(pattern, "/"), "/")
	topSegs := strings.Split(strings.Trim(topic, "/"), "/")

	idx := -1
	for i, seg := range patSegs {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			idx = i + 1
			break
		}
	}
	if idx == -1 {
		for i, seg := range patSegs {
			if seg == "+" || seg == "#" {
				idx = i
				break
			}
		}
	}
	if idx == -1 || idx >= len(topSegs) {
		return "", fmt.Errorf("topic %q does not match pattern %q", topic, pattern)
	}
	dev := topSegs[idx]
	if dev == "" {
		return "", fmt.Errorf("topic %q has an empty device segment", topic)
	}
	return dev, nil
}

// SubscriptionTopic renders the subscription filter from the configured
// pattern: the {ApplicationID} placeholder is substituted, or widened to a
// wildcard when no application id is configured.
func SubscriptionTopic(pattern, applicationID string) string {
	if applicationID == "" {
		applicationID = "+"
	}
	return strings.ReplaceAll(pattern, "{ApplicationID}", applicationID)
}

// ParseReport decodes a device payload into a coordinator report. Beacons
// with no usable identity are skipped rather than failing the whole report:
// one miscalibrated sighting must not cost the rest.
func ParseReport(pattern, topic string, payload []byte) (engine.Report, error) {
	var body reportPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return engine.Report{}, fmt.Errorf("failed to parse report payload: %w", err)
	}

	trackerID, err := DevEUIFromTopic(pattern, topic)
	if err != nil {
		if body.TrackerID == "" {
			return engine.Report{}, err
		}
		trackerID = body.TrackerID
	}

	if body.Timestamp <= 0 {
		return engine.Report{}, fmt.Errorf("report from %q has no timestamp", trackerID)
	}

	observations := make([]engine.Observation, 0, len(body.DetectedBeacons))
	for _, d := range body.DetectedBeacons {
		mac := d.MacAddress
		if mac == "" {
			mac = d.DeviceID
		}
		id, err := beacon.CanonicalID(mac, d.UUID, d.Major, d.Minor)
		if err != nil {
			continue
		}
		observations = append(observations, engine.Observation{
			BeaconID: id,
			RSSI:     d.RSSI,
		})
	}

	return engine.Report{
		ReportID:  uuid.NewString(),
		TrackerID: trackerID,
		Timestamp: body.Timestamp,
		Beacons:   observations,
	}, nil
}
