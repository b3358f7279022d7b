package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/onsite-data/position.report/internal/engine"
	"github.com/onsite-data/position.report/internal/track"
)

// Runtime is the server-side runtime configuration: broker, web server,
// filter tuning. Loaded once at startup; invalid values are fatal before
// the pipeline accepts traffic, never at per-report time.
type Runtime struct {
	MQTT     MQTTConfig     `json:"mqtt"`
	Server   ServerConfig   `json:"server"`
	Kalman   KalmanConfig   `json:"kalman"`
	Tracking TrackingConfig `json:"tracking"`
}

// MQTTConfig configures the ingestion subscriber.
type MQTTConfig struct {
	BrokerHost    string `json:"brokerHost" validate:"required"`
	BrokerPort    int    `json:"brokerPort" validate:"omitempty,gte=1,lte=65535"`
	Username      string `json:"username,omitempty"`
	Password      string `json:"password,omitempty"`
	ApplicationID string `json:"applicationID,omitempty"`

	// TopicPattern is the subscription filter, e.g.
	// "/device_sensor_data/{ApplicationID}/+/+/+/+". The tracker identity
	// (devEui) is taken from the topic segment after the application id.
	TopicPattern string `json:"topicPattern" validate:"required"`

	ClientID       string `json:"clientID,omitempty"`
	ClientIDLegacy string `json:"clientId,omitempty"` // legacy alias
	Enabled        *bool  `json:"enabled,omitempty"`
}

// GetBrokerPort returns the broker port or the MQTT default.
func (c MQTTConfig) GetBrokerPort() int {
	if c.BrokerPort == 0 {
		return 1883
	}
	return c.BrokerPort
}

// GetClientID collapses the two accepted client id spellings.
func (c MQTTConfig) GetClientID() string {
	if c.ClientID != "" {
		return c.ClientID
	}
	return c.ClientIDLegacy
}

// GetEnabled reports whether the MQTT client should run. Defaults to true.
func (c MQTTConfig) GetEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `json:"port" validate:"omitempty,gte=1,lte=65535"`
}

// GetPort returns the listen port or the default.
func (c ServerConfig) GetPort() int {
	if c.Port == 0 {
		return 8000
	}
	return c.Port
}

// KalmanConfig carries the filter variances. Zero or negative variances are
// rejected at load: Q=0 with R=0 would make every update a no-op and a
// negative variance is meaningless.
type KalmanConfig struct {
	ProcessVariance     *float64 `json:"processVariance" validate:"omitempty,gt=0"`     // Q
	MeasurementVariance *float64 `json:"measurementVariance" validate:"omitempty,gt=0"` // R
}

// GetProcessVariance returns Q or the deployed default.
func (c KalmanConfig) GetProcessVariance() float64 {
	if c.ProcessVariance == nil {
		return 1.0
	}
	return *c.ProcessVariance
}

// GetMeasurementVariance returns R or the deployed default.
func (c KalmanConfig) GetMeasurementVariance() float64 {
	if c.MeasurementVariance == nil {
		return 10.0
	}
	return *c.MeasurementVariance
}

// TrackingConfig is optional tracker tuning. Fields omitted from the JSON
// keep their defaults, so partial configs are safe.
type TrackingConfig struct {
	MotionModel    *string  `json:"motionModel,omitempty" validate:"omitempty,oneof=constant-position constant-velocity"`
	HistorySize    *int     `json:"historySize,omitempty" validate:"omitempty,gt=0"`
	StaleAfter     *string  `json:"staleAfter,omitempty"`     // duration string like "30s"
	HardResetAfter *string  `json:"hardResetAfter,omitempty"` // duration string like "5m"
	MaxDistance    *float64 `json:"maxDistance,omitempty" validate:"omitempty,gt=0"`
	QueueSize      *int     `json:"queueSize,omitempty" validate:"omitempty,gt=0"`
}

// GetMotionModel returns the configured Kalman motion model or the default.
func (c TrackingConfig) GetMotionModel() track.MotionModel {
	if c.MotionModel == nil {
		return track.MotionConstantPosition
	}
	return track.MotionModel(*c.MotionModel)
}

// GetHistorySize returns the position history capacity or the default.
func (c TrackingConfig) GetHistorySize() int {
	if c.HistorySize == nil {
		return track.DefaultConfig().HistorySize
	}
	return *c.HistorySize
}

// GetStaleAfter parses and returns the staleness window as a time.Duration.
func (c TrackingConfig) GetStaleAfter() time.Duration {
	return parseDurationOr(c.StaleAfter, track.DefaultConfig().StaleAfter)
}

// GetHardResetAfter parses and returns the filter hard-reset gap.
func (c TrackingConfig) GetHardResetAfter() time.Duration {
	return parseDurationOr(c.HardResetAfter, track.DefaultConfig().HardResetAfter)
}

// GetMaxDistance returns the distance estimate clamp or the default.
func (c TrackingConfig) GetMaxDistance() float64 {
	if c.MaxDistance == nil {
		return engine.DefaultConfig().MaxDistance
	}
	return *c.MaxDistance
}

// GetQueueSize returns the per-tracker queue bound or the default.
func (c TrackingConfig) GetQueueSize() int {
	if c.QueueSize == nil {
		return engine.DefaultConfig().QueueSize
	}
	return *c.QueueSize
}

func parseDurationOr(s *string, fallback time.Duration) time.Duration {
	if s == nil || *s == "" {
		return fallback
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return fallback
	}
	return d
}

// Validate checks value ranges plus the duration strings the validator tags
// cannot express.
func (r *Runtime) Validate() error {
	if err := validate.Struct(r); err != nil {
		return err
	}
	for name, s := range map[string]*string{
		"staleAfter":     r.Tracking.StaleAfter,
		"hardResetAfter": r.Tracking.HardResetAfter,
	} {
		if s != nil && *s != "" {
			if _, err := time.ParseDuration(*s); err != nil {
				return fmt.Errorf("invalid %s %q: %w", name, *s, err)
			}
		}
	}
	return nil
}

// TrackConfig assembles the tracker state machine configuration.
func (r *Runtime) TrackConfig() track.Config {
	return track.Config{
		Model:               r.Tracking.GetMotionModel(),
		ProcessVariance:     r.Kalman.GetProcessVariance(),
		MeasurementVariance: r.Kalman.GetMeasurementVariance(),
		HistorySize:         r.Tracking.GetHistorySize(),
		StaleAfter:          r.Tracking.GetStaleAfter(),
		HardResetAfter:      r.Tracking.GetHardResetAfter(),
	}
}

// EngineConfig assembles the estimation coordinator configuration.
func (r *Runtime) EngineConfig() engine.Config {
	return engine.Config{
		QueueSize:   r.Tracking.GetQueueSize(),
		MaxDistance: r.Tracking.GetMaxDistance(),
	}
}

// LoadRuntime reads and validates the runtime config file.
func LoadRuntime(path string) (*Runtime, error) {
	data, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}

	var r Runtime
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse runtime config JSON: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid runtime configuration: %w", err)
	}
	return &r, nil
}
