package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onsite-data/position.report/internal/track"
)

func TestLoadRuntimeDefaults(t *testing.T) {
	path := writeConfig(t, "runtime.json", `{
		"mqtt": {
			"brokerHost": "broker.local",
			"topicPattern": "/device_sensor_data/{ApplicationID}/+/+/+/+"
		}
	}`)

	r, err := LoadRuntime(path)
	require.NoError(t, err)

	assert.Equal(t, 1883, r.MQTT.GetBrokerPort())
	assert.True(t, r.MQTT.GetEnabled())
	assert.Equal(t, 8000, r.Server.GetPort())
	assert.Equal(t, 1.0, r.Kalman.GetProcessVariance())
	assert.Equal(t, 10.0, r.Kalman.GetMeasurementVariance())

	tc := r.TrackConfig()
	assert.Equal(t, track.MotionConstantPosition, tc.Model)
	assert.Equal(t, track.DefaultConfig().HistorySize, tc.HistorySize)
	assert.Equal(t, track.DefaultConfig().StaleAfter, tc.StaleAfter)

	ec := r.EngineConfig()
	assert.Equal(t, 16, ec.QueueSize)
	assert.Equal(t, 50.0, ec.MaxDistance)
}

func TestLoadRuntimeOverrides(t *testing.T) {
	path := writeConfig(t, "runtime.json", `{
		"mqtt": {
			"brokerHost": "broker.local",
			"brokerPort": 8883,
			"clientId": "positiond-7",
			"topicPattern": "/device_sensor_data/app-1/+/+/+/+",
			"enabled": false
		},
		"server": {"port": 9090},
		"kalman": {"processVariance": 0.5, "measurementVariance": 4.0},
		"tracking": {
			"motionModel": "constant-velocity",
			"historySize": 250,
			"staleAfter": "45s",
			"hardResetAfter": "10m",
			"maxDistance": 30,
			"queueSize": 4
		}
	}`)

	r, err := LoadRuntime(path)
	require.NoError(t, err)

	assert.Equal(t, 8883, r.MQTT.GetBrokerPort())
	assert.Equal(t, "positiond-7", r.MQTT.GetClientID())
	assert.False(t, r.MQTT.GetEnabled())
	assert.Equal(t, 9090, r.Server.GetPort())

	tc := r.TrackConfig()
	assert.Equal(t, track.MotionConstantVelocity, tc.Model)
	assert.Equal(t, 0.5, tc.ProcessVariance)
	assert.Equal(t, 4.0, tc.MeasurementVariance)
	assert.Equal(t, 250, tc.HistorySize)
	assert.Equal(t, 45*time.Second, tc.StaleAfter)
	assert.Equal(t, 10*time.Minute, tc.HardResetAfter)

	ec := r.EngineConfig()
	assert.Equal(t, 4, ec.QueueSize)
	assert.Equal(t, 30.0, ec.MaxDistance)
}

func TestLoadRuntimeClientIDPrecedence(t *testing.T) {
	path := writeConfig(t, "runtime.json", `{
		"mqtt": {
			"brokerHost": "broker.local",
			"topicPattern": "t/+",
			"clientID": "canonical",
			"clientId": "legacy"
		}
	}`)
	r, err := LoadRuntime(path)
	require.NoError(t, err)
	assert.Equal(t, "canonical", r.MQTT.GetClientID())
}

func TestLoadRuntimeRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing broker host":  `{"mqtt": {"topicPattern": "t/+"}}`,
		"missing topic":        `{"mqtt": {"brokerHost": "h"}}`,
		"zero Q":               `{"mqtt": {"brokerHost": "h", "topicPattern": "t/+"}, "kalman": {"processVariance": 0}}`,
		"negative R":           `{"mqtt": {"brokerHost": "h", "topicPattern": "t/+"}, "kalman": {"measurementVariance": -1}}`,
		"unknown motion model": `{"mqtt": {"brokerHost": "h", "topicPattern": "t/+"}, "tracking": {"motionModel": "ballistic"}}`,
		"bad duration":         `{"mqtt": {"brokerHost": "h", "topicPattern": "t/+"}, "tracking": {"staleAfter": "soon"}}`,
		"bad port":             `{"mqtt": {"brokerHost": "h", "brokerPort": 99999, "topicPattern": "t/+"}}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeConfig(t, "runtime.json", content)
			_, err := LoadRuntime(path)
			assert.Error(t, err)
		})
	}
}
