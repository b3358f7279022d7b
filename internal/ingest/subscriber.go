package ingest

import (
	"fmt"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/onsite-data/position.report/internal/config"
	"github.com/onsite-data/position.report/internal/engine"
	"github.com/onsite-data/position.report/internal/monitoring"
)

// Subscriber connects to the MQTT broker and feeds decoded tracker reports
// into the estimation coordinator. Decode failures are logged and dropped;
// the subscription stays up.
type Subscriber struct {
	cfg    config.MQTTConfig
	client MQTT.Client
	engine *engine.Engine
}

// NewSubscriber builds a subscriber for the configured broker.
func NewSubscriber(cfg config.MQTTConfig, eng *engine.Engine) *Subscriber {
	return &Subscriber{cfg: cfg, engine: eng}
}

// Connect dials the broker and subscribes to the configured topic pattern.
// Reconnects are automatic; the subscription is re-established from the
// OnConnect handler so it survives broker restarts.
func (s *Subscriber) Connect() error {
	if !s.cfg.GetEnabled() {
		monitoring.Logf("mqtt client disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", s.cfg.BrokerHost, s.cfg.GetBrokerPort()))
	if id := s.cfg.GetClientID(); id != "" {
		opts.SetClientID(id)
	}
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)

	s.client = MQTT.NewClient(opts)
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return nil
}

// Close disconnects from the broker, allowing in-flight work to drain.
func (s *Subscriber) Close() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}

func (s *Subscriber) onConnect(client MQTT.Client) {
	topic := SubscriptionTopic(s.cfg.TopicPattern, s.cfg.ApplicationID)
	monitoring.Logf("mqtt connected to %s:%d, subscribing to %s",
		s.cfg.BrokerHost, s.cfg.GetBrokerPort(), topic)

	if token := client.Subscribe(topic, 1, s.onMessage); token.Wait() && token.Error() != nil {
		monitoring.Logf("mqtt subscribe to %s failed: %v", topic, token.Error())
	}
}

func (s *Subscriber) onConnectionLost(client MQTT.Client, err error) {
	monitoring.Logf("mqtt connection lost: %v", err)
}

func (s *Subscriber) onMessage(client MQTT.Client, msg MQTT.Message) {
	report, err := ParseReport(s.cfg.TopicPattern, msg.Topic(), msg.Payload())
	if err != nil {
		monitoring.Logf("dropping message on %s: %v", msg.Topic(), err)
		return
	}

	if err := s.engine.Submit(report); err != nil {
		monitoring.Logf("report %s for tracker %s not accepted: %v",
			report.ReportID, report.TrackerID, err)
	}
}
