package sensors

import (
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// TopicBinding associates one subscribed MQTT topic with the channel id
// MQTTSensor configs are registered against.
type TopicBinding struct {
	Topic     string
	ChannelID string
}

// MQTTConfig configures the broker connection and topic subscriptions for
// an MQTT-backed sensor source.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topics   []TopicBinding
}

// MQTTSource subscribes to configured topics and feeds every message into a
// Table via UpdateFromMQTT. Reconnect policy is the paho client's own
// concern; this wrapper only wires topic -> channel id routing.
type MQTTSource struct {
	table  *Table
	logger *slog.Logger
	topics []TopicBinding

	client mqtt.Client
}

// NewMQTTSource builds a client from cfg without connecting.
func NewMQTTSource(cfg MQTTConfig, table *Table, logger *slog.Logger) *MQTTSource {
	s := &MQTTSource{table: table, logger: logger, topics: cfg.Topics}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
	}
	opts.OnConnect = func(client mqtt.Client) {
		s.subscribeAll(client)
	}

	s.client = mqtt.NewClient(opts)
	return s
}

// Connect opens the broker connection and subscribes to every configured
// topic. It blocks until the initial connect attempt completes.
func (s *MQTTSource) Connect() error {
	token := s.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("sensors: mqtt connect: %w", err)
	}
	return nil
}

func (s *MQTTSource) subscribeAll(client mqtt.Client) {
	for _, b := range s.topics {
		binding := b
		token := client.Subscribe(binding.Topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
			s.onMessage(binding.ChannelID, msg.Topic(), msg.Payload())
		})
		token.Wait()
		if err := token.Error(); err != nil {
			s.logger.Error("mqtt subscribe failed", "topic", binding.Topic, "error", err)
		}
	}
}

func (s *MQTTSource) onMessage(channelID, topic string, payload []byte) {
	if err := s.table.UpdateFromMQTT(channelID, topic, payload, time.Now().UnixMilli()); err != nil {
		s.logger.Warn("mqtt sensor update failed", "channel_id", channelID, "topic", topic, "error", err)
	}
}

// Close disconnects from the broker.
func (s *MQTTSource) Close() {
	s.client.Disconnect(250)
}
