// Package notify publishes detection events to downstream consumers.
package notify

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/deepfake-detector/internal/config"
	"github.com/sells-group/deepfake-detector/internal/model"
)

// DetectionEvent is the payload published for each completed detection.
type DetectionEvent struct {
	ID              string               `json:"id"`
	FileHash        string               `json:"file_hash"`
	Filename        string               `json:"filename"`
	ContentType     model.ContentType    `json:"content_type"`
	Verdict         model.Verdict        `json:"verdict"`
	Confidence      float64              `json:"confidence"`
	FakeProbability float64              `json:"fake_probability"`
	AgreementLevel  model.AgreementLevel `json:"agreement_level"`
	FramesAnalyzed  int                  `json:"frames_analyzed,omitempty"`
	Timestamp       time.Time            `json:"timestamp"`
}

// NewDetectionEvent summarizes d for publishing.
func NewDetectionEvent(d *model.Detection) DetectionEvent {
	return DetectionEvent{
		ID:              d.ID,
		FileHash:        d.FileHash,
		Filename:        d.Filename,
		ContentType:     d.ContentType,
		Verdict:         d.Verdict,
		Confidence:      d.Confidence,
		FakeProbability: d.FakeProbability,
		AgreementLevel:  d.AgreementLevel,
		FramesAnalyzed:  d.FramesAnalyzed,
		Timestamp:       time.Now().UTC(),
	}
}

// Publisher delivers detection events.
type Publisher interface {
	Publish(ctx context.Context, d *model.Detection) error
	Close()
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, *model.Detection) error { return nil }

// Close implements Publisher.
func (Nop) Close() {}

// mqttClient is the subset of mqtt.Client used for publishing.
type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTPublisher publishes events as JSON to an MQTT broker.
type MQTTPublisher struct {
	client mqttClient
	topic  string
	qos    byte
}

// NewMQTTPublisher connects to the configured broker.
func NewMQTTPublisher(cfg config.MQTTConfig) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		zap.L().Warn("notify: mqtt connection lost", zap.Error(err))
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, eris.Wrapf(token.Error(), "notify: connect to %s", cfg.Broker)
	}
	zap.L().Info("notify: connected to mqtt broker", zap.String("broker", cfg.Broker))

	return newMQTTPublisher(client, cfg.Topic, cfg.QoS), nil
}

func newMQTTPublisher(client mqttClient, topic string, qos byte) *MQTTPublisher {
	return &MQTTPublisher{client: client, topic: topic, qos: qos}
}

// New returns an MQTT publisher when enabled, otherwise Nop.
func New(cfg config.MQTTConfig) (Publisher, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	return NewMQTTPublisher(cfg)
}

// Publish implements Publisher.
func (p *MQTTPublisher) Publish(ctx context.Context, d *model.Detection) error {
	payload, err := json.Marshal(NewDetectionEvent(d))
	if err != nil {
		return eris.Wrap(err, "notify: marshal event")
	}

	topic := FormatTopic(p.topic, d)
	token := p.client.Publish(topic, p.qos, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return eris.Wrapf(ctx.Err(), "notify: publish to %s", topic)
	}
	if err := token.Error(); err != nil {
		return eris.Wrapf(err, "notify: publish to %s", topic)
	}
	return nil
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}

// FormatTopic fills the {verdict} and {content_type} placeholders.
func FormatTopic(pattern string, d *model.Detection) string {
	return strings.NewReplacer(
		"{verdict}", strings.ToLower(string(d.Verdict)),
		"{content_type}", string(d.ContentType),
	).Replace(pattern)
}
