// Package publisher publishes snapshots to Home Assistant over MQTT
// discovery.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/levenlabs/go-lflag"

	"github.com/ovoenergyau/ovoenergyau/pkg/common"
	"github.com/ovoenergyau/ovoenergyau/pkg/entity"
	"github.com/ovoenergyau/ovoenergyau/pkg/log"
	"github.com/ovoenergyau/ovoenergyau/pkg/types"
)

// mqttClient is the part of mqtt.Client the publisher uses.
type mqttClient interface {
	IsConnected() bool
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Config holds the broker settings. An empty Broker disables publishing.
type Config struct {
	Broker          string
	Username        string
	Password        string
	ClientID        string
	TopicPrefix     string
	DiscoveryPrefix string
	Timeout         time.Duration
}

// MQTT publishes every sensor as a retained discovery config, state and
// attributes message.
type MQTT struct {
	cfg       Config
	newClient func(*mqtt.ClientOptions) mqttClient

	mu     sync.Mutex
	client mqttClient
}

// Configured returns an MQTT publisher configured from flags.
func Configured() *MQTT {
	broker := lflag.String("mqtt-broker", "", "MQTT broker address (host:port); publishing is disabled when empty")
	username := lflag.String("mqtt-username", "", "MQTT username")
	password := lflag.String("mqtt-password", "", "MQTT password")
	clientID := lflag.String("mqtt-client-id", "ovoenergyau", "MQTT client ID")
	topicPrefix := lflag.String("mqtt-topic-prefix", "ovoenergyau", "Prefix of the state and attributes topics")
	discoveryPrefix := lflag.String("mqtt-discovery-prefix", "homeassistant", "Home Assistant discovery prefix")
	timeout := lflag.Duration("mqtt-timeout", 10*time.Second, "Timeout for connecting and publishing")

	p := New(Config{})
	lflag.Do(func() {
		p.cfg = Config{
			Broker:          *broker,
			Username:        *username,
			Password:        *password,
			ClientID:        *clientID,
			TopicPrefix:     *topicPrefix,
			DiscoveryPrefix: *discoveryPrefix,
			Timeout:         *timeout,
		}
	})
	return p
}

// New returns an MQTT publisher. It connects on the first Publish.
func New(cfg Config) *MQTT {
	return &MQTT{
		cfg: cfg,
		newClient: func(opts *mqtt.ClientOptions) mqttClient {
			return mqtt.NewClient(opts)
		},
	}
}

// Enabled reports whether a broker is configured.
func (p *MQTT) Enabled() bool {
	return p.cfg.Broker != ""
}

func (p *MQTT) timeout() time.Duration {
	if p.cfg.Timeout > 0 {
		return p.cfg.Timeout
	}
	return 10 * time.Second
}

func (p *MQTT) connect(ctx context.Context) (mqttClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		opts := mqtt.NewClientOptions()
		opts.AddBroker(fmt.Sprintf("tcp://%s", p.cfg.Broker))
		opts.SetClientID(p.cfg.ClientID)
		opts.SetAutoReconnect(true)
		opts.SetConnectTimeout(p.timeout())
		if p.cfg.Username != "" {
			opts.SetUsername(p.cfg.Username)
		}
		if p.cfg.Password != "" {
			opts.SetPassword(p.cfg.Password)
		}
		p.client = p.newClient(opts)
	}
	if !p.client.IsConnected() {
		log.Ctx(ctx).InfoContext(ctx, "connecting to mqtt broker", slog.String("broker", p.cfg.Broker))
		if err := p.wait(ctx, p.client.Connect()); err != nil {
			return nil, fmt.Errorf("connecting to MQTT broker: %w", err)
		}
	}
	return p.client, nil
}

func (p *MQTT) wait(ctx context.Context, tok mqtt.Token) error {
	timer := time.NewTimer(p.timeout())
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", p.timeout())
	}
}

type device struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

type discoveryConfig struct {
	Name                string `json:"name"`
	UniqueID            string `json:"unique_id"`
	ObjectID            string `json:"object_id"`
	StateTopic          string `json:"state_topic"`
	JSONAttributesTopic string `json:"json_attributes_topic,omitempty"`
	UnitOfMeasurement   string `json:"unit_of_measurement"`
	DeviceClass         string `json:"device_class"`
	StateClass          string `json:"state_class"`
	Icon                string `json:"icon"`
	Device              device `json:"device"`
}

// DiscoveryTopic is the config topic of a sensor.
func (p *MQTT) DiscoveryTopic(accountID, key string) string {
	return fmt.Sprintf("%s/sensor/ovoenergyau_%s/%s/config", p.cfg.DiscoveryPrefix, accountID, key)
}

func (p *MQTT) baseTopic(accountID, key string) string {
	return fmt.Sprintf("%s/%s/%s", p.cfg.TopicPrefix, accountID, key)
}

type message struct {
	topic   string
	payload []byte
}

func (p *MQTT) messages(snap types.AggregateSnapshot) ([]message, error) {
	dev := device{
		Identifiers:  []string{"ovoenergyau_" + snap.AccountID},
		Name:         "OVO Energy AU " + snap.AccountID,
		Manufacturer: "OVO Energy",
		Model:        "Australia Account",
		SWVersion:    common.Version(),
	}

	var msgs []message
	for _, s := range entity.States(snap) {
		base := p.baseTopic(snap.AccountID, s.Key)
		cfg := discoveryConfig{
			Name:              s.Name,
			UniqueID:          entity.UniqueID(snap.AccountID, s.Key),
			ObjectID:          "ovo_energy_au_" + s.Key,
			StateTopic:        base + "/state",
			UnitOfMeasurement: s.Unit,
			DeviceClass:       s.DeviceClass,
			StateClass:        s.StateClass,
			Icon:              s.Icon,
			Device:            dev,
		}
		if s.Attributes != nil {
			cfg.JSONAttributesTopic = base + "/attributes"
		}
		b, err := json.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("encoding discovery config for %s: %w", s.Key, err)
		}
		msgs = append(msgs,
			message{p.DiscoveryTopic(snap.AccountID, s.Key), b},
			message{cfg.StateTopic, []byte(strconv.FormatFloat(s.Value, 'f', -1, 64))},
		)
		if s.Attributes != nil {
			b, err := json.Marshal(s.Attributes)
			if err != nil {
				return nil, fmt.Errorf("encoding attributes for %s: %w", s.Key, err)
			}
			msgs = append(msgs, message{cfg.JSONAttributesTopic, b})
		}
	}
	return msgs, nil
}

// Publish sends every sensor of snap. It does nothing when no broker is
// configured.
func (p *MQTT) Publish(ctx context.Context, snap types.AggregateSnapshot) error {
	if !p.Enabled() {
		return nil
	}
	if snap.AccountID == "" {
		return errors.New("snapshot has no account ID")
	}
	msgs, err := p.messages(snap)
	if err != nil {
		return err
	}
	client, err := p.connect(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, m := range msgs {
		if err := p.wait(ctx, client.Publish(m.topic, 1, true, m.payload)); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, fmt.Errorf("publishing %s: %w", m.topic, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	log.Ctx(ctx).DebugContext(ctx, "published sensors", slog.Int("messages", len(msgs)))
	return nil
}

// Close disconnects from the broker.
func (p *MQTT) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
