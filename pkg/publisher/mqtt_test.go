package publisher

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovoenergyau/ovoenergyau/pkg/types"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func newToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                       { <-t.done; return true }
func (t *fakeToken) WaitTimeout(d time.Duration) bool { return t.Wait() }
func (t *fakeToken) Done() <-chan struct{}            { return t.done }
func (t *fakeToken) Error() error                     { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  string
}

type fakeClient struct {
	mu           sync.Mutex
	connected    bool
	connects     int
	connectErr   error
	publishErr   func(topic string) error
	published    []published
	disconnected bool
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if c.connectErr == nil {
		c.connected = true
	}
	return newToken(c.connectErr)
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{topic, qos, retained, string(payload.([]byte))})
	if c.publishErr != nil {
		return newToken(c.publishErr(topic))
	}
	return newToken(nil)
}

func (c *fakeClient) Disconnect(quiesce uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnected = true
}

func (c *fakeClient) byTopic() map[string]published {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := map[string]published{}
	for _, p := range c.published {
		m[p.topic] = p
	}
	return m
}

func newTestPublisher(client *fakeClient) (*MQTT, *[]*mqtt.ClientOptions) {
	p := New(Config{
		Broker:          "localhost:1883",
		Username:        "user",
		Password:        "secret",
		ClientID:        "ovo-test",
		TopicPrefix:     "ovoenergyau",
		DiscoveryPrefix: "homeassistant",
		Timeout:         time.Second,
	})
	var opts []*mqtt.ClientOptions
	p.newClient = func(o *mqtt.ClientOptions) mqttClient {
		opts = append(opts, o)
		return client
	}
	return p, &opts
}

func testSnapshot() types.AggregateSnapshot {
	return types.AggregateSnapshot{
		AccountID: "30000001",
		FetchedAt: time.Date(2024, 5, 10, 2, 0, 0, 0, time.UTC),
		Daily: types.PeriodTotals{
			GridConsumption: types.Totals{KWh: 100, Charge: decimal.NewFromInt(20)},
			ReturnToGrid:    types.Totals{KWh: 5, Charge: decimal.NewFromInt(-1)},
		},
		Hourly: types.HourlySummary{
			Solar: types.HourlySeries{
				Total: types.Totals{KWh: 1.5},
				Entries: []types.UsageRecord{{
					PeriodStart:    time.Date(2024, 5, 9, 10, 0, 0, 0, time.UTC),
					ConsumptionKWh: 1.5,
					ChargeType:     types.ChargeTypeDebit,
				}},
			},
		},
	}
}

func TestPublish(t *testing.T) {
	client := &fakeClient{}
	p, opts := newTestPublisher(client)

	require.NoError(t, p.Publish(t.Context(), testSnapshot()))
	require.Len(t, *opts, 1)
	o := (*opts)[0]
	assert.Equal(t, "ovo-test", o.ClientID)
	assert.Equal(t, "user", o.Username)
	require.Len(t, o.Servers, 1)
	assert.Equal(t, "tcp://localhost:1883", o.Servers[0].String())

	msgs := client.byTopic()
	for _, m := range client.published {
		assert.True(t, m.retained, m.topic)
		assert.Equal(t, byte(1), m.qos)
	}

	var discovery int
	for topic := range msgs {
		if strings.HasSuffix(topic, "/config") {
			discovery++
		}
	}
	assert.Equal(t, 21, discovery)

	cfgMsg, ok := msgs["homeassistant/sensor/ovoenergyau_30000001/daily_grid_consumption/config"]
	require.True(t, ok)
	var cfg map[string]any
	require.NoError(t, json.Unmarshal([]byte(cfgMsg.payload), &cfg))
	assert.Equal(t, "Daily Grid Consumption", cfg["name"])
	assert.Equal(t, "30000001_daily_grid_consumption", cfg["unique_id"])
	assert.Equal(t, "ovoenergyau/30000001/daily_grid_consumption/state", cfg["state_topic"])
	assert.Equal(t, "ovoenergyau/30000001/daily_grid_consumption/attributes", cfg["json_attributes_topic"])
	assert.Equal(t, "kWh", cfg["unit_of_measurement"])
	assert.Equal(t, "energy", cfg["device_class"])
	assert.Equal(t, "total", cfg["state_class"])
	dev := cfg["device"].(map[string]any)
	assert.Equal(t, []any{"ovoenergyau_30000001"}, dev["identifiers"])

	assert.Equal(t, "100", msgs["ovoenergyau/30000001/daily_grid_consumption/state"].payload)
	assert.Equal(t, "-1", msgs["ovoenergyau/30000001/daily_return_to_grid_charge/state"].payload)
	assert.Equal(t, "0", msgs["ovoenergyau/30000001/monthly_solar_consumption/state"].payload)

	_, ok = msgs["ovoenergyau/30000001/daily_grid_charge/attributes"]
	assert.False(t, ok, "charge sensors have no attributes")

	var attrs struct {
		Entries []struct {
			Timestamp      time.Time `json:"timestamp"`
			ConsumptionKWh float64   `json:"consumption_kwh"`
			ChargeAmount   float64   `json:"charge_amount"`
			ChargeType     string    `json:"charge_type"`
		} `json:"entries"`
		EntryCount int `json:"entry_count"`
	}
	require.NoError(t, json.Unmarshal([]byte(msgs["ovoenergyau/30000001/hourly_solar_consumption/attributes"].payload), &attrs))
	assert.Equal(t, 1, attrs.EntryCount)
	require.Len(t, attrs.Entries, 1)
	assert.Equal(t, 1.5, attrs.Entries[0].ConsumptionKWh)
	assert.Equal(t, "DEBIT", attrs.Entries[0].ChargeType)

	// a second publish reuses the connection
	require.NoError(t, p.Publish(t.Context(), testSnapshot()))
	assert.Len(t, *opts, 1)
	assert.Equal(t, 1, client.connects)

	p.Close()
	assert.True(t, client.disconnected)
}

func TestPublishDisabled(t *testing.T) {
	p := New(Config{})
	assert.False(t, p.Enabled())
	p.newClient = func(*mqtt.ClientOptions) mqttClient {
		t.Fatal("client created while disabled")
		return nil
	}
	assert.NoError(t, p.Publish(t.Context(), testSnapshot()))
	p.Close()
}

func TestPublishErrors(t *testing.T) {
	t.Run("connect", func(t *testing.T) {
		client := &fakeClient{connectErr: errors.New("connection refused")}
		p, _ := newTestPublisher(client)
		err := p.Publish(t.Context(), testSnapshot())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection refused")
		assert.Empty(t, client.published)
	})

	t.Run("publish", func(t *testing.T) {
		client := &fakeClient{publishErr: func(topic string) error {
			if strings.Contains(topic, "daily_solar_charge") {
				return errors.New("not authorized")
			}
			return nil
		}}
		p, _ := newTestPublisher(client)
		err := p.Publish(t.Context(), testSnapshot())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "daily_solar_charge")
		// the remaining messages are still sent
		_, ok := client.byTopic()["ovoenergyau/30000001/hourly_return_to_grid/state"]
		assert.True(t, ok)
	})

	t.Run("no account", func(t *testing.T) {
		p, _ := newTestPublisher(&fakeClient{})
		assert.Error(t, p.Publish(t.Context(), types.AggregateSnapshot{}))
	})
}
