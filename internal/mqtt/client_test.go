package mqtt

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/skywatch/internal/conf"
	"github.com/tphakala/skywatch/internal/errors"
	"github.com/tphakala/skywatch/internal/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeToken struct {
	done    chan struct{}
	err     error
	pending bool
}

func newToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return !t.pending }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.pending }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type fakeClient struct {
	opts         *mqtt.ClientOptions
	connectErr   error
	connectHang  bool
	subscribeErr error

	mu           sync.Mutex
	connected    bool
	subscribed   string
	qos          byte
	handler      mqtt.MessageHandler
	unsubscribed []string
	disconnected bool
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *fakeClient) Connect() mqtt.Token {
	if c.connectHang {
		return &fakeToken{done: make(chan struct{}), pending: true}
	}
	if c.connectErr != nil {
		return newToken(c.connectErr)
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.opts.OnConnect(c)
	return newToken(nil)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnected = true
}

func (c *fakeClient) Publish(string, byte, bool, any) mqtt.Token { return newToken(nil) }

func (c *fakeClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribeErr != nil {
		return newToken(c.subscribeErr)
	}
	c.subscribed, c.qos, c.handler = topic, qos, callback
	return newToken(nil)
}

func (c *fakeClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return newToken(nil)
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed = append(c.unsubscribed, topics...)
	return newToken(nil)
}

func (c *fakeClient) AddRoute(string, mqtt.MessageHandler) {}

func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

func (c *fakeClient) deliver(topic, payload string) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	handler(c, fakeMessage{topic: topic, payload: []byte(payload)})
}

type fakeIngester struct {
	mu       sync.Mutex
	topics   []string
	payloads []string
	err      error
}

func (f *fakeIngester) IngestBusMessage(ctx context.Context, topic string, payload []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, string(payload))
	return 1, f.err
}

type fakeMetrics struct {
	mu        sync.Mutex
	connected bool
	messages  int
	bytes     int
	errors    map[string]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{errors: map[string]int{}}
}

func (m *fakeMetrics) UpdateConnectionStatus(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = connected
}

func (m *fakeMetrics) RecordMessage(size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages++
	m.bytes += size
}

func (m *fakeMetrics) IncrementErrors(stage string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[stage]++
}

func (m *fakeMetrics) IncrementReconnectAttempts() {}

func quiet() logger.Logger {
	return logger.NewSlogLogger(io.Discard, logger.LogLevelError, nil)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Broker = "tcp://127.0.0.1:1883"
	cfg.Topic = "drones/telemetry"
	cfg.ClientID = "skywatch-test"
	cfg.QoS = 1
	return cfg
}

func newTestSubscriber(cfg Config, client *fakeClient, ingester Ingester, m *fakeMetrics) *Subscriber {
	return NewSubscriber(cfg, ingester,
		WithMetrics(m),
		WithLogger(quiet()),
		WithClientFactory(func(opts *mqtt.ClientOptions) mqtt.Client {
			client.opts = opts
			return client
		}))
}

func TestStartDisabledWithoutBrokerOrTopic(t *testing.T) {
	t.Parallel()

	for _, cfg := range []Config{
		{Topic: "t"},
		{Broker: "tcp://127.0.0.1:1883"},
	} {
		created := false
		sub := NewSubscriber(cfg, &fakeIngester{}, WithLogger(quiet()),
			WithClientFactory(func(*mqtt.ClientOptions) mqtt.Client {
				created = true
				return &fakeClient{}
			}))

		require.NoError(t, sub.Start(context.Background()))
		assert.False(t, created)
		assert.False(t, sub.IsConnected())
		sub.Stop()
	}
}

func TestSubscribesOnConnectAndForwardsMessages(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	ingester := &fakeIngester{}
	m := newFakeMetrics()
	sub := newTestSubscriber(testConfig(), client, ingester, m)

	require.NoError(t, sub.Start(context.Background()))
	assert.True(t, sub.IsConnected())

	assert.Equal(t, "skywatch-test", client.opts.ClientID)
	assert.True(t, client.opts.AutoReconnect)
	assert.True(t, client.opts.CleanSession)
	assert.True(t, client.opts.Order)

	assert.Equal(t, "drones/telemetry", client.subscribed)
	assert.Equal(t, byte(1), client.qos)

	client.deliver("drones/telemetry", `{"droneId":"D1","lat":1,"long":2}`)
	client.deliver("drones/telemetry", `not json`)

	ingester.mu.Lock()
	assert.Equal(t, []string{`{"droneId":"D1","lat":1,"long":2}`, `not json`}, ingester.payloads)
	ingester.mu.Unlock()

	m.mu.Lock()
	assert.True(t, m.connected)
	assert.Equal(t, 2, m.messages)
	assert.Equal(t, len(`{"droneId":"D1","lat":1,"long":2}`)+len(`not json`), m.bytes)
	m.mu.Unlock()

	sub.Stop()
	assert.Equal(t, []string{"drones/telemetry"}, client.unsubscribed)
	assert.True(t, client.disconnected)
	assert.False(t, sub.IsConnected())

	m.mu.Lock()
	assert.False(t, m.connected)
	m.mu.Unlock()
}

func TestIngestErrorsAreCounted(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	m := newFakeMetrics()
	sub := newTestSubscriber(testConfig(), client, &fakeIngester{err: assert.AnError}, m)
	require.NoError(t, sub.Start(context.Background()))
	defer sub.Stop()

	client.deliver("drones/telemetry", `{}`)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, 1, m.errors[StageIngest])
}

func TestMessagesAfterStopSeeCancelledContext(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	ingester := &fakeIngester{}
	sub := newTestSubscriber(testConfig(), client, ingester, newFakeMetrics())
	require.NoError(t, sub.Start(context.Background()))
	sub.Stop()

	client.deliver("drones/telemetry", `{}`)

	ingester.mu.Lock()
	defer ingester.mu.Unlock()
	assert.Empty(t, ingester.payloads)
}

func TestStartSurvivesCallerCancellation(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	ingester := &fakeIngester{}
	sub := newTestSubscriber(testConfig(), client, ingester, newFakeMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, sub.Start(ctx))
	cancel()
	defer sub.Stop()

	client.deliver("drones/telemetry", `{}`)

	ingester.mu.Lock()
	defer ingester.mu.Unlock()
	assert.Len(t, ingester.payloads, 1)
}

func TestStartConnectError(t *testing.T) {
	t.Parallel()

	client := &fakeClient{connectErr: assert.AnError}
	m := newFakeMetrics()
	sub := newTestSubscriber(testConfig(), client, &fakeIngester{}, m)

	err := sub.Start(context.Background())
	require.ErrorIs(t, err, assert.AnError)

	var enhanced *errors.EnhancedError
	require.True(t, errors.As(err, &enhanced))
	assert.Equal(t, errors.CategoryMQTTConnection, enhanced.Category)
	assert.False(t, sub.IsConnected())

	m.mu.Lock()
	assert.Equal(t, 1, m.errors[StageConnect])
	m.mu.Unlock()

	// a failed start can be retried
	client.connectErr = nil
	require.NoError(t, sub.Start(context.Background()))
	sub.Stop()
}

func TestStartTimeoutKeepsRetrying(t *testing.T) {
	t.Parallel()

	client := &fakeClient{connectHang: true}
	sub := newTestSubscriber(testConfig(), client, &fakeIngester{}, newFakeMetrics())

	require.NoError(t, sub.Start(context.Background()))
	assert.False(t, sub.IsConnected())

	err := sub.Start(context.Background())
	require.Error(t, err, "second start while the first client is retrying")

	sub.Stop()
	assert.True(t, client.disconnected)
	assert.Empty(t, client.unsubscribed)
}

func TestSubscribeFailureIsCounted(t *testing.T) {
	t.Parallel()

	client := &fakeClient{subscribeErr: assert.AnError}
	m := newFakeMetrics()
	sub := newTestSubscriber(testConfig(), client, &fakeIngester{}, m)

	require.NoError(t, sub.Start(context.Background()))
	defer sub.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, 1, m.errors[StageSubscribe])
}

func TestResolveBroker(t *testing.T) {
	t.Parallel()

	require.NoError(t, resolveBroker(context.Background(), "tcp://127.0.0.1:1883"))
	require.NoError(t, resolveBroker(context.Background(), "tcp://[::1]:1883"))

	err := resolveBroker(context.Background(), "tcp://bad host:1883")
	require.Error(t, err)
	var enhanced *errors.EnhancedError
	require.True(t, errors.As(err, &enhanced))
	assert.Equal(t, errors.CategoryConfiguration, enhanced.Category)
}

func TestConfigFromSettings(t *testing.T) {
	t.Parallel()

	cfg := ConfigFromSettings(&conf.MQTTSettings{
		Broker: "tcp://broker:1883",
		Topic:  "t",
		QoS:    5,
	})
	assert.True(t, strings.HasPrefix(cfg.ClientID, "skywatch-"))
	assert.Equal(t, byte(0), cfg.QoS)
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, time.Minute, cfg.MaxReconnectDelay)
	assert.True(t, cfg.Configured())

	cfg = ConfigFromSettings(&conf.MQTTSettings{
		ClientID:       "fixed",
		QoS:            2,
		ConnectTimeout: 5 * time.Second,
		ReconnectDelay: 10 * time.Second,
	})
	assert.Equal(t, "fixed", cfg.ClientID)
	assert.Equal(t, byte(2), cfg.QoS)
	assert.Equal(t, 5*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 10*time.Second, cfg.MaxReconnectDelay)
	assert.False(t, cfg.Configured())
}
