// client.go: paho based subscriber for the telemetry bus.
package mqtt

import (
	"context"
	"net"
	"net/url"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/tphakala/skywatch/internal/errors"
	"github.com/tphakala/skywatch/internal/logger"
)

// Subscriber keeps one subscription to the configured topic alive and hands
// every message to the Ingester. Messages are handled in arrival order.
type Subscriber struct {
	config    Config
	ingester  Ingester
	metrics   Metrics
	log       logger.Logger
	newClient func(*mqtt.ClientOptions) mqtt.Client
	resolve   func(ctx context.Context, broker string) error

	mu     sync.Mutex
	client mqtt.Client
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Subscriber.
type Option func(*Subscriber)

// WithMetrics attaches subscriber metrics.
func WithMetrics(m Metrics) Option {
	return func(s *Subscriber) { s.metrics = m }
}

// WithLogger sets the subscriber logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Subscriber) { s.log = l }
}

// WithClientFactory replaces the paho client constructor.
func WithClientFactory(f func(*mqtt.ClientOptions) mqtt.Client) Option {
	return func(s *Subscriber) { s.newClient = f }
}

// NewSubscriber creates a subscriber. Nothing connects until Start.
func NewSubscriber(cfg Config, ingester Ingester, opts ...Option) *Subscriber {
	s := &Subscriber{
		config:    cfg,
		ingester:  ingester,
		newClient: mqtt.NewClient,
		resolve:   resolveBroker,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = noopMetrics{}
	}
	if s.log == nil {
		s.log = logger.Global().Module("mqtt")
	}
	return s
}

// Start connects to the broker and subscribes on every (re)connect. A
// missing broker or topic disables the subscriber with a warning. A broker
// that does not answer within the connect timeout is retried in the
// background; only configuration errors are returned.
func (s *Subscriber) Start(ctx context.Context) error {
	if !s.config.Configured() {
		s.log.Warn("telemetry bus disabled, broker or topic not set",
			logger.String("broker", s.config.Broker),
			logger.String("topic", s.config.Topic))
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return errors.Newf("subscriber already started").
			Component("mqtt").
			Category(errors.CategoryMQTTConnection).
			Build()
	}

	if err := s.resolve(ctx, s.config.Broker); err != nil {
		s.metrics.IncrementErrors(StageConnect)
		return err
	}

	// handlers outlive the Start call
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.config.Broker)
	opts.SetClientID(s.config.ClientID)
	opts.SetUsername(s.config.Username)
	opts.SetPassword(s.config.Password)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(s.config.MaxReconnectDelay)
	opts.SetConnectTimeout(s.config.ConnectTimeout)
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		s.metrics.IncrementReconnectAttempts()
	})

	client := s.newClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(s.config.ConnectTimeout) {
		s.log.Warn("broker not reachable yet, retrying in background",
			logger.String("broker", s.config.Broker),
			logger.Duration("timeout", s.config.ConnectTimeout))
		s.client = client
		return nil
	}
	if err := token.Error(); err != nil {
		s.cancel()
		s.metrics.IncrementErrors(StageConnect)
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryMQTTConnection).
			Context("broker", s.config.Broker).
			Build()
	}

	s.client = client
	return nil
}

// Stop unsubscribes and disconnects. Safe to call when never started.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return
	}

	if s.client.IsConnected() {
		s.client.Unsubscribe(s.config.Topic).WaitTimeout(s.config.SubscribeTimeout)
	}
	s.client.Disconnect(uint(s.config.DisconnectTimeout.Milliseconds()))
	s.cancel()
	s.metrics.UpdateConnectionStatus(false)
	s.client = nil

	s.log.Info("telemetry bus subscriber stopped", logger.String("broker", s.config.Broker))
}

// IsConnected reports whether the broker connection is up.
func (s *Subscriber) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil && s.client.IsConnected()
}

func (s *Subscriber) onConnect(client mqtt.Client) {
	s.metrics.UpdateConnectionStatus(true)
	s.log.Info("connected to broker", logger.String("broker", s.config.Broker))

	token := client.Subscribe(s.config.Topic, s.config.QoS, s.handleMessage)
	if !token.WaitTimeout(s.config.SubscribeTimeout) {
		s.metrics.IncrementErrors(StageSubscribe)
		s.log.Error("subscribe timed out", logger.String("topic", s.config.Topic))
		return
	}
	if err := token.Error(); err != nil {
		s.metrics.IncrementErrors(StageSubscribe)
		enhancedErr := errors.New(err).
			Component("mqtt").
			Category(errors.CategoryMQTTSubscribe).
			Context("topic", s.config.Topic).
			Build()
		s.log.Error("subscribe failed",
			logger.String("topic", s.config.Topic),
			logger.Error(enhancedErr))
		return
	}

	s.log.Info("subscribed to topic",
		logger.String("topic", s.config.Topic),
		logger.Int("qos", int(s.config.QoS)))
}

func (s *Subscriber) onConnectionLost(_ mqtt.Client, err error) {
	s.metrics.UpdateConnectionStatus(false)
	s.metrics.IncrementErrors(StageConnect)
	s.log.Warn("connection to broker lost",
		logger.String("broker", s.config.Broker),
		logger.Error(err))
}

// handleMessage runs on the paho router goroutine
func (s *Subscriber) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()
	s.metrics.RecordMessage(len(payload))

	ctx, cancel := context.WithTimeout(s.ctx, s.config.MessageHandlerTime)
	defer cancel()

	stored, err := s.ingester.IngestBusMessage(ctx, msg.Topic(), payload)
	if err != nil {
		// the ingester has already logged the cause
		s.metrics.IncrementErrors(StageIngest)
		s.log.Debug("bus message not fully ingested",
			logger.String("topic", msg.Topic()),
			logger.Int("stored", stored),
			logger.Error(err))
	}
}

// resolveBroker fails fast on a broker host that does not resolve.
func resolveBroker(ctx context.Context, broker string) error {
	u, err := url.Parse(broker)
	if err != nil {
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryConfiguration).
			Context("operation", "parse-broker-url").
			Build()
	}

	host := u.Hostname()
	if host == "" || net.ParseIP(host) != nil {
		return nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := net.DefaultResolver.LookupHost(lookupCtx, host); err != nil {
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryNetwork).
			Context("operation", "resolve-broker").
			Context("host", host).
			Build()
	}
	return nil
}

type noopMetrics struct{}

func (noopMetrics) UpdateConnectionStatus(bool) {}
func (noopMetrics) RecordMessage(int)           {}
func (noopMetrics) IncrementErrors(string)      {}
func (noopMetrics) IncrementReconnectAttempts() {}
