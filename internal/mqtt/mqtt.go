// mqtt.go: Package mqtt subscribes to the telemetry bus and feeds every
// message into the ingestion pipeline.
package mqtt

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tphakala/skywatch/internal/conf"
)

// Ingester consumes raw bus messages. *ingest.Service satisfies it.
type Ingester interface {
	IngestBusMessage(ctx context.Context, topic string, payload []byte) (int, error)
}

// Metrics receives subscriber events. *metrics.MQTTMetrics satisfies it.
type Metrics interface {
	UpdateConnectionStatus(connected bool)
	RecordMessage(sizeBytes int)
	IncrementErrors(stage string)
	IncrementReconnectAttempts()
}

// Error stages reported through Metrics.
const (
	StageConnect   = "connect"
	StageSubscribe = "subscribe"
	StageIngest    = "ingest"
)

// Config holds the configuration for the bus subscriber.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
	// Connection timeouts
	ConnectTimeout     time.Duration
	SubscribeTimeout   time.Duration
	DisconnectTimeout  time.Duration
	MaxReconnectDelay  time.Duration
	MessageHandlerTime time.Duration // upper bound for one ingest call
}

// DefaultConfig returns a Config with reasonable default values
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:     30 * time.Second,
		SubscribeTimeout:   10 * time.Second,
		DisconnectTimeout:  250 * time.Millisecond,
		MaxReconnectDelay:  time.Minute,
		MessageHandlerTime: 30 * time.Second,
	}
}

// ConfigFromSettings builds a Config from the loaded settings. An empty
// client id becomes skywatch-<uuid> so parallel instances do not evict each
// other at the broker.
func ConfigFromSettings(s *conf.MQTTSettings) Config {
	cfg := DefaultConfig()
	cfg.Broker = s.Broker
	cfg.Topic = s.Topic
	cfg.Username = s.Username
	cfg.Password = s.Password
	cfg.ClientID = s.ClientID
	if cfg.ClientID == "" {
		cfg.ClientID = "skywatch-" + uuid.NewString()
	}
	if s.QoS > 0 && s.QoS <= 2 {
		cfg.QoS = byte(s.QoS)
	}
	if s.ConnectTimeout > 0 {
		cfg.ConnectTimeout = s.ConnectTimeout
	}
	if s.ReconnectDelay > 0 {
		cfg.MaxReconnectDelay = s.ReconnectDelay
	}
	return cfg
}

// Configured reports whether both a broker and a topic are set.
func (c Config) Configured() bool {
	return c.Broker != "" && c.Topic != ""
}
