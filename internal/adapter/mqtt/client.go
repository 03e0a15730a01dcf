// Package mqtt connects the engine to its broker: results go out on the
// results topic, request batches come in on the requests topic.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/nexus-edge/modbus-engine/internal/domain"
)

// Config holds broker connection and topic configuration.
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	CleanSession   bool
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	ReconnectDelay time.Duration
	TLSEnabled     bool
	TLSCertFile    string
	TLSKeyFile     string
	TLSCAFile      string

	// ResultTopic receives one JSON message per emitted result.
	ResultTopic string

	// RequestTopic is subscribed for input batches.
	RequestTopic string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BrokerURL:      "tcp://localhost:1883",
		ClientID:       "modbus-engine",
		CleanSession:   true,
		QoS:            1,
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		PublishTimeout: 5 * time.Second,
		ReconnectDelay: 5 * time.Second,
		ResultTopic:    "modbus/results",
		RequestTopic:   "modbus/requests",
	}
}

// ClientStats is a snapshot of broker traffic counters.
type ClientStats struct {
	ResultsPublished uint64 `json:"results_published"`
	PublishFailures  uint64 `json:"publish_failures"`
	BytesSent        uint64 `json:"bytes_sent"`
	Reconnects       uint64 `json:"reconnects"`
}

// Client owns the broker connection. It is both the engine's output sink
// and, via Subscribe, its input side.
type Client struct {
	config    Config
	client    pahomqtt.Client
	logger    zerolog.Logger
	connected atomic.Bool

	published uint64
	failed    uint64
	bytes     uint64
	reconn    uint64
}

// NewClient creates a broker client. Connect must be called before use.
func NewClient(config Config, logger zerolog.Logger) *Client {
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.PublishTimeout == 0 {
		config.PublishTimeout = 5 * time.Second
	}
	if config.KeepAlive == 0 {
		config.KeepAlive = 30 * time.Second
	}
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = 5 * time.Second
	}

	return &Client{
		config: config,
		logger: logger.With().Str("component", "mqtt").Logger(),
	}
}

// Connect establishes the broker connection.
func (c *Client) Connect(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(c.config.BrokerURL)
	opts.SetClientID(c.config.ClientID)
	opts.SetCleanSession(c.config.CleanSession)
	opts.SetKeepAlive(c.config.KeepAlive)
	opts.SetConnectTimeout(c.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(c.config.ReconnectDelay)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	if c.config.TLSEnabled {
		tlsConfig, err := c.createTLSConfig()
		if err != nil {
			return fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		c.connected.Store(true)
		c.logger.Info().Msg("MQTT connection established")
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.connected.Store(false)
		c.logger.Warn().Err(err).Msg("MQTT connection lost")
	})
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		atomic.AddUint64(&c.reconn, 1)
		c.logger.Info().Msg("Attempting to reconnect to MQTT broker")
	})

	c.client = pahomqtt.NewClient(opts)

	c.logger.Info().Str("broker", c.config.BrokerURL).Msg("Connecting to MQTT broker")
	token := c.client.Connect()

	done := make(chan bool, 1)
	go func() { done <- token.WaitTimeout(c.config.ConnectTimeout) }()

	select {
	case ok := <-done:
		if !ok {
			return fmt.Errorf("%w: connection timeout", domain.ErrBrokerConnectionFailed)
		}
		if token.Error() != nil {
			return fmt.Errorf("%w: %v", domain.ErrBrokerConnectionFailed, token.Error())
		}
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrBrokerConnectionFailed, ctx.Err())
	}

	c.connected.Store(true)
	return nil
}

// Disconnect gracefully closes the broker connection.
func (c *Client) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(1000)
	}
	c.connected.Store(false)
	c.logger.Info().Msg("Disconnected from MQTT broker")
}

// Notify publishes every result as one JSON message on the results topic.
// It implements the engine's sink interface.
func (c *Client) Notify(ctx context.Context, results []*domain.Result) error {
	var lastErr error
	for _, result := range results {
		payload, err := result.ToJSON()
		if err != nil {
			lastErr = fmt.Errorf("serializing result: %w", err)
			continue
		}
		if err := c.publish(ctx, c.config.ResultTopic, payload); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (c *Client) publish(ctx context.Context, topic string, payload []byte) error {
	if c.client == nil || !c.connected.Load() {
		atomic.AddUint64(&c.failed, 1)
		return domain.ErrBrokerNotConnected
	}

	token := c.client.Publish(topic, c.config.QoS, false, payload)

	done := make(chan bool, 1)
	go func() { done <- token.WaitTimeout(c.config.PublishTimeout) }()

	select {
	case ok := <-done:
		if !ok {
			atomic.AddUint64(&c.failed, 1)
			return fmt.Errorf("%w: publish timeout", domain.ErrPublishFailed)
		}
		if token.Error() != nil {
			atomic.AddUint64(&c.failed, 1)
			return fmt.Errorf("%w: %v", domain.ErrPublishFailed, token.Error())
		}
	case <-ctx.Done():
		atomic.AddUint64(&c.failed, 1)
		return fmt.Errorf("%w: %v", domain.ErrPublishFailed, ctx.Err())
	}

	atomic.AddUint64(&c.published, 1)
	atomic.AddUint64(&c.bytes, uint64(len(payload)))
	return nil
}

// Subscribe registers a handler on the requests topic. The handler runs on
// the paho callback goroutine; long work must be handed off by the caller.
func (c *Client) Subscribe(handler func(topic string, payload []byte)) error {
	if c.client == nil || !c.connected.Load() {
		return domain.ErrBrokerNotConnected
	}

	token := c.client.Subscribe(c.config.RequestTopic, c.config.QoS, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(c.config.ConnectTimeout) {
		return fmt.Errorf("%w: subscribe timeout", domain.ErrBrokerConnectionFailed)
	}
	if token.Error() != nil {
		return fmt.Errorf("%w: %v", domain.ErrBrokerConnectionFailed, token.Error())
	}

	c.logger.Info().Str("topic", c.config.RequestTopic).Msg("Subscribed to request topic")
	return nil
}

// createTLSConfig creates TLS configuration for secure connections.
func (c *Client) createTLSConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if c.config.TLSCAFile != "" {
		caCert, err := os.ReadFile(c.config.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = caCertPool
	}

	if c.config.TLSCertFile != "" && c.config.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.config.TLSCertFile, c.config.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// IsConnected reports whether the broker connection is up.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Stats returns a snapshot of traffic counters.
func (c *Client) Stats() ClientStats {
	return ClientStats{
		ResultsPublished: atomic.LoadUint64(&c.published),
		PublishFailures:  atomic.LoadUint64(&c.failed),
		BytesSent:        atomic.LoadUint64(&c.bytes),
		Reconnects:       atomic.LoadUint64(&c.reconn),
	}
}

// HealthCheck implements the health.Checker interface.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.connected.Load() {
		return domain.ErrBrokerNotConnected
	}
	return nil
}
