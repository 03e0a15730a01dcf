package modbus

import (
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/nexus-edge/modbus-engine/internal/domain"
)

// Conn is the live connection to a single device. The pool guarantees at
// most one Conn per device key; the Conn's mutex guarantees at most one
// in-flight wire exchange on it at a time.
type Conn struct {
	key       string
	cfg       DeviceConfig
	transport Transport
	closer    io.Closer
	mu        sync.Mutex
	breaker   *gobreaker.CircuitBreaker
	logger    zerolog.Logger
}

func newConn(key string, cfg DeviceConfig, transport Transport, closer io.Closer, breaker *gobreaker.CircuitBreaker, logger zerolog.Logger) *Conn {
	return &Conn{
		key:       key,
		cfg:       cfg,
		transport: transport,
		closer:    closer,
		breaker:   breaker,
		logger:    logger.With().Str("device_key", key).Logger(),
	}
}

// Key returns the device key this connection is pooled under.
func (c *Conn) Key() string { return c.key }

// Config returns the device configuration the connection was dialed with.
func (c *Conn) Config() DeviceConfig { return c.cfg }

// Do runs one wire exchange on this connection. Exchanges are serialized:
// the goburrow client is not safe for concurrent use and the device expects
// one outstanding request per connection.
func (c *Conn) Do(fn func(Transport) ([]byte, error)) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.breaker == nil {
		return fn(c.transport)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return fn(c.transport)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("%w: %s", domain.ErrCircuitBreakerOpen, c.key)
		}
		return nil, err
	}
	payload, _ := result.([]byte)
	return payload, nil
}

// close tears down the underlying handler. Best-effort: failures are logged
// by the caller, never fatal.
func (c *Conn) close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}
