package modbus

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	gomodbus "github.com/goburrow/modbus"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/nexus-edge/modbus-engine/internal/domain"
	"github.com/nexus-edge/modbus-engine/internal/metrics"
)

// Pool owns one live connection per device key. Connections are created
// lazily on first use and recreated on demand after a failure. The same pool
// instance is shared by all concurrent operations; a single mutex guards the
// key map so no duplicate connection to the same key can ever exist.
type Pool struct {
	config  PoolConfig
	dial    Dialer
	devices map[string]DeviceConfig
	conns   map[string]*Conn
	mu      sync.Mutex
	logger  zerolog.Logger
	metrics *metrics.Registry
	closed  bool

	dials     uint64
	recreates uint64
}

// NewPool creates a connection pool over the given device registry. Devices
// are keyed by DeviceConfig.Key(); keys not present in the registry are
// parsed as "host:port" TCP endpoints so per-input host routing works
// without pre-registration.
func NewPool(config PoolConfig, devices []DeviceConfig, logger zerolog.Logger, metricsReg *metrics.Registry) *Pool {
	if config.ConnectionTimeout == 0 {
		config.ConnectionTimeout = 10 * time.Second
	}

	p := &Pool{
		config:  config,
		dial:    dialDevice,
		devices: make(map[string]DeviceConfig, len(devices)),
		conns:   make(map[string]*Conn),
		logger:  logger.With().Str("component", "modbus-pool").Logger(),
		metrics: metricsReg,
	}
	for _, d := range devices {
		d = d.withDefaults()
		p.devices[d.Key()] = d
	}
	return p
}

// SetDialer replaces the transport dialer. Used by tests to substitute a
// fake device.
func (p *Pool) SetDialer(dial Dialer) { p.dial = dial }

// GetOrCreate returns the existing connection for a device key, opening one
// if none exists. An establishment failure leaves no entry behind so a later
// call can retry.
func (p *Pool) GetOrCreate(ctx context.Context, key string) (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, domain.ErrPoolClosed
	}
	if conn, ok := p.conns[key]; ok {
		return conn, nil
	}
	return p.connectLocked(ctx, key)
}

// Recreate unconditionally discards and replaces the connection for a key.
// Used by the retry controller before a re-attempt: a stale transport is the
// default assumed cause of failure. The old handle is closed best-effort.
func (p *Pool) Recreate(ctx context.Context, key string) (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, domain.ErrPoolClosed
	}
	if old, ok := p.conns[key]; ok {
		if err := old.close(); err != nil {
			// The driver's disconnect may itself be unreliable.
			p.logger.Warn().Err(err).Str("device_key", key).Msg("Error closing connection before recreate")
		}
		delete(p.conns, key)
	}
	p.recreates++
	return p.connectLocked(ctx, key)
}

// connectLocked dials the device and stores the connection. Caller holds
// p.mu.
func (p *Pool) connectLocked(ctx context.Context, key string) (*Conn, error) {
	cfg, err := p.resolve(key)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.config.ConnectionTimeout)
	defer cancel()

	p.logger.Debug().Str("device_key", key).Msg("Connecting to Modbus device")

	start := time.Now()
	p.dials++
	transport, closer, err := p.dial(dialCtx, cfg)
	if p.metrics != nil {
		p.metrics.RecordConnection(err == nil, time.Since(start).Seconds())
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrConnectionFailed, key, err)
	}

	var breaker *gobreaker.CircuitBreaker
	if p.config.BreakerEnabled {
		breaker = p.newBreaker(key)
	}

	conn := newConn(key, cfg, transport, closer, breaker, p.logger)
	p.conns[key] = conn

	if p.metrics != nil {
		p.metrics.UpdateActiveConnections(len(p.conns))
	}
	p.logger.Info().Str("device_key", key).Int("pool_size", len(p.conns)).Msg("Connected to Modbus device")
	return conn, nil
}

// resolve maps a device key to its configuration. Unregistered "host:port"
// keys become TCP devices with defaults.
func (p *Pool) resolve(key string) (DeviceConfig, error) {
	if cfg, ok := p.devices[key]; ok {
		return cfg, nil
	}

	host, portStr, found := strings.Cut(key, ":")
	if !found || host == "" {
		return DeviceConfig{}, fmt.Errorf("%w: %q", domain.ErrDeviceNotFound, key)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return DeviceConfig{}, fmt.Errorf("%w: %q", domain.ErrDeviceNotFound, key)
	}
	return DeviceConfig{Protocol: ProtocolTCP, Host: host, Port: port}.withDefaults(), nil
}

// newBreaker creates a per-device circuit breaker so one misbehaving device
// cannot affect others.
func (p *Pool) newBreaker(key string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("modbus-%s", key),
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			p.logger.Info().
				Str("device", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Modbus circuit breaker state changed")
		},
	})
}

// CloseAll closes every connection and marks the pool closed. Invoked once
// at engine shutdown; individual close failures are logged, never raised.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	for key, conn := range p.conns {
		if err := conn.close(); err != nil {
			p.logger.Warn().Err(err).Str("device_key", key).Msg("Error closing connection")
		}
	}
	p.conns = make(map[string]*Conn)
	if p.metrics != nil {
		p.metrics.UpdateActiveConnections(0)
	}
	p.logger.Info().Msg("Connection pool closed")
}

// Stats returns pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Connections: len(p.conns),
		Dials:       p.dials,
		Recreates:   p.recreates,
	}
}

// HealthCheck implements the health.Checker interface. The pool is healthy
// while it is operational; individual device failures surface through the
// engine's retry path, not here.
func (p *Pool) HealthCheck(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return domain.ErrPoolClosed
	}
	return nil
}

// dialDevice is the production dialer: it builds a goburrow TCP or RTU
// handler, connects it, and returns the driver client.
func dialDevice(ctx context.Context, cfg DeviceConfig) (Transport, io.Closer, error) {
	type connectCloser interface {
		io.Closer
		Connect() error
	}

	var (
		handler connectCloser
		client  gomodbus.Client
	)

	switch cfg.Protocol {
	case ProtocolRTU:
		h := gomodbus.NewRTUClientHandler(cfg.SerialPort)
		h.BaudRate = cfg.BaudRate
		h.DataBits = cfg.DataBits
		h.Parity = cfg.Parity
		h.StopBits = cfg.StopBits
		h.SlaveId = cfg.UnitID
		h.Timeout = cfg.Timeout
		handler = h
		client = gomodbus.NewClient(h)
	default:
		h := gomodbus.NewTCPClientHandler(cfg.Key())
		h.SlaveId = cfg.UnitID
		h.Timeout = cfg.Timeout
		handler = h
		client = gomodbus.NewClient(h)
	}

	// The driver connect has no context support; bound it ourselves.
	done := make(chan error, 1)
	go func() { done <- handler.Connect() }()

	select {
	case err := <-done:
		if err != nil {
			return nil, nil, err
		}
	case <-ctx.Done():
		go func() {
			if err := <-done; err == nil {
				handler.Close()
			}
		}()
		return nil, nil, ctx.Err()
	}

	return client, handler, nil
}
