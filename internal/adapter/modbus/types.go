// Package modbus provides the device transport layer: per-device connections
// backed by goburrow/modbus, pooled by device key with lazy (re)connect.
package modbus

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Transport is the black-box device driver: one method per wire function
// code, as exposed by goburrow/modbus. Tests substitute a fake device here;
// the wire encoding itself is owned by the driver.
type Transport interface {
	ReadCoils(address, quantity uint16) ([]byte, error)
	ReadDiscreteInputs(address, quantity uint16) ([]byte, error)
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	WriteSingleCoil(address, value uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
	WriteMultipleCoils(address, quantity uint16, value []byte) ([]byte, error)
	WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error)
}

// Dialer opens a transport for a device. The returned closer tears down the
// underlying handler.
type Dialer func(ctx context.Context, cfg DeviceConfig) (Transport, io.Closer, error)

// Protocol selects the transport variant for a device.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolRTU Protocol = "rtu"
)

// DeviceConfig holds the connection parameters for a single device.
type DeviceConfig struct {
	// Name is an optional human-readable identifier from the registry.
	Name string `yaml:"name"`

	// Protocol is "tcp" or "rtu".
	Protocol Protocol `yaml:"protocol"`

	// Host and Port address a TCP device.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// SerialPort and line parameters address an RTU device.
	SerialPort string `yaml:"serial_port"`
	BaudRate   int    `yaml:"baud_rate"`
	DataBits   int    `yaml:"data_bits"`
	Parity     string `yaml:"parity"`
	StopBits   int    `yaml:"stop_bits"`

	// UnitID is the Modbus slave/unit ID (1-247).
	UnitID byte `yaml:"unit_id"`

	// Timeout is the connection and response timeout.
	Timeout time.Duration `yaml:"timeout"`
}

// Key returns the device key this config is pooled under: "host:port" for
// TCP, the serial descriptor for RTU.
func (c DeviceConfig) Key() string {
	if c.Protocol == ProtocolRTU || (c.Host == "" && c.SerialPort != "") {
		return c.SerialPort
	}
	port := c.Port
	if port == 0 {
		port = 502
	}
	return fmt.Sprintf("%s:%d", c.Host, port)
}

// withDefaults fills in unset fields.
func (c DeviceConfig) withDefaults() DeviceConfig {
	if c.Protocol == "" {
		if c.SerialPort != "" {
			c.Protocol = ProtocolRTU
		} else {
			c.Protocol = ProtocolTCP
		}
	}
	if c.Port == 0 {
		c.Port = 502
	}
	if c.UnitID == 0 {
		c.UnitID = 1
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Protocol == ProtocolRTU {
		if c.BaudRate == 0 {
			c.BaudRate = 19200
		}
		if c.DataBits == 0 {
			c.DataBits = 8
		}
		if c.Parity == "" {
			c.Parity = "E"
		}
		if c.StopBits == 0 {
			c.StopBits = 1
		}
	}
	return c
}

// PoolConfig holds configuration for the connection pool.
type PoolConfig struct {
	// ConnectionTimeout is the timeout for establishing new connections.
	ConnectionTimeout time.Duration

	// BreakerEnabled wires a per-device circuit breaker around exchanges.
	BreakerEnabled bool
}

// DefaultPoolConfig returns a PoolConfig with sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		ConnectionTimeout: 10 * time.Second,
		BreakerEnabled:    true,
	}
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Connections int    `json:"connections"`
	Dials       uint64 `json:"dials"`
	Recreates   uint64 `json:"recreates"`
}
