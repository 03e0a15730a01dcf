package modbus_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/modbus-engine/internal/adapter/modbus"
	"github.com/nexus-edge/modbus-engine/internal/domain"
)

// fakeTransport is a scriptable device. Each method delegates to the
// matching Func field when set and fails the test otherwise.
type fakeTransport struct {
	ReadCoilsFunc              func(address, quantity uint16) ([]byte, error)
	ReadDiscreteInputsFunc     func(address, quantity uint16) ([]byte, error)
	ReadHoldingRegistersFunc   func(address, quantity uint16) ([]byte, error)
	ReadInputRegistersFunc     func(address, quantity uint16) ([]byte, error)
	WriteSingleCoilFunc        func(address, value uint16) ([]byte, error)
	WriteSingleRegisterFunc    func(address, value uint16) ([]byte, error)
	WriteMultipleCoilsFunc     func(address, quantity uint16, value []byte) ([]byte, error)
	WriteMultipleRegistersFunc func(address, quantity uint16, value []byte) ([]byte, error)
}

func (f *fakeTransport) ReadCoils(address, quantity uint16) ([]byte, error) {
	if f.ReadCoilsFunc != nil {
		return f.ReadCoilsFunc(address, quantity)
	}
	return nil, errors.New("unexpected ReadCoils call")
}

func (f *fakeTransport) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	if f.ReadDiscreteInputsFunc != nil {
		return f.ReadDiscreteInputsFunc(address, quantity)
	}
	return nil, errors.New("unexpected ReadDiscreteInputs call")
}

func (f *fakeTransport) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	if f.ReadHoldingRegistersFunc != nil {
		return f.ReadHoldingRegistersFunc(address, quantity)
	}
	return nil, errors.New("unexpected ReadHoldingRegisters call")
}

func (f *fakeTransport) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	if f.ReadInputRegistersFunc != nil {
		return f.ReadInputRegistersFunc(address, quantity)
	}
	return nil, errors.New("unexpected ReadInputRegisters call")
}

func (f *fakeTransport) WriteSingleCoil(address, value uint16) ([]byte, error) {
	if f.WriteSingleCoilFunc != nil {
		return f.WriteSingleCoilFunc(address, value)
	}
	return nil, errors.New("unexpected WriteSingleCoil call")
}

func (f *fakeTransport) WriteSingleRegister(address, value uint16) ([]byte, error) {
	if f.WriteSingleRegisterFunc != nil {
		return f.WriteSingleRegisterFunc(address, value)
	}
	return nil, errors.New("unexpected WriteSingleRegister call")
}

func (f *fakeTransport) WriteMultipleCoils(address, quantity uint16, value []byte) ([]byte, error) {
	if f.WriteMultipleCoilsFunc != nil {
		return f.WriteMultipleCoilsFunc(address, quantity, value)
	}
	return nil, errors.New("unexpected WriteMultipleCoils call")
}

func (f *fakeTransport) WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error) {
	if f.WriteMultipleRegistersFunc != nil {
		return f.WriteMultipleRegistersFunc(address, quantity, value)
	}
	return nil, errors.New("unexpected WriteMultipleRegisters call")
}

// fakeCloser counts Close calls.
type fakeCloser struct {
	closed int
	err    error
}

func (f *fakeCloser) Close() error {
	f.closed++
	return f.err
}

// fakeDialer hands out fresh fakeTransport instances and records every dial.
type fakeDialer struct {
	dials   []string
	err     error
	closers []*fakeCloser
}

func (f *fakeDialer) dial(ctx context.Context, cfg modbus.DeviceConfig) (modbus.Transport, io.Closer, error) {
	f.dials = append(f.dials, cfg.Key())
	if f.err != nil {
		return nil, nil, f.err
	}
	closer := &fakeCloser{}
	f.closers = append(f.closers, closer)
	return &fakeTransport{}, closer, nil
}

func newTestPool(t *testing.T, dialer *fakeDialer) *modbus.Pool {
	t.Helper()
	cfg := modbus.DefaultPoolConfig()
	cfg.BreakerEnabled = false
	pool := modbus.NewPool(cfg, nil, zerolog.Nop(), nil)
	pool.SetDialer(dialer.dial)
	return pool
}

func TestPool_GetOrCreate_ReusesConnection(t *testing.T) {
	dialer := &fakeDialer{}
	pool := newTestPool(t, dialer)
	defer pool.CloseAll()

	first, err := pool.GetOrCreate(context.Background(), "10.0.0.1:502")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := pool.GetOrCreate(context.Background(), "10.0.0.1:502")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if first != second {
		t.Error("expected the same pooled connection on the second call")
	}
	if len(dialer.dials) != 1 {
		t.Errorf("expected 1 dial, got %d", len(dialer.dials))
	}
}

func TestPool_GetOrCreate_DistinctKeysDistinctConnections(t *testing.T) {
	dialer := &fakeDialer{}
	pool := newTestPool(t, dialer)
	defer pool.CloseAll()

	a, err := pool.GetOrCreate(context.Background(), "10.0.0.1:502")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := pool.GetOrCreate(context.Background(), "10.0.0.2:502")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if a == b {
		t.Error("expected distinct connections for distinct keys")
	}
	if got := pool.Stats().Connections; got != 2 {
		t.Errorf("expected 2 pooled connections, got %d", got)
	}
}

func TestPool_GetOrCreate_DialFailureLeavesNoEntry(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("connection refused")}
	pool := newTestPool(t, dialer)
	defer pool.CloseAll()

	_, err := pool.GetOrCreate(context.Background(), "10.0.0.1:502")
	if !errors.Is(err, domain.ErrConnectionFailed) {
		t.Fatalf("expected ErrConnectionFailed, got %v", err)
	}
	if got := pool.Stats().Connections; got != 0 {
		t.Errorf("expected empty pool after dial failure, got %d connections", got)
	}

	// A later call must retry the dial rather than return a cached failure.
	dialer.err = nil
	if _, err := pool.GetOrCreate(context.Background(), "10.0.0.1:502"); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if len(dialer.dials) != 2 {
		t.Errorf("expected 2 dials, got %d", len(dialer.dials))
	}
}

func TestPool_GetOrCreate_UnparsableKey(t *testing.T) {
	dialer := &fakeDialer{}
	pool := newTestPool(t, dialer)
	defer pool.CloseAll()

	for _, key := range []string{"", "no-port", ":502", "host:notaport"} {
		if _, err := pool.GetOrCreate(context.Background(), key); !errors.Is(err, domain.ErrDeviceNotFound) {
			t.Errorf("key %q: expected ErrDeviceNotFound, got %v", key, err)
		}
	}
	if len(dialer.dials) != 0 {
		t.Errorf("expected no dials for unparsable keys, got %d", len(dialer.dials))
	}
}

func TestPool_GetOrCreate_RegisteredDevice(t *testing.T) {
	dialer := &fakeDialer{}
	cfg := modbus.DefaultPoolConfig()
	cfg.BreakerEnabled = false
	pool := modbus.NewPool(cfg, []modbus.DeviceConfig{
		{Name: "plc-1", Protocol: modbus.ProtocolRTU, SerialPort: "/dev/ttyUSB0"},
	}, zerolog.Nop(), nil)
	pool.SetDialer(dialer.dial)
	defer pool.CloseAll()

	conn, err := pool.GetOrCreate(context.Background(), "/dev/ttyUSB0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := conn.Config().Protocol; got != modbus.ProtocolRTU {
		t.Errorf("expected RTU device config, got %q", got)
	}
	if got := conn.Config().BaudRate; got != 19200 {
		t.Errorf("expected default baud rate 19200, got %d", got)
	}
}

func TestPool_Recreate_ReplacesConnection(t *testing.T) {
	dialer := &fakeDialer{}
	pool := newTestPool(t, dialer)
	defer pool.CloseAll()

	old, err := pool.GetOrCreate(context.Background(), "10.0.0.1:502")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fresh, err := pool.Recreate(context.Background(), "10.0.0.1:502")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if old == fresh {
		t.Error("expected Recreate to return a new connection instance")
	}
	if dialer.closers[0].closed != 1 {
		t.Errorf("expected old handle closed once, got %d", dialer.closers[0].closed)
	}
	if got := pool.Stats(); got.Connections != 1 || got.Recreates != 1 {
		t.Errorf("unexpected stats after recreate: %+v", got)
	}
}

func TestPool_Recreate_CloseFailureIsNotFatal(t *testing.T) {
	dialer := &fakeDialer{}
	pool := newTestPool(t, dialer)
	defer pool.CloseAll()

	if _, err := pool.GetOrCreate(context.Background(), "10.0.0.1:502"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dialer.closers[0].err = errors.New("already disconnected")

	if _, err := pool.Recreate(context.Background(), "10.0.0.1:502"); err != nil {
		t.Fatalf("expected recreate to succeed despite close failure, got %v", err)
	}
}

func TestPool_CloseAll(t *testing.T) {
	dialer := &fakeDialer{}
	pool := newTestPool(t, dialer)

	if _, err := pool.GetOrCreate(context.Background(), "10.0.0.1:502"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := pool.GetOrCreate(context.Background(), "10.0.0.2:502"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pool.CloseAll()

	for i, closer := range dialer.closers {
		if closer.closed != 1 {
			t.Errorf("connection %d: expected 1 close, got %d", i, closer.closed)
		}
	}
	if _, err := pool.GetOrCreate(context.Background(), "10.0.0.1:502"); !errors.Is(err, domain.ErrPoolClosed) {
		t.Errorf("expected ErrPoolClosed after CloseAll, got %v", err)
	}
	if err := pool.HealthCheck(context.Background()); !errors.Is(err, domain.ErrPoolClosed) {
		t.Errorf("expected health check failure after CloseAll, got %v", err)
	}

	// Closing twice is a no-op.
	pool.CloseAll()
}

func TestDeviceConfig_Key(t *testing.T) {
	tests := []struct {
		name string
		cfg  modbus.DeviceConfig
		want string
	}{
		{"tcp explicit port", modbus.DeviceConfig{Host: "10.0.0.1", Port: 1502}, "10.0.0.1:1502"},
		{"tcp default port", modbus.DeviceConfig{Host: "plc.local"}, "plc.local:502"},
		{"rtu serial", modbus.DeviceConfig{Protocol: modbus.ProtocolRTU, SerialPort: "/dev/ttyS1"}, "/dev/ttyS1"},
		{"serial inferred", modbus.DeviceConfig{SerialPort: "/dev/ttyUSB0"}, "/dev/ttyUSB0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Key(); got != tt.want {
				t.Errorf("Key() = %q, want %q", got, tt.want)
			}
		})
	}
}
