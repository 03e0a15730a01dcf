package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	gomodbus "github.com/goburrow/modbus"
	"github.com/rs/zerolog"

	"github.com/nexus-edge/modbus-engine/internal/domain"
	"github.com/nexus-edge/modbus-engine/internal/metrics"
)

// PoolExecutor performs one wire exchange per call against pooled device
// connections. A device exception reply is a successful exchange from the
// transport's point of view and comes back as a Response with the code set;
// only transport-level failures return an error.
type PoolExecutor struct {
	pool    *Pool
	logger  zerolog.Logger
	metrics *metrics.Registry
}

// NewPoolExecutor creates an executor over a connection pool.
func NewPoolExecutor(pool *Pool, logger zerolog.Logger, metricsReg *metrics.Registry) *PoolExecutor {
	return &PoolExecutor{
		pool:    pool,
		logger:  logger.With().Str("component", "modbus-executor").Logger(),
		metrics: metricsReg,
	}
}

// Execute runs a single attempt of the operation. No retry happens at this
// level; the retry controller above decides whether to call again.
func (e *PoolExecutor) Execute(ctx context.Context, spec domain.OperationSpec, params *domain.RequestParams) (*domain.Response, error) {
	conn, err := e.pool.GetOrCreate(ctx, params.DeviceKey)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	payload, err := conn.Do(func(t Transport) ([]byte, error) {
		return dispatch(t, spec, params)
	})
	if e.metrics != nil {
		e.metrics.RecordAttempt(string(spec.Name), time.Since(start).Seconds())
	}

	if err != nil {
		var mbErr *gomodbus.ModbusError
		if errors.As(err, &mbErr) {
			// The device answered; it just refused the request.
			e.logger.Debug().
				Str("operation", string(spec.Name)).
				Uint8("exception_code", mbErr.ExceptionCode).
				Msg("Device returned protocol exception")
			if e.metrics != nil {
				e.metrics.RecordException(fmt.Sprintf("%d", mbErr.ExceptionCode))
			}
			return &domain.Response{ExceptionCode: mbErr.ExceptionCode}, nil
		}
		if errors.Is(err, domain.ErrCircuitBreakerOpen) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s on %s: %v", domain.ErrExchangeFailed, spec.Name, params.DeviceKey, err)
	}

	return &domain.Response{Payload: payload}, nil
}

// Recreate discards and re-establishes the connection for a device key.
// Called by the retry controller between a failed attempt and the next one.
func (e *PoolExecutor) Recreate(ctx context.Context, key string) error {
	e.logger.Debug().Str("device_key", key).Msg("Recreating connection before re-attempt")
	if e.metrics != nil {
		e.metrics.RecordReconnect()
	}
	_, err := e.pool.Recreate(ctx, key)
	return err
}

// dispatch maps a validated parameter set onto the driver call for the
// operation's function code.
func dispatch(t Transport, spec domain.OperationSpec, params *domain.RequestParams) ([]byte, error) {
	switch spec.Name {
	case domain.OpReadCoils:
		return t.ReadCoils(params.Address, *params.Count)
	case domain.OpReadDiscreteInputs:
		return t.ReadDiscreteInputs(params.Address, *params.Count)
	case domain.OpReadHoldingRegisters:
		return t.ReadHoldingRegisters(params.Address, *params.Count)
	case domain.OpReadInputRegisters:
		return t.ReadInputRegisters(params.Address, *params.Count)
	case domain.OpWriteSingleCoil:
		v, ok := params.Value.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: want bool, got %T", domain.ErrInvalidValue, params.Value)
		}
		return t.WriteSingleCoil(params.Address, coilValue(v))
	case domain.OpWriteSingleRegister:
		v, ok := params.Value.(uint16)
		if !ok {
			return nil, fmt.Errorf("%w: want uint16, got %T", domain.ErrInvalidValue, params.Value)
		}
		return t.WriteSingleRegister(params.Address, v)
	case domain.OpWriteMultipleCoils:
		v, ok := params.Value.([]bool)
		if !ok {
			return nil, fmt.Errorf("%w: want []bool, got %T", domain.ErrInvalidValue, params.Value)
		}
		return t.WriteMultipleCoils(params.Address, uint16(len(v)), packCoils(v))
	case domain.OpWriteMultipleRegisters:
		v, ok := params.Value.([]uint16)
		if !ok {
			return nil, fmt.Errorf("%w: want []uint16, got %T", domain.ErrInvalidValue, params.Value)
		}
		return t.WriteMultipleRegisters(params.Address, uint16(len(v)), packRegisters(v))
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownOperation, spec.Name)
	}
}

// coilValue encodes a bool as the wire value for function code 5.
func coilValue(on bool) uint16 {
	if on {
		return 0xFF00
	}
	return 0x0000
}

// packCoils packs coil states LSB-first into the byte layout function
// code 15 expects.
func packCoils(coils []bool) []byte {
	packed := make([]byte, (len(coils)+7)/8)
	for i, on := range coils {
		if on {
			packed[i/8] |= 1 << (uint(i) % 8)
		}
	}
	return packed
}

// packRegisters encodes register values big-endian, two bytes each.
func packRegisters(regs []uint16) []byte {
	packed := make([]byte, 2*len(regs))
	for i, v := range regs {
		binary.BigEndian.PutUint16(packed[2*i:], v)
	}
	return packed
}
