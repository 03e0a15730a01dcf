package engine

import (
	"errors"
	"reflect"
	"testing"

	"github.com/nexus-edge/modbus-engine/internal/domain"
)

func testBuilderConfig() BuilderConfig {
	return BuilderConfig{
		AddressExpr:   "{{ $address }}",
		ValueExpr:     "{{ $value }}",
		CountExpr:     "{{ $count }}",
		DeviceKeyExpr: "{{ $host }}",
		UnitID:        1,
	}
}

func TestBuilder_ReadParams(t *testing.T) {
	b := NewBuilder(testBuilderConfig(), nil)
	input := domain.Input{"address": float64(100), "count": float64(8), "host": "10.0.0.1:502"}

	spec, params, err := b.Build(domain.OpReadHoldingRegisters, input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if spec.FunctionCode != 0x03 {
		t.Errorf("function code = 0x%02X, want 0x03", spec.FunctionCode)
	}
	if params.Address != 100 {
		t.Errorf("address = %d, want 100", params.Address)
	}
	if params.Count == nil || *params.Count != 8 {
		t.Errorf("count = %v, want 8", params.Count)
	}
	if params.DeviceKey != "10.0.0.1:502" {
		t.Errorf("device key = %q", params.DeviceKey)
	}
	if params.UnitID != 1 {
		t.Errorf("unit = %d, want 1", params.UnitID)
	}
	if params.Value != nil {
		t.Errorf("reads carry no value, got %v", params.Value)
	}
}

func TestBuilder_DefaultCount(t *testing.T) {
	cfg := testBuilderConfig()
	cfg.CountExpr = ""
	b := NewBuilder(cfg, nil)

	_, params, err := b.Build(domain.OpReadCoils, domain.Input{"address": float64(0), "host": "a:502"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if params.Count == nil || *params.Count != 1 {
		t.Errorf("count = %v, want default 1", params.Count)
	}
}

func TestBuilder_StaticDeviceKeyFallback(t *testing.T) {
	cfg := testBuilderConfig()
	cfg.DeviceKeyExpr = ""
	cfg.DeviceKey = "plc-a"
	b := NewBuilder(cfg, nil)

	_, params, err := b.Build(domain.OpReadCoils, domain.Input{"address": float64(0), "count": float64(1)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if params.DeviceKey != "plc-a" {
		t.Errorf("device key = %q, want the static fallback", params.DeviceKey)
	}

	cfg.DeviceKey = ""
	b = NewBuilder(cfg, nil)
	_, _, err = b.Build(domain.OpReadCoils, domain.Input{"address": float64(0), "count": float64(1)})
	if !errors.Is(err, domain.ErrInvalidDeviceKey) {
		t.Errorf("no routing target error = %v, want ErrInvalidDeviceKey", err)
	}
}

func TestBuilder_UnitIDOverride(t *testing.T) {
	b := NewBuilder(testBuilderConfig(), nil)
	input := domain.Input{"address": float64(0), "count": float64(1), "host": "a:502", "unit_id": float64(12)}

	_, params, err := b.Build(domain.OpReadCoils, input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if params.UnitID != 12 {
		t.Errorf("unit = %d, want 12", params.UnitID)
	}

	input["unit_id"] = float64(300)
	_, _, err = b.Build(domain.OpReadCoils, input)
	if !errors.Is(err, domain.ErrInvalidUnitID) {
		t.Errorf("out-of-range unit error = %v, want ErrInvalidUnitID", err)
	}
}

func TestBuilder_FreshParamsPerInvocation(t *testing.T) {
	b := NewBuilder(testBuilderConfig(), nil)
	input := domain.Input{"address": float64(5), "count": float64(2), "host": "a:502"}

	_, first, err := b.Build(domain.OpReadCoils, input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, second, err := b.Build(domain.OpReadCoils, input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first == second || first.Count == second.Count {
		t.Error("each invocation must build an independent parameter set")
	}
}

func TestBuilder_ValueCanonicalization(t *testing.T) {
	tests := []struct {
		name  string
		op    domain.Operation
		value interface{}
		want  interface{}
	}{
		{"coil bool", domain.OpWriteSingleCoil, true, true},
		{"coil from number", domain.OpWriteSingleCoil, float64(1), true},
		{"coil from string", domain.OpWriteSingleCoil, "false", false},
		{"register number", domain.OpWriteSingleRegister, float64(1234), uint16(1234)},
		{"register string", domain.OpWriteSingleRegister, "65535", uint16(65535)},
		{"coils sequence", domain.OpWriteMultipleCoils, []interface{}{true, false, float64(1)}, []bool{true, false, true}},
		{"registers sequence", domain.OpWriteMultipleRegisters, []interface{}{float64(1), float64(2)}, []uint16{1, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder(testBuilderConfig(), nil)
			input := domain.Input{"address": float64(0), "host": "a:502", "value": tt.value}

			_, params, err := b.Build(tt.op, input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(params.Value, tt.want) {
				t.Errorf("value = %v (%T), want %v (%T)", params.Value, params.Value, tt.want, tt.want)
			}
		})
	}
}

func TestBuilder_PreparationFailures(t *testing.T) {
	tests := []struct {
		name   string
		op     domain.Operation
		input  domain.Input
		reason error
	}{
		{"negative address", domain.OpReadCoils,
			domain.Input{"address": float64(-1), "count": float64(1), "host": "a:502"}, domain.ErrInvalidAddress},
		{"address overflow", domain.OpReadCoils,
			domain.Input{"address": float64(70000), "count": float64(1), "host": "a:502"}, domain.ErrInvalidAddress},
		{"non-integer address", domain.OpReadCoils,
			domain.Input{"address": "ten", "count": float64(1), "host": "a:502"}, domain.ErrInvalidAddress},
		{"missing address field", domain.OpReadCoils,
			domain.Input{"count": float64(1), "host": "a:502"}, domain.ErrInvalidAddress},
		{"zero count", domain.OpReadCoils,
			domain.Input{"address": float64(0), "count": float64(0), "host": "a:502"}, domain.ErrInvalidCount},
		{"negative count", domain.OpReadCoils,
			domain.Input{"address": float64(0), "count": float64(-3), "host": "a:502"}, domain.ErrInvalidCount},
		{"empty device key", domain.OpReadCoils,
			domain.Input{"address": float64(0), "count": float64(1), "host": ""}, domain.ErrInvalidDeviceKey},
		{"register value overflow", domain.OpWriteSingleRegister,
			domain.Input{"address": float64(0), "host": "a:502", "value": float64(70000)}, domain.ErrInvalidValue},
		{"scalar for multi write", domain.OpWriteMultipleRegisters,
			domain.Input{"address": float64(0), "host": "a:502", "value": float64(7)}, domain.ErrInvalidValue},
		{"empty sequence", domain.OpWriteMultipleCoils,
			domain.Input{"address": float64(0), "host": "a:502", "value": []interface{}{}}, domain.ErrInvalidValue},
		{"mistyped element", domain.OpWriteMultipleRegisters,
			domain.Input{"address": float64(0), "host": "a:502", "value": []interface{}{float64(1), "x"}}, domain.ErrInvalidValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder(testBuilderConfig(), nil)
			_, _, err := b.Build(tt.op, tt.input)
			if err == nil {
				t.Fatal("expected a preparation error")
			}
			if !domain.IsPreparationError(err) {
				t.Fatalf("expected PreparationError, got %T: %v", err, err)
			}
			if !errors.Is(err, tt.reason) {
				t.Errorf("expected %v, got %v", tt.reason, err)
			}
		})
	}
}

func TestBuilder_UnknownOperation(t *testing.T) {
	b := NewBuilder(testBuilderConfig(), nil)
	_, _, err := b.Build("read_everything", domain.Input{})
	if !errors.Is(err, domain.ErrUnknownOperation) {
		t.Fatalf("expected ErrUnknownOperation, got %v", err)
	}
}
