package engine

import (
	"fmt"
	"math"
	"strconv"

	"github.com/nexus-edge/modbus-engine/internal/domain"
)

// BuilderConfig holds the parameter expressions for a deployment. Each
// expression is evaluated per input; static values are just expressions
// that ignore the input.
type BuilderConfig struct {
	// AddressExpr yields the starting address.
	AddressExpr string

	// ValueExpr yields the write payload. Unused for reads.
	ValueExpr string

	// CountExpr yields the read span. Unused for writes; defaults to 1.
	CountExpr string

	// DeviceKeyExpr yields the device key to route the request to. When
	// empty, every request goes to DeviceKey instead.
	DeviceKeyExpr string

	// DeviceKey is the static routing target used when no expression is
	// configured.
	DeviceKey string

	// UnitID is the slave/unit ID echoed into every request and result. An
	// input may override it per operation through a "unit_id" field. Both
	// are annotation only: the wire slave ID is fixed per device at
	// connect time by the device registry.
	UnitID byte
}

// Builder turns one input into validated request parameters for one
// operation. A fresh parameter set is built per invocation so concurrent
// operations never share state.
type Builder struct {
	eval Evaluator
	cfg  BuilderConfig
}

// NewBuilder creates a parameter builder. A nil evaluator gets the default
// template evaluator.
func NewBuilder(cfg BuilderConfig, eval Evaluator) *Builder {
	if eval == nil {
		eval = TemplateEvaluator{}
	}
	if cfg.CountExpr == "" {
		cfg.CountExpr = "1"
	}
	return &Builder{eval: eval, cfg: cfg}
}

// Build resolves and validates every parameter the operation requires.
// Any failure, evaluator raise or out-of-domain value alike, comes back as
// a PreparationError so the caller skips this operation without touching
// the wire.
func (b *Builder) Build(op domain.Operation, input domain.Input) (domain.OperationSpec, *domain.RequestParams, error) {
	spec, ok := domain.LookupOperation(op)
	if !ok {
		return domain.OperationSpec{}, nil, domain.NewPreparationError(op, domain.ErrUnknownOperation, nil)
	}

	params := &domain.RequestParams{UnitID: b.cfg.UnitID}
	// Echoed into the result only; the handler's slave ID is set at dial
	// time from device config.
	if raw, ok := input["unit_id"]; ok {
		unit, err := toInt(raw)
		if err != nil || unit < 0 || unit > math.MaxUint8 {
			return spec, nil, domain.NewPreparationError(op, domain.ErrInvalidUnitID, err)
		}
		params.UnitID = byte(unit)
	}

	address, err := b.resolveUint16(op, b.cfg.AddressExpr, input, domain.ErrInvalidAddress)
	if err != nil {
		return spec, nil, err
	}
	params.Address = address

	key, err := b.resolveDeviceKey(op, input)
	if err != nil {
		return spec, nil, err
	}
	params.DeviceKey = key

	if spec.RequiresCount {
		count, err := b.resolveUint16(op, b.cfg.CountExpr, input, domain.ErrInvalidCount)
		if err != nil {
			return spec, nil, err
		}
		if count == 0 {
			return spec, nil, domain.NewPreparationError(op, domain.ErrInvalidCount, nil)
		}
		params.Count = &count
	}

	if spec.RequiresValue {
		raw, err := b.eval.Evaluate(b.cfg.ValueExpr, input)
		if err != nil {
			return spec, nil, domain.NewPreparationError(op, domain.ErrInvalidValue, err)
		}
		value, err := canonicalizeValue(spec, raw)
		if err != nil {
			return spec, nil, domain.NewPreparationError(op, domain.ErrInvalidValue, err)
		}
		params.Value = value
	}

	return spec, params, nil
}

func (b *Builder) resolveUint16(op domain.Operation, expr string, input domain.Input, reason error) (uint16, error) {
	raw, err := b.eval.Evaluate(expr, input)
	if err != nil {
		return 0, domain.NewPreparationError(op, reason, err)
	}
	n, err := toInt(raw)
	if err != nil {
		return 0, domain.NewPreparationError(op, reason, err)
	}
	if n < 0 || n > math.MaxUint16 {
		return 0, domain.NewPreparationError(op, reason, fmt.Errorf("%d out of range", n))
	}
	return uint16(n), nil
}

func (b *Builder) resolveDeviceKey(op domain.Operation, input domain.Input) (string, error) {
	if b.cfg.DeviceKeyExpr == "" {
		if b.cfg.DeviceKey == "" {
			return "", domain.NewPreparationError(op, domain.ErrInvalidDeviceKey, fmt.Errorf("no device key configured"))
		}
		return b.cfg.DeviceKey, nil
	}
	raw, err := b.eval.Evaluate(b.cfg.DeviceKeyExpr, input)
	if err != nil {
		return "", domain.NewPreparationError(op, domain.ErrInvalidDeviceKey, err)
	}
	key, ok := raw.(string)
	if !ok || key == "" {
		return "", domain.NewPreparationError(op, domain.ErrInvalidDeviceKey, fmt.Errorf("got %T %v", raw, raw))
	}
	return key, nil
}

// canonicalizeValue coerces the evaluated write value into the exact shape
// the wire layer expects: bool or []bool for coil writes, uint16 or
// []uint16 for register writes. Single- and multi-target operations stay
// distinct; a scalar is never widened into a one-element sequence.
func canonicalizeValue(spec domain.OperationSpec, raw interface{}) (interface{}, error) {
	coil := spec.FunctionCode == 0x05 || spec.FunctionCode == 0x0F

	if !spec.MultiValue {
		if coil {
			return toBool(raw)
		}
		return toRegister(raw)
	}

	items, ok := raw.([]interface{})
	if !ok {
		// Typed slices arrive when the evaluator is custom.
		switch v := raw.(type) {
		case []bool:
			if !coil {
				return nil, fmt.Errorf("got []bool for a register write")
			}
			if len(v) == 0 {
				return nil, fmt.Errorf("empty value sequence")
			}
			return v, nil
		case []uint16:
			if coil {
				return nil, fmt.Errorf("got []uint16 for a coil write")
			}
			if len(v) == 0 {
				return nil, fmt.Errorf("empty value sequence")
			}
			return v, nil
		default:
			return nil, fmt.Errorf("want a sequence, got %T", raw)
		}
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("empty value sequence")
	}

	if coil {
		coils := make([]bool, len(items))
		for i, item := range items {
			v, err := toBool(item)
			if err != nil {
				return nil, fmt.Errorf("element %d: %v", i, err)
			}
			coils[i] = v
		}
		return coils, nil
	}

	regs := make([]uint16, len(items))
	for i, item := range items {
		v, err := toRegister(item)
		if err != nil {
			return nil, fmt.Errorf("element %d: %v", i, err)
		}
		regs[i] = v
	}
	return regs, nil
}

func toInt(raw interface{}) (int64, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case uint16:
		return int64(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%v is not an integer", v)
		}
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not an integer", v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("cannot use %T as an integer", raw)
	}
}

func toBool(raw interface{}) (bool, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case float64:
		return v != 0, nil
	case int:
		return v != 0, nil
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%q is not a boolean", v)
		}
		return b, nil
	default:
		return false, fmt.Errorf("cannot use %T as a boolean", raw)
	}
}

func toRegister(raw interface{}) (uint16, error) {
	n, err := toInt(raw)
	if err != nil {
		return 0, err
	}
	if n < 0 || n > math.MaxUint16 {
		return 0, fmt.Errorf("%d out of register range", n)
	}
	return uint16(n), nil
}
