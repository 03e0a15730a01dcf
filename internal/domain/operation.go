// Package domain contains the core business entities and interfaces.
// These are transport-agnostic and represent the core concepts of the engine.
package domain

// Operation is the logical name of a Modbus read or write operation.
type Operation string

const (
	OpReadCoils              Operation = "read_coils"
	OpReadDiscreteInputs     Operation = "read_discrete_inputs"
	OpReadHoldingRegisters   Operation = "read_holding_registers"
	OpReadInputRegisters     Operation = "read_input_registers"
	OpWriteSingleCoil        Operation = "write_single_coil"
	OpWriteMultipleCoils     Operation = "write_multiple_coils"
	OpWriteSingleRegister    Operation = "write_single_register"
	OpWriteMultipleRegisters Operation = "write_multiple_registers"
)

// OperationSpec describes the wire-level shape of a logical operation:
// its function code and which parameters it requires. The set of specs is
// fixed at build time.
type OperationSpec struct {
	// Name is the logical operation name.
	Name Operation

	// FunctionCode is the Modbus function code sent on the wire.
	FunctionCode byte

	// RequiresCount is true for read operations that need an explicit
	// register/coil span.
	RequiresCount bool

	// RequiresValue is true for write operations.
	RequiresValue bool

	// MultiValue is true when the operation writes a sequence of values
	// rather than a single scalar. Single- and multi-target writes are
	// distinct operations; the shape is never inferred from the value.
	MultiValue bool

	// IsWrite is true for all write function codes.
	IsWrite bool
}

// catalog is the fixed set of supported operations.
var catalog = map[Operation]OperationSpec{
	OpReadCoils:              {Name: OpReadCoils, FunctionCode: 0x01, RequiresCount: true},
	OpReadDiscreteInputs:     {Name: OpReadDiscreteInputs, FunctionCode: 0x02, RequiresCount: true},
	OpReadHoldingRegisters:   {Name: OpReadHoldingRegisters, FunctionCode: 0x03, RequiresCount: true},
	OpReadInputRegisters:     {Name: OpReadInputRegisters, FunctionCode: 0x04, RequiresCount: true},
	OpWriteSingleCoil:        {Name: OpWriteSingleCoil, FunctionCode: 0x05, RequiresValue: true, IsWrite: true},
	OpWriteMultipleCoils:     {Name: OpWriteMultipleCoils, FunctionCode: 0x0F, RequiresValue: true, MultiValue: true, IsWrite: true},
	OpWriteSingleRegister:    {Name: OpWriteSingleRegister, FunctionCode: 0x06, RequiresValue: true, IsWrite: true},
	OpWriteMultipleRegisters: {Name: OpWriteMultipleRegisters, FunctionCode: 0x10, RequiresValue: true, MultiValue: true, IsWrite: true},
}

// LookupOperation returns the OperationSpec for a logical operation name.
func LookupOperation(name Operation) (OperationSpec, bool) {
	spec, ok := catalog[name]
	return spec, ok
}

// Operations returns all supported operation specs.
func Operations() []OperationSpec {
	specs := make([]OperationSpec, 0, len(catalog))
	for _, spec := range catalog {
		specs = append(specs, spec)
	}
	return specs
}
