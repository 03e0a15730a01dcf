package domain

import "encoding/json"

// Input is one logical request arriving from the input source. Keys are
// free-form; the configured expressions decide which fields matter for a
// given deployment (address, value, host, ...).
type Input map[string]interface{}

// RequestParams is the validated parameter set for a single wire exchange.
// Built fresh per invocation by the parameter builder and never shared
// across invocations. Only the fields the operation requires are populated.
type RequestParams struct {
	// DeviceKey identifies the pooled connection ("host:port" or a serial
	// descriptor).
	DeviceKey string `json:"device_key,omitempty"`

	// UnitID annotates the request and result with a slave/unit ID. The
	// ID actually used on the wire is the one the device was connected
	// with.
	UnitID byte `json:"unit,omitempty"`

	// Address is the starting register/coil address.
	Address uint16 `json:"address"`

	// Count is the register/coil span for reads that require one. Nil for
	// all other operations.
	Count *uint16 `json:"count,omitempty"`

	// Value is the canonicalized write payload: bool or uint16 for
	// single-target writes, []bool or []uint16 for multi-target writes.
	// Nil for reads.
	Value interface{} `json:"value,omitempty"`
}

// Response is what a device exchange yields when the transport itself
// succeeded: the raw payload, or a protocol exception the device answered
// with instead. An exception is not a transport failure and is never
// retried.
type Response struct {
	// Payload is the raw response bytes from the device.
	Payload []byte

	// ExceptionCode is the embedded protocol exception code, 0 when the
	// request was fulfilled.
	ExceptionCode byte
}

// Empty reports whether the device acknowledged nothing. An empty response
// produces no output downstream; it is not an error.
func (r *Response) Empty() bool {
	return r == nil || (len(r.Payload) == 0 && r.ExceptionCode == 0)
}

// Result is the structured outcome of one operation, emitted to the output
// sink. It echoes the params that produced it so downstream consumers can
// correlate request and response.
type Result struct {
	// Operation is the logical operation that produced this result.
	Operation Operation `json:"operation"`

	// Params echoes the request parameters.
	Params RequestParams `json:"params"`

	// Payload is the raw response bytes, empty for pass-through results.
	Payload []byte `json:"payload,omitempty"`

	// ExceptionCode is the device's protocol exception code, if any.
	ExceptionCode byte `json:"exception_code,omitempty"`

	// ExceptionDetails is the human-readable description attached when the
	// exception code is a known one.
	ExceptionDetails string `json:"exception_details,omitempty"`

	// Fields carries input fields merged into the result when enrichment
	// is enabled.
	Fields map[string]interface{} `json:"fields,omitempty"`
}

// ToJSON serializes the result for the output sink.
func (r *Result) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}
