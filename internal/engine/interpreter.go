package engine

import (
	"github.com/nexus-edge/modbus-engine/internal/domain"
)

// ExceptionCodeTable maps the protocol exception codes devices answer with
// to their human-readable descriptions. Unknown codes get no description;
// the numeric code still reaches the output.
var ExceptionCodeTable = map[byte]string{
	1:  "Function code received in the query is not recognized or allowed by slave",
	2:  "Data address of some or all the required entities are not allowed or do not exist in slave",
	3:  "Value is not accepted by slave",
	4:  "Unrecoverable error occurred while slave was attempting to perform requested action",
	5:  "Slave has accepted request and is processing it, but a long duration of time is required. This response is returned to prevent a timeout error from occurring in the master. Master can next issue a Poll Program Complete message to determine if processing is completed",
	6:  "Slave is engaged in processing a long-duration command. Master should retry later",
	7:  "Slave cannot perform the programming functions. Master should request diagnostic or error information from slave",
	8:  "Slave detected a parity error in memory. Master can retry the request, but service may be required on the slave device",
	10: "Specialized for Modbus gateways. Indicates a misconfigured gateway",
	11: "Specialized for Modbus gateways. Sent when slave fails to respond",
}

// Interpret turns a device response into the structured result for the
// output sink: raw payload, echoed request params, exception annotation for
// known codes, and the input fields when enrichment is on. An empty
// response returns nil; nothing is emitted for it.
func Interpret(op domain.Operation, params *domain.RequestParams, resp *domain.Response, input domain.Input, enrich bool) *domain.Result {
	if resp.Empty() {
		return nil
	}

	result := &domain.Result{
		Operation: op,
		Params:    *params,
		Payload:   resp.Payload,
	}

	if resp.ExceptionCode != 0 {
		result.ExceptionCode = resp.ExceptionCode
		if desc, ok := ExceptionCodeTable[resp.ExceptionCode]; ok {
			result.ExceptionDetails = desc
		}
	}

	if enrich && len(input) > 0 {
		result.Fields = make(map[string]interface{}, len(input))
		for k, v := range input {
			result.Fields[k] = v
		}
	}

	return result
}
