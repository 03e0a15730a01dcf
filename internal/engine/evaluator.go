// Package engine contains the operation pipeline: parameter building,
// admission control, retry with reconnect, response interpretation and the
// process-wide error latch.
package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/nexus-edge/modbus-engine/internal/domain"
)

// Evaluator resolves a configured parameter expression against one input.
// The engine treats it as a black box: any failure is a preparation failure
// for the affected operation, never a wire error.
type Evaluator interface {
	Evaluate(expr string, input domain.Input) (interface{}, error)
}

// fieldRef matches a whole-string input field reference like "{{ $host }}".
var fieldRef = regexp.MustCompile(`^\{\{\s*\$([A-Za-z_][A-Za-z0-9_]*)\s*\}\}$`)

// TemplateEvaluator is the default Evaluator. An expression of the form
// "{{ $field }}" resolves to that field of the input; anything else is
// parsed as a JSON literal, falling back to the raw string.
type TemplateEvaluator struct{}

func (TemplateEvaluator) Evaluate(expr string, input domain.Input) (interface{}, error) {
	expr = strings.TrimSpace(expr)

	if m := fieldRef.FindStringSubmatch(expr); m != nil {
		value, ok := input[m[1]]
		if !ok {
			return nil, fmt.Errorf("input has no field %q", m[1])
		}
		return value, nil
	}

	var literal interface{}
	if err := json.Unmarshal([]byte(expr), &literal); err == nil {
		return literal, nil
	}
	return expr, nil
}
