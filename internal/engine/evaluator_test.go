package engine

import (
	"testing"

	"github.com/nexus-edge/modbus-engine/internal/domain"
)

func TestTemplateEvaluator(t *testing.T) {
	input := domain.Input{
		"host":    "10.0.0.1:502",
		"address": float64(42),
		"enabled": true,
	}

	tests := []struct {
		name    string
		expr    string
		want    interface{}
		wantErr bool
	}{
		{"field reference", "{{ $host }}", "10.0.0.1:502", false},
		{"field reference tight", "{{$address}}", float64(42), false},
		{"field reference bool", "{{ $enabled }}", true, false},
		{"missing field", "{{ $nope }}", nil, true},
		{"integer literal", "17", float64(17), false},
		{"bool literal", "true", true, false},
		{"quoted string literal", `"plc-1:502"`, "plc-1:502", false},
		{"raw string fallback", "plc-1:502", "plc-1:502", false},
	}

	eval := TemplateEvaluator{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eval.Evaluate(tt.expr, input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Evaluate(%q) = %v (%T), want %v (%T)", tt.expr, got, got, tt.want, tt.want)
			}
		})
	}
}

func TestTemplateEvaluator_ArrayLiteral(t *testing.T) {
	got, err := TemplateEvaluator{}.Evaluate("[1, 2, 3]", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	items, ok := got.([]interface{})
	if !ok || len(items) != 3 {
		t.Fatalf("expected a 3-element array, got %v (%T)", got, got)
	}
}
