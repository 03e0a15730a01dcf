package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	// Run from a directory with no config file so pure defaults apply.
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(cwd)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTP.Port != 8080 {
		t.Errorf("http port = %d, want 8080", cfg.HTTP.Port)
	}
	if cfg.MQTT.BrokerURL != "tcp://localhost:1883" {
		t.Errorf("broker url = %q", cfg.MQTT.BrokerURL)
	}
	if cfg.MQTT.RequestTopic != "modbus/requests" || cfg.MQTT.ResultTopic != "modbus/results" {
		t.Errorf("topics = %q %q", cfg.MQTT.RequestTopic, cfg.MQTT.ResultTopic)
	}
	if cfg.Engine.Operation != "read_holding_registers" {
		t.Errorf("operation = %q", cfg.Engine.Operation)
	}
	if cfg.Engine.AdmissionPolicy != "queue" || cfg.Engine.AdmissionSlots != 5 {
		t.Errorf("admission = %q/%d", cfg.Engine.AdmissionPolicy, cfg.Engine.AdmissionSlots)
	}
	if cfg.Engine.MaxAttempts != 10 {
		t.Errorf("max attempts = %d, want 10", cfg.Engine.MaxAttempts)
	}
	if cfg.Engine.BackoffBase != time.Second || cfg.Engine.BackoffLongDelay != time.Minute {
		t.Errorf("backoff = %s/%s", cfg.Engine.BackoffBase, cfg.Engine.BackoffLongDelay)
	}
	if cfg.Engine.ErrorResetAfter != 0 {
		t.Errorf("error reset = %s, want manual-only default", cfg.Engine.ErrorResetAfter)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte(`
environment: production
http:
  port: 9090
engine:
  operation: write_single_coil
  address_expr: "{{ $address }}"
  value_expr: "{{ $value }}"
  device_key_expr: "{{ $host }}"
  admission_policy: drop
  continue_on_fail: true
  error_reset_after: 30s
mqtt:
  broker_url: tcp://broker:1883
  request_topic: plant/requests
`)
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o644); err != nil {
		t.Fatal(err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(cwd)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Environment != "production" || cfg.HTTP.Port != 9090 {
		t.Errorf("env/port = %q/%d", cfg.Environment, cfg.HTTP.Port)
	}
	if cfg.Engine.Operation != "write_single_coil" {
		t.Errorf("operation = %q", cfg.Engine.Operation)
	}
	if cfg.Engine.AdmissionPolicy != "drop" || !cfg.Engine.ContinueOnFail {
		t.Errorf("admission/continue = %q/%v", cfg.Engine.AdmissionPolicy, cfg.Engine.ContinueOnFail)
	}
	if cfg.Engine.ErrorResetAfter != 30*time.Second {
		t.Errorf("error reset = %s, want 30s", cfg.Engine.ErrorResetAfter)
	}
	if cfg.MQTT.RequestTopic != "plant/requests" {
		t.Errorf("request topic = %q", cfg.MQTT.RequestTopic)
	}
	// Untouched keys keep their defaults.
	if cfg.MQTT.QoS != 1 || cfg.Engine.AdmissionSlots != 5 {
		t.Errorf("defaults lost: qos=%d slots=%d", cfg.MQTT.QoS, cfg.Engine.AdmissionSlots)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			HTTP: HTTPConfig{Port: 8080},
			MQTT: MQTTConfig{BrokerURL: "tcp://localhost:1883", Workers: 4},
			Engine: EngineConfig{
				Operation:       "read_coils",
				AdmissionPolicy: "queue",
				AdmissionSlots:  5,
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing broker", func(c *Config) { c.MQTT.BrokerURL = "" }, true},
		{"bad port", func(c *Config) { c.HTTP.Port = 0 }, true},
		{"missing operation", func(c *Config) { c.Engine.Operation = "" }, true},
		{"bad admission policy", func(c *Config) { c.Engine.AdmissionPolicy = "hold" }, true},
		{"zero slots", func(c *Config) { c.Engine.AdmissionSlots = 0 }, true},
		{"negative attempts", func(c *Config) { c.Engine.MaxAttempts = -1 }, true},
		{"unbounded attempts ok", func(c *Config) { c.Engine.MaxAttempts = 0 }, false},
		{"zero workers", func(c *Config) { c.MQTT.Workers = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected a validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
