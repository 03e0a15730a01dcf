// Package config provides configuration management for the Modbus engine.
// It supports environment variables, config files (YAML/JSON), and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the engine daemon.
type Config struct {
	// Environment is the deployment environment (development, staging, production)
	Environment string `mapstructure:"environment"`

	// DevicesConfigPath is the path to the device registry file
	DevicesConfigPath string `mapstructure:"devices_config_path"`

	// HTTP server configuration
	HTTP HTTPConfig `mapstructure:"http"`

	// MQTT configuration
	MQTT MQTTConfig `mapstructure:"mqtt"`

	// Modbus configuration
	Modbus ModbusConfig `mapstructure:"modbus"`

	// Engine configuration
	Engine EngineConfig `mapstructure:"engine"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// MQTTConfig holds MQTT client configuration.
type MQTTConfig struct {
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	CleanSession   bool          `mapstructure:"clean_session"`
	QoS            byte          `mapstructure:"qos"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	TLSEnabled     bool          `mapstructure:"tls_enabled"`
	TLSCertFile    string        `mapstructure:"tls_cert_file"`
	TLSKeyFile     string        `mapstructure:"tls_key_file"`
	TLSCAFile      string        `mapstructure:"tls_ca_file"`

	// ResultTopic and RequestTopic are the engine's output and input topics.
	ResultTopic  string `mapstructure:"result_topic"`
	RequestTopic string `mapstructure:"request_topic"`

	// QueueSize and Workers size the request intake stage.
	QueueSize int `mapstructure:"queue_size"`
	Workers   int `mapstructure:"workers"`
}

// ModbusConfig holds connection pool configuration.
type ModbusConfig struct {
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	BreakerEnabled    bool          `mapstructure:"breaker_enabled"`
}

// EngineConfig holds the operation pipeline configuration.
type EngineConfig struct {
	// Operation is the logical operation run per input (read_coils,
	// write_multiple_registers, ...).
	Operation string `mapstructure:"operation"`

	// AddressExpr, ValueExpr, CountExpr and DeviceKeyExpr are evaluated
	// per input to build the request parameters.
	AddressExpr   string `mapstructure:"address_expr"`
	ValueExpr     string `mapstructure:"value_expr"`
	CountExpr     string `mapstructure:"count_expr"`
	DeviceKeyExpr string `mapstructure:"device_key_expr"`

	// DeviceKey is the static routing target used when DeviceKeyExpr is
	// empty. Left empty, the daemon falls back to the first registered
	// device, or to 127.0.0.1:502 when the registry is empty too.
	DeviceKey string `mapstructure:"device_key"`

	// UnitID is the default slave/unit ID.
	UnitID byte `mapstructure:"unit_id"`

	// AdmissionPolicy is "drop" (reject immediately when full, per
	// operation) or "queue" (wait up to AdmissionMaxWait, per batch).
	AdmissionPolicy  string        `mapstructure:"admission_policy"`
	AdmissionSlots   int           `mapstructure:"admission_slots"`
	AdmissionMaxWait time.Duration `mapstructure:"admission_max_wait"`

	// MaxAttempts bounds the retry loop; 0 retries forever.
	MaxAttempts int `mapstructure:"max_attempts"`

	// BackoffBase, BackoffThreshold and BackoffLongDelay shape the
	// retry delay curve.
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	BackoffThreshold int           `mapstructure:"backoff_threshold"`
	BackoffLongDelay time.Duration `mapstructure:"backoff_long_delay"`

	// Enrich merges input fields into emitted results.
	Enrich bool `mapstructure:"enrich"`

	// ContinueOnFail emits an empty result on retry exhaustion instead of
	// halting the engine.
	ContinueOnFail bool `mapstructure:"continue_on_fail"`

	// EmitRejections emits pass-through results for admission-rejected
	// operations.
	EmitRejections bool `mapstructure:"emit_rejections"`

	// ErrorResetAfter auto-clears the halted state after a cool-down;
	// 0 keeps the latch until an explicit reset.
	ErrorResetAfter time.Duration `mapstructure:"error_reset_after"`

	// ProcessTimeout bounds one batch end to end.
	ProcessTimeout time.Duration `mapstructure:"process_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	TimeFormat string `mapstructure:"time_format"`
}

// Load reads configuration from file, environment, and defaults.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/modbus-engine")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults and env vars apply.
	}

	v.SetEnvPrefix("ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("devices_config_path", "./config/devices.yaml")

	// HTTP
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	// MQTT
	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "modbus-engine")
	v.SetDefault("mqtt.clean_session", true)
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.keep_alive", 30*time.Second)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.publish_timeout", 5*time.Second)
	v.SetDefault("mqtt.reconnect_delay", 5*time.Second)
	v.SetDefault("mqtt.result_topic", "modbus/results")
	v.SetDefault("mqtt.request_topic", "modbus/requests")
	v.SetDefault("mqtt.queue_size", 1000)
	v.SetDefault("mqtt.workers", 4)

	// Modbus
	v.SetDefault("modbus.connection_timeout", 10*time.Second)
	v.SetDefault("modbus.breaker_enabled", true)

	// Engine
	v.SetDefault("engine.operation", "read_holding_registers")
	v.SetDefault("engine.address_expr", "0")
	v.SetDefault("engine.count_expr", "1")
	v.SetDefault("engine.unit_id", 1)
	v.SetDefault("engine.admission_policy", "queue")
	v.SetDefault("engine.admission_slots", 5)
	v.SetDefault("engine.admission_max_wait", 5*time.Second)
	v.SetDefault("engine.max_attempts", 10)
	v.SetDefault("engine.backoff_base", time.Second)
	v.SetDefault("engine.backoff_threshold", 10)
	v.SetDefault("engine.backoff_long_delay", time.Minute)
	v.SetDefault("engine.enrich", false)
	v.SetDefault("engine.continue_on_fail", false)
	v.SetDefault("engine.emit_rejections", false)
	v.SetDefault("engine.error_reset_after", time.Duration(0))
	v.SetDefault("engine.process_timeout", 5*time.Minute)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.time_format", time.RFC3339)
}

// bindEnvVars binds environment variables to config keys.
func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("mqtt.broker_url", "MQTT_BROKER_URL")
	_ = v.BindEnv("mqtt.username", "MQTT_USERNAME")
	_ = v.BindEnv("mqtt.password", "MQTT_PASSWORD")
	_ = v.BindEnv("mqtt.client_id", "MQTT_CLIENT_ID")

	_ = v.BindEnv("environment", "ENVIRONMENT")
	_ = v.BindEnv("devices_config_path", "DEVICES_CONFIG_PATH")

	_ = v.BindEnv("http.port", "HTTP_PORT")

	_ = v.BindEnv("engine.operation", "ENGINE_OPERATION")

	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.MQTT.BrokerURL == "" {
		return fmt.Errorf("MQTT broker URL is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
	}
	if c.Engine.Operation == "" {
		return fmt.Errorf("engine operation is required")
	}
	switch c.Engine.AdmissionPolicy {
	case "drop", "queue":
	default:
		return fmt.Errorf("invalid admission policy %q (want drop or queue)", c.Engine.AdmissionPolicy)
	}
	if c.Engine.AdmissionSlots <= 0 {
		return fmt.Errorf("admission slots must be positive")
	}
	if c.Engine.MaxAttempts < 0 {
		return fmt.Errorf("max attempts must be zero or positive")
	}
	if c.MQTT.Workers <= 0 {
		return fmt.Errorf("mqtt workers must be positive")
	}
	return nil
}
