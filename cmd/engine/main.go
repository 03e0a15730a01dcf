// Package main is the entry point for the Modbus engine daemon.
// It wires the pipeline together and manages the application lifecycle.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nexus-edge/modbus-engine/internal/adapter/config"
	"github.com/nexus-edge/modbus-engine/internal/adapter/modbus"
	"github.com/nexus-edge/modbus-engine/internal/adapter/mqtt"
	"github.com/nexus-edge/modbus-engine/internal/api"
	"github.com/nexus-edge/modbus-engine/internal/domain"
	"github.com/nexus-edge/modbus-engine/internal/engine"
	"github.com/nexus-edge/modbus-engine/internal/health"
	"github.com/nexus-edge/modbus-engine/internal/metrics"
	"github.com/nexus-edge/modbus-engine/pkg/logging"
)

const (
	serviceName    = "modbus-engine"
	serviceVersion = "1.0.0"
)

func main() {
	logger := logging.New(serviceName, serviceVersion, logging.DefaultConfig())

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger = logging.New(serviceName, serviceVersion, logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	logger.Info().Str("env", cfg.Environment).Msg("Configuration loaded")

	operation := domain.Operation(cfg.Engine.Operation)
	if _, ok := domain.LookupOperation(operation); !ok {
		logger.Fatal().Str("operation", cfg.Engine.Operation).Msg("Unknown operation")
	}

	metricsRegistry := metrics.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Device registry and connection pool.
	devices, err := config.LoadDevices(cfg.DevicesConfigPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load device registry")
	}
	pool := modbus.NewPool(modbus.PoolConfig{
		ConnectionTimeout: cfg.Modbus.ConnectionTimeout,
		BreakerEnabled:    cfg.Modbus.BreakerEnabled,
	}, devices, logger, metricsRegistry)
	defer pool.CloseAll()
	logger.Info().Int("devices", len(devices)).Msg("Connection pool initialized")

	// Broker connection: the results sink and the request source share it.
	broker := mqtt.NewClient(mqtt.Config{
		BrokerURL:      cfg.MQTT.BrokerURL,
		ClientID:       cfg.MQTT.ClientID,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		CleanSession:   cfg.MQTT.CleanSession,
		QoS:            cfg.MQTT.QoS,
		KeepAlive:      cfg.MQTT.KeepAlive,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
		PublishTimeout: cfg.MQTT.PublishTimeout,
		ReconnectDelay: cfg.MQTT.ReconnectDelay,
		TLSEnabled:     cfg.MQTT.TLSEnabled,
		TLSCertFile:    cfg.MQTT.TLSCertFile,
		TLSKeyFile:     cfg.MQTT.TLSKeyFile,
		TLSCAFile:      cfg.MQTT.TLSCAFile,
		ResultTopic:    cfg.MQTT.ResultTopic,
		RequestTopic:   cfg.MQTT.RequestTopic,
	}, logger)
	if err := broker.Connect(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to MQTT broker")
	}
	defer broker.Disconnect()

	// Execution pipeline: builder, admission, retrying executor, engine.
	deviceKey := cfg.Engine.DeviceKey
	if cfg.Engine.DeviceKeyExpr == "" && deviceKey == "" {
		deviceKey = config.DefaultDeviceKey(devices)
	}
	builder := engine.NewBuilder(engine.BuilderConfig{
		AddressExpr:   cfg.Engine.AddressExpr,
		ValueExpr:     cfg.Engine.ValueExpr,
		CountExpr:     cfg.Engine.CountExpr,
		DeviceKeyExpr: cfg.Engine.DeviceKeyExpr,
		DeviceKey:     deviceKey,
		UnitID:        cfg.Engine.UnitID,
	}, nil)

	var admission engine.Admission
	switch cfg.Engine.AdmissionPolicy {
	case "drop":
		admission = engine.NewCountingDrop(cfg.Engine.AdmissionSlots)
	default:
		admission = engine.NewQueuingGate(cfg.Engine.AdmissionSlots, cfg.Engine.AdmissionMaxWait)
	}

	executor := modbus.NewPoolExecutor(pool, logger, metricsRegistry)
	retrying := engine.NewRetryingExecutor(executor, executor, engine.LinearBackoff{
		Base:      cfg.Engine.BackoffBase,
		Threshold: cfg.Engine.BackoffThreshold,
		LongDelay: cfg.Engine.BackoffLongDelay,
	}, cfg.Engine.MaxAttempts, logger, metricsRegistry)

	eng := engine.New(builder, retrying, admission, broker, engine.Options{
		Operation:       operation,
		Enrich:          cfg.Engine.Enrich,
		ContinueOnFail:  cfg.Engine.ContinueOnFail,
		EmitRejections:  cfg.Engine.EmitRejections,
		ErrorResetAfter: cfg.Engine.ErrorResetAfter,
	}, logger, metricsRegistry)

	// Request intake from the broker.
	source := mqtt.NewSource(broker, eng, mqtt.SourceConfig{
		QueueSize:      cfg.MQTT.QueueSize,
		Workers:        cfg.MQTT.Workers,
		ProcessTimeout: cfg.Engine.ProcessTimeout,
	}, logger)
	if err := source.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start request source")
	}

	// Health checks.
	healthAgg := health.NewAggregator(health.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
	})
	healthAgg.Register("pool", pool)
	healthAgg.Register("mqtt", broker)
	healthAgg.Register("engine", eng)

	// HTTP surface: probes, metrics, status, reset.
	handlers := api.NewHandlers(serviceName, serviceVersion, cfg.Engine.Operation, eng, pool, source, broker, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthAgg.Handler)
	mux.HandleFunc("/health/live", healthAgg.LivenessHandler)
	mux.HandleFunc("/health/ready", healthAgg.ReadinessHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", handlers.StatusHandler)
	mux.HandleFunc("/reset", handlers.ResetHandler)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}
	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	logger.Info().
		Str("operation", cfg.Engine.Operation).
		Str("admission_policy", cfg.Engine.AdmissionPolicy).
		Int("max_attempts", cfg.Engine.MaxAttempts).
		Str("mqtt_broker", cfg.MQTT.BrokerURL).
		Int("http_port", cfg.HTTP.Port).
		Msg("Modbus engine started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutdown signal received, initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop intake first so no new batches start, then the HTTP surface.
	// The pool and broker close via defers.
	source.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down HTTP server")
	}

	logger.Info().Msg("Modbus engine shutdown complete")
}
