// Package api exposes the engine's operational surface over HTTP: the
// status snapshot and the error-state reset.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/modbus-engine/internal/adapter/modbus"
	"github.com/nexus-edge/modbus-engine/internal/adapter/mqtt"
	"github.com/nexus-edge/modbus-engine/internal/engine"
)

// Status is the /status payload.
type Status struct {
	Service   string             `json:"service"`
	Version   string             `json:"version"`
	Operation string             `json:"operation"`
	Timestamp time.Time          `json:"timestamp"`
	Engine    engine.EngineStats `json:"engine"`
	Pool      modbus.PoolStats   `json:"pool"`
	Source    mqtt.SourceStats   `json:"source"`
	Broker    mqtt.ClientStats   `json:"broker"`
}

// Handlers serves the status endpoints.
type Handlers struct {
	service   string
	version   string
	operation string
	engine    *engine.Engine
	pool      *modbus.Pool
	source    *mqtt.Source
	broker    *mqtt.Client
	logger    zerolog.Logger
}

// NewHandlers wires the status handlers over the running components.
func NewHandlers(service, version, operation string, eng *engine.Engine, pool *modbus.Pool, source *mqtt.Source, broker *mqtt.Client, logger zerolog.Logger) *Handlers {
	return &Handlers{
		service:   service,
		version:   version,
		operation: operation,
		engine:    eng,
		pool:      pool,
		source:    source,
		broker:    broker,
		logger:    logger.With().Str("component", "api").Logger(),
	}
}

// StatusHandler returns the operational snapshot.
func (h *Handlers) StatusHandler(w http.ResponseWriter, r *http.Request) {
	status := Status{
		Service:   h.service,
		Version:   h.version,
		Operation: h.operation,
		Timestamp: time.Now(),
		Engine:    h.engine.Stats(),
		Pool:      h.pool.Stats(),
	}
	if h.source != nil {
		status.Source = h.source.Stats()
	}
	if h.broker != nil {
		status.Broker = h.broker.Stats()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

// ResetHandler clears the engine's terminal error state. POST only.
func (h *Handlers) ResetHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.engine.Reset()
	h.logger.Info().Str("remote", r.RemoteAddr).Msg("Error state reset via API")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"reset":  true,
		"halted": h.engine.Halted(),
	})
}
