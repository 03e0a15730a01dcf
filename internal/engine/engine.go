package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/modbus-engine/internal/domain"
	"github.com/nexus-edge/modbus-engine/internal/metrics"
)

// Notifier delivers finished results to the output sink.
type Notifier interface {
	Notify(ctx context.Context, results []*domain.Result) error
}

// Options configure one engine instance.
type Options struct {
	// Operation is the logical operation this engine performs on every
	// input.
	Operation domain.Operation

	// Enrich merges the input's fields into each emitted result.
	Enrich bool

	// ContinueOnFail emits a bare pass-through result when the retry
	// budget is exhausted instead of latching the terminal error state.
	ContinueOnFail bool

	// EmitRejections emits a pass-through result for operations refused
	// by admission control. When false they are silently dropped.
	EmitRejections bool

	// ErrorResetAfter clears the terminal error latch automatically after
	// this cool-down. Zero means only an explicit Reset clears it.
	ErrorResetAfter time.Duration
}

// EngineStats is a point-in-time snapshot of engine counters.
type EngineStats struct {
	Processed uint64 `json:"processed"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Skipped   uint64 `json:"skipped"`
	Halted    bool   `json:"halted"`
}

// Engine drives input batches through the pipeline: admission, parameter
// building, the retrying executor, interpretation, and delivery to the
// sink. One failed operation never takes the rest of its batch down; only
// retry exhaustion (without ContinueOnFail) halts the engine as a whole.
type Engine struct {
	builder   *Builder
	executor  Executor
	admission Admission
	sink      Notifier
	opts      Options
	logger    zerolog.Logger
	metrics   *metrics.Registry

	// latchedAt is the unix-nano timestamp of the halt, 0 when running.
	latchedAt atomic.Int64

	processed atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	skipped   atomic.Uint64

	mu sync.Mutex // serializes sink delivery ordering per batch
}

// New creates an engine. sink may be nil when no output delivery is wanted.
func New(builder *Builder, executor Executor, admission Admission, sink Notifier, opts Options, logger zerolog.Logger, metricsReg *metrics.Registry) *Engine {
	return &Engine{
		builder:   builder,
		executor:  executor,
		admission: admission,
		sink:      sink,
		opts:      opts,
		logger:    logger.With().Str("component", "engine").Str("operation", string(opts.Operation)).Logger(),
		metrics:   metricsReg,
	}
}

// Process runs the configured operation once per input in the batch and
// delivers the collected results to the sink. It returns ErrEngineHalted
// when the engine is, or becomes, latched in the terminal error state.
func (e *Engine) Process(ctx context.Context, batch []domain.Input) error {
	if len(batch) == 0 {
		return nil
	}
	if e.Halted() {
		return domain.ErrEngineHalted
	}

	if e.admission != nil && e.admission.Scope() == ScopeBatch {
		release, err := e.admission.Acquire(ctx)
		if err != nil {
			if errors.Is(err, domain.ErrCapacityExceeded) {
				e.logger.Warn().Int("batch_size", len(batch)).Msg("Batch dropped, admission capacity exceeded")
				e.recordSkipN("capacity", len(batch))
				return nil
			}
			return err
		}
		defer release()
	}

	results := make([]*domain.Result, 0, len(batch))
	for _, input := range batch {
		result, err := e.processOne(ctx, input)
		if err != nil {
			if errors.Is(err, domain.ErrEngineHalted) || ctx.Err() != nil {
				return err
			}
			continue
		}
		if result != nil {
			results = append(results, result)
		}
	}

	return e.deliver(ctx, results)
}

// processOne runs one operation end to end. A nil result with nil error
// means the operation completed but produced nothing to emit.
func (e *Engine) processOne(ctx context.Context, input domain.Input) (*domain.Result, error) {
	e.processed.Add(1)

	if e.admission != nil && e.admission.Scope() == ScopeOperation {
		release, err := e.admission.Acquire(ctx)
		if err != nil {
			if errors.Is(err, domain.ErrCapacityExceeded) {
				e.logger.Warn().Msg("Operation dropped, admission capacity exceeded")
				e.recordSkipN("capacity", 1)
				if e.opts.EmitRejections {
					return &domain.Result{Operation: e.opts.Operation, Fields: enrichFields(input, e.opts.Enrich)}, nil
				}
				return nil, nil
			}
			return nil, err
		}
		defer release()
	}
	if e.metrics != nil {
		e.metrics.InFlight.Inc()
		defer e.metrics.InFlight.Dec()
	}

	spec, params, err := e.builder.Build(e.opts.Operation, input)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Skipping operation, parameter preparation failed")
		e.recordSkipN("preparation", 1)
		return nil, nil
	}

	resp, err := e.executor.Execute(ctx, spec, params)
	if err != nil {
		if errors.Is(err, domain.ErrMaxRetriesExceeded) {
			return e.onExhausted(params, input, err)
		}
		e.failed.Add(1)
		if e.metrics != nil {
			e.metrics.RecordOperation(string(spec.Name), "error")
		}
		e.logger.Error().Err(err).Str("device_key", params.DeviceKey).Msg("Operation failed")
		return nil, err
	}

	e.succeeded.Add(1)
	if e.metrics != nil {
		status := "ok"
		if resp != nil && resp.ExceptionCode != 0 {
			status = "exception"
		}
		e.metrics.RecordOperation(string(spec.Name), status)
	}
	return Interpret(e.opts.Operation, params, resp, input, e.opts.Enrich), nil
}

// onExhausted handles a retry-budget exhaustion: either a pass-through
// result or the terminal latch, depending on configuration.
func (e *Engine) onExhausted(params *domain.RequestParams, input domain.Input, cause error) (*domain.Result, error) {
	e.failed.Add(1)
	if e.metrics != nil {
		e.metrics.RecordOperation(string(e.opts.Operation), "exhausted")
	}

	if e.opts.ContinueOnFail {
		e.logger.Error().Err(cause).Str("device_key", params.DeviceKey).
			Msg("Retry budget exhausted, continuing with empty result")
		return &domain.Result{
			Operation: e.opts.Operation,
			Params:    *params,
			Fields:    enrichFields(input, e.opts.Enrich),
		}, nil
	}

	e.latch(cause)
	return nil, fmt.Errorf("%w: %v", domain.ErrEngineHalted, cause)
}

func (e *Engine) latch(cause error) {
	if e.latchedAt.CompareAndSwap(0, time.Now().UnixNano()) {
		e.logger.Error().Err(cause).Msg("Engine entering terminal error state")
		if e.metrics != nil {
			e.metrics.SetErrorState(true)
		}
	}
}

// Halted reports whether the engine is latched in the terminal error state.
// With ErrorResetAfter set, an expired latch clears itself here.
func (e *Engine) Halted() bool {
	at := e.latchedAt.Load()
	if at == 0 {
		return false
	}
	if e.opts.ErrorResetAfter > 0 && time.Since(time.Unix(0, at)) >= e.opts.ErrorResetAfter {
		if e.latchedAt.CompareAndSwap(at, 0) {
			e.logger.Info().Dur("cool_down", e.opts.ErrorResetAfter).Msg("Terminal error state cleared after cool-down")
			if e.metrics != nil {
				e.metrics.SetErrorState(false)
			}
		}
		return e.Halted()
	}
	return true
}

// Reset explicitly clears the terminal error state.
func (e *Engine) Reset() {
	if at := e.latchedAt.Load(); at != 0 && e.latchedAt.CompareAndSwap(at, 0) {
		e.logger.Info().Msg("Terminal error state reset")
		if e.metrics != nil {
			e.metrics.SetErrorState(false)
		}
	}
}

// HealthCheck implements the health.Checker interface.
func (e *Engine) HealthCheck(ctx context.Context) error {
	if e.Halted() {
		return domain.ErrEngineHalted
	}
	return nil
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Processed: e.processed.Load(),
		Succeeded: e.succeeded.Load(),
		Failed:    e.failed.Load(),
		Skipped:   e.skipped.Load(),
		Halted:    e.Halted(),
	}
}

func (e *Engine) deliver(ctx context.Context, results []*domain.Result) error {
	if len(results) == 0 || e.sink == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.sink.Notify(ctx, results)
	if e.metrics != nil {
		e.metrics.RecordNotify(len(results), err)
	}
	if err != nil {
		e.logger.Error().Err(err).Int("results", len(results)).Msg("Failed to deliver results")
		return fmt.Errorf("delivering results: %w", err)
	}
	return nil
}

func (e *Engine) recordSkipN(reason string, n int) {
	e.skipped.Add(uint64(n))
	if e.metrics != nil {
		for i := 0; i < n; i++ {
			e.metrics.RecordSkip(reason)
		}
	}
}

func enrichFields(input domain.Input, enrich bool) map[string]interface{} {
	if !enrich || len(input) == 0 {
		return nil
	}
	fields := make(map[string]interface{}, len(input))
	for k, v := range input {
		fields[k] = v
	}
	return fields
}
