package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/modbus-engine/internal/domain"
)

// Processor consumes decoded input batches. The engine is the production
// implementation.
type Processor interface {
	Process(ctx context.Context, batch []domain.Input) error
}

// Subscriber delivers raw request messages. The broker client is the
// production implementation.
type Subscriber interface {
	Subscribe(handler func(topic string, payload []byte)) error
}

// SourceConfig holds configuration for the request source.
type SourceConfig struct {
	// QueueSize bounds how many decoded batches may wait for a worker.
	// Batches beyond the limit are rejected, not queued.
	QueueSize int

	// Workers is the number of goroutines draining the queue.
	Workers int

	// ProcessTimeout bounds one batch end to end, retries included.
	ProcessTimeout time.Duration
}

// DefaultSourceConfig returns sensible defaults for the request source.
func DefaultSourceConfig() SourceConfig {
	return SourceConfig{
		QueueSize:      1000,
		Workers:        4,
		ProcessTimeout: 5 * time.Minute,
	}
}

// SourceStats tracks request intake statistics.
type SourceStats struct {
	BatchesReceived uint64 `json:"batches_received"`
	BatchesRejected uint64 `json:"batches_rejected"`
	BatchesFailed   uint64 `json:"batches_failed"`
	InputsReceived  uint64 `json:"inputs_received"`
}

// Source feeds request batches from the broker into the engine through a
// bounded queue. The paho callback only decodes and enqueues; the wire work
// happens on the worker goroutines so a slow device never blocks the broker
// client.
type Source struct {
	sub     Subscriber
	proc    Processor
	config  SourceConfig
	logger  zerolog.Logger
	queue   chan []domain.Input
	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	received uint64
	rejected uint64
	failed   uint64
	inputs   uint64
}

// NewSource creates a request source over a subscriber and a processor.
func NewSource(sub Subscriber, proc Processor, config SourceConfig, logger zerolog.Logger) *Source {
	if config.QueueSize <= 0 {
		config.QueueSize = 1000
	}
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.ProcessTimeout <= 0 {
		config.ProcessTimeout = 5 * time.Minute
	}

	return &Source{
		sub:    sub,
		proc:   proc,
		config: config,
		logger: logger.With().Str("component", "request-source").Logger(),
		queue:  make(chan []domain.Input, config.QueueSize),
	}
}

// Start subscribes to the request topic and launches the workers.
func (s *Source) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("source already running")
	}

	workerCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.worker(workerCtx)
	}

	if err := s.sub.Subscribe(s.onMessage); err != nil {
		cancel()
		s.wg.Wait()
		s.running.Store(false)
		return fmt.Errorf("subscribing to requests: %w", err)
	}

	s.logger.Info().Int("workers", s.config.Workers).Int("queue_size", s.config.QueueSize).Msg("Request source started")
	return nil
}

// Stop halts the workers. Queued batches that no worker picked up are
// dropped.
func (s *Source) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.cancel()
	s.wg.Wait()

	if dropped := len(s.queue); dropped > 0 {
		s.logger.Warn().Int("dropped", dropped).Msg("Queued batches dropped at shutdown")
	}
	s.logger.Info().Msg("Request source stopped")
}

// onMessage runs on the paho callback goroutine: decode, enqueue, return.
func (s *Source) onMessage(topic string, payload []byte) {
	batch, err := decodeBatch(payload)
	if err != nil {
		s.logger.Warn().Err(err).Str("topic", topic).Msg("Discarding malformed request message")
		return
	}
	if len(batch) == 0 {
		return
	}

	atomic.AddUint64(&s.received, 1)
	atomic.AddUint64(&s.inputs, uint64(len(batch)))

	select {
	case s.queue <- batch:
	default:
		atomic.AddUint64(&s.rejected, 1)
		s.logger.Warn().Int("batch_size", len(batch)).Msg("Request queue full, batch rejected")
	}
}

func (s *Source) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-s.queue:
			procCtx, cancel := context.WithTimeout(ctx, s.config.ProcessTimeout)
			if err := s.proc.Process(procCtx, batch); err != nil {
				atomic.AddUint64(&s.failed, 1)
				s.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Batch processing failed")
			}
			cancel()
		}
	}
}

// Stats returns a snapshot of intake counters.
func (s *Source) Stats() SourceStats {
	return SourceStats{
		BatchesReceived: atomic.LoadUint64(&s.received),
		BatchesRejected: atomic.LoadUint64(&s.rejected),
		BatchesFailed:   atomic.LoadUint64(&s.failed),
		InputsReceived:  atomic.LoadUint64(&s.inputs),
	}
}

// decodeBatch accepts either a single JSON object or an array of objects.
func decodeBatch(payload []byte) ([]domain.Input, error) {
	var batch []domain.Input
	if err := json.Unmarshal(payload, &batch); err == nil {
		return batch, nil
	}

	var single domain.Input
	if err := json.Unmarshal(payload, &single); err != nil {
		return nil, fmt.Errorf("neither a request object nor an array: %w", err)
	}
	return []domain.Input{single}, nil
}
