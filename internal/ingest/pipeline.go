// Package ingest owns the decode-and-record path. Messages are decoded and
// recorded one at a time, in the order they were submitted.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"trackerflow/internal/decoder"
	"trackerflow/internal/metrics"
	"trackerflow/logger"
	"trackerflow/models"
)

const component = "ingest"

// ErrStopped is returned by Submit once the pipeline has been stopped.
var ErrStopped = errors.New("ingest pipeline stopped")

// Recorder is the store the pipeline writes decoded samples to.
type Recorder interface {
	Record(models.TelemetrySample)
	Len() int
}

// Stats counts messages seen by the pipeline.
type Stats struct {
	Received uint64 `json:"received"`
	Decoded  uint64 `json:"decoded"`
	Failed   uint64 `json:"failed"`
	Queued   int    `json:"queued"`
}

type Pipeline struct {
	store Recorder
	queue chan models.RawMessage
	log   *logger.Log

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup

	received atomic.Uint64
	decoded  atomic.Uint64
	failed   atomic.Uint64

	statsInterval time.Duration
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithStatsInterval sets how often queue and history gauges are emitted.
func WithStatsInterval(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.statsInterval = d
		}
	}
}

func NewPipeline(store Recorder, queueSize int, log *logger.Log, opts ...Option) *Pipeline {
	if queueSize < 0 {
		queueSize = 0
	}
	if log == nil {
		log = logger.GetLogger()
	}
	p := &Pipeline{
		store:         store,
		queue:         make(chan models.RawMessage, queueSize),
		log:           log,
		done:          make(chan struct{}),
		statsInterval: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the single ingest worker.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("ingest pipeline already running")
	}
	select {
	case <-p.done:
		return ErrStopped
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	p.log.WithComponent(component).WithFields(logger.Fields{
		"queue_size": cap(p.queue),
	}).Info("starting ingest pipeline")

	p.wg.Add(2)
	go p.worker(ctx)
	go p.metricsReporter(ctx)
	return nil
}

// Stop terminates the worker and waits for it. Messages still queued are
// dropped.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
	p.log.WithComponent(component).WithFields(logger.Fields{
		"dropped_in_queue": len(p.queue),
	}).Info("ingest pipeline stopped")
}

// Submit hands a message to the worker. It blocks while the queue is full so
// arrival order is kept; it returns early if ctx is done or the pipeline stops.
func (p *Pipeline) Submit(ctx context.Context, raw models.RawMessage) error {
	select {
	case <-p.done:
		return ErrStopped
	default:
	}

	select {
	case p.queue <- raw:
		return nil
	case <-p.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle decodes one message and records it on success. A decode failure is
// logged and counted; the store is not touched.
func (p *Pipeline) Handle(raw models.RawMessage) error {
	p.received.Add(1)
	metrics.IncMessagesReceived()

	sample, err := decoder.Decode(raw)
	if err != nil {
		p.failed.Add(1)
		reason := decoder.Reason(err)
		metrics.RecordDrop(p.log, component, reason, raw.Topic)
		p.log.WithComponent(component).WithError(err).WithFields(logger.Fields{
			"topic":  raw.Topic,
			"reason": reason,
			"bytes":  len(raw.Payload),
		}).Warn("dropping undecodable message")
		return err
	}

	p.store.Record(sample)
	p.decoded.Add(1)
	metrics.IncSamplesDecoded()
	metrics.SetHistoryLength(p.store.Len())
	logger.LogDataFlowEntry(p.log.WithComponent(component), raw.Topic, "store", 1, "telemetry_sample")

	view := sample.View()
	p.log.WithComponent(component).WithFields(logger.Fields{
		"id":   view.DeviceID,
		"lat":  view.Latitude,
		"lng":  view.Longitude,
		"bat":  view.Battery,
		"date": view.Date,
		"time": view.Time,
	}).Debug("sample recorded")
	return nil
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Received: p.received.Load(),
		Decoded:  p.decoded.Load(),
		Failed:   p.failed.Load(),
		Queued:   len(p.queue),
	}
}

// ReportFields returns the counters in the shape used by the runtime report.
func (p *Pipeline) ReportFields() logger.Fields {
	s := p.Stats()
	return logger.Fields{
		"messages_received": s.Received,
		"samples_decoded":   s.Decoded,
		"decode_failures":   s.Failed,
		"queue_length":      s.Queued,
		"history_length":    p.store.Len(),
	}
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-p.queue:
			_ = p.Handle(raw)
		}
	}
}

func (p *Pipeline) metricsReporter(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := p.Stats()
			metrics.EmitMetric(p.log, component, "queue_length", s.Queued, "gauge", logger.Fields{
				"capacity": cap(p.queue),
			})
			metrics.EmitMetric(p.log, component, "history_length", p.store.Len(), "gauge", nil)
			metrics.EmitMetric(p.log, component, "samples_decoded", s.Decoded, "counter", nil)
			metrics.EmitMetric(p.log, component, "decode_failures", s.Failed, "counter", nil)
		}
	}
}
