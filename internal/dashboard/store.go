package dashboard

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"trackerflow/internal/metrics"
)

// ring keeps the most recent limit values pushed to it.
type ring[T any] struct {
	mu    sync.RWMutex
	items []T
	limit int
}

func newRing[T any](limit int) *ring[T] {
	if limit <= 0 {
		limit = 200
	}
	return &ring[T]{limit: limit}
}

func (r *ring[T]) push(v T) {
	r.mu.Lock()
	r.items = append(r.items, v)
	if over := len(r.items) - r.limit; over > 0 {
		r.items = append(r.items[:0], r.items[over:]...)
	}
	r.mu.Unlock()
}

func (r *ring[T]) snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}

// metricStore keeps recent metrics emitted through metrics.EmitMetric together
// with the last value seen for every component/name pair.
type metricStore struct {
	recent *ring[metrics.Metric]

	mu     sync.RWMutex
	latest map[string]metrics.Metric
}

func newMetricStore(limit int) *metricStore {
	return &metricStore{
		recent: newRing[metrics.Metric](limit),
		latest: make(map[string]metrics.Metric),
	}
}

func (s *metricStore) handle(metric metrics.Metric) {
	s.recent.push(metric)
	s.mu.Lock()
	s.latest[metric.Component+"."+metric.Name] = metric
	s.mu.Unlock()
}

func (s *metricStore) snapshot() []metrics.Metric {
	return s.recent.snapshot()
}

// gauges returns the last value of every metric keyed by component.name.
func (s *metricStore) gauges() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]interface{}, len(s.latest))
	for key, m := range s.latest {
		out[key] = m.Value
	}
	return out
}

type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	level     logrus.Level
}

// logStore is a logrus hook that keeps the most recent log records so decode
// failures and connection changes show up on the dashboard.
type logStore struct {
	records *ring[logRecord]
	enabled atomic.Bool
}

func newLogStore(limit int) *logStore {
	ls := &logStore{records: newRing[logRecord](limit)}
	ls.enabled.Store(true)
	return ls
}

func (s *logStore) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (s *logStore) Fire(entry *logrus.Entry) error {
	if !s.enabled.Load() {
		return nil
	}

	record := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		level:     entry.Level,
	}
	if component, ok := entry.Data["component"].(string); ok {
		record.Component = component
	}

	if len(entry.Data) > 0 {
		record.Fields = make(map[string]interface{}, len(entry.Data))
		for k, v := range entry.Data {
			if k == "component" {
				continue
			}
			switch val := v.(type) {
			case error:
				record.Fields[k] = val.Error()
			case fmt.Stringer:
				record.Fields[k] = val.String()
			default:
				record.Fields[k] = val
			}
		}
	}

	s.records.push(record)
	return nil
}

// snapshot returns records at or above the threshold severity, oldest first.
func (s *logStore) snapshot(threshold logrus.Level) []logRecord {
	all := s.records.snapshot()
	out := all[:0]
	for _, r := range all {
		if r.level <= threshold {
			out = append(out, r)
		}
	}
	return out
}

func (s *logStore) close() {
	s.enabled.Store(false)
}
