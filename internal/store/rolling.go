// Package store keeps the bounded telemetry history and the latest sample.
package store

import (
	"sync"
	"time"

	"trackerflow/models"
)

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 100

type point struct {
	latitude  float64
	longitude float64
	battery   float64
	time      string
}

// Stats summarises store activity for status reporting.
type Stats struct {
	Length       int       `json:"length"`
	Capacity     int       `json:"capacity"`
	Records      uint64    `json:"records"`
	Evictions    uint64    `json:"evictions"`
	LastRecordAt time.Time `json:"last_record_at"`
}

// RollingStore retains the most recent samples up to a fixed capacity, oldest
// first, plus the most recently recorded sample. It is safe for one writer and
// any number of concurrent readers.
type RollingStore struct {
	mu     sync.RWMutex
	items  []point
	limit  int
	latest models.TelemetrySample
	filled bool

	records   uint64
	evictions uint64
	lastAt    time.Time
	now       func() time.Time
}

func New(capacity int) *RollingStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &RollingStore{
		items: make([]point, 0, capacity),
		limit: capacity,
		now:   time.Now,
	}
}

// Record appends the sample to the history, evicting the oldest entry once
// the capacity is exceeded, and replaces the latest sample. Both happen in a
// single critical section.
func (s *RollingStore) Record(sample models.TelemetrySample) {
	p := point{
		latitude:  sample.Latitude,
		longitude: sample.Longitude,
		battery:   sample.BatteryPercent,
		time:      sample.Time,
	}
	at := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = append(s.items, p)
	if len(s.items) > s.limit {
		// keep the most recent entries only
		dropped := len(s.items) - s.limit
		s.items = append(s.items[:0], s.items[dropped:]...)
		s.evictions += uint64(dropped)
	}

	s.latest = sample
	s.filled = true
	s.records++
	s.lastAt = at
}

// Snapshot returns a copy of the history. The copy is never shared with the
// store and never straddles two Record calls.
func (s *RollingStore) Snapshot() models.HistoryWindow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *RollingStore) snapshotLocked() models.HistoryWindow {
	n := len(s.items)
	w := models.HistoryWindow{
		Latitudes:  make([]float64, n),
		Longitudes: make([]float64, n),
		Batteries:  make([]float64, n),
		Times:      make([]string, n),
	}
	for i, p := range s.items {
		w.Latitudes[i] = p.latitude
		w.Longitudes[i] = p.longitude
		w.Batteries[i] = p.battery
		w.Times[i] = p.time
	}
	return w
}

// Latest returns the most recently recorded sample. The boolean is false until
// the first Record.
func (s *RollingStore) Latest() (models.TelemetrySample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.filled
}

// View returns the latest sample and the history taken under one read lock,
// so the last history entry always belongs to the returned sample.
func (s *RollingStore) View() (models.TelemetrySample, bool, models.HistoryWindow) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.filled, s.snapshotLocked()
}

func (s *RollingStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *RollingStore) Capacity() int {
	return s.limit
}

func (s *RollingStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Length:       len(s.items),
		Capacity:     s.limit,
		Records:      s.records,
		Evictions:    s.evictions,
		LastRecordAt: s.lastAt,
	}
}
