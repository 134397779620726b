package dashboard

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"trackerflow/internal/metrics"
)

func TestRingKeepsMostRecent(t *testing.T) {
	r := newRing[int](3)
	for i := 0; i < 5; i++ {
		r.push(i)
	}
	got := r.snapshot()
	if len(got) != 3 || got[0] != 2 || got[2] != 4 {
		t.Fatalf("unexpected ring contents: %v", got)
	}

	got[0] = 99
	if r.snapshot()[0] != 2 {
		t.Fatal("snapshot shares memory with the ring")
	}
}

func TestMetricStoreLimitAndGauges(t *testing.T) {
	store := newMetricStore(2)
	for i := 0; i < 5; i++ {
		store.handle(metrics.Metric{Timestamp: time.Unix(int64(i), 0), Component: "ingest", Name: "queue_length", Value: i})
	}
	store.handle(metrics.Metric{Component: "ingest", Name: "history_length", Value: 7})

	snapshot := store.snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 metrics in snapshot, got %d", len(snapshot))
	}
	if snapshot[0].Value != 4 || snapshot[1].Value != 7 {
		t.Fatalf("unexpected metrics retained: %#v", snapshot)
	}

	gauges := store.gauges()
	if gauges["ingest.queue_length"] != 4 || gauges["ingest.history_length"] != 7 {
		t.Fatalf("unexpected gauges: %#v", gauges)
	}
}

func TestLogStoreCapturesEntries(t *testing.T) {
	store := newLogStore(3)
	entry := logrus.NewEntry(logrus.New())
	entry.Time = time.Unix(10, 0)
	entry.Level = logrus.WarnLevel
	entry.Message = "dropping message"
	entry.Data = logrus.Fields{"component": "ingest", "reason": "invalid_hex", "error": errors.New("bad digit")}

	if err := store.Fire(entry); err != nil {
		t.Fatalf("store.Fire returned error: %v", err)
	}

	snapshot := store.snapshot(logrus.TraceLevel)
	if len(snapshot) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(snapshot))
	}
	got := snapshot[0]
	if got.Component != "ingest" || got.Fields["reason"] != "invalid_hex" || got.Fields["error"] != "bad digit" {
		t.Fatalf("unexpected snapshot data: %#v", got)
	}
	if _, ok := got.Fields["component"]; ok {
		t.Fatal("component should not be repeated in fields")
	}
}

func TestLogStoreFiltersByLevel(t *testing.T) {
	store := newLogStore(10)
	for _, lvl := range []logrus.Level{logrus.DebugLevel, logrus.InfoLevel, logrus.WarnLevel, logrus.ErrorLevel} {
		entry := logrus.NewEntry(logrus.New())
		entry.Level = lvl
		entry.Message = lvl.String()
		if err := store.Fire(entry); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	warn := store.snapshot(logrus.WarnLevel)
	if len(warn) != 2 || warn[0].Level != "warning" || warn[1].Level != "error" {
		t.Fatalf("unexpected filtered records: %#v", warn)
	}
	if all := store.snapshot(logrus.TraceLevel); len(all) != 4 {
		t.Fatalf("expected 4 records, got %d", len(all))
	}
}

func TestLogStoreRespectsLimitAndClose(t *testing.T) {
	store := newLogStore(2)
	for i := 0; i < 4; i++ {
		entry := logrus.NewEntry(logrus.New())
		entry.Message = "msg"
		entry.Level = logrus.InfoLevel
		entry.Data = logrus.Fields{"index": i}
		if err := store.Fire(entry); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	snapshot := store.snapshot(logrus.TraceLevel)
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 entries after pruning, got %d", len(snapshot))
	}

	store.close()
	entry := logrus.NewEntry(logrus.New())
	entry.Message = "ignored"
	if err := store.Fire(entry); err != nil {
		t.Fatalf("unexpected error after close: %v", err)
	}
	if len(store.snapshot(logrus.TraceLevel)) != 2 {
		t.Fatalf("store accepted entries after close")
	}
}
