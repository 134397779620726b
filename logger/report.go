package logger

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"
)

var (
	warnCount  int64
	errorCount int64
)

func recordWarn(component string) {
	if component != "" {
		atomic.AddInt64(&warnCount, 1)
	}
}

func recordError(component string) {
	if component != "" {
		atomic.AddInt64(&errorCount, 1)
	}
}

// ReportSource supplies the application specific fields of a runtime report.
type ReportSource func() Fields

func startReport(ctx context.Context, log *Log, interval time.Duration, source ReportSource) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(log, source)
			}
		}
	}()
}

// StartReport begins periodic logging of runtime and pipeline statistics.
// It is enabled when the configured log level is "report".
func StartReport(ctx context.Context, log *Log, interval time.Duration, source ReportSource) {
	startReport(ctx, log, interval, source)
}

func logReport(log *Log, source ReportSource) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	fields := Fields{
		"warnings":      atomic.LoadInt64(&warnCount),
		"errors":        atomic.LoadInt64(&errorCount),
		"goroutines":    runtime.NumGoroutine(),
		"heap_alloc_mb": int64(mem.HeapAlloc) / 1024 / 1024,
	}
	if source != nil {
		for k, v := range source() {
			fields[k] = v
		}
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")
}
