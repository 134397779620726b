package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"trackerflow/config"
	"trackerflow/internal/ingest"
	"trackerflow/internal/metrics"
	"trackerflow/internal/store"
	"trackerflow/logger"
	"trackerflow/models"
)

type fakeBroker bool

func (b fakeBroker) Connected() bool  { return bool(b) }
func (b fakeBroker) ClientID() string { return "trackerflow-test" }
func (b fakeBroker) Connects() uint64 { return 2 }
func (b fakeBroker) Messages() uint64 { return 9 }

type fakePipeline ingest.Stats

func (p fakePipeline) Stats() ingest.Stats { return ingest.Stats(p) }

func quietLogger() *logger.Log {
	log := logger.Logger()
	log.SetOutput(&bytes.Buffer{})
	return log
}

func sample(i int) models.TelemetrySample {
	return models.TelemetrySample{
		DeviceID:       "ESP32_001",
		Latitude:       float64(i),
		Longitude:      -float64(i),
		BatteryPercent: 50.19607843137255,
		Date:           "2024-05-01",
		Time:           fmt.Sprintf("12:00:%02d", i),
	}
}

func newTestServer(t *testing.T, rs *store.RollingStore) (*Server, http.Handler) {
	t.Helper()
	cfg := config.DashboardConfig{Enabled: true, RefreshInterval: 20 * time.Millisecond, LogHistory: 10, MetricsHistory: 10}
	srv, err := NewServer(cfg, Sources{
		Telemetry: rs,
		Broker:    fakeBroker(true),
		Pipeline:  fakePipeline{Received: 3, Decoded: 2, Failed: 1},
	}, quietLogger())
	if err != nil {
		t.Fatalf("NewServer error: %v", err)
	}
	t.Cleanup(srv.cleanup)

	router, err := srv.buildRouter()
	if err != nil {
		t.Fatalf("buildRouter error: %v", err)
	}
	return srv, router
}

func get(t *testing.T, h http.Handler, path string, out interface{}) *httptest.ResponseRecorder {
	t.Helper()
	res := httptest.NewRecorder()
	h.ServeHTTP(res, httptest.NewRequest(http.MethodGet, path, nil))
	if out != nil {
		if err := json.Unmarshal(res.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s: %v (%s)", path, err, res.Body.String())
		}
	}
	return res
}

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":                               "0.0.0.0:8050",
		"  :9090  ":                      "0.0.0.0:9090",
		"localhost":                      "localhost:8050",
		"0.0.0.0:80":                     "0.0.0.0:80",
		"[::1]:443":                      "[::1]:443",
		"::1":                            "[::1]:8050",
		"*:8080":                         "0.0.0.0:8080",
		"http://13.200.112.203:8080":     "13.200.112.203:8080",
		"https://13.200.112.203":         "13.200.112.203:8050",
		"http://:7070":                   "0.0.0.0:7070",
		"tcp://localhost:5050":           "localhost:5050",
		"https://dashboard.example.com/": "dashboard.example.com:8050",
	}

	for input, want := range cases {
		if got := normalizeAddress(input); got != want {
			t.Fatalf("normalizeAddress(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestNewServerNormalizesConfiguredAddress(t *testing.T) {
	cfg := config.DashboardConfig{Enabled: true, Address: ":9000"}
	srv, err := NewServer(cfg, Sources{Telemetry: store.New(10)}, quietLogger())
	if err != nil {
		t.Fatalf("NewServer returned error: %v", err)
	}
	if srv == nil {
		t.Fatal("expected dashboard server, got nil")
	}
	defer srv.cleanup()
	if got := srv.Address(); got != "0.0.0.0:9000" {
		t.Fatalf("server address = %q, want %q", got, "0.0.0.0:9000")
	}
	if srv.refreshIntervalMs != 1000 {
		t.Fatalf("refresh interval = %dms, want 1000ms", srv.refreshIntervalMs)
	}
}

func TestCleanupDetachesLogHook(t *testing.T) {
	log := quietLogger()
	before := len(log.Hooks[logrus.InfoLevel])
	hooked := func(ls *logStore) bool {
		for _, hooks := range log.Hooks {
			for _, h := range hooks {
				if h == ls {
					return true
				}
			}
		}
		return false
	}

	for i := 0; i < 3; i++ {
		srv, err := NewServer(config.DashboardConfig{Enabled: true}, Sources{Telemetry: store.New(1)}, log)
		if err != nil {
			t.Fatalf("NewServer: %v", err)
		}
		if !hooked(srv.logStore) {
			t.Fatal("log store not attached to logger")
		}
		srv.cleanup()
		if hooked(srv.logStore) {
			t.Fatalf("log store still attached after cleanup (server %d)", i)
		}
	}

	if got := len(log.Hooks[logrus.InfoLevel]); got != before {
		t.Fatalf("hooks piled up: %d registrations at info, want %d", got, before)
	}
}

func TestNewServerDisabledOrMissingSource(t *testing.T) {
	srv, err := NewServer(config.DashboardConfig{Enabled: false}, Sources{}, quietLogger())
	if err != nil || srv != nil {
		t.Fatalf("disabled dashboard: got %v, %v", srv, err)
	}
	if err := srv.Run(context.Background()); err != nil {
		t.Fatalf("Run on nil server: %v", err)
	}

	if _, err := NewServer(config.DashboardConfig{Enabled: true}, Sources{}, quietLogger()); err == nil {
		t.Fatal("expected error without telemetry source")
	}
}

func TestTelemetryEndpointsBeforeFirstSample(t *testing.T) {
	_, router := newTestServer(t, store.New(10))

	var latest latestResponse
	get(t, router, "/api/latest", &latest)
	if latest.Available || latest.Sample != nil {
		t.Fatalf("expected no sample, got %#v", latest)
	}

	var telemetry telemetryResponse
	get(t, router, "/api/telemetry", &telemetry)
	if telemetry.Info != "Waiting for MQTT data..." {
		t.Fatalf("info = %q", telemetry.Info)
	}
	if telemetry.History.Len() != 0 {
		t.Fatalf("expected empty history, got %d", telemetry.History.Len())
	}

	res := get(t, router, "/api/history", nil)
	if !strings.Contains(res.Body.String(), `"times":[]`) {
		t.Fatalf("expected empty arrays, got %s", res.Body.String())
	}
}

func TestTelemetryEndpointsReflectStore(t *testing.T) {
	rs := store.New(3)
	for i := 1; i <= 5; i++ {
		rs.Record(sample(i))
	}
	_, router := newTestServer(t, rs)

	var latest latestResponse
	get(t, router, "/api/latest", &latest)
	if !latest.Available || latest.Sample == nil {
		t.Fatal("expected latest sample")
	}
	want := sample(5).View()
	if *latest.Sample != want {
		t.Fatalf("latest = %#v, want %#v", *latest.Sample, want)
	}
	if latest.Sample.Battery != "50.196" || latest.Sample.Longitude != "-5.000" {
		t.Fatalf("unexpected rounding: %#v", latest.Sample)
	}

	var history models.HistoryWindow
	get(t, router, "/api/history", &history)
	if history.Len() != 3 || history.Times[0] != "12:00:03" || history.Latitudes[2] != 5 {
		t.Fatalf("unexpected history: %#v", history)
	}
	if history.Batteries[0] != 50.19607843137255 {
		t.Fatalf("history lost precision: %v", history.Batteries[0])
	}

	var telemetry telemetryResponse
	get(t, router, "/api/telemetry", &telemetry)
	if telemetry.Info != "ID: ESP32_001 | Date: 2024-05-01 | Time: 12:00:05" {
		t.Fatalf("info = %q", telemetry.Info)
	}
	if telemetry.History.Times[telemetry.History.Len()-1] != telemetry.Sample.Time {
		t.Fatal("history tail does not match latest sample")
	}
}

func TestStatusEndpoint(t *testing.T) {
	rs := store.New(10)
	rs.Record(sample(1))
	_, router := newTestServer(t, rs)

	metrics.EmitMetric(quietLogger(), "ingest", "queue_length", 2, "gauge", nil)

	var status statusResponse
	get(t, router, "/api/status", &status)
	if !status.BrokerConnected {
		t.Fatal("expected broker connected")
	}
	if status.Store.Length != 1 || status.Store.Capacity != 10 {
		t.Fatalf("unexpected store stats: %#v", status.Store)
	}
	if status.Pipeline == nil || status.Pipeline.Failed != 1 {
		t.Fatalf("unexpected pipeline stats: %#v", status.Pipeline)
	}
	if status.Broker == nil || status.Broker.ClientID != "trackerflow-test" || status.Broker.Connects != 2 || status.Broker.Messages != 9 {
		t.Fatalf("unexpected broker details: %#v", status.Broker)
	}
	if status.MetricsEnabled != metrics.Enabled() {
		t.Fatalf("metrics_enabled = %v", status.MetricsEnabled)
	}
	if status.Gauges["ingest.queue_length"] != float64(2) {
		t.Fatalf("unexpected gauges: %#v", status.Gauges)
	}
}

func TestLogsEndpoint(t *testing.T) {
	srv, router := newTestServer(t, store.New(10))
	srv.log.WithComponent("ingest").WithField("reason", "invalid_hex").Warn("dropping message")
	srv.log.WithComponent("ingest").Info("noise")

	var payload struct {
		Logs []logRecord `json:"logs"`
	}
	get(t, router, "/api/logs?level=warning", &payload)
	if len(payload.Logs) != 1 || payload.Logs[0].Message != "dropping message" {
		t.Fatalf("unexpected logs: %#v", payload.Logs)
	}

	res := get(t, router, "/api/logs?level=loud", nil)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad level, got %d", res.Code)
	}
}

func TestIndexHealthAndMetrics(t *testing.T) {
	_, router := newTestServer(t, store.New(10))

	res := get(t, router, "/", nil)
	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), "Live MQTT Telemetry Dashboard") {
		t.Fatalf("unexpected index: %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), `data-refresh-ms="20"`) {
		t.Fatal("index does not carry refresh interval")
	}

	if res := get(t, router, "/healthz", nil); res.Code != http.StatusOK {
		t.Fatalf("healthz status %d", res.Code)
	}
	if res := get(t, router, "/assets/dashboard.js", nil); res.Code != http.StatusOK {
		t.Fatalf("asset status %d", res.Code)
	}

	metrics.Init()
	metrics.IncMessagesReceived()
	res = get(t, router, "/metrics", nil)
	if !strings.Contains(res.Body.String(), "trackerflow_messages_received_total") {
		t.Fatal("metrics exposition missing counter")
	}
}

func TestMetricsEndpointEmitsStoredMetrics(t *testing.T) {
	srv, router := newTestServer(t, store.New(10))
	metrics.EmitMetric(srv.log, "ingest", "history_length", 5, "gauge", logger.Fields{"capacity": 10})

	var payload struct {
		Metrics []map[string]interface{} `json:"metrics"`
	}
	get(t, router, "/api/metrics", &payload)
	if len(payload.Metrics) == 0 {
		t.Fatal("metrics store empty")
	}
}

func TestWebsocketStreamsTelemetry(t *testing.T) {
	rs := store.New(10)
	srv, router := newTestServer(t, rs)
	ts := httptest.NewServer(router)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var first telemetryResponse
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read: %v", err)
	}
	if first.Available {
		t.Fatal("expected empty telemetry on first frame")
	}

	rs.Record(sample(7))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var next telemetryResponse
		if err := conn.ReadJSON(&next); err != nil {
			t.Fatalf("read: %v", err)
		}
		if next.Available {
			if next.Sample.Time != "12:00:07" {
				t.Fatalf("unexpected sample: %#v", next.Sample)
			}
			srv.stopStreams()
			return
		}
	}
	t.Fatal("stream never delivered the recorded sample")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	srv, err := NewServer(config.DashboardConfig{Enabled: true, Address: addr}, Sources{Telemetry: store.New(10)}, quietLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	var res *http.Response
	for i := 0; i < 50; i++ {
		res, err = http.Get("http://" + addr + "/healthz")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dashboard never came up: %v", err)
	}
	res.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
