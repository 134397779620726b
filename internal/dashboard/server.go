package dashboard

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"trackerflow/config"
	"trackerflow/internal/ingest"
	"trackerflow/internal/metrics"
	"trackerflow/internal/store"
	"trackerflow/logger"
	"trackerflow/models"
)

//go:embed templates/*.tmpl assets/*
var embeddedFS embed.FS

const (
	component   = "dashboard"
	defaultPort = "8050"

	waitingText = "Waiting for MQTT data..."
)

// TelemetrySource is the read side of the rolling store.
type TelemetrySource interface {
	View() (models.TelemetrySample, bool, models.HistoryWindow)
	Stats() store.Stats
}

// BrokerStatus reports the state of the MQTT connection.
type BrokerStatus interface {
	Connected() bool
	ClientID() string
	Connects() uint64
	Messages() uint64
}

// PipelineStatus reports ingest counters.
type PipelineStatus interface {
	Stats() ingest.Stats
}

// Sources are the components the dashboard reads from. Only Telemetry is
// required.
type Sources struct {
	Telemetry TelemetrySource
	Broker    BrokerStatus
	Pipeline  PipelineStatus
}

// Server hosts the Gin dashboard. It only reads from its sources.
type Server struct {
	cfg               config.DashboardConfig
	sources           Sources
	log               *logger.Log
	metricStore       *metricStore
	logStore          *logStore
	metricHandler     metrics.MetricHandlerID
	httpServer        *http.Server
	refreshIntervalMs int
	upgrader          websocket.Upgrader

	streamsMu sync.Mutex
	stopped   bool
	closing   chan struct{}
	streams   sync.WaitGroup
}

// NewServer constructs a dashboard server. A nil server is returned when the
// dashboard is disabled.
func NewServer(cfg config.DashboardConfig, sources Sources, log *logger.Log) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if sources.Telemetry == nil {
		return nil, errors.New("dashboard: telemetry source is required")
	}
	if log == nil {
		log = logger.GetLogger()
	}

	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = config.DefaultRefreshInterval
	}
	if cfg.Title == "" {
		cfg.Title = "Live MQTT Telemetry Dashboard"
	}

	metricStore := newMetricStore(cfg.MetricsHistory)
	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	return &Server{
		cfg:               cfg,
		sources:           sources,
		log:               log,
		metricStore:       metricStore,
		logStore:          logStore,
		metricHandler:     metrics.RegisterMetricHandler(metricStore.handle),
		refreshIntervalMs: int(cfg.RefreshInterval / time.Millisecond),
		closing:           make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}, nil
}

// Run serves the dashboard until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithComponent(component).WithField("address", s.cfg.Address).Info("dashboard listening")

	select {
	case <-ctx.Done():
		s.stopStreams()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

func (s *Server) stopStreams() {
	s.streamsMu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.closing)
	}
	s.streamsMu.Unlock()
	s.streams.Wait()
}

func (s *Server) trackStream() bool {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	if s.stopped {
		return false
	}
	s.streams.Add(1)
	return true
}

func (s *Server) cleanup() {
	s.stopStreams()
	metrics.UnregisterMetricHandler(s.metricHandler)
	if s.logStore != nil {
		s.logStore.close()
		s.log.RemoveHook(s.logStore)
	}
}

// Address reports the address the dashboard listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	tmpl := template.Must(template.New("dashboard").ParseFS(embeddedFS, "templates/index.tmpl"))
	router.SetHTMLTemplate(tmpl)

	if assetsFS, err := fs.Sub(embeddedFS, "assets"); err == nil {
		router.StaticFS("/assets", http.FS(assetsFS))
	}

	router.GET("/", func(c *gin.Context) {
		c.HTML(http.StatusOK, "index.tmpl", gin.H{
			"Title":             s.cfg.Title,
			"RefreshIntervalMs": s.refreshIntervalMs,
			"WaitingText":       waitingText,
		})
	})

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/api/latest", func(c *gin.Context) {
		sample, ok, _ := s.sources.Telemetry.View()
		c.JSON(http.StatusOK, newLatestResponse(sample, ok))
	})

	router.GET("/api/history", func(c *gin.Context) {
		_, _, history := s.sources.Telemetry.View()
		c.JSON(http.StatusOK, history)
	})

	router.GET("/api/telemetry", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.telemetry())
	})

	router.GET("/api/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.status())
	})

	router.GET("/api/metrics", func(c *gin.Context) {
		snapshot := s.metricStore.snapshot()
		payload := make([]gin.H, 0, len(snapshot))
		for _, m := range snapshot {
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Type,
				"fields":    m.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"metrics": payload})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		threshold := logrus.TraceLevel
		if raw := c.Query("level"); raw != "" {
			lvl, err := logrus.ParseLevel(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			threshold = lvl
		}
		c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot(threshold)})
	})

	router.GET("/ws", s.stream)

	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	return router, nil
}

type latestResponse struct {
	Available bool               `json:"available"`
	Sample    *models.SampleView `json:"sample,omitempty"`
}

func newLatestResponse(sample models.TelemetrySample, ok bool) latestResponse {
	if !ok {
		return latestResponse{}
	}
	view := sample.View()
	return latestResponse{Available: true, Sample: &view}
}

type telemetryResponse struct {
	latestResponse
	Info    string               `json:"info"`
	History models.HistoryWindow `json:"history"`
}

// telemetry reads latest and history under one store lock so the pair is
// consistent.
func (s *Server) telemetry() telemetryResponse {
	sample, ok, history := s.sources.Telemetry.View()
	resp := telemetryResponse{
		latestResponse: newLatestResponse(sample, ok),
		Info:           waitingText,
		History:        history,
	}
	if ok && history.Len() > 0 {
		resp.Info = infoLine(sample)
	}
	return resp
}

func infoLine(sample models.TelemetrySample) string {
	return "ID: " + sample.DeviceID + " | Date: " + sample.Date + " | Time: " + sample.Time
}

type brokerResponse struct {
	ClientID string `json:"client_id"`
	Connects uint64 `json:"connects"`
	Messages uint64 `json:"messages"`
}

type statusResponse struct {
	BrokerConnected bool                   `json:"broker_connected"`
	Broker          *brokerResponse        `json:"broker,omitempty"`
	Store           store.Stats            `json:"store"`
	Pipeline        *ingest.Stats          `json:"pipeline,omitempty"`
	MetricsEnabled  bool                   `json:"metrics_enabled"`
	Gauges          map[string]interface{} `json:"gauges"`
}

func (s *Server) status() statusResponse {
	resp := statusResponse{
		Store:          s.sources.Telemetry.Stats(),
		MetricsEnabled: metrics.Enabled(),
		Gauges:         s.metricStore.gauges(),
	}
	if b := s.sources.Broker; b != nil {
		resp.BrokerConnected = b.Connected()
		resp.Broker = &brokerResponse{
			ClientID: b.ClientID(),
			Connects: b.Connects(),
			Messages: b.Messages(),
		}
	}
	if s.sources.Pipeline != nil {
		stats := s.sources.Pipeline.Stats()
		resp.Pipeline = &stats
	}
	return resp
}

// stream pushes the telemetry response over a websocket once per refresh
// interval until the client goes away or the server stops.
func (s *Server) stream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithComponent(component).WithError(err).Debug("websocket upgrade failed")
		return
	}

	defer conn.Close()
	if !s.trackStream() {
		return
	}
	defer s.streams.Done()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(s.telemetry()); err != nil {
			return
		}
		select {
		case <-ticker.C:
		case <-gone:
			return
		case <-s.closing:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			return
		}
	}
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:" + defaultPort
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = defaultPort
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, defaultPort)
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, defaultPort)
	}

	return addr
}
