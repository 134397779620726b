package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBrokerHost       = "test.mosquitto.org"
	DefaultBrokerPort       = 1883
	DefaultTopic            = "/egress/ESP_01"
	DefaultHistorySize      = 100
	DefaultQueueSize        = 64
	DefaultDashboardAddress = "0.0.0.0:8050"
	DefaultRefreshInterval  = time.Second
	DefaultSimulatorDevice  = "ESP32_001"
	DefaultSimulatorPeriod  = 5 * time.Second
)

type Config struct {
	App       AppConfig       `yaml:"app"`
	Broker    BrokerConfig    `yaml:"broker"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
	Simulator SimulatorConfig `yaml:"simulator"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// BrokerConfig describes the MQTT broker and the topic the tracker publishes on.
type BrokerConfig struct {
	Host                 string        `yaml:"host"`
	Port                 int           `yaml:"port"`
	Topic                string        `yaml:"topic"`
	ClientIDPrefix       string        `yaml:"client_id_prefix"`
	Username             string        `yaml:"username"`
	Password             string        `yaml:"password"`
	QoS                  int           `yaml:"qos"`
	KeepAlive            time.Duration `yaml:"keep_alive"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	MaxReconnectInterval time.Duration `yaml:"max_reconnect_interval"`
}

// Address returns the broker endpoint as host:port.
func (b BrokerConfig) Address() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// URL returns the broker endpoint in the tcp://host:port form used by MQTT clients.
func (b BrokerConfig) URL() string {
	return "tcp://" + b.Address()
}

type IngestConfig struct {
	// HistorySize caps every sequence of the rolling history (maxlen).
	HistorySize int `yaml:"history_size"`
	QueueSize   int `yaml:"queue_size"`
}

type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	Title           string        `yaml:"title"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	LogHistory      int           `yaml:"log_history"`
	MetricsHistory  int           `yaml:"metrics_history"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// SimulatorConfig drives cmd/simulator, which publishes payloads the way the
// tracker firmware does.
type SimulatorConfig struct {
	DeviceID string        `yaml:"device_id"`
	Interval time.Duration `yaml:"interval"`
	Burst    int           `yaml:"burst"`
	Seed     int64         `yaml:"seed"`
}

// Default returns the configuration used when no file overrides a value.
func Default() Config {
	return Config{
		App: AppConfig{
			Name:    "trackerflow",
			Version: "dev",
		},
		Broker: BrokerConfig{
			Host:                 DefaultBrokerHost,
			Port:                 DefaultBrokerPort,
			Topic:                DefaultTopic,
			ClientIDPrefix:       "trackerflow-",
			KeepAlive:            60 * time.Second,
			ConnectTimeout:       10 * time.Second,
			MaxReconnectInterval: 30 * time.Second,
		},
		Ingest: IngestConfig{
			HistorySize: DefaultHistorySize,
			QueueSize:   DefaultQueueSize,
		},
		Dashboard: DashboardConfig{
			Enabled:         true,
			Address:         DefaultDashboardAddress,
			Title:           "Live MQTT Telemetry Dashboard",
			RefreshInterval: DefaultRefreshInterval,
			LogHistory:      200,
			MetricsHistory:  200,
		},
		Metrics: MetricsConfig{Enabled: true},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Simulator: SimulatorConfig{
			DeviceID: DefaultSimulatorDevice,
			Interval: DefaultSimulatorPeriod,
			Burst:    1,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, DefaultPath, envSpecificPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return ParseConfig(data)
}

// ParseConfig decodes YAML on top of Default, applies environment overrides and
// validates the result.
func ParseConfig(data []byte) (*Config, error) {
	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnvOverrides(&config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	config.Broker.Host = strings.TrimSpace(config.Broker.Host)
	config.Broker.Topic = strings.TrimSpace(config.Broker.Topic)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		cfg.Broker.Host = strings.TrimSpace(v)
	}
	if v := os.Getenv("MQTT_PORT"); v != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("MQTT_PORT %q is not a number: %w", v, err)
		}
		cfg.Broker.Port = port
	}
	if v := os.Getenv("MQTT_TOPIC"); v != "" {
		cfg.Broker.Topic = strings.TrimSpace(v)
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		cfg.Broker.Username = strings.TrimSpace(v)
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		cfg.Broker.Password = v
	}
	if v := os.Getenv("HISTORY_MAXLEN"); v != "" {
		size, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("HISTORY_MAXLEN %q is not a number: %w", v, err)
		}
		cfg.Ingest.HistorySize = size
	}
	if v := os.Getenv("DASHBOARD_ADDRESS"); v != "" {
		cfg.Dashboard.Address = strings.TrimSpace(v)
	}
	return nil
}

func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}

	if cfg.Broker.Host == "" {
		return fmt.Errorf("broker.host is required")
	}
	if cfg.Broker.Port <= 0 || cfg.Broker.Port > 65535 {
		return fmt.Errorf("broker.port %d is out of range", cfg.Broker.Port)
	}
	if cfg.Broker.Topic == "" {
		return fmt.Errorf("broker.topic is required")
	}
	if cfg.Broker.QoS < 0 || cfg.Broker.QoS > 2 {
		return fmt.Errorf("broker.qos must be 0, 1 or 2")
	}
	if cfg.Broker.ConnectTimeout <= 0 {
		return fmt.Errorf("broker.connect_timeout must be greater than 0")
	}

	if cfg.Ingest.HistorySize <= 0 {
		return fmt.Errorf("ingest.history_size must be greater than 0")
	}
	if cfg.Ingest.QueueSize < 0 {
		return fmt.Errorf("ingest.queue_size must not be negative")
	}

	if cfg.Dashboard.Enabled && cfg.Dashboard.RefreshInterval <= 0 {
		return fmt.Errorf("dashboard.refresh_interval must be greater than 0")
	}

	if cfg.Simulator.Interval <= 0 {
		return fmt.Errorf("simulator.interval must be greater than 0")
	}

	return nil
}
