// Command simulator publishes random tracker readings in the firmware's
// format, for driving trackerflow without a device.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"trackerflow/config"
	"trackerflow/internal/decoder"
	"trackerflow/internal/simulator"
	"trackerflow/logger"
)

func main() {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	count := flag.Int("count", 0, "Number of readings to publish (0 runs until interrupted)")
	device := flag.String("device", "", "Device id to publish as (overrides simulator.device_id)")
	pin := flag.String("pin", "", "Publish a fixed position as lat,lng,battery instead of random readings")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}
	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}
	if *device != "" {
		cfg.Simulator.DeviceID = *device
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gen := simulator.NewGenerator(cfg.Simulator.DeviceID, cfg.Simulator.Seed)
	if *pin != "" {
		lat, lng, battery, err := parsePin(*pin)
		if err != nil {
			log.WithError(err).Error("invalid -pin")
			os.Exit(1)
		}
		fix := gen.Pin(lat, lng, battery)
		log.WithField("payload", decoder.FormatPayload(fix)).Info("publishing pinned position")
	}
	pub := simulator.NewPublisher(cfg.Broker, cfg.Simulator, gen, log)
	if err := pub.Connect(ctx); err != nil {
		log.WithError(err).Error("failed to connect to broker")
		os.Exit(1)
	}
	defer pub.Close()

	log.WithFields(logger.Fields{
		"device":   gen.DeviceID(),
		"topic":    cfg.Broker.Topic,
		"interval": cfg.Simulator.Interval.String(),
		"count":    *count,
	}).Info("publishing readings")

	if err := pub.Run(ctx, *count); err != nil {
		log.WithError(err).Error("simulator stopped")
		_ = pub.Close()
		os.Exit(1)
	}
	log.WithField("published", pub.Published()).Info("simulator finished")
}

// parsePin reads "lat,lng,battery".
func parsePin(s string) (lat, lng, battery float64, err error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("want lat,lng,battery, got %q", s)
	}
	values := make([]float64, 3)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("parse %q: %w", p, err)
		}
		values[i] = v
	}
	return values[0], values[1], values[2], nil
}
