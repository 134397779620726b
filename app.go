package main

import (
	"context"
	"sync"

	"trackerflow/config"
	"trackerflow/internal/dashboard"
	"trackerflow/internal/ingest"
	"trackerflow/internal/store"
	"trackerflow/internal/transport"
	"trackerflow/logger"
)

// app owns the long-running components: subscriber -> pipeline -> store, and
// the dashboard reading from the store.
type app struct {
	cfg *config.Config
	log *logger.Log

	store      *store.RollingStore
	pipeline   *ingest.Pipeline
	subscriber *transport.Subscriber
	dashboard  *dashboard.Server

	wg        sync.WaitGroup
	dashErrCh chan error
}

func newApp(cfg *config.Config, log *logger.Log) (*app, error) {
	rs := store.New(cfg.Ingest.HistorySize)
	pipeline := ingest.NewPipeline(rs, cfg.Ingest.QueueSize, log)
	subscriber := transport.NewSubscriber(cfg.Broker, pipeline.Submit, log)

	dash, err := dashboard.NewServer(cfg.Dashboard, dashboard.Sources{
		Telemetry: rs,
		Broker:    subscriber,
		Pipeline:  pipeline,
	}, log)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:        cfg,
		log:        log,
		store:      rs,
		pipeline:   pipeline,
		subscriber: subscriber,
		dashboard:  dash,
		dashErrCh:  make(chan error, 1),
	}, nil
}

// start launches every component. The pipeline is running before the
// subscriber connects so no delivered message is lost.
func (a *app) start(ctx context.Context) error {
	if err := a.pipeline.Start(ctx); err != nil {
		return err
	}

	if a.dashboard != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.dashboard.Run(ctx); err != nil {
				a.log.WithComponent("main").WithError(err).Error("dashboard stopped")
				a.dashErrCh <- err
			}
		}()
	}

	if err := a.subscriber.Start(ctx); err != nil {
		a.pipeline.Stop()
		return err
	}
	return nil
}

// failed delivers the dashboard error if it stops on its own.
func (a *app) failed() <-chan error {
	return a.dashErrCh
}

// stop shuts components down in reverse order. The caller cancels the context
// passed to start first so the dashboard returns.
func (a *app) stop() {
	a.log.Info("stopping subscriber")
	a.subscriber.Stop()

	a.log.Info("stopping ingest pipeline")
	a.pipeline.Stop()

	a.wg.Wait()
}

func (a *app) reportFields() logger.Fields {
	fields := a.pipeline.ReportFields()
	fields["broker_connected"] = a.subscriber.Connected()
	return fields
}
