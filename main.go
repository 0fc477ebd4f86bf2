package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"bookflow/buffer"
	"bookflow/collector"
	"bookflow/config"
	"bookflow/envrecord"
	"bookflow/flusher"
	"bookflow/fundingrate"
	"bookflow/integrity"
	"bookflow/logger"
	"bookflow/models"
	"bookflow/orderbook"
	"bookflow/syncer"
	"bookflow/telegram"
	"bookflow/timesync"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
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

	log.WithFields(logger.Fields{
		"service": cfg.Bookflow.Name,
		"version": cfg.Bookflow.Version,
		"symbols": cfg.Symbols,
	}).Info("starting bookflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatchEnabled {
		logger.InitCloudWatch(cfg.Storage.S3.Region, cfg.Metrics.Namespace)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	integrityLog, err := integrity.New(filepath.Join(cfg.Logging.Dir, "integrity"))
	if err != nil {
		log.WithError(err).Error("failed to create integrity logger")
		os.Exit(1)
	}

	reporter := telegram.New(cfg.Telegram)

	recorder, err := envrecord.New(cfg, cfg.Logging.Dir)
	if err != nil {
		log.WithError(err).Error("failed to create environment recorder")
		os.Exit(1)
	}
	if _, err := recorder.Record(); err != nil {
		log.WithError(err).Warn("environment record failed")
	}

	buf := buffer.New(cfg.Buffer)

	fetcher := orderbook.NewRestFetcher(cfg.Orderbook)
	managers := make(map[string]*orderbook.Manager, len(cfg.Symbols))
	for _, symbol := range cfg.Symbols {
		m := orderbook.NewManager(symbol, cfg.Orderbook, fetcher,
			func(r models.DepthLevelRecord) { buf.Append(r) },
			func(g models.GapEvent) {
				integrityLog.RecordGap(g)
				reporter.SendGap(g)
			})
		// Resyncs are counted where they happen, whatever triggered them.
		m.OnResync(integrityLog.RecordResync)
		managers[symbol] = m
	}

	var fileSyncer *syncer.Syncer
	if cfg.Storage.S3.Enabled {
		fileSyncer, err = syncer.New(cfg.Storage, cfg.Flusher.DataDir, cfg.Flusher.Interval,
			integrityLog.RecordSync)
		if err != nil {
			log.WithError(err).Error("failed to create syncer")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("S3 storage disabled; files stay local")
	}

	dataFlusher, err := flusher.New(cfg.Flusher, cfg.Buffer, buf,
		func(r models.FlushResult) {
			integrityLog.RecordFlush(r)
			if fileSyncer != nil {
				fileSyncer.Enqueue(r)
			}
		},
		reporter.SendAlert)
	if err != nil {
		log.WithError(err).Error("failed to create flusher")
		os.Exit(1)
	}

	streams := collector.New(cfg.Collector, cfg.Symbols, buf, managers,
		func(e models.ConnectivityEvent) {
			integrityLog.RecordConnectivity(e)
			switch e.State {
			case models.ConnStateDisconnected:
				reporter.SendDisconnect(e.Market, e.Reason)
			case models.ConnStateReconnected:
				reporter.SendReconnect(e.Market, e.Downtime)
			}
		})
	streams.OnMessage(integrityLog.IncrementMessageCount)

	var funding *fundingrate.Collector
	if cfg.Funding.Enabled {
		funding = fundingrate.New(cfg.Funding, cfg.Symbols, buf)
	}

	var clock *timesync.Monitor
	if cfg.TimeSync.Enabled {
		clock, err = timesync.New(cfg.TimeSync, cfg.Logging.Dir, func(offset time.Duration) {
			reporter.SendAlert("clock offset " + offset.String() + " beyond threshold")
		})
		if err != nil {
			log.WithError(err).Error("failed to create time sync monitor")
			os.Exit(1)
		}
	}

	if err := integrityLog.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start integrity logger")
		os.Exit(1)
	}
	if err := dataFlusher.Start(); err != nil {
		log.WithError(err).Error("failed to start flusher")
		os.Exit(1)
	}
	if fileSyncer != nil {
		if err := fileSyncer.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start syncer")
			os.Exit(1)
		}
	}
	for _, m := range managers {
		m.Start(ctx)
	}
	if err := streams.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start collector")
		os.Exit(1)
	}
	if funding != nil {
		if err := funding.Start(ctx); err != nil {
			log.WithError(err).Warn("funding rate collector failed to start")
		}
	}
	if clock != nil {
		if err := clock.Start(ctx); err != nil {
			log.WithError(err).Warn("time sync monitor failed to start")
		}
	}

	log.Info("all components started successfully")
	reporter.SendStartup(cfg)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)

		log.Info("stopping collector")
		streams.Stop()

		if funding != nil {
			log.Info("stopping funding rate collector")
			funding.Stop()
		}
		if clock != nil {
			log.Info("stopping time sync monitor")
			clock.Stop()
		}

		// Flusher.Stop runs a final flush so records received up to the
		// signal reach disk; the syncer then gets a last upload pass.
		log.Info("stopping flusher")
		dataFlusher.Stop()

		if fileSyncer != nil {
			log.Info("stopping syncer")
			fileSyncer.Stop()
		}

		log.Info("stopping integrity logger")
		integrityLog.Stop()
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("bookflow stopped")
}
