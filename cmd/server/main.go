package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"perpcore/api/grpcserver"
	"perpcore/api/httpstatus"
	"perpcore/config"
	"perpcore/infra/cache"
	"perpcore/infra/clock"
	"perpcore/infra/kafka"
	"perpcore/infra/metrics"
	"perpcore/infra/rabbit"
	"perpcore/infra/sequence"
	entrywal "perpcore/infra/wal/entry"
	exitwal "perpcore/infra/wal/exit"
	"perpcore/jobs/broadcaster"
	"perpcore/jobs/scheduler"
	"perpcore/service"
	"perpcore/storage"
	"perpcore/storage/pebblecas"
	"perpcore/storage/sqlite"
)

func main() {
	cfgPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*cfgPath); err != nil {
		logrus.WithError(err).Fatal("perpcore exited")
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := config.SetupLogging(cfg.Log); err != nil {
		return err
	}
	log := logrus.WithField("component", "main")

	catalogue, err := config.LoadMarkets(cfg.MarketsFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	clk := clock.Real{}

	// ---------------- Entry WAL ----------------

	entryWAL, err := entrywal.Open(entrywal.Config{
		Dir:             cfg.Journal.Dir,
		SegmentSize:     cfg.Journal.SegmentSize,
		SegmentDuration: cfg.Journal.SegmentDuration,
		SyncEveryAppend: cfg.Journal.SyncEveryAppend,
	})
	if err != nil {
		return errors.Wrap(err, "entry wal")
	}
	defer entryWAL.Close()
	journal := sequence.NewJournal(sequence.New(0), clk, entryWAL)

	// ---------------- Exit WAL ----------------

	outbox, err := exitwal.Open(cfg.Outbox.Dir)
	if err != nil {
		return errors.Wrap(err, "exit wal")
	}
	defer outbox.Close()

	// ---------------- Storage ----------------

	warm, cold := openTiers(cfg.Storage)

	opts := []storage.Option{
		storage.WithMetrics(m),
		storage.WithNotifier(service.OutboxNotifier(outbox)),
	}
	if cfg.Storage.Mirror.Enabled {
		opts = append(opts, storage.WithMirror(cache.NewRedisMirror(cache.Options{
			Addr:     cfg.Storage.Mirror.Addr,
			Password: cfg.Storage.Mirror.Password,
			DB:       cfg.Storage.Mirror.DB,
			Prefix:   cfg.Storage.Mirror.Prefix,
			TTL:      cfg.Storage.Mirror.TTL,
		})))
	}
	store := storage.New(ctx, storage.Config{
		ArchiveAfter:     cfg.Storage.ArchiveAfter,
		QueueSize:        cfg.Storage.QueueSize,
		OpTimeout:        cfg.Storage.OpTimeout,
		FailureThreshold: cfg.Storage.FailureThreshold,
		BreakerTimeout:   cfg.Storage.BreakerTimeout,
		Clock:            clk,
	}, warm, cold, opts...)
	store.Start()

	// ---------------- Broadcaster ----------------

	sink, err := openSink(ctx, cfg.Sink)
	if err != nil {
		store.Close()
		return err
	}
	relay := broadcaster.New(outbox, sink, broadcaster.Config{
		Batch:      cfg.Sink.Batch,
		MaxRetries: cfg.Sink.MaxRetries,
		Timeout:    cfg.Sink.Timeout,
	}, clk, m)

	// ---------------- Service ----------------

	svcOpts := service.Options{
		Markets:       catalogue.Markets,
		Spot:          catalogue.Spot,
		Journal:       journal,
		Storage:       store,
		Outbox:        outbox,
		Broadcaster:   relay,
		Metrics:       m,
		Clock:         clk,
		TradeHistory:  cfg.TradeHistory,
		SnapshotDepth: cfg.SnapshotDepth,
	}
	if archive, ok := warm.(service.TradeArchive); ok {
		svcOpts.Trades = archive
	}
	svc, err := service.New(svcOpts)
	if err != nil {
		relay.Close()
		store.Close()
		return err
	}
	defer svc.Close()

	if cfg.Journal.Replay {
		last, err := svc.Replay(ctx, cfg.Journal.Dir)
		if err != nil {
			return errors.Wrap(err, "replay")
		}
		log.WithField("last_seq", last).Info("journal replayed")
	}

	// ---------------- Background Jobs ----------------

	sched := scheduler.New(clk, m)
	for _, j := range svc.Jobs(service.Intervals{
		Funding:      cfg.Jobs.Funding,
		Liquidations: cfg.Jobs.Liquidations,
		StorageSync:  cfg.Jobs.StorageSync,
		Snapshot:     cfg.Jobs.Snapshot,
		Broadcast:    cfg.Jobs.Broadcast,
	}) {
		sched.Add(j)
	}
	jobsDone := make(chan struct{})
	go func() {
		defer close(jobsDone)
		sched.Start(ctx, cfg.Jobs.Resolution)
	}()

	// ---------------- gRPC ----------------

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", cfg.GRPCAddr)
	}
	grpcSrv := grpcserver.NewGRPCServer(svc)
	errc := make(chan error, 2)
	go func() { errc <- grpcSrv.Serve(lis) }()

	// ---------------- HTTP ----------------

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpstatus.NewHandler(svc, reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	log.WithFields(logrus.Fields{
		"grpc":    cfg.GRPCAddr,
		"http":    cfg.HTTPAddr,
		"markets": len(catalogue.Markets),
		"spot":    len(catalogue.Spot),
	}).Info("perpcore running")

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-errc:
		log.WithError(err).Error("server failed")
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	<-jobsDone

	// Drain what the last sweeps produced before the relay closes.
	if _, rerr := svc.Broadcast(shutdownCtx); rerr != nil {
		log.WithError(rerr).Warn("final broadcast failed")
	}
	return err
}

// openTiers builds the warm and cold backends; the coordinator owns and
// closes them. A backend that cannot open starts down, not fatal.
func openTiers(c config.StorageConfig) (storage.Warm, storage.Cold) {
	var (
		warm storage.Warm
		cold storage.Cold
	)
	switch c.Warm {
	case config.BackendMemory:
		warm = storage.NewMemoryWarm()
	case config.BackendSQLite:
		s, err := sqlite.Open(c.SQLitePath)
		if err != nil {
			logrus.WithError(err).Warn("sqlite unavailable, warm tier down")
			warm = storage.UnreachableWarm(err)
		} else {
			warm = s
		}
	}
	switch c.Cold {
	case config.BackendMemory:
		cold = storage.NewMemoryCold()
	case config.BackendPebble:
		s, err := pebblecas.Open(c.PebbleDir)
		if err != nil {
			logrus.WithError(err).Warn("pebble unavailable, cold tier down")
			cold = storage.UnreachableCold(err)
		} else {
			cold = s
		}
	}
	return warm, cold
}

func openSink(ctx context.Context, c config.SinkConfig) (broadcaster.Sink, error) {
	switch c.Kind {
	case config.SinkSarama:
		p, err := kafka.NewSyncProducer(c.Brokers, c.Topic)
		return p, errors.Wrap(err, "sarama producer")
	case config.SinkKafkaGo:
		return kafka.NewProducer(c.Brokers, c.Topic), nil
	case config.SinkRabbitMQ:
		conn, err := rabbit.GetRabbitConnection(ctx, c.AMQPURL, c.DialTimeout)
		if err != nil {
			return nil, errors.Wrap(err, "rabbitmq dial")
		}
		s, err := rabbit.NewSender(conn, c.Exchange)
		return s, errors.Wrap(err, "rabbitmq sender")
	default:
		return broadcaster.LogSink{Log: logrus.WithField("component", "sink")}, nil
	}
}
