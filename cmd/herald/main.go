package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	config "github.com/NordCoder/Herald/internal/config/herald"
	"github.com/NordCoder/Herald/internal/domain/notification"
	"github.com/NordCoder/Herald/internal/obs"
	"github.com/NordCoder/Herald/internal/obs/retry"
	"github.com/NordCoder/Herald/internal/outbox"
	"github.com/NordCoder/Herald/internal/repository/kafka"
	"github.com/NordCoder/Herald/internal/repository/memory"
	pg "github.com/NordCoder/Herald/internal/repository/postgres"
	redisrepo "github.com/NordCoder/Herald/internal/repository/redis"
	"github.com/NordCoder/Herald/internal/services/api"
	"github.com/NordCoder/Herald/internal/services/dispatch"
	"github.com/NordCoder/Herald/internal/services/inapp"
	"github.com/NordCoder/Herald/internal/services/intake"
	"github.com/NordCoder/Herald/internal/services/scheduler"
	"github.com/NordCoder/Herald/internal/services/sender"
	"github.com/NordCoder/Herald/internal/services/webhook"

	"go.uber.org/zap"
)

type storage struct {
	repo   notification.Repository
	outbox *pg.OutboxRepo
	ping   func(context.Context) error
	close  func()
}

func openStorage(ctx context.Context, cfg *config.Config, clock notification.Clock, l *zap.Logger) (*storage, error) {
	if cfg.Storage.Driver != config.StoragePostgres {
		return &storage{
			repo:  memory.NewNotificationRepo(clock),
			ping:  func(context.Context) error { return nil },
			close: func() {},
		}, nil
	}

	db, err := pg.New(ctx, cfg.DB)
	if err != nil {
		return nil, err
	}
	ob := pg.NewOutboxRepo(db)
	return &storage{
		repo:   pg.NewNotificationRepo(db, pg.NewTransactor(db, l), ob, clock),
		outbox: ob,
		ping: func(ctx context.Context) error {
			hctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
			defer cancel()
			return db.Pool.Ping(hctx)
		},
		close: db.Close,
	}, nil
}

func openDeduper(ctx context.Context, cfg config.Redis, clock notification.Clock) (intake.Deduper, func(), error) {
	if !cfg.Enabled {
		return memory.NewDeduper(cfg.DedupeTTL, clock), func() {}, nil
	}
	rdb, err := redisrepo.NewClient(ctx, redisrepo.Config{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err != nil {
		return nil, nil, err
	}
	return redisrepo.NewDeduper(rdb, cfg.DedupeTTL), func() { _ = rdb.Close() }, nil
}

func main() {
	cfgPath := flag.String("config", os.Getenv("HERALD_CONFIG"), "path to yaml config")
	flag.Parse()

	// init
	root, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal(err)
	}

	// logger
	l, err := obs.NewLogger(cfg.Log.AsLoggerConfig(cfg.App))
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = l.Sync() }()
	l.Info("starting herald",
		zap.String("storage", cfg.Storage.Driver),
		zap.Bool("kafka", cfg.Kafka.Enabled),
		zap.Bool("redis", cfg.Redis.Enabled),
		zap.String("http_addr", cfg.Server.HTTPAddr),
	)

	// otel
	otelCloser, err := obs.SetupOTel(root, cfg.OTEL.AsOTELConfig())
	if err != nil {
		l.Fatal("otel init", zap.Error(err))
	}
	defer func() { _ = otelCloser.Shutdown(context.Background()) }()

	// storage
	clock := notification.SystemClock{}
	st, err := openStorage(root, cfg, clock, l)
	if err != nil {
		l.Fatal("storage init", zap.Error(err))
	}
	defer st.close()

	// metrics
	ms := obs.BootstrapMetricsServer(cfg.Server.MetricsAddr, st.ping, l)

	// senders
	wh := cfg.Channels.Webhook
	whSvc := webhook.New(webhook.ConfigFrom(wh), webhook.NewHTTPClient(wh.Timeout), l)
	mailbox := inapp.NewMailbox(cfg.Channels.InApp.MaxPerUser, l)
	defer mailbox.Close()
	registry := sender.Build(cfg.Channels, sender.Deps{
		Webhook: whSvc,
		Mailbox: mailbox,
		HTTP:    &http.Client{Transport: obs.HTTPTransport(http.DefaultTransport)},
		Log:     l,
	})
	l.Info("channels registered", zap.Any("channels", registry.Channels()))

	orch := dispatch.New(st.repo, registry, clock, dispatch.ConfigFrom(cfg.Channels), l)

	var wg sync.WaitGroup
	errCh := make(chan error, 8)
	spawn := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(root); err != nil && !errors.Is(err, context.Canceled) {
				l.Error("component stopped", zap.String("component", name), zap.Error(err))
				errCh <- err
			}
		}()
	}

	spawn("inapp.sweeper", func(ctx context.Context) error { return mailbox.Run(ctx, cfg.Channels.InApp.SweepEvery) })

	if cfg.Scheduler.Enabled {
		uc := scheduler.NewUC(st.repo, orch, cfg.Scheduler.BatchLimit, cfg.Scheduler.IncludeFailed, l)
		spawn("scheduler", scheduler.New(l, uc, cfg.Scheduler, clock).Run)
	}

	// kafka
	if cfg.Kafka.Enabled {
		dedupe, closeDedupe, err := openDeduper(root, cfg.Redis, clock)
		if err != nil {
			l.Fatal("redis init", zap.Error(err))
		}
		defer closeDedupe()

		cons := kafka.BootstrapConsumer(root, &kafka.ConsumerConfig{
			Brokers: cfg.Kafka.Brokers,
			GroupID: cfg.Kafka.GroupID,
			Topic:   cfg.Kafka.RequestsTopic,
		}, cfg.Kafka.Partitions, cfg.Kafka.ReplicationFactor, l).WithLogger(l)
		defer func() { _ = cons.Close() }()

		ctrl := &intake.Controller{Log: l, Sub: cons, H: intake.NewHandler(orch, dedupe, l)}
		spawn("intake", ctrl.Run)

		if st.outbox != nil {
			if err := kafka.EnsureTopics(root, cfg.Kafka.Brokers, 5*time.Second, l, kafka.TopicSpec{
				Name:              cfg.Kafka.EventsTopic,
				NumPartitions:     cfg.Kafka.Partitions,
				ReplicationFactor: cfg.Kafka.ReplicationFactor,
			}); err != nil {
				l.Warn("ensure events topic", zap.Error(err))
			}
			prod := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic).WithLogger(l)
			defer func() { _ = prod.Close() }()

			relay := outbox.MakeGlobalOutboxHandler(kafka.NewStatusEventsKafka(prod), retry.DefaultKafkaPolicy(l))
			runner := outbox.NewOutboxRunner(l, st.outbox, relay, 4,
				cfg.Outbox.Batch, cfg.Outbox.Interval, cfg.Outbox.InProgressTTL)
			spawn("outbox", func(ctx context.Context) error {
				runner.Start(ctx)
				return nil
			})
		}
	}

	// http
	srv := api.NewServer(api.Deps{
		Repo:          st.repo,
		Dispatch:      orch,
		Webhooks:      whSvc,
		InboundSecret: wh.InboundSecret,
		Mailbox:       mailbox,
		WS:            inapp.NewWSHandler(mailbox, nil, l),
		Clock:         clock,
		Log:           l,
	})
	httpSrv := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      obs.HTTPHandler(srv.Routes(), "herald.http"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error("http server", zap.Error(err))
			errCh <- err
		}
	}()
	l.Info("herald started")

	// loop
	select {
	case <-root.Done():
	case err = <-errCh:
		l.Error("shutting down on component error", zap.Error(err))
		stop()
	}

	// graceful shutdown
	shCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	_ = httpSrv.Shutdown(shCtx)
	if err := orch.Wait(shCtx); err != nil {
		l.Warn("background dispatches still running", zap.Error(err))
	}
	wg.Wait()
	_ = ms.Shutdown(shCtx)
	l.Info("bye")
}
