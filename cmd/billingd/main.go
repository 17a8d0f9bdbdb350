package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/howie/coaching-transcript-tool-sub005/pkg/billing"
	"github.com/howie/coaching-transcript-tool-sub005/pkg/billing/gateway"
	"github.com/howie/coaching-transcript-tool-sub005/pkg/billing/httpapi"
	"github.com/howie/coaching-transcript-tool-sub005/pkg/billing/memstore"
	"github.com/howie/coaching-transcript-tool-sub005/pkg/billing/notify"
	"github.com/howie/coaching-transcript-tool-sub005/pkg/billing/pgstore"
	"github.com/howie/coaching-transcript-tool-sub005/pkg/config"
	"github.com/howie/coaching-transcript-tool-sub005/pkg/email"
	"github.com/howie/coaching-transcript-tool-sub005/pkg/httpserver"
	"github.com/howie/coaching-transcript-tool-sub005/pkg/logger"
	"github.com/howie/coaching-transcript-tool-sub005/pkg/pg"
	"github.com/howie/coaching-transcript-tool-sub005/pkg/redis"
	"github.com/howie/coaching-transcript-tool-sub005/pkg/scheduler"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("billingd stopped with error", logger.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	var cfg appConfig
	if err := config.Load(&cfg); err != nil {
		return err
	}

	log := logger.New(
		logger.WithEnvironment(cfg.Env, cfg.ServiceName),
		logger.WithContextExtractors(func(ctx context.Context) (slog.Attr, bool) {
			if id := middleware.GetReqID(ctx); id != "" {
				return logger.RequestID(id), true
			}
			return slog.Attr{}, false
		}),
	)
	logger.SetAsDefault(log)

	switch cfg.Mode {
	case modeAll, modeAPI, modeWorker:
	default:
		return fmt.Errorf("unknown BILLING_MODE %q", cfg.Mode)
	}

	var checks []httpserver.Check

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()
	checks = append(checks, store.checks...)

	var locker scheduler.Locker
	if cfg.Redis.Enabled() {
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()
		locker = redis.NewLocker(client, cfg.Redis.LockPrefix)
		checks = append(checks, httpserver.Check{Name: "redis", Probe: redis.Healthcheck(client)})
	}

	catalog := billing.DefaultCatalog()
	if cfg.PlanCatalogFile != "" {
		if catalog, err = billing.LoadCatalogFile(cfg.PlanCatalogFile); err != nil {
			return err
		}
	}

	gw, err := gateway.New(cfg.Gateway, gateway.WithLogger(log.With(logger.Component("gateway"))))
	if err != nil {
		return err
	}

	notifier, err := newNotifier(cfg.Email, log)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svc, err := billing.NewService(store.Store, gw,
		billing.WithCatalog(catalog),
		billing.WithPolicy(cfg.Policy),
		billing.WithNotifier(notifier),
		billing.WithLogger(log),
		billing.WithMetrics(billing.NewMetrics(reg)),
		billing.WithTracer(otel.Tracer("billing")),
	)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	if cfg.runsAPI() {
		verifier, decoder, err := gateway.NewWebhookHandlers(cfg.Gateway)
		if err != nil {
			return err
		}
		ingestor, err := billing.NewIngestor(svc, verifier, decoder)
		if err != nil {
			return err
		}
		api := httpapi.New(svc, ingestor,
			httpapi.WithLogger(log.With(logger.Component("httpapi"))),
			httpapi.WithGatherer(reg),
			httpapi.WithReadinessChecks(checks...),
			httpapi.WithWebhookAck(cfg.WebhookAckBody, cfg.WebhookNackBody),
		)
		server := httpserver.NewFromConfig(cfg.HTTP, httpserver.WithLogger(log))
		g.Go(func() error {
			return server.Run(ctx, api.Handler())
		})
	}

	if cfg.runsWorker() {
		sched, err := newScheduler(cfg, svc, locker, log)
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := sched.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	log.InfoContext(ctx, "billingd started",
		slog.String("mode", cfg.Mode),
		slog.String("store", cfg.StoreDriver),
		slog.String("gateway", cfg.Gateway.Driver))
	return g.Wait()
}

type openedStore struct {
	billing.Store
	checks []httpserver.Check
}

func openStore(ctx context.Context, cfg appConfig, log *slog.Logger) (openedStore, func(), error) {
	switch cfg.StoreDriver {
	case storeMemory:
		log.WarnContext(ctx, "using in-memory store; state is lost on restart")
		return openedStore{Store: memstore.New()}, func() {}, nil
	case storePostgres:
		var pgCfg pg.Config
		if err := config.Load(&pgCfg); err != nil {
			return openedStore{}, nil, err
		}
		pool, err := pg.Connect(ctx, pgCfg)
		if err != nil {
			return openedStore{}, nil, err
		}
		if err := pg.Migrate(ctx, pool, pgstore.Migrations(), pgCfg, log); err != nil {
			pool.Close()
			return openedStore{}, nil, err
		}
		return openedStore{
			Store:  pgstore.New(pool),
			checks: []httpserver.Check{{Name: "postgres", Probe: pg.Healthcheck(pool)}},
		}, pool.Close, nil
	default:
		return openedStore{}, nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}

func newNotifier(cfg email.Config, log *slog.Logger) (billing.Notifier, error) {
	var sender email.EmailSender = email.NewLogSender(log.With(logger.Component("email")))
	if cfg.PostmarkEnabled() {
		client, err := email.NewPostmarkClient(cfg, nil)
		if err != nil {
			return nil, err
		}
		sender = client
	}
	return notify.NewMulti([]billing.Notifier{
		notify.NewLog(log.With(logger.Component("notify"))),
		notify.NewEmail(sender, cfg.SupportEmail),
	}, notify.WithMultiLogger(log)), nil
}

func newScheduler(cfg appConfig, svc *billing.Service, locker scheduler.Locker, log *slog.Logger) (*scheduler.Scheduler, error) {
	opts := []scheduler.Option{scheduler.WithLogger(log.With(logger.Component("scheduler")))}
	if locker != nil {
		opts = append(opts, scheduler.WithLocker(locker))
	}
	sched := scheduler.New(opts...)

	maintenance, err := scheduler.Cron(cfg.MaintenanceSchedule)
	if err != nil {
		return nil, err
	}
	retries, err := scheduler.Cron(cfg.RetrySchedule)
	if err != nil {
		return nil, err
	}
	if err := sched.AddJob("billing.maintenance", maintenance, svc.RunMaintenance,
		scheduler.WithTimeout(30*time.Minute), scheduler.RunOnStart()); err != nil {
		return nil, err
	}
	if err := sched.AddJob("billing.retries", retries, svc.RunRetries,
		scheduler.WithTimeout(30*time.Minute)); err != nil {
		return nil, err
	}
	return sched, nil
}
