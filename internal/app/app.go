// Package app assembles the fulfillment process from its configuration and
// runs the HTTP server together with the background loops.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/broker"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/checkout"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/collaborator/rpc"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/config"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/coordinator"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/coordinator/sagalog/sqlstore"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/order"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/outbox"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/alert"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/cache"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/database"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/metrics"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/telemetry"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/readmodel"
)

const (
	BrokerMemory   = "memory"
	BrokerRedis    = "redis"
	BrokerRabbitMQ = "rabbitmq"
)

// App is the wired object graph. Close releases everything New opened.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	DB       *database.DB
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Alerter  alert.Alerter

	Publisher  broker.Publisher
	Subscriber broker.Subscriber

	OutboxStore *outbox.Store
	Dispatcher  *outbox.Dispatcher
	Scheduler   *outbox.Scheduler

	Orders       *order.Store
	Pool         *coordinator.Pool
	Orchestrator *coordinator.Orchestrator
	OrderSaga    *coordinator.Definition
	Timeouts     *coordinator.TimeoutScanner

	Views    *readmodel.Store
	Sync     *readmodel.Synchronizer
	Consumer *readmodel.Consumer

	redis   *redis.Client
	closers []func() error
}

// New opens the database and the broker and builds every component. On
// error whatever was already opened is closed.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	a := &App{
		Config:   cfg,
		Logger:   telemetry.OrDefault(logger),
		Registry: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.New(a.Registry)
	a.Alerter = alert.NewLogAlerter(a.Logger, a.Metrics)

	a.DB, err = database.Open(ctx, cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.DB.Close)

	if err := a.openBroker(ctx); err != nil {
		return nil, err
	}

	a.OutboxStore, err = outbox.NewStore(ctx, a.DB)
	if err != nil {
		return nil, err
	}
	a.Dispatcher = outbox.NewDispatcher(a.OutboxStore, a.Publisher, outbox.Policy{
		MaxRetry:       cfg.OutboxMaxRetry,
		PublishTimeout: cfg.OutboxPublishTimeout,
	}, a.Alerter, a.Metrics, a.Logger)
	a.Scheduler = outbox.NewScheduler(a.OutboxStore, a.Dispatcher, outbox.SchedulerConfig{
		Interval:      cfg.OutboxRetryInterval,
		BatchSize:     cfg.OutboxBatchSize,
		PurgeInterval: cfg.OutboxPurgeInterval,
		Retention:     cfg.OutboxRetention,
	}, a.Metrics, a.Logger)
	recorder := outbox.NewRecorder(a.OutboxStore, a.Dispatcher, a.Logger)

	a.Orders, err = order.NewStore(ctx, a.DB, recorder, a.Logger)
	if err != nil {
		return nil, err
	}

	sagaRepo, err := sqlstore.New(ctx, a.DB)
	if err != nil {
		return nil, err
	}
	a.Pool = coordinator.NewPool(cfg.SagaWorkers, cfg.SagaQueueSize, a.Metrics, a.Logger)
	a.Orchestrator = coordinator.NewOrchestrator(sagaRepo, a.Pool, a.Alerter, a.Metrics, a.Logger)
	a.Timeouts = coordinator.NewTimeoutScanner(a.Orchestrator, cfg.SagaScanInterval, 0, a.Logger)

	inventory, payments, err := a.collaborators()
	if err != nil {
		return nil, err
	}
	a.OrderSaga = checkout.NewOrderSaga(checkout.Deps{
		Orders:      a.Orders,
		Inventory:   inventory,
		Payments:    payments,
		Notifier:    checkout.NewLogNotifier(a.Logger),
		SagaTimeout: cfg.SagaTimeout,
	})
	if err := a.Orchestrator.Register(a.OrderSaga); err != nil {
		return nil, err
	}

	a.Views, err = readmodel.NewStore(ctx, a.DB)
	if err != nil {
		return nil, err
	}
	a.Sync = readmodel.NewSynchronizer(a.DB, a.Views, a.Orders, a.Alerter, a.Metrics, a.Logger)
	a.Consumer = readmodel.NewConsumer(a.Subscriber, cfg.ConsumerGroup, a.Sync, a.Alerter, a.Logger)

	return a, nil
}

func (a *App) openBroker(ctx context.Context) error {
	cfg := a.Config
	var pub broker.Publisher
	switch cfg.Broker {
	case BrokerMemory, "":
		bus := broker.NewInMemoryBus(a.Logger)
		pub, a.Subscriber = bus, bus
	case BrokerRedis:
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, a.redis.Close)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("app: redis %s: %w", cfg.RedisAddr, err)
		}
		streams := broker.NewRedisStreams(a.redis, broker.RedisStreamsConfig{
			StreamPrefix: cfg.RedisStreamPrefix,
			Consumer:     cfg.ConsumerName,
		}, a.Logger)
		pub, a.Subscriber = streams, streams
	case BrokerRabbitMQ:
		mq, err := broker.DialRabbitMQ(ctx, broker.RabbitMQConfig{
			URL:      cfg.RabbitMQURL,
			Consumer: cfg.ConsumerName,
		}, a.Logger)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, mq.Close)
		pub, a.Subscriber = mq, mq
	default:
		return fmt.Errorf("app: unknown broker %q", cfg.Broker)
	}

	if cfg.BreakerEnabled {
		failures := cfg.BreakerFailures
		if failures < 1 {
			failures = 1
		}
		pub = broker.WithBreaker(pub, broker.BreakerConfig{
			Name:             "broker-" + cfg.Broker,
			FailureThreshold: uint32(failures),
			OpenTimeout:      cfg.BreakerTimeout,
		})
	}
	a.Publisher = pub
	return nil
}

// collaborators returns gRPC clients for the services that have an address
// configured and in-process implementations for the rest.
func (a *App) collaborators() (checkout.InventoryService, checkout.PaymentService, error) {
	cfg := a.Config

	var inventory checkout.InventoryService = checkout.NewInventory(checkout.DefaultStock(), a.Logger)
	if cfg.InventoryServiceAddr != "" {
		cc, err := rpc.Dial(cfg.InventoryServiceAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("app: dial inventory: %w", err)
		}
		a.closers = append(a.closers, cc.Close)
		inventory = rpc.NewInventoryClient(cc)
	}

	var payments checkout.PaymentService
	if cfg.PaymentServiceAddr != "" {
		cc, err := rpc.Dial(cfg.PaymentServiceAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("app: dial payment: %w", err)
		}
		a.closers = append(a.closers, cc.Close)
		payments = rpc.NewPaymentClient(cc)
	} else {
		var c cache.Cache
		if a.redis != nil {
			c = cache.NewRedisCache(a.redis, "payment")
		}
		payments = checkout.NewPayments(c, a.Logger)
	}
	return inventory, payments, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
