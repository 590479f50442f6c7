package main

import (
	"context"
	"log"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/webcuts/orthopaedie-booking/internal/appointment"
	"github.com/webcuts/orthopaedie-booking/internal/config"
	"github.com/webcuts/orthopaedie-booking/internal/db"
	"github.com/webcuts/orthopaedie-booking/internal/logging"
	"github.com/webcuts/orthopaedie-booking/internal/notify"
	"github.com/webcuts/orthopaedie-booking/internal/observability/metrics"
	redisclient "github.com/webcuts/orthopaedie-booking/internal/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("notification-worker starting up",
		zap.String("env", cfg.Env),
		zap.Duration("interval", cfg.WorkerInterval),
		zap.String("transport", cfg.NotifyTransport),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{
		MaxConns:        4,
		ApplicationName: "booking-notification-worker",
	})
	cancelPg()
	if err != nil {
		logger.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	registry := prometheus.NewRegistry()
	bookingMetrics := metrics.NewBookingMetrics(registry)

	outbox := notify.NewOutboxStore(pgPool)
	svc := appointment.NewService(appointment.NewPgRepository(pgPool), nil, outbox, cfg, logger).
		WithMetrics(bookingMetrics)

	publisher, closePublisher, err := newPublisher(rootCtx, cfg, logger)
	if err != nil {
		logger.Fatal("notification transport error", zap.Error(err))
	}
	defer closePublisher()

	relay := notify.NewRelay(outbox, publisher, logger).WithMetrics(bookingMetrics)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		relay.Start(rootCtx)
	}()
	go func() {
		defer wg.Done()
		every(rootCtx, cfg.WorkerInterval, func(ctx context.Context) { sendReminders(ctx, svc, logger) })
	}()
	go func() {
		defer wg.Done()
		every(rootCtx, cfg.SlotGenerationInterval, func(ctx context.Context) {
			generateSlots(ctx, svc, cfg.SlotGenerationWeeks, logger)
		})
	}()

	<-rootCtx.Done()
	logger.Info("shutdown signal received, stopping notification worker")
	wg.Wait()
}

// every runs fn once at startup and then on each tick until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	fn(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func sendReminders(ctx context.Context, svc *appointment.Service, logger *zap.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	start := time.Now()
	n, err := svc.SendDueReminders(runCtx)
	if err != nil {
		logger.Error("reminder run error", zap.Error(err))
		return
	}
	logger.Info("reminder run complete", zap.Int("sent", n), zap.Duration("took", time.Since(start)))
}

func generateSlots(ctx context.Context, svc *appointment.Service, weeks int, logger *zap.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	if _, err := svc.GenerateSlots(runCtx, weeks); err != nil {
		logger.Error("slot generation error", zap.Error(err))
	}
}

func newPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (notify.Publisher, func(), error) {
	switch cfg.NotifyTransport {
	case "amqp":
		conn, err := amqp091.Dial(cfg.AMQPURL)
		if err != nil {
			return nil, nil, err
		}
		pub, err := notify.NewAMQPPublisher(conn, cfg.AMQPExchange)
		if err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		logger.Info("publishing notifications to AMQP", zap.String("exchange", cfg.AMQPExchange))
		return pub, func() { _ = conn.Close() }, nil
	case "log":
		return notify.NewLogPublisher(logger), func() {}, nil
	default:
		rdb, err := redisclient.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("publishing notifications to Redis stream", zap.String("stream", cfg.NotifyStream))
		return notify.NewRedisStreamPublisher(rdb, cfg.NotifyStream), func() { _ = rdb.Close() }, nil
	}
}
