// Command mailrelay consumes reservation confirmations from Kafka, sends the confirmation
// mails and escalates messages it cannot deliver to a dead-letter topic.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/overtonx/mailrelay"
	"github.com/overtonx/mailrelay/delivery"
	"github.com/overtonx/mailrelay/escalation"
	"github.com/overtonx/mailrelay/kafka"
	"github.com/overtonx/mailrelay/storage/sqlstore"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := LoadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "mailrelay: %v\n", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mailrelay: failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Mail relay stopped with error", zap.Error(err))
	}
	logger.Info("Mail relay stopped gracefully")
}

func newLogger(cfg LogConfig) (*zap.Logger, error) {
	if cfg.Development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, cfg *Config, logger *zap.Logger) error {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	metrics := mailrelay.NewOpenTelemetryMetricsCollector()

	db, err := sql.Open("mysql", cfg.MySQL.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	store := sqlstore.NewSQLStore(db, logger)
	if err := store.EnsureTables(ctx); err != nil {
		return err
	}

	deliveryClient, err := newDeliveryClient(cfg.SMTP, logger)
	if err != nil {
		return err
	}

	producer, err := kafka.NewConfluentProducer(cfg.Kafka.Brokers, nil)
	if err != nil {
		return err
	}
	publisher := kafka.NewDeadLetterPublisher(producer,
		kafka.WithDeadLetterTopic(cfg.Kafka.DeadLetterTopic),
		kafka.WithPublisherLogger(logger),
	)
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Error("Dead-letter producer did not flush", zap.Error(err))
		}
	}()

	pool := mailrelay.NewWorkerPool(
		mailrelay.WithPoolName("mail-relay"),
		mailrelay.WithPoolCoreSize(cfg.Pool.CoreSize),
		mailrelay.WithPoolMaxSize(cfg.Pool.MaxSize),
		mailrelay.WithPoolQueueCapacity(cfg.Pool.QueueCapacity),
		mailrelay.WithPoolKeepAlive(cfg.Pool.KeepAlive),
		mailrelay.WithPoolLogger(logger),
		mailrelay.WithPoolMetrics(metrics),
	)

	carrier, err := mailrelay.NewCarrier(deliveryClient,
		mailrelay.WithLogger(logger),
		mailrelay.WithMetrics(metrics),
		mailrelay.WithOutcomeSink(mailrelay.NewStoreOutcomeSink(store)),
		mailrelay.WithDeadLetterSink(publisher),
		mailrelay.WithWorkerPool(pool),
	)
	if err != nil {
		return err
	}
	coordinator := carrier.NewBatchCoordinator(append(cfg.Retry.ExecutorOptions(cfg.Kafka.Mode),
		mailrelay.WithSuccessSubject(cfg.SMTP.Subject),
	)...)

	var handler kafka.BatchHandler = coordinator
	batchSize := cfg.Kafka.BatchSize
	if cfg.Kafka.Mode == modeSingle {
		handler = kafka.BatchHandlerFunc(coordinator.HandleMessages)
		batchSize = 1
	}

	consumers := make([]*kafka.BatchConsumer, 0, cfg.Kafka.Concurrency+1)
	closers := make([]func() error, 0, cfg.Kafka.Concurrency+1)
	defer func() {
		for _, closeConsumer := range closers {
			if err := closeConsumer(); err != nil {
				logger.Warn("Failed to close kafka consumer", zap.Error(err))
			}
		}
	}()

	for i := 0; i < cfg.Kafka.Concurrency; i++ {
		client, err := kafka.NewConfluentConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, nil)
		if err != nil {
			return err
		}
		closers = append(closers, client.Close)
		consumers = append(consumers, kafka.NewBatchConsumer(client, handler, cfg.Kafka.Topics,
			kafka.WithConsumerName(fmt.Sprintf("reservation-consumer-%d", i)),
			kafka.WithBatchSize(batchSize),
			kafka.WithBatchWait(cfg.Kafka.BatchWait),
			kafka.WithConsumerLogger(logger),
			kafka.WithConsumerMetrics(metrics),
		))
	}

	dltClient, err := kafka.NewConfluentConsumer(cfg.Kafka.Brokers, cfg.Kafka.DeadLetterGroup, nil)
	if err != nil {
		return err
	}
	closers = append(closers, dltClient.Close)
	recorder := escalation.NewRecorder(store, escalation.WithLogger(logger), escalation.WithMetrics(metrics))
	consumers = append(consumers, kafka.NewBatchConsumer(dltClient, recorder, cfg.Kafka.DeadLetterTopics(),
		kafka.WithConsumerName("dead-letter-consumer"),
		kafka.WithBatchSize(cfg.Kafka.BatchSize),
		kafka.WithBatchWait(cfg.Kafka.BatchWait),
		kafka.WithConsumerLogger(logger),
		kafka.WithConsumerMetrics(metrics),
	))

	cleanup := carrier.NewCleanupService(store,
		mailrelay.WithCleanupOutcomeRetention(cfg.Retention.Outcomes),
		mailrelay.WithCleanupDeadLetterRetention(cfg.Retention.DeadLetters),
	)
	dispatcher := mailrelay.NewDispatcher(logger,
		mailrelay.NewBaseWorker("pool_stats", cfg.StatsInterval, logger, pool.ReportStats),
		mailrelay.NewBaseWorker("cleanup", cfg.Retention.CleanupInterval, logger, cleanup.Cleanup, mailrelay.WithRunOnStart()),
	)

	logger.Info("Mail relay starting",
		zap.String("mode", cfg.Kafka.Mode),
		zap.Strings("topics", cfg.Kafka.Topics),
		zap.Strings("dead_letter_topics", cfg.Kafka.DeadLetterTopics()),
		zap.Int("consumers", cfg.Kafka.Concurrency),
	)

	g, gCtx := errgroup.WithContext(ctx)
	for _, consumer := range consumers {
		g.Go(func() error {
			return consumer.Run(gCtx)
		})
	}
	g.Go(func() error {
		dispatcher.Start(gCtx)
		return nil
	})
	runErr := g.Wait()

	logger.Info("Consumers stopped, draining worker pool")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Error("Worker pool did not drain", zap.Error(err))
	}

	return runErr
}

func newDeliveryClient(cfg SMTPConfig, logger *zap.Logger) (mailrelay.DeliveryClient, error) {
	if cfg.Host == "" {
		logger.Warn("No SMTP host configured, confirmations are only logged")
		return delivery.NewLogClient(logger), nil
	}
	return delivery.NewSMTPClient(delivery.SMTPConfig{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		From:     cfg.From,
		Subject:  cfg.Subject,
		Timeout:  cfg.Timeout,
	}, logger)
}
