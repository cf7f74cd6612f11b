package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"

	"github.com/censys/intake-scanner/pkg/claim"
	"github.com/censys/intake-scanner/pkg/config"
	"github.com/censys/intake-scanner/pkg/httpapi"
	"github.com/censys/intake-scanner/pkg/logging"
	"github.com/censys/intake-scanner/pkg/notify"
	"github.com/censys/intake-scanner/pkg/processing"
	"github.com/censys/intake-scanner/pkg/routing"
	"github.com/censys/intake-scanner/pkg/scanner"
	"github.com/censys/intake-scanner/pkg/storage/backend"
	pgstore "github.com/censys/intake-scanner/pkg/storage/postgres"
)

func main() {
	cfg := config.Load("processor")
	log := logging.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := backend.Open(ctx, cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Msg("object store")
	}
	defer store.Close()

	engine, err := scanner.FromConfig(cfg.Scanner)
	if err != nil {
		log.Fatal().Err(err).Msg("scan engines")
	}

	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		log.Fatal().Err(err).Msg("pubsub client")
	}
	defer client.Close()

	publishers := []notify.Publisher{notify.NewLogPublisher(log)}
	if cfg.PubSub.SuccessTopicID != "" || cfg.PubSub.AlertTopicID != "" {
		var success, alert *pubsub.Topic
		if cfg.PubSub.SuccessTopicID != "" {
			success = client.Topic(cfg.PubSub.SuccessTopicID)
			defer success.Stop()
		}
		if cfg.PubSub.AlertTopicID != "" {
			alert = client.Topic(cfg.PubSub.AlertTopicID)
			defer alert.Stop()
		}
		publishers = append(publishers, notify.NewPubSubPublisher(success, alert))
	}
	if cfg.Notify.WebhookURL != "" {
		publishers = append(publishers, notify.NewWebhookPublisher(cfg.Notify.WebhookURL, &http.Client{Timeout: cfg.Notify.Timeout}))
	}
	if cfg.DatabaseURL != "" {
		pool, err := pgstore.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("db connect")
		}
		defer pool.Close()
		if err := pgstore.EnsureSchema(ctx, pool); err != nil {
			log.Fatal().Err(err).Msg("db schema")
		}
		publishers = append(publishers, notify.NewLedgerPublisher(pgstore.NewRepository(pool)))
	}
	notifier := notify.NewNotifier(log, cfg.Notify.Timeout, publishers...)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := notifier.Close(closeCtx); err != nil {
			log.Warn().Err(err).Msg("notifier close")
		}
	}()

	var claims claim.Claimer
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("redis ping")
		}
		claims = claim.NewRedis(rdb, "")
	}

	router := routing.New(store.Store, notifier, log)
	dispatcher := processing.NewDispatcher(cfg.Dispatch, store.Store, engine, router, claims, log)

	var dlqPublisher processing.DLQPublisher
	if cfg.PubSub.DLQTopicID != "" {
		topic := client.Topic(cfg.PubSub.DLQTopicID)
		defer topic.Stop()
		dlqPublisher = processing.NewPubSubDLQPublisher(topic)
	} else {
		dlqPublisher = &processing.NoopDLQPublisher{}
	}
	handler := processing.NewHandler(dispatcher, dlqPublisher, cfg.Store.IntakeBucket, log)

	if cfg.HealthAddr != "" {
		go func() {
			if err := httpapi.Serve(ctx, cfg.HealthAddr, httpapi.NewMux(nil, nil), log); err != nil {
				log.Error().Err(err).Msg("health server")
			}
		}()
	}

	sub := client.Subscription(cfg.PubSub.SubscriptionID)
	sub.ReceiveSettings.NumGoroutines = max(cfg.PubSub.WorkerCount, 1)
	sub.ReceiveSettings.MaxOutstandingMessages = cfg.PubSub.MaxOutstanding
	// Ack deadlines are extended while a scan runs; cap the extension to the
	// worst-case scan and retry budget.
	sub.ReceiveSettings.MaxExtension = cfg.Dispatch.LeaseBudget()

	log.Info().
		Str("project", cfg.PubSub.ProjectID).
		Str("subscription", cfg.PubSub.SubscriptionID).
		Str("backend", store.Name).
		Str("engine", engine.Name()).
		Int("concurrency", cfg.Dispatch.Concurrency).
		Msg("processor started")

	err = sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if handler.HandleMessage(ctx, msg) {
			msg.Ack()
		} else {
			msg.Nack()
		}
	})
	if err != nil {
		log.Error().Err(err).Msg("subscription receive ended")
	}
}
