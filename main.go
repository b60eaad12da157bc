package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/schoolhub/messaging/internal/auth"
	"github.com/schoolhub/messaging/internal/config"
	"github.com/schoolhub/messaging/internal/events"
	"github.com/schoolhub/messaging/internal/httpapi"
	"github.com/schoolhub/messaging/internal/logging"
	"github.com/schoolhub/messaging/internal/messaging"
	"github.com/schoolhub/messaging/internal/metrics"
	"github.com/schoolhub/messaging/internal/realtime"
	"github.com/schoolhub/messaging/store"
	"github.com/schoolhub/messaging/store/conversation"
	"github.com/schoolhub/messaging/store/memory"
	"github.com/schoolhub/messaging/store/message"
	"github.com/schoolhub/messaging/store/outbox"
	"github.com/schoolhub/messaging/store/reaction"
	"github.com/schoolhub/messaging/store/user"

	_ "github.com/lib/pq"
)

var addr = flag.String("addr", "", "http service address (overrides ADDR)")

// breakerFailures is how many consecutive publish failures open the breaker.
const breakerFailures = 5

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.close(); err != nil {
			log.Warn("close store", zap.Error(err))
		}
	}()

	pub, sub, err := openBus(cfg, log)
	if err != nil {
		return err
	}
	breaker := events.NewBreakerPublisher(pub, cfg.BreakerTimeout, breakerFailures, log)
	defer func() {
		if err := breaker.Close(); err != nil {
			log.Warn("close event bus", zap.Error(err))
		}
	}()

	m := metrics.New()
	relay := events.NewRelay(st.outbox, breaker, log.Named("relay"), m, events.RelayConfig{
		Interval:    cfg.OutboxInterval,
		BatchSize:   cfg.OutboxBatchSize,
		MaxAttempts: cfg.OutboxMaxAttempts,
		Retention:   cfg.OutboxRetention,
	})
	hub := realtime.NewHub(st.conversations, st.users, log.Named("realtime"), m)
	svc := messaging.NewService(messaging.Deps{
		Users:         st.users,
		Conversations: st.conversations,
		Messages:      st.messages,
		Reactions:     st.reactions,
		Notifier:      relay,
		Metrics:       m,
		Logger:        log.Named("messaging"),
		Topic:         cfg.EventTopic,
	})
	proxies, err := httpapi.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return err
	}
	api := httpapi.New(httpapi.Options{
		Service:        svc,
		Users:          st.users,
		Auth:           auth.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer, cfg.TokenTTL),
		Hub:            hub,
		Metrics:        m,
		Logger:         log.Named("http"),
		Health:         st.health,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		TrustedProxies: proxies,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = relay.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := hub.Run(ctx, sub, cfg.EventTopic); err != nil {
			log.Error("realtime subscription ended", zap.Error(err))
		}
	}()

	errc := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.String("addr", cfg.Addr), zap.String("store", cfg.StoreDriver), zap.String("event_bus", cfg.EventBus))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("listen and serve: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-errc:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Warn("http shutdown", zap.Error(serr))
	}
	hub.Close()
	wg.Wait()

	// One last pass so events committed during shutdown are not left for the next start.
	if _, derr := relay.DrainOnce(shutdownCtx); derr != nil {
		log.Warn("final outbox drain", zap.Error(derr))
	}
	log.Info("server stopped")
	return err
}

type stores struct {
	users         user.Store
	conversations conversation.Store
	messages      message.Store
	reactions     reaction.Store
	outbox        outbox.Store
	health        func(ctx context.Context) error
	close         func() error
}

func openStores(ctx context.Context, cfg config.Config, log *zap.Logger) (*stores, error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		log.Warn("using in-memory store, data is lost on restart")
		db := memory.New()
		return &stores{
			users:         db.Users(),
			conversations: db.Conversations(),
			messages:      db.Messages(),
			reactions:     db.Reactions(),
			outbox:        db.Outbox(),
			close:         func() error { return nil },
		}, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}
	log.Info("connected to database")

	if cfg.Migrate {
		if err := store.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		log.Info("schema migrated")
	}

	return &stores{
		users:         user.NewSQLStore(db),
		conversations: conversation.NewSQLStore(db),
		messages:      message.NewSQLStore(db),
		reactions:     reaction.NewSQLStore(db),
		outbox:        outbox.NewSQLStore(db),
		health:        db.PingContext,
		close:         db.Close,
	}, nil
}

// openBus returns the publisher the relay writes to and the subscriber the hub
// reads from.
func openBus(cfg config.Config, log *zap.Logger) (events.Publisher, events.Subscriber, error) {
	switch cfg.EventBus {
	case config.EventBusRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		bus := events.NewRedisBus(client, log.Named("redis"))
		return bus, bus, nil
	case config.EventBusKafka:
		// Each instance reads with its own group so every instance sees every event.
		group := cfg.KafkaGroupID + "-" + uuid.NewString()
		return events.NewKafkaPublisher(cfg.KafkaBrokers),
			events.NewKafkaSubscriber(cfg.KafkaBrokers, group, log.Named("kafka")),
			nil
	case config.EventBusNone:
		bus := events.NewLocalBus(log.Named("bus"))
		return bus, bus, nil
	default:
		return nil, nil, fmt.Errorf("unknown event bus %q", cfg.EventBus)
	}
}
