package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vedran77/relay/internal/config"
	"github.com/vedran77/relay/internal/database"
	"github.com/vedran77/relay/internal/events"
	"github.com/vedran77/relay/internal/metrics"
	"github.com/vedran77/relay/internal/repository"
	memoryrepo "github.com/vedran77/relay/internal/repository/memory"
	postgresrepo "github.com/vedran77/relay/internal/repository/postgres"
	redisrepo "github.com/vedran77/relay/internal/repository/redis"
	"github.com/vedran77/relay/internal/service"
	"github.com/vedran77/relay/internal/transport/http/handlers"
	"github.com/vedran77/relay/internal/transport/http/middleware"
	"github.com/vedran77/relay/internal/transport/ws"
	"github.com/vedran77/relay/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

type repositories struct {
	users         repository.UserRepository
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
	presence      repository.PresenceRepository
}

func main() {
	cfg := config.Load()

	zl, err := logger.New(cfg.IsDevelopment())
	if err != nil {
		log.Fatal(err)
	}
	defer zl.Sync()

	if err := run(cfg, zl); err != nil {
		zl.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	repos, cleanup, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	// Services
	convService := service.NewConversationService(repos.conversations, repos.users, log)
	msgService := service.NewMessageService(repos.messages, repos.conversations, repos.users, log)
	reconciler := service.NewReconciler(msgService.Reconcile, cfg.ReconcileBackoff, log.Named("reconciler"))
	msgService.SetReconciler(reconciler)

	// Real-time
	hub := ws.NewHub(convService, repos.presence, log.Named("ws"))
	notifiers := service.MultiNotifier{ws.NewHubNotifier(hub)}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaNotifier := events.NewKafkaNotifier(events.NewWriter(cfg.KafkaBrokers, cfg.KafkaTopic, log), log.Named("kafka"))
		defer kafkaNotifier.Close()
		notifiers = append(notifiers, kafkaNotifier)
		log.Info("publishing message events to kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}
	convService.SetNotifier(notifiers)
	msgService.SetNotifier(notifiers)

	// Handlers
	convHandler := handlers.NewConversationHandler(convService, log)
	msgHandler := handlers.NewMessageHandler(msgService, log)
	presenceHandler := handlers.NewPresenceHandler(hub.Registry(), repos.presence, log)

	// Routes
	api := http.NewServeMux()
	api.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status": "ok"}`))
	})
	api.Handle("GET /metrics", metrics.Handler())
	handlers.Routes(api, middleware.Auth(cfg.JWTSecret), convHandler, msgHandler, presenceHandler)

	// The websocket route skips the access log wrapper, which cannot hijack.
	mux := http.NewServeMux()
	mux.Handle("GET /ws", ws.ServeWS(hub, msgService, ws.Options{
		JWTSecret:       cfg.JWTSecret,
		AuthTimeout:     cfg.WSAuthTimeout,
		EventsPerSecond: cfg.WSEventsPerSecond,
		EventBurst:      cfg.WSEventBurst,
		AllowedOrigins:  cfg.CORSOrigins,
	}, log.Named("ws")))
	mux.Handle("/", middleware.Logging(log)(api))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           middleware.CORS(cfg.CORSOrigins)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return reconciler.Run(gctx) })
	g.Go(func() error {
		log.Info("starting server", zap.String("addr", srv.Addr), zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openStore builds the repositories for the configured driver.
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (*repositories, func(), error) {
	var repos repositories
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch cfg.StoreDriver {
	case "memory":
		store := memoryrepo.NewStore()
		// Users are owned elsewhere; in-memory runs accept any token subject.
		repos.users = memoryrepo.NewLenientUserRepo(store)
		repos.conversations = memoryrepo.NewConversationRepo(store)
		repos.messages = memoryrepo.NewMessageRepo(store)
		repos.presence = memoryrepo.NewPresenceRepo(store)
		log.Warn("using in-memory store, data is lost on restart")

	case "postgres":
		pool, err := database.Connect(ctx, cfg)
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, pool.Close)
		if err := database.Migrate(ctx, pool); err != nil {
			cleanup()
			return nil, func() {}, err
		}
		log.Info("connected to database")

		repos.users = postgresrepo.NewUserRepo(pool)
		repos.conversations = postgresrepo.NewConversationRepo(pool)
		repos.messages = postgresrepo.NewMessageRepo(pool)
		repos.presence = postgresrepo.NewPresenceRepo(pool)

	default:
		return nil, cleanup, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}

	if cfg.RedisURL != "" {
		client, err := redisrepo.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		closers = append(closers, func() { client.Close() })
		repos.presence = redisrepo.NewPresenceRepo(client, "relay")
		log.Info("presence backed by redis")
	}

	return &repos, cleanup, nil
}
