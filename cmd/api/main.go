package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/zllovesuki/gameway/action"
	"github.com/zllovesuki/gameway/auth"
	"github.com/zllovesuki/gameway/broadcast"
	"github.com/zllovesuki/gameway/db"
	"github.com/zllovesuki/gameway/game"
	"github.com/zllovesuki/gameway/ingest"
	"github.com/zllovesuki/gameway/server"
	"github.com/zllovesuki/gameway/session"
	"github.com/zllovesuki/gameway/transport"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi"
	"github.com/go-chi/cors"
	"github.com/go-redis/redis/v7"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Build-time injected variables
var (
	Version = ""
)

// serverResolver adapts the server manager to the dispatcher's target
// resolution, converting the string player handle back to a numeric id
type serverResolver struct {
	servers *server.Manager
}

func (s *serverResolver) GetOnlinePlayerServer(ctx context.Context, gameID int64, playerID string) (string, error) {
	id, err := strconv.ParseInt(playerID, 10, 64)
	if err != nil {
		return "", nil
	}
	srv, err := s.servers.GetOnlinePlayerServer(ctx, gameID, id)
	if err != nil {
		return "", err
	}
	if srv == nil {
		return "", nil
	}
	return srv.ID, nil
}

func (s *serverResolver) ResolveActionServer(ctx context.Context, gameID int64, actionID string) (string, error) {
	return s.servers.ResolveActionServer(ctx, gameID, actionID)
}

func main() {
	var logger *zap.Logger
	var authEnvironment auth.Environment
	var dotFile string
	var err error

	// Determine running environment and initialize structural logger
	env := os.Getenv("API_ENV")
	if "production" == env {
		dotFile = ".env.production"
		authEnvironment = auth.EnvProduction
		logger, err = zap.NewProduction()
	} else {
		dotFile = ".env.development"
		authEnvironment = auth.EnvDevelopment
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("Cannot initialize logger: %v\n", err)
	}
	logger = logger.With(zap.String("Version", Version))

	// Initialize sentry for error reporting
	if err := sentry.Init(sentry.ClientOptions{
		Environment: string(authEnvironment),
		Debug:       authEnvironment == auth.EnvDevelopment,
	}); err != nil {
		log.Fatal("Cannot initialize sentry",
			zap.Error(err),
		)
	}
	defer sentry.Flush(time.Second * 2)

	// Attach sentry to zap so we can do automatic error capturing
	cfg := zapsentry.Configuration{
		Level: zapcore.ErrorLevel,
		Tags: map[string]string{
			"component": "api",
		},
	}
	core, err := zapsentry.NewCore(cfg, zapsentry.NewSentryClientFromClient(sentry.CurrentHub().Client()))
	if err != nil {
		log.Fatalf("Cannot initialize zapsentry: %v\n", err)
	}
	logger = zapsentry.AttachCoreToLogger(core, logger)

	defer logger.Sync()

	// Load configurations from dotFile
	if err := godotenv.Load(dotFile); err != nil {
		logger.Fatal("Cannot load configurations from .env",
			zap.Error(err),
		)
	}

	// Initialize backend connections
	db, err := db.New(db.Options{
		URI:    os.Getenv("POSTGRES_URI"),
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot connect to Postgres",
			zap.Error(err),
		)
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{os.Getenv("REDIS_URI")},
		Password: os.Getenv("REDIS_PW"),
		DB:       0,
	})
	if _, err := rdb.Ping().Result(); err != nil {
		logger.Fatal("Cannot connect to Redis",
			zap.Error(err),
		)
	}
	defer rdb.Close()

	authManager, err := auth.New(auth.Options{
		Logger:        logger,
		JWTSigningKey: os.Getenv("JWT_KEY"),
		Environment:   authEnvironment,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Auth",
			zap.Error(err),
		)
	}

	registry, err := broadcast.NewRegistry(logger)
	if err != nil {
		logger.Fatal("Cannot initialize broadcast Registry",
			zap.Error(err),
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// With more than one api instance behind a load balancer, dashboard
	// subscribers on one instance still need events ingested by another
	if amqpURI := os.Getenv("AMQP_URI"); amqpURI != "" {
		bridge, err := broadcast.NewAMQPBridge(logger, amqpURI, registry)
		if err != nil {
			logger.Fatal("Cannot connect to Broker",
				zap.Error(err),
			)
		}
		defer bridge.Close()
		if err := bridge.Start(ctx); err != nil {
			logger.Fatal("Cannot start broadcast bridge",
				zap.Error(err),
			)
		}
	}

	gameManager, err := game.NewManager(game.ManagerOptions{
		DB:     db,
		Redis:  rdb,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize GameManager",
			zap.Error(err),
		)
	}

	serverManager, err := server.NewManager(server.ManagerOptions{
		DB:     db,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize ServerManager",
			zap.Error(err),
		)
	}

	sessionManager, err := session.NewManager(session.ManagerOptions{
		DB:     db,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize SessionManager",
			zap.Error(err),
		)
	}

	actionManager, err := action.NewManager(action.ManagerOptions{
		DB:     db,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize ActionManager",
			zap.Error(err),
		)
	}

	credentialManager, err := transport.NewCredentialManager(transport.CredentialManagerOptions{
		DB:     db,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize CredentialManager",
			zap.Error(err),
		)
	}

	cloudClient, err := transport.NewCloudClient(transport.CloudClientOptions{
		Logger:   logger,
		Endpoint: os.Getenv("MESSAGING_ENDPOINT"),
	})
	if err != nil {
		logger.Fatal("Cannot initialize CloudClient",
			zap.Error(err),
		)
	}

	refresher, err := transport.NewOAuthRefresher(transport.OAuthRefresherOptions{
		Logger:       logger,
		ClientID:     os.Getenv("OAUTH_CLIENT_ID"),
		ClientSecret: os.Getenv("OAUTH_CLIENT_SECRET"),
		Endpoint:     os.Getenv("OAUTH_TOKEN_ENDPOINT"),
	})
	if err != nil {
		logger.Fatal("Cannot initialize OAuthRefresher",
			zap.Error(err),
		)
	}

	publisher, err := transport.NewPublisher(transport.PublisherOptions{
		Store:     credentialManager,
		Client:    cloudClient,
		Refresher: refresher,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Publisher",
			zap.Error(err),
		)
	}

	dispatcher, err := action.NewDispatcher(action.DispatcherOptions{
		Store:     actionManager,
		Resolver:  &serverResolver{servers: serverManager},
		Publisher: publisher,
		Registry:  registry,
		Logger:    logger,
		Topic:     os.Getenv("MESSAGING_TOPIC"),
	})
	if err != nil {
		logger.Fatal("Cannot initialize Dispatcher",
			zap.Error(err),
		)
	}

	ingestRouter, err := ingest.NewRouter(ingest.RouterOptions{
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize ingest Router",
			zap.Error(err),
		)
	}

	handlers, err := ingest.NewHandlers(ingest.HandlersOptions{
		Servers:  serverManager,
		Sessions: sessionManager,
		Actions:  actionManager,
		Registry: registry,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize ingest Handlers",
			zap.Error(err),
		)
	}
	handlers.Register(ingestRouter)

	ingestService, err := ingest.NewService(ingest.ServiceOptions{
		Auth:   authManager,
		Games:  gameManager,
		Router: ingestRouter,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Ingest Service Router",
			zap.Error(err),
		)
	}

	serverService, err := server.NewService(server.ServiceOptions{
		ServerManager: serverManager,
		Registry:      registry,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Server Service Router",
			zap.Error(err),
		)
	}

	sessionService, err := session.NewService(session.ServiceOptions{
		SessionManager: sessionManager,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Session Service Router",
			zap.Error(err),
		)
	}

	actionService, err := action.NewService(action.ServiceOptions{
		ActionManager: actionManager,
		Dispatcher:    dispatcher,
		Registry:      registry,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Action Service Router",
			zap.Error(err),
		)
	}

	rootRouter := chi.NewRouter()
	rootRouter.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{os.Getenv("DASHBOARD_ORIGIN")},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// remote-facing: game servers handshake then post batches
	rootRouter.Get("/games/{gameID}/servers/{serverID}/messaging", ingestService.Handshake)
	rootRouter.Post("/ingest/{gameID}/{serverID}", ingestService.Ingest)

	// dashboard-facing
	rootRouter.Route("/games/{gameID}", func(r chi.Router) {
		r.Use(authManager.Middleware())
		r.Get("/events", serverService.StreamGameEvents)
		r.Mount("/servers", serverService.Router())
		r.Mount("/sessions", sessionService.Router())
		r.Mount("/players", sessionService.PlayerRouter())
		r.Mount("/actions", actionService.Router())
	})

	srv := &http.Server{
		Handler: rootRouter,
		Addr:    os.Getenv("API_ADDR"),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Cannot start API server",
				zap.Error(err),
			)
		}
	}()

	logger.Info("API server started",
		zap.String("Addr", srv.Addr),
	)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-c

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second*10)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Cannot gracefully shutdown API server",
			zap.Error(err),
		)
	}
}
