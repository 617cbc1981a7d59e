package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/justinas/alice"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"omnidesk/config"
	"omnidesk/internal/adapters/evolution"
	"omnidesk/internal/adapters/llm"
	"omnidesk/internal/adapters/messenger"
	"omnidesk/internal/agent"
	"omnidesk/internal/cache"
	"omnidesk/internal/db"
	"omnidesk/internal/dispatch"
	"omnidesk/internal/handlers"
	"omnidesk/internal/media"
	"omnidesk/internal/models"
	"omnidesk/internal/services"
	"omnidesk/pkg/httputil"
	"omnidesk/pkg/logger"
)

func main() {
	logger.InitLogger()

	log.Info().Msg("Loading configuration...")
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.Configure(cfg.LogLevel, cfg.LogFormat)
	log.Info().Msg("Configuration loaded successfully.")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("driver", cfg.DatabaseDriver).Msg("Initializing database...")
	store, err := db.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Provider clients share one per-channel send limiter.
	limiter := httputil.NewLimiter(cfg.SendRatePerSecond, 1)
	metaClient, err := messenger.NewClient(cfg.GraphAPIBaseURL, cfg.GraphAPIVersion, cfg.ProfileLookupTimeout, cfg.ProfileLookupRetries, limiter)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Graph API client")
	}
	evoClient := evolution.NewClient(cfg.EvolutionAPIURL, cfg.ProfileLookupTimeout, cfg.ProfileLookupRetries, limiter)
	providers := services.Providers{
		models.ChannelMessenger: metaClient,
		models.ChannelInstagram: metaClient,
		models.ChannelWhatsApp:  evoClient,
	}

	var generator agent.Generator
	if llmClient, err := llm.NewClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMTimeout, cfg.DefaultConfidence); err != nil {
		log.Warn().Err(err).Msg("LLM client not configured, agents will only answer from skills")
	} else {
		generator = llmClient
	}

	var (
		publishers []dispatch.Publisher
		rabbit     *dispatch.RabbitPublisher
	)
	if cfg.RabbitMQURL != "" {
		rabbit, err = dispatch.NewRabbitPublisher(cfg.RabbitMQURL, cfg.RabbitMQQueue, cfg.RabbitMQQueuePrefix, cfg.AMQPSpecificEvents)
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialize RabbitMQ publisher, continuing without it")
			rabbit = nil
		} else {
			publishers = append(publishers, rabbit)
		}
	}
	if cfg.EventsWebhookURL != "" {
		wp, err := dispatch.NewWebhookPublisher(cfg.EventsWebhookURL, cfg.EventsWebhookFormat, 10*time.Second)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize events webhook publisher")
		}
		publishers = append(publishers, wp)
	}
	dispatcher := dispatch.NewManager(dispatch.Options{
		MaxRetries:   cfg.DispatchMaxRetries,
		RetryBackoff: cfg.DispatchRetryBackoff,
	}, publishers...)
	dispatcher.Start()

	contactService, err := services.NewContactSyncService(store, cache.NewChannelCache(cfg.ChannelCacheTTL), providers, cfg.ProfileLookupTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize ContactSyncService")
	}
	contactService.SetProfileRetryInterval(cfg.ProfileRetryInterval)
	conversationService, err := services.NewConversationSyncService(store)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize ConversationSyncService")
	}
	messageService, err := services.NewMessageSyncService(store)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize MessageSyncService")
	}
	ingestService, err := services.NewIngestService(contactService, conversationService, messageService, dispatcher, services.IngestOptions{
		Concurrency: cfg.WebhookConcurrency,
		AutoProcess: cfg.AutoProcess,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize IngestService")
	}
	log.Info().Msg("Services initialized successfully")

	if cfg.S3.Enabled {
		s3m, err := media.NewS3Manager(cfg.S3)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize S3 media storage")
		}
		if err := s3m.TestConnection(ctx); err != nil {
			log.Warn().Err(err).Msg("S3 connection test failed, media mirroring may not work")
		}
		mirror, err := media.NewMirror(s3m, store, 30*time.Second)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize media mirror")
		}
		ingestService.SetMediaMirror(mirror)
		log.Info().Str("bucket", cfg.S3.Bucket).Msg("Media mirroring enabled")
	}

	sessions, err := agent.NewSessions(store, dispatcher)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize session manager")
	}
	pipeline, err := agent.NewPipeline(store, sessions, messageService, providers, generator, dispatcher)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize agent pipeline")
	}
	ingestService.SetProcessor(pipeline)

	sweeper, err := agent.NewSweeper(store, sessions, cfg.SessionSweepSchedule)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize session sweeper")
	}
	sweeper.Start()

	router := handlers.NewRouter(handlers.Routes{
		MetaWebhookPath:      cfg.MetaWebhookPath,
		EvolutionWebhookPath: cfg.EvolutionWebhookPath,
		Meta:                 handlers.NewMetaHandler(ingestService, cfg.MetaVerifyToken, cfg.MetaAppSecret, cfg.WebhookProcessTimeout),
		Evolution:            handlers.NewEvolutionHandler(ingestService, cfg.WebhookProcessTimeout),
		Agent:                handlers.NewAgentHandler(pipeline),
		Dispatch:             handlers.NewDispatchHandler(dispatcher),
		Health:               store,
	})

	chain := alice.New(
		hlog.NewHandler(log.Logger),
		hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Info().
				Str("method", r.Method).
				Stringer("url", r.URL).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("Request handled")
		}),
		hlog.RequestIDHandler("req_id", "Request-Id"),
	)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           chain.Then(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msgf("Server starting on port %s...", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	sweeper.Stop()
	dispatcher.Close()
	if rabbit != nil {
		if err := rabbit.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close RabbitMQ connection")
		}
	}
	if err := store.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close database")
	}
	log.Info().Msg("Shutdown complete")
}
