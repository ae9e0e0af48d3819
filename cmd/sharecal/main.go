package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"sharecal/internal/api"
	"sharecal/internal/cache"
	"sharecal/internal/calendar"
	"sharecal/internal/config"
	"sharecal/internal/dispatch"
	"sharecal/internal/extractor"
	"sharecal/internal/fetcher"
	"sharecal/internal/ingest"
	"sharecal/internal/mail"
	"sharecal/internal/metrics"
	"sharecal/internal/pipeline"
	"sharecal/internal/queue"
	"sharecal/internal/retry"
	"sharecal/internal/scheduler"
	"sharecal/internal/settings"
	"sharecal/internal/storage"
	"sharecal/internal/worker"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config file (default ./sharecal.yaml)")
		drainOnly  = flag.Bool("drain", false, "ingest the inbox, drain the queue once and exit")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	setupLogging(cfg.Log)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	db, err := storage.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	for name, ensure := range map[string]func() error{
		"queue":         func() error { return queue.EnsureSchema(db) },
		"cache":         func() error { return cache.EnsureSchema(db) },
		"confirmations": func() error { return dispatch.EnsureSchema(db) },
	} {
		if err := ensure(); err != nil {
			log.Fatal().Err(err).Str("schema", name).Msg("ensure schema")
		}
	}

	m := metrics.New()
	logger := log.Logger

	var store cache.Store
	switch cfg.Cache.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr, DB: cfg.Cache.RedisDB})
		defer rdb.Close()
		store = cache.NewRedisStore(rdb, "", logger)
	default:
		store = cache.NewSQLiteStore(db, time.Now, logger)
	}

	var sender dispatch.Sender
	switch cfg.Mail.Provider {
	case "smtp":
		sender = mail.NewSMTPSender(cfg.Mail.SMTPHost, cfg.Mail.SMTPPort, cfg.Mail.SMTPUser, cfg.Mail.SMTPPass, cfg.Mail.Timeout, logger)
	default:
		sender = mail.NewResendSender(cfg.Mail.ResendURL, cfg.Mail.ResendKey, cfg.Mail.Timeout, logger)
	}

	fetch := fetcher.NewClient(cfg.Fetcher.BaseURL, cfg.Fetcher.Timeout, retry.Policy{
		MaxAttempts: cfg.Fetcher.MaxAttempts,
		Backoff:     cfg.Fetcher.Backoff,
		MaxBackoff:  cfg.Fetcher.MaxBackoff,
	}, logger)

	extract := extractor.New(extractor.NewOpenAIModel(cfg.Model.APIKey, cfg.Model.BaseURL, logger), store, extractor.Config{
		DefaultModel:        cfg.Model.Name,
		ConfidenceThreshold: cfg.Model.ConfidenceThreshold,
		CacheTTL:            cfg.Cache.TTL,
		Timeout:             cfg.Model.Timeout,
		MaxTextChars:        cfg.Fetcher.MaxTextChars,
	}, time.Now, m, logger)

	// Confirmation tokens die with the cached extraction they came from.
	router := dispatch.NewRouter(sender, dispatch.NewSQLiteStore(db), dispatch.Config{
		FromEmail:        cfg.Routing.FromEmail,
		ToTentativeEmail: cfg.Routing.ToTentativeEmail,
		ToConfirmedEmail: cfg.Routing.ToConfirmedEmail,
		PublicURL:        cfg.Server.PublicURL,
		TokenTTL:         cfg.Cache.TTL,
	}, time.Now, m, logger)

	proc := pipeline.NewProcessor(fetch, extract, router, store, pipeline.Config{
		Screenshot:      cfg.Fetcher.Screenshot,
		FetchTimeout:    cfg.Fetcher.Timeout,
		ReasoningEffort: cfg.Model.ReasoningEffort,
		Calendar: calendar.Config{
			Method:                 cfg.Calendar.Method,
			Timezone:               cfg.Calendar.Timezone,
			ProdID:                 cfg.Calendar.ProdID,
			IncludeHTMLDescription: cfg.Calendar.IncludeHTMLDescription,
		},
		ArtifactTTL: cfg.Cache.TTL,
	}, logger)

	repo := queue.NewSQLiteRepo(db, time.Now)

	drainer := worker.NewDrainer(repo, proc, cfg.Queue.JobTimeout, cfg.Queue.PollInterval, m, logger)
	prefs := settings.FromConfig(cfg.Routing)
	inbox := ingest.NewInbox(cfg.Ingest.InboxDir, repo, prefs, cfg.Ingest.Debounce, m, logger)
	inbox.OnEnqueue(drainer.Trigger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if n, err := inbox.ScanOnce(ctx); err != nil {
		log.Fatal().Err(err).Msg("scan inbox")
	} else if n > 0 {
		log.Info().Int("queued", n).Msg("queued shares from inbox")
	}

	if *drainOnly {
		st, err := drainer.DrainOnce(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("drain")
		}
		log.Info().Int("processed", st.Processed).Int("failed", st.Failed).Msg("drain finished")
		return
	}

	go func() {
		if err := drainer.Run(ctx); err != nil {
			log.Fatal().Err(err).Msg("queue store is unusable")
		}
	}()

	if cfg.Ingest.Watch {
		go func() {
			if err := inbox.Watch(ctx); err != nil {
				log.Error().Err(err).Msg("inbox watcher stopped")
			}
		}()
	}

	housekeeping, err := scheduler.NewService(scheduler.Config{
		CacheSweep:        cfg.Housekeep.CacheSweep,
		ConfirmationPurge: cfg.Housekeep.ConfirmationPurge,
		DrainSchedule:     cfg.Housekeep.DrainSchedule,
	}, store, router, drainer, m, logger)
	if err != nil {
		log.Fatal().Err(err).Msg("housekeeping schedules")
	}
	go housekeeping.Start(ctx)

	handler := api.NewServer(api.Deps{
		Queue:    repo,
		Settings: prefs,
		Drainer:  drainer,
		Confirm:  router,
		Fetcher:  fetch,
		Metrics:  m,
		Log:      logger,
	}, api.Options{
		BasicAuthUser: cfg.Server.BasicAuthUser,
		BasicAuthPass: cfg.Server.BasicAuthPass,
		RatePerMinute: cfg.Server.RatePerMinute,
		RateBurst:     cfg.Server.RateBurst,
		EnableDebug:   cfg.Server.Debug,
	})

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}

func setupLogging(cfg config.LogConfig) {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	log.Logger = log.Logger.With().Str("service", "sharecal").Logger()
}
