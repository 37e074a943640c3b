package main

import (
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"codepair/internal/api"
	"codepair/internal/auth"
	"codepair/internal/config"
	"codepair/internal/fanout"
	"codepair/internal/jobs"
	"codepair/internal/monitor"
	"codepair/internal/persist"
	"codepair/internal/presence"
	"codepair/internal/ratelimit"
	"codepair/internal/runtime"
	"codepair/internal/sandbox"
	"codepair/internal/scheduler"
	"codepair/internal/session"
	"codepair/internal/storage"
	"codepair/internal/storage/dynamo"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error
	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			log.Fatal().Str("port", port).Msg("PORT is not a number")
		}
		cfg.Server.Port = p
		log.Info().Int("port", p).Msg("using port from environment")
	}
	if cfg.Server.InstanceID == "" {
		// Recovery looks up unfinished jobs by owner, so the id has to outlive
		// a restart. The hostname does on a stable host.
		if host, err := os.Hostname(); err == nil && host != "" {
			cfg.Server.InstanceID = host
		} else {
			cfg.Server.InstanceID = uuid.NewString()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()
	runtimes := runtime.NewRegistry()
	sched := scheduler.New()
	defer sched.Stop()

	checks := make(map[string]api.HealthCheck)

	// Document store and executions audit log.
	var (
		docs       storage.DocumentStore
		db         *storage.DB
		executions api.ExecutionLog
		results    *storage.ResultWriter
	)
	switch cfg.Store.Backend {
	case "postgres":
		db, err = storage.New(ctx, cfg.Store.DSN, cfg.Store.MaxConns)
		if err != nil {
			log.Fatal().Err(err).Msg("database unavailable")
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("database migration failed")
		}
		docs = db
		executions = db
		checks["store"] = db.Healthy
	case "dynamodb":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("loading AWS configuration")
		}
		store, err := dynamo.New(dynamodb.NewFromConfig(awsCfg), cfg.Store.DynamoTable)
		if err != nil {
			log.Fatal().Err(err).Msg("dynamodb store unavailable")
		}
		docs = store
	default:
		docs = storage.NewMemoryStore()
		log.Warn().Msg("using in-memory document store: documents do not survive restarts")
	}
	if db != nil {
		results = storage.NewResultWriter(db, cfg.Store.ResultsBuffer, cfg.Store.WriteTimeout)
		results.Start()
	}

	// Redis carries cross-instance fanout, shared rate limits and durable job
	// records. Without it the process runs single-instance.
	var (
		rdb      *redis.Client
		broker   fanout.Broker
		limiter  ratelimit.Limiter
		jobStore jobs.Store
	)
	classes := ratelimit.ClassesFromConfig(cfg.RateLimit)
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unavailable")
		}
		broker = fanout.NewRedisBroker(rdb, cfg.Server.InstanceID, metrics)
		jobStore = jobs.NewRedisStore(rdb, cfg.Jobs.Retention)
		if cfg.RateLimit.Enabled {
			limiter = ratelimit.NewRedisLimiter(rdb, classes, metrics)
		}
		checks["redis"] = func(ctx context.Context) bool { return rdb.Ping(ctx).Err() == nil }
	} else {
		broker = fanout.NewLocalBroker(cfg.Server.InstanceID)
		if cfg.RateLimit.Enabled {
			limiter = ratelimit.NewMemoryLimiter(classes, metrics)
		}
	}
	defer broker.Close()

	verifier := mustVerifier(ctx, cfg.Auth)

	registry := session.NewRegistry(session.Config{
		Capacity:        cfg.Session.Capacity,
		EvictionGrace:   cfg.Session.EvictionGrace,
		RecordingLimit:  cfg.Session.RecordingLimit,
		RecordThrottle:  cfg.Session.RecordThrottle,
		DefaultLanguage: cfg.Session.DefaultLanguage,
		Duplicates:      session.ReplaceConnection,
		FlushTimeout:    cfg.Store.WriteTimeout,
	}, docs, runtimes, sched, metrics)
	synchronizer := persist.New(registry, docs, sched, cfg.Session.Debounce, cfg.Store.WriteTimeout, metrics)
	registry.SetPersister(synchronizer)

	backend, err := sandbox.NewBackend(cfg, runtimes)
	if err != nil {
		log.Fatal().Err(err).Msg("sandbox backend unavailable")
	}

	queue := jobs.NewQueue(jobs.QueueConfig{
		InstanceID:     cfg.Server.InstanceID,
		MaxCodeBytes:   cfg.Sandbox.MaxCodeBytes,
		MaxAttempts:    cfg.Jobs.MaxAttempts,
		BackoffBase:    cfg.Jobs.BackoffBase,
		Retention:      cfg.Jobs.Retention,
		Capacity:       cfg.Jobs.QueueSize,
		DefaultTimeout: cfg.Sandbox.RunTimeout,
		StoreTimeout:   cfg.Store.WriteTimeout,
	}, runtimes, jobStore, sched, metrics)
	executor := jobs.NewExecutor(backend, runtimes, cfg.Sandbox.MaxCodeBytes)

	handler := presence.NewHandler(registry, synchronizer, cfg.Store.WriteTimeout)
	dispatcher := presence.NewDispatcher(registry, broker, metrics)
	if err := dispatcher.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("subscribing to room fanout failed")
	}
	gateway := presence.NewGateway(presence.GatewayConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, handler, dispatcher, queue, executor, limiter, metrics)

	queue.OnTerminal(func(job jobs.Job) {
		dispatcher.Dispatch(ctx, handler.ExecutionResult(job))
		if results != nil {
			results.Log(jobs.AuditRecord(job))
		}
	})
	if n, err := queue.Recover(ctx); err != nil {
		log.Warn().Err(err).Msg("recovering unfinished jobs failed")
	} else if n > 0 {
		log.Info().Int("jobs", n).Msg("recovered unfinished jobs")
	}

	workers, workersCtx := errgroup.WithContext(ctx)
	workers.Go(func() error {
		return jobs.NewPool(queue, backend, cfg.Jobs.Workers, metrics).Run(workersCtx)
	})
	workers.Go(func() error {
		queue.RunJanitor(workersCtx)
		return nil
	})

	server := api.NewServer(cfg, api.Deps{
		Registry:   registry,
		Queue:      queue,
		Executor:   executor,
		Verifier:   verifier,
		Limiter:    limiter,
		Executions: executions,
		Results:    results,
		Gateway:    gateway,
		Metrics:    metrics,
		Checks:     checks,
	})

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		queue.Close()
		if err := synchronizer.FlushAll(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("flushing dirty sessions failed")
		}
		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("instance_id", cfg.Server.InstanceID).
		Str("store", cfg.Store.Backend).
		Bool("redis", rdb != nil).
		Bool("rate_limit", limiter != nil).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	<-ctx.Done()
	if err := workers.Wait(); err != nil {
		log.Error().Err(err).Msg("worker pool stopped with error")
	}
	if results != nil {
		results.Flush(cfg.Server.ShutdownTimeout)
	}
	if err := backend.Close(); err != nil {
		log.Error().Err(err).Msg("backend close error")
	}
	log.Info().Msg("server stopped")
}

// mustVerifier resolves the token signing secret from SSM or the config file.
// Without one the server still starts, with a random secret no client holds.
func mustVerifier(ctx context.Context, cfg config.AuthConfig) *auth.Verifier {
	var (
		secret []byte
		err    error
	)
	if cfg.JWTSecretParam != "" {
		awsCfg, loadErr := awsconfig.LoadDefaultConfig(ctx)
		if loadErr != nil {
			log.Fatal().Err(loadErr).Msg("loading AWS configuration")
		}
		secret, err = auth.ResolveSecret(ctx, ssm.NewFromConfig(awsCfg), cfg.JWTSecretParam, cfg.JWTSecret)
		if err != nil {
			log.Fatal().Err(err).Str("param", cfg.JWTSecretParam).Msg("loading signing secret failed")
		}
	} else if secret, err = auth.ResolveSecret(ctx, nil, "", cfg.JWTSecret); err != nil {
		log.Warn().Err(err).Msg("no signing secret configured, all tokens will be rejected")
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			log.Fatal().Err(err).Msg("failed to generate signing secret")
		}
	}

	verifier, err := auth.NewVerifier(secret, cfg.Issuer)
	if err != nil {
		log.Fatal().Err(err).Msg("building token verifier failed")
	}
	return verifier
}
