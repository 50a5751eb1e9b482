package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/S-Corkum/meshflow/pkg/config"
	"github.com/S-Corkum/meshflow/pkg/engine"
	"github.com/S-Corkum/meshflow/pkg/executors"
	"github.com/S-Corkum/meshflow/pkg/observability"
	"github.com/S-Corkum/meshflow/pkg/repository/memory"
	"github.com/S-Corkum/meshflow/pkg/repository/postgres"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("MESHFLOW_CONFIG"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewStandardLoggerWithLevel("meshflow", logLevel(cfg.Logging.Level))
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Engine exited with error", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger observability.Logger) error {
	opts := engine.Options{Logger: logger}

	if dsn := cfg.Database.DSN(); dsn != "" {
		pg, err := postgres.Connect(dsn,
			cfg.Database.MaxOpenConns,
			cfg.Database.MaxIdleConns,
			time.Duration(cfg.Database.ConnMaxLifetime)*time.Second)
		if err != nil {
			return err
		}
		defer func() { _ = pg.Close() }()
		if err := pg.Migrate(ctx, logger); err != nil {
			return err
		}
		opts.Repo = pg
		opts.TaskDB = pg.DB()
		logger.Info("Using postgres repository", map[string]interface{}{"host": cfg.Database.Host})
	} else {
		opts.Repo = memory.New()
		logger.Warn("No database configured, state is held in memory", nil)
	}

	opts.Notifiers = buildNotifiers(ctx, cfg, logger)

	eng, err := engine.New(engineConfig(cfg), opts)
	if err != nil {
		return err
	}
	logger.Info("Workflow engine started", map[string]interface{}{
		"async_pool_size":     cfg.Engine.AsyncPoolSize,
		"scheduler_pool_size": cfg.Engine.SchedulerPoolSize,
	})

	<-ctx.Done()
	logger.Info("Shutting down", nil)

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return eng.Stop(stopCtx)
}

func buildNotifiers(ctx context.Context, cfg *config.Config, logger observability.Logger) *executors.NotifierRegistry {
	notifiers := executors.NewNotifierRegistry()
	notifiers.Register(executors.NewLogNotifier("email", logger))
	notifiers.Register(executors.NewLogNotifier("sms", logger))

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unreachable, system notifications disabled", map[string]interface{}{
				"addr":  cfg.Redis.Addr,
				"error": err.Error(),
			})
		} else {
			notifiers.Register(executors.NewSystemNotifier(client, cfg.Redis.Channel, logger))
		}
	}
	return notifiers
}

func engineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		AsyncPoolSize:       cfg.Engine.AsyncPoolSize,
		SchedulerPoolSize:   cfg.Engine.SchedulerPoolSize,
		CleanupInterval:     cfg.Engine.CleanupInterval(),
		InstanceRetention:   cfg.Engine.InstanceRetention(),
		BaseRetryDelay:      cfg.Engine.BaseRetryDelay(),
		MaxRetryDelay:       cfg.Engine.MaxRetryDelay(),
		StepDefaultTimeout:  cfg.Engine.StepDefaultTimeout(),
		UserTaskDueHours:    cfg.Engine.UserTaskDefaultDueHours,
		DefinitionCacheSize: cfg.Engine.DefinitionCacheSize,
		StartRatePerSecond:  cfg.Engine.StartRatePerSecond,
		StartBurst:          cfg.Engine.StartBurst,
		AdminUsers:          cfg.Engine.AdminUsers,
	}
}

func logLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.LogLevelDebug
	case "warn", "warning":
		return observability.LogLevelWarn
	case "error":
		return observability.LogLevelError
	default:
		return observability.LogLevelInfo
	}
}
