package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cloudweave/engine/internal/adapter"
	"github.com/cloudweave/engine/internal/adapter/arm"
	"github.com/cloudweave/engine/internal/adapter/cloudformation"
	"github.com/cloudweave/engine/internal/adapter/terraform"
	"github.com/cloudweave/engine/internal/callback"
	"github.com/cloudweave/engine/internal/credential"
	"github.com/cloudweave/engine/internal/models"
	"github.com/cloudweave/engine/internal/repository"
	"github.com/cloudweave/engine/internal/service"
	"github.com/cloudweave/engine/internal/supervisor"
	"github.com/cloudweave/engine/internal/template"
	"github.com/cloudweave/engine/pkg/config"
	"github.com/cloudweave/engine/pkg/database"
	"github.com/cloudweave/engine/pkg/logger"
)

func main() {
	cfg := config.MustLoad()
	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx := context.Background()
	db, err := database.OpenPostgres(ctx, cfg.DatabaseURL, cfg.AppEnv)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis connection failed", zap.Error(err))
	}

	queue := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	defer queue.Close()

	workingDir := cfg.WorkingDir
	if workingDir == "" {
		workingDir = os.TempDir()
	} else if err := os.MkdirAll(workingDir, 0o755); err != nil {
		log.Fatal("failed to create working dir", zap.Error(err))
	}

	registry := adapter.NewRegistry()
	tf := terraform.New(workingDir, cfg.TerraformTimeout)
	registry.Register(models.TemplateTerraform, models.ProviderAzure, tf)
	registry.Register(models.TemplateTerraform, models.ProviderAWS, tf)
	registry.Register(models.TemplateTerraform, models.ProviderGCP, tf)
	registry.Register(models.TemplateARM, models.ProviderAzure, arm.New())
	registry.Register(models.TemplateCloudFormation, models.ProviderAWS, cloudformation.New())

	deploymentRepo := repository.NewDeploymentRepository(db)
	credentialRepo := repository.NewCredentialRepository(db)

	canceler := supervisor.NewRedisCanceler(rdb)
	deploymentSvc := service.NewDeploymentService(deploymentRepo, queue, canceler, registry)

	sup := supervisor.New(supervisor.Deps{
		Store:        deploymentSvc,
		Templates:    template.NewStoreResolver(cfg.ControlPlaneURL),
		Credentials:  credential.NewResolver(credentialRepo),
		Registry:     registry,
		Sink:         callback.NewHTTPSink(cfg.ControlPlaneURL),
		Canceler:     canceler,
		PollInterval: cfg.PollInterval,
		MaxPolls:     cfg.MaxPolls,
	})

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       0,
		},
		asynq.Config{
			Concurrency: cfg.AsynqConcurrency,
		},
	)

	mux := asynq.NewServeMux()
	sup.Register(mux)

	errCh := make(chan error, 1)
	go func() {
		logger.L().Info("asynq worker starting", zap.Int("concurrency", cfg.AsynqConcurrency))
		if err := srv.Run(mux); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.L().Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.L().Error("worker stopped with error", zap.Error(err))
	}

	// Allow in-flight tasks to finish gracefully.
	srv.Shutdown()
}
