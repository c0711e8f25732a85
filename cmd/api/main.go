package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cloudweave/engine/internal/adapter"
	"github.com/cloudweave/engine/internal/adapter/arm"
	"github.com/cloudweave/engine/internal/adapter/cloudformation"
	"github.com/cloudweave/engine/internal/adapter/terraform"
	"github.com/cloudweave/engine/internal/api"
	"github.com/cloudweave/engine/internal/api/handlers"
	"github.com/cloudweave/engine/internal/models"
	"github.com/cloudweave/engine/internal/repository"
	"github.com/cloudweave/engine/internal/service"
	"github.com/cloudweave/engine/internal/supervisor"
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

	log.Info("starting engine api",
		zap.String("env", cfg.AppEnv),
		zap.String("addr", cfg.HTTPAddr),
	)

	ctx := context.Background()
	db, err := database.OpenPostgres(ctx, cfg.DatabaseURL, cfg.AppEnv)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	log.Info("database connected")

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

	jwtSecret := []byte(cfg.JWTSecret)
	if len(jwtSecret) == 0 {
		log.Warn("JWT_SECRET not set, using default (INSECURE for production)")
		jwtSecret = []byte("change-me-in-production-please")
	}

	registry := buildRegistry(cfg)
	canceler := supervisor.NewRedisCanceler(rdb)

	deploymentRepo := repository.NewDeploymentRepository(db)
	credentialRepo := repository.NewCredentialRepository(db)

	deploymentSvc := service.NewDeploymentService(deploymentRepo, queue, canceler, registry)
	credentialSvc := service.NewCredentialService(credentialRepo, arm.New())

	v := validator.New(validator.WithRequiredStructEnabled())
	router := api.NewRouter(api.Dependencies{
		HMACSecret:         jwtSecret,
		DeploymentsHandler: handlers.NewDeploymentsHandler(deploymentSvc, v),
		SettingsHandler:    handlers.NewSettingsHandler(credentialSvc, v),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server starting", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	} else {
		log.Info("server exited gracefully")
	}
}

// buildRegistry registers every supported (template type, provider) pairing.
// The api process only consults it for request validation; execution happens
// in the worker.
func buildRegistry(cfg *config.Config) *adapter.Registry {
	workingDir := cfg.WorkingDir
	if workingDir == "" {
		workingDir = os.TempDir()
	}

	registry := adapter.NewRegistry()
	tf := terraform.New(workingDir, cfg.TerraformTimeout)
	registry.Register(models.TemplateTerraform, models.ProviderAzure, tf)
	registry.Register(models.TemplateTerraform, models.ProviderAWS, tf)
	registry.Register(models.TemplateTerraform, models.ProviderGCP, tf)
	registry.Register(models.TemplateARM, models.ProviderAzure, arm.New())
	registry.Register(models.TemplateCloudFormation, models.ProviderAWS, cloudformation.New())
	return registry
}
