package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"review-batch-runner/internal/api"
	"review-batch-runner/internal/config"
	"review-batch-runner/internal/gbp"
	"review-batch-runner/internal/ledger"
	"review-batch-runner/internal/llm"
	"review-batch-runner/internal/logging"
	"review-batch-runner/internal/models"
	"review-batch-runner/internal/notify"
	"review-batch-runner/internal/ratelimit"
	"review-batch-runner/internal/runner"
	"review-batch-runner/internal/scheduler"
	"review-batch-runner/internal/store"
	"review-batch-runner/internal/telemetry"
	"review-batch-runner/internal/work"
)

func main() {
	cfg := config.Load()
	log := logging.WithName("cron")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error(err, "connect postgres")
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Error(err, "migrations")
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewProviderLimiter(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	run := runner.New(st, ledger.NewClient(cfg.LedgerBaseURL, cfg.LedgerToken),
		notify.NewDispatcher(st, cfg.AdminWebhookURL),
		runner.Options{
			BatchSize:          cfg.BatchSize,
			RetryCap:           cfg.RetryCap,
			ItemStaleAfter:     cfg.ItemStaleAfter,
			JobStaleAfter:      cfg.JobStaleAfter,
			PublishDelay:       cfg.PublishDelay,
			TickBudget:         cfg.TickBudget,
			RetryFailedRefunds: cfg.RetryFailedRefunds,
			CostTable:          cfg.CostTable,
		})

	registerExecutors(ctx, run, cfg, st, limiter)

	if cfg.CronSchedule != "" {
		sched, err := scheduler.New(run, cfg.CronSchedule)
		if err != nil {
			log.Error(err, "init scheduler")
			os.Exit(1)
		}
		sched.Start()
		defer sched.Stop()
		log.Info("in-process schedule enabled", "expression", cfg.CronSchedule)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Error(err, "metrics server stopped")
		}
	}()

	server := api.New(cfg, st, run)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info("cron service listening", "port", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(err, "listen")
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

// registerExecutors wires one executor per work kind.
func registerExecutors(ctx context.Context, run *runner.Runner, cfg config.Config, st *store.Store, limiter *ratelimit.ProviderLimiter) {
	log := logging.WithName("cron")

	llmClient := llm.NewClient(map[string]llm.Provider{
		"openai":    {BaseURL: cfg.LLMBaseURL, APIKey: cfg.LLMAPIKey, Model: cfg.LLMModel},
		"anthropic": {BaseURL: cfg.LLMBaseURL, APIKey: cfg.LLMAPIKey, Model: cfg.LLMModel},
		"gemini":    {BaseURL: cfg.LLMBaseURL, APIKey: cfg.LLMAPIKey, Model: cfg.LLMModel},
	}, cfg.LLMTimeout)

	gbpClient := gbp.NewClient(cfg.GBPBaseURL, envTokenSource{}, cfg.GBPTimeout)

	media, err := work.NewMediaPipeline(ctx, cfg)
	if err != nil {
		log.Error(err, "init media pipeline")
		os.Exit(1)
	}

	check := &work.LLMCheck{Asker: llmClient, Visibility: st, Throttle: limiter}
	textPost := &work.TextPost{Poster: gbpClient}
	photoPost := &work.PhotoPost{Poster: gbpClient, Media: media}
	profile := &work.ProfileCheck{Reader: gbpClient, Snapshots: st}

	run.RegisterExecutor(models.KindLLMCheck, check.Execute)
	run.RegisterExecutor(models.KindPostText, textPost.Execute)
	run.RegisterExecutor(models.KindPostPhoto, photoPost.Execute)
	run.RegisterExecutor(models.KindProfileCheck, profile.Execute)
}

// envTokenSource reads a single shared Business Profile token from the
// environment. Per-account OAuth refresh lives in the dashboard service;
// this runner only consumes whatever token that service provisions.
type envTokenSource struct{}

func (envTokenSource) AccessToken(_ context.Context, _ string) (string, error) {
	return os.Getenv("GBP_ACCESS_TOKEN"), nil
}
