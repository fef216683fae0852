// Command storyforge runs the story generation orchestrator: it wires
// the Model Client, Progress Store, Pipeline Orchestrator, Checkpoint
// Handler, and Health Sweeper together and drives the sweeper on a
// cron schedule until told to stop.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/dotcommander/storyforge/internal/agent"
	"github.com/dotcommander/storyforge/internal/checkpointfeedback"
	"github.com/dotcommander/storyforge/internal/config"
	"github.com/dotcommander/storyforge/internal/domain/story"
	"github.com/dotcommander/storyforge/internal/editorbrief"
	"github.com/dotcommander/storyforge/internal/logbuffer"
	"github.com/dotcommander/storyforge/internal/pipeline"
	"github.com/dotcommander/storyforge/internal/recoverylock"
	"github.com/dotcommander/storyforge/internal/stage"
	"github.com/dotcommander/storyforge/internal/store"
	"github.com/dotcommander/storyforge/internal/store/filestore"
	"github.com/dotcommander/storyforge/internal/store/memory"
	"github.com/dotcommander/storyforge/internal/store/postgres"
	"github.com/dotcommander/storyforge/internal/sweeper"
)

func main() {
	if err := run(); err != nil {
		slog.Error("storyforge exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	logs := logbuffer.New(func(line string) { fmt.Fprintln(os.Stdout, line) })
	defer logs.Stop()

	logger := slog.New(logs.Wrap(slog.NewJSONHandler(os.Stdout, nil))).With("component", "storyforge")
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	progressStore, closeStore, err := buildStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("building progress store: %w", err)
	}
	defer closeStore()

	client := agent.NewClient(cfg.AI.APIKey,
		agent.WithAPIConfig(cfg.AI.BaseURL, cfg.AI.Model),
		agent.WithTimeout(time.Duration(cfg.AI.Timeout)*time.Second),
		agent.WithRateLimit(cfg.Limits.RateLimit.RequestsPerMinute, cfg.Limits.RateLimit.BurstSize),
		agent.WithLogger(logger.With("component", "model_client")),
		agent.WithPricing(agent.Pricing{
			InputPerMillion:  cfg.Pricing.InputPerMillion,
			OutputPerMillion: cfg.Pricing.OutputPerMillion,
		}),
		agent.WithCostStore(progressStore),
	)

	lock := recoverylock.New(buildRedisClient(cfg.Redis))

	flags := stage.FeatureFlags{
		AdaptivePreferences: cfg.FeatureFlags.AdaptivePreferences,
		CharacterLedger:     cfg.FeatureFlags.CharacterLedger,
		EntityValidation:    cfg.FeatureFlags.EntityValidation,
		VoiceReview:         cfg.FeatureFlags.VoiceReview,
	}

	bibleStage := &stage.Bible{Model: client, Store: progressStore, Log: logger}
	arcStage := &stage.Arc{Model: client, Store: progressStore, Log: logger}
	chapterStage := &stage.Chapter{
		Model:            client,
		Store:            progressStore,
		Log:              logger,
		QualityThreshold: cfg.Chapter.QualityThreshold,
		MaxAttempts:      cfg.Chapter.MaxAttempts,
	}
	brief := &editorbrief.Builder{Model: client}

	orchestrator := &pipeline.Orchestrator{
		Store:             progressStore,
		Bible:             bibleStage,
		Arc:               arcStage,
		Chapter:           chapterStage,
		LogBuffer:         logs,
		Log:               logger,
		FeatureFlags:      flags,
		InterChapterDelay: cfg.Limits.InterChapterDelay,
		MaxStepRetries:    cfg.Limits.MaxStepRetries,
	}

	handler := &checkpointfeedback.Handler{
		Store:          progressStore,
		Chapter:        chapterStage,
		EditorBrief:    brief,
		LogBuffer:      logs,
		Log:            logger,
		FeatureFlags:   flags,
		MaxStepRetries: cfg.Limits.MaxStepRetries,
	}

	sw := &sweeper.Sweeper{
		Store:      progressStore,
		Lock:       lock,
		Dispatcher: &dispatcher{orchestrator: orchestrator, handler: handler, store: progressStore},
		Log:        logger,
		Config: sweeper.Config{
			StallThreshold:    time.Duration(cfg.HealthCheck.StallThresholdSeconds) * time.Second,
			LockDuration:      time.Duration(cfg.HealthCheck.LockDurationSeconds) * time.Second,
			CodeErrorRetryCap: cfg.HealthCheck.CodeErrorRetryCap,
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sw.RunOnce(ctx); err != nil {
		logger.Warn("initial health sweep failed", "error", err)
	}

	sweeperCron := cron.New()
	interval := time.Duration(cfg.HealthCheck.IntervalSeconds) * time.Second
	_, _ = sweeperCron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if err := sw.RunOnce(ctx); err != nil {
			logger.Warn("health sweep failed", "error", err)
		}
	})
	sweeperCron.Start()
	defer func() { <-sweeperCron.Stop().Done() }()

	logger.Info("storyforge running", "health_check_interval", interval.String())
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func buildStore(cfg config.StoreConfig) (store.ProgressStore, func(), error) {
	switch cfg.Backend {
	case "postgres":
		ctx := context.Background()
		s, err := postgres.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			return nil, nil, fmt.Errorf("migrating postgres schema: %w", err)
		}
		return s, s.Close, nil
	case "file":
		return filestore.New(cfg.BaseDir), func() {}, nil
	default:
		return memory.New(), func() {}, nil
	}
}

func buildRedisClient(cfg config.RedisConfig) *redis.Client {
	if cfg.Addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// dispatcher adapts the Pipeline Orchestrator and Checkpoint Handler
// into the Health Sweeper's narrow Dispatcher contract.
type dispatcher struct {
	orchestrator *pipeline.Orchestrator
	handler      *checkpointfeedback.Handler
	store        store.ProgressStore
}

func (d *dispatcher) RestartBible(ctx context.Context, job *story.Job) error {
	return d.orchestrator.Run(ctx, job, job.PremiseRef, stage.Preferences{}, "")
}

func (d *dispatcher) ResumePipeline(ctx context.Context, job *story.Job) error {
	return d.orchestrator.Run(ctx, job, job.PremiseRef, stage.Preferences{}, "")
}

func (d *dispatcher) ResumeBatch(ctx context.Context, job *story.Job) error {
	feedback, err := d.store.LoadFeedback(ctx, job.ID)
	if err != nil || len(feedback) == 0 {
		return fmt.Errorf("resume batch: no feedback on record for job %s", job.ID)
	}
	return d.handler.Handle(ctx, job, feedback[len(feedback)-1])
}
