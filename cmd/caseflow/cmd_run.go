package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"caseflow/internal/artifact"
	"caseflow/internal/cache"
	"caseflow/internal/config"
	"caseflow/internal/docs"
	"caseflow/internal/inference"
	"caseflow/internal/pipeline"
	"caseflow/internal/retry"
	"caseflow/internal/store"
)

var (
	schedule string
	fastMode bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process all pending cases in the queue",
	Long: `Runs one full pass over the queue: bootstrap the shared context
cache, take a single snapshot of PENDING rows and process them
sequentially. Each case ends in COMPLETED or ERROR; the run survives any
individual case failure.

With --schedule the pass repeats on a cron expression so rows added after
a run are picked up by the next one.`,
	RunE: runPass,
}

func init() {
	runCmd.Flags().StringVar(&schedule, "schedule", "", "cron expression for repeated runs (e.g. \"0 2 * * *\")")
	runCmd.Flags().BoolVar(&fastMode, "fast", false, "use short timeouts (integration testing)")
}

// buildEngine wires all collaborators from configuration.
func buildEngine(cfg *config.Config) (*pipeline.Coordinator, *store.QueueStore, error) {
	timeouts := config.DefaultTimeouts()
	if fastMode {
		timeouts = config.FastTimeouts()
	}

	qs, err := store.NewQueueStore(cfg.Queue.DatabasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening queue: %w", err)
	}

	client := inference.NewGeminiClient(inference.GeminiConfig{
		APIKey:          cfg.Inference.APIKey,
		BaseURL:         cfg.Inference.BaseURL,
		Model:           cfg.Inference.Model,
		Timeout:         timeouts.HTTPClientTimeout,
		MaxOutputTokens: cfg.Inference.MaxOutputTokens,
		Temperature:     cfg.Inference.Temperature,
		RateLimitDelay:  timeouts.RateLimitDelay,
	})

	source := docs.NewRoutedSource(workspace, timeouts.HTTPClientTimeout)
	policy := retry.FromTimeouts(timeouts)

	ttl, err := cfg.CacheTTL()
	if err != nil {
		qs.Close()
		return nil, nil, err
	}
	cacheMgr := cache.NewManager(client, source, cfg.Prompts.SystemInstructionsRef,
		filepath.Join(workspace, cfg.Cache.ReferenceDir), ttl, policy)

	uploadBase := cfg.Output.UploadDir
	if uploadBase == "" {
		uploadBase = filepath.Join(cfg.Output.Dir, "published")
	}

	processor := pipeline.NewProcessor(pipeline.ProcessorConfig{
		Queue:           qs,
		Source:          source,
		Sessions:        inference.NewSessionManager(source, cfg.Prompts.SystemInstructionsRef),
		Caller:          inference.NewAssembler(client, timeouts.CallBudget),
		Artifacts:       &artifact.LocalStore{Base: uploadBase},
		Policy:          policy,
		ReportPromptRef: cfg.Prompts.ReportPromptRef,
		OutputDir:       cfg.Output.Dir,
	})

	requeueAfter, err := cfg.RequeueAfter()
	if err != nil {
		qs.Close()
		return nil, nil, err
	}

	return pipeline.NewCoordinator(qs, cacheMgr, processor, requeueAfter), qs, nil
}

func runPass(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	coordinator, qs, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer qs.Close()

	ctx := cmd.Context()
	if schedule == "" {
		return runOnce(ctx, coordinator)
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if err := runOnce(ctx, coordinator); err != nil {
			logger.Error("scheduled run failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}

	logger.Info("scheduler started", zap.String("schedule", schedule))
	c.Start()
	<-ctx.Done()
	logger.Info("scheduler stopping")

	// Let an in-flight pass finish its current case.
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(30 * time.Second):
		logger.Warn("scheduler stop timed out")
	}
	return nil
}

func runOnce(ctx context.Context, coordinator *pipeline.Coordinator) error {
	summary, err := coordinator.Run(ctx)
	if err != nil {
		return err
	}
	logger.Info("run finished",
		zap.String("run_id", summary.RunID),
		zap.Int("total", summary.Total),
		zap.Int("completed", summary.Completed),
		zap.Int("failed", summary.Failed),
		zap.Duration("elapsed", summary.Elapsed),
	)
	fmt.Printf("Run %s: %d completed, %d failed of %d pending (%s)\n",
		summary.RunID, summary.Completed, summary.Failed, summary.Total, summary.Elapsed.Round(time.Second))
	return nil
}
