package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fablecast/fablecast/internal/cache"
	"github.com/fablecast/fablecast/internal/checkpoint"
	"github.com/fablecast/fablecast/internal/config"
	"github.com/fablecast/fablecast/internal/fable"
	"github.com/fablecast/fablecast/internal/genclient"
	"github.com/fablecast/fablecast/internal/pipeline"
	"github.com/fablecast/fablecast/internal/pool"
	"github.com/fablecast/fablecast/internal/ratelimit"
	"github.com/fablecast/fablecast/internal/runstore"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath string
	inputPath  string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fablecast",
		Short: "Fablecast - Durable document-to-video pipeline orchestrator",
		Long: `Fablecast runs a multi-stage content generation pipeline:
ingest a document, segment it into chapters, generate a validated
narration script per chapter, compose chapter artifacts, and merge them
into one output. Every completed unit of work is checkpointed, so an
interrupted run resumes where it stopped.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline for one input document",
		RunE:  runPipeline,
	}
	runCmd.Flags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	runCmd.Flags().StringVar(&inputPath, "input", "", "Path to the input document (required)")
	runCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	_ = runCmd.MarkFlagRequired("input")

	resumeCmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume an interrupted run from its checkpoint",
		Long:  "Resume a run from its durable checkpoint. Committed stages and units are skipped; only unfinished work executes.",
		Args:  cobra.ExactArgs(1),
		RunE:  resumePipeline,
	}
	resumeCmd.Flags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	resumeCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "Manage the run registry",
	}
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all known runs, newest first",
		RunE:  listRuns,
	}
	inspectCmd := &cobra.Command{
		Use:   "inspect <run-id>",
		Short: "Show a run's status, checkpoint progress and attempt count",
		Args:  cobra.ExactArgs(1),
		RunE:  inspectRun,
	}
	pruneCmd := &cobra.Command{
		Use:   "prune <run-id>",
		Short: "Delete a run, its attempts and its checkpoint state",
		Args:  cobra.ExactArgs(1),
		RunE:  pruneRun,
	}
	for _, c := range []*cobra.Command{listCmd, inspectCmd, pruneCmd} {
		c.Flags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	}
	runsCmd.AddCommand(listCmd, inspectCmd, pruneCmd)

	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the artifact cache",
	}
	cacheClearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete all cached artifacts",
		RunE:  clearCache,
	}
	cacheClearCmd.Flags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	cacheCmd.AddCommand(cacheClearCmd)

	rootCmd.AddCommand(runCmd, resumeCmd, runsCmd, cacheCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// components is everything a run or resume needs, plus cleanup
type components struct {
	cfg    *config.Config
	engine *pipeline.Engine
	runs   *runstore.Store
	ckpt   *checkpoint.Store
	cache  *cache.Cache
	pool   *pool.Pool
	logger *slog.Logger
}

func (c *components) close() {
	if c.pool != nil {
		c.pool.Close()
	}
	if c.runs != nil {
		_ = c.runs.Close()
	}
}

func buildComponents() (*components, error) {
	cfg, secrets, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger()
	logger.Debug("Configuration loaded", "config", configPath, "api_keys", len(secrets.APIKeys))

	runStore, err := runstore.Open(cfg.Pipeline.DataDir)
	if err != nil {
		return nil, err
	}

	artifactCache, err := cache.New(cfg.Cache.Dir, cfg.Cache.Enabled, logger)
	if err != nil {
		_ = runStore.Close()
		return nil, err
	}

	ckptStore := checkpoint.NewStore(
		filepath.Join(cfg.Pipeline.DataDir, "runs"),
		time.Duration(cfg.Pipeline.LockTimeoutSeconds)*time.Second,
		logger,
	)

	limits := ratelimit.NewPool(ratelimit.Config{RequestsPerSecond: 10, Burst: 1}, logger)
	for name, lim := range cfg.Limits {
		limits.Configure(name, ratelimit.Config{
			RequestsPerSecond: lim.RequestsPerSecond,
			Burst:             lim.Burst,
		})
	}

	gen := genclient.New(
		fable.LocalProvider{},
		artifactCache,
		limits,
		fable.ScriptValidator{},
		fable.FallbackScript,
		runStore,
		cfg.Pipeline.MaxAttempts,
		logger,
	)

	outDir := filepath.Join(cfg.Pipeline.DataDir, "out")
	graph := fable.NewGraph(fable.Deps{
		Reader:    fable.FileReader{},
		Segmenter: fable.HeadingSegmenter{},
		Generator: gen,
		Composer:  fable.StoryboardComposer{OutDir: outDir},
		Merger:    fable.ConcatMerger{OutDir: outDir},
	})
	for i := range graph.Stages {
		for _, name := range cfg.Pipeline.AllOrNothingStages {
			if graph.Stages[i].Name == name {
				graph.Stages[i].AllOrNothing = true
			}
		}
	}

	workers := pool.New(
		cfg.Pipeline.Concurrency,
		time.Duration(cfg.Pipeline.UnitTimeoutSeconds)*time.Second,
		logger,
	)

	engine, err := pipeline.New(graph, ckptStore, runStore, workers, logger)
	if err != nil {
		workers.Close()
		_ = runStore.Close()
		return nil, err
	}
	engine.ShowProgress = !cfg.Pipeline.DisableProgressBars

	return &components{
		cfg:    cfg,
		engine: engine,
		runs:   runStore,
		ckpt:   ckptStore,
		cache:  artifactCache,
		pool:   workers,
		logger: logger,
	}, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runPipeline(cmd *cobra.Command, args []string) error {
	comps, err := buildComponents()
	if err != nil {
		return err
	}
	defer comps.close()

	ctx, stop := signalContext()
	defer stop()

	seed, err := json.Marshal(inputPath)
	if err != nil {
		return err
	}
	handle, err := comps.engine.Submit(ctx, inputPath, map[string]json.RawMessage{
		fable.KeyInputPath: seed,
	})
	if err != nil {
		return fmt.Errorf("failed to submit run: %w", err)
	}

	comps.logger.Info("Fablecast starting",
		"version", Version,
		"run_id", handle.Run.ID,
		"input", inputPath)

	return executeRun(ctx, comps, handle)
}

func resumePipeline(cmd *cobra.Command, args []string) error {
	comps, err := buildComponents()
	if err != nil {
		return err
	}
	defer comps.close()

	ctx, stop := signalContext()
	defer stop()

	handle, err := comps.engine.Resume(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to resume run: %w", err)
	}
	return executeRun(ctx, comps, handle)
}

func executeRun(ctx context.Context, comps *components, handle *pipeline.RunHandle) error {
	result, err := comps.engine.Run(ctx, handle)
	if err != nil {
		if err == context.Canceled {
			comps.logger.Warn("Run interrupted - resume from checkpoint",
				"run_id", handle.Run.ID,
				"resume_command", fmt.Sprintf("fablecast resume %s", handle.Run.ID))
			return fmt.Errorf("run interrupted (resume with: fablecast resume %s)", handle.Run.ID)
		}
		return fmt.Errorf("run failed: %w", err)
	}

	for _, st := range result.Stages {
		comps.logger.Info("Stage summary",
			"stage", st.Name,
			"units", st.Units,
			"completed", st.Completed,
			"restored", st.Restored,
			"failed", st.Failed,
			"duration", st.Duration.Round(time.Millisecond))
	}
	comps.logger.Info("Run finished", "run_id", result.RunID, "status", result.Status)

	if final, err := handle.State().String(fable.KeyFinalArtifact); err == nil {
		fmt.Fprintf(os.Stdout, "%s\n", final)
	}
	return nil
}

func listRuns(cmd *cobra.Command, args []string) error {
	comps, err := buildComponents()
	if err != nil {
		return err
	}
	defer comps.close()

	runs, err := comps.runs.ListRuns(cmd.Context())
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs found.")
		return nil
	}
	for _, run := range runs {
		fmt.Printf("%s  %-24s  %s  %s\n",
			run.ID,
			run.Status,
			run.CreatedAt.Local().Format(time.DateTime),
			run.InputRef)
	}
	return nil
}

func inspectRun(cmd *cobra.Command, args []string) error {
	comps, err := buildComponents()
	if err != nil {
		return err
	}
	defer comps.close()

	runID := args[0]
	run, err := comps.runs.GetRun(cmd.Context(), runID)
	if err != nil {
		return err
	}
	attempts, err := comps.runs.CountAttempts(cmd.Context(), runID)
	if err != nil {
		return err
	}
	entries, err := comps.ckpt.Load(runID)
	if err != nil {
		return err
	}

	fmt.Printf("Run:        %s\n", run.ID)
	fmt.Printf("Input:      %s\n", run.InputRef)
	fmt.Printf("Status:     %s\n", run.Status)
	fmt.Printf("Created:    %s\n", run.CreatedAt.Local().Format(time.DateTime))
	fmt.Printf("Updated:    %s\n", run.UpdatedAt.Local().Format(time.DateTime))
	fmt.Printf("Attempts:   %d\n", attempts)
	fmt.Printf("Checkpoint: %d entries\n", len(entries))
	return nil
}

func pruneRun(cmd *cobra.Command, args []string) error {
	comps, err := buildComponents()
	if err != nil {
		return err
	}
	defer comps.close()

	runID := args[0]
	if err := comps.runs.PruneRun(cmd.Context(), runID); err != nil {
		return err
	}
	if err := comps.ckpt.Clear(runID); err != nil {
		return err
	}
	fmt.Printf("Pruned run %s\n", runID)
	return nil
}

func clearCache(cmd *cobra.Command, args []string) error {
	comps, err := buildComponents()
	if err != nil {
		return err
	}
	defer comps.close()

	removed, err := comps.cache.Clear()
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d cached artifacts\n", removed)
	return nil
}
