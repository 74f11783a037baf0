package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/issue-orchestrator/internal/config"
	"github.com/hochfrequenz/issue-orchestrator/internal/coordinator"
	"github.com/hochfrequenz/issue-orchestrator/internal/eventbus"
	"github.com/hochfrequenz/issue-orchestrator/internal/generation"
	"github.com/hochfrequenz/issue-orchestrator/internal/housekeeping"
	"github.com/hochfrequenz/issue-orchestrator/internal/llm"
	"github.com/hochfrequenz/issue-orchestrator/internal/logging"
	"github.com/hochfrequenz/issue-orchestrator/internal/notify"
	"github.com/hochfrequenz/issue-orchestrator/internal/observer"
	"github.com/hochfrequenz/issue-orchestrator/internal/poller"
	"github.com/hochfrequenz/issue-orchestrator/internal/prompts"
	"github.com/hochfrequenz/issue-orchestrator/internal/provider/github"
	"github.com/hochfrequenz/issue-orchestrator/internal/retry"
	"github.com/hochfrequenz/issue-orchestrator/internal/review"
	"github.com/hochfrequenz/issue-orchestrator/internal/taskstore"
	"github.com/hochfrequenz/issue-orchestrator/web/api"
)

const stuckCheckSchedule = "@every 5m"

var (
	servePort      int
	serveAutostart bool
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator and its Control API",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Control API port (overrides config)")
	serveCmd.Flags().BoolVar(&serveAutostart, "autostart", false, "start the poll scheduler right away")
	rootCmd.AddCommand(serveCmd)
}

func openStore(cfg *config.Config) (taskstore.Store, housekeeping.ChangePruner, error) {
	if cfg.General.StoreDriver == "memory" {
		return taskstore.NewMemory(), nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.General.DatabasePath), 0o755); err != nil {
		return nil, nil, err
	}
	store, err := taskstore.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	return store, store, nil
}

func coordinatorConfig(cfg *config.Config) coordinator.Config {
	c := coordinator.DefaultConfig()
	c.MaxParallel = cfg.General.MaxParallelTasks
	c.DefaultMaxIterations = cfg.General.MaxIterations
	c.ValidationRetries = cfg.Coordinator.ValidationRetries
	c.CallTimeout = cfg.Coordinator.CallTimeout.Duration()
	c.Retry = retry.Policy{
		MaxRetries:     cfg.Coordinator.RetryAttempts,
		InitialBackoff: cfg.Coordinator.InitialBackoff.Duration(),
		MaxBackoff:     cfg.Coordinator.MaxBackoff.Duration(),
		Multiplier:     2,
	}
	c.CIWait = cfg.Coordinator.CIWait.Duration()
	c.CIPollInterval = cfg.Coordinator.CIPollInterval.Duration()
	c.ResumeInterval = cfg.Coordinator.ResumeSweepInterval.Duration()
	c.AutoMerge = cfg.GitHub.AutoMerge
	return c
}

func buildNotifier(cfg *config.Config) notify.Notifier {
	var notifiers []notify.Notifier
	if cfg.Notifications.Desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier(true))
	}
	if cfg.Notifications.SlackWebhook.IsSet() {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook.Value()))
	}
	if len(notifiers) == 0 {
		return notify.NoopNotifier{}
	}
	return notify.NewMultiNotifier(notifiers...)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Web.Port = servePort
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, pruner, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	repo := taskstore.NewRepository(store)

	metrics := observer.NewMetrics()
	bus := eventbus.New(coordinator.Snapshotter(repo),
		eventbus.WithQueueSize(cfg.Events.QueueSize),
		eventbus.WithLogger(logger),
		eventbus.WithSink(metrics))
	if cfg.Events.NATSURL != "" {
		sink, err := eventbus.DialNATS(cfg.Events.NATSURL, cfg.Events.NATSSubject, logger)
		if err != nil {
			return err
		}
		defer sink.Close()
		bus.AddSink(sink)
	}

	completer, err := llm.NewOpenAI(llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey.Value(),
		Model:       cfg.LLM.Model,
		Timeout:     cfg.LLM.Timeout.Duration(),
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	})
	if err != nil {
		return err
	}
	agents := llm.NewAgents(completer, prompts.DefaultLoader(cfg.General.PromptsDir))

	prov, err := github.New(ctx, github.Config{
		Token:      cfg.GitHub.Token.Value(),
		BaseURL:    cfg.GitHub.BaseURL,
		BaseBranch: cfg.GitHub.BaseBranch,
	}, logger)
	if err != nil {
		return err
	}

	coord := coordinator.New(repo, bus, prov,
		generation.NewWorkflow(agents, agents, nil),
		review.NewWorkflow(agents),
		coordinator.WithConfig(coordinatorConfig(cfg)),
		coordinator.WithLogger(logger),
		coordinator.WithNotifier(buildNotifier(cfg)))

	sched := poller.New(repo, prov, coord,
		poller.WithConfig(poller.Config{
			Tick:            cfg.Scheduler.Tick.Duration(),
			DefaultInterval: cfg.Scheduler.DefaultInterval.Duration(),
			Jitter:          cfg.Scheduler.Jitter,
		}),
		poller.WithLogger(logger))

	obs := observer.New(repo, cfg.Coordinator.StuckThreshold.Duration(),
		observer.WithMetrics(metrics), observer.WithLogger(logger))

	hkOpts := []housekeeping.Option{housekeeping.WithLogger(logger)}
	if pruner != nil {
		hkOpts = append(hkOpts, housekeeping.WithPruner(pruner))
	}
	hk := housekeeping.New(repo, cfg.Housekeeping.Retention.Duration(), hkOpts...)
	if err := hk.AddDefaults(cfg.Housekeeping.CleanupSchedule, cfg.Housekeeping.PruneSchedule); err != nil {
		return err
	}
	if err := hk.Add(housekeeping.Job{Name: "stuck-check", Schedule: stuckCheckSchedule, Run: func(ctx context.Context) error {
		_, err := obs.CheckStuck(ctx)
		return err
	}}); err != nil {
		return err
	}

	server := api.NewServer(coord, sched, repo, cfg.Web.Addr(),
		api.WithLogger(logger),
		api.WithMetrics(metrics.Handler()),
		api.WithWebhook(api.WebhookConfig{
			Secret:       cfg.GitHub.WebhookSecret.Value(),
			TriggerLabel: cfg.GitHub.TriggerLabel,
		}))

	if cfg.Scheduler.SourcesFile != "" {
		watcher, err := observer.NewSourceWatcher(cfg.Scheduler.SourcesFile, repo, logger)
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	if err := coord.Start(ctx); err != nil {
		return err
	}
	if err := hk.Start(ctx); err != nil {
		coord.Stop()
		return err
	}
	if serveAutostart || cfg.Scheduler.Autostart {
		if err := sched.Start(ctx); err != nil {
			return err
		}
	}

	logger.Info(ctx, "issue orchestrator running",
		zap.String("addr", cfg.Web.Addr()),
		zap.String("store", cfg.General.StoreDriver),
		zap.Int("max_parallel", cfg.General.MaxParallelTasks))
	fmt.Printf("Control API at http://%s\n", cfg.Web.Addr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		// Stop intake first so nothing new is created while drivers wind down.
		sched.Stop()
		hk.Stop()
		coord.Stop()
		logger.Info(context.Background(), "issue orchestrator stopped")
		return nil
	})
	return g.Wait()
}
