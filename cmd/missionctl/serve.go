package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/missionctl/internal/broker"
	"github.com/aristath/missionctl/internal/config"
	"github.com/aristath/missionctl/internal/engine"
	"github.com/aristath/missionctl/internal/events"
	"github.com/aristath/missionctl/internal/mission"
	"github.com/aristath/missionctl/internal/persistence"
	"github.com/aristath/missionctl/internal/planner"
	"github.com/aristath/missionctl/internal/scheduler"
	"github.com/aristath/missionctl/internal/server"
	"github.com/aristath/missionctl/internal/worker"
)

var (
	serveNoWorkers  bool
	serveCategories []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration engine and HTTP API",
	Long: `Start the engine: open the mission store, resume unfinished missions,
run the scheduler and local worker pools and serve the HTTP API.

Local pools run every category unless --categories narrows them. With
--no-workers all categories are left to remote "missionctl worker" processes.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoWorkers, "no-workers", false, "Do not run local worker pools")
	serveCmd.Flags().StringSliceVar(&serveCategories, "categories", nil, "Categories served by local pools (default: all)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadDefault()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if serverAddr != "" {
		cfg.Server.Addr = serverAddr
	}
	only, err := parseCategories(serveCategories)
	if err != nil {
		return err
	}

	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	store, err := persistence.NewSQLiteStore(ctx, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	concurrency := make(map[mission.Category]int)
	for _, cat := range mission.Categories() {
		concurrency[cat] = cfg.Category(cat).Concurrency
	}
	b := broker.New(broker.Options{
		AckTimeout:   cfg.Broker.AckTimeout,
		LeaseTimeout: cfg.Broker.LeaseTimeout,
		Concurrency:  concurrency,
		Logger:       logger,
	})
	defer b.Close()

	bus := events.NewEventBus()
	defer bus.Close()

	p, err := planner.New(cfg.Planner.PlaybooksDir, func(c mission.Category) (int, bool) {
		cc := cfg.Category(c)
		return cc.MaxAttempts, cc.Fatal
	})
	if err != nil {
		return fmt.Errorf("load playbooks: %w", err)
	}
	if cfg.Planner.Watch && cfg.Planner.PlaybooksDir != "" {
		if err := p.Watch(ctx, cfg.Planner.PlaybooksDir, logger); err != nil {
			return err
		}
	}

	sched, err := scheduler.New(scheduler.Options{
		Store:     store,
		Queue:     b,
		Bus:       bus,
		Expander:  p,
		Workflows: planner.NewWorkflowManager(cfg.Workflows),
		Config:    cfg,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer sched.Close()

	eng, err := engine.New(engine.Options{
		Store:     store,
		Planner:   p,
		Scheduler: sched,
		Bus:       bus,
		Config:    cfg,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	if err := sched.Recover(ctx); err != nil {
		logger.Error("mission recovery incomplete", "error", err)
	}

	pm := worker.NewProcessManager()
	var group *worker.Group
	if !serveNoWorkers {
		reg, err := worker.FromConfig(cfg, pm)
		if err != nil {
			return err
		}
		breakers := worker.NewBreakerRegistry(worker.DefaultBreakerSettings(), logger)
		group = worker.NewGroup(reg, b, cfg, breakers, logger, only...)
		for _, pool := range group.Pools() {
			logger.Info("worker pool started", "category", pool.Category(), "size", pool.Size())
		}
	}

	srv := server.New(cfg.Server.Addr, eng, b, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	if group != nil {
		g.Go(func() error {
			return group.Run(gctx)
		})
	}
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		// Restore default signal handling so a second Ctrl+C forces exit.
		stop()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)

		if kerr := pm.KillAll(); kerr != nil {
			logger.Error("failed to kill worker processes", "error", kerr)
		}
		return err
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("shutdown complete")
	return err
}

func parseCategories(names []string) ([]mission.Category, error) {
	var out []mission.Category
	for _, n := range names {
		c := mission.Category(n)
		if !mission.KnownCategory(c) {
			return nil, fmt.Errorf("unknown category %q (known: %v)", n, mission.Categories())
		}
		out = append(out, c)
	}
	return out, nil
}
