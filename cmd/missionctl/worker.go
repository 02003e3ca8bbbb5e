package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/missionctl/internal/client"
	"github.com/aristath/missionctl/internal/config"
	"github.com/aristath/missionctl/internal/worker"
)

var (
	workerCategories []string
	workerPollWait   time.Duration
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run worker pools against a remote server",
	Long: `Run local worker pools that take deliveries from a missionctl server
over HTTP. Workers are built from the category config (command workers where
a command is set, echo workers otherwise).`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringSliceVar(&workerCategories, "categories", nil, "Categories to serve (default: all)")
	workerCmd.Flags().DurationVar(&workerPollWait, "poll-wait", client.DefaultPollWait, "Long-poll window per dequeue request")
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadDefault()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	only, err := parseCategories(workerCategories)
	if err != nil {
		return err
	}

	addr := serverAddr
	if addr == "" {
		addr = cfg.Server.Addr
	}

	logger := cfg.Log.NewLogger(os.Stderr)

	pm := worker.NewProcessManager()
	defer func() {
		if err := pm.KillAll(); err != nil {
			logger.Error("failed to kill worker processes", "error", err)
		}
	}()

	reg, err := worker.FromConfig(cfg, pm)
	if err != nil {
		return err
	}
	src := client.NewRemoteSource(client.New(addr), workerPollWait)
	breakers := worker.NewBreakerRegistry(worker.DefaultBreakerSettings(), logger)
	group := worker.NewGroup(reg, src, cfg, breakers, logger, only...)

	for _, pool := range group.Pools() {
		logger.Info("worker pool started", "category", pool.Category(), "size", pool.Size(), "server", addr)
	}
	return group.Run(ctx)
}
