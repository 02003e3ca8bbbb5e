// Command missionctl runs the mission orchestration server and talks to it.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/missionctl/internal/client"
	"github.com/aristath/missionctl/internal/config"
)

var serverAddr string

var rootCmd = &cobra.Command{
	Use:   "missionctl",
	Short: "Mission orchestration engine",
	Long: `missionctl turns a high-level goal into a graph of category tasks,
dispatches them to worker pools and tracks the mission to completion.

Run "missionctl serve" to start the engine, then delegate goals to it:

  missionctl delegate "Launch a campaign for the new CLI" --watch`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "", "Server address (default: server.addr from config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(delegateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(playbooksCmd)
	rootCmd.AddCommand(configCmd)
}

// newClient builds an API client for --server, falling back to the configured address.
func newClient() (*client.Client, error) {
	addr := serverAddr
	if addr == "" {
		cfg, err := config.LoadDefault()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		addr = cfg.Server.Addr
	}
	return client.New(addr), nil
}

// requestTimeout bounds one-shot API calls from the CLI.
const requestTimeout = 30 * time.Second
