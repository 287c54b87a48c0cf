package worker

import (
	"fmt"

	"github.com/jmehdipour/erphub/internal/config"
	"github.com/jmehdipour/erphub/internal/logger"
	"github.com/jmehdipour/erphub/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// NewWorkerCmd returns the parent "worker" command.
func NewWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run background workers",
	}
	// attach subcommands
	cmd.AddCommand(schedulerCmd)
	cmd.AddCommand(senderCmd)
	cmd.AddCommand(relayCmd)

	return cmd
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.Log)
	metrics.MustRegister(prometheus.DefaultRegisterer)
	return cfg, nil
}
