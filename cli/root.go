// Package cli provides the pomodex command line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pomodex/pomodex/common"
	"github.com/pomodex/pomodex/config"
	"github.com/pomodex/pomodex/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "pomodex",
	Short: "Single-host sandbox control plane",
	Long: `Pomodex manages per-user development sandboxes on a single Docker
host: isolated containers with SSH and browser terminal access, GCS
backed workspaces, and snapshot images in Artifact Registry.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pomodex %s (%s)\n", version.Version(), version.GoVersion())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(proxyCmd)
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig loads the configuration and builds the root logger.
func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, nil, err
	}

	logger := common.NewLogger(common.LoggerConfig{
		Level:      common.LogLevel(cfg.Logging.Level),
		Format:     cfg.Logging.Format,
		TimeFormat: common.DefaultLoggerConfig().TimeFormat,
	})
	return cfg, logger, nil
}
