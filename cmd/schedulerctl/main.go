// Command schedulerctl runs a lease scheduler against MongoDB and manages the
// jobs stored there.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfg    *Config
	logger = zap.NewNop().Sugar()

	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "schedulerctl",
	Short: "Run and manage persistent one-shot jobs",
	Long: `schedulerctl runs a lease-based job scheduler backed by MongoDB and
manages the jobs stored in its collection.

Configuration sources (in order of precedence):
1. Command line flags
2. Environment variables (SCHEDULER_MONGO_URI, SCHEDULER_LOG_LEVEL, ...)
3. .env file in the working directory
4. Config file (./schedulerctl.yaml or ~/.config/schedulerctl/schedulerctl.yaml)
5. Defaults

Examples:
  schedulerctl run                                     # Execute due jobs until interrupted
  schedulerctl schedule --name test --in 10s --payload '{"message": "hello"}'
  schedulerctl schedule --name test --at-cron "0 0 9 * * MON"
  schedulerctl list --output yaml                      # Show stored jobs
  schedulerctl cancel 65a1c0ffee0000000000beef`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := LoadConfig(configFile, cmd.Flags())
		if err != nil {
			return err
		}
		l, err := NewLogger(loaded.Log)
		if err != nil {
			return err
		}
		cfg, logger = loaded, l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Config file (yaml or toml)")
	flags.String("mongo-uri", "", "MongoDB connection string")
	flags.String("mongo-database", "", "MongoDB database")
	flags.String("mongo-collection", "", "Collection the jobs are stored in")
	flags.Bool("log-json", false, "Log JSON instead of console output")
	flags.String("log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(rescheduleCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(indexesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
