package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/propvoice/voice-agent/internal/config"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "voice-agent",
		Short: "Voice property search agent",
		Long:  "Runs real-time voice conversations with a remote agent and turns them into property search commands.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load()
		},
		SilenceUsage: true,
	}

	defaultConfig := os.Getenv(config.EnvPrefix + "CONFIG")
	if defaultConfig == "" {
		defaultConfig = "config.yaml"
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfig, "path to config file")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd(&configPath))
	cmd.AddCommand(newCallsCmd(&configPath))
	cmd.AddCommand(newDevicesCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "voice-agent %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func loadConfig(path string) (config.Config, []string, error) {
	cfg, warnings, err := config.Load(path)
	if err != nil {
		return cfg, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, warnings, nil
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
