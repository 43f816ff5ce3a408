package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ditto/internal/config"
	"ditto/internal/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "ditto",
	Short:         "Ditto - replicates EventStoreDB streams into other stores",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "settings.yml", "settings file")
	rootCmd.AddCommand(runCmd, replayCmd, checkpointCmd, healthcheckCmd)
}

// settings loads the settings file and configures logging from it. The
// DITTO_LOG_* variables win over the file.
func settings() (config.Settings, error) {
	s, err := config.Load(configPath)
	if err != nil {
		return s, err
	}
	logging.Configure(logging.FromEnv(logging.Options{Level: s.Log.Level, JSON: s.Log.JSON}))
	return s, nil
}

func main() {
	logging.InitFromEnv()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
