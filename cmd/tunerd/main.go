package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	logx "tunerd/pkg/logx"
)

var (
	flagConfigPath string
	flagLogLevel   string
)

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "./tunerd.yaml", "config file (JSON or YAML)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level for commands that do not read logging from the config")

	rootCmd.AddCommand(serveCmd, decodeCmd, cronCmd, runCmd, versionCmd)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		logx.NewConsole("error").Error("tunerd failed", logx.Err(err))
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "tunerd",
	Short:         "Background job engine and stream decoder supervisor for a broadcast tuner server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func configError(err error) error {
	return fmt.Errorf("config %s: %w", flagConfigPath, err)
}
