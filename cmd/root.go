// Package cmd holds the shopping assistant command line.
package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	configx "github.com/tanpawarit/Chative-Shopping-Assistant/pkg/config"
	logx "github.com/tanpawarit/Chative-Shopping-Assistant/pkg/logger"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "shopping-assistant",
	Short: "Conversational shopping assistant with approval-gated cart actions",
	Long: `Runs a shopping assistant that answers product questions, manages a cart and
asks for approval before any cart change is made.`,
	PersistentPreRunE: loadEnvironment,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

// Execute runs the root command until it returns or the process is interrupted.
func Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

func loadEnvironment(cmd *cobra.Command, args []string) error {
	configx.SetEnvFile(envFile)

	logCfg, err := configx.New[logx.Config]("LOG")
	if err != nil {
		return err
	}
	logx.Init(*logCfg)
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", "", "path to .env file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(seedCmd)
}
