package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gatebot/internal/app"
	"gatebot/internal/config"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgPath string
	envFile string
)

var rootCmd = &cobra.Command{
	Use:           "gatebot",
	Short:         "Telegram bot that gates content behind channel membership and verification",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return config.LoadEnvFile(envFile)
	},
	RunE: runBot,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Re-check stale memberships once and exit",
	RunE:  runSweep,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config yaml")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before the config")
	rootCmd.AddCommand(sweepCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func runBot(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background())
		return fmt.Errorf("start: %w", err)
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx)
	return a.Err()
}

func runSweep(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	rep, err := a.RunSweep(ctx)
	fmt.Fprintf(cmd.OutOrStdout(), "checked=%d members=%d not_members=%d degraded=%d admins=%d took=%s\n",
		rep.Checked, rep.Members, rep.NotMembers, rep.Degraded, rep.Admins, rep.Took.Round(time.Millisecond))
	return err
}
