package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"schedbot/internal/app"
	"schedbot/internal/config"
)

var flagConfig string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "bot",
		Short: "Telegram bot that posts videos and announcements now or at a set time",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadDotEnv()
		},
		RunE:         runBot,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "./config.yaml", "path to config (yaml or json)")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the bot until SIGINT or SIGTERM",
			RunE:  runBot,
		},
		newSchedulesCmd(),
	)
	return root
}

func runBot(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := app.NewApp(flagConfig)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		fmt.Fprintln(os.Stderr, "stop:", err)
	}
	if reason == app.StopFatalError {
		if err := a.Err(); err != nil {
			return err
		}
		return errors.New("app stopped on error")
	}
	return nil
}

func newSchedulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedules",
		Short: "List persisted scheduled messages without starting the bot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			items, loc, err := app.ListSchedules(cmd.Context(), flagConfig)
			if err != nil {
				return fmt.Errorf("list schedules: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(items) == 0 {
				fmt.Fprintln(out, "No scheduled messages.")
				return nil
			}
			fmt.Fprintf(out, "%-36s  %-9s  %-22s  %s\n", "ID", "KIND", "FIRE AT", "DESTINATION")
			for _, it := range items {
				at := "unreadable"
				if !it.Malformed {
					at = it.FireAt.In(loc).Format("2006-01-02 15:04 MST")
				}
				fmt.Fprintf(out, "%-36s  %-9s  %-22s  %s\n", it.ID, it.Kind, at, it.Destination)
			}
			return nil
		},
	}
}
