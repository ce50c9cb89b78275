// Command wakecall runs the wake-up call daemon and edits its schedules.
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

	"wakecall/internal/app"
	logx "wakecall/pkg/logx"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "wakecall",
		Short:         "Scheduled wake-up calls: on-device alarm or real phone call",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.json", "path to config (json or yaml)")

	root.AddCommand(newServeCmd(&cfgPath))
	root.AddCommand(newScheduleCmd(&cfgPath))
	root.AddCommand(newCancelCmd(&cfgPath))
	root.AddCommand(newListCmd(&cfgPath))
	root.AddCommand(newNextCmd(&cfgPath))
	root.AddCommand(newExportCmd(&cfgPath))
	root.AddCommand(newStatusCmd(&cfgPath))
	root.AddCommand(newAutostartCmd(&cfgPath))
	return root
}

func newServeCmd(cfgPath *string) *cobra.Command {
	var stopTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.NewApp(*cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				stopCtx, stop := context.WithTimeout(context.Background(), stopTimeout)
				defer stop()
				_ = a.Stop(stopCtx, app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				reason = app.StopFatalError
			}
			stopCtx, stop := context.WithTimeout(context.Background(), stopTimeout)
			defer stop()
			if err := a.Stop(stopCtx, reason); err != nil {
				return err
			}
			if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 15*time.Second, "upper bound for graceful shutdown")
	return cmd
}

// openLocal opens the store quietly; CLI output goes to stdout, problems to
// stderr at WARN.
func openLocal(cfgPath string) (*app.Local, error) {
	return app.OpenLocal(cfgPath, logx.NewConsole("WARN"))
}
