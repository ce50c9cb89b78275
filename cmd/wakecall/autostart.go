package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"wakecall/internal/platform"
)

func newAutostartCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "autostart",
		Short: "Start the daemon at login so schedules survive a reboot",
	}
	entry := func() (*platform.Autostart, error) {
		p, err := filepath.Abs(*cfgPath)
		if err != nil {
			return nil, err
		}
		return platform.NewAutostart("wakecall", "serve", "--config", p)
	}
	set := func(enable bool) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			as, err := entry()
			if err != nil {
				return err
			}
			if err := as.Set(enable); err != nil {
				return err
			}
			word := "disabled"
			if enable {
				word = "enabled"
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s autostart %s\n", color.GreenString("✓"), word)
			return nil
		}
	}
	cmd.AddCommand(
		&cobra.Command{Use: "enable", Short: "Register the login entry", Args: cobra.NoArgs, RunE: set(true)},
		&cobra.Command{Use: "disable", Short: "Remove the login entry", Args: cobra.NoArgs, RunE: set(false)},
		&cobra.Command{
			Use:   "status",
			Short: "Show whether the login entry exists",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				as, err := entry()
				if err != nil {
					return err
				}
				state := color.HiBlackString("disabled")
				if as.Enabled() {
					state = color.GreenString("enabled")
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "autostart %s\n  exec: %s\n", state, strings.Join(as.Exec(), " "))
				return nil
			},
		},
	)
	return cmd
}
