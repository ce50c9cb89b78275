package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"wakecall/internal/app"
	"wakecall/internal/config"
	"wakecall/internal/observability/httpd"
)

func newStatusCmd(cfgPath *string) *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show what a running daemon has armed and delivered",
		Long:  "Reads /status from the daemon's debug endpoint (debug.enabled must be true).",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfigManager(*cfgPath).Load()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Debug.Addr
			}
			if !cfg.Debug.Enabled && !cmd.Flags().Changed("addr") {
				_, _ = fmt.Fprintln(cmd.ErrOrStderr(), color.YellowString("debug.enabled is false in %s; trying anyway", *cfgPath))
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			var st app.Status
			if err := httpd.FetchStatus(ctx, addr, cfg.Debug.Token, &st); err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), st, time.Now())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "debug endpoint host:port (default: debug.addr)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

func printStatus(w io.Writer, st app.Status, now time.Time) error {
	up := "-"
	if !st.Started.IsZero() {
		up = now.Sub(st.Started).Truncate(time.Second).String()
	}
	_, _ = fmt.Fprintf(w, "%s up %s\n", color.GreenString("●"), up)
	_, _ = fmt.Fprintf(w, "trigger: %d armed, %d fired, %d skipped, %d stale\n",
		len(st.Trigger.Armed), st.Trigger.Fired, st.Trigger.Skipped, st.Trigger.Stale)
	_, _ = fmt.Fprintf(w, "delivery: %d in flight, %d delivered, %s\n",
		st.Delivery.InFlight, st.Delivery.Delivered, failed(st.Delivery.Failed))
	if st.Interrupt != nil {
		line := fmt.Sprintf("interrupt: %s, %d raised, %d resolved", st.Interrupt.State, st.Interrupt.Raised, st.Interrupt.Resolved)
		if len(st.Interrupt.Degraded) > 0 {
			line += color.YellowString(" (degraded: %s)", strings.Join(st.Interrupt.Degraded, ", "))
		}
		_, _ = fmt.Fprintln(w, line)
	}
	if u := st.Unit; u != nil {
		_, _ = fmt.Fprintf(w, "unit: %s %s/%s, %d restarts\n", u.Name, u.Active, u.SubState, u.Restarts)
	}

	if len(st.Trigger.Armed) > 0 {
		_, _ = fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "ID\tAT\tIN")
		for _, p := range st.Trigger.Armed {
			in := p.At.Sub(now).Truncate(time.Second).String()
			if p.Firing {
				in = color.CyanString("firing")
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", shortID(p.ID), p.At.Local().Format("Mon 02 Jan 15:04 MST"), in)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if len(st.Delivery.History) > 0 {
		_, _ = fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "ID\tMODE\tTRY\tOUTCOME\tSTARTED\tERROR")
		for _, h := range st.Delivery.History {
			outcome := h.Outcome
			if h.Error != "" {
				outcome = color.RedString(outcome)
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
				shortID(h.ScheduleID), h.Mode, h.Number, outcome, h.Started.Local().Format("02 Jan 15:04:05"), h.Error)
		}
		return tw.Flush()
	}
	return nil
}

func failed(n uint64) string {
	if n == 0 {
		return "0 failed"
	}
	return color.RedString("%d failed", n)
}
