package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"wakecall/internal/app"
	"wakecall/internal/calendar"
	"wakecall/internal/schedule"
)

func newScheduleCmd(cfgPath *string) *cobra.Command {
	var (
		userID, recurrence, mode string
		tz, to, label            string
	)
	cmd := &cobra.Command{
		Use:   "schedule <HH:MM>",
		Short: "Create a wake-up schedule",
		Example: `  wakecall schedule 07:30 --user alice --recurrence daily
  wakecall schedule 06:00 --user bob --mode call --label "flight"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := schedule.ParseRecurrence(recurrence)
			if err != nil {
				return err
			}
			dm, err := schedule.ParseDeliveryMode(mode)
			if err != nil {
				return err
			}
			l, err := openLocal(*cfgPath)
			if err != nil {
				return err
			}
			defer l.Close()
			restart, err := l.Writable()
			if err != nil {
				return err
			}
			if tz == "" {
				if u, ok := l.Users.Get(userID); ok {
					tz = u.Timezone
				}
			}

			r, err := l.Schedules.Schedule(context.Background(), schedule.Request{
				UserID:      userID,
				WakeTime:    args[0],
				Timezone:    tz,
				Recurrence:  rec,
				Mode:        dm,
				Destination: to,
				Label:       label,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "%s scheduled %s\n", color.GreenString("✓"), r.ID)
			printNext(out, l, r)
			if restart {
				_, _ = fmt.Fprintln(out, color.YellowString("note: file storage; restart the daemon to arm it"))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "user id from the users section")
	cmd.Flags().StringVarP(&recurrence, "recurrence", "r", "once", "once or daily")
	cmd.Flags().StringVarP(&mode, "mode", "m", "local", "local (on-device interrupt) or call (phone call)")
	cmd.Flags().StringVar(&tz, "tz", "", "IANA time zone (default: the user's, then scheduler.timezone)")
	cmd.Flags().StringVar(&to, "to", "", "E.164 number for call mode (default: the user's phone)")
	cmd.Flags().StringVarP(&label, "label", "l", "", "text shown when it rings")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newCancelCmd(cfgPath *string) *cobra.Command {
	var purge bool
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a schedule (id or unique prefix)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLocal(*cfgPath)
			if err != nil {
				return err
			}
			defer l.Close()
			restart, err := l.Writable()
			if err != nil {
				return err
			}
			ctx := context.Background()
			rec, err := resolveID(ctx, l, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if purge {
				if err := l.Schedules.Delete(ctx, rec.ID); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(out, "%s deleted %s\n", color.GreenString("✓"), rec.ID)
			} else {
				if _, err := l.Schedules.Cancel(ctx, rec.ID); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(out, "%s cancelled %s\n", color.GreenString("✓"), rec.ID)
			}
			if restart {
				_, _ = fmt.Fprintln(out, color.YellowString("note: file storage; restart the daemon to disarm it"))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&purge, "purge", false, "remove the record instead of marking it cancelled")
	return cmd
}

func newListCmd(cfgPath *string) *cobra.Command {
	var (
		userID string
		all    bool
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List schedules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := openLocal(*cfgPath)
			if err != nil {
				return err
			}
			defer l.Close()
			recs, err := records(context.Background(), l, userID)
			if err != nil {
				return err
			}
			if !all {
				recs = slices.DeleteFunc(recs, func(r schedule.Record) bool { return r.Status != schedule.Pending })
			}
			if len(recs) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no schedules")
				return nil
			}
			now := time.Now()
			slices.SortFunc(recs, func(a, b schedule.Record) int {
				return nextOf(l, a, now).Compare(nextOf(l, b, now))
			})

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tUSER\tTIME\tREPEAT\tMODE\tNEXT\tLABEL\tSTATUS")
			for _, r := range recs {
				next := "-"
				if r.Status == schedule.Pending {
					next = nextOf(l, r, now).Format("Mon 02 Jan 15:04 MST")
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					shortID(r.ID), r.UserID, r.WakeTime, r.Recurrence, r.Mode, next, r.Label, statusColor(r.Status))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "only this user's schedules")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include fired and cancelled schedules")
	return cmd
}

func newNextCmd(cfgPath *string) *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "next <id>",
		Short: "Preview the upcoming trigger instants of a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLocal(*cfgPath)
			if err != nil {
				return err
			}
			defer l.Close()
			rec, err := resolveID(context.Background(), l, args[0])
			if err != nil {
				return err
			}
			times, err := calendar.Upcoming(rec, l.Schedules.Location(rec), time.Now(), n)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(times) == 0 {
				_, _ = fmt.Fprintf(out, "%s is %s; nothing upcoming\n", shortID(rec.ID), statusColor(rec.Status))
				return nil
			}
			for _, t := range times {
				_, _ = fmt.Fprintln(out, t.Format("Mon 2006-01-02 15:04 MST"))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "count", "n", 5, "how many instants")
	return cmd
}

func newExportCmd(cfgPath *string) *cobra.Command {
	var (
		userID, output string
		all            bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export schedules as iCalendar",
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			l, err := openLocal(*cfgPath)
			if err != nil {
				return err
			}
			defer l.Close()
			recs, err := records(context.Background(), l, userID)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer func() {
					if cerr := f.Close(); err == nil {
						err = cerr
					}
				}()
				w = f
			}
			name := "wakecall"
			if userID != "" {
				name += " (" + userID + ")"
			}
			return calendar.Export(w, recs, l.Schedules, calendar.Options{
				Now:             time.Now(),
				ProductID:       "-//wakecall//EN",
				Name:            name,
				IncludeInactive: all,
			})
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "only this user's schedules")
	cmd.Flags().StringVarP(&output, "output", "o", "-", "file to write, - for stdout")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include fired and cancelled schedules")
	return cmd
}

func records(ctx context.Context, l *app.Local, userID string) ([]schedule.Record, error) {
	if userID != "" {
		return l.Schedules.ListByUser(ctx, userID)
	}
	return l.Schedules.List(ctx)
}

// resolveID accepts a full id or a prefix matching exactly one record.
func resolveID(ctx context.Context, l *app.Local, arg string) (schedule.Record, error) {
	arg = strings.TrimSpace(arg)
	rec, err := l.Schedules.Get(ctx, arg)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, schedule.ErrNotFound) {
		return schedule.Record{}, err
	}
	all, err := l.Schedules.List(ctx)
	if err != nil {
		return schedule.Record{}, err
	}
	var hits []schedule.Record
	for _, r := range all {
		if strings.HasPrefix(r.ID, arg) {
			hits = append(hits, r)
		}
	}
	switch len(hits) {
	case 0:
		return schedule.Record{}, fmt.Errorf("no schedule %q", arg)
	case 1:
		return hits[0], nil
	default:
		return schedule.Record{}, fmt.Errorf("%q matches %d schedules; use more characters", arg, len(hits))
	}
}

func nextOf(l *app.Local, r schedule.Record, now time.Time) time.Time {
	if !r.ArmedAt.IsZero() && r.ArmedAt.After(now) {
		return r.ArmedAt.In(l.Schedules.Location(r))
	}
	return schedule.NextInstant(r.WakeTime, l.Schedules.Location(r), now)
}

func printNext(w io.Writer, l *app.Local, r schedule.Record) {
	_, _ = fmt.Fprintf(w, "  %s %s, %s, next %s\n",
		r.WakeTime, strings.ToLower(r.Recurrence.String()), strings.ToLower(r.Mode.String()),
		nextOf(l, r, time.Now()).Format("Mon 02 Jan 15:04 MST"))
}

func statusColor(s schedule.Status) string {
	switch s {
	case schedule.Pending:
		return color.GreenString(s.String())
	case schedule.Cancelled:
		return color.HiBlackString(s.String())
	default:
		return color.CyanString(s.String())
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
