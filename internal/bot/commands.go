package bot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"wakecall/internal/calendar"
	"wakecall/internal/faults"
	"wakecall/internal/interrupt"
	"wakecall/internal/schedule"
	kit "wakecall/internal/transport"
	"wakecall/internal/transport/telegram/router"
	logx "wakecall/pkg/logx"
)

const (
	defaultPreview = 5
	maxPreview     = 20
)

func (b *Bot) cmdWake(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return faults.Validationf("wake_time", "usage: /wake HH:MM [once|daily] [local|call] [label]")
	}
	u, err := b.user(req)
	if err != nil {
		return err
	}
	if id := req.Flags["user"]; id != "" && req.Owner {
		other, ok := b.d.Users.Get(id)
		if !ok {
			return faults.Validationf("user", "unknown user %q", id)
		}
		u = other
	}

	r := schedule.Request{
		UserID:     u.ID,
		WakeTime:   req.Args[0],
		Timezone:   u.Timezone,
		Recurrence: schedule.OneShot,
		Mode:       schedule.LocalInterrupt,
	}
	// Recurrence and mode words come first, in any order; the rest is the label.
	rest := req.Args[1:]
	var haveRec, haveMode bool
	for len(rest) > 0 {
		if !haveRec {
			if rc, err := schedule.ParseRecurrence(rest[0]); err == nil {
				r.Recurrence, haveRec = rc, true
				rest = rest[1:]
				continue
			}
		}
		if !haveMode {
			if m, err := schedule.ParseDeliveryMode(rest[0]); err == nil {
				r.Mode, haveMode = m, true
				rest = rest[1:]
				continue
			}
		}
		break
	}
	r.Label = strings.Join(rest, " ")
	if v := req.Flags["label"]; v != "" {
		r.Label = v
	}
	if v := req.Flags["tz"]; v != "" {
		r.Timezone = v
	}
	if v := req.Flags["to"]; v != "" {
		r.Destination = v
		if !haveMode {
			r.Mode = schedule.RemoteCall
		}
	}

	rec, err := b.d.Schedules.Schedule(ctx, r)
	if err != nil {
		return err
	}
	loc := b.d.Schedules.Location(rec)
	text := fmt.Sprintf("✅ scheduled %s\n%s", code(rec.ID), recordLine(rec, b.next(rec, loc), loc))
	_, err = req.Reply(ctx, text, htmlOpts)
	return err
}

// next is the armed instant, or the computed one while arming is in flight.
func (b *Bot) next(rec schedule.Record, loc *time.Location) time.Time {
	if rec.Status != schedule.Pending {
		return time.Time{}
	}
	if b.d.Trigger != nil {
		if at, ok := b.d.Trigger.Next(rec.ID); ok {
			return at
		}
	}
	return schedule.NextInstant(rec.WakeTime, loc, b.d.Now())
}

// visible lists the records a requester may see. Owners see everyone's
// with --all.
func (b *Bot) visible(ctx context.Context, req *router.Request) ([]schedule.Record, error) {
	if req.Owner && req.BoolFlags["all"] {
		return b.d.Schedules.List(ctx)
	}
	u, err := b.user(req)
	if err != nil {
		return nil, err
	}
	return b.d.Schedules.ListByUser(ctx, u.ID)
}

// resolve accepts a full id or a unique prefix of one the requester owns.
func (b *Bot) resolve(ctx context.Context, req *router.Request, arg string) (schedule.Record, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return schedule.Record{}, faults.Validationf("id", "missing schedule id")
	}
	rec, err := b.owned(ctx, req, arg)
	if err == nil || !faults.IsValidation(err) {
		return rec, err
	}
	var recs []schedule.Record
	if req.Owner {
		recs, err = b.d.Schedules.List(ctx)
	} else {
		recs, err = b.visible(ctx, req)
	}
	if err != nil {
		return schedule.Record{}, err
	}
	var match []schedule.Record
	for _, r := range recs {
		if strings.HasPrefix(r.ID, arg) {
			match = append(match, r)
		}
	}
	switch len(match) {
	case 0:
		return schedule.Record{}, faults.Validationf("id", "no schedule %s", arg)
	case 1:
		return match[0], nil
	}
	return schedule.Record{}, faults.Validationf("id", "%q matches %d schedules", arg, len(match))
}

func (b *Bot) cmdCancel(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return faults.Validationf("id", "usage: /cancel <id> [--purge]")
	}
	rec, err := b.resolve(ctx, req, req.Args[0])
	if err != nil {
		return err
	}
	if req.BoolFlags["purge"] {
		if err := b.d.Schedules.Delete(ctx, rec.ID); err != nil {
			return err
		}
		req.Logger.Info("schedule purged", logx.String("id", rec.ID))
		_, err = req.Reply(ctx, "🗑 deleted "+code(rec.ID), htmlOpts)
		return err
	}
	rec, err = b.d.Schedules.Cancel(ctx, rec.ID)
	if err != nil {
		return err
	}
	req.Logger.Info("schedule cancelled", logx.String("id", rec.ID))
	_, err = req.Reply(ctx, "🛑 cancelled "+code(rec.ID), htmlOpts)
	return err
}

type upcoming struct {
	at  time.Time
	rec schedule.Record
	loc *time.Location
}

func (b *Bot) cmdList(ctx context.Context, req *router.Request) error {
	recs, err := b.visible(ctx, req)
	if err != nil {
		return err
	}
	all := req.BoolFlags["all"]
	rows := make([]upcoming, 0, len(recs))
	for _, rec := range recs {
		if rec.Status != schedule.Pending && !all {
			continue
		}
		loc := b.d.Schedules.Location(rec)
		rows = append(rows, upcoming{at: b.next(rec, loc), rec: rec, loc: loc})
	}
	if len(rows) == 0 {
		_, err := req.Reply(ctx, "no schedules. try /wake 07:30 daily", nil)
		return err
	}
	sortUpcoming(rows)

	lines := make([]string, 0, len(rows)+1)
	lines = append(lines, bold(fmt.Sprintf("⏰ %d schedule(s)", len(rows))))
	for _, r := range rows {
		line := recordLine(r.rec, r.at, r.loc)
		if all && req.Owner {
			line += " " + esc("@"+r.rec.UserID)
		}
		lines = append(lines, line)
	}
	_, err = req.Reply(ctx, strings.Join(lines, "\n"), htmlOpts)
	return err
}

// sortUpcoming orders pending rows by next instant, inactive ones last.
func sortUpcoming(rows []upcoming) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.at.IsZero() != b.at.IsZero() {
			return !a.at.IsZero()
		}
		if !a.at.Equal(b.at) {
			return a.at.Before(b.at)
		}
		return a.rec.ID < b.rec.ID
	})
}

func (b *Bot) cmdNext(ctx context.Context, req *router.Request) error {
	n := defaultPreview
	if len(req.Args) > 0 {
		v, err := strconv.Atoi(req.Args[0])
		if err != nil || v <= 0 {
			return faults.Validationf("n", "want a positive count, got %q", req.Args[0])
		}
		n = min(v, maxPreview)
	}
	u, err := b.user(req)
	if err != nil {
		return err
	}
	recs, err := b.d.Schedules.ListByUser(ctx, u.ID)
	if err != nil {
		return err
	}
	now := b.d.Now()
	var rows []upcoming
	for _, rec := range recs {
		loc := b.d.Schedules.Location(rec)
		ats, err := calendar.Upcoming(rec, loc, now, n)
		if err != nil {
			req.Logger.Warn("preview failed", logx.String("id", rec.ID), logx.Err(err))
			continue
		}
		for _, at := range ats {
			rows = append(rows, upcoming{at: at, rec: rec, loc: loc})
		}
	}
	if len(rows) == 0 {
		_, err := req.Reply(ctx, "nothing scheduled", nil)
		return err
	}
	sortUpcoming(rows)
	if len(rows) > n {
		rows = rows[:n]
	}
	lines := []string{bold("next wake-ups")}
	for _, r := range rows {
		line := fmt.Sprintf("%s  %s", esc(formatInstant(r.at, r.loc)), modeWord(r.rec.Mode))
		if r.rec.Label != "" {
			line += " " + italic(r.rec.Label)
		}
		lines = append(lines, line)
	}
	_, err = req.Reply(ctx, strings.Join(lines, "\n"), htmlOpts)
	return err
}

func (b *Bot) cmdExport(ctx context.Context, req *router.Request) error {
	recs, err := b.visible(ctx, req)
	if err != nil {
		return err
	}
	pending := 0
	for _, rec := range recs {
		if rec.Status == schedule.Pending {
			pending++
		}
	}
	if pending == 0 {
		_, err := req.Reply(ctx, "nothing to export", nil)
		return err
	}
	var buf bytes.Buffer
	if err := calendar.Export(&buf, recs, b.d.Schedules, calendar.Options{Now: b.d.Now(), Name: "wakecall"}); err != nil {
		return fmt.Errorf("export calendar: %w", err)
	}
	_, err = req.Adapter.SendDocument(ctx, req.Chat, kit.Document{
		Name:    "wakecall.ics",
		MIME:    "text/calendar",
		Caption: fmt.Sprintf("%d wake-up(s)", pending),
		Data:    buf.Bytes(),
	})
	return err
}

func (b *Bot) cmdDismiss(ctx context.Context, req *router.Request) error {
	if b.d.Interrupts == nil {
		return faults.Validationf("interrupt", "this host has no local interrupt")
	}
	snap := b.d.Interrupts.Snapshot()
	if snap.Session == 0 {
		return faults.Validationf("interrupt", "nothing is ringing")
	}
	if _, err := b.owned(ctx, req, snap.ScheduleID); err != nil {
		return faults.Validationf("interrupt", "nothing is ringing")
	}
	err := b.d.Interrupts.Accept(ctx, snap.Session)
	if errors.Is(err, interrupt.ErrNoSession) {
		return faults.Validationf("interrupt", "nothing is ringing")
	}
	if err != nil {
		return err
	}
	_, err = req.Reply(ctx, "👍 good morning", nil)
	return err
}

// answer handles the surface buttons. Errors become the callback toast.
func (b *Bot) answer(ctx context.Context, req *router.Request, payload string, accept bool) error {
	session, err := strconv.ParseUint(payload, 10, 64)
	if err != nil || session == 0 {
		return errors.New("invalid button")
	}
	if b.d.Interrupts == nil {
		return errors.New("unavailable")
	}
	snap := b.d.Interrupts.Snapshot()
	if snap.Session != session {
		return errors.New("already resolved")
	}
	if _, err := b.owned(ctx, req, snap.ScheduleID); err != nil {
		return errors.New("not your wake-up")
	}
	if accept {
		err = b.d.Interrupts.Accept(ctx, session)
	} else {
		err = b.d.Interrupts.Decline(ctx, session)
	}
	switch {
	case errors.Is(err, interrupt.ErrNoSession):
		return errors.New("already resolved")
	case err != nil:
		req.Logger.Warn("interrupt answer failed", logx.Uint64("session", session), logx.Err(err))
		return errors.New("failed, try again")
	}
	return nil
}

func (b *Bot) cmdStatus(ctx context.Context, req *router.Request) error {
	var lines []string
	if b.d.Trigger != nil {
		ts := b.d.Trigger.Snapshot()
		lines = append(lines,
			bold("scheduler"),
			fmt.Sprintf("armed %d, fired %d, skipped %d, stale %d", len(ts.Armed), ts.Fired, ts.Skipped, ts.Stale),
		)
		for i, p := range ts.Armed {
			if i == defaultPreview {
				lines = append(lines, fmt.Sprintf("… %d more", len(ts.Armed)-i))
				break
			}
			state := ""
			if p.Firing {
				state = " (firing)"
			}
			lines = append(lines, fmt.Sprintf("%s %s%s", code(shortID(p.ID)), esc(formatInstant(p.At, nil)), state))
		}
	}
	if b.d.Interrupts != nil {
		is := b.d.Interrupts.Snapshot()
		line := fmt.Sprintf("%s, raised %d, resolved %d", is.State, is.Raised, is.Resolved)
		if is.Session != 0 {
			line += fmt.Sprintf(", session %d for %s", is.Session, code(shortID(is.ScheduleID)))
		}
		if len(is.Degraded) > 0 {
			line += ", degraded: " + esc(strings.Join(is.Degraded, ","))
		}
		lines = append(lines, "", bold("interrupt"), line)
	}
	if b.d.Deliveries != nil {
		ds := b.d.Deliveries.Snapshot(defaultPreview)
		lines = append(lines, "", bold("delivery"),
			fmt.Sprintf("in flight %d, delivered %d, failed %d", ds.InFlight, ds.Delivered, ds.Failed))
		for _, h := range ds.History {
			line := fmt.Sprintf("%s %s #%d %s", code(shortID(h.ScheduleID)), esc(h.Mode), h.Number, esc(h.Outcome))
			if h.Error != "" {
				line += " " + italic(h.Error)
			}
			lines = append(lines, line)
		}
	}
	if b.d.Unit != nil {
		st, err := b.d.Unit.Status(ctx)
		if err != nil {
			req.Logger.Debug("unit status unavailable", logx.Err(err))
		} else {
			lines = append(lines, "", bold("host"), esc(st.String()))
		}
	}
	if len(lines) == 0 {
		lines = append(lines, "no status available")
	}
	_, err := req.Reply(ctx, strings.Join(lines, "\n"), htmlOpts)
	return err
}

func (b *Bot) cmdHelp(ctx context.Context, req *router.Request) error {
	text := "wakecall: /wake HH:MM [once|daily] [local|call] [label]"
	if b.d.Help != nil {
		text = b.d.Help()
	}
	_, err := req.Reply(ctx, text, nil)
	return err
}
