// Package calendar renders schedule records as iCalendar data and previews
// upcoming trigger instants.
//
// DAILY records become one VEVENT with an RRULE; the rule is evaluated in the
// record's zone so the wall-clock time of day is kept across DST changes,
// matching the trigger scheduler.
package calendar

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"

	"wakecall/internal/schedule"
)

const (
	defaultProductID = "-//wakecall//wake schedule//EN"
	floatingLayout   = "20060102T150405"
	eventDuration    = "PT5M"
)

// Locator resolves the zone a record's wake time is read in.
// schedule.Service satisfies it.
type Locator interface {
	Location(rec schedule.Record) *time.Location
}

type Options struct {
	Now       time.Time
	ProductID string
	// Name becomes X-WR-CALNAME when set.
	Name string
	// IncludeInactive also exports FIRED and CANCELLED records.
	IncludeInactive bool
}

// Export writes recs as one VCALENDAR.
func Export(w io.Writer, recs []schedule.Record, loc Locator, opt Options) error {
	if loc == nil {
		return errors.New("calendar: nil locator")
	}
	if opt.Now.IsZero() {
		opt.Now = time.Now()
	}
	if opt.ProductID == "" {
		opt.ProductID = defaultProductID
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, opt.ProductID)
	if opt.Name != "" {
		cal.Props.SetText("X-WR-CALNAME", opt.Name)
	}

	for _, rec := range recs {
		if rec.Status != schedule.Pending && !opt.IncludeInactive {
			continue
		}
		ev := event(rec, loc.Location(rec), opt.Now)
		cal.Children = append(cal.Children, ev.Component)
	}
	return ical.NewEncoder(w).Encode(cal)
}

func event(rec schedule.Record, loc *time.Location, now time.Time) *ical.Event {
	start := firstInstant(rec, loc, now)

	ev := ical.NewEvent()
	ev.Props.SetText(ical.PropUID, rec.ID+"@wakecall")
	ev.Props.SetDateTime(ical.PropDateTimeStamp, stamp(rec, now).UTC())
	ev.Props.Set(dateTimeProp(ical.PropDateTimeStart, start, loc))

	dur := ical.NewProp(ical.PropDuration)
	dur.Value = eventDuration
	ev.Props.Set(dur)

	ev.Props.SetText(ical.PropSummary, summary(rec))
	ev.Props.SetText(ical.PropDescription, fmt.Sprintf("delivery: %s\nschedule: %s", strings.ToLower(rec.Mode.String()), rec.ID))
	ev.Props.SetText(ical.PropStatus, status(rec.Status))

	if rec.Recurrence == schedule.Daily {
		rule := ical.NewProp(ical.PropRecurrenceRule)
		rule.Value = DailyRule(start).RRuleString()
		ev.Props.Set(rule)
	}

	alarm := ical.NewComponent(ical.CompAlarm)
	alarm.Props.SetText(ical.PropAction, "DISPLAY")
	alarm.Props.SetText(ical.PropDescription, summary(rec))
	trig := ical.NewProp(ical.PropTrigger)
	trig.Value = "PT0S"
	alarm.Props.Set(trig)
	ev.Children = append(ev.Children, alarm)
	return ev
}

// dateTimeProp writes t in UTC, with a TZID for named zones, or as floating
// local time for the host zone.
func dateTimeProp(name string, t time.Time, loc *time.Location) *ical.Prop {
	p := ical.NewProp(name)
	switch {
	case loc == time.UTC:
		p.Value = t.UTC().Format(floatingLayout) + "Z"
	case strings.Contains(loc.String(), "/"):
		p.Params.Set(ical.ParamTimezoneID, loc.String())
		p.Value = t.In(loc).Format(floatingLayout)
	default:
		p.Value = t.In(loc).Format(floatingLayout)
	}
	return p
}

// firstInstant is the DTSTART of a record's event.
func firstInstant(rec schedule.Record, loc *time.Location, now time.Time) time.Time {
	switch {
	case rec.Status == schedule.Pending && !rec.ArmedAt.IsZero():
		return rec.ArmedAt.In(loc)
	case rec.Status == schedule.Fired && !rec.LastFiredAt.IsZero():
		return rec.LastFiredAt.In(loc)
	case rec.Status == schedule.Pending:
		return schedule.NextInstant(rec.WakeTime, loc, now)
	}
	base := rec.UpdatedAt
	if base.IsZero() {
		base = now
	}
	return schedule.NextInstant(rec.WakeTime, loc, base)
}

func stamp(rec schedule.Record, now time.Time) time.Time {
	if !rec.UpdatedAt.IsZero() {
		return rec.UpdatedAt
	}
	return now
}

func summary(rec schedule.Record) string {
	if rec.Label != "" {
		return "Wake up: " + rec.Label
	}
	return "Wake up " + rec.WakeTime.String()
}

func status(s schedule.Status) string {
	switch s {
	case schedule.Cancelled:
		return "CANCELLED"
	case schedule.Fired:
		return "CONFIRMED"
	default:
		return "TENTATIVE"
	}
}

// DailyRule is the recurrence of a DAILY record starting at start.
func DailyRule(start time.Time) *rrule.ROption {
	return &rrule.ROption{Freq: rrule.DAILY, Dtstart: start}
}

// Upcoming returns up to n trigger instants of rec strictly after now. A
// non-pending record has none; a ONE_SHOT has at most one.
func Upcoming(rec schedule.Record, loc *time.Location, now time.Time, n int) ([]time.Time, error) {
	if n <= 0 || rec.Status != schedule.Pending {
		return nil, nil
	}
	first := schedule.NextInstant(rec.WakeTime, loc, now)
	if !rec.ArmedAt.IsZero() && rec.ArmedAt.After(now) && rec.ArmedAt.Before(first) {
		first = rec.ArmedAt.In(loc)
	}
	if rec.Recurrence != schedule.Daily {
		return []time.Time{first}, nil
	}
	opt := DailyRule(first)
	opt.Count = n
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, err
	}
	return r.All(), nil
}
