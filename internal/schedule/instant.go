package schedule

import (
	"strings"
	"time"
)

// NextInstant returns the first instant strictly after now at which w occurs
// in loc.
//
// The candidate is today at w; when it is not strictly after now it moves to
// the same wall-clock time tomorrow. Wall-clock time is preserved across DST
// changes. Times inside a spring-forward gap or a repeated fall-back hour
// resolve the way time.Date resolves them (a gap moves forward).
func NextInstant(w WakeTime, loc *time.Location, now time.Time) time.Time {
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	y, m, d := local.Date()
	cand := time.Date(y, m, d, w.Hour, w.Minute, 0, 0, loc)
	if !cand.After(now) {
		cand = time.Date(y, m, d+1, w.Hour, w.Minute, 0, 0, loc)
	}
	return cand
}

// LoadLocation resolves an IANA zone name; empty means def (or Local).
func LoadLocation(name string, def *time.Location) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		if def != nil {
			return def, nil
		}
		return time.Local, nil
	}
	return time.LoadLocation(name)
}
