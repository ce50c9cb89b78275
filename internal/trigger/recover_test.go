package trigger

import (
	"testing"
	"time"

	"wakecall/internal/schedule"
)

func TestRecoveryDecision(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	wake := schedule.WakeTime{Hour: 7, Minute: 0}
	today := time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC)
	tomorrow := today.AddDate(0, 0, 1)

	cases := []struct {
		name string
		rec  schedule.Record
		want Decision
		at   time.Time
	}{
		{
			name: "future armed",
			rec:  schedule.Record{WakeTime: wake, Recurrence: schedule.OneShot, ArmedAt: tomorrow},
			want: Arm,
			at:   tomorrow,
		},
		{
			name: "never armed and fresh",
			rec:  schedule.Record{WakeTime: wake, Recurrence: schedule.Daily},
			want: Arm,
			at:   tomorrow,
		},
		{
			name: "missed one-shot",
			rec:  schedule.Record{WakeTime: wake, Recurrence: schedule.OneShot, ArmedAt: today},
			want: FireNow,
			at:   today,
		},
		{
			name: "missed one-shot days ago still fires",
			rec:  schedule.Record{WakeTime: wake, Recurrence: schedule.OneShot, ArmedAt: today.AddDate(0, 0, -3)},
			want: FireNow,
			at:   today.AddDate(0, 0, -3),
		},
		{
			name: "missed daily within cycle",
			rec:  schedule.Record{WakeTime: wake, Recurrence: schedule.Daily, ArmedAt: today},
			want: FireNow,
			at:   today,
		},
		{
			name: "daily fired but next instant never persisted",
			rec:  schedule.Record{WakeTime: wake, Recurrence: schedule.Daily, ArmedAt: today, LastFiredAt: today},
			want: Arm,
			at:   tomorrow,
		},
		{
			name: "daily fired yesterday, today missed",
			rec:  schedule.Record{WakeTime: wake, Recurrence: schedule.Daily, ArmedAt: today, LastFiredAt: today.AddDate(0, 0, -1)},
			want: FireNow,
			at:   today,
		},
		{
			name: "missed daily a cycle old",
			rec:  schedule.Record{WakeTime: wake, Recurrence: schedule.Daily, ArmedAt: today.AddDate(0, 0, -1)},
			want: Skip,
			at:   tomorrow,
		},
		{
			name: "unarmed record updated before the instant",
			rec:  schedule.Record{WakeTime: wake, Recurrence: schedule.OneShot, UpdatedAt: today.Add(-time.Hour)},
			want: FireNow,
			at:   today,
		},
		{
			name: "unarmed record updated after the instant",
			rec:  schedule.Record{WakeTime: wake, Recurrence: schedule.OneShot, UpdatedAt: today.Add(time.Hour)},
			want: Arm,
			at:   tomorrow,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, at := RecoveryDecision(tc.rec, time.UTC, now)
			if got != tc.want || !at.Equal(tc.at) {
				t.Fatalf("got %s at %v, want %s at %v", got, at, tc.want, tc.at)
			}
		})
	}
}

func TestPopDueOrder(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var h itemHeap
	for _, off := range []int{5, 1, 3, 9} {
		heapPush(&h, item{id: string(rune('a' + off)), at: base.Add(time.Duration(off) * time.Second)})
	}
	due := popDue(&h, base.Add(5*time.Second))
	if len(due) != 3 {
		t.Fatalf("due: got %d want 3", len(due))
	}
	for i := 1; i < len(due); i++ {
		if due[i].at.Before(due[i-1].at) {
			t.Fatalf("due out of order: %v", due)
		}
	}
	if h.Len() != 1 {
		t.Fatalf("remaining: got %d want 1", h.Len())
	}
}
