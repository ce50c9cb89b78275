package notifier

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"wakecall/internal/schedule"
	kit "wakecall/internal/transport"
	logx "wakecall/pkg/logx"
)

const failurePriority = 9

// ReportFailure tells the schedule's owner and every operator that a fire
// event ended in PERMANENT_FAILURE. It never blocks on the chat API.
func (s *Service) ReportFailure(ctx context.Context, rec schedule.Record, a schedule.Attempt) {
	s.mu.Lock()
	owners := slices.Clone(s.cfg.Owners)
	s.mu.Unlock()

	targets := make([]int64, 0, len(owners)+1)
	if s.chats != nil {
		if id, ok := s.chats.ChatID(rec.UserID); ok && id != 0 {
			targets = append(targets, id)
		}
	}
	for _, id := range owners {
		if id != 0 && !slices.Contains(targets, id) {
			targets = append(targets, id)
		}
	}
	if len(targets) == 0 {
		s.log.Warn("failure report has no recipient", logx.String("schedule_id", rec.ID), logx.String("user_id", rec.UserID))
		return
	}

	text := FailureText(rec, a)
	for _, chatID := range targets {
		n := kit.Notification{
			Priority: failurePriority,
			Target:   kit.ChatTarget{ChatID: chatID},
			Text:     text,
			// One report per fire event and chat, however often it is retried.
			Key:     fmt.Sprintf("fail|%d|%s", chatID, a.Key),
			Options: &kit.SendOptions{DisablePreview: true},
		}
		if err := s.Notify(ctx, n); err != nil {
			s.log.Warn("failure report not queued", logx.Int64("chat_id", chatID), logx.String("schedule_id", rec.ID), logx.Err(err))
		}
	}
}

// FailureText renders a failed fire event for a chat message.
func FailureText(rec schedule.Record, a schedule.Attempt) string {
	var b strings.Builder
	b.WriteString("Wake-up delivery failed\n")
	fmt.Fprintf(&b, "schedule: %s", rec.ID)
	if rec.Label != "" {
		fmt.Fprintf(&b, " (%s)", rec.Label)
	}
	fmt.Fprintf(&b, "\nwake time: %s %s, %s\n", rec.WakeTime, strings.ToLower(rec.Recurrence.String()), strings.ToLower(rec.Mode.String()))
	if !a.Instant.IsZero() {
		fmt.Fprintf(&b, "due: %s\n", a.Instant.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "attempts: %d", a.Number)
	if a.Err != nil {
		fmt.Fprintf(&b, "\nerror: %v", a.Err)
	}
	return b.String()
}
