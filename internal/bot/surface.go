package bot

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"wakecall/internal/interrupt"
	kit "wakecall/internal/transport"
	logx "wakecall/pkg/logx"
)

const (
	callbackNS    = "wake"
	actionAccept  = "accept"
	actionDecline = "decline"
)

// Chats maps a wakecall user to the chat that receives their prompts.
type Chats interface {
	ChatID(userID string) (int64, bool)
}

// Surface shows the wake-up prompt as a chat message with Accept and
// Decline buttons. Release edits the message, which also drops the buttons.
type Surface struct {
	sender kit.Sender
	chats  Chats
	log    logx.Logger
}

func NewSurface(sender kit.Sender, chats Chats, log logx.Logger) *Surface {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Surface{sender: sender, chats: chats, log: log.Component("bot.surface")}
}

func (s *Surface) Launch(ctx context.Context, p interrupt.Prompt) (interrupt.SurfaceHandle, error) {
	chat, ok := s.chats.ChatID(p.UserID)
	if !ok {
		return nil, fmt.Errorf("no chat for user %q", p.UserID)
	}
	title := "⏰ <b>Wake up!</b>"
	if p.Label != "" {
		title += " " + esc(p.Label)
	}
	body := fmt.Sprintf("%s\n%s", title, esc(p.Instant.Format("15:04 MST")))
	if p.Recovered {
		body += "\n" + italic("delivered late, the host was asleep at the scheduled time")
	}

	sid := strconv.FormatUint(p.Session, 10)
	opts := &kit.SendOptions{
		ParseMode: "HTML",
		Buttons: [][]kit.Button{{
			{Text: "☀️ I'm up", Data: callbackNS + ":" + actionAccept + ":" + sid},
			{Text: "😴 Decline", Data: callbackNS + ":" + actionDecline + ":" + sid},
		}},
	}
	ref, err := s.sender.SendText(ctx, kit.ChatTarget{ChatID: chat}, body, opts)
	if err != nil {
		return nil, fmt.Errorf("send prompt: %w", err)
	}
	return &surfaceHandle{s: s, ref: ref, body: body, session: p.Session, done: make(chan struct{})}, nil
}

type surfaceHandle struct {
	s       *Surface
	ref     kit.MessageRef
	body    string
	session uint64

	once sync.Once
	err  error
	// A chat message never goes away on its own; done stays open.
	done chan struct{}
}

func (h *surfaceHandle) Done() <-chan struct{} { return h.done }

func (h *surfaceHandle) Release() error {
	h.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		h.err = h.s.sender.EditText(ctx, h.ref, h.body+"\n"+italic("dismissed"), &kit.SendOptions{ParseMode: "HTML"})
		if h.err != nil {
			h.s.log.Warn("prompt edit failed", logx.Uint64("session", h.session), logx.Err(h.err))
		}
	})
	return h.err
}
