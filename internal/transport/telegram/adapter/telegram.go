// Package adapter implements transport.Adapter on top of telebot.
package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"wakecall/internal/runtime/supervisor"
	kit "wakecall/internal/transport"
	logx "wakecall/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// LogChatID receives forwarded log records through SendLog. 0 disables.
	LogChatID   int64
	LogThreadID int
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	mu      sync.Mutex
	out     chan<- kit.Update
	sup     *supervisor.Supervisor
	dropped atomic.Uint64
	dropLog *rate.Limiter

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		cfg:     cfg,
		log:     log.Component("telegram.adapter"),
		bot:     b,
		dropLog: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
	b.Handle(tele.OnText, func(c tele.Context) error {
		if up, ok := fromMessage(c.Message()); ok {
			a.forward(up)
		}
		return nil
	})
	b.Handle(tele.OnCallback, func(c tele.Context) error {
		if up, ok := fromCallback(c.Callback()); ok {
			a.forward(up)
		}
		return nil
	})
	return a, nil
}

// fromMessage keeps commands only; wakecall has no free-text dialogue.
func fromMessage(m *tele.Message) (kit.Update, bool) {
	if m == nil || m.Sender == nil || m.Chat == nil || !strings.HasPrefix(strings.TrimSpace(m.Text), "/") {
		return kit.Update{}, false
	}
	return kit.Update{
		Kind: kit.UpdateMessage,
		Message: &kit.Message{
			ID:           m.ID,
			ChatID:       m.Chat.ID,
			ThreadID:     m.ThreadID,
			FromID:       m.Sender.ID,
			FromUsername: m.Sender.Username,
			Text:         m.Text,
		},
	}, true
}

func fromCallback(cb *tele.Callback) (kit.Update, bool) {
	if cb == nil || cb.Sender == nil || cb.Message == nil || cb.Message.Chat == nil {
		return kit.Update{}, false
	}
	m := cb.Message
	return kit.Update{
		Kind: kit.UpdateCallback,
		Callback: &kit.Callback{
			ID:        cb.ID,
			ChatID:    m.Chat.ID,
			ThreadID:  m.ThreadID,
			FromID:    cb.Sender.ID,
			MessageID: m.ID,
			Data:      cb.Data,
		},
	}, true
}

// forward never blocks the poll loop. A full router queue drops the update
// and the loss is logged at most every 10s.
func (a *Adapter) forward(up kit.Update) {
	a.mu.Lock()
	out := a.out
	a.mu.Unlock()
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		n := a.dropped.Add(1)
		if a.dropLog.Allow() {
			a.log.Warn("update dropped; router queue full", logx.Uint64("dropped_total", n), logx.Int("queue", cap(out)))
		}
	}
}

// Dropped reports updates lost to a full router queue since start.
func (a *Adapter) Dropped() uint64 { return a.dropped.Load() }

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sup != nil {
		return nil
	}
	a.out = out
	// Telegram trouble never takes the daemon down; alarms keep ringing.
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(false))
	sup := a.sup

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// bot.Start blocks until Stop; a return while ctx is live is restarted.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started", logx.Duration("timeout", a.cfg.PollTimeout))
		a.bot.Start()
		a.log.Info("polling stopped")
		return c.Err()
	},
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		supervisor.WithPublishFirstError(true),
		supervisor.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	a.sup, a.out = nil, nil
	a.mu.Unlock()
	if sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.Uint64("dropped_updates", a.dropped.Load()))
	sup.Cancel()
	go a.bot.Stop()

	// A pending getUpdates long poll may outlive the cancel; don't wait on it.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, context.DeadlineExceeded) {
			a.log.Warn("telegram stop timed out")
			return nil
		}
		a.log.Debug("telegram stopped with error", logx.Err(err))
	}
	return nil
}
