// Package bot is the Telegram control surface: commands to create, list,
// cancel and export wake-up schedules, inline buttons that answer an active
// wake-up, and an interrupt surface that puts the prompt in the user's chat.
package bot

import (
	"context"
	"errors"
	"time"

	"wakecall/internal/delivery"
	"wakecall/internal/faults"
	"wakecall/internal/interrupt"
	"wakecall/internal/platform"
	"wakecall/internal/schedule"
	"wakecall/internal/transport/telegram/router"
	"wakecall/internal/trigger"
	"wakecall/internal/users"
	logx "wakecall/pkg/logx"
)

// Schedules is the part of schedule.Service the commands use.
type Schedules interface {
	Schedule(ctx context.Context, req schedule.Request) (schedule.Record, error)
	Cancel(ctx context.Context, id string) (schedule.Record, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (schedule.Record, error)
	ListByUser(ctx context.Context, userID string) ([]schedule.Record, error)
	List(ctx context.Context) ([]schedule.Record, error)
	Location(rec schedule.Record) *time.Location
}

type Trigger interface {
	Next(id string) (time.Time, bool)
	Snapshot() trigger.Snapshot
}

type Interrupts interface {
	Accept(ctx context.Context, session uint64) error
	Decline(ctx context.Context, session uint64) error
	Snapshot() interrupt.Snapshot
}

type Deliveries interface {
	Snapshot(limit int) delivery.Snapshot
}

// Unit reports the daemon's own service manager state.
type Unit interface {
	Status(ctx context.Context) (platform.UnitStatus, error)
}

type Deps struct {
	Schedules  Schedules
	Trigger    Trigger
	Interrupts Interrupts // nil when the host has no local interrupt
	Deliveries Deliveries
	Unit       Unit // optional
	Users      *users.Directory
	// Help renders the command list; usually Router.Help.
	Help func() string
	Now  func() time.Time
}

type Bot struct {
	d   Deps
	log logx.Logger
}

func New(d Deps, log logx.Logger) *Bot {
	if log.IsZero() {
		log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Bot{d: d, log: log.Component("bot")}
}

var errNotLinked = faults.Validationf("user", "this chat is not linked to a wakecall user")

// user resolves the wakecall user behind a request. Private chats share the
// sender's id, so the sender is tried before the chat.
func (b *Bot) user(req *router.Request) (users.User, error) {
	if b.d.Users == nil {
		return users.User{}, errNotLinked
	}
	if u, ok := b.d.Users.ByChat(req.FromID); ok {
		return u, nil
	}
	if u, ok := b.d.Users.ByChat(req.Chat.ChatID); ok {
		return u, nil
	}
	return users.User{}, errNotLinked
}

// owned loads a record the requester may act on. Owners may act on any.
func (b *Bot) owned(ctx context.Context, req *router.Request, id string) (schedule.Record, error) {
	rec, err := b.d.Schedules.Get(ctx, id)
	if errors.Is(err, schedule.ErrNotFound) {
		return schedule.Record{}, faults.Validationf("id", "no schedule %s", id)
	}
	if err != nil {
		return schedule.Record{}, err
	}
	if req.Owner {
		return rec, nil
	}
	u, err := b.user(req)
	if err != nil {
		return schedule.Record{}, err
	}
	if rec.UserID != u.ID {
		return schedule.Record{}, faults.Validationf("id", "no schedule %s", id)
	}
	return rec, nil
}

// Commands lists the chat commands, ready for Router.Register.
func (b *Bot) Commands() []router.Command {
	return []router.Command{
		{
			Name:        "wake",
			Aliases:     []string{"w"},
			Description: "schedule a wake-up",
			Usage:       "/wake HH:MM [once|daily] [local|call] [label] [--tz Zone] [--to +number]",
			Timeout:     10 * time.Second,
			Handle:      b.cmdWake,
		},
		{
			Name:        "cancel",
			Description: "cancel a schedule",
			Usage:       "/cancel <id> [--purge]",
			Timeout:     10 * time.Second,
			Handle:      b.cmdCancel,
		},
		{
			Name:        "list",
			Aliases:     []string{"ls"},
			Description: "list your schedules",
			Usage:       "/list [--all]",
			Timeout:     10 * time.Second,
			Handle:      b.cmdList,
		},
		{
			Name:        "next",
			Description: "preview upcoming wake-ups",
			Usage:       "/next [n]",
			Timeout:     10 * time.Second,
			Handle:      b.cmdNext,
		},
		{
			Name:        "export",
			Description: "download your schedules as an .ics calendar",
			Usage:       "/export [--all]",
			Timeout:     20 * time.Second,
			Handle:      b.cmdExport,
		},
		{
			Name:        "dismiss",
			Aliases:     []string{"up"},
			Description: "dismiss the ringing wake-up",
			Usage:       "/dismiss",
			Timeout:     10 * time.Second,
			Handle:      b.cmdDismiss,
		},
		{
			Name:        "status",
			Description: "scheduler and delivery status",
			Usage:       "/status",
			Access:      router.AccessOwnerOnly,
			Timeout:     10 * time.Second,
			Handle:      b.cmdStatus,
		},
		{
			Name:        "help",
			Aliases:     []string{"start"},
			Description: "show commands",
			Usage:       "/help",
			Handle:      b.cmdHelp,
		},
	}
}

// Callbacks answers the inline buttons the Telegram surface attaches.
func (b *Bot) Callbacks() []router.CallbackRoute {
	return []router.CallbackRoute{
		{
			Namespace: callbackNS,
			Action:    actionAccept,
			Timeout:   10 * time.Second,
			Handle: func(ctx context.Context, req *router.Request, payload string) error {
				return b.answer(ctx, req, payload, true)
			},
		},
		{
			Namespace: callbackNS,
			Action:    actionDecline,
			Timeout:   10 * time.Second,
			Handle: func(ctx context.Context, req *router.Request, payload string) error {
				return b.answer(ctx, req, payload, false)
			},
		},
	}
}
