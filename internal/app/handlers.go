package app

import (
	"context"
	"time"

	"gatebot/internal/broadcast"
	"gatebot/internal/gate"
	"gatebot/internal/storage"
	"gatebot/internal/task/scheduler"
	kit "gatebot/internal/transport"
	"gatebot/internal/transport/telegram/router"
	"gatebot/internal/verification"
	logx "gatebot/pkg/logx"
	"gatebot/pkg/tgui"
)

// Store is the storage surface the handlers use.
type Store interface {
	CountStats(ctx context.Context, now time.Time) (storage.Stats, error)
	PutContent(ctx context.Context, c storage.Content) error
	GetContent(ctx context.Context, code string) (storage.Content, error)
}

// handlers binds chat commands and callbacks to the domain services.
type handlers struct {
	gate        *gate.Gate
	ledger      *verification.Ledger
	sweeper     *gate.Sweeper
	store       Store
	coordinator *broadcast.Coordinator
	dispatcher  *broadcast.Dispatcher
	sched       *scheduler.Service
	log         logx.Logger
	now         func() time.Time

	// spawn runs fn detached from the request, under the app supervisor.
	spawn func(name string, fn func(ctx context.Context) error)
}

const sweepScheduleName = "membership.sweep"

func (h *handlers) commands() []router.Command {
	return []router.Command{
		{Name: "start", Description: "start the bot", Handle: h.start},
		{Name: "status", Description: "show your membership and verification", Handle: h.status},
		{Name: "verify", Description: "get a verification link", Handle: h.verify},
		{Name: "get", Usage: "/get <code>", Description: "get content by code", Handle: h.get},

		{Name: "broadcast", Usage: "/broadcast [text]", Description: "send a message to every user", Access: router.AccessAdminOnly, Handle: h.broadcastBegin},
		{Name: "skip", Description: "skip the caption", Access: router.AccessAdminOnly, Handle: h.broadcastSkip},
		{Name: "cancel", Description: "cancel the pending broadcast", Access: router.AccessAdminOnly, Handle: h.broadcastCancel},
		{Name: "sweep", Description: "re-check stale memberships now", Access: router.AccessAdminOnly, Handle: h.sweep},
		{Name: "stats", Description: "user counts", Access: router.AccessAdminOnly, Handle: h.stats},
		{Name: "addcontent", Usage: "/addcontent <code> <title>", Description: "store the replied message under a code", Access: router.AccessAdminOnly, Handle: h.addContent},
	}
}

func (h *handlers) callbacks() []router.CallbackRoute {
	return []router.CallbackRoute{
		{Scope: cbGate, Action: cbRecheck, Handle: h.onRecheck},
		{Scope: cbGate, Action: cbVerify, Handle: h.onVerify},
		{Scope: cbBroadcast, Action: cbType, Access: router.AccessAdminOnly, Handle: h.onBroadcastType},
		{Scope: cbBroadcast, Action: cbConfirm, Access: router.AccessAdminOnly, Timeout: time.Minute, Handle: h.onBroadcastConfirm},
		{Scope: cbBroadcast, Action: cbCancel, Access: router.AccessAdminOnly, Handle: h.onBroadcastCancel},
	}
}

// identity extracts who sent the update.
func identity(req *router.Request) gate.Identity {
	switch {
	case req.Update.Message != nil:
		m := req.Update.Message
		return gate.Identity{UserID: m.FromID, Username: m.FromUsername, FirstName: m.FromFirstName, LastName: m.FromLastName}
	case req.Update.Callback != nil:
		c := req.Update.Callback
		return gate.Identity{UserID: c.FromID, Username: c.FromUsername, FirstName: c.FromFirstName, LastName: c.FromLastName}
	}
	return gate.Identity{UserID: req.FromID}
}

// callbackRef is the message that carried the pressed button.
func callbackRef(req *router.Request) kit.MessageRef {
	cb := req.Update.Callback
	if cb == nil {
		return kit.MessageRef{}
	}
	return kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}
}

func (h *handlers) send(ctx context.Context, req *router.Request, m tgui.Message) error {
	_, err := m.Send(ctx, req.Adapter, req.Chat)
	return err
}

func (h *handlers) say(ctx context.Context, req *router.Request, text string) error {
	return h.send(ctx, req, tgui.New().Line(text).Build())
}

// edit replaces the message that carried the button. A new message is sent
// when that one cannot be edited.
func (h *handlers) edit(ctx context.Context, req *router.Request, m tgui.Message) error {
	ref := callbackRef(req)
	if ref.MessageID != 0 {
		err := m.Edit(ctx, req.Adapter, ref)
		if err == nil {
			return nil
		}
		req.Logger.Debug("edit failed; sending instead", logx.Err(err))
	}
	return h.send(ctx, req, m)
}

// fail logs err and tells the user to retry.
func (h *handlers) fail(ctx context.Context, req *router.Request, op string, err error) error {
	req.Logger.Error(op+" failed", logx.Err(err))
	_ = h.say(ctx, req, textRetry)
	return err
}
