package app

import (
	"context"
	"errors"
	"strings"

	"gatebot/internal/gate"
	"gatebot/internal/storage"
	"gatebot/internal/transport/telegram/router"
	logx "gatebot/pkg/logx"
	"gatebot/pkg/tgui"
)

// sweep starts a sweep in the background and reports to the admin when it
// ends.
func (h *handlers) sweep(ctx context.Context, req *router.Request) error {
	if h.sweeper.Running() {
		return h.say(ctx, req, "A sweep is already running.")
	}
	chat, adapter := req.Chat, req.Adapter
	h.spawn("sweep.manual", func(c context.Context) error {
		rep, err := h.sweeper.Run(c)
		if errors.Is(err, gate.ErrSweepRunning) {
			_, _ = adapter.SendText(c, chat, "A sweep is already running.", nil)
			return nil
		}
		m := renderSweep(rep)
		if err != nil {
			h.log.Error("manual sweep failed", logx.Err(err))
			m.Text += "\n\n⚠️ Stopped early: " + tgui.Esc(err.Error()).String()
		}
		_, sendErr := m.Send(c, adapter, chat)
		return sendErr
	})
	return h.say(ctx, req, "🧹 Sweep started. I'll report when it finishes.")
}

func (h *handlers) stats(ctx context.Context, req *router.Request) error {
	st, err := h.store.CountStats(ctx, h.now())
	if err != nil {
		return h.fail(ctx, req, "stats", err)
	}
	v := statsView{Stats: st, Broadcasts: len(h.dispatcher.Active())}
	if h.sched != nil {
		for _, s := range h.sched.Snapshot() {
			if s.Name == sweepScheduleName {
				v.NextSweep = s.Next
			}
		}
	}
	return h.send(ctx, req, renderStats(v))
}

func (h *handlers) addContent(ctx context.Context, req *router.Request) error {
	msg := req.Message()
	if msg == nil {
		return nil
	}
	if msg.ReplyTo == nil || len(req.Args) < 2 {
		return h.say(ctx, req, "Reply to the message to store with /addcontent <code> <title>.")
	}
	code := strings.ToLower(req.Args[0])
	title := strings.Join(req.Args[1:], " ")
	err := h.store.PutContent(ctx, storage.Content{
		Code:            code,
		Title:           title,
		SourceChatID:    msg.ReplyTo.ChatID,
		SourceMessageID: msg.ReplyTo.MessageID,
		CreatedBy:       req.FromID,
		CreatedAt:       h.now(),
	})
	if err != nil {
		return h.fail(ctx, req, "add content", err)
	}
	req.Logger.Info("content stored", logx.String("code", code))
	return h.say(ctx, req, "Saved. Users can get it with /get "+code+".")
}
