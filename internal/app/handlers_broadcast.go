package app

import (
	"context"
	"errors"

	"gatebot/internal/broadcast"
	"gatebot/internal/transport/telegram/router"
	logx "gatebot/pkg/logx"
	"gatebot/pkg/tgui"
)

func (h *handlers) broadcastBegin(ctx context.Context, req *router.Request) error {
	msg := req.Message()
	if msg == nil {
		return nil
	}
	p, err := h.coordinator.Begin(ctx, req.FromID, req.Chat.ChatID, req.RawArgs, msg.ReplyTo)
	return h.reportPrompt(ctx, req, p, err, false)
}

func (h *handlers) broadcastSkip(ctx context.Context, req *router.Request) error {
	p, err := h.coordinator.Skip(ctx, req.FromID)
	return h.reportPrompt(ctx, req, p, err, false)
}

func (h *handlers) broadcastCancel(ctx context.Context, req *router.Request) error {
	existed, err := h.coordinator.Cancel(ctx, req.FromID)
	if err != nil {
		return h.fail(ctx, req, "broadcast cancel", err)
	}
	if !existed {
		return h.say(ctx, req, textNothingToDo)
	}
	return h.say(ctx, req, textCancelled)
}

// broadcastInput feeds plain messages to a pending session. It is the
// router fallback, so non-admins and admins without a session get a hint.
func (h *handlers) broadcastInput(ctx context.Context, req *router.Request) error {
	msg := req.Message()
	if msg == nil {
		return nil
	}
	if !req.IsAdmin {
		return h.say(ctx, req, textHint)
	}
	if _, err := h.coordinator.Pending(ctx, req.FromID); errors.Is(err, broadcast.ErrNoSession) {
		return h.say(ctx, req, textHint)
	} else if err != nil {
		return h.fail(ctx, req, "broadcast session", err)
	}
	p, err := h.coordinator.Input(ctx, req.FromID, *msg)
	return h.reportPrompt(ctx, req, p, err, false)
}

func (h *handlers) onBroadcastType(ctx context.Context, req *router.Request, payload string) error {
	kind, ok := broadcast.ParseKind(payload)
	if !ok {
		return nil
	}
	p, err := h.coordinator.ChooseType(ctx, req.FromID, kind)
	return h.reportPrompt(ctx, req, p, err, true)
}

func (h *handlers) onBroadcastCancel(ctx context.Context, req *router.Request, _ string) error {
	if _, err := h.coordinator.Cancel(ctx, req.FromID); err != nil {
		return h.fail(ctx, req, "broadcast cancel", err)
	}
	return h.edit(ctx, req, tgui.New().Line(textCancelled).Build())
}

func (h *handlers) onBroadcastConfirm(ctx context.Context, req *router.Request, _ string) error {
	if _, err := h.coordinator.Pending(ctx, req.FromID); err != nil {
		if errors.Is(err, broadcast.ErrNoSession) {
			return h.edit(ctx, req, tgui.New().Line(textNoSession).Build())
		}
		return h.fail(ctx, req, "broadcast session", err)
	}

	// The status message is what the dispatcher keeps editing.
	status, err := tgui.New().Line("📤 Starting broadcast…").Build().Send(ctx, req.Adapter, req.Chat)
	if err != nil {
		return err
	}
	handle, err := h.coordinator.Confirm(ctx, req.FromID, status)
	if err != nil {
		m := tgui.New().Line(textNoSession).Build()
		switch {
		case errors.Is(err, broadcast.ErrNoSession), errors.Is(err, broadcast.ErrWrongStep):
		case errors.Is(err, broadcast.ErrClosed):
			m = tgui.New().Line("The bot is shutting down; broadcast not started.").Build()
		default:
			req.Logger.Error("broadcast dispatch failed", logx.Err(err))
			m = tgui.New().Line(textRetry).Build()
		}
		_ = m.Edit(ctx, req.Adapter, status)
		return nil
	}
	req.Logger.Info("broadcast confirmed", logx.String("job_id", handle.ID()))
	return h.edit(ctx, req, tgui.New().Line("✅ Confirmed. Job "+handle.ID()+" is running.").Build())
}

// reportPrompt renders the coordinator's answer. inPlace edits the message
// that carried the pressed button instead of sending a new one.
func (h *handlers) reportPrompt(ctx context.Context, req *router.Request, p broadcast.Prompt, err error, inPlace bool) error {
	var m tgui.Message
	switch {
	case err == nil:
		m = renderPrompt(p)
	case errors.Is(err, broadcast.ErrNoSession):
		m = tgui.New().Line(textNoSession).Build()
	case errors.Is(err, broadcast.ErrNoRecipients):
		m = tgui.New().Line("There are no users to broadcast to yet.").Build()
	case errors.Is(err, broadcast.ErrEmptyContent):
		m = tgui.New().Line("That message has nothing to send. Try again or /cancel.").Build()
	case errors.Is(err, broadcast.ErrWrongMedia):
		m = tgui.New().Line("That is not a " + string(p.Kind) + ". Send a " + string(p.Kind) + " or /cancel.").Build()
	case errors.Is(err, broadcast.ErrWrongStep):
		m = tgui.New().Line("That doesn't fit the current step. Continue or /cancel.").Build()
	default:
		return h.fail(ctx, req, "broadcast", err)
	}
	if inPlace {
		return h.edit(ctx, req, m)
	}
	return h.send(ctx, req, m)
}
