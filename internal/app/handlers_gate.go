package app

import (
	"context"
	"errors"
	"strings"

	"gatebot/internal/gate"
	"gatebot/internal/storage"
	kit "gatebot/internal/transport"
	"gatebot/internal/transport/telegram/router"
	"gatebot/internal/verification"
	logx "gatebot/pkg/logx"
	"gatebot/pkg/tgui"
)

func (h *handlers) start(ctx context.Context, req *router.Request) error {
	id := identity(req)
	if payload := strings.TrimSpace(req.RawArgs); strings.HasPrefix(payload, verification.StartPrefix) {
		return h.redeem(ctx, req, id, payload)
	}

	d, err := h.gate.Authorize(ctx, id)
	if err != nil {
		return h.fail(ctx, req, "authorize", err)
	}
	welcome := tgui.New().
		Title("👋", "Welcome, "+displayName(id.FirstName, id.Username)+"!").
		Line("Use /get <code> to receive content, /status to see your access and /help for everything else.").
		Build()
	if err := h.send(ctx, req, welcome); err != nil {
		return err
	}
	if d.Kind == gate.Allow {
		return nil
	}
	return h.send(ctx, req, renderDecision(d, h.ledger.GrantWindow()))
}

// redeem handles the deep link a user lands on after the ad gate. The link
// must belong to the sender; every failure looks the same to the user.
func (h *handlers) redeem(ctx context.Context, req *router.Request, id gate.Identity, payload string) error {
	token, uid, ok := verification.ParseStartPayload(payload)
	if !ok || uid != id.UserID {
		req.Logger.Info("verification link rejected", logx.Bool("parsed", ok), logx.Int64("link_uid", uid))
		return h.say(ctx, req, textVerifyFail)
	}
	red, err := h.ledger.Redeem(ctx, uid, token)
	if err != nil {
		return h.fail(ctx, req, "redeem", err)
	}
	if !red.OK {
		return h.say(ctx, req, textVerifyFail)
	}
	return h.send(ctx, req, renderVerified(red.VerifiedUntil, h.now()))
}

func (h *handlers) status(ctx context.Context, req *router.Request) error {
	r, err := h.gate.Inspect(ctx, identity(req))
	if err != nil {
		return h.fail(ctx, req, "status", err)
	}
	return h.send(ctx, req, renderStatus(r))
}

func (h *handlers) verify(ctx context.Context, req *router.Request) error {
	m, err := h.verificationMessage(ctx, identity(req))
	if err != nil {
		return h.fail(ctx, req, "verify", err)
	}
	return h.send(ctx, req, m)
}

func (h *handlers) onVerify(ctx context.Context, req *router.Request, _ string) error {
	m, err := h.verificationMessage(ctx, identity(req))
	if err != nil {
		return h.fail(ctx, req, "verify", err)
	}
	return h.edit(ctx, req, m)
}

func (h *handlers) verificationMessage(ctx context.Context, id gate.Identity) (tgui.Message, error) {
	st, err := h.ledger.Status(ctx, id.UserID)
	if err != nil {
		return tgui.Message{}, err
	}
	switch {
	case st.Admin:
		return tgui.New().Line("Admins don't need verification.").Build(), nil
	case st.Verified:
		return tgui.New().Line("✅ You're already verified for another " + humanDuration(st.Remaining) + ".").Build(), nil
	}
	d, err := h.gate.StartVerification(ctx, id)
	if err != nil {
		return tgui.Message{}, err
	}
	return renderDecision(d, h.ledger.GrantWindow()), nil
}

func (h *handlers) onRecheck(ctx context.Context, req *router.Request, _ string) error {
	d, err := h.gate.Recheck(ctx, identity(req))
	if err != nil {
		return h.fail(ctx, req, "recheck", err)
	}
	return h.edit(ctx, req, renderDecision(d, h.ledger.GrantWindow()))
}

// get is the protected operation: it forwards a catalog entry.
func (h *handlers) get(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return h.say(ctx, req, "Usage: /get <code>")
	}
	d, err := h.gate.Authorize(ctx, identity(req))
	if err != nil {
		return h.fail(ctx, req, "authorize", err)
	}
	if d.Kind != gate.Allow {
		return h.send(ctx, req, renderDecision(d, h.ledger.GrantWindow()))
	}

	code := strings.ToLower(req.Args[0])
	c, err := h.store.GetContent(ctx, code)
	if errors.Is(err, storage.ErrNotFound) {
		return h.say(ctx, req, "Nothing found for code "+code+".")
	}
	if err != nil {
		return h.fail(ctx, req, "get content", err)
	}
	_, err = req.Adapter.Forward(ctx, req.Chat, kit.MessageRef{ChatID: c.SourceChatID, MessageID: c.SourceMessageID})
	if err != nil {
		req.Logger.Warn("content forward failed", logx.String("code", code), logx.Err(err))
		return h.say(ctx, req, "That content is no longer available.")
	}
	return nil
}
