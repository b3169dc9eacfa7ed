package app

import (
	"fmt"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"gatebot/internal/broadcast"
	"gatebot/internal/gate"
	"gatebot/internal/membership"
	"gatebot/internal/storage"
	"gatebot/pkg/tgui"
)

// Callback scopes and actions.
const (
	cbGate    = "gate"
	cbRecheck = "recheck"
	cbVerify  = "verify"

	cbBroadcast = "bc"
	cbType      = "type"
	cbConfirm   = "confirm"
	cbCancel    = "cancel"
)

const (
	textRetry       = "⚠️ Something went wrong on our side. Please try again in a moment."
	textVerifyFail  = "❌ This verification link is invalid or has expired. Send /verify to get a new one."
	textNoSession   = "There is no broadcast in progress. Start one with /broadcast."
	textHint        = "Send /help to see what I can do."
	textAllSet      = "✅ You're all set. Enjoy!"
	textCancelled   = "🗑 Broadcast cancelled."
	textNothingToDo = "Nothing to cancel."
)

func displayName(first, username string) string {
	if s := strings.TrimSpace(first); s != "" {
		return s
	}
	if s := strings.TrimSpace(username); s != "" {
		return "@" + s
	}
	return "there"
}

// renderDecision turns a denied gate decision into the message that tells
// the user what to do next. Allow renders textAllSet.
func renderDecision(d gate.Decision, grant time.Duration) tgui.Message {
	switch d.Kind {
	case gate.DenyWithChannels:
		return renderJoin(d)
	case gate.DenyNeedsVerification:
		return renderVerify(d.Link, d.LinkErr, grant)
	}
	return tgui.New().Line(textAllSet).Build()
}

func renderJoin(d gate.Decision) tgui.Message {
	kb := tgui.NewInline()
	for _, ch := range d.Channels {
		kb.Row(tgui.URLBtn("➕ Join "+ch.Name, ch.InviteURL))
	}
	kb.Row(tgui.Btn("✅ I've joined", tgui.Data(cbGate, cbRecheck, "")))

	b := tgui.New().Title("🔒", "Join our channels to continue")
	if d.Total > 0 {
		b.Line(fmt.Sprintf("You have joined %d of %d.", d.Joined, d.Total))
	}
	b.Line("Tap each button below, join, then press “I've joined”.")
	return b.Inline(kb).Build()
}

func renderVerify(link string, linkErr error, grant time.Duration) tgui.Message {
	if linkErr != nil || link == "" {
		kb := tgui.NewInline().Row(tgui.Btn("🔁 Try again", tgui.Data(cbGate, cbVerify, "")))
		return tgui.New().
			Title("⏳", "Verification is unavailable right now").
			Line("Please try again later.").
			Inline(kb).Build()
	}
	kb := tgui.NewInline().Row(tgui.URLBtn("🔓 Verify now", link))
	return tgui.New().
		Title("🛂", "One more step").
		Line("Open the link below and finish the steps to unlock access for "+humanDuration(grant)+".").
		Line("The link is single-use and expires soon.").
		Inline(kb).Build()
}

func renderStatus(r gate.Report) tgui.Message {
	b := tgui.New().Title("📋", "Your status")
	if r.Admin {
		return b.Line("You are an admin; no checks apply.").Build()
	}

	res := r.Membership
	b.KV("Channels", fmt.Sprintf("%d/%d joined", res.JoinedCount(), len(res.Channels)))
	for _, c := range res.Channels {
		b.Line(channelLine(c))
	}

	st := r.Verification
	switch {
	case st.Verified:
		b.KV("Verification", "active, "+humanDuration(st.Remaining)+" left")
	case !st.Until.IsZero():
		b.KV("Verification", "expired")
	default:
		b.KV("Verification", "not verified")
	}

	kb := tgui.NewInline()
	if !res.MemberOfAll() {
		for _, ch := range res.Unjoined() {
			kb.Row(tgui.URLBtn("➕ Join "+ch.Name, ch.InviteURL))
		}
		kb.Row(tgui.Btn("✅ I've joined", tgui.Data(cbGate, cbRecheck, "")))
	} else if !st.Verified {
		kb.Row(tgui.Btn("🔓 Verify", tgui.Data(cbGate, cbVerify, "")))
	}
	return b.Inline(kb).Build()
}

func channelLine(c membership.ChannelResult) string {
	switch c.Outcome {
	case membership.OutcomeMember:
		return "✅ " + c.Channel.Name
	case membership.OutcomeFailed:
		return "⚠️ " + c.Channel.Name + " (could not check)"
	}
	return "❌ " + c.Channel.Name
}

func renderVerified(until time.Time, now time.Time) tgui.Message {
	return tgui.New().
		Title("✅", "Verification complete").
		Line("Access unlocked for " + humanDuration(until.Sub(now)) + ".").
		Build()
}

// humanDuration renders d as "23h 59m", "45m" or "under a minute".
func humanDuration(d time.Duration) string {
	d = d.Round(time.Minute)
	if d < time.Minute {
		return "under a minute"
	}
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	switch {
	case h == 0:
		return fmt.Sprintf("%dm", m)
	case m == 0:
		return fmt.Sprintf("%dh", h)
	}
	return fmt.Sprintf("%dh %dm", h, m)
}

func renderTypeChooser() tgui.Message {
	btns := make([]tele.Btn, 0, len(broadcast.SelectableKinds)+1)
	for _, k := range broadcast.SelectableKinds {
		btns = append(btns, tgui.Btn(kindLabel(k), tgui.Data(cbBroadcast, cbType, string(k))))
	}
	kb := tgui.Grid(3, btns).Row(tgui.Btn("✖️ Cancel", tgui.Data(cbBroadcast, cbCancel, "")))
	return tgui.New().
		Title("📣", "New broadcast").
		Line("What do you want to send?").
		Line("Tip: reply to any message with /broadcast to forward it, or use /broadcast <text>.").
		Inline(kb).Build()
}

func kindLabel(k broadcast.Kind) string {
	switch k {
	case broadcast.KindText:
		return "📝 Text"
	case broadcast.KindPhoto:
		return "🖼 Photo"
	case broadcast.KindVideo:
		return "🎬 Video"
	case broadcast.KindDocument:
		return "📄 Document"
	case broadcast.KindAudio:
		return "🎵 Audio"
	case broadcast.KindForward:
		return "↪️ Forward"
	}
	return string(k)
}

// renderPrompt renders what the coordinator asks for next.
func renderPrompt(p broadcast.Prompt) tgui.Message {
	switch p.Step {
	case broadcast.StepChooseType:
		return renderTypeChooser()
	case broadcast.StepAwaitPayload:
		if p.Kind == broadcast.KindText {
			return tgui.New().
				Line("Send the text to broadcast.").
				Line("Add link buttons with [button:Label:https://example.com].").
				Build()
		}
		return tgui.New().Line("Send the " + string(p.Kind) + " to broadcast. A caption is optional.").Build()
	case broadcast.StepAwaitCaption:
		return tgui.New().Line("Send a caption for the " + string(p.Kind) + ", or /skip to send it without one.").Build()
	case broadcast.StepConfirm:
		return renderConfirm(p)
	}
	return tgui.New().Line(textNoSession).Build()
}

func renderConfirm(p broadcast.Prompt) tgui.Message {
	b := tgui.New().Title("📣", "Ready to broadcast")
	b.KV("Type", kindLabel(p.Content.Kind))
	b.KV("Recipients", fmt.Sprintf("%d", p.Recipients))
	if preview := contentPreview(p.Content); preview != "" {
		b.KV("Preview", tgui.TruncRunes(preview, 200))
	}
	if n := len(p.Content.Buttons); n > 0 {
		b.KV("Buttons", fmt.Sprintf("%d", n))
	}
	kb := tgui.ConfirmInline(
		tgui.Btn("✅ Send", tgui.Data(cbBroadcast, cbConfirm, "")),
		tgui.Btn("✖️ Cancel", tgui.Data(cbBroadcast, cbCancel, "")),
	)
	return b.Inline(kb).Build()
}

func contentPreview(c broadcast.Content) string {
	switch {
	case c.Kind == broadcast.KindText:
		return c.Text
	case c.Kind == broadcast.KindForward:
		return "(forwarded message)"
	case c.Caption != "":
		return c.Caption
	}
	return "(no caption)"
}

// broadcastMarkup renders content buttons as one URL button per row.
func broadcastMarkup(buttons []broadcast.Button) any {
	kb := tgui.NewInline()
	for _, b := range buttons {
		kb.Row(tgui.URLBtn(b.Label, b.URL))
	}
	if m := kb.Markup(); m != nil {
		return m
	}
	return nil
}

func renderSweep(r gate.SweepReport) tgui.Message {
	return tgui.New().
		Title("🧹", "Membership sweep finished").
		KV("Checked", fmt.Sprintf("%d", r.Checked)).
		KV("Members", fmt.Sprintf("%d", r.Members)).
		KV("Not members", fmt.Sprintf("%d", r.NotMembers)).
		KV("Degraded", fmt.Sprintf("%d", r.Degraded)).
		KV("Took", r.Took.Round(time.Millisecond).String()).
		Build()
}

type statsView struct {
	Stats      storage.Stats
	Broadcasts int
	NextSweep  time.Time
}

func renderStats(v statsView) tgui.Message {
	b := tgui.New().Title("📊", "Stats").
		KV("Users", fmt.Sprintf("%d", v.Stats.Users)).
		KV("Members", fmt.Sprintf("%d", v.Stats.Members)).
		KV("Verified", fmt.Sprintf("%d", v.Stats.Verified)).
		KV("Active broadcasts", fmt.Sprintf("%d", v.Broadcasts))
	if !v.NextSweep.IsZero() {
		b.KV("Next sweep", v.NextSweep.Format("2006-01-02 15:04 MST"))
	}
	return b.Build()
}
