package tgui

import (
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"
)

func TestBuilderEscapesHTML(t *testing.T) {
	t.Parallel()
	m := New().Title("🔒", "Join <first>").KV("Status", "a&b").Bullets("x", " ", "y").Build()
	want := "🔒 <b>Join &lt;first&gt;</b>\n• <b>Status</b>: a&amp;b\n• x\n• y"
	if m.Text != want {
		t.Fatalf("got %q", m.Text)
	}
	if m.Opt.ParseMode != "HTML" || !m.Opt.DisablePreview || m.Opt.ReplyMarkupAdapter != nil {
		t.Fatalf("opt=%+v", m.Opt)
	}
}

func TestInlineMarkup(t *testing.T) {
	t.Parallel()
	if NewInline().Markup() != nil {
		t.Fatal("empty keyboard should have nil markup")
	}
	kb := Grid(2, nil)
	if kb.Len() != 0 {
		t.Fatal("grid of nothing")
	}
	kb = Grid(2, []tele.Btn{Btn("a", "x:a"), Btn("b", "x:b"), Btn("c", "x:c")})
	if kb.Len() != 2 {
		t.Fatalf("rows=%d", kb.Len())
	}
	m := New().Inline(kb).Build()
	if m.Opt.ReplyMarkupAdapter == nil {
		t.Fatal("markup not attached")
	}
}

func TestCallbackData(t *testing.T) {
	t.Parallel()
	if got := Data("bc", "type", "photo"); got != "bc:type:photo" {
		t.Fatal(got)
	}
	if got := Data("gate", "recheck", ""); got != "gate:recheck" {
		t.Fatal(got)
	}
	if _, err := CheckedData("bc", "x", strings.Repeat("p", 64)); err != ErrCallbackDataTooLong {
		t.Fatalf("err=%v", err)
	}
}

func TestTruncRunes(t *testing.T) {
	t.Parallel()
	if got := TruncRunes("héllo", 3); got != "hél…" {
		t.Fatal(got)
	}
	if got := TruncRunes("hi", 3); got != "hi" {
		t.Fatal(got)
	}
}
