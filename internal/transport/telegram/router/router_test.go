package router

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

func TestSplitCommand(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, word, args string
		ok             bool
	}{
		{"/start", "start", "", true},
		{"/Start@GateBot verify_abc_1", "start", "verify_abc_1", true},
		{"/broadcast hello [button:Go:https://x.y]", "broadcast", "hello [button:Go:https://x.y]", true},
		{"/broadcast\nline two", "broadcast", "line two", true},
		{"hello", "", "", false},
		{"/", "", "", false},
	}
	for _, tc := range cases {
		word, args, ok := splitCommand(tc.in)
		if word != tc.word || args != tc.args || ok != tc.ok {
			t.Fatalf("splitCommand(%q)=(%q,%q,%v) want (%q,%q,%v)", tc.in, word, args, ok, tc.word, tc.args, tc.ok)
		}
	}
}

func TestSplitCallbackData(t *testing.T) {
	t.Parallel()

	scope, action, payload, ok := splitCallbackData("bc:type:photo")
	if !ok || scope != "bc" || action != "type" || payload != "photo" {
		t.Fatalf("got %q %q %q %v", scope, action, payload, ok)
	}
	_, _, payload, ok = splitCallbackData("x:y:a:b")
	if !ok || payload != "a:b" {
		t.Fatalf("payload with colon: %q", payload)
	}
	if _, _, _, ok := splitCallbackData("bare"); ok {
		t.Fatalf("expected rejection")
	}
}

func TestTokenizeCommandLine(t *testing.T) {
	t.Parallel()

	got := tokenizeCommandLine(`m42 "The Long Title" 'x y' a\ b`)
	want := []string{"m42", "The Long Title", "x y", "a b"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("tokenize=%q want %q", got, want)
	}
	if tokenizeCommandLine("   ") != nil {
		t.Fatalf("blank input should yield nil")
	}
}

type recordingAdapter struct {
	kit.Adapter

	mu    sync.Mutex
	texts []string
}

func (r *recordingAdapter) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	r.mu.Lock()
	r.texts = append(r.texts, text)
	r.mu.Unlock()
	return kit.MessageRef{}, nil
}

func (r *recordingAdapter) AnswerCallback(context.Context, string, string) error { return nil }

func (r *recordingAdapter) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func TestDispatchAccessAndFallback(t *testing.T) {
	t.Parallel()

	ad := &recordingAdapter{}
	m := New(logx.Nop(), ad, func(id int64) bool { return id == 1 }, Options{Workers: 2})

	got := make(chan string, 8)
	m.SetRegistry([]Command{
		{Name: "sweep", Access: AccessAdminOnly, Handle: func(ctx context.Context, req *Request) error {
			got <- "sweep:" + req.RawArgs
			return nil
		}},
	}, []CallbackRoute{
		{Scope: "gate", Action: "recheck", Access: AccessEveryone, Handle: func(ctx context.Context, req *Request, payload string) error {
			got <- "recheck:" + payload
			return nil
		}},
	})
	m.SetFallback(func(ctx context.Context, req *Request) error {
		got <- "fallback:" + req.Message().Text
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 8)
	done := make(chan struct{})
	go func() {
		_ = m.DispatchLoop(ctx, updates)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	msg := func(from int64, text string) kit.Update {
		return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: from, FromID: from, Text: text}}
	}
	updates <- msg(2, "/sweep now")
	updates <- msg(1, "/sweep now")
	updates <- msg(2, "plain words")
	updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "c", FromID: 2, ChatID: 2, Data: "gate:recheck:7"}}

	seen := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for len(seen) < 3 {
		select {
		case s := <-got:
			seen[s] = true
		case <-deadline:
			t.Fatalf("handlers not called, seen=%v", seen)
		}
	}
	for _, want := range []string{"sweep:now", "fallback:plain words", "recheck:7"} {
		if !seen[want] {
			t.Fatalf("missing %q in %v", want, seen)
		}
	}

	denied := false
	for _, s := range ad.sent() {
		if strings.Contains(s, "admins only") {
			denied = true
		}
	}
	if !denied {
		t.Fatalf("non-admin was not refused: %q", ad.sent())
	}
}

func TestHelpHidesAdminCommands(t *testing.T) {
	t.Parallel()

	m := New(logx.Nop(), &recordingAdapter{}, nil, Options{})
	noop := func(context.Context, *Request) error { return nil }
	m.SetRegistry([]Command{
		{Name: "status", Description: "your access status", Handle: noop},
		{Name: "broadcast", Access: AccessAdminOnly, Handle: noop},
	}, nil)

	if txt := m.helpText(false); strings.Contains(txt, "broadcast") || !strings.Contains(txt, "status") {
		t.Fatalf("user help=%q", txt)
	}
	if txt := m.helpText(true); !strings.Contains(txt, "/broadcast") {
		t.Fatalf("admin help=%q", txt)
	}
	for _, c := range m.MenuCommands() {
		if c.Command == "broadcast" {
			t.Fatalf("admin command leaked into menu")
		}
	}
}
