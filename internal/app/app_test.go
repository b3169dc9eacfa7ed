package app

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"gatebot/internal/broadcast"
	"gatebot/internal/config"
	"gatebot/internal/eventbus"
	"gatebot/internal/gate"
	"gatebot/internal/membership"
	"gatebot/internal/storage"
	kit "gatebot/internal/transport"
	"gatebot/internal/transport/telegram/router"
	"gatebot/internal/verification"
	logx "gatebot/pkg/logx"
)

type sent struct {
	to   int64
	text string
	opt  *kit.SendOptions
}

// fakeAdapter records outgoing traffic and answers membership lookups from
// an in-memory table.
type fakeAdapter struct {
	mu       sync.Mutex
	nextID   int
	sent     []sent
	edits    []sent
	forwards []kit.MessageRef
	joined   map[string]map[int64]bool
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{joined: map[string]map[int64]bool{}}
}

func (f *fakeAdapter) join(chat string, uid int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joined[chat] == nil {
		f.joined[chat] = map[int64]bool{}
	}
	f.joined[chat][uid] = true
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, sent{to: to.ChatID, text: text, opt: opt})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: f.nextID}, nil
}

func (f *fakeAdapter) SendMedia(ctx context.Context, to kit.ChatTarget, _ kit.Media, caption string, opt *kit.SendOptions) (kit.MessageRef, error) {
	return f.SendText(ctx, to, caption, opt)
}

func (f *fakeAdapter) Forward(_ context.Context, to kit.ChatTarget, from kit.MessageRef) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.forwards = append(f.forwards, from)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: f.nextID}, nil
}

func (f *fakeAdapter) EditText(_ context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, sent{to: ref.ChatID, text: text, opt: opt})
	return nil
}

func (f *fakeAdapter) AnswerCallback(context.Context, string, string) error { return nil }

func (f *fakeAdapter) ChatMember(_ context.Context, chat string, uid int64) (kit.MemberStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joined[chat][uid] {
		return kit.StatusMember, nil
	}
	return kit.StatusLeft, nil
}

// lastTo returns the newest message sent to chat.
func (f *fakeAdapter) lastTo(chat int64) (sent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].to == chat {
			return f.sent[i], true
		}
	}
	return sent{}, false
}

func (f *fakeAdapter) textsTo(chat int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		if s.to == chat {
			out = append(out, s.text)
		}
	}
	return out
}

func (f *fakeAdapter) lastEdit() sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.edits) == 0 {
		return sent{}
	}
	return f.edits[len(f.edits)-1]
}

type recordingLinker struct {
	mu     sync.Mutex
	tokens map[int64]string
	err    error
}

func (l *recordingLinker) Link(_ context.Context, uid int64, token string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return "", l.err
	}
	l.tokens[uid] = token
	return "https://ad.example/" + token, nil
}

func (l *recordingLinker) token(uid int64) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tokens[uid]
}

const adminID = 1

var testChannels = []membership.Channel{
	{ID: "@news", Name: "News", InviteURL: "https://t.me/news"},
	{ID: "@chat", Name: "Chat", InviteURL: "https://t.me/chat"},
}

type fixture struct {
	h      *handlers
	ad     *fakeAdapter
	store  storage.Store
	linker *recordingLinker
	admins *gate.AdminSet
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "app.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ad := newFakeAdapter()
	bus := eventbus.New()
	admins := gate.NewAdminSet([]int64{adminID})
	ledger := verification.NewLedger(st, verification.LedgerOptions{IsAdmin: admins.Has}, logx.Nop())
	linker := &recordingLinker{tokens: map[int64]string{}}
	g := gate.New(gate.Deps{
		Store:  st,
		Prober: membership.NewProber(ad, testChannels, membership.ProberOptions{}, logx.Nop()),
		Cache:  membership.NewCache(st, 30*time.Minute),
		Ledger: ledger,
		Linker: linker,
		Admins: admins,
	}, logx.Nop())
	sweeper := gate.NewSweeper(g, st, bus, gate.SweepOptions{Delay: time.Millisecond}, logx.Nop())

	opt := dispatcherOptions(config.BroadcastConfig{})
	opt.MinDelay = time.Millisecond
	opt.ProgressInterval = time.Hour
	opt.Header = ""
	d := broadcast.NewDispatcher(context.Background(), ad, opt, st, bus, logx.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})

	h := &handlers{
		gate:        g,
		ledger:      ledger,
		sweeper:     sweeper,
		store:       st,
		coordinator: broadcast.NewCoordinator(broadcast.NewMemoryStore(time.Minute), st, d, logx.Nop()),
		dispatcher:  d,
		log:         logx.Nop(),
		now:         time.Now,
		spawn: func(_ string, fn func(ctx context.Context) error) {
			_ = fn(context.Background())
		},
	}
	return &fixture{h: h, ad: ad, store: st, linker: linker, admins: admins}
}

// command builds the request the router would hand to a command handler.
func (f *fixture) command(uid int64, line string) *router.Request {
	name, rest, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	return &router.Request{
		Update: kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
			ID: 10, ChatID: uid, FromID: uid, FromFirstName: "Ann", Text: line,
		}},
		Chat:    kit.ChatTarget{ChatID: uid},
		FromID:  uid,
		Command: name,
		Args:    strings.Fields(rest),
		RawArgs: strings.TrimSpace(rest),
		IsAdmin: f.admins.Has(uid),
		Adapter: f.ad,
		Logger:  logx.Nop(),
	}
}

// press builds the request for an inline button press on message 77.
func (f *fixture) press(uid int64, data string) *router.Request {
	return &router.Request{
		Update: kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{
			ID: "cb", FromID: uid, FromFirstName: "Ann", ChatID: uid, MessageID: 77, Data: data,
		}},
		Chat:    kit.ChatTarget{ChatID: uid},
		FromID:  uid,
		IsAdmin: f.admins.Has(uid),
		Adapter: f.ad,
		Logger:  logx.Nop(),
	}
}

func keyboard(t *testing.T, opt *kit.SendOptions) [][]tele.InlineButton {
	t.Helper()
	require.NotNil(t, opt)
	rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup)
	require.True(t, ok, "expected inline markup, got %T", opt.ReplyMarkupAdapter)
	return rm.InlineKeyboard
}

func TestGetWalksUserThroughJoinAndVerification(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	const uid = 42

	require.NoError(t, f.h.addContent(ctx, func() *router.Request {
		r := f.command(adminID, "/addcontent PROMO Spring deal")
		r.Update.Message.ReplyTo = &kit.MessageRef{ChatID: -100, MessageID: 5}
		return r
	}()))

	require.NoError(t, f.h.get(ctx, f.command(uid, "/get promo")))
	m, ok := f.ad.lastTo(uid)
	require.True(t, ok)
	assert.Contains(t, m.text, "Join our channels")
	assert.Contains(t, m.text, "joined 0 of 2")
	kb := keyboard(t, m.opt)
	require.Len(t, kb, 3)
	assert.Equal(t, "https://t.me/news", kb[0][0].URL)
	assert.Equal(t, "https://t.me/chat", kb[1][0].URL)

	f.ad.join("@news", uid)
	f.ad.join("@chat", uid)
	require.NoError(t, f.h.onRecheck(ctx, f.press(uid, "gate:recheck"), ""))
	e := f.ad.lastEdit()
	assert.Contains(t, e.text, "One more step")
	token := f.linker.token(uid)
	require.NotEmpty(t, token)
	assert.Equal(t, "https://ad.example/"+token, keyboard(t, e.opt)[0][0].URL)

	require.NoError(t, f.h.start(ctx, f.command(uid, "/start "+verification.StartPayload(uid, token))))
	m, _ = f.ad.lastTo(uid)
	assert.Contains(t, m.text, "Verification complete")

	require.NoError(t, f.h.get(ctx, f.command(uid, "/get PROMO")))
	f.ad.mu.Lock()
	forwards := append([]kit.MessageRef(nil), f.ad.forwards...)
	f.ad.mu.Unlock()
	require.Len(t, forwards, 1)
	assert.Equal(t, kit.MessageRef{ChatID: -100, MessageID: 5}, forwards[0])

	require.NoError(t, f.h.get(ctx, f.command(uid, "/get missing")))
	m, _ = f.ad.lastTo(uid)
	assert.Contains(t, m.text, "Nothing found for code missing")
}

func TestStartRejectsLinkOfAnotherUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ad.join("@news", 42)
	f.ad.join("@chat", 42)

	require.NoError(t, f.h.verify(ctx, f.command(42, "/verify")))
	token := f.linker.token(42)
	require.NotEmpty(t, token)

	require.NoError(t, f.h.start(ctx, f.command(43, "/start "+verification.StartPayload(42, token))))
	m, _ := f.ad.lastTo(43)
	assert.Equal(t, textVerifyFail, m.text)

	// The token is still good for its owner.
	require.NoError(t, f.h.start(ctx, f.command(42, "/start "+verification.StartPayload(42, token))))
	m, _ = f.ad.lastTo(42)
	assert.Contains(t, m.text, "Verification complete")

	// And single-use.
	require.NoError(t, f.h.start(ctx, f.command(42, "/start "+verification.StartPayload(42, token))))
	m, _ = f.ad.lastTo(42)
	assert.Equal(t, textVerifyFail, m.text)
}

func TestVerifyShowsRetryWhenLinkFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.linker.err = errors.New("ad gate down")

	require.NoError(t, f.h.verify(ctx, f.command(42, "/verify")))
	m, _ := f.ad.lastTo(42)
	assert.Contains(t, m.text, "unavailable right now")
	assert.Equal(t, "gate:verify", keyboard(t, m.opt)[0][0].Data)
}

func TestAdminNeedsNoVerification(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.h.verify(ctx, f.command(adminID, "/verify")))
	m, _ := f.ad.lastTo(adminID)
	assert.Contains(t, m.text, "don")
	assert.Contains(t, m.text, "need verification")
}

func TestBroadcastTextReachesEveryUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for _, uid := range []int64{42, 43} {
		_, err := f.store.EnsureUser(ctx, storage.Profile{UserID: uid})
		require.NoError(t, err)
	}

	require.NoError(t, f.h.broadcastBegin(ctx, f.command(adminID, "/broadcast Hello everyone")))
	m, _ := f.ad.lastTo(adminID)
	assert.Contains(t, m.text, "Ready to broadcast")
	assert.Contains(t, m.text, "Hello everyone")
	assert.Equal(t, "bc:confirm", keyboard(t, m.opt)[0][0].Data)

	require.NoError(t, f.h.onBroadcastConfirm(ctx, f.press(adminID, "bc:confirm"), ""))
	assert.Contains(t, f.ad.lastEdit().text, "is running")

	require.Eventually(t, func() bool {
		return len(f.h.dispatcher.Active()) == 0 && len(f.ad.textsTo(42)) == 1 && len(f.ad.textsTo(43)) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, f.ad.textsTo(42)[0], "Hello everyone")

	// The session is gone once confirmed.
	require.NoError(t, f.h.onBroadcastConfirm(ctx, f.press(adminID, "bc:confirm"), ""))
	assert.Equal(t, textNoSession, f.ad.lastEdit().text)
}

func TestBroadcastWithoutUsersIsRefused(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.h.broadcastBegin(context.Background(), f.command(adminID, "/broadcast hi")))
	m, _ := f.ad.lastTo(adminID)
	assert.Contains(t, m.text, "no users to broadcast to")
}

func TestFallbackHintsWithoutSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.h.broadcastInput(ctx, f.command(42, "hello")))
	m, _ := f.ad.lastTo(42)
	assert.Equal(t, textHint, m.text)

	require.NoError(t, f.h.broadcastInput(ctx, f.command(adminID, "hello")))
	m, _ = f.ad.lastTo(adminID)
	assert.Equal(t, textHint, m.text)

	require.NoError(t, f.h.broadcastCancel(ctx, f.command(adminID, "/cancel")))
	m, _ = f.ad.lastTo(adminID)
	assert.Equal(t, textNothingToDo, m.text)
}

func TestSweepReportsToAdmin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.store.EnsureUser(ctx, storage.Profile{UserID: 42})
	require.NoError(t, err)
	f.ad.join("@news", 42)
	f.ad.join("@chat", 42)

	require.NoError(t, f.h.sweep(ctx, f.command(adminID, "/sweep")))
	texts := f.ad.textsTo(adminID)
	require.Len(t, texts, 2)
	assert.Contains(t, texts[0], "Membership sweep finished")
	assert.Contains(t, texts[1], "Sweep started")

	require.NoError(t, f.h.stats(ctx, f.command(adminID, "/stats")))
	m, _ := f.ad.lastTo(adminID)
	assert.Contains(t, m.text, "Stats")
}

func TestHumanDuration(t *testing.T) {
	cases := map[time.Duration]string{
		10 * time.Second:                "under a minute",
		45 * time.Minute:                "45m",
		2 * time.Hour:                   "2h",
		23*time.Hour + 59*time.Minute:   "23h 59m",
		24*time.Hour - 20*time.Second:   "24h",
		90*time.Minute + 29*time.Second: "1h 30m",
	}
	for d, want := range cases {
		assert.Equal(t, want, humanDuration(d), d.String())
	}
}

func TestValidateConfig(t *testing.T) {
	cfg := &config.Config{}
	assert.NoError(t, validateConfig(context.Background(), cfg))

	cfg.Gate.Sweep = config.SweepConfig{Enabled: true, Schedule: "10:75"}
	assert.Error(t, validateConfig(context.Background(), cfg))

	cfg.Gate.Sweep.Schedule = "@every 6h"
	assert.NoError(t, validateConfig(context.Background(), cfg))

	cfg.Verification.Callback = config.CallbackConfig{Enabled: true}
	assert.Error(t, validateConfig(context.Background(), cfg))

	cfg.Verification.Callback.PublicURL = "https://bot.example.com/verify"
	assert.NoError(t, validateConfig(context.Background(), cfg))
}
