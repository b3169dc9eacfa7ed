package gate

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatebot/internal/eventbus"
	"gatebot/internal/membership"
	"gatebot/internal/storage"
	"gatebot/internal/transport"
	"gatebot/internal/verification"
	logx "gatebot/pkg/logx"
)

type fakeGateway struct {
	mu     sync.Mutex
	joined map[string]map[int64]bool
	calls  int
	delay  time.Duration
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{joined: map[string]map[int64]bool{}}
}

func (g *fakeGateway) join(chat string, uid int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.joined[chat] == nil {
		g.joined[chat] = map[int64]bool{}
	}
	g.joined[chat][uid] = true
}

func (g *fakeGateway) ChatMember(ctx context.Context, chat string, uid int64) (transport.MemberStatus, error) {
	g.mu.Lock()
	delay := g.delay
	g.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.joined[chat][uid] {
		return transport.StatusMember, nil
	}
	return transport.StatusLeft, nil
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fakeLinker struct {
	mu    sync.Mutex
	token string
	err   error
}

func (l *fakeLinker) Link(_ context.Context, _ int64, token string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.token = token
	if l.err != nil {
		return "", l.err
	}
	return "https://short/" + token, nil
}

var channels = []membership.Channel{
	{ID: "@a", Name: "A", InviteURL: "https://t.me/a"},
	{ID: "@b", Name: "B", InviteURL: "https://t.me/b"},
}

type fixture struct {
	gate   *Gate
	gw     *fakeGateway
	linker *fakeLinker
	ledger *verification.Ledger
	store  storage.Store
}

func newFixture(t *testing.T, admins ...int64) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "g.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	gw := newFakeGateway()
	set := NewAdminSet(admins)
	ledger := verification.NewLedger(st, verification.LedgerOptions{IsAdmin: set.Has}, logx.Nop())
	linker := &fakeLinker{}
	g := New(Deps{
		Store:  st,
		Prober: membership.NewProber(gw, channels, membership.ProberOptions{}, logx.Nop()),
		Cache:  membership.NewCache(st, 30*time.Minute),
		Ledger: ledger,
		Linker: linker,
		Admins: set,
	}, logx.Nop())
	return &fixture{gate: g, gw: gw, linker: linker, ledger: ledger, store: st}
}

func TestJoinThenVerifyScenario(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	id := Identity{UserID: 100, Username: "u"}

	d, err := f.gate.Authorize(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, DenyWithChannels, d.Kind)
	assert.Equal(t, channels, d.Channels)
	assert.Equal(t, 0, d.Joined)

	f.gw.join("@a", 100)
	d, err = f.gate.Recheck(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, DenyWithChannels, d.Kind)
	assert.Equal(t, []membership.Channel{channels[1]}, d.Channels)
	assert.Equal(t, 1, d.Joined)

	f.gw.join("@b", 100)
	d, err = f.gate.Recheck(ctx, id)
	require.NoError(t, err)
	require.Equal(t, DenyNeedsVerification, d.Kind)
	assert.Equal(t, 2, d.Joined)
	require.NotEmpty(t, d.Link)

	red, err := f.ledger.Redeem(ctx, 100, f.linker.token)
	require.NoError(t, err)
	require.True(t, red.OK)

	st, err := f.ledger.Status(ctx, 100)
	require.NoError(t, err)
	assert.True(t, st.Verified)
	assert.InDelta(t, (24 * time.Hour).Seconds(), st.Remaining.Seconds(), 5)

	calls := f.gw.callCount()
	d, err = f.gate.Authorize(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, Allow, d.Kind)
	assert.Equal(t, calls, f.gw.callCount(), "fresh cache skips the probe")
}

func TestAdminsBypassBothStages(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	d, err := f.gate.Authorize(context.Background(), Identity{UserID: 1})
	require.NoError(t, err)
	assert.Equal(t, Allow, d.Kind)
	assert.True(t, d.Admin)
	assert.Zero(t, f.gw.callCount())

	f.gate.Admins().Set(nil)
	d, err = f.gate.Authorize(context.Background(), Identity{UserID: 1})
	require.NoError(t, err)
	assert.Equal(t, DenyWithChannels, d.Kind)
}

func TestLinkFailureIsTryLater(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.gw.join("@a", 5)
	f.gw.join("@b", 5)
	f.linker.err = verification.ErrNotConfigured

	d, err := f.gate.Authorize(context.Background(), Identity{UserID: 5})
	require.NoError(t, err)
	assert.Equal(t, DenyNeedsVerification, d.Kind)
	assert.Empty(t, d.Link)
	assert.ErrorIs(t, d.LinkErr, verification.ErrNotConfigured)
}

func TestInspectDoesNotIssueToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.gw.join("@a", 6)

	rep, err := f.gate.Inspect(ctx, Identity{UserID: 6})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Membership.JoinedCount())
	assert.False(t, rep.Verification.Verified)

	u, err := f.store.GetUser(ctx, 6)
	require.NoError(t, err)
	assert.Empty(t, u.Token)
}

func TestSweepReprobesStaleNonAdmins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 3)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(2)
	defer unsub()

	now := time.Now()
	for _, uid := range []int64{1, 2, 3, 4} {
		_, err := f.store.EnsureUser(ctx, storage.Profile{UserID: uid})
		require.NoError(t, err)
	}
	require.NoError(t, f.store.SaveMembership(ctx, 2, true, now))
	require.NoError(t, f.store.SaveMembership(ctx, 4, true, now.Add(-48*time.Hour)))
	f.gw.join("@a", 1)
	f.gw.join("@b", 1)

	sw := NewSweeper(f.gate, f.store, bus, SweepOptions{Delay: time.Millisecond, Batch: 2}, logx.Nop())
	rep, err := sw.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Checked, "users 1 and 4")
	assert.Equal(t, 1, rep.Members)
	assert.Equal(t, 1, rep.NotMembers)
	assert.Equal(t, 1, rep.Admins)

	u, err := f.store.GetUser(ctx, 4)
	require.NoError(t, err)
	assert.False(t, u.IsMember, "user who left loses membership")

	ev := <-events
	assert.Equal(t, eventbus.TypeSweepFinished, ev.Type)

	rep, err = sw.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Checked, "nothing stale anymore")
}

type blockingLister struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingLister) ListStale(ctx context.Context, _ time.Time, _ int64, _ int) ([]int64, error) {
	close(b.entered)
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return nil, nil
}

func TestSweepSkipsWhileRunning(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	bl := &blockingLister{entered: make(chan struct{}), release: make(chan struct{})}
	sw := NewSweeper(f.gate, bl, nil, SweepOptions{}, logx.Nop())

	done := make(chan error, 1)
	go func() {
		_, err := sw.Run(context.Background())
		done <- err
	}()
	<-bl.entered
	assert.True(t, sw.Running())

	_, err := sw.Run(context.Background())
	assert.True(t, errors.Is(err, ErrSweepRunning))

	close(bl.release)
	require.NoError(t, <-done)
	assert.False(t, sw.Running())
}

func TestStartVerificationIssuesFreshToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	id := Identity{UserID: 300, FirstName: "Zoe"}

	d, err := f.gate.StartVerification(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, DenyNeedsVerification, d.Kind)
	first := f.linker.token
	assert.Equal(t, "https://short/"+first, d.Link)

	d, err = f.gate.StartVerification(ctx, id)
	require.NoError(t, err)
	assert.NotEqual(t, first, f.linker.token)

	// The first token was replaced.
	red, err := f.ledger.Redeem(ctx, 300, first)
	require.NoError(t, err)
	assert.False(t, red.OK)

	f.linker.err = errors.New("shortener down")
	d, err = f.gate.StartVerification(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, DenyNeedsVerification, d.Kind)
	assert.Empty(t, d.Link)
	assert.Error(t, d.LinkErr)
}

func TestSharedProbeSurvivesFirstCallerCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.EnsureUser(ctx, storage.Profile{UserID: 400})
	require.NoError(t, err)
	f.gw.join("@a", 400)
	f.gw.join("@b", 400)
	f.gw.mu.Lock()
	f.gw.delay = 100 * time.Millisecond
	f.gw.mu.Unlock()

	firstCtx, cancel := context.WithCancel(ctx)
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.gate.Probe(firstCtx, 400)
		firstErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	second := make(chan membership.Result, 1)
	go func() {
		res, err := f.gate.Probe(ctx, 400)
		assert.NoError(t, err)
		second <- res
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-firstErr, context.Canceled)
	res := <-second
	assert.True(t, res.MemberOfAll())
	assert.Equal(t, len(channels), f.gw.callCount(), "one shared lookup per channel")

	u, err := f.store.GetUser(ctx, 400)
	require.NoError(t, err)
	assert.True(t, u.IsMember)
}
