package membership

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatebot/internal/storage"
	"gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

type fakeGateway struct {
	mu     sync.Mutex
	status map[string]transport.MemberStatus
	errs   map[string]error
	block  map[string]bool
	calls  int
}

func (g *fakeGateway) ChatMember(ctx context.Context, chat string, _ int64) (transport.MemberStatus, error) {
	g.mu.Lock()
	g.calls++
	st, err, block := g.status[chat], g.errs[chat], g.block[chat]
	g.mu.Unlock()
	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return st, err
}

func (g *fakeGateway) set(chat string, st transport.MemberStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status[chat] = st
}

var twoChannels = []Channel{
	{ID: "@movies", Name: "Movies", InviteURL: "https://t.me/movies"},
	{ID: "-1001", Name: "Backup", InviteURL: "https://t.me/+backup"},
}

func TestProbeKeepsOrderAndFailsClosed(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{
		status: map[string]transport.MemberStatus{"@movies": transport.StatusAdministrator},
		errs:   map[string]error{"-1001": errors.New("bad request: chat not found")},
	}
	p := NewProber(gw, twoChannels, ProberOptions{}, logx.Nop())

	res := p.Probe(context.Background(), 7)
	require.Len(t, res.Channels, 2)
	assert.Equal(t, "@movies", res.Channels[0].Channel.ID)
	assert.Equal(t, OutcomeMember, res.Channels[0].Outcome)
	assert.Equal(t, OutcomeFailed, res.Channels[1].Outcome)
	assert.Error(t, res.Channels[1].Err)
	assert.False(t, res.MemberOfAll())
	assert.Equal(t, []Channel{twoChannels[1]}, res.Unjoined())
	assert.Equal(t, 1, res.JoinedCount())
	assert.Equal(t, 2, gw.calls, "no retries")
}

func TestProbeTimeoutIsNotMember(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{
		status: map[string]transport.MemberStatus{"@movies": transport.StatusMember},
		block:  map[string]bool{"-1001": true},
	}
	p := NewProber(gw, twoChannels, ProberOptions{Timeout: 20 * time.Millisecond}, logx.Nop())

	res := p.Probe(context.Background(), 1)
	assert.Equal(t, OutcomeFailed, res.Channels[1].Outcome)
	assert.ErrorIs(t, res.Channels[1].Err, context.DeadlineExceeded)
	assert.False(t, res.MemberOfAll())
}

func TestStatusClassification(t *testing.T) {
	t.Parallel()
	cases := map[transport.MemberStatus]Outcome{
		transport.StatusCreator:       OutcomeMember,
		transport.StatusAdministrator: OutcomeMember,
		transport.StatusMember:        OutcomeMember,
		transport.StatusRestricted:    OutcomeNotMember,
		transport.StatusLeft:          OutcomeNotMember,
		transport.StatusKicked:        OutcomeNotMember,
	}
	for st, want := range cases {
		gw := &fakeGateway{status: map[string]transport.MemberStatus{"@a": st}}
		p := NewProber(gw, []Channel{{ID: "@a"}}, ProberOptions{}, logx.Nop())
		assert.Equal(t, want, p.Probe(context.Background(), 1).Channels[0].Outcome, string(st))
	}
}

func TestNoChannelsIsMemberOfAll(t *testing.T) {
	t.Parallel()
	p := NewProber(&fakeGateway{}, nil, ProberOptions{}, logx.Nop())
	assert.True(t, p.Probe(context.Background(), 1).MemberOfAll())
}

func openStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "m.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestCacheRefreshThenFresh(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openStore(t)
	c := NewCache(st, 30*time.Minute)

	now := time.Now()
	c.now = func() time.Time { return now }

	ok, err := c.IsMemberCached(ctx, 5)
	require.NoError(t, err)
	assert.False(t, ok, "missing record is a miss")

	require.NoError(t, c.Refresh(ctx, Result{UserID: 5, CheckedAt: now}))
	ok, err = c.IsMemberCached(ctx, 5)
	require.NoError(t, err)
	assert.True(t, ok)

	c.now = func() time.Time { return now.Add(31 * time.Minute) }
	ok, err = c.IsMemberCached(ctx, 5)
	require.NoError(t, err)
	assert.False(t, ok, "stale entry")
}

func TestCacheRefreshPersistsFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openStore(t)
	c := NewCache(st, time.Hour)

	now := time.Now().Truncate(time.Millisecond)
	r := Result{
		UserID:    9,
		CheckedAt: now,
		Channels:  []ChannelResult{{Channel: twoChannels[0], Outcome: OutcomeFailed, Err: errors.New("timeout")}},
	}
	require.NoError(t, c.Refresh(ctx, r))

	u, err := st.GetUser(ctx, 9)
	require.NoError(t, err)
	assert.False(t, u.IsMember)
	assert.Equal(t, now, u.LastChecked)

	ok, err := c.IsMemberCached(ctx, 9)
	require.NoError(t, err)
	assert.False(t, ok)
}
