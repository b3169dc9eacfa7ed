package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "gatebot/pkg/logx"
)

func openTestStore(t *testing.T) *sqliteStore {
	t.Helper()
	st, err := openSQLite(Config{Path: filepath.Join(t.TempDir(), "gatebot.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestEnsureUserCreatesThenRefreshesProfile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	_, err := st.GetUser(ctx, 42)
	require.ErrorIs(t, err, ErrNotFound)

	u, err := st.EnsureUser(ctx, Profile{UserID: 42, Username: "neo", FirstName: "Thomas"})
	require.NoError(t, err)
	assert.Equal(t, "neo", u.Username)
	assert.False(t, u.IsMember)
	assert.True(t, u.LastChecked.IsZero())

	u, err = st.EnsureUser(ctx, Profile{UserID: 42, Username: "the_one", FirstName: "Thomas"})
	require.NoError(t, err)
	assert.Equal(t, "the_one", u.Username)

	got, err := st.GetUser(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "the_one", got.Username)
}

func TestSaveMembershipLastWriterWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	t1 := time.UnixMilli(1_700_000_000_000)
	require.NoError(t, st.SaveMembership(ctx, 7, true, t1))
	require.NoError(t, st.SaveMembership(ctx, 7, false, t1.Add(time.Minute)))

	u, err := st.GetUser(ctx, 7)
	require.NoError(t, err)
	assert.False(t, u.IsMember)
	assert.Equal(t, t1.Add(time.Minute), u.LastChecked)
}

func TestCompleteVerificationIsSingleUseAndMonotonic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	now := time.UnixMilli(1_700_000_000_000)
	require.NoError(t, st.SaveToken(ctx, 9, "tok-1", now))

	ok, err := st.CompleteVerification(ctx, 9, "tok-1", now.Add(24*time.Hour), now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.CompleteVerification(ctx, 9, "tok-1", now.Add(48*time.Hour), now)
	require.NoError(t, err)
	assert.False(t, ok, "token must not redeem twice")

	require.NoError(t, st.SaveToken(ctx, 9, "tok-2", now))
	ok, err = st.CompleteVerification(ctx, 9, "tok-2", now.Add(time.Hour), now)
	require.NoError(t, err)
	require.True(t, ok)

	u, err := st.GetUser(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, now.Add(24*time.Hour), u.VerifiedUntil, "verified_until must not decrease")
	assert.Empty(t, u.Token)
	assert.True(t, u.TokenCreatedAt.IsZero())
}

func TestCompleteVerificationConcurrentRedeemOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	now := time.Now()
	require.NoError(t, st.SaveToken(ctx, 3, "race", now))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.CompleteVerification(ctx, 3, "race", now.Add(time.Hour), now)
			if err == nil && ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestListStalePagesByID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	now := time.UnixMilli(1_700_000_000_000)
	for id := int64(1); id <= 5; id++ {
		_, err := st.EnsureUser(ctx, Profile{UserID: id})
		require.NoError(t, err)
	}
	require.NoError(t, st.SaveMembership(ctx, 2, true, now))
	require.NoError(t, st.SaveMembership(ctx, 4, true, now.Add(-48*time.Hour)))

	cutoff := now.Add(-24 * time.Hour)
	page, err := st.ListStale(ctx, cutoff, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, page)

	page, err = st.ListStale(ctx, cutoff, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 5}, page)

	all, err := st.ListUserIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, all)
}

func TestCountStats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	now := time.Now()

	require.NoError(t, st.SaveMembership(ctx, 1, true, now))
	require.NoError(t, st.SaveMembership(ctx, 2, false, now))
	require.NoError(t, st.SaveToken(ctx, 1, "t", now))
	ok, err := st.CompleteVerification(ctx, 1, "t", now.Add(time.Hour), now)
	require.NoError(t, err)
	require.True(t, ok)

	stats, err := st.CountStats(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, Stats{Users: 2, Members: 1, Verified: 1}, stats)
}

func TestContentAndAudit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	_, err := st.GetContent(ctx, "m1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, st.PutContent(ctx, Content{Code: "m1", Title: "Heat", SourceChatID: -100, SourceMessageID: 5, CreatedBy: 1}))
	c, err := st.GetContent(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "Heat", c.Title)
	assert.Equal(t, 5, c.SourceMessageID)

	require.NoError(t, st.AppendAudit(ctx, AuditEntry{ActorID: 1, Action: "broadcast", OK: 3, Fail: 1}))
}

func TestIsBusy(t *testing.T) {
	t.Parallel()
	assert.True(t, isBusy(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.False(t, isBusy(errors.New("no such table")))
	assert.False(t, isBusy(nil))
}
