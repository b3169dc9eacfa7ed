package verification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatebot/internal/eventbus"
	"gatebot/internal/storage"
	logx "gatebot/pkg/logx"
)

func newLedger(t *testing.T, clock *time.Time) (*Ledger, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "v.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	l := NewLedger(st, LedgerOptions{IsAdmin: func(id int64) bool { return id == 1 }}, logx.Nop())
	l.now = func() time.Time { return *clock }
	return l, st
}

func TestTokenShape(t *testing.T) {
	t.Parallel()
	a, err := NewToken()
	require.NoError(t, err)
	b, err := NewToken()
	require.NoError(t, err)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}

func TestRedeemWindowEdges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for _, tc := range []struct {
		name string
		age  time.Duration
		ok   bool
	}{
		{"just inside", 3599 * time.Second, true},
		{"just outside", 3601 * time.Second, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			clock := time.UnixMilli(1_700_000_000_000)
			l, _ := newLedger(t, &clock)

			tok, err := l.Issue(ctx, 42)
			require.NoError(t, err)
			clock = clock.Add(tc.age)

			red, err := l.Redeem(ctx, 42, tok)
			require.NoError(t, err)
			assert.Equal(t, tc.ok, red.OK)
			if !tc.ok {
				assert.Equal(t, ReasonExpired, red.Reason)
			}
		})
	}
}

func TestRedeemIsSingleUseAndGrantsOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := time.UnixMilli(1_700_000_000_000)
	l, st := newLedger(t, &clock)

	tok, err := l.Issue(ctx, 42)
	require.NoError(t, err)

	red, err := l.Redeem(ctx, 42, tok)
	require.NoError(t, err)
	require.True(t, red.OK)
	assert.Equal(t, clock.Add(24*time.Hour), red.VerifiedUntil)

	clock = clock.Add(time.Minute)
	red, err = l.Redeem(ctx, 42, tok)
	require.NoError(t, err)
	assert.False(t, red.OK)
	assert.Equal(t, ReasonAbsent, red.Reason)

	u, err := st.GetUser(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, clock.Add(-time.Minute).Add(24*time.Hour), u.VerifiedUntil, "no double extension")
}

func TestRedeemReasonsLeaveStateUntouched(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := time.UnixMilli(1_700_000_000_000)
	l, st := newLedger(t, &clock)

	red, err := l.Redeem(ctx, 77, "nothing")
	require.NoError(t, err)
	assert.Equal(t, ReasonAbsent, red.Reason)

	tok, err := l.Issue(ctx, 77)
	require.NoError(t, err)
	red, err = l.Redeem(ctx, 77, tok+"x")
	require.NoError(t, err)
	assert.Equal(t, ReasonMismatch, red.Reason)

	u, err := st.GetUser(ctx, 77)
	require.NoError(t, err)
	assert.Equal(t, tok, u.Token)
	assert.True(t, u.VerifiedUntil.IsZero())
}

func TestIssueReplacesPreviousToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := time.UnixMilli(1_700_000_000_000)
	l, _ := newLedger(t, &clock)

	old, err := l.Issue(ctx, 5)
	require.NoError(t, err)
	cur, err := l.Issue(ctx, 5)
	require.NoError(t, err)

	red, err := l.Redeem(ctx, 5, old)
	require.NoError(t, err)
	assert.False(t, red.OK)
	red, err = l.Redeem(ctx, 5, cur)
	require.NoError(t, err)
	assert.True(t, red.OK)
}

func TestConcurrentRedeemSucceedsOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := time.Now()
	l, _ := newLedger(t, &clock)
	tok, err := l.Issue(ctx, 8)
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if red, err := l.Redeem(ctx, 8, tok); err == nil && red.OK {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := time.UnixMilli(1_700_000_000_000)
	l, _ := newLedger(t, &clock)

	s, err := l.Status(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, Status{Verified: true, Admin: true}, s)

	s, err = l.Status(ctx, 2)
	require.NoError(t, err)
	assert.False(t, s.Verified)

	tok, err := l.Issue(ctx, 2)
	require.NoError(t, err)
	_, err = l.Redeem(ctx, 2, tok)
	require.NoError(t, err)

	clock = clock.Add(time.Hour)
	s, err = l.Status(ctx, 2)
	require.NoError(t, err)
	assert.True(t, s.Verified)
	assert.Equal(t, 23*time.Hour, s.Remaining)

	clock = clock.Add(24 * time.Hour)
	s, err = l.Status(ctx, 2)
	require.NoError(t, err)
	assert.False(t, s.Verified)
}

func TestStartPayloadRoundTrip(t *testing.T) {
	t.Parallel()
	tok := "ab_cd-ef"
	p := StartPayload(123, tok)
	assert.Equal(t, "verify_ab_cd-ef_123", p)

	gotTok, uid, ok := ParseStartPayload(p)
	require.True(t, ok)
	assert.Equal(t, tok, gotTok)
	assert.Equal(t, int64(123), uid)

	for _, bad := range []string{"", "verify_", "verify_tok", "verify_tok_", "verify__5", "hello_1", "verify_tok_x"} {
		_, _, ok := ParseStartPayload(bad)
		assert.False(t, ok, bad)
	}
}

func TestLinkerDestination(t *testing.T) {
	t.Parallel()
	d, err := NewLinker("@GateBot", "", nil).Destination(9, "tok")
	require.NoError(t, err)
	assert.Equal(t, "https://t.me/GateBot?start=verify_tok_9", d)

	d, err = NewLinker("GateBot", "https://gate.example.com/", nil).Destination(9, "tok")
	require.NoError(t, err)
	assert.Equal(t, "https://gate.example.com/verify?token=tok&user_id=9", d)

	_, err = NewLinker("", "", nil).Destination(9, "tok")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestAdGateShorten(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.Equal(t, "k", r.URL.Query().Get("api"))
		assert.Equal(t, "https://t.me/b?start=x", r.URL.Query().Get("url"))
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "success", "shortenedUrl": "https://short/abc"})
	}))
	defer srv.Close()

	c := NewAdGateClient(AdGateOptions{Endpoint: srv.URL, APIKey: "k", Retries: 2}, logx.Nop())
	c.initialInterval = time.Millisecond
	link, err := c.Shorten(context.Background(), "https://t.me/b?start=x")
	require.NoError(t, err)
	assert.Equal(t, "https://short/abc", link)
	assert.Equal(t, int32(2), calls.Load())
}

func TestAdGateErrors(t *testing.T) {
	t.Parallel()
	_, err := NewAdGateClient(AdGateOptions{Endpoint: "https://x"}, logx.Nop()).Shorten(context.Background(), "d")
	assert.ErrorIs(t, err, ErrNotConfigured)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"status":"error","message":"invalid api key"}`))
	}))
	defer srv.Close()

	c := NewAdGateClient(AdGateOptions{Endpoint: srv.URL, APIKey: "k", Retries: 3}, logx.Nop())
	c.initialInterval = time.Millisecond
	_, err = c.Shorten(context.Background(), "d")
	assert.ErrorIs(t, err, ErrProvider)
	assert.Equal(t, int32(1), calls.Load(), "provider rejection is not retried")
}

type stubRedeemer struct {
	red Redemption
	err error
}

func (s stubRedeemer) Redeem(context.Context, int64, string) (Redemption, error) { return s.red, s.err }

func TestServerVerify(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	until := time.Now().Add(24 * time.Hour)
	s := NewServer(stubRedeemer{red: Redemption{OK: true, VerifiedUntil: until}}, bus, ServerOptions{RatePerSec: 100, Burst: 100}, logx.Nop())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/verify?user_id=5&token=t", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	select {
	case ev := <-events:
		assert.Equal(t, eventbus.TypeVerificationRedeemed, ev.Type)
		assert.Equal(t, eventbus.VerificationRedeemed{UserID: 5, Until: until}, ev.Data)
	default:
		t.Fatal("no redeemed event")
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/verify?user_id=abc&token=t", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServerDeniesUniformly(t *testing.T) {
	t.Parallel()
	for _, r := range []Reason{ReasonAbsent, ReasonMismatch, ReasonExpired} {
		s := NewServer(stubRedeemer{red: Redemption{Reason: r}}, nil, ServerOptions{RatePerSec: 100, Burst: 100}, logx.Nop())
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/verify?user_id=5&token=t", nil))
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, pageDenied, strings.TrimSpace(rec.Body.String()))
	}
}

func TestServerRateLimitsPerIP(t *testing.T) {
	t.Parallel()
	s := NewServer(stubRedeemer{red: Redemption{Reason: ReasonAbsent}}, nil, ServerOptions{RatePerSec: 0.001, Burst: 2}, logx.Nop())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/verify?user_id=5&token=t", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusForbidden, http.StatusForbidden, http.StatusTooManyRequests}, codes)

	req := httptest.NewRequest(http.MethodGet, "/verify?user_id=5&token=t", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestServerIgnoresForwardedForUnlessTrusted(t *testing.T) {
	t.Parallel()
	hit := func(s *Server, forwarded string) int {
		req := httptest.NewRequest(http.MethodGet, "/verify?user_id=5&token=t", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		req.Header.Set("X-Forwarded-For", forwarded)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		return rec.Code
	}
	opt := ServerOptions{RatePerSec: 0.001, Burst: 1}

	direct := NewServer(stubRedeemer{red: Redemption{Reason: ReasonAbsent}}, nil, opt, logx.Nop())
	assert.Equal(t, http.StatusForbidden, hit(direct, "1.1.1.1"))
	assert.Equal(t, http.StatusTooManyRequests, hit(direct, "2.2.2.2"), "rotating the header must not reset the limit")

	opt.TrustProxy = true
	proxied := NewServer(stubRedeemer{red: Redemption{Reason: ReasonAbsent}}, nil, opt, logx.Nop())
	assert.Equal(t, http.StatusForbidden, hit(proxied, "1.1.1.1"))
	assert.Equal(t, http.StatusForbidden, hit(proxied, "2.2.2.2"))
	assert.Equal(t, http.StatusTooManyRequests, hit(proxied, "2.2.2.2"))
}
