package verification

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"gatebot/internal/eventbus"
	logx "gatebot/pkg/logx"
)

// Redeemer is what the callback server needs from the ledger.
type Redeemer interface {
	Redeem(ctx context.Context, userID int64, token string) (Redemption, error)
}

type ServerOptions struct {
	Addr       string
	RatePerSec float64 // per client IP; 0 means 1
	Burst      int     // 0 means 5
	// TrustProxy takes the client IP from X-Forwarded-For / X-Real-IP.
	// Enable it only behind a reverse proxy that sets those headers.
	TrustProxy bool
}

// Server is the HTTP endpoint the ad-gate destination points at when a
// public URL is configured.
type Server struct {
	ledger Redeemer
	bus    eventbus.Bus
	log    logx.Logger
	addr   string
	router chi.Router
}

func NewServer(ledger Redeemer, bus eventbus.Bus, opt ServerOptions, log logx.Logger) *Server {
	if opt.RatePerSec <= 0 {
		opt.RatePerSec = 1
	}
	if opt.Burst <= 0 {
		opt.Burst = 5
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{ledger: ledger, bus: bus, log: log, addr: opt.Addr}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	if opt.TrustProxy {
		r.Use(chimiddleware.RealIP)
	}
	r.Use(chimiddleware.Recoverer)
	r.Use(s.accessLog)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.With(newIPLimiter(rate.Limit(opt.RatePerSec), opt.Burst).limit).Get("/verify", s.handleVerify)
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is done, then shuts down with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("verification callback listening", logx.String("addr", s.addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
		<-errCh
		return nil
	}
}

const (
	pageVerified = "Verification complete. You can return to the bot."
	pageDenied   = "This verification link is invalid or has expired. Request a new one in the bot."
	pageRetry    = "Something went wrong. Please try again later."
)

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	uid, err := strconv.ParseInt(q.Get("user_id"), 10, 64)
	token := q.Get("token")
	if err != nil || uid <= 0 || token == "" {
		writeText(w, http.StatusBadRequest, pageDenied)
		return
	}

	red, err := s.ledger.Redeem(r.Context(), uid, token)
	if err != nil {
		s.log.Error("callback redeem failed", logx.UserID(uid), logx.Err(err))
		writeText(w, http.StatusInternalServerError, pageRetry)
		return
	}
	if !red.OK {
		writeText(w, http.StatusForbidden, pageDenied)
		return
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type: eventbus.TypeVerificationRedeemed,
			Data: eventbus.VerificationRedeemed{UserID: uid, Until: red.VerifiedUntil},
		})
	}
	writeText(w, http.StatusOK, pageVerified)
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("req_id", chimiddleware.GetReqID(r.Context())),
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
		)
	})
}

type ipEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// ipLimiter is a per-client token bucket. Entries idle for ten minutes are
// pruned on access.
type ipLimiter struct {
	mu        sync.Mutex
	entries   map[string]*ipEntry
	r         rate.Limit
	burst     int
	lastPrune time.Time
}

func newIPLimiter(r rate.Limit, burst int) *ipLimiter {
	return &ipLimiter{entries: map[string]*ipEntry{}, r: r, burst: burst, lastPrune: time.Now()}
}

func (l *ipLimiter) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if now.Sub(l.lastPrune) > 5*time.Minute {
		for k, e := range l.entries {
			if now.Sub(e.lastSeen) > 10*time.Minute {
				delete(l.entries, k)
			}
		}
		l.lastPrune = now
	}
	e, ok := l.entries[ip]
	if !ok {
		e = &ipEntry{lim: rate.NewLimiter(l.r, l.burst)}
		l.entries[ip] = e
	}
	e.lastSeen = now
	return e.lim
}

func (l *ipLimiter) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		if !l.get(ip).Allow() {
			writeText(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
