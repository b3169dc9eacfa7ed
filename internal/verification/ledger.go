// Package verification owns the time-boxed verification step: token issue
// and redemption, the verified-until grant, the ad-gate link and the
// optional HTTP callback that redeems tokens.
package verification

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"gatebot/internal/storage"
	logx "gatebot/pkg/logx"
)

// TokenBytes is the entropy of a verification token.
const TokenBytes = 24

// Store is the part of the user store the ledger needs.
type Store interface {
	GetUser(ctx context.Context, userID int64) (storage.User, error)
	SaveToken(ctx context.Context, userID int64, token string, at time.Time) error
	CompleteVerification(ctx context.Context, userID int64, token string, until, now time.Time) (bool, error)
}

// Reason explains a failed redemption. It is logged, never shown to users.
type Reason string

const (
	ReasonNone     Reason = ""
	ReasonAbsent   Reason = "absent"
	ReasonMismatch Reason = "mismatch"
	ReasonExpired  Reason = "expired"
)

type Redemption struct {
	OK            bool
	Reason        Reason
	VerifiedUntil time.Time
}

type Status struct {
	Verified  bool
	Admin     bool
	Until     time.Time
	Remaining time.Duration
}

type LedgerOptions struct {
	RedeemWindow time.Duration // 0 means 1h
	GrantWindow  time.Duration // 0 means 24h
	IsAdmin      func(userID int64) bool
}

type Ledger struct {
	store   Store
	redeem  time.Duration
	grant   time.Duration
	isAdmin func(int64) bool
	log     logx.Logger
	now     func() time.Time
}

func NewLedger(store Store, opt LedgerOptions, log logx.Logger) *Ledger {
	if opt.RedeemWindow <= 0 {
		opt.RedeemWindow = time.Hour
	}
	if opt.GrantWindow <= 0 {
		opt.GrantWindow = 24 * time.Hour
	}
	if opt.IsAdmin == nil {
		opt.IsAdmin = func(int64) bool { return false }
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ledger{
		store:   store,
		redeem:  opt.RedeemWindow,
		grant:   opt.GrantWindow,
		isAdmin: opt.IsAdmin,
		log:     log,
		now:     time.Now,
	}
}

func (l *Ledger) GrantWindow() time.Duration { return l.grant }

// NewToken returns a URL-safe random token.
func NewToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("token entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Issue stores a fresh token for userID, replacing any previous one, and
// creates the user record when absent.
func (l *Ledger) Issue(ctx context.Context, userID int64) (string, error) {
	tok, err := NewToken()
	if err != nil {
		return "", err
	}
	if err := l.store.SaveToken(ctx, userID, tok, l.now()); err != nil {
		return "", fmt.Errorf("save token: %w", err)
	}
	l.log.Debug("verification token issued", logx.UserID(userID))
	return tok, nil
}

// Redeem consumes token for userID. A failed redemption changes nothing.
func (l *Ledger) Redeem(ctx context.Context, userID int64, token string) (Redemption, error) {
	u, err := l.store.GetUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return l.deny(userID, ReasonAbsent), nil
	}
	if err != nil {
		return Redemption{}, err
	}
	if u.Token == "" || u.TokenCreatedAt.IsZero() {
		return l.deny(userID, ReasonAbsent), nil
	}
	if subtle.ConstantTimeCompare([]byte(u.Token), []byte(token)) != 1 {
		return l.deny(userID, ReasonMismatch), nil
	}
	now := l.now()
	if now.Sub(u.TokenCreatedAt) > l.redeem {
		return l.deny(userID, ReasonExpired), nil
	}

	until := now.Add(l.grant)
	ok, err := l.store.CompleteVerification(ctx, userID, u.Token, until, now)
	if err != nil {
		return Redemption{}, fmt.Errorf("complete verification: %w", err)
	}
	if !ok {
		// Consumed by a concurrent redemption.
		return l.deny(userID, ReasonAbsent), nil
	}
	if u.VerifiedUntil.After(until) {
		until = u.VerifiedUntil
	}
	l.log.Info("verification redeemed", logx.UserID(userID), logx.Time("until", until))
	return Redemption{OK: true, VerifiedUntil: until}, nil
}

func (l *Ledger) deny(userID int64, r Reason) Redemption {
	l.log.Info("verification denied", logx.UserID(userID), logx.String("reason", string(r)))
	return Redemption{Reason: r}
}

// Status is a pure read. Admins are always verified without touching storage.
func (l *Ledger) Status(ctx context.Context, userID int64) (Status, error) {
	if l.isAdmin(userID) {
		return Status{Verified: true, Admin: true}, nil
	}
	u, err := l.store.GetUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, err
	}
	now := l.now()
	if u.VerifiedUntil.IsZero() || !u.VerifiedUntil.After(now) {
		return Status{Until: u.VerifiedUntil}, nil
	}
	return Status{Verified: true, Until: u.VerifiedUntil, Remaining: u.VerifiedUntil.Sub(now)}, nil
}
