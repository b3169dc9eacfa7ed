// Package gate combines membership and verification into one access
// decision, and keeps stored membership from going stale with a sweep.
package gate

import (
	"context"
	"fmt"
	"strconv"

	"golang.org/x/sync/singleflight"

	"gatebot/internal/membership"
	"gatebot/internal/storage"
	"gatebot/internal/verification"
	logx "gatebot/pkg/logx"
)

type Kind int

const (
	Allow Kind = iota
	DenyWithChannels
	DenyNeedsVerification
)

func (k Kind) String() string {
	switch k {
	case Allow:
		return "allow"
	case DenyWithChannels:
		return "deny_channels"
	case DenyNeedsVerification:
		return "deny_verification"
	}
	return "unknown"
}

// Decision is the outcome of one authorization.
type Decision struct {
	Kind Kind

	// Channels lists the unjoined channels for DenyWithChannels.
	Channels []membership.Channel
	// Joined/Total describe the membership stage when it was probed.
	Joined, Total int

	// Link is the ad-gated verification link for DenyNeedsVerification.
	// When it could not be built LinkErr is set instead.
	Link    string
	LinkErr error

	Admin bool
}

// Identity is who is asking.
type Identity struct {
	UserID    int64
	Username  string
	FirstName string
	LastName  string
}

func (id Identity) profile() storage.Profile {
	return storage.Profile{UserID: id.UserID, Username: id.Username, FirstName: id.FirstName, LastName: id.LastName}
}

// Store is the part of the user store the gate needs directly.
type Store interface {
	EnsureUser(ctx context.Context, p storage.Profile) (storage.User, error)
}

// Linker builds the ad-gated verification link.
type Linker interface {
	Link(ctx context.Context, userID int64, token string) (string, error)
}

type Gate struct {
	store  Store
	prober *membership.Prober
	cache  *membership.Cache
	ledger *verification.Ledger
	linker Linker
	admins *AdminSet
	log    logx.Logger

	probes singleflight.Group
}

type Deps struct {
	Store  Store
	Prober *membership.Prober
	Cache  *membership.Cache
	Ledger *verification.Ledger
	Linker Linker
	Admins *AdminSet
}

func New(d Deps, log logx.Logger) *Gate {
	if log.IsZero() {
		log = logx.Nop()
	}
	if d.Admins == nil {
		d.Admins = NewAdminSet(nil)
	}
	return &Gate{
		store:  d.Store,
		prober: d.Prober,
		cache:  d.Cache,
		ledger: d.Ledger,
		linker: d.Linker,
		admins: d.Admins,
		log:    log,
	}
}

func (g *Gate) Admins() *AdminSet { return g.admins }

// Authorize decides whether id may use a protected operation. Storage
// failures are returned as errors; everything else is a Decision.
func (g *Gate) Authorize(ctx context.Context, id Identity) (Decision, error) {
	return g.authorize(ctx, id, false)
}

// Recheck is Authorize with the membership cache bypassed. It backs the
// "I've joined" button.
func (g *Gate) Recheck(ctx context.Context, id Identity) (Decision, error) {
	return g.authorize(ctx, id, true)
}

func (g *Gate) authorize(ctx context.Context, id Identity, force bool) (Decision, error) {
	if g.admins.Has(id.UserID) {
		return Decision{Kind: Allow, Admin: true}, nil
	}
	if _, err := g.store.EnsureUser(ctx, id.profile()); err != nil {
		return Decision{}, fmt.Errorf("ensure user: %w", err)
	}

	d := Decision{Kind: Allow}
	fresh := false
	if !force {
		var err error
		fresh, err = g.cache.IsMemberCached(ctx, id.UserID)
		if err != nil {
			return Decision{}, fmt.Errorf("membership cache: %w", err)
		}
	}
	if !fresh {
		res, err := g.Probe(ctx, id.UserID)
		if err != nil {
			return Decision{}, err
		}
		d.Joined, d.Total = res.JoinedCount(), len(res.Channels)
		if !res.MemberOfAll() {
			d.Kind = DenyWithChannels
			d.Channels = res.Unjoined()
			return d, nil
		}
	}

	st, err := g.ledger.Status(ctx, id.UserID)
	if err != nil {
		return Decision{}, fmt.Errorf("verification status: %w", err)
	}
	if st.Verified {
		return d, nil
	}

	tok, err := g.ledger.Issue(ctx, id.UserID)
	if err != nil {
		return Decision{}, fmt.Errorf("issue token: %w", err)
	}
	d.Kind = DenyNeedsVerification
	d.Link, d.LinkErr = g.linker.Link(ctx, id.UserID, tok)
	if d.LinkErr != nil {
		g.log.Warn("verification link unavailable", logx.UserID(id.UserID), logx.Err(d.LinkErr))
	}
	return d, nil
}

// Probe runs a live membership check and persists it. Concurrent probes
// of the same user share one lookup. The shared lookup is detached from the
// caller that started it and is bounded by the prober's own timeouts, so one
// caller giving up cannot fail the others.
func (g *Gate) Probe(ctx context.Context, userID int64) (membership.Result, error) {
	pctx := context.WithoutCancel(ctx)
	ch := g.probes.DoChan(strconv.FormatInt(userID, 10), func() (any, error) {
		res := g.prober.Probe(pctx, userID)
		if err := g.cache.Refresh(pctx, res); err != nil {
			return res, fmt.Errorf("save membership: %w", err)
		}
		return res, nil
	})
	select {
	case r := <-ch:
		if r.Shared {
			g.log.Trace("membership probe shared", logx.UserID(userID))
		}
		res, _ := r.Val.(membership.Result)
		return res, r.Err
	case <-ctx.Done():
		return membership.Result{}, ctx.Err()
	}
}

// Report is what /status shows.
type Report struct {
	Admin        bool
	Membership   membership.Result
	Verification verification.Status
}

// Inspect probes membership live and reads verification status without
// issuing a token.
func (g *Gate) Inspect(ctx context.Context, id Identity) (Report, error) {
	if g.admins.Has(id.UserID) {
		return Report{Admin: true, Verification: verification.Status{Verified: true, Admin: true}}, nil
	}
	if _, err := g.store.EnsureUser(ctx, id.profile()); err != nil {
		return Report{}, fmt.Errorf("ensure user: %w", err)
	}
	res, err := g.Probe(ctx, id.UserID)
	if err != nil {
		return Report{}, err
	}
	st, err := g.ledger.Status(ctx, id.UserID)
	if err != nil {
		return Report{}, fmt.Errorf("verification status: %w", err)
	}
	return Report{Membership: res, Verification: st}, nil
}

// StartVerification issues a fresh token and returns a
// DenyNeedsVerification decision carrying its link. It backs /verify and the
// verify button. Only storage failures are returned as errors.
func (g *Gate) StartVerification(ctx context.Context, id Identity) (Decision, error) {
	if _, err := g.store.EnsureUser(ctx, id.profile()); err != nil {
		return Decision{}, fmt.Errorf("ensure user: %w", err)
	}
	tok, err := g.ledger.Issue(ctx, id.UserID)
	if err != nil {
		return Decision{}, fmt.Errorf("issue token: %w", err)
	}
	d := Decision{Kind: DenyNeedsVerification}
	d.Link, d.LinkErr = g.linker.Link(ctx, id.UserID, tok)
	if d.LinkErr != nil {
		g.log.Warn("verification link unavailable", logx.UserID(id.UserID), logx.Err(d.LinkErr))
	}
	return d, nil
}
