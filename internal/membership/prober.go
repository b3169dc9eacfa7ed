package membership

import (
	"context"
	"time"

	"github.com/sourcegraph/conc/pool"

	logx "gatebot/pkg/logx"
)

type ProberOptions struct {
	Timeout     time.Duration // per lookup; 0 means 5s
	Concurrency int           // 0 means 4
}

// Prober checks a user against the configured channels. It has no side
// effects besides the outbound lookups.
type Prober struct {
	gw       Gateway
	channels []Channel
	timeout  time.Duration
	workers  int
	log      logx.Logger
	now      func() time.Time
}

func NewProber(gw Gateway, channels []Channel, opt ProberOptions, log logx.Logger) *Prober {
	if opt.Timeout <= 0 {
		opt.Timeout = 5 * time.Second
	}
	if opt.Concurrency <= 0 {
		opt.Concurrency = 4
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Prober{
		gw:       gw,
		channels: append([]Channel(nil), channels...),
		timeout:  opt.Timeout,
		workers:  opt.Concurrency,
		log:      log,
		now:      time.Now,
	}
}

// Channels returns a copy of the required channels.
func (p *Prober) Channels() []Channel {
	return append([]Channel(nil), p.channels...)
}

// Probe queries every channel once. Failed lookups are fail-closed and
// never retried here.
func (p *Prober) Probe(ctx context.Context, userID int64) Result {
	res := Result{
		UserID:   userID,
		Channels: make([]ChannelResult, len(p.channels)),
	}

	wp := pool.New().WithMaxGoroutines(p.workers)
	for i, ch := range p.channels {
		wp.Go(func() {
			res.Channels[i] = p.probeOne(ctx, ch, userID)
		})
	}
	wp.Wait()
	res.CheckedAt = p.now()

	if n := res.Failed(); n > 0 {
		p.log.Warn("membership probe had failures",
			logx.UserID(userID),
			logx.Int("failed", n),
			logx.Int("channels", len(res.Channels)),
		)
	}
	return res
}

func (p *Prober) probeOne(ctx context.Context, ch Channel, userID int64) ChannelResult {
	out := ChannelResult{Channel: ch}
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	st, err := p.gw.ChatMember(cctx, ch.ID, userID)
	switch {
	case err != nil:
		out.Outcome = OutcomeFailed
		out.Err = err
		p.log.Debug("chat member lookup failed",
			logx.String("channel", ch.ID), logx.UserID(userID), logx.Err(err))
	case st.Joined():
		out.Outcome = OutcomeMember
	default:
		out.Outcome = OutcomeNotMember
	}
	out.Status = st
	return out
}
