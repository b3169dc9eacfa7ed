package gate

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"gatebot/internal/eventbus"
	logx "gatebot/pkg/logx"
)

var ErrSweepRunning = errors.New("gate: sweep already running")

// StaleLister pages users whose membership check is older than a cutoff.
type StaleLister interface {
	ListStale(ctx context.Context, before time.Time, afterID int64, limit int) ([]int64, error)
}

type SweepOptions struct {
	Staleness time.Duration // 0 means 24h
	Delay     time.Duration // between probes; 0 means 50ms
	Batch     int           // 0 means 200
	LogEvery  int           // 0 means 20
}

type SweepReport struct {
	Checked    int
	Members    int
	NotMembers int
	// Degraded counts users whose probe had at least one failed lookup.
	Degraded int
	Admins   int
	Took     time.Duration
}

// Sweeper re-probes users whose stored membership has gone stale so that
// users who left a channel lose access without asking again.
type Sweeper struct {
	gate   *Gate
	store  StaleLister
	bus    eventbus.Bus
	opt    SweepOptions
	log    logx.Logger
	now    func() time.Time
	active atomic.Bool
}

func NewSweeper(g *Gate, store StaleLister, bus eventbus.Bus, opt SweepOptions, log logx.Logger) *Sweeper {
	if opt.Staleness <= 0 {
		opt.Staleness = 24 * time.Hour
	}
	if opt.Delay <= 0 {
		opt.Delay = 50 * time.Millisecond
	}
	if opt.Batch <= 0 {
		opt.Batch = 200
	}
	if opt.LogEvery <= 0 {
		opt.LogEvery = 20
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sweeper{gate: g, store: store, bus: bus, opt: opt, log: log, now: time.Now}
}

func (s *Sweeper) Running() bool { return s.active.Load() }

// Run performs one sweep. It returns ErrSweepRunning when another sweep is
// in flight. A storage error ends the sweep early with a partial report.
func (s *Sweeper) Run(ctx context.Context) (SweepReport, error) {
	if !s.active.CompareAndSwap(false, true) {
		return SweepReport{}, ErrSweepRunning
	}
	defer s.active.Store(false)

	start := s.now()
	cutoff := start.Add(-s.opt.Staleness)
	lim := rate.NewLimiter(rate.Every(s.opt.Delay), 1)
	s.log.Info("membership sweep started", logx.Time("cutoff", cutoff))

	var (
		rep   SweepReport
		after int64
		err   error
	)
loop:
	for {
		var ids []int64
		ids, err = s.store.ListStale(ctx, cutoff, after, s.opt.Batch)
		if err != nil {
			err = fmt.Errorf("list stale: %w", err)
			break
		}
		if len(ids) == 0 {
			break
		}
		for _, id := range ids {
			after = id
			if s.gate.admins.Has(id) {
				rep.Admins++
				continue
			}
			if err = lim.Wait(ctx); err != nil {
				break loop
			}
			res, perr := s.gate.Probe(ctx, id)
			if perr != nil {
				err = perr
				break loop
			}
			rep.Checked++
			if res.MemberOfAll() {
				rep.Members++
			} else {
				rep.NotMembers++
			}
			if res.Failed() > 0 {
				rep.Degraded++
			}
			if rep.Checked%s.opt.LogEvery == 0 {
				s.log.Info("membership sweep progress",
					logx.Int("checked", rep.Checked),
					logx.Int("members", rep.Members),
					logx.Int("degraded", rep.Degraded),
				)
			}
		}
		if len(ids) < s.opt.Batch {
			break
		}
	}
	rep.Took = s.now().Sub(start)

	fields := []logx.Field{
		logx.Int("checked", rep.Checked),
		logx.Int("members", rep.Members),
		logx.Int("not_members", rep.NotMembers),
		logx.Int("degraded", rep.Degraded),
		logx.Duration("took", rep.Took),
	}
	if err != nil {
		s.log.Warn("membership sweep aborted", append(fields, logx.Err(err))...)
		return rep, err
	}
	s.log.Info("membership sweep finished", fields...)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type: eventbus.TypeSweepFinished,
			Data: eventbus.SweepFinished{Checked: rep.Checked, Members: rep.Members, Failed: rep.Degraded, Took: rep.Took},
		})
	}
	return rep, nil
}
