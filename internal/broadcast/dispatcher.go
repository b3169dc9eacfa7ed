package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"gatebot/internal/eventbus"
	"gatebot/internal/runtime/supervisor"
	"gatebot/internal/storage"
	"gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

// Sender is the slice of the transport the dispatcher uses.
type Sender interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
	SendMedia(ctx context.Context, to transport.ChatTarget, media transport.Media, caption string, opt *transport.SendOptions) (transport.MessageRef, error)
	Forward(ctx context.Context, to transport.ChatTarget, from transport.MessageRef) (transport.MessageRef, error)
	EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error
}

// Auditor records finished runs.
type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type DispatcherOptions struct {
	MinDelay         time.Duration // 0 means 50ms
	SendTimeout      time.Duration // 0 means 10s
	ProgressEvery    int           // 0 means 20
	ProgressInterval time.Duration // 0 means 5s
	// Serialize makes runs wait for each other.
	Serialize bool
	Header    string
	ParseMode string
	// Markup turns buttons into adapter reply markup. Nil disables buttons.
	Markup func([]Button) any
}

// Dispatcher runs confirmed jobs as supervised background tasks.
type Dispatcher struct {
	sender Sender
	opt    DispatcherOptions
	audit  Auditor
	bus    eventbus.Bus
	log    logx.Logger
	sup    *supervisor.Supervisor

	// slot serializes runs when opt.Serialize is set.
	slot chan struct{}

	mu      sync.Mutex
	handles map[string]*Handle
	closed  bool
}

func NewDispatcher(ctx context.Context, sender Sender, opt DispatcherOptions, audit Auditor, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	if opt.MinDelay <= 0 {
		opt.MinDelay = 50 * time.Millisecond
	}
	if opt.SendTimeout <= 0 {
		opt.SendTimeout = 10 * time.Second
	}
	if opt.ProgressEvery <= 0 {
		opt.ProgressEvery = 20
	}
	if opt.ProgressInterval <= 0 {
		opt.ProgressInterval = 5 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		sender:  sender,
		opt:     opt,
		audit:   audit,
		bus:     bus,
		log:     log,
		sup:     supervisor.New(ctx, supervisor.WithLogger(log)),
		slot:    make(chan struct{}, 1),
		handles: map[string]*Handle{},
	}
}

// Handle tracks one dispatched job.
type Handle struct {
	id     string
	done   chan struct{}
	cancel context.CancelFunc

	mu  sync.Mutex
	sum Summary
	err error
}

func (h *Handle) ID() string { return h.id }

// Done is closed when the run has finished and its summary was posted.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel stops the run after the send in flight.
func (h *Handle) Cancel() { h.cancel() }

// Wait blocks until the run finishes or ctx ends.
func (h *Handle) Wait(ctx context.Context) (Summary, error) {
	select {
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	case <-h.done:
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum, h.err
}

func (h *Handle) finish(s Summary, err error) {
	h.mu.Lock()
	h.sum, h.err = s, err
	h.mu.Unlock()
	close(h.done)
}

// Dispatch starts job in the background and returns immediately. The job's
// recipient list is copied; later changes by the caller do not affect it.
func (d *Dispatcher) Dispatch(job Job) (*Handle, error) {
	if len(job.Recipients) == 0 {
		return nil, ErrNoRecipients
	}
	if job.ID == "" {
		job.ID = ulid.Make().String()
	}
	job.Recipients = append([]int64(nil), job.Recipients...)
	job.Content.Buttons = append([]Button(nil), job.Content.Buttons...)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	ctx, cancel := context.WithCancel(d.sup.Context())
	h := &Handle{id: job.ID, done: make(chan struct{}), cancel: cancel}
	d.handles[job.ID] = h
	d.mu.Unlock()

	d.log.Info("broadcast dispatched",
		logx.String("job", job.ID),
		logx.Int64("admin_id", job.AdminID),
		logx.String("kind", string(job.Content.Kind)),
		logx.Int("recipients", len(job.Recipients)),
	)
	d.sup.Go0("broadcast:"+job.ID, func(context.Context) {
		var (
			sum Summary
			err error
		)
		defer func() {
			cancel()
			d.mu.Lock()
			delete(d.handles, job.ID)
			d.mu.Unlock()
			h.finish(sum, err)
		}()
		sum, err = d.run(ctx, job)
	})
	return h, nil
}

// Active returns the ids of jobs that have not finished.
func (d *Dispatcher) Active() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.handles))
	for id := range d.handles {
		out = append(out, id)
	}
	return out
}

// Close cancels running jobs and waits for them to post their summary.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	for _, h := range d.handles {
		h.Cancel()
	}
	d.mu.Unlock()
	return d.sup.Stop(ctx)
}

func (d *Dispatcher) run(ctx context.Context, job Job) (Summary, error) {
	sum := Summary{JobID: job.ID, Total: len(job.Recipients)}

	if d.opt.Serialize {
		select {
		case d.slot <- struct{}{}:
			defer func() { <-d.slot }()
		case <-ctx.Done():
			sum.Canceled = true
			d.postSummary(job, sum)
			return sum, nil
		}
	}

	start := time.Now()
	progress := make(chan Progress, 4)
	updaterDone := make(chan struct{})
	go func() {
		defer close(updaterDone)
		d.updateLoop(ctx, job.Status, progress)
	}()

	lim := rate.NewLimiter(rate.Every(d.opt.MinDelay), 1)
	opt := d.sendOptions(job.Content)
	p := Progress{JobID: job.ID, Total: len(job.Recipients)}
	lastEmit := start

	for _, uid := range job.Recipients {
		if err := lim.Wait(ctx); err != nil {
			sum.Canceled = true
			break
		}
		r := d.sendOne(ctx, job.Content, uid, opt)
		p.Attempted++
		switch r.Outcome {
		case Delivered:
			p.Delivered++
		case SoftFailure:
			p.Soft++
			d.log.Debug("broadcast recipient unavailable", logx.String("job", job.ID), logx.UserID(uid), logx.Err(r.Err))
		default:
			p.Hard++
			d.log.Warn("broadcast send failed", logx.String("job", job.ID), logx.UserID(uid), logx.Err(r.Err))
		}

		if p.Attempted == p.Total {
			break
		}
		now := time.Now()
		if p.Attempted%d.opt.ProgressEvery == 0 || now.Sub(lastEmit) >= d.opt.ProgressInterval {
			p.Elapsed = now.Sub(start)
			offer(progress, p)
			lastEmit = now
		}
	}
	close(progress)
	<-updaterDone

	sum.Attempted, sum.Delivered, sum.Soft, sum.Hard = p.Attempted, p.Delivered, p.Soft, p.Hard
	sum.Took = time.Since(start)
	d.postSummary(job, sum)
	return sum, nil
}

// offer delivers p, replacing a queued update the updater has not taken yet.
func offer(ch chan Progress, p Progress) {
	select {
	case ch <- p:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- p:
	default:
	}
}

func (d *Dispatcher) updateLoop(ctx context.Context, ref transport.MessageRef, in <-chan Progress) {
	for p := range in {
		if ref.MessageID == 0 {
			continue
		}
		ectx, cancel := context.WithTimeout(ctx, d.opt.SendTimeout)
		if err := d.sender.EditText(ectx, ref, FormatProgress(p), nil); err != nil {
			d.log.Debug("progress edit failed", logx.String("job", p.JobID), logx.Err(err))
		}
		cancel()
	}
}

func (d *Dispatcher) postSummary(job Job, sum Summary) {
	fields := []logx.Field{
		logx.String("job", job.ID),
		logx.Int("attempted", sum.Attempted),
		logx.Int("delivered", sum.Delivered),
		logx.Int("soft", sum.Soft),
		logx.Int("hard", sum.Hard),
		logx.Duration("took", sum.Took),
		logx.Bool("canceled", sum.Canceled),
	}
	if sum.Failed() > 0 || sum.Canceled {
		d.log.Warn("broadcast finished with failures", fields...)
	} else {
		d.log.Info("broadcast finished", fields...)
	}

	// The run context may already be canceled; the summary still goes out.
	ctx, cancel := context.WithTimeout(context.Background(), d.opt.SendTimeout)
	defer cancel()
	if job.Status.MessageID != 0 {
		if err := d.sender.EditText(ctx, job.Status, FormatSummary(sum), nil); err != nil {
			d.log.Warn("summary edit failed", logx.String("job", job.ID), logx.Err(err))
		}
	}
	if d.audit != nil {
		e := storage.AuditEntry{
			ActorID: job.AdminID,
			Action:  "broadcast",
			Target:  job.ID,
			OK:      sum.Delivered,
			Fail:    sum.Failed(),
			TookMS:  sum.Took.Milliseconds(),
		}
		if sum.Canceled {
			e.Error = "canceled"
		}
		if err := d.audit.AppendAudit(ctx, e); err != nil {
			d.log.Warn("broadcast audit failed", logx.String("job", job.ID), logx.Err(err))
		}
	}
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{
			Type: eventbus.TypeBroadcastFinished,
			Data: eventbus.BroadcastFinished{
				JobID: job.ID, AdminID: job.AdminID,
				Attempted: sum.Attempted, Delivered: sum.Delivered, Failed: sum.Failed(),
			},
		})
	}
}

func (d *Dispatcher) sendOptions(c Content) *transport.SendOptions {
	opt := &transport.SendOptions{ParseMode: d.opt.ParseMode}
	if d.opt.Markup != nil && len(c.Buttons) > 0 {
		opt.ReplyMarkupAdapter = d.opt.Markup(c.Buttons)
	}
	return opt
}

func (d *Dispatcher) withHeader(body string) string {
	h := strings.TrimSpace(d.opt.Header)
	body = strings.TrimSpace(body)
	switch {
	case h == "":
		return body
	case body == "":
		return h
	}
	return h + "\n\n" + body
}

func (d *Dispatcher) sendOne(ctx context.Context, c Content, uid int64, opt *transport.SendOptions) SendResult {
	cctx, cancel := context.WithTimeout(ctx, d.opt.SendTimeout)
	defer cancel()
	to := transport.ChatTarget{ChatID: uid}

	var err error
	switch {
	case c.Kind == KindForward:
		// A forward carries the original message as is; it gets no header.
		_, err = d.sender.Forward(cctx, to, c.Forward)
	case c.Kind.IsMedia():
		_, err = d.sender.SendMedia(cctx, to, c.Media, d.withHeader(c.Caption), opt)
	default:
		_, err = d.sender.SendText(cctx, to, d.withHeader(c.Text), opt)
	}
	return classify(uid, err)
}

func classify(uid int64, err error) SendResult {
	switch {
	case err == nil:
		return SendResult{UserID: uid, Outcome: Delivered}
	case errors.Is(err, transport.ErrRecipientUnavailable):
		return SendResult{UserID: uid, Outcome: SoftFailure, Err: err}
	}
	return SendResult{UserID: uid, Outcome: HardFailure, Err: err}
}

// FormatProgress renders a progress line for the status message.
func FormatProgress(p Progress) string {
	return fmt.Sprintf("📤 Broadcasting… %d/%d\n✅ %d  ❌ %d\n⏱ %s",
		p.Attempted, p.Total, p.Delivered, p.Failed(), p.Elapsed.Round(time.Second))
}

// FormatSummary renders the final status message.
func FormatSummary(s Summary) string {
	title := "✅ Broadcast finished"
	if s.Canceled {
		title = "⏹ Broadcast stopped"
	}
	return fmt.Sprintf("%s\n\nAttempted: %d/%d\nDelivered: %d\nFailed: %d (unavailable %d, errors %d)\nSuccess rate: %.1f%%\nDuration: %s",
		title, s.Attempted, s.Total, s.Delivered, s.Failed(), s.Soft, s.Hard, s.SuccessRate(), s.Took.Round(time.Second))
}
