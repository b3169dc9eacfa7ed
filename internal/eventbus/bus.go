package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published inside the process.
const (
	// TypeVerificationRedeemed carries a VerificationRedeemed. The HTTP
	// callback publishes it so the bot can confirm in chat.
	TypeVerificationRedeemed = "verification.redeemed"
	// TypeBroadcastFinished carries a BroadcastFinished.
	TypeBroadcastFinished = "broadcast.finished"
	// TypeSweepFinished carries a SweepFinished.
	TypeSweepFinished = "sweep.finished"
)

type VerificationRedeemed struct {
	UserID int64
	Until  time.Time
}

type BroadcastFinished struct {
	JobID     string
	AdminID   int64
	Attempted int
	Delivered int
	Failed    int
}

type SweepFinished struct {
	Checked int
	Members int
	Failed  int
	Took    time.Duration
}

// Event is an in-memory signal between components.
//
// Publish never blocks; subscribers get buffered channels and a slow
// subscriber loses events instead of stalling the publisher.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch between snapshot and send.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
