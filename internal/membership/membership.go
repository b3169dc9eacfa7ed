// Package membership answers whether a user belongs to every required
// channel. The Prober asks the messaging gateway; the Cache keeps the
// aggregate answer in the user store for a bounded time.
package membership

import (
	"context"
	"time"

	"gatebot/internal/transport"
)

// Channel is one channel a user must join.
type Channel struct {
	// ID is "@username" or a numeric "-100…" chat id.
	ID        string
	Name      string
	InviteURL string
}

// Outcome is the tagged result of one channel lookup.
type Outcome int

const (
	OutcomeMember Outcome = iota
	OutcomeNotMember
	// OutcomeFailed means the lookup errored or timed out. It counts as
	// not a member.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMember:
		return "member"
	case OutcomeNotMember:
		return "not_member"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

type ChannelResult struct {
	Channel Channel
	Outcome Outcome
	Status  transport.MemberStatus
	Err     error
}

func (r ChannelResult) Joined() bool { return r.Outcome == OutcomeMember }

// Result is the per-channel answer for one user. It is never stored; only
// MemberOfAll and CheckedAt are persisted.
type Result struct {
	UserID    int64
	Channels  []ChannelResult
	CheckedAt time.Time
}

// MemberOfAll reports whether every channel was joined. With no channels
// configured it is true.
func (r Result) MemberOfAll() bool {
	for _, c := range r.Channels {
		if !c.Joined() {
			return false
		}
	}
	return true
}

// Unjoined returns the channels that still need joining, in configured order.
func (r Result) Unjoined() []Channel {
	var out []Channel
	for _, c := range r.Channels {
		if !c.Joined() {
			out = append(out, c.Channel)
		}
	}
	return out
}

func (r Result) JoinedCount() int {
	n := 0
	for _, c := range r.Channels {
		if c.Joined() {
			n++
		}
	}
	return n
}

func (r Result) Failed() int {
	n := 0
	for _, c := range r.Channels {
		if c.Outcome == OutcomeFailed {
			n++
		}
	}
	return n
}

// Gateway is the membership lookup the transport adapter provides.
type Gateway interface {
	ChatMember(ctx context.Context, chat string, userID int64) (transport.MemberStatus, error)
}
