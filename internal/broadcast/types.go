// Package broadcast runs admin announcements: a per-admin conversation
// that captures content and a recipient snapshot, and a dispatcher that
// fans the content out under a rate limit while reporting progress.
package broadcast

import (
	"errors"
	"time"

	"gatebot/internal/transport"
)

var (
	ErrNoSession    = errors.New("broadcast: no pending session")
	ErrWrongStep    = errors.New("broadcast: input does not fit the current step")
	ErrNoRecipients = errors.New("broadcast: no recipients")
	ErrEmptyContent = errors.New("broadcast: empty content")
	ErrWrongMedia   = errors.New("broadcast: unexpected media kind")
	ErrClosed       = errors.New("broadcast: dispatcher closed")
)

// Kind is the content type of a broadcast.
type Kind string

const (
	KindText     Kind = "text"
	KindPhoto    Kind = "photo"
	KindVideo    Kind = "video"
	KindDocument Kind = "document"
	KindAudio    Kind = "audio"
	KindForward  Kind = "forward"
)

// SelectableKinds are offered on the type keyboard, in order.
var SelectableKinds = []Kind{KindText, KindPhoto, KindVideo, KindDocument, KindAudio}

func ParseKind(s string) (Kind, bool) {
	for _, k := range SelectableKinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// MediaKind maps a media broadcast kind to the transport attachment kind.
func (k Kind) MediaKind() transport.MediaKind {
	switch k {
	case KindPhoto:
		return transport.MediaPhoto
	case KindVideo:
		return transport.MediaVideo
	case KindDocument:
		return transport.MediaDocument
	case KindAudio:
		return transport.MediaAudio
	}
	return transport.MediaNone
}

func (k Kind) IsMedia() bool { return k.MediaKind() != transport.MediaNone }

type Button struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// Content is what every recipient receives.
type Content struct {
	Kind    Kind                 `json:"kind"`
	Text    string               `json:"text,omitempty"`
	Media   transport.Media      `json:"media,omitempty"`
	Caption string               `json:"caption,omitempty"`
	Forward transport.MessageRef `json:"forward,omitempty"`
	Buttons []Button             `json:"buttons,omitempty"`
}

// Step is where an admin is in the broadcast conversation.
type Step string

const (
	StepChooseType   Step = "choose_type"
	StepAwaitPayload Step = "await_payload"
	StepAwaitCaption Step = "await_caption"
	StepConfirm      Step = "confirm"
)

// Session is one admin's pending broadcast. Recipients is frozen when the
// confirmation prompt is built.
type Session struct {
	AdminID    int64     `json:"admin_id"`
	ChatID     int64     `json:"chat_id"`
	Step       Step      `json:"step"`
	Kind       Kind      `json:"kind,omitempty"`
	Content    Content   `json:"content"`
	Recipients []int64   `json:"recipients,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Job is a confirmed broadcast handed to the dispatcher.
type Job struct {
	ID         string
	AdminID    int64
	Content    Content
	Recipients []int64
	// Status is the admin-side message the progress updater edits.
	Status transport.MessageRef
}

// Outcome tags the result of one send.
type Outcome int

const (
	Delivered Outcome = iota
	// SoftFailure is a recipient-side failure: blocked, deactivated, gone.
	SoftFailure
	// HardFailure is a transport failure or timeout.
	HardFailure
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case SoftFailure:
		return "soft_failure"
	case HardFailure:
		return "hard_failure"
	}
	return "unknown"
}

type SendResult struct {
	UserID  int64
	Outcome Outcome
	Err     error
}

// Progress is a running count sent from the dispatcher to the updater.
type Progress struct {
	JobID     string
	Total     int
	Attempted int
	Delivered int
	Soft      int
	Hard      int
	Elapsed   time.Duration
}

func (p Progress) Failed() int { return p.Soft + p.Hard }

// Summary is the final tally of a run.
type Summary struct {
	JobID     string
	Total     int
	Attempted int
	Delivered int
	Soft      int
	Hard      int
	Took      time.Duration
	Canceled  bool
}

func (s Summary) Failed() int { return s.Soft + s.Hard }

// SuccessRate is delivered/attempted in percent; 0 when nothing was attempted.
func (s Summary) SuccessRate() float64 {
	if s.Attempted == 0 {
		return 0
	}
	return float64(s.Delivered) * 100 / float64(s.Attempted)
}
