package transport

import (
	"context"
	"errors"
)

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

// MediaKind names the attachment carried by a message.
type MediaKind string

const (
	MediaNone     MediaKind = ""
	MediaPhoto    MediaKind = "photo"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
	MediaAudio    MediaKind = "audio"
)

// Media references an already uploaded file by its platform file id.
type Media struct {
	Kind   MediaKind
	FileID string
}

type Message struct {
	ID            int
	ChatID        int64
	ThreadID      int // telegram forum topic thread id (0 if none)
	FromID        int64
	FromUsername  string
	FromFirstName string
	FromLastName  string
	Text          string
	Caption       string
	Media         Media
	IsGroup       bool

	// ReplyTo is set when the message replies to another one.
	ReplyTo *MessageRef
}

type Callback struct {
	ID            string
	FromID        int64
	FromUsername  string
	FromFirstName string
	FromLastName  string
	ChatID        int64
	ThreadID      int
	MessageID     int
	Data          string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode          string
	DisablePreview     bool
	ReplyMarkupAdapter any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

// MemberStatus is a user's standing in a channel as reported by the platform.
type MemberStatus string

const (
	StatusCreator       MemberStatus = "creator"
	StatusAdministrator MemberStatus = "administrator"
	StatusMember        MemberStatus = "member"
	StatusRestricted    MemberStatus = "restricted"
	StatusLeft          MemberStatus = "left"
	StatusKicked        MemberStatus = "kicked"
)

// Joined reports whether the status counts as membership.
func (s MemberStatus) Joined() bool {
	switch s {
	case StatusCreator, StatusAdministrator, StatusMember:
		return true
	}
	return false
}

// ErrRecipientUnavailable marks sends that failed because of the recipient
// (blocked the bot, deactivated, chat gone) rather than the transport.
var ErrRecipientUnavailable = errors.New("transport: recipient unavailable")

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendMedia(ctx context.Context, to ChatTarget, media Media, caption string, opt *SendOptions) (MessageRef, error)
	Forward(ctx context.Context, to ChatTarget, from MessageRef) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error

	// ChatMember looks up userID in chat. chat is "@username" or a numeric id.
	ChatMember(ctx context.Context, chat string, userID int64) (MemberStatus, error)
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
