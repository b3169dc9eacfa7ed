package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

// Recipients lists every known user id.
type Recipients interface {
	ListUserIDs(ctx context.Context) ([]int64, error)
}

// Prompt tells the handler what to ask the admin next.
type Prompt struct {
	Step Step
	Kind Kind
	// Content and Recipients are set for StepConfirm.
	Content    Content
	Recipients int
}

// Coordinator drives the per-admin broadcast conversation.
type Coordinator struct {
	sessions   SessionStore
	recipients Recipients
	dispatcher *Dispatcher
	log        logx.Logger
	now        func() time.Time
}

func NewCoordinator(sessions SessionStore, recipients Recipients, d *Dispatcher, log logx.Logger) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{sessions: sessions, recipients: recipients, dispatcher: d, log: log, now: time.Now}
}

// Begin starts a new session for adminID, replacing any pending one.
// With replyTo the replied message is forwarded; with text the text is
// broadcast; with neither the admin picks a content type.
func (c *Coordinator) Begin(ctx context.Context, adminID, chatID int64, text string, replyTo *transport.MessageRef) (Prompt, error) {
	s := Session{AdminID: adminID, ChatID: chatID, Step: StepChooseType, CreatedAt: c.now()}

	switch {
	case replyTo != nil:
		s.Kind = KindForward
		s.Content = Content{Kind: KindForward, Forward: *replyTo}
		return c.confirm(ctx, s)
	case strings.TrimSpace(text) != "":
		clean, buttons := ExtractButtons(text)
		if clean == "" {
			_ = c.sessions.Delete(ctx, adminID)
			return Prompt{}, ErrEmptyContent
		}
		s.Kind = KindText
		s.Content = Content{Kind: KindText, Text: clean, Buttons: buttons}
		return c.confirm(ctx, s)
	}

	if err := c.sessions.Put(ctx, s); err != nil {
		return Prompt{}, err
	}
	return Prompt{Step: StepChooseType}, nil
}

// ChooseType records the content type picked on the keyboard.
func (c *Coordinator) ChooseType(ctx context.Context, adminID int64, kind Kind) (Prompt, error) {
	s, err := c.sessions.Get(ctx, adminID)
	if err != nil {
		return Prompt{}, err
	}
	if s.Step != StepChooseType && s.Step != StepAwaitPayload {
		return Prompt{}, ErrWrongStep
	}
	if _, ok := ParseKind(string(kind)); !ok {
		return Prompt{}, fmt.Errorf("%w: kind %q", ErrWrongStep, kind)
	}
	s.Step = StepAwaitPayload
	s.Kind = kind
	if err := c.sessions.Put(ctx, s); err != nil {
		return Prompt{}, err
	}
	return Prompt{Step: StepAwaitPayload, Kind: kind}, nil
}

// Input feeds a non-command message into the session.
func (c *Coordinator) Input(ctx context.Context, adminID int64, msg transport.Message) (Prompt, error) {
	s, err := c.sessions.Get(ctx, adminID)
	if err != nil {
		return Prompt{}, err
	}

	switch s.Step {
	case StepAwaitPayload:
		if s.Kind == KindText {
			clean, buttons := ExtractButtons(msg.Text)
			if clean == "" || msg.Media.Kind != transport.MediaNone {
				return Prompt{Step: StepAwaitPayload, Kind: s.Kind}, ErrEmptyContent
			}
			s.Content = Content{Kind: KindText, Text: clean, Buttons: buttons}
			return c.confirm(ctx, s)
		}
		if msg.Media.Kind != s.Kind.MediaKind() || msg.Media.FileID == "" {
			return Prompt{Step: StepAwaitPayload, Kind: s.Kind}, ErrWrongMedia
		}
		s.Content = Content{Kind: s.Kind, Media: msg.Media}
		if strings.TrimSpace(msg.Caption) == "" {
			s.Step = StepAwaitCaption
			if err := c.sessions.Put(ctx, s); err != nil {
				return Prompt{}, err
			}
			return Prompt{Step: StepAwaitCaption, Kind: s.Kind}, nil
		}
		s.Content.Caption, s.Content.Buttons = ExtractButtons(msg.Caption)
		return c.confirm(ctx, s)

	case StepAwaitCaption:
		if strings.TrimSpace(msg.Text) == "" {
			return Prompt{Step: StepAwaitCaption, Kind: s.Kind}, ErrWrongStep
		}
		s.Content.Caption, s.Content.Buttons = ExtractButtons(msg.Text)
		return c.confirm(ctx, s)
	}
	return Prompt{Step: s.Step, Kind: s.Kind}, ErrWrongStep
}

// Skip leaves the caption empty.
func (c *Coordinator) Skip(ctx context.Context, adminID int64) (Prompt, error) {
	s, err := c.sessions.Get(ctx, adminID)
	if err != nil {
		return Prompt{}, err
	}
	if s.Step != StepAwaitCaption {
		return Prompt{Step: s.Step, Kind: s.Kind}, ErrWrongStep
	}
	s.Content.Caption = ""
	return c.confirm(ctx, s)
}

// Cancel discards the pending session. It reports whether one existed.
func (c *Coordinator) Cancel(ctx context.Context, adminID int64) (bool, error) {
	_, err := c.sessions.Take(ctx, adminID)
	if errors.Is(err, ErrNoSession) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Pending returns the admin's session, or ErrNoSession.
func (c *Coordinator) Pending(ctx context.Context, adminID int64) (Session, error) {
	return c.sessions.Get(ctx, adminID)
}

// Confirm hands the session to the dispatcher. status is the message the
// dispatcher keeps edited with progress. The session is taken from the
// store, so a second Confirm for the same session gets ErrNoSession.
func (c *Coordinator) Confirm(ctx context.Context, adminID int64, status transport.MessageRef) (*Handle, error) {
	s, err := c.sessions.Take(ctx, adminID)
	if err != nil {
		return nil, err
	}
	if s.Step != StepConfirm {
		if err := c.sessions.Put(ctx, s); err != nil {
			return nil, err
		}
		return nil, ErrWrongStep
	}
	return c.dispatcher.Dispatch(Job{
		AdminID:    adminID,
		Content:    s.Content,
		Recipients: s.Recipients,
		Status:     status,
	})
}

// confirm freezes the recipient snapshot and moves s to StepConfirm.
func (c *Coordinator) confirm(ctx context.Context, s Session) (Prompt, error) {
	ids, err := c.recipients.ListUserIDs(ctx)
	if err != nil {
		return Prompt{}, fmt.Errorf("recipient snapshot: %w", err)
	}
	if len(ids) == 0 {
		_ = c.sessions.Delete(ctx, s.AdminID)
		return Prompt{}, ErrNoRecipients
	}
	s.Step = StepConfirm
	s.Recipients = ids
	if err := c.sessions.Put(ctx, s); err != nil {
		return Prompt{}, err
	}
	c.log.Debug("broadcast awaiting confirmation",
		logx.Int64("admin_id", s.AdminID), logx.String("kind", string(s.Content.Kind)), logx.Int("recipients", len(ids)))
	return Prompt{Step: StepConfirm, Kind: s.Content.Kind, Content: s.Content, Recipients: len(ids)}, nil
}
