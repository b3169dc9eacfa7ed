package adapter

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "gatebot/internal/transport"
)

// chatRef addresses a chat by "@username" or numeric id without resolving it.
type chatRef string

func (c chatRef) Recipient() string { return string(c) }

// call runs fn bounded by ctx and the configured request timeout.
// telebot is not context-aware, so a call outliving ctx is abandoned.
func (a *Adapter) call(ctx context.Context, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return classify(err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sendOptions(to kit.ChatTarget, opt *kit.SendOptions, withMarkup bool) *tele.SendOptions {
	so := &tele.SendOptions{ThreadID: to.ThreadID}
	if opt == nil {
		return so
	}
	so.ParseMode = opt.ParseMode
	so.DisableWebPagePreview = opt.DisablePreview
	if withMarkup {
		if rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup); ok {
			so.ReplyMarkup = rm
		}
	}
	return so
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	parseMode := ""
	if opt != nil {
		parseMode = opt.ParseMode
	}
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range splitTelegramText(text, telegramTextLimit, parseMode) {
		var msg *tele.Message
		err := a.call(ctx, func() (err error) {
			msg, err = a.bot.Send(chat, chunk, sendOptions(to, opt, i == 0))
			return err
		})
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// SendLogLine lets the adapter act as the log chat sink.
func (a *Adapter) SendLogLine(ctx context.Context, chatID int64, threadID int, text string) error {
	_, err := a.SendText(ctx, kit.ChatTarget{ChatID: chatID, ThreadID: threadID}, text, &kit.SendOptions{DisablePreview: true})
	return err
}

func (a *Adapter) SendMedia(ctx context.Context, to kit.ChatTarget, media kit.Media, caption string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if strings.TrimSpace(media.FileID) == "" {
		return kit.MessageRef{}, fmt.Errorf("send media: empty file id")
	}
	file := tele.File{FileID: media.FileID}
	var what tele.Sendable
	switch media.Kind {
	case kit.MediaPhoto:
		what = &tele.Photo{File: file, Caption: caption}
	case kit.MediaVideo:
		what = &tele.Video{File: file, Caption: caption}
	case kit.MediaDocument:
		what = &tele.Document{File: file, Caption: caption}
	case kit.MediaAudio:
		what = &tele.Audio{File: file, Caption: caption}
	default:
		return kit.MessageRef{}, fmt.Errorf("send media: unsupported kind %q", media.Kind)
	}

	var msg *tele.Message
	err := a.call(ctx, func() (err error) {
		msg, err = a.bot.Send(&tele.Chat{ID: to.ChatID}, what, sendOptions(to, opt, true))
		return err
	})
	if err != nil {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}

func (a *Adapter) Forward(ctx context.Context, to kit.ChatTarget, from kit.MessageRef) (kit.MessageRef, error) {
	src := &tele.StoredMessage{MessageID: strconv.Itoa(from.MessageID), ChatID: from.ChatID}
	var msg *tele.Message
	err := a.call(ctx, func() (err error) {
		msg, err = a.bot.Forward(&tele.Chat{ID: to.ChatID}, src, &tele.SendOptions{ThreadID: to.ThreadID})
		return err
	})
	if err != nil {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}

// EditText edits ref in place. Text beyond one message is sent as follow-ups.
func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	parseMode := ""
	if opt != nil {
		parseMode = opt.ParseMode
	}
	chunks := splitTelegramText(text, telegramTextLimit, parseMode)
	to := kit.ChatTarget{ChatID: ref.ChatID, ThreadID: ref.ThreadID}
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}

	err := a.call(ctx, func() error {
		_, err := a.bot.Edit(m, chunks[0], sendOptions(to, opt, true))
		return err
	})
	if err != nil {
		return err
	}
	chat := &tele.Chat{ID: ref.ChatID}
	for _, chunk := range chunks[1:] {
		if err := a.call(ctx, func() error {
			_, err := a.bot.Send(chat, chunk, sendOptions(to, opt, false))
			return err
		}); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	return a.call(ctx, func() error {
		return a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
	})
}

func (a *Adapter) ChatMember(ctx context.Context, chat string, userID int64) (kit.MemberStatus, error) {
	var cm *tele.ChatMember
	err := a.call(ctx, func() (err error) {
		cm, err = a.bot.ChatMemberOf(chatRef(chat), &tele.User{ID: userID})
		return err
	})
	if err != nil {
		return "", err
	}
	return kit.MemberStatus(cm.Role), nil
}
