package adapter

import (
	"errors"
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "gatebot/internal/transport"
)

var recipientErrors = []error{
	tele.ErrBlockedByUser,
	tele.ErrUserIsDeactivated,
	tele.ErrChatNotFound,
}

// Fallback for API errors telebot does not map to a sentinel.
var recipientPhrases = []string{
	"bot was blocked by the user",
	"user is deactivated",
	"chat not found",
	"bot can't initiate conversation",
	"bot was kicked",
}

// classify wraps recipient-side failures with kit.ErrRecipientUnavailable so
// callers can tell them apart from transport failures.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, target := range recipientErrors {
		if errors.Is(err, target) {
			return fmt.Errorf("%w: %w", kit.ErrRecipientUnavailable, err)
		}
	}
	msg := strings.ToLower(err.Error())
	for _, p := range recipientPhrases {
		if strings.Contains(msg, p) {
			return fmt.Errorf("%w: %w", kit.ErrRecipientUnavailable, err)
		}
	}
	return err
}
