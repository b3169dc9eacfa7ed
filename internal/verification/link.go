package verification

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// StartPrefix starts the /start payload of a verification deep link.
const StartPrefix = "verify_"

// Linker builds the destination a user lands on after the ad gate and
// wraps it through the provider.
type Linker struct {
	botUsername string
	publicURL   string
	shortener   Shortener
}

func NewLinker(botUsername, publicURL string, s Shortener) *Linker {
	return &Linker{
		botUsername: strings.TrimPrefix(strings.TrimSpace(botUsername), "@"),
		publicURL:   strings.TrimRight(strings.TrimSpace(publicURL), "/"),
		shortener:   s,
	}
}

// Destination returns the redemption URL for token. With a public URL it
// targets the HTTP callback; otherwise a Telegram deep link.
func (l *Linker) Destination(userID int64, token string) (string, error) {
	if l.publicURL != "" {
		q := url.Values{}
		q.Set("user_id", strconv.FormatInt(userID, 10))
		q.Set("token", token)
		return l.publicURL + "/verify?" + q.Encode(), nil
	}
	if l.botUsername == "" {
		return "", fmt.Errorf("%w: bot username unknown", ErrNotConfigured)
	}
	return fmt.Sprintf("https://t.me/%s?start=%s", l.botUsername, StartPayload(userID, token)), nil
}

// Link returns the ad-gated link for token.
func (l *Linker) Link(ctx context.Context, userID int64, token string) (string, error) {
	dest, err := l.Destination(userID, token)
	if err != nil {
		return "", err
	}
	if l.shortener == nil {
		return "", ErrNotConfigured
	}
	return l.shortener.Shorten(ctx, dest)
}

// StartPayload is the deep-link parameter "verify_<token>_<uid>".
func StartPayload(userID int64, token string) string {
	return StartPrefix + token + "_" + strconv.FormatInt(userID, 10)
}

// ParseStartPayload splits a deep-link parameter. Tokens may themselves
// contain underscores, so the user id is taken after the last one.
func ParseStartPayload(payload string) (token string, userID int64, ok bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(payload), StartPrefix)
	if !found {
		return "", 0, false
	}
	i := strings.LastIndexByte(rest, '_')
	if i <= 0 || i == len(rest)-1 {
		return "", 0, false
	}
	uid, err := strconv.ParseInt(rest[i+1:], 10, 64)
	if err != nil || uid <= 0 {
		return "", 0, false
	}
	return rest[:i], uid, true
}
