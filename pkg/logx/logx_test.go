package logx

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestFormatChatLine(t *testing.T) {
	t.Parallel()

	line := `{"level":"warn","time":"x","message":"probe failed","user_id":42,"comp":"gate"}`
	got := formatChatLine([]byte(line))
	want := "[WARN] probe failed\n- comp=gate\n- user_id=42"
	if got != want {
		t.Fatalf("formatChatLine()=%q want %q", got, want)
	}

	if got := formatChatLine([]byte("  not json \n")); got != "not json" {
		t.Fatalf("raw line=%q", got)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	if got := truncate(strings.Repeat("a", 20), 12); got != "aaaaaaaaa..." {
		t.Fatalf("truncate=%q", got)
	}
	if got := truncate("short", 12); got != "short" {
		t.Fatalf("truncate=%q", got)
	}
}

func TestLoggerWithFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := FromZerolog(zerolog.New(&buf)).Component("ledger").With(UserID(7))
	l.Warn("redeem rejected", String("reason", "expired"), Err(errors.New("boom")), Err(nil))

	out := buf.String()
	for _, want := range []string{`"comp":"ledger"`, `"user_id":7`, `"reason":"expired"`, `"err":"boom"`, `"message":"redeem rejected"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in %s", want, out)
		}
	}
}

func TestZeroLoggerDiscards(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Error("nothing happens")
	if Nop().Enabled(LevelError) {
		t.Fatalf("nop logger should be disabled")
	}
}

type captureSender struct {
	mu    sync.Mutex
	lines []string
	ch    chan struct{}
}

func (c *captureSender) SendLogLine(_ context.Context, _ int64, _ int, text string) error {
	c.mu.Lock()
	c.lines = append(c.lines, text)
	c.mu.Unlock()
	c.ch <- struct{}{}
	return nil
}

// Not parallel: New sets zerolog globals that the parallel tests read.
func TestChatSinkForwardsWarnings(t *testing.T) {
	snd := &captureSender{ch: make(chan struct{}, 4)}
	svc, log := New(Config{Level: "debug", Chat: ChatConfig{Enabled: true, MinLevel: "warn", RatePerSec: 10}}, nil)
	defer svc.Close()
	svc.SetChatTarget(snd, -100123, 0)

	log.Info("ignored")
	log.Warn("sweep slow")

	select {
	case <-snd.ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("warning was not forwarded")
	}
	snd.mu.Lock()
	defer snd.mu.Unlock()
	if len(snd.lines) != 1 || !strings.HasPrefix(snd.lines[0], "[WARN] sweep slow") {
		t.Fatalf("lines=%q", snd.lines)
	}
}
