package adapter

import (
	"context"
	"hash/fnv"

	tele "gopkg.in/telebot.v4"

	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

const (
	maxMenuCommands    = 100
	maxMenuDescription = 256
)

// UpdateMenuCommands publishes the command menu (setMyCommands). The network
// call is skipped when the list has not changed since the last success.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	menu := buildMenu(cmds)
	sum := menuHash(menu)
	if sum == a.menuHash {
		return nil
	}
	if err := a.call(ctx, func() error { return a.bot.SetCommands(menu) }); err != nil {
		return err
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(menu)))
	return nil
}

func buildMenu(cmds []kit.BotCommand) []tele.Command {
	out := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > maxMenuDescription {
			d = d[:maxMenuDescription]
		}
		out = append(out, tele.Command{Text: c.Command, Description: d})
		if len(out) >= maxMenuCommands {
			break
		}
	}
	return out
}

func menuHash(menu []tele.Command) uint64 {
	h := fnv.New64a()
	for _, c := range menu {
		h.Write([]byte(c.Text))
		h.Write([]byte{0})
		h.Write([]byte(c.Description))
		h.Write([]byte{0})
	}
	return h.Sum64()
}
