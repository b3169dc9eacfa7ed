package tgui

import (
	tele "gopkg.in/telebot.v4"
)

// Inline is a small builder for inline keyboards.
type Inline struct {
	rm   *tele.ReplyMarkup
	rows []tele.Row
}

func NewInline() *Inline {
	return &Inline{rm: &tele.ReplyMarkup{}}
}

// Row appends a row. Empty rows are dropped.
func (i *Inline) Row(btn ...tele.Btn) *Inline {
	if len(btn) == 0 {
		return i
	}
	i.rows = append(i.rows, i.rm.Row(btn...))
	i.rm.Inline(i.rows...)
	return i
}

// Len reports the number of rows.
func (i *Inline) Len() int { return len(i.rows) }

// Markup returns the reply markup, or nil when no rows were added so that
// callers can pass it straight into SendOptions.
func (i *Inline) Markup() *tele.ReplyMarkup {
	if len(i.rows) == 0 {
		return nil
	}
	return i.rm
}

// Btn creates a callback button with raw callback_data.
func Btn(text, data string) tele.Btn {
	return tele.Btn{Text: text, Data: data}
}

// URLBtn creates a URL button.
func URLBtn(text, url string) tele.Btn {
	return tele.Btn{Text: text, URL: url}
}

// ConfirmInline builds a 2-button confirm keyboard.
func ConfirmInline(yes, no tele.Btn) *Inline {
	return NewInline().Row(yes, no)
}

// Grid splits buttons into rows of cols.
func Grid(cols int, buttons []tele.Btn) *Inline {
	if cols <= 0 {
		cols = 2
	}
	kb := NewInline()
	for start := 0; start < len(buttons); start += cols {
		end := min(start+cols, len(buttons))
		kb.Row(buttons[start:end]...)
	}
	return kb
}
