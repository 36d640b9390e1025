package tgui

import (
	"strings"

	tele "gopkg.in/telebot.v4"
)

// URLBtn creates an inline URL button.
func URLBtn(text, url string) tele.Btn {
	return tele.Btn{Text: text, URL: url}
}

// URLKeyboard lays buttons out perRow to a row. It returns nil when there
// is nothing to show so callers can pass the result straight to Send.
func URLKeyboard(perRow int, btns ...tele.Btn) *tele.ReplyMarkup {
	kept := btns[:0:0]
	for _, b := range btns {
		if strings.TrimSpace(b.Text) != "" && strings.TrimSpace(b.URL) != "" {
			kept = append(kept, b)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	if perRow <= 0 {
		perRow = 1
	}
	rm := &tele.ReplyMarkup{}
	rm.Inline(rm.Split(perRow, kept)...)
	return rm
}
