package telegram

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"botfleet/internal/transport"
)

var (
	// telebot reports unrecognised API errors as "telegram: <description> (<code>)".
	codeSuffix = regexp.MustCompile(`\((\d{3})\)\s*$`)
	retryHint  = regexp.MustCompile(`retry after (\d+)`)
)

// recipientGone lists descriptions meaning the chat will never accept
// messages from this bot again.
var recipientGone = []string{
	"bot was blocked by the user",
	"user is deactivated",
	"bot was kicked",
	"chat not found",
	"bot can't initiate conversation",
	"not enough rights to send",
}

// ClassifyError maps a telebot send error onto transport.DeliveryError.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	var de *transport.DeliveryError
	if errors.As(err, &de) {
		return err
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return transport.NewRateLimited(time.Duration(flood.RetryAfter)*time.Second, err)
	}
	var floodp *tele.FloodError
	if errors.As(err, &floodp) && floodp != nil {
		return transport.NewRateLimited(time.Duration(floodp.RetryAfter)*time.Second, err)
	}

	code, desc := 0, strings.ToLower(err.Error())
	var te *tele.Error
	if errors.As(err, &te) && te != nil {
		code = te.Code
		desc = strings.ToLower(te.Description)
	} else if m := codeSuffix.FindStringSubmatch(desc); m != nil {
		code, _ = strconv.Atoi(m[1])
	}

	switch {
	case code == 429:
		after := time.Second
		if m := retryHint.FindStringSubmatch(desc); m != nil {
			if n, convErr := strconv.Atoi(m[1]); convErr == nil {
				after = time.Duration(n) * time.Second
			}
		}
		return transport.NewRateLimited(after, err)
	case code == 403 || (code == 400 && gone(desc)):
		return transport.NewBlocked(code, err)
	case code == 400 || code == 401 || code == 404:
		return transport.NewPermanent(code, err)
	case code >= 500:
		return transport.NewTransient(code, err)
	}
	return transport.NewTransient(code, err)
}

func gone(desc string) bool {
	for _, s := range recipientGone {
		if strings.Contains(desc, s) {
			return true
		}
	}
	return false
}
