package sandbox

import "strings"

// ParseCommand splits "/trigger@botname arg1 arg2" into the lower-cased
// trigger and its arguments. Text that is not a command returns ok=false.
func ParseCommand(text string) (trigger string, args []string, ok bool) {
	text = strings.TrimSpace(text)
	if len(text) < 2 || text[0] != '/' {
		return "", nil, false
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return "", nil, false
	}
	trigger = fields[0]
	if i := strings.IndexByte(trigger, '@'); i >= 0 {
		trigger = trigger[:i]
	}
	trigger = NormalizeTrigger(trigger)
	if trigger == "" {
		return "", nil, false
	}
	return trigger, fields[1:], true
}

// NormalizeTrigger lower-cases a trigger and strips a leading slash.
func NormalizeTrigger(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "/"))
}
