// Package tgui holds Telegram formatting helpers shared by the gateway and
// the engine's own notices: HTML-safe text fragments and inline URL
// keyboards.
package tgui
