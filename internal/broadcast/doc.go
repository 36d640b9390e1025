// Package broadcast fans one payload out to every subscriber of a bot.
//
// A Coordinator expands a broadcast into queue jobs in chunks, then follows
// the queue's completion stream to keep per-broadcast counters and decide
// the final state. Counters are read from the queue's per-broadcast tallies,
// so completions may be observed in any order.
package broadcast
