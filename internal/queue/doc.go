// Package queue is the dispatch queue for outbound messages.
//
// Jobs live in an in-memory arena guarded by one lock and are grouped into
// lanes, one per (bot, chat). A lane hands out at most one job at a time,
// which keeps per-chat order, and lanes are served round-robin so a large
// broadcast cannot starve interactive replies. Handed-out jobs carry a lease;
// a lease that runs out returns the job to the head of its lane.
//
// Every transition is written through to an optional Store so the queue can
// be rebuilt after a restart.
package queue
