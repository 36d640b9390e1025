// Package ratelimit enforces send-rate ceilings with token buckets.
//
// Every outbound send is checked against up to three scopes: the
// process-wide global bucket, an optional per-bot bucket and the
// destination chat's bucket. Buckets refill lazily from elapsed time on
// each attempt; no timer goroutine runs. Each bucket serializes its own
// state, so checks for different chats never contend on a shared lock.
package ratelimit
