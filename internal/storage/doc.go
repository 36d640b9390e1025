// Package storage holds the embedded persistence backends of the engine.
//
// It currently supports:
//   - "memory": process-local maps, lost on exit
//   - "sqlite": a single SQLite database file (bots, commands, subscribers,
//     jobs and broadcasts)
//   - a file journal for jobs and broadcasts (jsonl journal + snapshot)
//
// Networked backends live in the mongostore and redisstore subpackages.
package storage
