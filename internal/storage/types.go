package storage

import (
	"errors"
	"time"

	"botfleet/internal/broadcast"
	"botfleet/internal/queue"
	"botfleet/internal/tenant"
)

var ErrClosed = errors.New("storage closed")

// Config configures the primary backend.
//
// Driver values:
//   - "memory": nothing survives a restart
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// FileConfig configures the job/broadcast journal.
type FileConfig struct {
	Path string
	// CompactEvery folds the journal into the snapshot after this many
	// appends. 0 means 1000.
	CompactEvery int
}

// Backend is a store serving every persistence collaborator.
type Backend interface {
	tenant.Repository
	queue.Store
	broadcast.Store
	Close() error
}

// Records is the job and broadcast half of a Backend.
type Records interface {
	queue.Store
	broadcast.Store
	Close() error
}
