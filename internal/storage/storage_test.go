package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"botfleet/internal/queue"
	"botfleet/internal/storage/storetest"
	"botfleet/internal/tenant"
	logx "botfleet/pkg/logx"
)

func openSQLiteT(t *testing.T, path string) *SQLite {
	t.Helper()
	st, err := OpenSQLite(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("OpenSQLite error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRepositoryBackends(t *testing.T) {
	t.Parallel()
	backends := map[string]func(t *testing.T) tenant.Repository{
		"memory": func(*testing.T) tenant.Repository { return NewMemory() },
		"sqlite": func(t *testing.T) tenant.Repository {
			return openSQLiteT(t, filepath.Join(t.TempDir(), "fleet.db"))
		},
	}
	for name, open := range backends {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			storetest.Repository(t, open(t))
		})
	}
}

func TestRecordBackends(t *testing.T) {
	t.Parallel()
	backends := map[string]func(t *testing.T) storetest.RecordStore{
		"memory": func(*testing.T) storetest.RecordStore { return NewMemory() },
		"sqlite": func(t *testing.T) storetest.RecordStore {
			return openSQLiteT(t, filepath.Join(t.TempDir(), "fleet.db"))
		},
		"file": func(t *testing.T) storetest.RecordStore {
			fs, err := OpenFile(FileConfig{Path: filepath.Join(t.TempDir(), "jobs.json"), CompactEvery: 3}, logx.Nop())
			if err != nil {
				t.Fatalf("OpenFile error: %v", err)
			}
			t.Cleanup(func() { _ = fs.Close() })
			return fs
		},
	}
	for name, open := range backends {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			storetest.Records(t, open(t))
		})
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "fleet.db")
	st, err := OpenSQLite(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("OpenSQLite error: %v", err)
	}
	if err := st.InsertJobs(ctx, storetest.Jobs(2)); err != nil {
		t.Fatalf("InsertJobs error: %v", err)
	}
	if err := st.SaveBot(ctx, tenant.Bot{ID: "b1", OwnerID: "o", Name: "n", Token: "t", Status: tenant.StatusStopped}); err != nil {
		t.Fatalf("SaveBot error: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	st = openSQLiteT(t, path)
	jobs, err := st.LoadJobs(ctx)
	if err != nil || len(jobs) != 2 {
		t.Fatalf("LoadJobs after reopen = %d, %v", len(jobs), err)
	}
	if _, err := st.GetBot(ctx, "b1"); err != nil {
		t.Fatalf("GetBot after reopen error: %v", err)
	}
}

func TestSQLiteSubscribersPaging(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openSQLiteT(t, filepath.Join(t.TempDir(), "fleet.db"))
	const n = 2*subscriberPage + 3
	for i := 0; i < n; i++ {
		if _, err := st.AddSubscriber(ctx, tenant.Subscriber{BotID: "b", ChatID: int64(i - 10)}); err != nil {
			t.Fatalf("AddSubscriber error: %v", err)
		}
	}
	seen := 0
	last := int64(-1 << 62)
	for s, err := range st.Subscribers(ctx, "b") {
		if err != nil {
			t.Fatalf("Subscribers error: %v", err)
		}
		if s.ChatID <= last {
			t.Fatalf("chat %d after %d", s.ChatID, last)
		}
		last = s.ChatID
		seen++
		// Writes between pages must not deadlock the single connection.
		if seen == subscriberPage {
			if _, err := st.AddSubscriber(ctx, tenant.Subscriber{BotID: "other", ChatID: 1}); err != nil {
				t.Fatalf("AddSubscriber during iteration error: %v", err)
			}
		}
	}
	if seen != n {
		t.Fatalf("Subscribers yielded %d, want %d", seen, n)
	}

	stopped := 0
	for range st.Subscribers(ctx, "b") {
		stopped++
		if stopped == 3 {
			break
		}
	}
	if stopped != 3 {
		t.Fatalf("early break yielded %d", stopped)
	}
}

func TestFileStoreReplay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.json")
	fs, err := OpenFile(FileConfig{Path: path, CompactEvery: 4}, logx.Nop())
	if err != nil {
		t.Fatalf("OpenFile error: %v", err)
	}
	jobs := storetest.Jobs(3)
	if err := fs.InsertJobs(ctx, jobs); err != nil {
		t.Fatalf("InsertJobs error: %v", err)
	}
	// The fourth write compacts; the update after it lives in the journal.
	jobs[0].State = queue.StateSkipped
	if err := fs.UpdateJobs(ctx, jobs[:1]); err != nil {
		t.Fatalf("UpdateJobs error: %v", err)
	}
	jobs[2].State = queue.StateDeadLettered
	if err := fs.UpdateJobs(ctx, jobs[2:]); err != nil {
		t.Fatalf("UpdateJobs error: %v", err)
	}

	// A second handle replays snapshot + journal without Close.
	again, err := OpenFile(FileConfig{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	loaded, _ := again.LoadJobs(ctx)
	states := map[string]queue.State{}
	for _, j := range loaded {
		states[j.ID] = j.State
	}
	if len(states) != 3 || states["j0"] != queue.StateSkipped || states["j2"] != queue.StateDeadLettered || states["j1"] != queue.StatePending {
		t.Fatalf("replayed states = %v", states)
	}
	_ = again.Close()
	if err := fs.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if err := fs.InsertJobs(ctx, jobs); !errors.Is(err, ErrClosed) {
		t.Fatalf("InsertJobs after Close error = %v, want ErrClosed", err)
	}
}

func TestOpenDrivers(t *testing.T) {
	t.Parallel()
	if b, err := Open(Config{Driver: "memory"}, logx.Nop()); err != nil || b == nil {
		t.Fatalf("Open memory = %v, %v", b, err)
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatalf("unknown driver accepted")
	}
	if _, err := Open(Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Fatalf("sqlite without path accepted")
	}
}
