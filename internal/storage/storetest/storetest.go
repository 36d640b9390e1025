// Package storetest holds the contract tests every persistence backend
// must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"botfleet/internal/broadcast"
	"botfleet/internal/queue"
	"botfleet/internal/tenant"
	"botfleet/internal/transport"
)

type RecordStore interface {
	queue.Store
	broadcast.Store
}

// Repository runs the tenant.Repository contract against repo. The store
// must be empty.
func Repository(t *testing.T, repo tenant.Repository) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	bot := tenant.Bot{ID: "b1", OwnerID: "o1", OwnerChatID: 77, Name: "shop", Token: "1:secret", Status: tenant.StatusStopped, CreatedAt: now, UpdatedAt: now}
	if err := repo.SaveBot(ctx, bot); err != nil {
		t.Fatalf("SaveBot error: %v", err)
	}
	bot.Status = tenant.StatusRunning
	bot.LastError = "poll failed"
	if err := repo.SaveBot(ctx, bot); err != nil {
		t.Fatalf("SaveBot update error: %v", err)
	}
	got, err := repo.GetBot(ctx, "b1")
	if err != nil {
		t.Fatalf("GetBot error: %v", err)
	}
	if got.Status != tenant.StatusRunning || got.OwnerChatID != 77 || got.LastError != "poll failed" || !got.CreatedAt.Equal(now) {
		t.Fatalf("GetBot = %+v", got)
	}
	if _, err := repo.GetBot(ctx, "missing"); !errors.Is(err, tenant.ErrNotFound) {
		t.Fatalf("GetBot missing error = %v, want ErrNotFound", err)
	}
	if bots, _ := repo.ListBots(ctx); len(bots) != 1 {
		t.Fatalf("ListBots = %d bots, want 1", len(bots))
	}

	for _, trig := range []string{"start", "help"} {
		if err := repo.SaveCommand(ctx, tenant.Command{ID: "c-" + trig, BotID: "b1", Trigger: trig, Code: "reply('x')", UpdatedAt: now}); err != nil {
			t.Fatalf("SaveCommand error: %v", err)
		}
	}
	if err := repo.SaveCommand(ctx, tenant.Command{ID: "c-help", BotID: "b1", Trigger: "help", Code: "reply('y')", UpdatedAt: now}); err != nil {
		t.Fatalf("SaveCommand overwrite error: %v", err)
	}
	cmds, err := repo.Commands(ctx, "b1")
	if err != nil || len(cmds) != 2 {
		t.Fatalf("Commands = %v, %v", cmds, err)
	}
	if cmds[0].Trigger != "help" || cmds[0].Code != "reply('y')" {
		t.Fatalf("Commands[0] = %+v", cmds[0])
	}
	if err := repo.DeleteCommand(ctx, "b1", "start"); err != nil {
		t.Fatalf("DeleteCommand error: %v", err)
	}
	if err := repo.DeleteCommand(ctx, "b1", "start"); !errors.Is(err, tenant.ErrNotFound) {
		t.Fatalf("DeleteCommand twice error = %v, want ErrNotFound", err)
	}

	for _, chat := range []int64{-100, 5, 3} {
		created, err := repo.AddSubscriber(ctx, tenant.Subscriber{BotID: "b1", ChatID: chat, Username: "u", JoinedAt: now})
		if err != nil || !created {
			t.Fatalf("AddSubscriber(%d) = %v, %v", chat, created, err)
		}
	}
	if created, _ := repo.AddSubscriber(ctx, tenant.Subscriber{BotID: "b1", ChatID: 5, JoinedAt: now}); created {
		t.Fatalf("AddSubscriber duplicate reported created")
	}
	var order []int64
	for s, err := range repo.Subscribers(ctx, "b1") {
		if err != nil {
			t.Fatalf("Subscribers error: %v", err)
		}
		order = append(order, s.ChatID)
	}
	if fmt.Sprint(order) != "[-100 3 5]" {
		t.Fatalf("Subscribers order = %v", order)
	}
	if err := repo.RemoveSubscriber(ctx, "b1", 3); err != nil {
		t.Fatalf("RemoveSubscriber error: %v", err)
	}
	if err := repo.RemoveSubscriber(ctx, "b1", 3); !errors.Is(err, tenant.ErrNotFound) {
		t.Fatalf("RemoveSubscriber twice error = %v, want ErrNotFound", err)
	}
	if n, _ := repo.CountSubscribers(ctx, "b1"); n != 2 {
		t.Fatalf("CountSubscribers = %d, want 2", n)
	}

	if err := repo.DeleteBot(ctx, "b1"); err != nil {
		t.Fatalf("DeleteBot error: %v", err)
	}
	if n, _ := repo.CountSubscribers(ctx, "b1"); n != 0 {
		t.Fatalf("subscribers survived DeleteBot: %d", n)
	}
	if cmds, _ := repo.Commands(ctx, "b1"); len(cmds) != 0 {
		t.Fatalf("commands survived DeleteBot: %d", len(cmds))
	}
}

// Jobs builds n pending jobs of broadcast bc1 with descending Seq.
func Jobs(n int) []queue.Job {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	jobs := make([]queue.Job, n)
	for i := range jobs {
		jobs[i] = queue.Job{
			ID:          fmt.Sprintf("j%d", i),
			Seq:         uint64(n - i),
			BotID:       "b1",
			ChatID:      int64(i),
			BroadcastID: "bc1",
			Payload:     transport.Payload{Text: "hello", Buttons: []transport.Button{{Text: "go", URL: "https://example.com"}}},
			MaxAttempts: 5,
			State:       queue.StatePending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}
	return jobs
}

// Records runs the job and broadcast store contract against st. The store
// must be empty.
func Records(t *testing.T, st RecordStore) {
	t.Helper()
	ctx := context.Background()
	jobs := Jobs(4)
	if err := st.InsertJobs(ctx, jobs); err != nil {
		t.Fatalf("InsertJobs error: %v", err)
	}
	jobs[1].State = queue.StateDelivered
	jobs[1].Attempts = 1
	if err := st.UpdateJobs(ctx, jobs[1:2]); err != nil {
		t.Fatalf("UpdateJobs error: %v", err)
	}
	if err := st.DeleteJobs(ctx, []string{"j0"}); err != nil {
		t.Fatalf("DeleteJobs error: %v", err)
	}
	loaded, err := st.LoadJobs(ctx)
	if err != nil {
		t.Fatalf("LoadJobs error: %v", err)
	}
	if len(loaded) != 3 {
		t.Fatalf("LoadJobs = %d jobs, want 3", len(loaded))
	}
	// Ordered by Seq: j3(1), j2(2), j1(3).
	if loaded[0].ID != "j3" || loaded[2].ID != "j1" {
		t.Fatalf("LoadJobs order = %s,%s,%s", loaded[0].ID, loaded[1].ID, loaded[2].ID)
	}
	j1 := loaded[2]
	if j1.State != queue.StateDelivered || j1.Attempts != 1 || j1.Payload.Buttons[0].URL != "https://example.com" {
		t.Fatalf("j1 = %+v", j1)
	}

	b := broadcast.Broadcast{ID: "bc1", BotID: "b1", State: broadcast.StateInProgress, Total: 4, Payload: transport.Payload{Text: "hello"}}
	if err := st.SaveBroadcast(ctx, b); err != nil {
		t.Fatalf("SaveBroadcast error: %v", err)
	}
	b.State = broadcast.StateCompleted
	b.Delivered = 4
	if err := st.SaveBroadcast(ctx, b); err != nil {
		t.Fatalf("SaveBroadcast update error: %v", err)
	}
	bs, err := st.LoadBroadcasts(ctx)
	if err != nil || len(bs) != 1 {
		t.Fatalf("LoadBroadcasts = %v, %v", bs, err)
	}
	if bs[0].State != broadcast.StateCompleted || bs[0].Delivered != 4 {
		t.Fatalf("broadcast = %+v", bs[0])
	}
	if err := st.DeleteBroadcasts(ctx, []string{"bc1"}); err != nil {
		t.Fatalf("DeleteBroadcasts error: %v", err)
	}
	if bs, _ := st.LoadBroadcasts(ctx); len(bs) != 0 {
		t.Fatalf("broadcasts after delete = %d", len(bs))
	}
}

