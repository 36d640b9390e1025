package storage

import (
	"context"
	"iter"
	"sort"
	"sync"

	"botfleet/internal/broadcast"
	"botfleet/internal/queue"
	"botfleet/internal/tenant"
)

// Memory keeps everything in process maps.
type Memory struct {
	mu         sync.Mutex
	closed     bool
	bots       map[string]tenant.Bot
	commands   map[string]map[string]tenant.Command
	subs       map[string]map[int64]tenant.Subscriber
	jobs       map[string]queue.Job
	broadcasts map[string]broadcast.Broadcast
}

func NewMemory() *Memory {
	return &Memory{
		bots:       make(map[string]tenant.Bot),
		commands:   make(map[string]map[string]tenant.Command),
		subs:       make(map[string]map[int64]tenant.Subscriber),
		jobs:       make(map[string]queue.Job),
		broadcasts: make(map[string]broadcast.Broadcast),
	}
}

func (m *Memory) lock() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) SaveBot(_ context.Context, b tenant.Bot) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.bots[b.ID] = b
	return nil
}

func (m *Memory) GetBot(_ context.Context, id string) (tenant.Bot, error) {
	if err := m.lock(); err != nil {
		return tenant.Bot{}, err
	}
	defer m.mu.Unlock()
	b, ok := m.bots[id]
	if !ok {
		return tenant.Bot{}, tenant.ErrNotFound
	}
	return b, nil
}

func (m *Memory) ListBots(context.Context) ([]tenant.Bot, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	out := make([]tenant.Bot, 0, len(m.bots))
	for _, b := range m.bots {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) DeleteBot(_ context.Context, id string) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	delete(m.bots, id)
	delete(m.commands, id)
	delete(m.subs, id)
	return nil
}

func (m *Memory) SaveCommand(_ context.Context, c tenant.Command) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if m.commands[c.BotID] == nil {
		m.commands[c.BotID] = make(map[string]tenant.Command)
	}
	m.commands[c.BotID][c.Trigger] = c
	return nil
}

func (m *Memory) DeleteCommand(_ context.Context, botID, trigger string) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if _, ok := m.commands[botID][trigger]; !ok {
		return tenant.ErrNotFound
	}
	delete(m.commands[botID], trigger)
	return nil
}

func (m *Memory) Commands(_ context.Context, botID string) ([]tenant.Command, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	out := make([]tenant.Command, 0, len(m.commands[botID]))
	for _, c := range m.commands[botID] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Trigger < out[j].Trigger })
	return out, nil
}

func (m *Memory) AddSubscriber(_ context.Context, s tenant.Subscriber) (bool, error) {
	if err := m.lock(); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	if m.subs[s.BotID] == nil {
		m.subs[s.BotID] = make(map[int64]tenant.Subscriber)
	}
	if _, ok := m.subs[s.BotID][s.ChatID]; ok {
		return false, nil
	}
	m.subs[s.BotID][s.ChatID] = s
	return true, nil
}

func (m *Memory) RemoveSubscriber(_ context.Context, botID string, chatID int64) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if _, ok := m.subs[botID][chatID]; !ok {
		return tenant.ErrNotFound
	}
	delete(m.subs[botID], chatID)
	return nil
}

// Subscribers yields a snapshot taken when iteration starts, in chat id
// order.
func (m *Memory) Subscribers(_ context.Context, botID string) iter.Seq2[tenant.Subscriber, error] {
	return func(yield func(tenant.Subscriber, error) bool) {
		if err := m.lock(); err != nil {
			yield(tenant.Subscriber{}, err)
			return
		}
		list := make([]tenant.Subscriber, 0, len(m.subs[botID]))
		for _, s := range m.subs[botID] {
			list = append(list, s)
		}
		m.mu.Unlock()
		sort.Slice(list, func(i, j int) bool { return list[i].ChatID < list[j].ChatID })
		for _, s := range list {
			if !yield(s, nil) {
				return
			}
		}
	}
}

func (m *Memory) CountSubscribers(_ context.Context, botID string) (int, error) {
	if err := m.lock(); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	return len(m.subs[botID]), nil
}

func (m *Memory) InsertJobs(_ context.Context, jobs []queue.Job) error {
	return m.putJobs(jobs)
}

func (m *Memory) UpdateJobs(_ context.Context, jobs []queue.Job) error {
	return m.putJobs(jobs)
}

func (m *Memory) putJobs(jobs []queue.Job) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	for _, j := range jobs {
		m.jobs[j.ID] = j
	}
	return nil
}

func (m *Memory) LoadJobs(context.Context) ([]queue.Job, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	out := make([]queue.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *Memory) DeleteJobs(_ context.Context, ids []string) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.jobs, id)
	}
	return nil
}

func (m *Memory) SaveBroadcast(_ context.Context, b broadcast.Broadcast) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.broadcasts[b.ID] = b
	return nil
}

func (m *Memory) LoadBroadcasts(context.Context) ([]broadcast.Broadcast, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	out := make([]broadcast.Broadcast, 0, len(m.broadcasts))
	for _, b := range m.broadcasts {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) DeleteBroadcasts(_ context.Context, ids []string) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.broadcasts, id)
	}
	return nil
}
