package tenant

import (
	"context"
	"errors"
	"iter"
	"sort"
	"sync"
)

type fakeRepo struct {
	mu       sync.Mutex
	bots     map[string]Bot
	commands map[string]map[string]Command
	subs     map[string]map[int64]Subscriber
	failSave error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		bots:     make(map[string]Bot),
		commands: make(map[string]map[string]Command),
		subs:     make(map[string]map[int64]Subscriber),
	}
}

func (r *fakeRepo) SaveBot(_ context.Context, b Bot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSave != nil {
		return r.failSave
	}
	r.bots[b.ID] = b
	return nil
}

func (r *fakeRepo) GetBot(_ context.Context, id string) (Bot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bots[id]
	if !ok {
		return Bot{}, ErrNotFound
	}
	return b, nil
}

func (r *fakeRepo) ListBots(context.Context) ([]Bot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Bot, 0, len(r.bots))
	for _, b := range r.bots {
		out = append(out, b)
	}
	return out, nil
}

func (r *fakeRepo) DeleteBot(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bots, id)
	delete(r.commands, id)
	delete(r.subs, id)
	return nil
}

func (r *fakeRepo) SaveCommand(_ context.Context, c Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.commands[c.BotID] == nil {
		r.commands[c.BotID] = make(map[string]Command)
	}
	r.commands[c.BotID][c.Trigger] = c
	return nil
}

func (r *fakeRepo) DeleteCommand(_ context.Context, botID, trigger string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.commands[botID][trigger]; !ok {
		return ErrNotFound
	}
	delete(r.commands[botID], trigger)
	return nil
}

func (r *fakeRepo) Commands(_ context.Context, botID string) ([]Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Command
	for _, c := range r.commands[botID] {
		out = append(out, c)
	}
	return out, nil
}

func (r *fakeRepo) AddSubscriber(_ context.Context, s Subscriber) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs[s.BotID] == nil {
		r.subs[s.BotID] = make(map[int64]Subscriber)
	}
	if _, ok := r.subs[s.BotID][s.ChatID]; ok {
		return false, nil
	}
	r.subs[s.BotID][s.ChatID] = s
	return true, nil
}

func (r *fakeRepo) RemoveSubscriber(_ context.Context, botID string, chatID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[botID][chatID]; !ok {
		return ErrNotFound
	}
	delete(r.subs[botID], chatID)
	return nil
}

func (r *fakeRepo) Subscribers(_ context.Context, botID string) iter.Seq2[Subscriber, error] {
	r.mu.Lock()
	list := make([]Subscriber, 0, len(r.subs[botID]))
	for _, s := range r.subs[botID] {
		list = append(list, s)
	}
	r.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].ChatID < list[j].ChatID })
	return func(yield func(Subscriber, error) bool) {
		for _, s := range list {
			if !yield(s, nil) {
				return
			}
		}
	}
}

func (r *fakeRepo) CountSubscribers(_ context.Context, botID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[botID]), nil
}

var errDown = errors.New("repository down")
