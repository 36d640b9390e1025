package tenant

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"botfleet/internal/sandbox"
	logx "botfleet/pkg/logx"
)

const (
	maxNameRunes   = 64
	maxTriggerLen  = 32
	maxCommandCode = 64 << 10
)

type RegistryConfig struct {
	// MaxBotsPerOwner caps registrations per owner; 0 means unlimited.
	MaxBotsPerOwner int
}

// RegisterRequest describes a new hosted bot. Commands maps trigger to code.
type RegisterRequest struct {
	OwnerID     string
	OwnerChatID int64
	Name        string
	Credential  string
	Commands    map[string]string
}

type entry struct {
	bot      Bot
	commands map[string]Command
}

// Registry caches bots and commands in memory. Writes go to the repository
// first and update the cache only when they succeed.
type Registry struct {
	mu   sync.RWMutex
	repo Repository
	cfg  RegistryConfig
	log  logx.Logger
	now  func() time.Time

	bots map[string]*entry
}

func NewRegistry(repo Repository, cfg RegistryConfig, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{repo: repo, cfg: cfg, log: log, now: time.Now, bots: make(map[string]*entry)}
}

// Load replaces the cache with the repository contents.
func (r *Registry) Load(ctx context.Context) error {
	bots, err := r.repo.ListBots(ctx)
	if err != nil {
		return fmt.Errorf("load bots: %w", err)
	}
	fresh := make(map[string]*entry, len(bots))
	for _, b := range bots {
		cmds, err := r.repo.Commands(ctx, b.ID)
		if err != nil {
			return fmt.Errorf("load commands of %s: %w", b.ID, err)
		}
		e := &entry{bot: b, commands: make(map[string]Command, len(cmds))}
		for _, c := range cmds {
			e.commands[c.Trigger] = c
		}
		fresh[b.ID] = e
	}
	r.mu.Lock()
	r.bots = fresh
	r.mu.Unlock()
	return nil
}

func (r *Registry) Register(ctx context.Context, req RegisterRequest) (Bot, error) {
	name := strings.TrimSpace(req.Name)
	token := strings.TrimSpace(req.Credential)
	switch {
	case name == "" || len([]rune(name)) > maxNameRunes:
		return Bot{}, fmt.Errorf("%w: name must be 1-%d characters", ErrInvalidBot, maxNameRunes)
	case strings.TrimSpace(req.OwnerID) == "":
		return Bot{}, fmt.Errorf("%w: owner id is required", ErrInvalidBot)
	case !ValidToken(token):
		return Bot{}, ErrInvalidToken
	}
	cmds := make([]Command, 0, len(req.Commands))
	now := r.now()
	for trigger, code := range req.Commands {
		c, err := newCommand(trigger, code, now)
		if err != nil {
			return Bot{}, err
		}
		cmds = append(cmds, c)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	owned := 0
	for _, e := range r.bots {
		if e.bot.Token == token {
			return Bot{}, ErrDuplicateToken
		}
		if e.bot.OwnerID == req.OwnerID {
			owned++
		}
	}
	if r.cfg.MaxBotsPerOwner > 0 && owned >= r.cfg.MaxBotsPerOwner {
		return Bot{}, ErrBotLimit
	}

	b := Bot{
		ID:          uuid.NewString(),
		OwnerID:     req.OwnerID,
		OwnerChatID: req.OwnerChatID,
		Name:        name,
		Token:       token,
		Status:      StatusStopped,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.repo.SaveBot(ctx, b); err != nil {
		return Bot{}, fmt.Errorf("save bot: %w", err)
	}
	e := &entry{bot: b, commands: make(map[string]Command, len(cmds))}
	for _, c := range cmds {
		c.BotID = b.ID
		if err := r.repo.SaveCommand(ctx, c); err != nil {
			return Bot{}, fmt.Errorf("save command %s: %w", c.Trigger, err)
		}
		e.commands[c.Trigger] = c
	}
	r.bots[b.ID] = e
	r.log.Info("bot registered", logx.BotID(b.ID), logx.String("name", b.Name), logx.Secret("token", b.Token), logx.Int("commands", len(cmds)))
	return b, nil
}

func newCommand(trigger, code string, now time.Time) (Command, error) {
	t := sandbox.NormalizeTrigger(trigger)
	if t == "" || len(t) > maxTriggerLen || strings.IndexFunc(t, invalidTriggerRune) >= 0 {
		return Command{}, fmt.Errorf("%w: %q", ErrInvalidTrigger, trigger)
	}
	if strings.TrimSpace(code) == "" || len(code) > maxCommandCode {
		return Command{}, fmt.Errorf("%w: code for %q must be 1-%d bytes", ErrInvalidTrigger, t, maxCommandCode)
	}
	return Command{ID: uuid.NewString(), Trigger: t, Code: code, UpdatedAt: now}, nil
}

func invalidTriggerRune(c rune) bool {
	return !(c == '_' || unicode.IsDigit(c) || (c >= 'a' && c <= 'z'))
}

func (r *Registry) Get(id string) (Bot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.bots[id]
	if !ok {
		return Bot{}, false
	}
	return e.bot, true
}

// List returns bots ordered by creation time.
func (r *Registry) List() []Bot {
	r.mu.RLock()
	out := make([]Bot, 0, len(r.bots))
	for _, e := range r.bots {
		out = append(out, e.bot)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SetStatus persists a lifecycle change. lastErr is recorded as-is.
func (r *Registry) SetStatus(ctx context.Context, id string, status Status, lastErr string) (Bot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.bots[id]
	if !ok {
		return Bot{}, ErrNotFound
	}
	b := e.bot
	b.Status = status
	b.LastError = lastErr
	b.UpdatedAt = r.now()
	if err := r.repo.SaveBot(ctx, b); err != nil {
		return Bot{}, fmt.Errorf("save bot: %w", err)
	}
	e.bot = b
	return b, nil
}

// Toggle flips a bot between Running and Stopped.
func (r *Registry) Toggle(ctx context.Context, id string) (Bot, error) {
	b, ok := r.Get(id)
	if !ok {
		return Bot{}, ErrNotFound
	}
	next := StatusRunning
	if b.Status == StatusRunning {
		next = StatusStopped
	}
	return r.SetStatus(ctx, id, next, "")
}

func (r *Registry) UpsertCommand(ctx context.Context, botID, trigger, code string) (Command, error) {
	c, err := newCommand(trigger, code, r.now())
	if err != nil {
		return Command{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.bots[botID]
	if !ok {
		return Command{}, ErrNotFound
	}
	if old, ok := e.commands[c.Trigger]; ok {
		c.ID = old.ID
	}
	c.BotID = botID
	if err := r.repo.SaveCommand(ctx, c); err != nil {
		return Command{}, fmt.Errorf("save command: %w", err)
	}
	e.commands[c.Trigger] = c
	return c, nil
}

func (r *Registry) RemoveCommand(ctx context.Context, botID, trigger string) error {
	t := sandbox.NormalizeTrigger(trigger)
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.bots[botID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := e.commands[t]; !ok {
		return ErrNotFound
	}
	if err := r.repo.DeleteCommand(ctx, botID, t); err != nil {
		return fmt.Errorf("delete command: %w", err)
	}
	delete(e.commands, t)
	return nil
}

// Command looks up the handler for a normalised trigger.
func (r *Registry) Command(botID, trigger string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.bots[botID]
	if !ok {
		return Command{}, false
	}
	c, ok := e.commands[trigger]
	return c, ok
}

func (r *Registry) Commands(botID string) []Command {
	r.mu.RLock()
	e, ok := r.bots[botID]
	if !ok {
		r.mu.RUnlock()
		return nil
	}
	out := make([]Command, 0, len(e.commands))
	for _, c := range e.commands {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Trigger < out[j].Trigger })
	return out
}

func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bots[id]; !ok {
		return ErrNotFound
	}
	if err := r.repo.DeleteBot(ctx, id); err != nil {
		return fmt.Errorf("delete bot: %w", err)
	}
	delete(r.bots, id)
	r.log.Info("bot deleted", logx.BotID(id))
	return nil
}
