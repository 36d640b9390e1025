// Package natsbridge mirrors engine lifecycle events onto NATS subjects
// <prefix>.<event type> as JSON.
package natsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"botfleet/internal/eventbus"
	logx "botfleet/pkg/logx"
)

const (
	DefaultPrefix = "botfleet.events"
	eventTypeHdr  = "Botfleet-Event-Type"
)

type Config struct {
	URL    string
	Name   string
	Prefix string
	// Buffer is the bus subscription size; events beyond it are dropped.
	Buffer int
}

// Publisher is the part of *nats.Conn the bridge needs.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// Connect dials the server with unlimited reconnects.
func Connect(cfg Config, log logx.Logger) (*nats.Conn, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	name := cfg.Name
	if name == "" {
		name = "botfleet"
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", logx.Err(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", logx.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}

type Bridge struct {
	pub    Publisher
	prefix string
	buffer int
	log    logx.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

func New(pub Publisher, cfg Config, log logx.Logger) *Bridge {
	prefix := strings.TrimSuffix(cfg.Prefix, ".")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 256
	}
	return &Bridge{pub: pub, prefix: prefix, buffer: buffer, log: log}
}

// Run forwards bus events until ctx ends.
func (b *Bridge) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsubscribe := bus.Subscribe(b.buffer)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if err := b.Publish(e); err != nil {
				b.log.Debug("event mirror failed", logx.String("type", e.Type), logx.Err(err))
			}
		}
	}
}

// Publish sends one event. Each message carries a fresh Nats-Msg-Id so a
// JetStream consumer can deduplicate redeliveries.
func (b *Bridge) Publish(e eventbus.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		b.failed.Add(1)
		return fmt.Errorf("encode %s: %w", e.Type, err)
	}
	msg := nats.NewMsg(b.Subject(e.Type))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, uuid.NewString())
	msg.Header.Set(eventTypeHdr, e.Type)
	if err := b.pub.PublishMsg(msg); err != nil {
		b.failed.Add(1)
		return err
	}
	b.published.Add(1)
	return nil
}

func (b *Bridge) Subject(eventType string) string { return b.prefix + "." + eventType }

type Stats struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
}

func (b *Bridge) Snapshot() Stats {
	return Stats{Published: b.published.Load(), Failed: b.failed.Load()}
}
