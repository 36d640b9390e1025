// Package mongostore keeps bots, commands and subscribers in MongoDB.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"botfleet/internal/tenant"
	logx "botfleet/pkg/logx"
)

type Config struct {
	URI            string
	Database       string
	MaxPoolSize    uint64
	ConnectTimeout time.Duration
	// MaxRetry bounds connection attempts at startup.
	MaxRetry int
}

func (c Config) withDefaults() Config {
	if c.Database == "" {
		c.Database = "botfleet"
	}
	if c.MaxPoolSize == 0 {
		c.MaxPoolSize = 32
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = 3
	}
	return c
}

// Store implements tenant.Repository.
type Store struct {
	client      *mongo.Client
	bots        *mongo.Collection
	commands    *mongo.Collection
	subscribers *mongo.Collection
	log         logx.Logger
}

// Open connects, pings and ensures the indexes.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*Store, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.URI) == "" {
		return nil, errors.New("mongo uri is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	opts := options.Client().ApplyURI(cfg.URI).SetMaxPoolSize(cfg.MaxPoolSize)

	var (
		cli *mongo.Client
		err error
	)
	for i := 0; i < cfg.MaxRetry; i++ {
		cli, err = connect(ctx, opts, cfg.ConnectTimeout)
		if err == nil || ctx.Err() != nil {
			break
		}
		log.Warn("mongo connect failed", logx.Int("attempt", i+1), logx.Err(err))
		select {
		case <-ctx.Done():
		case <-time.After(time.Second / 2):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	db := cli.Database(cfg.Database)
	s := &Store{
		client:      cli,
		bots:        db.Collection("bots"),
		commands:    db.Collection("commands"),
		subscribers: db.Collection("subscribers"),
		log:         log,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, err
	}
	log.Info("mongo connected", logx.String("database", cfg.Database))
	return s, nil
}

func connect(ctx context.Context, opts *options.ClientOptions, timeout time.Duration) (*mongo.Client, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cli, err := mongo.Connect(cctx, opts)
	if err != nil {
		return nil, err
	}
	if err := cli.Ping(cctx, nil); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, err
	}
	return cli, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	specs := []struct {
		coll *mongo.Collection
		keys bson.D
	}{
		{s.bots, bson.D{{Key: "token", Value: 1}}},
		{s.commands, bson.D{{Key: "bot_id", Value: 1}, {Key: "trigger", Value: 1}}},
		{s.subscribers, bson.D{{Key: "bot_id", Value: 1}, {Key: "chat_id", Value: 1}}},
	}
	for _, sp := range specs {
		if _, err := sp.coll.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: sp.keys, Options: unique}); err != nil {
			return fmt.Errorf("mongo index %s: %w", sp.coll.Name(), err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) SaveBot(ctx context.Context, b tenant.Bot) error {
	_, err := s.bots.ReplaceOne(ctx, bson.M{"_id": b.ID}, b, options.Replace().SetUpsert(true))
	return err
}

func (s *Store) GetBot(ctx context.Context, id string) (tenant.Bot, error) {
	var b tenant.Bot
	err := s.bots.FindOne(ctx, bson.M{"_id": id}).Decode(&b)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return tenant.Bot{}, tenant.ErrNotFound
	}
	return b, err
}

func (s *Store) ListBots(ctx context.Context) ([]tenant.Bot, error) {
	cur, err := s.bots.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []tenant.Bot
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteBot removes dependents before the bot record.
func (s *Store) DeleteBot(ctx context.Context, id string) error {
	if _, err := s.subscribers.DeleteMany(ctx, bson.M{"bot_id": id}); err != nil {
		return err
	}
	if _, err := s.commands.DeleteMany(ctx, bson.M{"bot_id": id}); err != nil {
		return err
	}
	_, err := s.bots.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

// SaveCommand keeps the first id of a trigger; updates only touch the code.
func (s *Store) SaveCommand(ctx context.Context, c tenant.Command) error {
	_, err := s.commands.UpdateOne(ctx,
		bson.M{"bot_id": c.BotID, "trigger": c.Trigger},
		bson.M{
			"$set":         bson.M{"code": c.Code, "updated_at": c.UpdatedAt},
			"$setOnInsert": bson.M{"_id": c.ID},
		},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *Store) DeleteCommand(ctx context.Context, botID, trigger string) error {
	res, err := s.commands.DeleteOne(ctx, bson.M{"bot_id": botID, "trigger": trigger})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return tenant.ErrNotFound
	}
	return nil
}

func (s *Store) Commands(ctx context.Context, botID string) ([]tenant.Command, error) {
	cur, err := s.commands.Find(ctx, bson.M{"bot_id": botID}, options.Find().SetSort(bson.D{{Key: "trigger", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []tenant.Command
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) AddSubscriber(ctx context.Context, sub tenant.Subscriber) (bool, error) {
	res, err := s.subscribers.UpdateOne(ctx,
		bson.M{"bot_id": sub.BotID, "chat_id": sub.ChatID},
		bson.M{"$setOnInsert": sub},
		options.Update().SetUpsert(true),
	)
	if mongo.IsDuplicateKeyError(err) {
		// Lost a concurrent upsert race for the same chat.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return res.UpsertedCount > 0, nil
}

func (s *Store) RemoveSubscriber(ctx context.Context, botID string, chatID int64) error {
	res, err := s.subscribers.DeleteOne(ctx, bson.M{"bot_id": botID, "chat_id": chatID})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return tenant.ErrNotFound
	}
	return nil
}

// Subscribers streams a server cursor in chat id order.
func (s *Store) Subscribers(ctx context.Context, botID string) iter.Seq2[tenant.Subscriber, error] {
	return func(yield func(tenant.Subscriber, error) bool) {
		opts := options.Find().SetSort(bson.D{{Key: "chat_id", Value: 1}}).SetBatchSize(500)
		cur, err := s.subscribers.Find(ctx, bson.M{"bot_id": botID}, opts)
		if err != nil {
			yield(tenant.Subscriber{}, err)
			return
		}
		defer cur.Close(context.WithoutCancel(ctx))
		for cur.Next(ctx) {
			var sub tenant.Subscriber
			if err := cur.Decode(&sub); err != nil {
				yield(tenant.Subscriber{}, err)
				return
			}
			if !yield(sub, nil) {
				return
			}
		}
		if err := cur.Err(); err != nil {
			yield(tenant.Subscriber{}, err)
		}
	}
}

func (s *Store) CountSubscribers(ctx context.Context, botID string) (int, error) {
	n, err := s.subscribers.CountDocuments(ctx, bson.M{"bot_id": botID})
	return int(n), err
}
