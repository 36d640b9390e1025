// Package redisstore keeps job and broadcast records in Redis hashes.
//
// Keys:
//   - <prefix>jobs        hash job id -> JSON job
//   - <prefix>broadcasts  hash broadcast id -> JSON broadcast
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"botfleet/internal/broadcast"
	"botfleet/internal/queue"
	logx "botfleet/pkg/logx"
)

// chunk bounds the fields of one HSET/HDEL.
const chunk = 500

type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	Prefix   string
}

// Store implements queue.Store and broadcast.Store.
type Store struct {
	rdb *redis.Client
	log logx.Logger

	jobsKey       string
	broadcastsKey string
}

// Open connects and pings the server.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis addr is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	log.Info("redis connected", logx.String("addr", cfg.Addr), logx.Int("db", cfg.DB))
	return New(rdb, cfg.Prefix, log), nil
}

// New wraps an existing client.
func New(rdb *redis.Client, prefix string, log logx.Logger) *Store {
	if prefix == "" {
		prefix = "botfleet:"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{
		rdb:           rdb,
		log:           log,
		jobsKey:       prefix + "jobs",
		broadcastsKey: prefix + "broadcasts",
	}
}

func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) InsertJobs(ctx context.Context, jobs []queue.Job) error {
	return s.putJobs(ctx, jobs)
}

func (s *Store) UpdateJobs(ctx context.Context, jobs []queue.Job) error {
	return s.putJobs(ctx, jobs)
}

func (s *Store) putJobs(ctx context.Context, jobs []queue.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	pipe := s.rdb.TxPipeline()
	for start := 0; start < len(jobs); start += chunk {
		part := jobs[start:min(start+chunk, len(jobs))]
		values := make([]any, 0, 2*len(part))
		for _, j := range part {
			b, err := json.Marshal(j)
			if err != nil {
				return fmt.Errorf("encode job %s: %w", j.ID, err)
			}
			values = append(values, j.ID, b)
		}
		pipe.HSet(ctx, s.jobsKey, values...)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) LoadJobs(ctx context.Context) ([]queue.Job, error) {
	m, err := s.rdb.HGetAll(ctx, s.jobsKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]queue.Job, 0, len(m))
	for id, v := range m {
		var j queue.Job
		if err := json.Unmarshal([]byte(v), &j); err != nil {
			s.log.Warn("skipping undecodable job", logx.JobID(id), logx.Err(err))
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *Store) DeleteJobs(ctx context.Context, ids []string) error {
	return s.hdel(ctx, s.jobsKey, ids)
}

func (s *Store) SaveBroadcast(ctx context.Context, b broadcast.Broadcast) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode broadcast %s: %w", b.ID, err)
	}
	return s.rdb.HSet(ctx, s.broadcastsKey, b.ID, data).Err()
}

func (s *Store) LoadBroadcasts(ctx context.Context) ([]broadcast.Broadcast, error) {
	m, err := s.rdb.HGetAll(ctx, s.broadcastsKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]broadcast.Broadcast, 0, len(m))
	for id, v := range m {
		var b broadcast.Broadcast
		if err := json.Unmarshal([]byte(v), &b); err != nil {
			s.log.Warn("skipping undecodable broadcast", logx.BroadcastID(id), logx.Err(err))
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteBroadcasts(ctx context.Context, ids []string) error {
	return s.hdel(ctx, s.broadcastsKey, ids)
}

func (s *Store) hdel(ctx context.Context, key string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pipe := s.rdb.Pipeline()
	for start := 0; start < len(ids); start += chunk {
		pipe.HDel(ctx, key, ids[start:min(start+chunk, len(ids))]...)
	}
	_, err := pipe.Exec(ctx)
	return err
}
