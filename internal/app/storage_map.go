package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"botfleet/internal/broadcast"
	"botfleet/internal/config"
	"botfleet/internal/queue"
	"botfleet/internal/storage"
	"botfleet/internal/storage/mongostore"
	"botfleet/internal/storage/redisstore"
	"botfleet/internal/tenant"
	logx "botfleet/pkg/logx"
)

// stores are the opened persistence backends. repo holds bots, commands
// and subscribers; records holds jobs and broadcasts. They may be the same
// backend.
type stores struct {
	repo    tenant.Repository
	records interface {
		queue.Store
		broadcast.Store
	}
	closers []io.Closer
	drivers [2]string
}

func (s *stores) own(c io.Closer) { s.closers = append(s.closers, c) }

// Close closes backends in reverse open order.
func (s *stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func openStores(ctx context.Context, sc config.StorageConfig, log logx.Logger) (*stores, error) {
	var d config.Durations
	busy := d.Get("storage.sqlite.busy_timeout", sc.SQLite.BusyTimeout)
	connectTimeout := d.Get("storage.mongo.connect_timeout", sc.Mongo.ConnectTimeout)
	if err := d.Err(); err != nil {
		return nil, err
	}

	driver := config.StorageDriver(sc)
	jobs := config.JobsDriver(sc)
	st := &stores{drivers: [2]string{driver, jobs}}
	fail := func(err error) (*stores, error) {
		_ = st.Close()
		return nil, err
	}

	var primary storage.Backend
	switch driver {
	case config.DriverMongo:
		ms, err := mongostore.Open(ctx, mongostore.Config{
			URI:            sc.Mongo.URI,
			Database:       sc.Mongo.Database,
			MaxPoolSize:    sc.Mongo.MaxPoolSize,
			ConnectTimeout: connectTimeout,
		}, log.With(logx.String("backend", "mongo")))
		if err != nil {
			return fail(err)
		}
		st.own(ms)
		st.repo = ms
	default:
		b, err := storage.Open(storage.Config{Driver: driver, Path: strings.TrimSpace(sc.SQLite.Path), BusyTimeout: busy}, log.With(logx.String("backend", driver)))
		if err != nil {
			return fail(err)
		}
		st.own(b)
		st.repo = b
		primary = b
	}

	switch {
	case primary != nil && jobs == driver:
		st.records = primary
	case jobs == config.JobsMemory:
		m := storage.NewMemory()
		st.own(m)
		st.records = m
	case jobs == config.JobsSQLite:
		s, err := storage.OpenSQLite(storage.Config{Path: strings.TrimSpace(sc.SQLite.Path), BusyTimeout: busy}, log.With(logx.String("backend", "sqlite")))
		if err != nil {
			return fail(err)
		}
		st.own(s)
		st.records = s
	case jobs == config.JobsFile:
		f, err := storage.OpenFile(storage.FileConfig{Path: sc.File.Path, CompactEvery: sc.File.CompactEvery}, log.With(logx.String("backend", "file")))
		if err != nil {
			return fail(err)
		}
		st.own(f)
		st.records = f
	case jobs == config.JobsRedis:
		r, err := redisstore.Open(ctx, redisstore.Config{
			Addr:     sc.Redis.Addr,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
			PoolSize: sc.Redis.PoolSize,
			Prefix:   sc.Redis.Prefix,
		}, log.With(logx.String("backend", "redis")))
		if err != nil {
			return fail(err)
		}
		st.own(r)
		st.records = r
	default:
		return fail(fmt.Errorf("unknown storage.jobs_driver: %s", jobs))
	}
	return st, nil
}
