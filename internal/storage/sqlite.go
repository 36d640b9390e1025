package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"botfleet/internal/broadcast"
	"botfleet/internal/queue"
	"botfleet/internal/tenant"
	logx "botfleet/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// subscriberPage bounds one keyset page of Subscribers. The iterator never
// holds a cursor across yields, so the single connection stays free.
const subscriberPage = 500

// batchSize bounds the placeholders of one IN (...) clause.
const batchSize = 500

// SQLite is the embedded backend. One connection serializes writers.
type SQLite struct {
	db  *sql.DB
	log logx.Logger
}

func OpenSQLite(cfg Config, log logx.Logger) (*SQLite, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &SQLite{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite opened", logx.String("path", path))
	return st, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) SaveBot(ctx context.Context, b tenant.Bot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bots(id, owner_id, owner_chat_id, name, token, status, last_error, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET owner_id=excluded.owner_id, owner_chat_id=excluded.owner_chat_id,
		   name=excluded.name, token=excluded.token, status=excluded.status, last_error=excluded.last_error,
		   updated_at=excluded.updated_at`,
		b.ID, b.OwnerID, b.OwnerChatID, b.Name, b.Token, string(b.Status), nullStr(b.LastError),
		fmtTime(b.CreatedAt), fmtTime(b.UpdatedAt),
	)
	return err
}

const botColumns = `id, owner_id, owner_chat_id, name, token, status, last_error, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanBot(sc scanner) (tenant.Bot, error) {
	var (
		b                tenant.Bot
		status           string
		lastErr          sql.NullString
		created, updated string
	)
	if err := sc.Scan(&b.ID, &b.OwnerID, &b.OwnerChatID, &b.Name, &b.Token, &status, &lastErr, &created, &updated); err != nil {
		return tenant.Bot{}, err
	}
	b.Status = tenant.Status(status)
	b.LastError = lastErr.String
	b.CreatedAt = parseTime(created)
	b.UpdatedAt = parseTime(updated)
	return b, nil
}

func (s *SQLite) GetBot(ctx context.Context, id string) (tenant.Bot, error) {
	b, err := scanBot(s.db.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.Bot{}, tenant.ErrNotFound
	}
	return b, err
}

func (s *SQLite) ListBots(ctx context.Context) ([]tenant.Bot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+botColumns+` FROM bots ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []tenant.Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLite) DeleteBot(ctx context.Context, id string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM subscribers WHERE bot_id = ?`,
			`DELETE FROM commands WHERE bot_id = ?`,
			`DELETE FROM bots WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLite) SaveCommand(ctx context.Context, c tenant.Command) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO commands(id, bot_id, trigger_name, code, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(bot_id, trigger_name) DO UPDATE SET id=excluded.id, code=excluded.code, updated_at=excluded.updated_at`,
		c.ID, c.BotID, c.Trigger, c.Code, fmtTime(c.UpdatedAt),
	)
	return err
}

func (s *SQLite) DeleteCommand(ctx context.Context, botID, trigger string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM commands WHERE bot_id = ? AND trigger_name = ?`, botID, trigger)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tenant.ErrNotFound
	}
	return nil
}

func (s *SQLite) Commands(ctx context.Context, botID string) ([]tenant.Command, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bot_id, trigger_name, code, updated_at FROM commands WHERE bot_id = ? ORDER BY trigger_name`, botID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []tenant.Command
	for rows.Next() {
		var (
			c       tenant.Command
			updated string
		)
		if err := rows.Scan(&c.ID, &c.BotID, &c.Trigger, &c.Code, &updated); err != nil {
			return nil, err
		}
		c.UpdatedAt = parseTime(updated)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLite) AddSubscriber(ctx context.Context, sub tenant.Subscriber) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers(bot_id, chat_id, username, first_name, joined_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(bot_id, chat_id) DO NOTHING`,
		sub.BotID, sub.ChatID, nullStr(sub.Username), nullStr(sub.FirstName), fmtTime(sub.JoinedAt),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLite) RemoveSubscriber(ctx context.Context, botID string, chatID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscribers WHERE bot_id = ? AND chat_id = ?`, botID, chatID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tenant.ErrNotFound
	}
	return nil
}

// Subscribers pages through the table by chat id. Rows inserted behind the
// cursor during iteration are not seen.
func (s *SQLite) Subscribers(ctx context.Context, botID string) iter.Seq2[tenant.Subscriber, error] {
	return func(yield func(tenant.Subscriber, error) bool) {
		after := int64(math.MinInt64)
		for {
			page, err := s.subscriberPage(ctx, botID, after)
			if err != nil {
				yield(tenant.Subscriber{}, err)
				return
			}
			for _, sub := range page {
				if !yield(sub, nil) {
					return
				}
			}
			if len(page) < subscriberPage {
				return
			}
			after = page[len(page)-1].ChatID
		}
	}
}

func (s *SQLite) subscriberPage(ctx context.Context, botID string, after int64) ([]tenant.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, username, first_name, joined_at FROM subscribers
		 WHERE bot_id = ? AND chat_id > ? ORDER BY chat_id LIMIT ?`, botID, after, subscriberPage)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]tenant.Subscriber, 0, subscriberPage)
	for rows.Next() {
		var (
			sub                 tenant.Subscriber
			username, firstName sql.NullString
			joined              string
		)
		if err := rows.Scan(&sub.ChatID, &username, &firstName, &joined); err != nil {
			return nil, err
		}
		sub.BotID = botID
		sub.Username = username.String
		sub.FirstName = firstName.String
		sub.JoinedAt = parseTime(joined)
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *SQLite) CountSubscribers(ctx context.Context, botID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscribers WHERE bot_id = ?`, botID).Scan(&n)
	return n, err
}

func (s *SQLite) InsertJobs(ctx context.Context, jobs []queue.Job) error {
	return s.putJobs(ctx, jobs)
}

func (s *SQLite) UpdateJobs(ctx context.Context, jobs []queue.Job) error {
	return s.putJobs(ctx, jobs)
}

func (s *SQLite) putJobs(ctx context.Context, jobs []queue.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO jobs(id, seq, bot_id, broadcast_id, state, data, updated_at) VALUES(?,?,?,?,?,?,?)
			 ON CONFLICT(id) DO UPDATE SET state=excluded.state, data=excluded.data, updated_at=excluded.updated_at`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, j := range jobs {
			data, err := json.Marshal(j)
			if err != nil {
				return fmt.Errorf("encode job %s: %w", j.ID, err)
			}
			if _, err := stmt.ExecContext(ctx, j.ID, int64(j.Seq), j.BotID, nullStr(j.BroadcastID),
				j.State.String(), string(data), fmtTime(j.UpdatedAt)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLite) LoadJobs(ctx context.Context) ([]queue.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, data FROM jobs ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []queue.Job
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		var j queue.Job
		if err := json.Unmarshal([]byte(data), &j); err != nil {
			s.log.Warn("skipping undecodable job", logx.JobID(id), logx.Err(err))
			continue
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *SQLite) DeleteJobs(ctx context.Context, ids []string) error {
	return s.deleteIn(ctx, "jobs", ids)
}

func (s *SQLite) SaveBroadcast(ctx context.Context, b broadcast.Broadcast) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode broadcast %s: %w", b.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO broadcasts(id, bot_id, state, data, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET state=excluded.state, data=excluded.data, updated_at=excluded.updated_at`,
		b.ID, b.BotID, string(b.State), string(data), fmtTime(b.UpdatedAt),
	)
	return err
}

func (s *SQLite) LoadBroadcasts(ctx context.Context) ([]broadcast.Broadcast, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, data FROM broadcasts ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []broadcast.Broadcast
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		var b broadcast.Broadcast
		if err := json.Unmarshal([]byte(data), &b); err != nil {
			s.log.Warn("skipping undecodable broadcast", logx.BroadcastID(id), logx.Err(err))
			continue
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLite) DeleteBroadcasts(ctx context.Context, ids []string) error {
	return s.deleteIn(ctx, "broadcasts", ids)
}

func (s *SQLite) deleteIn(ctx context.Context, table string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		for start := 0; start < len(ids); start += batchSize {
			chunk := ids[start:min(start+batchSize, len(ids))]
			args := make([]any, len(chunk))
			for i, id := range chunk {
				args[i] = id
			}
			marks := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE id IN (`+marks+`)`, args...); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLite) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
