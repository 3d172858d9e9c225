package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/clawplaza/monody/internal/llm"

	_ "modernc.org/sqlite"
)

// Fixed-width UTC timestamps compare correctly as strings.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore persists conversations in a SQLite database so they survive
// restarts. Expired rows are invisible to Get and removed by PurgeExpired.
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the database at dbPath, enables WAL
// mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string, ttl time.Duration) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &SQLiteStore{db: db, ttl: ttl, now: time.Now}, nil
}

func (s *SQLiteStore) stamp(t time.Time) string { return t.UTC().Format(timeFormat) }

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Conversation, bool, error) {
	var (
		c                    Conversation
		raw                  string
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, guild_id, channel_id, initiating_user_id, messages, created_at, updated_at
		FROM conversations
		WHERE id = ? AND expires_at > ?`, id, s.stamp(s.now())).
		Scan(&c.ID, &c.GuildID, &c.ChannelID, &c.InitiatingUserID, &raw, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query conversation %s: %w", id, err)
	}

	if err := json.Unmarshal([]byte(raw), &c.Messages); err != nil {
		return nil, false, fmt.Errorf("decode messages of %s: %w", id, err)
	}
	c.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	c.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)
	return &c, true, nil
}

func (s *SQLiteStore) Save(ctx context.Context, c *Conversation) error {
	msgs := c.Messages
	if msgs == nil {
		msgs = []llm.Message{}
	}
	raw, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("encode messages of %s: %w", c.ID, err)
	}

	now := s.now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, guild_id, channel_id, initiating_user_id, messages, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			messages   = excluded.messages,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at`,
		c.ID, c.GuildID, c.ChannelID, c.InitiatingUserID, string(raw),
		s.stamp(c.CreatedAt), s.stamp(c.UpdatedAt), s.stamp(now.Add(s.ttl)),
	)
	if err != nil {
		return fmt.Errorf("upsert conversation %s: %w", c.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	return nil
}

// PurgeExpired deletes every expired conversation and reports how many.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM conversations WHERE expires_at <= ?", s.stamp(s.now()))
	if err != nil {
		return 0, fmt.Errorf("purge expired conversations: %w", err)
	}
	return res.RowsAffected()
}

// StartPurge runs PurgeExpired on a cron schedule ("@every 10m",
// "0 */5 * * * *") until ctx is done.
func (s *SQLiteStore) StartPurge(ctx context.Context, schedule string) error {
	c := cron.New(
		cron.WithParser(cron.NewParser(
			cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithChain(cron.Recover(cron.DefaultLogger)),
	)
	_, err := c.AddFunc(schedule, func() {
		n, err := s.PurgeExpired(ctx)
		if err != nil {
			slog.Warn("purge failed", "err", err)
			return
		}
		if n > 0 {
			slog.Info("purged expired conversations", "count", n)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid purge schedule %q: %w", schedule, err)
	}

	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
