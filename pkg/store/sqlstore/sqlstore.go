// Package sqlstore keeps conversation documents in PostgreSQL or SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MovieFirebots/Anime-Realm/pkg/jsoncodec"
	"github.com/MovieFirebots/Anime-Realm/pkg/state"
	"github.com/MovieFirebots/Anime-Realm/pkg/store"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Dialect holds the driver name and schema for one SQL engine.
type Dialect struct {
	Name   string
	Driver string
	Schema string
}

var (
	Postgres = Dialect{
		Name:   "postgres",
		Driver: "postgres",
		Schema: `CREATE TABLE IF NOT EXISTS conversations (
	chat_id    TEXT PRIMARY KEY,
	tag        TEXT NOT NULL,
	document   JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`,
	}

	SQLite = Dialect{
		Name:   "sqlite",
		Driver: "sqlite3",
		Schema: `CREATE TABLE IF NOT EXISTS conversations (
	chat_id    TEXT PRIMARY KEY,
	tag        TEXT NOT NULL,
	document   TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`,
	}
)

const (
	selectQuery = `SELECT document FROM conversations WHERE chat_id = $1`
	upsertQuery = `INSERT INTO conversations (chat_id, tag, document, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (chat_id) DO UPDATE SET
	tag = excluded.tag,
	document = excluded.document,
	updated_at = excluded.updated_at`
	deleteQuery = `DELETE FROM conversations WHERE chat_id = $1`
	countQuery  = `SELECT COUNT(*) FROM conversations`
)

type Backend struct {
	db      *sql.DB
	dialect Dialect
	schema  *store.Setup
}

// DialectFor maps a store driver name to its dialect.
func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "postgres", "postgresql":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported sql dialect %q", name)
	}
}

// Open opens dsn with dialect. No connection is made until the first
// operation, which also creates the schema.
func Open(dialect Dialect, dsn string) (*Backend, error) {
	if dialect.Driver == SQLite.Driver && !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open(dialect.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect.Name, err)
	}

	return New(db, dialect), nil
}

// New wraps an open database. The schema is created lazily.
func New(db *sql.DB, dialect Dialect) *Backend {
	b := &Backend{db: db, dialect: dialect}
	b.schema = store.NewSetup(func(ctx context.Context) error {
		if _, err := db.ExecContext(ctx, dialect.Schema); err != nil {
			return fmt.Errorf("init %s schema: %w", dialect.Name, err)
		}
		return nil
	})

	return b
}

func (b *Backend) Get(ctx context.Context, chatID string) (state.ConversationState, bool, error) {
	if err := b.schema.Ensure(ctx); err != nil {
		return state.ConversationState{}, false, err
	}

	var document string
	err := b.db.QueryRowContext(ctx, selectQuery, chatID).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return state.ConversationState{}, false, nil
	}
	if err != nil {
		return state.ConversationState{}, false, classify(err)
	}

	var st state.ConversationState
	if err := jsoncodec.Unmarshal([]byte(document), &st); err != nil {
		return state.ConversationState{}, false, store.Permanent(fmt.Errorf("decode conversation %s: %w", chatID, err))
	}

	return st, true, nil
}

func (b *Backend) Put(ctx context.Context, st state.ConversationState) error {
	if err := b.schema.Ensure(ctx); err != nil {
		return err
	}

	document, err := jsoncodec.Marshal(st)
	if err != nil {
		return store.Permanent(fmt.Errorf("encode conversation %s: %w", st.ChatID, err))
	}

	updatedAt := st.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err = b.db.ExecContext(ctx, upsertQuery, st.ChatID, st.Tag, string(document), updatedAt)
	return classify(err)
}

func (b *Backend) Delete(ctx context.Context, chatID string) error {
	if err := b.schema.Ensure(ctx); err != nil {
		return err
	}

	_, err := b.db.ExecContext(ctx, deleteQuery, chatID)
	return classify(err)
}

func (b *Backend) Count(ctx context.Context) (int64, error) {
	if err := b.schema.Ensure(ctx); err != nil {
		return 0, err
	}

	var count int64
	if err := b.db.QueryRowContext(ctx, countQuery).Scan(&count); err != nil {
		return 0, classify(err)
	}

	return count, nil
}

// Ping also prepares the schema, so the health loop readies a store that
// came up after boot.
func (b *Backend) Ping(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return err
	}

	return b.schema.Ensure(ctx)
}

func (b *Backend) Close(context.Context) error {
	return b.db.Close()
}

// classify keeps connection-level and contention errors transient and marks
// everything the database explicitly rejected as permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57":
			return err
		default:
			return store.Permanent(err)
		}
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		if liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked {
			return err
		}
		return store.Permanent(err)
	}

	return err
}
