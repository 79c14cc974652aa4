package cache

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is a Backend stored in a SQLite database.
type SQLite struct {
	db  *sql.DB
	cfg config
}

var _ Backend = (*SQLite)(nil)

// NewSQLite returns a Backend stored in a SQLite database, which makes the
// cache survive restarts on a single node. If dbPath is empty or ":memory:",
// an in-memory database is used. Expired rows are removed lazily on read.
func NewSQLite(ctx context.Context, dbPath string, opts ...Option) (*SQLite, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	// expires_at is NULL for entries that never expire.
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS cache (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER
	)`); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLite{db: db, cfg: applyOptions(opts)}, nil
}

func (c *SQLite) Get(ctx context.Context, key string) (Entry, bool, error) {
	qctx, cancel := c.cfg.queryCtx(ctx)
	defer cancel()
	var (
		data      []byte
		createdAt int64
		expiresAt sql.NullInt64
	)
	err := c.db.QueryRowContext(qctx,
		`SELECT value, created_at, expires_at FROM cache WHERE key = ?`, key,
	).Scan(&data, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, unavailable(ctx, err, "sqlite get")
	}

	now := c.cfg.now()
	if expiresAt.Valid && expiresAt.Int64 <= now.UnixNano() {
		// Lazily delete expired entry.
		if _, err := c.db.ExecContext(qctx, `DELETE FROM cache WHERE key = ?`, key); err != nil {
			return Entry{}, false, unavailable(ctx, err, "sqlite delete")
		}
		return Entry{}, false, nil
	}
	e := Entry{Key: key, Payload: data, CreatedAt: time.Unix(0, createdAt)}
	if expiresAt.Valid {
		e.ExpireAt = time.Unix(0, expiresAt.Int64)
	}
	remaining(&e, now)
	return e, true, nil
}

func (c *SQLite) Set(ctx context.Context, key string, payload []byte, expire time.Duration) error {
	qctx, cancel := c.cfg.queryCtx(ctx)
	defer cancel()
	now := c.cfg.now()
	var expiresAt sql.NullInt64
	if expire > 0 {
		expiresAt = sql.NullInt64{Int64: now.Add(expire).UnixNano(), Valid: true}
	}
	_, err := c.db.ExecContext(qctx,
		`INSERT INTO cache (key, value, created_at, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, created_at = excluded.created_at, expires_at = excluded.expires_at`,
		key, payload, now.UnixNano(), expiresAt,
	)
	return unavailable(ctx, err, "sqlite set")
}

func (c *SQLite) Clear(ctx context.Context, namespace, key string) (int, error) {
	qctx, cancel := c.cfg.queryCtx(ctx)
	defer cancel()
	var (
		result sql.Result
		err    error
	)
	if key != "" {
		result, err = c.db.ExecContext(qctx, `DELETE FROM cache WHERE key = ?`, key)
	} else {
		// substr keeps the match case-sensitive, unlike LIKE
		result, err = c.db.ExecContext(qctx, `DELETE FROM cache WHERE substr(key, 1, length(?1)) = ?1`, namespace)
	}
	if err != nil {
		return 0, unavailable(ctx, err, "sqlite clear")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, unavailable(ctx, err, "sqlite clear")
	}
	return int(rows), nil
}

// Close closes the underlying database.
func (c *SQLite) Close() error {
	return c.db.Close()
}
