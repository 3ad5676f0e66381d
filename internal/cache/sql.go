package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	// Register Postgres SQL driver.
	_ "github.com/lib/pq"
	// Register SQLite SQL driver.
	_ "modernc.org/sqlite"

	"github.com/leaf-labs/plantchat/internal/logging"
	"github.com/leaf-labs/plantchat/internal/metrics"
)

type sqlDialect string

const (
	dialectSQLite   sqlDialect = "sqlite"
	dialectPostgres sqlDialect = "postgres"
)

// SQLStore persists cache entries in SQL backends (SQLite or Postgres).
// One table per namespace, each with an index on expires_at so Sweep scans
// only the expiry column.
type SQLStore struct {
	db      *sql.DB
	dialect sqlDialect
}

// NewSQLStore opens (and migrates) a SQL-backed cache store.
// For SQLite the dsn is a file path and defaults to "plantchat-cache.db".
func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	var dialect sqlDialect
	switch driver {
	case "sqlite":
		dialect = dialectSQLite
		if dsn == "" {
			dsn = "plantchat-cache.db"
		}
	case "postgres":
		dialect = dialectPostgres
		if dsn == "" {
			return nil, fmt.Errorf("postgres dsn is required")
		}
	default:
		return nil, fmt.Errorf("unsupported cache driver: %s", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s cache: %w", driver, err)
	}
	store := &SQLStore{db: db, dialect: dialect}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLStore) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s cache: %w", s.dialect, err)
	}

	valueType := "BLOB"
	if s.dialect == dialectPostgres {
		valueType = "BYTEA"
	}

	for _, ns := range Namespaces {
		table := tableName(ns)
		ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	key TEXT PRIMARY KEY,
	value %[2]s NOT NULL,
	expires_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_expires_at ON %[1]s(expires_at);`, table, valueType)

		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("initialize cache schema for %s: %w", ns, err)
		}
	}
	return nil
}

// Get returns the value stored under (ns, key). Expired entries are deleted
// in place and reported as absent; storage errors are logged and reported as
// absent.
func (s *SQLStore) Get(ctx context.Context, ns Namespace, key string) (json.RawMessage, bool) {
	q := s.bind(fmt.Sprintf(`SELECT value, expires_at FROM %s WHERE key = ?`, tableName(ns)))

	var (
		value     []byte
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, q, key).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false
	}
	if err != nil {
		logging.FromContext(ctx).Warn("cache read failed", "namespace", string(ns), "error", err.Error())
		return nil, false
	}

	if expiresAt <= time.Now().UnixMilli() {
		del := s.bind(fmt.Sprintf(`DELETE FROM %s WHERE key = ? AND expires_at = ?`, tableName(ns)))
		if _, err := s.db.ExecContext(ctx, del, key, expiresAt); err != nil {
			logging.FromContext(ctx).Warn("expired entry delete failed", "namespace", string(ns), "error", err.Error())
		}
		return nil, false
	}

	return value, true
}

// Set stores value under (ns, key), overwriting any existing entry.
func (s *SQLStore) Set(ctx context.Context, ns Namespace, key string, value json.RawMessage, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = ns.DefaultTTL()
	}
	expiresAt := time.Now().Add(ttl).UnixMilli()

	var q string
	switch s.dialect {
	case dialectPostgres:
		q = s.bind(fmt.Sprintf(`
INSERT INTO %s(key, value, expires_at) VALUES(?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`, tableName(ns)))
	default:
		q = fmt.Sprintf(`INSERT OR REPLACE INTO %s(key, value, expires_at) VALUES(?, ?, ?)`, tableName(ns))
	}

	if _, err := s.db.ExecContext(ctx, q, key, []byte(value), expiresAt); err != nil {
		logging.FromContext(ctx).Warn("cache write failed", "namespace", string(ns), "error", err.Error())
		return false
	}
	return true
}

// Sweep deletes all expired entries across every namespace.
func (s *SQLStore) Sweep(ctx context.Context) int {
	now := time.Now().UnixMilli()
	total := 0
	for _, ns := range Namespaces {
		q := s.bind(fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= ?`, tableName(ns)))
		res, err := s.db.ExecContext(ctx, q, now)
		if err != nil {
			logging.FromContext(ctx).Warn("cache sweep failed", "namespace", string(ns), "error", err.Error())
			continue
		}
		n, _ := res.RowsAffected()
		total += int(n)
		metrics.CacheSweepDeleted.WithLabelValues(string(ns)).Add(float64(n))
	}
	return total
}

// Len returns the number of live (unexpired) entries in a namespace.
// Used by the CLI cache stats command.
func (s *SQLStore) Len(ctx context.Context, ns Namespace) int {
	q := s.bind(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE expires_at > ?`, tableName(ns)))
	var n int
	if err := s.db.QueryRowContext(ctx, q, time.Now().UnixMilli()).Scan(&n); err != nil {
		return 0
	}
	return n
}

// Clear removes every entry in every namespace.
func (s *SQLStore) Clear(ctx context.Context) error {
	for _, ns := range Namespaces {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, tableName(ns))); err != nil {
			return fmt.Errorf("clear %s: %w", ns, err)
		}
	}
	return nil
}

// Close releases the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func tableName(ns Namespace) string {
	return "cache_" + string(ns)
}

// bind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) bind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var (
		b      strings.Builder
		argNum = 1
	)
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteString(fmt.Sprintf("$%d", argNum))
			argNum++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
