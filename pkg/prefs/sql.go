package prefs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Dialect selects SQL placeholder style and driver name.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const defaultTable = "canvass_preferences"

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLConfig configures a SQL-backed store.
type SQLConfig struct {
	Dialect Dialect
	// DSN is the driver data source. Empty means an in-memory SQLite database.
	DSN   string
	Table string
	// Namespace scopes keys, typically to a visitor id.
	Namespace string
}

// SQLStore persists preferences in a relational table keyed by
// (namespace, key).
type SQLStore struct {
	db        *sql.DB
	dialect   Dialect
	table     string
	namespace string
	owned     bool
}

// OpenSQL opens the database described by cfg and creates the table.
func OpenSQL(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	if cfg.Dialect == "" {
		cfg.Dialect = DialectSQLite
	}
	if cfg.DSN == "" {
		if cfg.Dialect != DialectSQLite {
			return nil, fmt.Errorf("dsn is required for %s", cfg.Dialect)
		}
		cfg.DSN = ":memory:"
	}

	db, err := sql.Open(string(cfg.Dialect), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.Dialect == DialectSQLite {
		// Every connection to :memory: is its own database.
		db.SetMaxOpenConns(1)
	}

	store, err := NewSQLStore(db, cfg.Dialect, cfg.Table, cfg.Namespace)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	store.owned = true

	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore wraps an existing connection. The caller owns db.
func NewSQLStore(db *sql.DB, dialect Dialect, table, namespace string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	switch dialect {
	case DialectSQLite, DialectPostgres:
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	if table == "" {
		table = defaultTable
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &SQLStore{
		db:        db,
		dialect:   dialect,
		table:     table,
		namespace: namespace,
	}, nil
}

// Migrate creates the preferences table if needed.
func (s *SQLStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			namespace TEXT NOT NULL,
			pref_key TEXT NOT NULL,
			pref_value TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (namespace, pref_key)
		)`, s.table))
	if err != nil {
		return fmt.Errorf("create %s table: %w", s.table, err)
	}
	return nil
}

// WithNamespace returns a store sharing the connection under another namespace.
func (s *SQLStore) WithNamespace(namespace string) *SQLStore {
	clone := *s
	clone.namespace = namespace
	clone.owned = false
	return &clone
}

func (s *SQLStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := validateKey(key); err != nil {
		return "", false, err
	}
	query := s.rebind(fmt.Sprintf(
		"SELECT pref_value FROM %s WHERE namespace = ? AND pref_key = ?", s.table))

	var value string
	err := s.db.QueryRowContext(ctx, query, s.namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get preference %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLStore) Set(ctx context.Context, key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	query := s.rebind(fmt.Sprintf(`INSERT INTO %s (namespace, pref_key, pref_value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (namespace, pref_key) DO UPDATE SET pref_value = excluded.pref_value, updated_at = excluded.updated_at`,
		s.table))

	if _, err := s.db.ExecContext(ctx, query, s.namespace, key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("set preference %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	query := s.rebind(fmt.Sprintf(
		"DELETE FROM %s WHERE namespace = ? AND pref_key = ?", s.table))

	if _, err := s.db.ExecContext(ctx, query, s.namespace, key); err != nil {
		return fmt.Errorf("delete preference %s: %w", key, err)
	}
	return nil
}

// Close closes the connection when the store opened it.
func (s *SQLStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

// rebind converts ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
