package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"wadispatch/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type dialect string

const (
	dialectSQLite   dialect = "sqlite"
	dialectMySQL    dialect = "mysql"
	dialectPostgres dialect = "postgres"
)

// Store is the SQL-backed persistence layer.
type Store struct {
	db      *sqlx.DB
	dialect dialect
	log     logx.Logger
}

// Open connects to the configured database and applies migrations.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = string(dialectSQLite)
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	var (
		db  *sqlx.DB
		err error
	)
	switch driver {
	case "sqlite", "sqlite3":
		db, err = openSQLite(cfg)
		driver = string(dialectSQLite)
	case "mysql":
		db, err = openMySQL(cfg, log)
	case "postgres", "postgresql":
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, errors.New("storage.dsn is required for postgres")
		}
		db, err = sqlx.Open("postgres", cfg.DSN)
		driver = string(dialectPostgres)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if err != nil {
		return nil, err
	}
	if d := dialect(driver); d != dialectSQLite && cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach %s: %w", driver, err)
	}

	s := newStore(db, dialect(driver), log)
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", driver))
	return s, nil
}

func newStore(db *sqlx.DB, d dialect, log logx.Logger) *Store {
	return &Store{db: db, dialect: d, log: log}
}

func openSQLite(cfg Config) (*sqlx.DB, error) {
	path := strings.TrimSpace(cfg.DSN)
	if path == "" {
		return nil, errors.New("storage.dsn (sqlite path) is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	return db, nil
}

func openMySQL(cfg Config, log logx.Logger) (*sqlx.DB, error) {
	mc, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid mysql dsn: %w", err)
	}
	// Migrations are executed one statement at a time.
	mc.MultiStatements = false
	log.Debug("opening mysql", logx.String("addr", mc.Addr), logx.String("db", mc.DBName))
	return sqlx.Open("mysql", mc.FormatDSN())
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/" + string(s.dialect) + ".sql")
	if err != nil {
		return err
	}
	for _, stmt := range splitStatements(string(b)) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.dialect, err)
		}
	}
	return nil
}

func splitStatements(sql string) []string {
	parts := strings.Split(sql, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// isDuplicate reports a unique-key violation in any supported dialect.
func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == 1062
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	// modernc.org/sqlite reports constraint failures in the message.
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY constraint failed")
}

// in expands IN (?) placeholders and rebinds for the dialect.
func (s *Store) in(query string, args ...any) (string, []any, error) {
	q, a, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, err
	}
	return s.db.Rebind(q), a, nil
}
