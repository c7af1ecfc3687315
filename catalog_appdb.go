package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// appDBDialect abstracts the SQL differences between the engines Metabase
// can keep its application database on.
type appDBDialect interface {
	// Name returns a human-readable engine name ("PostgreSQL", "MySQL", "SQLite").
	Name() string

	// OpenDB opens a read-only oriented connection with driver-specific options.
	OpenDB(ctx context.Context, dsn string) (*sql.DB, func(), error)

	// QuoteIdentifier quotes an identifier for use in queries.
	QuoteIdentifier(name string) string

	// Placeholder returns the bind parameter marker for the n-th argument (1-based).
	Placeholder(n int) string
}

func newAppDBDialect(source string) (appDBDialect, error) {
	switch source {
	case "postgres":
		return postgresAppDB{}, nil
	case "mysql":
		return mysqlAppDB{}, nil
	case "sqlite":
		return sqliteAppDB{}, nil
	default:
		return nil, fmt.Errorf("unsupported catalog source %q (must be postgres, mysql or sqlite)", source)
	}
}

// appDBCatalog reads the destination catalog straight from the Metabase
// application database (metabase_table, metabase_field). It bypasses the API
// for large instances where /api/database/:id/fields is slow.
type appDBCatalog struct {
	db      *sql.DB
	dialect appDBDialect
	close   func()
}

func openAppDBCatalog(ctx context.Context, cfg CatalogConfig) (*appDBCatalog, error) {
	dialect, err := newAppDBDialect(cfg.Source)
	if err != nil {
		return nil, err
	}
	db, closeFn, err := dialect.OpenDB(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		closeFn()
		return nil, fmt.Errorf("%w: ping %s application database: %v", ErrCatalogUnavailable, dialect.Name(), err)
	}
	return &appDBCatalog{db: db, dialect: dialect, close: closeFn}, nil
}

func (c *appDBCatalog) Close() {
	if c.close != nil {
		c.close()
	}
}

func (c *appDBCatalog) ListTables(ctx context.Context, databaseID int64) ([]Table, error) {
	q := c.dialect.QuoteIdentifier
	query := fmt.Sprintf(`SELECT id, db_id, COALESCE(%s, ''), name, COALESCE(display_name, name)
		FROM metabase_table
		WHERE db_id = %s AND active = TRUE
		ORDER BY id`, q("schema"), c.dialect.Placeholder(1))

	rows, err := c.db.QueryContext(ctx, query, databaseID)
	if err != nil {
		return nil, fmt.Errorf("query metabase_table: %w", err)
	}
	defer rows.Close()

	var tables []Table
	for rows.Next() {
		var t Table
		if err := rows.Scan(&t.ID, &t.DatabaseID, &t.Schema, &t.Name, &t.DisplayName); err != nil {
			return nil, fmt.Errorf("scan metabase_table: %w", err)
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

// ListFields returns the active fields of databaseID. TableName carries the
// owning table's display name, as the API does.
func (c *appDBCatalog) ListFields(ctx context.Context, databaseID int64) ([]Field, error) {
	q := c.dialect.QuoteIdentifier
	query := fmt.Sprintf(`SELECT f.id, f.table_id, f.name, COALESCE(f.display_name, f.name),
			COALESCE(t.display_name, t.name), COALESCE(t.%s, '')
		FROM metabase_field f
		JOIN metabase_table t ON t.id = f.table_id
		WHERE t.db_id = %s AND t.active = TRUE AND f.active = TRUE
		ORDER BY f.id`, q("schema"), c.dialect.Placeholder(1))

	rows, err := c.db.QueryContext(ctx, query, databaseID)
	if err != nil {
		return nil, fmt.Errorf("query metabase_field: %w", err)
	}
	defer rows.Close()

	var fields []Field
	for rows.Next() {
		var f Field
		if err := rows.Scan(&f.ID, &f.TableID, &f.Name, &f.DisplayName, &f.TableName, &f.Schema); err != nil {
			return nil, fmt.Errorf("scan metabase_field: %w", err)
		}
		fields = append(fields, f)
	}
	return fields, rows.Err()
}

// --- PostgreSQL ---

type postgresAppDB struct{}

func (postgresAppDB) Name() string { return "PostgreSQL" }

func (postgresAppDB) OpenDB(ctx context.Context, dsn string) (*sql.DB, func(), error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	return db, func() {
		db.Close()
		pool.Close()
	}, nil
}

func (postgresAppDB) QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (postgresAppDB) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

// --- MySQL ---

type mysqlAppDB struct{}

func (mysqlAppDB) Name() string { return "MySQL" }

func (mysqlAppDB) OpenDB(_ context.Context, dsn string) (*sql.DB, func(), error) {
	normalized, err := mysqlDSNWithReadOptions(dsn)
	if err != nil {
		return nil, nil, err
	}
	db, err := sql.Open("mysql", normalized)
	if err != nil {
		return nil, nil, fmt.Errorf("open mysql: %w", err)
	}
	return db, func() { db.Close() }, nil
}

func (mysqlAppDB) QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (mysqlAppDB) Placeholder(int) string { return "?" }

func mysqlDSNWithReadOptions(baseDSN string) (string, error) {
	cfg, err := mysql.ParseDSN(baseDSN)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.InterpolateParams = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

// --- SQLite ---

type sqliteAppDB struct{}

func (sqliteAppDB) Name() string { return "SQLite" }

func (sqliteAppDB) OpenDB(_ context.Context, dsn string) (*sql.DB, func(), error) {
	uri, err := sqliteReadOnlyURI(dsn)
	if err != nil {
		return nil, nil, err
	}
	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, func() { db.Close() }, nil
}

func (sqliteAppDB) QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (sqliteAppDB) Placeholder(int) string { return "?" }

// sqliteReadOnlyURI turns a path or file: URI into a read-only file URI.
func sqliteReadOnlyURI(dsn string) (string, error) {
	if dsn == ":memory:" || dsn == "file::memory:" || strings.Contains(dsn, "mode=memory") {
		return "", fmt.Errorf("in-memory SQLite databases cannot hold a Metabase application database")
	}
	if !strings.HasPrefix(dsn, "file:") {
		return "file:" + dsn + "?mode=ro", nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse sqlite URI: %w", err)
	}
	q := u.Query()
	q.Set("mode", "ro")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
