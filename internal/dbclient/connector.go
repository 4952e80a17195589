package dbclient

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"analytics/internal/diag"
)

// Dialect identifies the SQL flavour behind a Pool.
type Dialect string

const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
	SQLite   Dialect = "sqlite"
)

// ParseDialect maps a driver name from configuration to a Dialect.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "postgres", "postgresql", "pg":
		return Postgres, nil
	case "mysql", "mariadb":
		return MySQL, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return "", fmt.Errorf("unsupported driver: %s", name)
	}
}

// DriverName is the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string { return string(d) }

// Rebind rewrites '?' placeholders into the dialect's bind syntax.
// Placeholders inside single-quoted literals are left alone.
func (d Dialect) Rebind(stmt string) string {
	if d != Postgres || !strings.Contains(stmt, "?") {
		return stmt
	}
	var b strings.Builder
	b.Grow(len(stmt) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(stmt); i++ {
		c := stmt[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ValidIdentifier reports whether name is a plain, optionally schema-qualified,
// SQL identifier that is safe to interpolate into a statement.
func ValidIdentifier(name string) bool {
	return identPattern.MatchString(name)
}

// ── Pool ───────────────────────────────────────────────────

// Pool owns the *sql.DB for one database and hands out connection scopes.
type Pool struct {
	db      *sql.DB
	dialect Dialect
	sink    diag.Sink
}

// Open creates a Pool for the given driver name and DSN. No connection is
// made until the first scope is opened.
func Open(driver, dsn string) (*Pool, error) {
	dialect, err := ParseDialect(driver)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("open %s: empty connection string", dialect)
	}
	db, err := sql.Open(dialect.DriverName(), dialectDSN(dialect, dsn))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	// Stages run sequentially; a small pool is enough for the scope plus
	// an autocommit maintenance connection.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(10 * time.Minute)

	return &Pool{db: db, dialect: dialect}, nil
}

// NewPool wraps an already opened database.
func NewPool(db *sql.DB, dialect Dialect) *Pool {
	return &Pool{db: db, dialect: dialect}
}

func dialectDSN(d Dialect, dsn string) string {
	switch d {
	case MySQL:
		return mysqlDSN(dsn)
	case SQLite:
		return sqliteDSN(dsn)
	default:
		return dsn
	}
}

func (p *Pool) Dialect() Dialect { return p.dialect }

// SetSink routes connection-scope failures to sink.
func (p *Pool) SetSink(sink diag.Sink) { p.sink = sink }

// DB exposes the underlying handle for callers that need it (tests, seeding).
func (p *Pool) DB() *sql.DB { return p.db }

// Ping verifies connectivity.
func (p *Pool) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return p.db.PingContext(ctx)
}

func (p *Pool) Close() error {
	return p.db.Close()
}
