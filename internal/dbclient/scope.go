package dbclient

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"analytics/internal/diag"
	"analytics/internal/etl"
)

// Session runs statements inside a connection scope. Statements use '?'
// placeholders; they are rebound to the pool's dialect.
type Session interface {
	// Query runs stmt and materializes every row before returning.
	Query(ctx context.Context, stmt string, args ...any) (*etl.ResultSet, error)

	// Exec runs stmt and returns the number of affected rows.
	Exec(ctx context.Context, stmt string, args ...any) (int64, error)
}

// Scoper hands out sessions bound to a dedicated connection.
// *Pool is the production implementation.
type Scoper interface {
	// WithScope runs fn inside a transaction. The transaction commits when
	// fn returns nil and rolls back otherwise.
	WithScope(ctx context.Context, fn func(ctx context.Context, s Session) error) error

	// WithConn runs fn on a dedicated connection in autocommit mode.
	WithConn(ctx context.Context, fn func(ctx context.Context, s Session) error) error
}

// WithScope acquires a connection, begins a transaction and runs fn.
// The error returned by fn is passed through unchanged, and so are driver
// errors from acquiring, beginning or committing; the failing phase is
// reported to the pool's sink. A panic inside fn rolls back the
// transaction and is re-raised. The connection is always released before
// WithScope returns.
func (p *Pool) WithScope(ctx context.Context, fn func(ctx context.Context, s Session) error) error {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		p.scopeFailed(ctx, "acquire", err)
		return err
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		p.scopeFailed(ctx, "begin", err)
		return err
	}
	done := false
	defer func() {
		if !done {
			_ = tx.Rollback()
		}
	}()

	if err := fn(ctx, &session{q: tx, dialect: p.dialect}); err != nil {
		return err
	}

	done = true
	if err := tx.Commit(); err != nil {
		p.scopeFailed(ctx, "commit", err)
		return err
	}
	return nil
}

// WithConn acquires a connection without opening a transaction.
func (p *Pool) WithConn(ctx context.Context, fn func(ctx context.Context, s Session) error) error {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		p.scopeFailed(ctx, "acquire", err)
		return err
	}
	defer conn.Close()
	return fn(ctx, &session{q: conn, dialect: p.dialect})
}

func (p *Pool) scopeFailed(ctx context.Context, phase string, err error) {
	diag.OrDiscard(p.sink).Log(ctx, slog.LevelWarn, "connection scope failed",
		slog.String("phase", phase),
		slog.String("error", err.Error()),
	)
}

// querier is satisfied by both *sql.Tx and *sql.Conn.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type session struct {
	q       querier
	dialect Dialect
}

func (s *session) Query(ctx context.Context, stmt string, args ...any) (*etl.ResultSet, error) {
	rows, err := s.q.QueryContext(ctx, s.dialect.Rebind(stmt), args...)
	if err != nil {
		return nil, err
	}
	return materialize(rows)
}

func (s *session) Exec(ctx context.Context, stmt string, args ...any) (int64, error) {
	res, err := s.q.ExecContext(ctx, s.dialect.Rebind(stmt), args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		// Not every driver reports affected rows for DDL/maintenance.
		return 0, nil
	}
	return n, nil
}

// ── Row materialization ────────────────────────────────────

// materialize reads every row into memory and closes rows.
func materialize(rows *sql.Rows) (*etl.ResultSet, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("column types: %w", err)
	}
	typeNames := make([]string, len(cols))
	for i, ct := range types {
		typeNames[i] = strings.ToUpper(ct.DatabaseTypeName())
	}

	records := make([]etl.Record, 0)
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		rec := make(etl.Record, len(cols))
		for i, v := range values {
			rec[cols[i]] = normalizeValue(v, typeNames[i])
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return etl.NewResultSet(cols, records), nil
}

// normalizeValue converts a scanned driver value into the record value
// set: JSON columns are decoded into nested maps and slices, decimals
// become float64 and remaining byte slices become strings.
func normalizeValue(v any, typeName string) any {
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		return normalizeText(string(val), typeName)
	case string:
		return normalizeText(val, typeName)
	case int32:
		return int64(val)
	case float32:
		return float64(val)
	default:
		return val
	}
}

func normalizeText(s, typeName string) any {
	switch typeName {
	case "JSON", "JSONB":
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err == nil {
			return decoded
		}
	case "NUMERIC", "DECIMAL":
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return s
}
