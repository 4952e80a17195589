package dbclient

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// MaintenanceStatements returns the optimize/statistics statements for the
// dialect. An empty table targets the whole database where supported.
func MaintenanceStatements(d Dialect, table string) ([]string, error) {
	if table != "" && !ValidIdentifier(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	switch d {
	case Postgres:
		return postgresMaintenance(table), nil
	case MySQL:
		return mysqlMaintenance(table)
	case SQLite:
		return sqliteMaintenance(table), nil
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", d)
	}
}

// Maintain reclaims space and refreshes planner statistics. It runs on a
// dedicated connection in autocommit mode because VACUUM cannot run inside
// a transaction, and it is never retried. Failures are reported to the sink
// as warnings; the returned error is informational.
func (e *Executor) Maintain(ctx context.Context, table string) error {
	stmts, err := MaintenanceStatements(e.dialect, table)
	if err != nil {
		e.sink.Log(ctx, slog.LevelWarn, "maintenance skipped",
			slog.String("table", table),
			slog.String("error", err.Error()),
		)
		return err
	}

	start := time.Now()
	err = e.scopes.WithConn(ctx, func(ctx context.Context, s Session) error {
		for _, stmt := range stmts {
			if _, err := s.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("%s: %w", stmt, err)
			}
		}
		return nil
	})
	if err != nil {
		e.sink.Log(ctx, slog.LevelWarn, "maintenance failed",
			slog.String("table", table),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.sink.Log(ctx, slog.LevelInfo, "maintenance complete",
		slog.String("table", table),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}
