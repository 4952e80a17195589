package dbclient

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"log/slog"
	"net"
	"syscall"
	"time"

	"analytics/internal/diag"
	"analytics/internal/etl"
)

// Defaults mirror the retry section of the configuration.
const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 5 * time.Second
)

// Options configures an Executor. Zero values fall back to the defaults.
type Options struct {
	MaxAttempts int
	RetryDelay  time.Duration

	// Retryable decides whether a failed attempt is worth repeating.
	// Nil retries every failure.
	Retryable func(error) bool

	// Sleep waits between attempts. Tests replace it to record delays.
	Sleep func(ctx context.Context, d time.Duration) error

	Sink diag.Sink

	// OnAttempt is called after every attempt with its result.
	OnAttempt func(err error)
}

// Executor runs statements with a bounded retry budget. Every attempt gets
// its own connection scope; nothing is shared between attempts.
type Executor struct {
	scopes  Scoper
	dialect Dialect
	opts    Options
	sink    diag.Sink
}

// NewExecutor creates an Executor over scopes.
func NewExecutor(scopes Scoper, dialect Dialect, opts Options) *Executor {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Executor{
		scopes:  scopes,
		dialect: dialect,
		opts:    opts,
		sink:    diag.OrDiscard(opts.Sink),
	}
}

// NewPoolExecutor is the common case: an Executor bound to a Pool.
func NewPoolExecutor(pool *Pool, opts Options) *Executor {
	return NewExecutor(pool, pool.Dialect(), opts)
}

func (e *Executor) Dialect() Dialect { return e.dialect }

func (e *Executor) MaxAttempts() int { return e.opts.MaxAttempts }

// Execute runs stmt with params. With expectResults the rows are
// materialized inside the scope and returned; otherwise the result set is
// nil. With allowRetry the statement is attempted up to MaxAttempts times
// with RetryDelay between attempts. After the last failed attempt its error
// is returned as-is.
func (e *Executor) Execute(ctx context.Context, stmt string, params []any, expectResults, allowRetry bool) (*etl.ResultSet, error) {
	attempts := 1
	if allowRetry {
		attempts = e.opts.MaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		var rs *etl.ResultSet
		err := e.scopes.WithScope(ctx, func(ctx context.Context, s Session) error {
			if !expectResults {
				_, err := s.Exec(ctx, stmt, params...)
				return err
			}
			var err error
			rs, err = s.Query(ctx, stmt, params...)
			return err
		})
		if e.opts.OnAttempt != nil {
			e.opts.OnAttempt(err)
		}
		if err == nil {
			e.sink.Log(ctx, slog.LevelDebug, "statement attempt",
				slog.Int("attempt", attempt),
				slog.Int("attempts", attempts),
				slog.String("statement", preview(stmt)),
			)
			return rs, nil
		}
		lastErr = err

		e.sink.Log(ctx, slog.LevelWarn, "statement attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("attempts", attempts),
			slog.String("statement", preview(stmt)),
			slog.String("error", err.Error()),
		)

		if attempt == attempts || !e.retryable(err) {
			break
		}
		if e.opts.Sleep(ctx, e.opts.RetryDelay) != nil {
			break
		}
	}

	e.sink.Log(ctx, slog.LevelError, "statement failed",
		slog.Int("attempts", attempts),
		slog.String("statement", preview(stmt)),
		slog.String("error", lastErr.Error()),
	)
	return nil, lastErr
}

// Query runs a read statement with retries.
func (e *Executor) Query(ctx context.Context, stmt string, params ...any) (*etl.ResultSet, error) {
	return e.Execute(ctx, stmt, params, true, true)
}

// Exec runs a write statement with retries.
func (e *Executor) Exec(ctx context.Context, stmt string, params ...any) error {
	_, err := e.Execute(ctx, stmt, params, false, true)
	return err
}

func (e *Executor) retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if e.opts.Retryable == nil {
		return true
	}
	return e.opts.Retryable(err)
}

// IsTransient classifies driver errors that a later attempt may not hit:
// network and dial failures, connection loss, serialization failures,
// deadlocks and resource limits. Errors it does not recognize are treated
// as permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if transient, ok := isTransientPostgres(err); ok {
		return transient
	}
	if transient, ok := isTransientMySQL(err); ok {
		return transient
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func preview(stmt string) string {
	const max = 120
	if len(stmt) <= max {
		return stmt
	}
	return stmt[:max] + "..."
}
