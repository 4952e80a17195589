package dbclient

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"analytics/internal/etl"
)

// ── RPC invocation ─────────────────────────────────────────
// Server-side procedures are invoked with named arguments. Calls are
// built fresh for every invocation from an ordered argument list; the
// argument order is the placeholder order.

// NamedArg is one (name, value) pair of a procedure call.
type NamedArg struct {
	Name  string
	Value any
}

// Arg is shorthand for NamedArg{name, value}.
func Arg(name string, value any) NamedArg {
	return NamedArg{Name: name, Value: value}
}

// Args builds an ordered argument list from a map by sorting its keys.
func Args(m map[string]any) []NamedArg {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	out := make([]NamedArg, len(names))
	for i, n := range names {
		out[i] = NamedArg{Name: n, Value: m[n]}
	}
	return out
}

// Call is a procedure invocation ready to be rendered and executed.
type Call struct {
	Procedure string
	Args      []NamedArg
}

// BuildCall creates a Call. The argument slice is copied.
func BuildCall(name string, args []NamedArg) Call {
	cp := make([]NamedArg, len(args))
	copy(cp, args)
	return Call{Procedure: name, Args: cp}
}

// Placeholders renders the named-argument list, e.g. "a => ?, b => ?".
func (c Call) Placeholders() string {
	parts := make([]string, len(c.Args))
	for i, a := range c.Args {
		parts[i] = a.Name + " => ?"
	}
	return strings.Join(parts, ", ")
}

// Values returns the argument values in placeholder order.
func (c Call) Values() []any {
	out := make([]any, len(c.Args))
	for i, a := range c.Args {
		out[i] = a.Value
	}
	return out
}

// Statement renders the call for a dialect:
//
//	postgres  SELECT * FROM name(a => $1, b => $2)
//	mysql     CALL name(?, ?)
//	sqlite    SELECT * FROM name(?, ?)
//
// MySQL and SQLite have no named-argument notation, so the values are
// bound positionally in argument order.
func (c Call) Statement(d Dialect) (string, error) {
	if !ValidIdentifier(c.Procedure) {
		return "", fmt.Errorf("invalid procedure name %q", c.Procedure)
	}
	for _, a := range c.Args {
		if !ValidIdentifier(a.Name) || strings.Contains(a.Name, ".") {
			return "", fmt.Errorf("invalid argument name %q for %s", a.Name, c.Procedure)
		}
	}

	positional := strings.TrimSuffix(strings.Repeat("?, ", len(c.Args)), ", ")
	switch d {
	case Postgres:
		return d.Rebind(fmt.Sprintf("SELECT * FROM %s(%s)", c.Procedure, c.Placeholders())), nil
	case MySQL:
		return fmt.Sprintf("CALL %s(%s)", c.Procedure, positional), nil
	case SQLite:
		return fmt.Sprintf("SELECT * FROM %s(%s)", c.Procedure, positional), nil
	default:
		return "", fmt.Errorf("unsupported dialect: %s", d)
	}
}

// CallProcedure invokes a server-side procedure and returns its rows,
// using the executor's retry policy.
func (e *Executor) CallProcedure(ctx context.Context, name string, args ...NamedArg) (*etl.ResultSet, error) {
	call := BuildCall(name, args)
	stmt, err := call.Statement(e.dialect)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, stmt, call.Values(), true, true)
}
