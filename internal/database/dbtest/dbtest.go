// Package dbtest provides a scripted database.DB for store tests. Statements
// are answered by the first rule whose Match is a substring of the SQL.
package dbtest

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Result is what a matched statement returns
type Result struct {
	// Values is the single row for QueryRow, in Scan order
	Values []any
	// Rows are returned by Query
	Rows [][]any
	// Tag is the command tag for Exec, e.g. "DELETE 1"
	Tag string
	Err error
}

// Rule answers every statement containing Match
type Rule struct {
	Match string
	Result
}

// Call is one statement the store sent
type Call struct {
	SQL  string
	Args []any
}

// DB implements database.DB
type DB struct {
	BeginErr  error
	CommitErr error

	mu         sync.Mutex
	rules      []Rule
	calls      []Call
	committed  bool
	rolledBack bool
}

func New(rules ...Rule) *DB {
	return &DB{rules: rules}
}

// On adds a rule after the existing ones
func (d *DB) On(match string, r Result) *DB {
	d.mu.Lock()
	d.rules = append(d.rules, Rule{Match: match, Result: r})
	d.mu.Unlock()
	return d
}

// Calls returns the statements seen so far, in order
func (d *DB) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

// Ran reports whether any statement contained match
func (d *DB) Ran(match string) bool {
	for _, c := range d.Calls() {
		if strings.Contains(c.SQL, match) {
			return true
		}
	}
	return false
}

// Committed reports whether a transaction was committed
func (d *DB) Committed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.committed
}

// RolledBack reports whether a transaction ended without a successful commit
func (d *DB) RolledBack() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rolledBack
}

func (d *DB) answer(sql string, args []any) Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, Call{SQL: sql, Args: args})
	for _, r := range d.rules {
		if strings.Contains(sql, r.Match) {
			return r.Result
		}
	}
	return Result{Err: fmt.Errorf("dbtest: unexpected statement %q", sql)}
}

func (d *DB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	r := d.answer(sql, args)
	if r.Err != nil {
		return pgconn.CommandTag{}, r.Err
	}
	return pgconn.NewCommandTag(r.Tag), nil
}

func (d *DB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	r := d.answer(sql, args)
	if r.Err != nil {
		return nil, r.Err
	}
	return &rows{data: r.Rows}, nil
}

func (d *DB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	r := d.answer(sql, args)
	if r.Err != nil {
		return row{err: r.Err}
	}
	if r.Values == nil {
		return row{err: pgx.ErrNoRows}
	}
	return row{values: r.Values}
}

func (d *DB) Begin(context.Context) (pgx.Tx, error) {
	if d.BeginErr != nil {
		return nil, d.BeginErr
	}
	return &tx{db: d}, nil
}

// tx runs statements on the parent DB. Methods a store never calls inside a
// transaction are left to the embedded nil interface.
type tx struct {
	pgx.Tx
	db   *DB
	done bool
}

func (t *tx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.db.Exec(ctx, sql, args...)
}

func (t *tx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.db.Query(ctx, sql, args...)
}

func (t *tx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.db.QueryRow(ctx, sql, args...)
}

func (t *tx) Commit(context.Context) error {
	t.done = true
	if t.db.CommitErr != nil {
		t.db.mu.Lock()
		t.db.rolledBack = true
		t.db.mu.Unlock()
		return t.db.CommitErr
	}
	t.db.mu.Lock()
	t.db.committed = true
	t.db.mu.Unlock()
	return nil
}

func (t *tx) Rollback(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.db.mu.Lock()
	t.db.rolledBack = true
	t.db.mu.Unlock()
	return nil
}

type row struct {
	values []any
	err    error
}

func (r row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return scan(r.values, dest)
}

type rows struct {
	data [][]any
	i    int
}

func (r *rows) Close()     {}
func (r *rows) Err() error { return nil }

func (r *rows) CommandTag() pgconn.CommandTag {
	return pgconn.NewCommandTag("SELECT " + strconv.Itoa(len(r.data)))
}

func (r *rows) FieldDescriptions() []pgconn.FieldDescription { return nil }

func (r *rows) Next() bool {
	if r.i >= len(r.data) {
		return false
	}
	r.i++
	return true
}

func (r *rows) Scan(dest ...any) error { return scan(r.data[r.i-1], dest) }

func (r *rows) Values() ([]any, error) { return r.data[r.i-1], nil }

func (r *rows) RawValues() [][]byte { return nil }

func (r *rows) Conn() *pgx.Conn { return nil }

// scan copies values into dest pointers, converting where Go allows it
func scan(values []any, dest []any) error {
	if len(values) != len(dest) {
		return fmt.Errorf("dbtest: %d values for %d destinations", len(values), len(dest))
	}
	for i, v := range values {
		target := reflect.ValueOf(dest[i])
		if target.Kind() != reflect.Pointer || target.IsNil() {
			return fmt.Errorf("dbtest: destination %d is not a pointer", i)
		}
		elem := target.Elem()
		if v == nil {
			elem.Set(reflect.Zero(elem.Type()))
			continue
		}
		val := reflect.ValueOf(v)
		switch {
		case val.Type().AssignableTo(elem.Type()):
			elem.Set(val)
		case val.Type().ConvertibleTo(elem.Type()):
			elem.Set(val.Convert(elem.Type()))
		default:
			return fmt.Errorf("dbtest: cannot scan %T into %s", v, elem.Type())
		}
	}
	return nil
}
