package postgres_test

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/scribeworks/transcriptd/internal/adapter/repo/postgres"
)

// fakePool scripts the narrow pool surface with closures.
type fakePool struct {
	exec     func(sql string, args []any) (pgconn.CommandTag, error)
	queryRow func(sql string, args []any) pgx.Row
	query    func(sql string, args []any) (pgx.Rows, error)
	begin    func() (pgx.Tx, error)

	execSQL []string
}

var _ postgres.PgxPool = (*fakePool)(nil)

func (p *fakePool) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.execSQL = append(p.execSQL, sql)
	if p.exec == nil {
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	return p.exec(sql, args)
}

func (p *fakePool) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	if p.queryRow == nil {
		return &fakeRow{err: pgx.ErrNoRows}
	}
	return p.queryRow(sql, args)
}

func (p *fakePool) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	if p.query == nil {
		return nil, errors.New("query not scripted")
	}
	return p.query(sql, args)
}

func (p *fakePool) Begin(_ context.Context) (pgx.Tx, error) {
	if p.begin == nil {
		return nil, errors.New("begin not scripted")
	}
	return p.begin()
}

// fakeRow scans scripted values into dest pointers.
type fakeRow struct {
	scan func(dest []any) error
	err  error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if r.scan != nil {
		return r.scan(dest)
	}
	return nil
}

// fakeRows serves a sequence of scan closures.
type fakeRows struct {
	scans []func(dest []any) error
	pos   int
	err   error
}

var _ pgx.Rows = (*fakeRows)(nil)

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Next() bool                                   { return r.pos < len(r.scans) }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Scan(dest ...any) error {
	scan := r.scans[r.pos]
	r.pos++
	return scan(dest)
}

// fakeTx embeds the pgx.Tx interface and overrides only what the
// repositories use.
type fakeTx struct {
	pgx.Tx
	exec     func(sql string, args []any) (pgconn.CommandTag, error)
	queryRow func(sql string, args []any) pgx.Row
	commits  int
}

func (t *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if t.exec == nil {
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}
	return t.exec(sql, args)
}

func (t *fakeTx) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	if t.queryRow == nil {
		return &fakeRow{err: pgx.ErrNoRows}
	}
	return t.queryRow(sql, args)
}

func (t *fakeTx) Commit(_ context.Context) error   { t.commits++; return nil }
func (t *fakeTx) Rollback(_ context.Context) error { return nil }
