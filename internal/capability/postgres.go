package capability

import (
	"context"
	"errors"
	"fmt"

	"github.com/dennisdiepolder/officehours/backend/internal/database"
	"github.com/jackc/pgx/v5"
)

// PGInspector checks information_schema of the current schema
type PGInspector struct {
	db database.DB
}

func NewPGInspector(db database.DB) *PGInspector {
	return &PGInspector{db: db}
}

func (i *PGInspector) HasColumns(ctx context.Context, s Structure) (bool, error) {
	var n int
	err := i.db.QueryRow(ctx,
		`SELECT COUNT(DISTINCT column_name)
		   FROM information_schema.columns
		  WHERE table_schema = current_schema()
		    AND table_name = $1
		    AND column_name = ANY($2)`,
		lowerAll([]string{s.Table})[0], lowerAll(s.Columns)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("inspect %s: %w", s.Table, err)
	}
	return n == len(s.Columns), nil
}

// PGQuerier runs probe queries on the pool
type PGQuerier struct {
	db database.DB
}

func NewPGQuerier(db database.DB) *PGQuerier {
	return &PGQuerier{db: db}
}

func (q *PGQuerier) Exists(ctx context.Context, sql string, args ...any) (bool, error) {
	var one int
	err := q.db.QueryRow(ctx, sql, args...).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
