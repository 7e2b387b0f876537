package database

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestNormalizeDSN(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"postgres://u:p@localhost:5432/oh", "postgres://u:p@localhost:5432/oh"},
		{"  postgresql+pgx://u@db/oh ", "postgresql://u@db/oh"},
		{"postgres+asyncpg://u@db/oh?sslmode=disable", "postgres://u@db/oh?sslmode=disable"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := normalizeDSN(tt.in); got != tt.want {
			t.Errorf("normalizeDSN(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsUndefinedObject(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"missing table", &pgconn.PgError{Code: "42P01"}, true},
		{"missing column wrapped", fmt.Errorf("lookup: %w", &pgconn.PgError{Code: "42703"}), true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"cancelled", context.Canceled, false},
		{"connection refused", errors.New("dial tcp: connection refused"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUndefinedObject(tt.err); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
