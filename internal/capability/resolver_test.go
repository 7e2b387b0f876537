package capability

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dennisdiepolder/officehours/backend/internal/cache"
	"github.com/dennisdiepolder/officehours/backend/internal/types"
	"github.com/rs/zerolog"
)

type fakeMeta struct {
	queues map[int64]types.Queue
}

func (m *fakeMeta) Lookup(_ context.Context, id int64) (types.Queue, error) {
	q, ok := m.queues[id]
	if !ok {
		return types.Queue{}, errors.New("unknown queue")
	}
	return q, nil
}

// fakeInspector knows which tables exist and counts lookups
type fakeInspector struct {
	tables map[string]bool
	calls  int
	err    error
}

func (f *fakeInspector) HasColumns(_ context.Context, s Structure) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.tables[s.Table], nil
}

// fakeQuerier grants when the SQL mentions table and the first two args match
type fakeQuerier struct {
	rows    map[string][2]int64
	queries []string
}

func (f *fakeQuerier) Exists(_ context.Context, sql string, args ...any) (bool, error) {
	f.queries = append(f.queries, sql)
	for table, row := range f.rows {
		if !strings.Contains(sql, `"`+table+`"`) && !strings.Contains(sql, "FROM "+table) {
			continue
		}
		if len(args) >= 2 {
			if args[0] == row[0] && args[1] == row[1] {
				return true, nil
			}
			continue
		}
		if args[0] == row[1] {
			return true, nil
		}
	}
	return false, nil
}

func newTestResolver(insp *fakeInspector, q *fakeQuerier) *Resolver {
	meta := &fakeMeta{queues: map[int64]types.Queue{
		5: {ID: 5, RoomID: types.Ref(50), CourseID: types.Ref(500)},
		6: {ID: 6},
	}}
	return NewResolver(meta, insp, q, cache.NewMemoryCache(0), zerolog.Nop(), DefaultProbes()...)
}

func TestCanManageBySource(t *testing.T) {
	tests := []struct {
		name    string
		tables  map[string]bool
		rows    map[string][2]int64
		user    int64
		queue   int64
		want    bool
		wantSrc string
	}{
		{
			name:    "queue level staff",
			tables:  map[string]bool{"queue_staff": true},
			rows:    map[string][2]int64{"queue_staff": {5, 9}},
			user:    9,
			queue:   5,
			want:    true,
			wantSrc: "queue_staff",
		},
		{
			name:    "room level via metadata",
			tables:  map[string]bool{"room_tas": true},
			rows:    map[string][2]int64{"room_tas": {50, 9}},
			user:    9,
			queue:   5,
			want:    true,
			wantSrc: "room_tas",
		},
		{
			name:    "course role membership",
			tables:  map[string]bool{"course_members": true},
			rows:    map[string][2]int64{"course_members": {500, 9}},
			user:    9,
			queue:   5,
			want:    true,
			wantSrc: "course_members",
		},
		{
			name:   "room probe skipped when queue has no room",
			tables: map[string]bool{"room_staff": true},
			rows:   map[string][2]int64{"room_staff": {0, 9}},
			user:   9,
			queue:  6,
			want:   false,
		},
		{
			name:   "mapping exists for another user",
			tables: map[string]bool{"queue_staff": true},
			rows:   map[string][2]int64{"queue_staff": {5, 10}},
			user:   9,
			queue:  5,
			want:   false,
		},
		{
			name:   "row present but table missing from schema",
			tables: map[string]bool{},
			rows:   map[string][2]int64{"queue_staff": {5, 9}},
			user:   9,
			queue:  5,
			want:   false,
		},
		{
			name:   "invalid ids",
			tables: map[string]bool{"queue_staff": true},
			rows:   map[string][2]int64{"queue_staff": {5, 9}},
			user:   0,
			queue:  5,
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestResolver(&fakeInspector{tables: tt.tables}, &fakeQuerier{rows: tt.rows})
			src, ok := r.Match(context.Background(), tt.user, tt.queue)
			if ok != tt.want {
				t.Fatalf("expected %v, got %v (source %q)", tt.want, ok, src)
			}
			if tt.wantSrc != "" && src != tt.wantSrc {
				t.Errorf("expected source %s, got %s", tt.wantSrc, src)
			}
		})
	}
}

func TestSchemaChecksAreCached(t *testing.T) {
	insp := &fakeInspector{tables: map[string]bool{}}
	r := newTestResolver(insp, &fakeQuerier{})

	r.CanManage(context.Background(), 9, 5)
	first := insp.calls
	if first == 0 {
		t.Fatal("expected schema lookups on first call")
	}

	r.CanManage(context.Background(), 9, 5)
	if insp.calls != first {
		t.Errorf("expected cached schema answers, lookups went from %d to %d", first, insp.calls)
	}

	r.InvalidateSchema(context.Background())
	r.CanManage(context.Background(), 9, 5)
	if insp.calls != 2*first {
		t.Errorf("expected fresh lookups after invalidation, got %d", insp.calls)
	}
}

func TestSchemaErrorsAreNotCached(t *testing.T) {
	insp := &fakeInspector{err: errors.New("connection reset")}
	r := newTestResolver(insp, &fakeQuerier{})

	if r.CanManage(context.Background(), 9, 5) {
		t.Fatal("expected no grant while schema is unreadable")
	}

	insp.err = nil
	insp.tables = map[string]bool{"queue_tas": true}
	r.querier = &fakeQuerier{rows: map[string][2]int64{"queue_tas": {5, 9}}}
	if !r.CanManage(context.Background(), 9, 5) {
		t.Error("expected grant once the schema is readable again")
	}
}

func TestUserFlagFallback(t *testing.T) {
	insp := &fakeInspector{tables: map[string]bool{"users": true}}
	q := &fakeQuerier{rows: map[string][2]int64{"users": {0, 9}}}
	r := newTestResolver(insp, q)

	src, ok := r.Match(context.Background(), 9, 5)
	if !ok {
		t.Fatal("expected users flag to grant")
	}
	// roles table is missing so the join probe is skipped and the flag answers
	if src != "users.is_staff" {
		t.Errorf("expected users.is_staff, got %s", src)
	}
}

func TestStaticGrants(t *testing.T) {
	g := NewStaticGrants()
	meta := &fakeMeta{queues: map[int64]types.Queue{5: {ID: 5, CourseID: types.Ref(500)}}}
	r := NewResolver(meta, nil, nil, cache.NewMemoryCache(0), zerolog.Nop(), g.Probes()...)
	ctx := context.Background()

	if r.CanManage(ctx, 9, 5) {
		t.Fatal("no grants yet")
	}

	g.Grant(ScopeCourse, 500, 9)
	if src, ok := r.Match(ctx, 9, 5); !ok || src != "static.course" {
		t.Errorf("expected course grant, got %q %v", src, ok)
	}

	g.Revoke(ScopeCourse, 500, 9)
	g.Grant(ScopeUser, 0, 9)
	if src, ok := r.Match(ctx, 9, 5); !ok || src != "static.user" {
		t.Errorf("expected global grant, got %q %v", src, ok)
	}
}

func TestStructureSignature(t *testing.T) {
	s := Structure{Table: "Queue_Staff", Columns: []string{"Queue_ID", "user_id"}}
	if got := s.Signature(); got != "queue_staff|queue_id,user_id" {
		t.Errorf("unexpected signature %s", got)
	}
}
