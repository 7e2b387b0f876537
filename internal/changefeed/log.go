package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dennisdiepolder/officehours/backend/internal/database"
	"github.com/dennisdiepolder/officehours/backend/internal/types"
)

// Log is the durable, append-only event sequence. IDs are assigned by the
// log and strictly increase across all channels.
type Log interface {
	Append(ctx context.Context, ev types.ChangeEvent) (types.ChangeEvent, error)
	// Since returns events with id > sinceID passing filter, ascending, at most limit
	Since(ctx context.Context, filter types.ChangeFilter, sinceID int64, limit int) ([]types.ChangeEvent, error)
}

// MemoryLog keeps events in process memory
type MemoryLog struct {
	events []types.ChangeEvent
	nextID int64
	now    func() time.Time
	mu     sync.RWMutex
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		events: make([]types.ChangeEvent, 0, 1024),
		nextID: 1,
		now:    time.Now,
	}
}

func (l *MemoryLog) Append(_ context.Context, ev types.ChangeEvent) (types.ChangeEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev.ID = l.nextID
	l.nextID++
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = l.now()
	}
	l.events = append(l.events, ev)
	return ev, nil
}

func (l *MemoryLog) Since(_ context.Context, filter types.ChangeFilter, sinceID int64, limit int) ([]types.ChangeEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	// ids are dense and start at 1, so the first candidate sits at index sinceID
	start := sinceID
	if start < 0 {
		start = 0
	}
	out := make([]types.ChangeEvent, 0)
	for i := start; i < int64(len(l.events)); i++ {
		ev := l.events[i]
		if !filter.Matches(ev) {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// PostgresLog stores events in change_log(id BIGSERIAL, channel, ref_id,
// course_id, payload_json JSONB, created_at).
type PostgresLog struct {
	db database.DB
}

func NewPostgresLog(db database.DB) *PostgresLog {
	return &PostgresLog{db: db}
}

func (l *PostgresLog) Append(ctx context.Context, ev types.ChangeEvent) (types.ChangeEvent, error) {
	var payload []byte
	if len(ev.Payload) > 0 {
		payload = ev.Payload
	}
	err := l.db.QueryRow(ctx,
		`INSERT INTO change_log (channel, ref_id, course_id, payload_json)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		string(ev.Channel), ev.RefID, ev.CourseID, payload).Scan(&ev.ID, &ev.CreatedAt)
	if err != nil {
		return ev, fmt.Errorf("append change: %w", err)
	}
	return ev, nil
}

func (l *PostgresLog) Since(ctx context.Context, filter types.ChangeFilter, sinceID int64, limit int) ([]types.ChangeEvent, error) {
	channels := make([]string, len(filter.Channels))
	for i, c := range filter.Channels {
		channels[i] = string(c)
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := l.db.Query(ctx,
		`SELECT id, channel, ref_id, course_id, payload_json, created_at
		   FROM change_log
		  WHERE id > $1
		    AND (cardinality($2::text[]) = 0 OR channel = ANY($2))
		    AND ($3::bigint IS NULL OR course_id = $3 OR course_id IS NULL)
		    AND ($4::bigint IS NULL OR ref_id = $4)
		  ORDER BY id ASC
		  LIMIT $5`,
		sinceID, channels, filter.CourseID, filter.RefID, limit)
	if err != nil {
		return nil, fmt.Errorf("poll changes: %w", err)
	}
	defer rows.Close()

	out := make([]types.ChangeEvent, 0)
	for rows.Next() {
		var ev types.ChangeEvent
		var channel string
		var payload []byte
		if err := rows.Scan(&ev.ID, &channel, &ev.RefID, &ev.CourseID, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		ev.Channel = types.Channel(channel)
		if len(payload) > 0 {
			ev.Payload = json.RawMessage(payload)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
