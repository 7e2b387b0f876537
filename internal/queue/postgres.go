package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dennisdiepolder/officehours/backend/internal/cache"
	"github.com/dennisdiepolder/officehours/backend/internal/database"
	"github.com/dennisdiepolder/officehours/backend/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Expected tables:
//
//	queue_entries(queue_id, user_id, joined_at, UNIQUE(queue_id, user_id))
//	ta_assignments(ta_assignment_id, queue_id, ta_user_id, student_user_id, started_at, finished_at)
//	  with a unique index on (queue_id) WHERE finished_at IS NULL
//	users(user_id, name)
//
// Queue metadata is read through metaQueries, which tolerate either the
// queues_info view or queues joined with rooms.

const uniqueViolation = "23505"

var metaQueries = []struct {
	name string
	sql  string
}{
	{
		name: "queues_info",
		sql:  `SELECT queue_id, room_id, course_id, COALESCE(name, '') FROM queues_info WHERE queue_id = $1 LIMIT 1`,
	},
	{
		name: "queues_rooms",
		sql: `SELECT q.queue_id, q.room_id, r.course_id, COALESCE(q.name, '')
		        FROM queues q
		        LEFT JOIN rooms r ON r.room_id = q.room_id
		       WHERE q.queue_id = $1 LIMIT 1`,
	},
}

// PostgresStore implements Store on Postgres
type PostgresStore struct {
	db     database.DB
	cache  cache.Cache
	group  singleflight.Group
	now    func() time.Time
	logger zerolog.Logger
}

func NewPostgresStore(db database.DB, c cache.Cache, logger zerolog.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		cache:  c,
		now:    time.Now,
		logger: logger.With().Str("component", "queue_store").Logger(),
	}
}

func metaKey(queueID int64) string {
	return "meta:" + strconv.FormatInt(queueID, 10)
}

// Lookup tries each metadata query in order; the first row found is cached.
// A query against a view or table this installation lacks moves on to the
// next one. Any other failure is returned as is and never reads as NotFound.
func (s *PostgresStore) Lookup(ctx context.Context, queueID int64) (types.Queue, error) {
	var q types.Queue
	if cache.GetJSON(ctx, s.cache, metaKey(queueID), &q) {
		return q, nil
	}

	v, err, _ := s.group.Do(metaKey(queueID), func() (interface{}, error) {
		// shared by every waiter, so not bound to the first caller's request
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		for _, mq := range metaQueries {
			var found types.Queue
			err := s.db.QueryRow(ctx, mq.sql, queueID).Scan(&found.ID, &found.RoomID, &found.CourseID, &found.Name)
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			if database.IsUndefinedObject(err) {
				s.logger.Debug().Err(err).Str("source", mq.name).Msg("metadata source unavailable")
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("lookup queue %d via %s: %w", queueID, mq.name, err)
			}
			cache.SetJSON(ctx, s.cache, metaKey(queueID), found)
			return found, nil
		}
		return nil, ErrNotFound
	})
	if err != nil {
		return types.Queue{}, err
	}
	return v.(types.Queue), nil
}

func (s *PostgresStore) Join(ctx context.Context, entry types.QueueEntry) (bool, error) {
	if entry.JoinedAt.IsZero() {
		entry.JoinedAt = s.now()
	}
	tag, err := s.db.Exec(ctx,
		`INSERT INTO queue_entries (queue_id, user_id, joined_at) VALUES ($1, $2, $3)
		 ON CONFLICT (queue_id, user_id) DO NOTHING`,
		entry.QueueID, entry.UserID, entry.JoinedAt)
	if err != nil {
		return false, fmt.Errorf("join queue %d: %w", entry.QueueID, err)
	}
	return tag.RowsAffected() == 0, nil
}

func (s *PostgresStore) Leave(ctx context.Context, queueID, userID int64) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM queue_entries WHERE queue_id = $1 AND user_id = $2`, queueID, userID)
	if err != nil {
		return false, fmt.Errorf("leave queue %d: %w", queueID, err)
	}
	return tag.RowsAffected() == 0, nil
}

func (s *PostgresStore) Waiting(ctx context.Context, queueID int64) ([]types.QueueEntry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT e.queue_id, e.user_id, COALESCE(u.name, ''), e.joined_at
		   FROM queue_entries e
		   LEFT JOIN users u ON u.user_id = e.user_id
		  WHERE e.queue_id = $1
		  ORDER BY e.joined_at ASC, e.user_id ASC`, queueID)
	if err != nil {
		return nil, fmt.Errorf("list queue %d: %w", queueID, err)
	}
	defer rows.Close()

	out := make([]types.QueueEntry, 0)
	for rows.Next() {
		var e types.QueueEntry
		if err := rows.Scan(&e.QueueID, &e.UserID, &e.Name, &e.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Memberships(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.db.Query(ctx, `SELECT queue_id FROM queue_entries WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Accept runs in one transaction. The DELETE takes the row lock on the entry,
// so of two concurrent accepts for the same student only one removes it; the
// loser sees zero rows and reports ErrAlreadyServed.
func (s *PostgresStore) Accept(ctx context.Context, a types.Assignment) (*types.Assignment, error) {
	if a.StartedAt.IsZero() {
		a.StartedAt = s.now()
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin accept: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`DELETE FROM queue_entries WHERE queue_id = $1 AND user_id = $2`, a.QueueID, a.StudentUserID)
	if err != nil {
		return nil, fmt.Errorf("remove entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var one int
		err := tx.QueryRow(ctx,
			`SELECT 1 FROM ta_assignments
			  WHERE queue_id = $1 AND student_user_id = $2 AND finished_at IS NULL LIMIT 1`,
			a.QueueID, a.StudentUserID).Scan(&one)
		if err == nil {
			return nil, ErrAlreadyServed
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("check assignment: %w", err)
		}
		return nil, ErrNotWaiting
	}

	var prev *types.Assignment
	var p types.Assignment
	err = tx.QueryRow(ctx,
		`UPDATE ta_assignments SET finished_at = $2
		  WHERE queue_id = $1 AND finished_at IS NULL
		  RETURNING queue_id, ta_user_id, student_user_id, started_at, finished_at`,
		a.QueueID, a.StartedAt).Scan(&p.QueueID, &p.TAUserID, &p.StudentUserID, &p.StartedAt, &p.FinishedAt)
	switch {
	case err == nil:
		prev = &p
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return nil, fmt.Errorf("finish previous assignment: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO ta_assignments (queue_id, ta_user_id, student_user_id, started_at) VALUES ($1, $2, $3, $4)`,
		a.QueueID, a.TAUserID, a.StudentUserID, a.StartedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrRace
		}
		return nil, fmt.Errorf("insert assignment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrRace
		}
		return nil, fmt.Errorf("commit accept: %w", err)
	}
	return prev, nil
}

func (s *PostgresStore) Stop(ctx context.Context, queueID int64, at time.Time) (*types.Assignment, error) {
	var a types.Assignment
	err := s.db.QueryRow(ctx,
		`UPDATE ta_assignments SET finished_at = $2
		  WHERE queue_id = $1 AND finished_at IS NULL
		  RETURNING queue_id, ta_user_id, student_user_id, started_at, finished_at`,
		queueID, at).Scan(&a.QueueID, &a.TAUserID, &a.StudentUserID, &a.StartedAt, &a.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stop assignment: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) Current(ctx context.Context, queueID int64) (*types.Assignment, error) {
	var a types.Assignment
	err := s.db.QueryRow(ctx,
		`SELECT queue_id, ta_user_id, student_user_id, started_at
		   FROM ta_assignments
		  WHERE queue_id = $1 AND finished_at IS NULL
		  ORDER BY started_at DESC LIMIT 1`,
		queueID).Scan(&a.QueueID, &a.TAUserID, &a.StudentUserID, &a.StartedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("current assignment: %w", err)
	}
	return &a, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
