// Package assignment runs the waiting → serving → done transitions of a queue.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dennisdiepolder/officehours/backend/internal/metrics"
	"github.com/dennisdiepolder/officehours/backend/internal/notify"
	"github.com/dennisdiepolder/officehours/backend/internal/queue"
	"github.com/dennisdiepolder/officehours/backend/internal/types"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound   = queue.ErrNotFound
	ErrForbidden  = errors.New("not allowed to manage this queue")
	ErrNotWaiting = errors.New("student is not waiting in this queue")
	ErrConflict   = errors.New("assignment conflict")
	ErrNotServing = errors.New("no student is being served in this queue")
)

// Authorizer decides whether a user may serve students of a queue
type Authorizer interface {
	CanManage(ctx context.Context, userID, queueID int64) bool
}

// Archive keeps finished sessions for reporting and handle-time statistics
type Archive interface {
	SaveSession(ctx context.Context, a types.Assignment) error
}

// supervisorRoles may stop or call again on behalf of another staff member
var supervisorRoles = map[string]bool{"manager": true, "admin": true}

// StopResult is returned by StopServe
type StopResult struct {
	Assignment *types.Assignment
	Already    bool
}

// Coordinator applies accept and stop transitions and announces them
type Coordinator struct {
	queues   *queue.Service
	auth     Authorizer
	notifier *notify.Notifier
	archive  Archive
	now      func() time.Time
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

// NewCoordinator creates a coordinator. archive may be nil.
func NewCoordinator(queues *queue.Service, auth Authorizer, notifier *notify.Notifier, archive Archive, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		queues:   queues,
		auth:     auth,
		notifier: notifier,
		archive:  archive,
		now:      time.Now,
		logger:   logger.With().Str("component", "assignment").Logger(),
	}
}

// Accept moves studentID out of the waiting list and makes ta its server.
// A live assignment of another student in the same queue is finished.
func (c *Coordinator) Accept(ctx context.Context, queueID int64, ta types.Identity, studentID int64) (types.Assignment, error) {
	store := c.queues.Store()
	q, err := store.Lookup(ctx, queueID)
	if err != nil {
		return types.Assignment{}, err
	}
	if !c.auth.CanManage(ctx, ta.UserID, queueID) {
		return types.Assignment{}, ErrForbidden
	}

	a := types.Assignment{
		QueueID:       queueID,
		TAUserID:      ta.UserID,
		StudentUserID: studentID,
		StartedAt:     c.now(),
	}
	prev, err := store.Accept(ctx, a)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrAlreadyServed), errors.Is(err, queue.ErrRace):
			metrics.Get().RecordConflict()
			return types.Assignment{}, fmt.Errorf("%w: %w", ErrConflict, err)
		case errors.Is(err, queue.ErrNotWaiting):
			return types.Assignment{}, ErrNotWaiting
		}
		return types.Assignment{}, fmt.Errorf("accept student: %w", err)
	}
	metrics.Get().RecordAccept()

	if prev != nil {
		c.archiveSession(*prev)
		c.queues.Estimator().Invalidate(ctx, queueID)
	}

	c.logger.Info().
		Int64("queue_id", queueID).
		Int64("user_id", studentID).
		Int64("ta_id", ta.UserID).
		Msg("student accepted")

	snap := c.snapshot(ctx, queueID)
	c.notifier.RoomsChanged(ctx, q)
	c.notifier.Accepted(ctx, q, a, ta.Name)
	c.notifier.QueueChanged(ctx, q, "accept", map[string]any{
		"user_id":  studentID,
		"ta_id":    ta.UserID,
		"snapshot": snap,
	})
	return a, nil
}

// StopServe finishes the live assignment of queueID. Only the serving staff
// member or a supervisor may stop it.
func (c *Coordinator) StopServe(ctx context.Context, queueID int64, by types.Identity) (StopResult, error) {
	store := c.queues.Store()
	q, err := store.Lookup(ctx, queueID)
	if err != nil {
		return StopResult{}, err
	}

	cur, err := store.Current(ctx, queueID)
	if err != nil {
		return StopResult{}, fmt.Errorf("load assignment: %w", err)
	}
	if cur == nil {
		return StopResult{Already: true}, nil
	}
	if !c.mayActFor(*cur, by) {
		return StopResult{}, ErrForbidden
	}

	done, err := store.Stop(ctx, queueID, c.now())
	if err != nil {
		return StopResult{}, fmt.Errorf("stop serving: %w", err)
	}
	if done == nil {
		// stopped concurrently by someone else
		return StopResult{Already: true}, nil
	}
	metrics.Get().RecordStop()
	c.archiveSession(*done)
	c.queues.Estimator().Invalidate(ctx, queueID)

	c.logger.Info().
		Int64("queue_id", queueID).
		Int64("user_id", done.StudentUserID).
		Int64("ta_id", by.UserID).
		Msg("serving stopped")

	snap := c.snapshot(ctx, queueID)
	c.notifier.QueueChanged(ctx, q, "stop_serve", map[string]any{
		"user_id":  done.StudentUserID,
		"ta_id":    by.UserID,
		"snapshot": snap,
	})
	return StopResult{Assignment: done}, nil
}

// CallAgain re-notifies the student currently served in queueID
func (c *Coordinator) CallAgain(ctx context.Context, queueID int64, by types.Identity) (types.Assignment, error) {
	store := c.queues.Store()
	q, err := store.Lookup(ctx, queueID)
	if err != nil {
		return types.Assignment{}, err
	}
	if !c.auth.CanManage(ctx, by.UserID, queueID) && !supervisorRoles[by.Role] {
		return types.Assignment{}, ErrForbidden
	}

	cur, err := store.Current(ctx, queueID)
	if err != nil {
		return types.Assignment{}, fmt.Errorf("load assignment: %w", err)
	}
	if cur == nil {
		return types.Assignment{}, ErrNotServing
	}
	if !c.mayActFor(*cur, by) {
		return types.Assignment{}, ErrForbidden
	}

	c.notifier.CallAgain(q, *cur, by.Name)
	return *cur, nil
}

// Current returns the live assignment of queueID or nil
func (c *Coordinator) Current(ctx context.Context, queueID int64) (*types.Assignment, error) {
	store := c.queues.Store()
	if _, err := store.Lookup(ctx, queueID); err != nil {
		return nil, err
	}
	return store.Current(ctx, queueID)
}

// Wait blocks until pending archive writes are done
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) mayActFor(cur types.Assignment, by types.Identity) bool {
	if cur.TAUserID == by.UserID {
		return true
	}
	return supervisorRoles[by.Role]
}

func (c *Coordinator) snapshot(ctx context.Context, queueID int64) *types.Snapshot {
	snap, err := c.queues.Snapshot(ctx, queueID, 0)
	if err != nil {
		c.logger.Warn().Err(err).Int64("queue_id", queueID).Msg("snapshot for event failed")
		return nil
	}
	return &snap
}

func (c *Coordinator) archiveSession(a types.Assignment) {
	if c.archive == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.archive.SaveSession(ctx, a); err != nil {
			c.logger.Warn().Err(err).Int64("queue_id", a.QueueID).Msg("session archive failed")
		}
	}()
}
