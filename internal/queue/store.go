// Package queue holds the authoritative waiting lists. Stores are pure state
// containers; callers publish change notifications after a mutation.
package queue

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/dennisdiepolder/officehours/backend/internal/types"
)

var (
	ErrNotFound            = errors.New("queue not found")
	ErrAlreadyQueuedInRoom = errors.New("already waiting in another queue of this room")
	ErrNotWaiting          = errors.New("student is not waiting in this queue")
	ErrAlreadyServed       = errors.New("student is already being served in this queue")
	ErrRace                = errors.New("concurrent assignment change on this queue")
)

// Store is the persistence contract shared by the memory and Postgres backends.
// Accept must remove the entry and install the assignment as one atomic unit.
type Store interface {
	Lookup(ctx context.Context, queueID int64) (types.Queue, error)
	// Join inserts entry if absent and reports whether it was already present
	Join(ctx context.Context, entry types.QueueEntry) (already bool, err error)
	// Leave deletes the entry and reports whether it was already absent
	Leave(ctx context.Context, queueID, userID int64) (already bool, err error)
	// Waiting returns the entries of a queue in FIFO order
	Waiting(ctx context.Context, queueID int64) ([]types.QueueEntry, error)
	// Memberships lists the queues userID is waiting in
	Memberships(ctx context.Context, userID int64) ([]int64, error)

	// Accept moves studentID from the waiting list into the queue's live
	// assignment. A live assignment for another pair is finished and returned
	// as prev.
	Accept(ctx context.Context, a types.Assignment) (prev *types.Assignment, err error)
	// Stop finishes the live assignment and returns it, or nil if none
	Stop(ctx context.Context, queueID int64, at time.Time) (*types.Assignment, error)
	Current(ctx context.Context, queueID int64) (*types.Assignment, error)
}

// SortFIFO orders entries by joined-at, then user id
func SortFIFO(entries []types.QueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Before(entries[j])
	})
}

// Position returns the 1-indexed position of userID in ordered entries
func Position(entries []types.QueueEntry, userID int64) *int {
	if userID <= 0 {
		return nil
	}
	for i, e := range entries {
		if e.UserID == userID {
			pos := i + 1
			return &pos
		}
	}
	return nil
}
