package queue

import (
	"context"
	"fmt"

	"github.com/dennisdiepolder/officehours/backend/internal/types"
	"github.com/rs/zerolog"
)

// JoinResult is returned by Service.Join and Service.Leave. Changed is false
// when the call was a no-op.
type JoinResult struct {
	Changed bool
	Already bool
}

// Service combines a Store with the ETA estimator
type Service struct {
	store           Store
	eta             *Estimator
	oneQueuePerRoom bool
	logger          zerolog.Logger
}

// NewService creates a queue service. With oneQueuePerRoom set, a student
// waiting in one queue of a room cannot join another queue of the same room.
func NewService(store Store, eta *Estimator, oneQueuePerRoom bool, logger zerolog.Logger) *Service {
	return &Service{
		store:           store,
		eta:             eta,
		oneQueuePerRoom: oneQueuePerRoom,
		logger:          logger.With().Str("component", "queue_service").Logger(),
	}
}

// Store exposes the underlying store
func (s *Service) Store() Store { return s.store }

// Estimator exposes the ETA chain
func (s *Service) Estimator() *Estimator { return s.eta }

// Join adds who to queueID; joining twice is a no-op
func (s *Service) Join(ctx context.Context, queueID int64, who types.Identity) (types.Queue, JoinResult, error) {
	q, err := s.store.Lookup(ctx, queueID)
	if err != nil {
		return types.Queue{}, JoinResult{}, err
	}

	if s.oneQueuePerRoom && q.RoomID != nil {
		if err := s.checkRoom(ctx, q, who.UserID); err != nil {
			return q, JoinResult{}, err
		}
	}

	already, err := s.store.Join(ctx, types.QueueEntry{QueueID: queueID, UserID: who.UserID, Name: who.Name})
	if err != nil {
		return q, JoinResult{}, err
	}
	s.logger.Debug().
		Int64("queue_id", queueID).
		Int64("user_id", who.UserID).
		Bool("already", already).
		Msg("queue join")
	return q, JoinResult{Changed: !already, Already: already}, nil
}

func (s *Service) checkRoom(ctx context.Context, q types.Queue, userID int64) error {
	ids, err := s.store.Memberships(ctx, userID)
	if err != nil {
		return fmt.Errorf("check room membership: %w", err)
	}
	for _, id := range ids {
		if id == q.ID {
			continue
		}
		other, err := s.store.Lookup(ctx, id)
		if err != nil {
			continue
		}
		if other.RoomID != nil && *other.RoomID == *q.RoomID {
			return ErrAlreadyQueuedInRoom
		}
	}
	return nil
}

// Leave removes userID from queueID. Leaving a queue one is not in succeeds.
// The queue metadata is returned when it resolves, for event scoping.
func (s *Service) Leave(ctx context.Context, queueID, userID int64) (types.Queue, JoinResult, error) {
	already, err := s.store.Leave(ctx, queueID, userID)
	if err != nil {
		return types.Queue{ID: queueID}, JoinResult{}, err
	}
	q, err := s.store.Lookup(ctx, queueID)
	if err != nil {
		q = types.Queue{ID: queueID}
	}
	s.logger.Debug().
		Int64("queue_id", queueID).
		Int64("user_id", userID).
		Bool("already", already).
		Msg("queue leave")
	return q, JoinResult{Changed: !already, Already: already}, nil
}

// Snapshot returns the ordered waiting list with the viewer's position and ETA.
// viewerID <= 0 means an anonymous viewer.
func (s *Service) Snapshot(ctx context.Context, queueID, viewerID int64) (types.Snapshot, error) {
	if _, err := s.store.Lookup(ctx, queueID); err != nil {
		return types.Snapshot{}, err
	}

	entries, err := s.store.Waiting(ctx, queueID)
	if err != nil {
		return types.Snapshot{}, err
	}

	snap := types.Snapshot{
		QueueID:      queueID,
		Count:        len(entries),
		Position:     Position(entries, viewerID),
		Participants: make([]types.Participant, 0, len(entries)),
	}
	for _, e := range entries {
		snap.Participants = append(snap.Participants, types.Participant{UserID: e.UserID, Name: e.Name})
	}

	avg := s.eta.Average(ctx, queueID)
	if avg.Found {
		m := avg.Minutes
		snap.AvgHandleMinutes = &m
	}
	snap.AvgUsed = avg.Minutes
	snap.BasisFactor = BasisFactor(snap.Position, snap.Count)
	snap.ETAMinutes = ETA(avg.Minutes, snap.BasisFactor)
	return snap, nil
}
