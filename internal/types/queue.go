package types

import "time"

// Queue is an office-hours waiting list hosted in a room
type Queue struct {
	ID       int64  `json:"queue_id"`
	RoomID   *int64 `json:"room_id"`
	CourseID *int64 `json:"course_id"`
	Name     string `json:"name,omitempty"`
}

// QueueEntry is one waiting user. (QueueID, UserID) is unique.
type QueueEntry struct {
	QueueID  int64     `json:"queue_id"`
	UserID   int64     `json:"user_id"`
	Name     string    `json:"name"`
	JoinedAt time.Time `json:"joined_at"`
}

// Assignment pairs the staff member serving a queue with the student being served
type Assignment struct {
	QueueID       int64      `json:"queue_id"`
	TAUserID      int64      `json:"ta_user_id"`
	StudentUserID int64      `json:"student_user_id"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// Participant is the public view of a queue entry
type Participant struct {
	UserID int64  `json:"user_id"`
	Name   string `json:"name"`
}

// Snapshot is the state of a queue as seen by one viewer
type Snapshot struct {
	QueueID          int64         `json:"queue_id"`
	Count            int           `json:"count"`
	Position         *int          `json:"position"`
	ETAMinutes       int           `json:"eta_minutes"`
	Participants     []Participant `json:"participants"`
	AvgHandleMinutes *float64      `json:"avg_handle_minutes"`
	BasisFactor      int           `json:"basis_factor"`
	AvgUsed          float64       `json:"avg_used"`
}

// Before reports whether e is ahead of other in FIFO order:
// earlier joined-at first, ties broken by ascending user id.
func (e QueueEntry) Before(other QueueEntry) bool {
	if e.JoinedAt.Equal(other.JoinedAt) {
		return e.UserID < other.UserID
	}
	return e.JoinedAt.Before(other.JoinedAt)
}

// Ref returns a pointer to v, used for the optional id columns.
func Ref(v int64) *int64 {
	return &v
}
