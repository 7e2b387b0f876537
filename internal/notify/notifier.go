package notify

import (
	"context"

	"github.com/dennisdiepolder/officehours/backend/internal/types"
)

// ChangeIDKey carries the change feed id inside push payloads, so clients
// receiving an event on both paths can recognise it.
const ChangeIDKey = "change_id"

// ChangeAppender records an event on the durable change feed
type ChangeAppender interface {
	Append(ctx context.Context, channel types.Channel, refID, courseID *int64, payload any) (types.ChangeEvent, bool)
}

// Pusher forwards an event to the push server
type Pusher interface {
	Emit(event string, courseID, roomID, refID *int64, payload any)
}

// Notifier fans one logical change out to both paths: the change feed every
// client can reconcile from, and the push bridge for low latency.
type Notifier struct {
	feed ChangeAppender
	push Pusher
}

func NewNotifier(feed ChangeAppender, push Pusher) *Notifier {
	return &Notifier{feed: feed, push: push}
}

// QueueChanged announces a change of q's waiting list or serving pair
func (n *Notifier) QueueChanged(ctx context.Context, q types.Queue, action string, fields map[string]any) {
	payload := map[string]any{"action": action}
	for k, v := range fields {
		payload[k] = v
	}
	ev, ok := n.feed.Append(ctx, types.ChannelQueue, types.Ref(q.ID), q.CourseID, payload)

	pushed := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		pushed[k] = v
	}
	pushed["queue_id"] = q.ID
	if ok {
		pushed[ChangeIDKey] = ev.ID
	}
	n.push.Emit(string(types.ChannelQueue), q.CourseID, q.RoomID, types.Ref(q.ID), pushed)
}

// RoomsChanged tells room overviews that something in q's room moved
func (n *Notifier) RoomsChanged(ctx context.Context, q types.Queue) {
	ref := q.RoomID
	if ref == nil {
		ref = types.Ref(q.ID)
	}
	ev, ok := n.feed.Append(ctx, types.ChannelRooms, ref, q.CourseID, map[string]any{"queue_id": q.ID})
	pushed := map[string]any{"queue_id": q.ID}
	if ok {
		pushed[ChangeIDKey] = ev.ID
	}
	n.push.Emit(string(types.ChannelRooms), q.CourseID, q.RoomID, ref, pushed)
}

// Accepted tells the student in a that a staff member picked them up.
// Both events are scoped to the student's user id.
func (n *Notifier) Accepted(ctx context.Context, q types.Queue, a types.Assignment, taName string) {
	student := types.Ref(a.StudentUserID)
	ev, ok := n.feed.Append(ctx, types.ChannelTAAccept, student, q.CourseID, map[string]any{
		"user_id": a.StudentUserID,
		"ta_id":   a.TAUserID,
	})
	pushed := map[string]any{
		"queue_id":        q.ID,
		"student_user_id": a.StudentUserID,
		"ta_user_id":      a.TAUserID,
		"ta_name":         taName,
	}
	if ok {
		pushed[ChangeIDKey] = ev.ID
	}
	n.push.Emit(string(types.ChannelTAAccept), q.CourseID, q.RoomID, student, pushed)
}

// CallAgain re-notifies the student currently served in q. Push only: there
// is no state change to reconcile.
func (n *Notifier) CallAgain(q types.Queue, a types.Assignment, taName string) {
	n.push.Emit(types.PushEventCallAgain, q.CourseID, q.RoomID, types.Ref(a.StudentUserID), map[string]any{
		"type":            types.PushEventCallAgain,
		"queue_id":        q.ID,
		"room_id":         q.RoomID,
		"course_id":       q.CourseID,
		"student_user_id": a.StudentUserID,
		"ta_user_id":      a.TAUserID,
		"ta_name":         taName,
	})
}
