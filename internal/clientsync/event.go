package clientsync

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"strconv"

	"github.com/dennisdiepolder/officehours/backend/internal/notify"
	"github.com/dennisdiepolder/officehours/backend/internal/types"
)

// Source tells which path delivered an event
type Source string

const (
	SourcePush Source = "push"
	SourcePoll Source = "poll"
)

// Event is a change as seen by the client, whichever path delivered it
type Event struct {
	// ChangeID is the change feed id, 0 for push-only events
	ChangeID int64
	Channel  string
	RefID    *int64
	CourseID *int64
	RoomID   *int64
	Payload  json.RawMessage
	TS       int64
	Source   Source
}

// Key identifies the logical event. Events with a change id share the key
// across both paths.
func (e Event) Key() string {
	if e.ChangeID > 0 {
		return "change:" + strconv.FormatInt(e.ChangeID, 10)
	}
	sum := sha1.Sum(e.Payload)
	ref := ""
	if e.RefID != nil {
		ref = strconv.FormatInt(*e.RefID, 10)
	}
	return e.Channel + ":" + ref + ":" + strconv.FormatInt(e.TS, 10) + ":" + hex.EncodeToString(sum[:8])
}

func fromChange(ev types.ChangeEvent) Event {
	return Event{
		ChangeID: ev.ID,
		Channel:  string(ev.Channel),
		RefID:    ev.RefID,
		CourseID: ev.CourseID,
		Payload:  ev.Payload,
		TS:       ev.CreatedAt.Unix(),
		Source:   SourcePoll,
	}
}

func fromPush(msg types.PushMessage) Event {
	ev := Event{
		Channel:  msg.Event,
		RefID:    msg.RefID,
		CourseID: msg.CourseID,
		RoomID:   msg.RoomID,
		Payload:  msg.Payload,
		TS:       msg.TS,
		Source:   SourcePush,
	}
	var carried map[string]json.RawMessage
	if json.Unmarshal(msg.Payload, &carried) == nil {
		if raw, ok := carried[notify.ChangeIDKey]; ok {
			json.Unmarshal(raw, &ev.ChangeID)
		}
	}
	return ev
}

// TargetUser returns the user an accept notification is meant for:
// payload.student_user_id, else payload.user_id, else the same keys one
// level down in payload.payload.
func TargetUser(payload json.RawMessage) (int64, bool) {
	var body struct {
		StudentUserID *int64          `json:"student_user_id"`
		UserID        *int64          `json:"user_id"`
		Payload       json.RawMessage `json:"payload"`
	}
	if len(payload) == 0 || json.Unmarshal(payload, &body) != nil {
		return 0, false
	}
	switch {
	case body.StudentUserID != nil:
		return *body.StudentUserID, true
	case body.UserID != nil:
		return *body.UserID, true
	case len(body.Payload) > 0:
		return TargetUser(body.Payload)
	}
	return 0, false
}
