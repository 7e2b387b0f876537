package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dennisdiepolder/officehours/backend/internal/database/dbtest"
	"github.com/dennisdiepolder/officehours/backend/internal/types"
)

func TestPostgresLogAppend(t *testing.T) {
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	db := dbtest.New(dbtest.Rule{
		Match:  "INSERT INTO change_log",
		Result: dbtest.Result{Values: []any{int64(42), created}},
	})
	l := NewPostgresLog(db)

	ev, err := l.Append(context.Background(), types.ChangeEvent{
		Channel: types.ChannelQueue,
		RefID:   types.Ref(5),
		Payload: json.RawMessage(`{"action":"join"}`),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if ev.ID != 42 || !ev.CreatedAt.Equal(created) {
		t.Errorf("log-assigned fields not applied: %+v", ev)
	}

	calls := db.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected one statement, got %d", len(calls))
	}
	if got := calls[0].Args[0]; got != string(types.ChannelQueue) {
		t.Errorf("channel arg = %v", got)
	}
}

func TestPostgresLogAppendError(t *testing.T) {
	down := errors.New("connection reset")
	l := NewPostgresLog(dbtest.New(dbtest.Rule{Match: "INSERT INTO change_log", Result: dbtest.Result{Err: down}}))

	if _, err := l.Append(context.Background(), types.ChangeEvent{Channel: types.ChannelQueue}); !errors.Is(err, down) {
		t.Errorf("expected wrapped driver error, got %v", err)
	}
}

func TestPostgresLogSince(t *testing.T) {
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	ref := types.Ref(5)
	db := dbtest.New(dbtest.Rule{
		Match: "FROM change_log",
		Result: dbtest.Result{Rows: [][]any{
			{int64(7), "queue", ref, nil, []byte(`{"action":"join"}`), created},
			{int64(9), "queue", ref, nil, nil, created},
		}},
	})
	l := NewPostgresLog(db)

	filter := types.ChangeFilter{Channels: []types.Channel{types.ChannelQueue}, RefID: ref}
	events, err := l.Since(context.Background(), filter, 6, 0)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(events) != 2 || events[0].ID != 7 || events[1].ID != 9 {
		t.Fatalf("unexpected events %+v", events)
	}
	if events[0].Channel != types.ChannelQueue || string(events[0].Payload) != `{"action":"join"}` {
		t.Errorf("first event decoded wrong: %+v", events[0])
	}
	if events[1].Payload != nil {
		t.Errorf("empty payload should stay nil, got %s", events[1].Payload)
	}

	args := db.Calls()[0].Args
	if args[0] != int64(6) {
		t.Errorf("since arg = %v", args[0])
	}
	if chans, ok := args[1].([]string); !ok || len(chans) != 1 || chans[0] != "queue" {
		t.Errorf("channels arg = %#v", args[1])
	}
	if args[4] != 100 {
		t.Errorf("limit <= 0 should default to 100, got %v", args[4])
	}
}
