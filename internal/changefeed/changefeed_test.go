package changefeed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dennisdiepolder/officehours/backend/internal/types"
	"github.com/rs/zerolog"
)

func newTestFeed() *Feed {
	return NewFeed(NewMemoryLog(), NewBroker(), nil, zerolog.Nop())
}

func TestAppendAssignsMonotonicIDs(t *testing.T) {
	ctx := context.Background()
	f := newTestFeed()

	var last int64
	for i := 0; i < 5; i++ {
		ev, ok := f.Append(ctx, types.ChannelQueue, types.Ref(5), nil, map[string]any{"action": "join"})
		if !ok {
			t.Fatal("append failed")
		}
		if ev.ID <= last {
			t.Fatalf("id %d not greater than %d", ev.ID, last)
		}
		last = ev.ID
	}
}

func TestPollSinceWatermark(t *testing.T) {
	ctx := context.Background()
	f := newTestFeed()
	all := types.ChangeFilter{Channels: types.AllChannels}

	f.Append(ctx, types.ChannelQueue, types.Ref(5), nil, nil)
	f.Append(ctx, types.ChannelRooms, types.Ref(1), nil, nil)

	first, err := f.Poll(ctx, all, 0, 100)
	if err != nil || len(first) != 2 {
		t.Fatalf("expected 2 events, got %d (%v)", len(first), err)
	}
	maxID := first[len(first)-1].ID

	again, _ := f.Poll(ctx, all, maxID, 100)
	if len(again) != 0 {
		t.Errorf("poll at watermark should be empty, got %d", len(again))
	}

	f.Append(ctx, types.ChannelQueue, types.Ref(5), nil, nil)
	next, _ := f.Poll(ctx, all, maxID, 100)
	if len(next) != 1 || next[0].ID <= maxID {
		t.Errorf("expected one newer event, got %+v", next)
	}
}

func TestPollFilters(t *testing.T) {
	ctx := context.Background()
	f := newTestFeed()

	f.Append(ctx, types.ChannelQueue, types.Ref(5), types.Ref(100), nil)    // 1
	f.Append(ctx, types.ChannelQueue, types.Ref(6), types.Ref(200), nil)    // 2
	f.Append(ctx, types.ChannelRooms, types.Ref(50), nil, nil)              // 3
	f.Append(ctx, types.ChannelProgress, types.Ref(7), types.Ref(100), nil) // 4

	tests := []struct {
		name   string
		filter types.ChangeFilter
		limit  int
		want   []int64
	}{
		{"queue channel only", types.ChangeFilter{Channels: []types.Channel{types.ChannelQueue}}, 100, []int64{1, 2}},
		{"course includes global events", types.ChangeFilter{Channels: types.AllChannels, CourseID: types.Ref(100)}, 100, []int64{1, 3, 4}},
		{"ref filter", types.ChangeFilter{Channels: types.AllChannels, RefID: types.Ref(6)}, 100, []int64{2}},
		{"limit", types.ChangeFilter{Channels: types.AllChannels}, 2, []int64{1, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := f.Poll(ctx, tt.filter, 0, tt.limit)
			if len(got) != len(tt.want) {
				t.Fatalf("expected ids %v, got %d events", tt.want, len(got))
			}
			for i, ev := range got {
				if ev.ID != tt.want[i] {
					t.Errorf("index %d: expected id %d, got %d", i, tt.want[i], ev.ID)
				}
			}
		})
	}
}

type failingLog struct{}

func (failingLog) Append(context.Context, types.ChangeEvent) (types.ChangeEvent, error) {
	return types.ChangeEvent{}, errors.New("relation change_log does not exist")
}

func (failingLog) Since(context.Context, types.ChangeFilter, int64, int) ([]types.ChangeEvent, error) {
	return nil, errors.New("relation change_log does not exist")
}

func TestAppendFailureIsSwallowed(t *testing.T) {
	f := NewFeed(failingLog{}, NewBroker(), nil, zerolog.Nop())
	sub := f.Subscribe(types.ChangeFilter{Channels: types.AllChannels})
	defer sub.Close()

	if _, ok := f.Append(context.Background(), types.ChannelQueue, nil, nil, nil); ok {
		t.Error("expected ok=false from a failing log")
	}
	select {
	case <-sub.C:
		t.Error("failed append must not wake subscribers")
	default:
	}
}

func TestBrokerWakesMatchingSubscribers(t *testing.T) {
	b := NewBroker()
	queueSub := b.Subscribe(types.ChangeFilter{Channels: []types.Channel{types.ChannelQueue}, CourseID: types.Ref(100)})
	roomsSub := b.Subscribe(types.ChangeFilter{Channels: []types.Channel{types.ChannelRooms}})
	defer roomsSub.Close()

	b.Publish(types.ChangeEvent{ID: 1, Channel: types.ChannelQueue, CourseID: types.Ref(200)})
	select {
	case <-queueSub.C:
		t.Error("other course should not wake subscriber")
	default:
	}

	// two publishes coalesce into one pending wake-up
	b.Publish(types.ChangeEvent{ID: 2, Channel: types.ChannelQueue, CourseID: types.Ref(100)})
	b.Publish(types.ChangeEvent{ID: 3, Channel: types.ChannelQueue})
	select {
	case <-queueSub.C:
	default:
		t.Fatal("expected wake-up")
	}
	select {
	case <-queueSub.C:
		t.Error("expected coalesced wake-ups")
	default:
	}
	select {
	case <-roomsSub.C:
		t.Error("rooms subscriber should not wake on queue events")
	default:
	}

	if b.Count() != 2 {
		t.Errorf("expected 2 subscriptions, got %d", b.Count())
	}
	queueSub.Close()
	queueSub.Close()
	if b.Count() != 1 {
		t.Errorf("expected 1 subscription after close, got %d", b.Count())
	}
}

func TestParseCursorAndFilter(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/changes/stream?since=4&channels=queue,bogus,QUEUE,ta_accept&course_id=3&queue_id=x", nil)
	r.Header.Set("Last-Event-ID", "9")
	if got := ParseCursor(r); got != 9 {
		t.Errorf("expected header to win, got %d", got)
	}

	f := ParseFilter(r, DefaultStreamChannels)
	if len(f.Channels) != 2 || f.Channels[0] != types.ChannelQueue || f.Channels[1] != types.ChannelTAAccept {
		t.Errorf("unexpected channels %v", f.Channels)
	}
	if f.CourseID == nil || *f.CourseID != 3 {
		t.Errorf("expected course 3, got %v", f.CourseID)
	}
	if f.RefID != nil {
		t.Error("non numeric queue id should be ignored")
	}

	r = httptest.NewRequest(http.MethodGet, "/api/changes/stream?since=12&channels=nope", nil)
	r.Header.Set("Last-Event-ID", "9")
	if got := ParseCursor(r); got != 12 {
		t.Errorf("expected param to win, got %d", got)
	}
	if f := ParseFilter(r, DefaultStreamChannels); len(f.Channels) != 2 || f.Channels[0] != types.ChannelRooms {
		t.Errorf("expected default channels, got %v", f.Channels)
	}
}

func TestStreamDeliversAndCloses(t *testing.T) {
	ctx := context.Background()
	f := newTestFeed()
	f.Append(ctx, types.ChannelQueue, types.Ref(5), nil, map[string]any{"action": "join", "user_id": 1}) // 1
	f.Append(ctx, types.ChannelRooms, types.Ref(50), nil, nil)                                          // 2

	s := NewStream(f, StreamConfig{Duration: 300 * time.Millisecond, Heartbeat: 100 * time.Millisecond, Batch: 1}, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/api/changes/stream?channels=queue", nil)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		s.ServeHTTP(rec, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	f.Append(ctx, types.ChannelQueue, types.Ref(5), nil, map[string]any{"action": "leave", "user_id": 1}) // 3
	f.Append(ctx, types.ChannelQueue, types.Ref(5), nil, nil)                                             // 4

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after its duration")
	}

	body := rec.Body.String()
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("unexpected content type %s", ct)
	}
	if strings.Contains(body, "id: 2\n") {
		t.Error("rooms event leaked into a queue-only stream")
	}
	i1 := strings.Index(body, "id: 1\nevent: queue\ndata: {")
	i3 := strings.Index(body, "id: 3\n")
	i4 := strings.Index(body, "id: 4\n")
	if i1 < 0 || i3 < 0 || i4 < 0 || !(i1 < i3 && i3 < i4) {
		t.Errorf("expected ordered frames 1,3,4 in:\n%s", body)
	}
	if !strings.Contains(body, `"payload":{"action":"join","user_id":1}`) {
		t.Errorf("expected payload in data line:\n%s", body)
	}
	if !strings.Contains(body, ": hb\n\n") {
		t.Error("expected a heartbeat")
	}
	if !strings.HasSuffix(body, ": closing\n\n") {
		t.Errorf("expected closing marker at the end:\n%s", body)
	}
	if f.Broker().Count() != 0 {
		t.Error("stream should release its subscription")
	}
}

func TestStreamResumesFromLastEventID(t *testing.T) {
	ctx := context.Background()
	f := newTestFeed()
	for i := 0; i < 3; i++ {
		f.Append(ctx, types.ChannelRooms, nil, nil, nil)
	}

	s := NewStream(f, StreamConfig{Duration: 50 * time.Millisecond, Heartbeat: time.Second}, zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/api/changes/stream", nil)
	req.Header.Set("Last-Event-ID", "2")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	body := rec.Body.String()
	if strings.Contains(body, "id: 1\n") || strings.Contains(body, "id: 2\n") {
		t.Errorf("already delivered events resent:\n%s", body)
	}
	if !strings.Contains(body, "id: 3\n") {
		t.Errorf("expected event 3:\n%s", body)
	}
}

// lateLog hides one id until released, like an insert whose transaction
// commits after a later one
type lateLog struct {
	*MemoryLog
	mu     sync.Mutex
	hidden int64
}

func (l *lateLog) Since(ctx context.Context, filter types.ChangeFilter, sinceID int64, limit int) ([]types.ChangeEvent, error) {
	events, err := l.MemoryLog.Since(ctx, filter, sinceID, limit)
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.ChangeEvent, 0, len(events))
	for _, ev := range events {
		if ev.ID != l.hidden {
			out = append(out, ev)
		}
	}
	return out, err
}

func (l *lateLog) release() {
	l.mu.Lock()
	l.hidden = 0
	l.mu.Unlock()
}

func TestStreamPicksUpLateCommits(t *testing.T) {
	ctx := context.Background()
	log := &lateLog{MemoryLog: NewMemoryLog(), hidden: 2}
	f := NewFeed(log, NewBroker(), nil, zerolog.Nop())
	for i := 0; i < 3; i++ {
		f.Append(ctx, types.ChannelQueue, types.Ref(5), nil, nil)
	}

	s := NewStream(f, StreamConfig{
		Duration:  300 * time.Millisecond,
		Heartbeat: time.Second,
		Resync:    20 * time.Millisecond,
		Lookback:  5,
	}, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/api/changes/stream?channels=queue", nil)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		s.ServeHTTP(rec, req)
		close(done)
	}()

	time.Sleep(60 * time.Millisecond)
	log.release()
	<-done

	body := rec.Body.String()
	for _, id := range []string{"1", "2", "3"} {
		if n := strings.Count(body, "id: "+id+"\n"); n != 1 {
			t.Errorf("expected event %s once, got %d in:\n%s", id, n, body)
		}
	}
	if strings.Index(body, "id: 2\n") < strings.Index(body, "id: 3\n") {
		t.Errorf("expected the late event after 3:\n%s", body)
	}
}
