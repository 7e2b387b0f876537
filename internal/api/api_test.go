package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/dennisdiepolder/officehours/backend/internal/assignment"
	"github.com/dennisdiepolder/officehours/backend/internal/auth"
	"github.com/dennisdiepolder/officehours/backend/internal/cache"
	"github.com/dennisdiepolder/officehours/backend/internal/capability"
	"github.com/dennisdiepolder/officehours/backend/internal/changefeed"
	"github.com/dennisdiepolder/officehours/backend/internal/notify"
	"github.com/dennisdiepolder/officehours/backend/internal/queue"
	"github.com/dennisdiepolder/officehours/backend/internal/storage"
	"github.com/dennisdiepolder/officehours/backend/internal/token"
	"github.com/dennisdiepolder/officehours/backend/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

const (
	testUserHeader = "X-Test-User"
	testRoleHeader = "X-Test-Role"

	testGrantSecret = "grant-secret"
)

// identityFromHeaders stands in for the JWT middleware
func identityFromHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid, err := strconv.ParseInt(r.Header.Get(testUserHeader), 10, 64)
		if err == nil {
			id := types.Identity{UserID: uid, Role: r.Header.Get(testRoleHeader), Name: "user " + strconv.FormatInt(uid, 10)}
			r = r.WithContext(auth.WithIdentity(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

type fixture struct {
	router http.Handler
	feed   *changefeed.Feed
}

func newFixture(t *testing.T, issuer *token.Issuer, publicURL string) *fixture {
	t.Helper()
	logger := zerolog.Nop()

	store := queue.NewMemoryStore(types.Queue{ID: 5, RoomID: types.Ref(9), CourseID: types.Ref(3)})
	c := cache.NewMemoryCache(time.Minute)
	svc := queue.NewService(store, queue.NewEstimator(c, 7, logger), false, logger)
	feed := changefeed.NewFeed(changefeed.NewMemoryLog(), changefeed.NewBroker(), nil, logger)
	notifier := notify.NewNotifier(feed, notify.NewBridge(notify.Options{}, logger))

	grants := capability.NewStaticGrants()
	resolver := capability.NewResolver(store, nil, nil, c, logger, grants.Probes()...)
	archive := storage.NewNoopStore()
	coordinator := assignment.NewCoordinator(svc, resolver, notifier, archive, logger)
	t.Cleanup(coordinator.Wait)

	me := NewMeHandler(issuer, publicURL, "/websocket/socket.io", logger)
	queues := NewQueueHandler(svc, notifier, logger)
	ta := NewTAHandler(coordinator, logger)
	changes := NewChangesHandler(feed, 100, logger)
	admin := NewAdminHandler(archive, c, resolver, logger)
	history := NewHistoryHandler(archive, logger)
	grantsHandler := NewGrantsHandler(grants, testGrantSecret, logger)

	r := chi.NewRouter()
	r.Post("/internal/grants", grantsHandler.HandleGrants)
	r.Group(func(r chi.Router) {
		r.Use(identityFromHeaders)
		r.Get("/api/me", me.GetMe)
		r.Post("/api/queues", queues.Mutate)
		r.Get("/api/queues/{queueID}", queues.GetSnapshot)
		r.Get("/api/queues/{queueID}/eta", queues.GetETA)
		r.Get("/api/queues/{queueID}/sessions", history.GetQueueSessions)
		r.Post("/api/ta/accept", ta.Accept)
		r.Post("/api/ta/stop", ta.Stop)
		r.Post("/api/ta/call-again", ta.CallAgain)
		r.Get("/api/ta/queues/{queueID}/assignment", ta.GetAssignment)
		r.Get("/api/staff/{userID}/history", history.GetStaffHistory)
		r.Get("/api/changes", changes.Poll)
		r.Route("/api/admin", func(r chi.Router) {
			r.Use(RequireManagerOrAdmin)
			r.Post("/cache/flush", admin.FlushCache)
			r.Post("/archive/wipe", admin.WipeArchive)
		})
	})

	return &fixture{router: r, feed: feed}
}

func (f *fixture) do(t *testing.T, method, path string, userID int64, role string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			if err := json.NewEncoder(&buf).Encode(b); err != nil {
				t.Fatal(err)
			}
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID > 0 {
		req.Header.Set(testUserHeader, strconv.FormatInt(userID, 10))
		req.Header.Set(testRoleHeader, role)
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func (f *fixture) grant(t *testing.T, secret string, entries []GrantEntry) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(entries); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/internal/grants", &buf)
	if secret != "" {
		req.Header.Set(notify.SecretHeader, secret)
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestGetMe(t *testing.T) {
	tests := []struct {
		name      string
		secret    string
		publicURL string
		wantWS    bool
	}{
		{"push enabled", "s3cret", "wss://push.example.test/ws", true},
		{"no secret", "", "wss://push.example.test/ws", false},
		{"no public url", "s3cret", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, token.NewIssuer(tt.secret), tt.publicURL)
			rr := f.do(t, http.MethodGet, "/api/me", 42, "student", nil)
			if rr.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rr.Code)
			}

			var me types.Me
			if err := json.Unmarshal(rr.Body.Bytes(), &me); err != nil {
				t.Fatal(err)
			}
			if me.UserID != 42 || me.Role != "student" {
				t.Errorf("unexpected identity %+v", me.Identity)
			}
			if (me.WS != nil) != tt.wantWS {
				t.Fatalf("expected ws present=%v, got %+v", tt.wantWS, me.WS)
			}
			if !tt.wantWS {
				return
			}

			claims, err := token.NewVerifier(tt.secret, 10*time.Minute, time.Minute).Verify(me.WS.Token)
			if err != nil {
				t.Fatalf("issued token does not verify: %v", err)
			}
			if claims.UserID != 42 || me.WS.IssuedAt != claims.IssuedAt || me.WS.WSURL != tt.publicURL {
				t.Errorf("descriptor mismatch: %+v vs %+v", me.WS, claims)
			}
		})
	}

	f := newFixture(t, token.NewIssuer("x"), "wss://x")
	if rr := f.do(t, http.MethodGet, "/api/me", 0, "", nil); rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without identity, got %d", rr.Code)
	}
}

func TestJoinLeave(t *testing.T) {
	f := newFixture(t, token.NewIssuer(""), "")

	steps := []struct {
		body    map[string]any
		user    int64
		wantKey string
		wantVal bool
	}{
		{map[string]any{"action": "join", "queue_id": 5}, 1, "joined", true},
		{map[string]any{"action": "join", "queue_id": 5}, 1, "already", true},
		{map[string]any{"action": "join", "queue_id": 5}, 2, "joined", true},
		{map[string]any{"action": "leave", "queue_id": 5}, 2, "left", true},
		{map[string]any{"action": "leave", "queue_id": 5}, 2, "already", true},
	}

	for i, s := range steps {
		rr := f.do(t, http.MethodPost, "/api/queues", s.user, "student", s.body)
		if rr.Code != http.StatusOK {
			t.Fatalf("step %d: expected 200, got %d: %s", i, rr.Code, rr.Body.String())
		}
		out := decodeBody(t, rr)
		if out[s.wantKey] != s.wantVal || out["success"] != true {
			t.Errorf("step %d: unexpected body %v", i, out)
		}
	}

	// only the three state changes reach the feed
	events, err := f.feed.Poll(context.Background(), types.ChangeFilter{Channels: []types.Channel{types.ChannelQueue}}, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 queue events, got %d", len(events))
	}
	if !strings.Contains(string(events[2].Payload), `"action":"leave"`) {
		t.Errorf("unexpected last payload %s", events[2].Payload)
	}

	rr := f.do(t, http.MethodGet, "/api/queues/5", 1, "student", nil)
	var snap types.Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Count != 1 || snap.Position == nil || *snap.Position != 1 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if snap.AvgHandleMinutes != nil || snap.AvgUsed != 7 || snap.ETAMinutes != 7 {
		t.Errorf("expected fallback ETA, got %+v", snap)
	}

	rr = f.do(t, http.MethodGet, "/api/queues/5/eta", 3, "student", nil)
	out := decodeBody(t, rr)
	if out["basis_factor"] != float64(1) || out["eta_minutes"] != float64(7) {
		t.Errorf("unexpected eta for outside viewer %v", out)
	}
}

func TestQueueErrors(t *testing.T) {
	f := newFixture(t, token.NewIssuer(""), "")

	tests := []struct {
		name   string
		method string
		path   string
		user   int64
		body   any
		want   int
	}{
		{"unauthenticated", http.MethodPost, "/api/queues", 0, map[string]any{"action": "join", "queue_id": 5}, http.StatusUnauthorized},
		{"bad json", http.MethodPost, "/api/queues", 1, "{", http.StatusBadRequest},
		{"bad action", http.MethodPost, "/api/queues", 1, map[string]any{"action": "jump", "queue_id": 5}, http.StatusBadRequest},
		{"missing queue", http.MethodPost, "/api/queues", 1, map[string]any{"action": "join"}, http.StatusBadRequest},
		{"unknown queue", http.MethodPost, "/api/queues", 1, map[string]any{"action": "join", "queue_id": 77}, http.StatusNotFound},
		{"snapshot unknown", http.MethodGet, "/api/queues/77", 1, nil, http.StatusNotFound},
		{"snapshot bad id", http.MethodGet, "/api/queues/abc", 1, nil, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, tt.method, tt.path, tt.user, "student", tt.body)
			if rr.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestStaffFlow(t *testing.T) {
	f := newFixture(t, token.NewIssuer(""), "")

	rr := f.grant(t, testGrantSecret, []GrantEntry{{Scope: capability.ScopeQueue, Ref: 5, UserID: 100}})
	if rr.Code != http.StatusOK {
		t.Fatalf("grant failed: %d %s", rr.Code, rr.Body.String())
	}
	f.do(t, http.MethodPost, "/api/queues", 1, "student", map[string]any{"action": "join", "queue_id": 5})

	steps := []struct {
		name string
		path string
		user int64
		role string
		body map[string]any
		want int
	}{
		{"student cannot accept", "/api/ta/accept", 50, "student", map[string]any{"queue_id": 5, "user_id": 1}, http.StatusForbidden},
		{"not waiting", "/api/ta/accept", 100, "ta", map[string]any{"queue_id": 5, "user_id": 2}, http.StatusConflict},
		{"call again before serving", "/api/ta/call-again", 100, "ta", map[string]any{"queue_id": 5}, http.StatusConflict},
		{"accept", "/api/ta/accept", 100, "ta", map[string]any{"queue_id": 5, "user_id": 1}, http.StatusOK},
		{"accept twice", "/api/ta/accept", 100, "ta", map[string]any{"queue_id": 5, "user_id": 1}, http.StatusConflict},
		{"stranger cannot stop", "/api/ta/stop", 50, "student", map[string]any{"queue_id": 5}, http.StatusForbidden},
		{"call again", "/api/ta/call-again", 100, "ta", map[string]any{"queue_id": 5}, http.StatusOK},
		{"manager stops", "/api/ta/stop", 60, "manager", map[string]any{"queue_id": 5}, http.StatusOK},
		{"unknown queue", "/api/ta/accept", 100, "ta", map[string]any{"queue_id": 77, "user_id": 1}, http.StatusNotFound},
		{"invalid body", "/api/ta/stop", 100, "ta", map[string]any{}, http.StatusBadRequest},
	}

	for _, s := range steps {
		rr := f.do(t, http.MethodPost, s.path, s.user, s.role, s.body)
		if rr.Code != s.want {
			t.Fatalf("%s: expected %d, got %d: %s", s.name, s.want, rr.Code, rr.Body.String())
		}
		if s.name == "accept" {
			got := f.do(t, http.MethodGet, "/api/ta/queues/5/assignment", 100, "ta", nil)
			a := decodeBody(t, got)["assignment"].(map[string]any)
			if a["student_user_id"] != float64(1) || a["ta_user_id"] != float64(100) {
				t.Errorf("unexpected live assignment %v", a)
			}
		}
	}

	rr = f.do(t, http.MethodPost, "/api/ta/stop", 100, "ta", map[string]any{"queue_id": 5})
	if out := decodeBody(t, rr); out["already"] != true {
		t.Errorf("expected already on second stop, got %v", out)
	}
	rr = f.do(t, http.MethodGet, "/api/ta/queues/5/assignment", 100, "ta", nil)
	if out := decodeBody(t, rr); out["assignment"] != nil {
		t.Errorf("expected no live assignment, got %v", out)
	}
}

func TestChangesPoll(t *testing.T) {
	f := newFixture(t, token.NewIssuer(""), "")
	for uid := int64(1); uid <= 3; uid++ {
		f.do(t, http.MethodPost, "/api/queues", uid, "student", map[string]any{"action": "join", "queue_id": 5})
	}

	tests := []struct {
		name     string
		query    string
		wantN    int
		wantLast float64
	}{
		{"everything", "?channels=queue", 3, 3},
		{"since watermark", "?channels=queue&since=2", 1, 3},
		{"limit", "?channels=queue&limit=2", 2, 2},
		{"other channel", "?channels=progress", 0, 0},
		{"other course", "?channels=queue&course_id=4", 0, 0},
		{"nothing new", "?channels=queue&since=3", 0, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, http.MethodGet, "/api/changes"+tt.query, 1, "student", nil)
			out := decodeBody(t, rr)
			events := out["events"].([]any)
			if len(events) != tt.wantN || out["last_id"] != tt.wantLast {
				t.Errorf("expected %d events up to %v, got %d up to %v", tt.wantN, tt.wantLast, len(events), out["last_id"])
			}
		})
	}
}

func TestAdminAndHistory(t *testing.T) {
	f := newFixture(t, token.NewIssuer(""), "")

	tests := []struct {
		name   string
		method string
		path   string
		role   string
		want   int
	}{
		{"student flush", http.MethodPost, "/api/admin/cache/flush", "student", http.StatusForbidden},
		{"manager flush", http.MethodPost, "/api/admin/cache/flush", "manager", http.StatusOK},
		{"admin wipe", http.MethodPost, "/api/admin/archive/wipe", "admin", http.StatusOK},
		{"queue sessions", http.MethodGet, "/api/queues/5/sessions", "ta", http.StatusOK},
		{"staff history", http.MethodGet, "/api/staff/100/history", "ta", http.StatusOK},
		{"staff history bad id", http.MethodGet, "/api/staff/x/history", "ta", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, tt.method, tt.path, 100, tt.role, nil)
			if rr.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rr.Code, rr.Body.String())
			}
		})
	}

	rr := f.do(t, http.MethodGet, "/api/queues/5/sessions", 100, "ta", nil)
	out := decodeBody(t, rr)
	if sessions, ok := out["sessions"].([]any); !ok || len(sessions) != 0 {
		t.Errorf("expected empty session list, got %v", out["sessions"])
	}
}

func TestGrantsRequireSecret(t *testing.T) {
	f := newFixture(t, token.NewIssuer(""), "")
	self := []GrantEntry{{Scope: capability.ScopeUser, UserID: 50}}

	tests := []struct {
		name   string
		secret string
		want   int
	}{
		{"no secret", "", http.StatusUnauthorized},
		{"wrong secret", "guess", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rr := f.grant(t, tt.secret, self); rr.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rr.Code)
			}
		})
	}

	f.do(t, http.MethodPost, "/api/queues", 1, "student", map[string]any{"action": "join", "queue_id": 5})
	rr := f.do(t, http.MethodPost, "/api/ta/accept", 50, "student", map[string]any{"queue_id": 5, "user_id": 1})
	if rr.Code != http.StatusForbidden {
		t.Errorf("rejected grant must not take effect, got %d", rr.Code)
	}

	unset := NewGrantsHandler(capability.NewStaticGrants(), "", zerolog.Nop())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/internal/grants", strings.NewReader(`[]`))
	req.Header.Set(notify.SecretHeader, "")
	unset.HandleGrants(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without a configured secret, got %d", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unknown queue", fmt.Errorf("snapshot: %w", queue.ErrNotFound), http.StatusNotFound},
		{"lookup failure", fmt.Errorf("lookup queue 5 via queues_info: %w", errors.New("connection refused")), http.StatusInternalServerError},
		{"not waiting", assignment.ErrNotWaiting, http.StatusConflict},
		{"forbidden", assignment.ErrForbidden, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusFor(tt.err); got != tt.want {
				t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
