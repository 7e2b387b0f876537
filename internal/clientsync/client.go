// Package clientsync keeps a client in step with queue changes: it holds a
// push connection with reconnect backoff, reconciles from the change feed
// after every connect, and applies each logical event once.
package clientsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dennisdiepolder/officehours/backend/internal/token"
	"github.com/dennisdiepolder/officehours/backend/internal/types"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	DefaultInitialBackoff = 1 * time.Second
	DefaultMaxBackoff     = 10 * time.Second
	DefaultRefreshAfter   = 9 * time.Minute
	DefaultDedupSize      = 500

	reconcileLimit = 100
	writeTimeout   = 10 * time.Second
)

// ErrPushDisabled is returned by Run when the backend issued no push
// credentials. Callers fall back to polling.
var ErrPushDisabled = errors.New("push channel disabled by backend")

// State of the connection state machine
type State string

const (
	StateDisconnected       State = "disconnected"
	StateConnecting         State = "connecting"
	StateConnected          State = "connected"
	StateReconnectScheduled State = "reconnect_scheduled"
	StateClosed             State = "closed"
)

// Filter is the subscription scope. It is fixed for the life of a connection.
type Filter struct {
	Channels []string
	CourseID *int64
	RoomID   *int64
}

// Options configures a Client
type Options struct {
	// BaseURL of the application backend, e.g. http://localhost:8080
	BaseURL string
	// Authorization header value sent to the backend, e.g. "Bearer ..."
	Authorization string
	Filter        Filter
	// Since is the change feed cursor to reconcile from on the first
	// connect. Zero replays the retained log.
	Since          int64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	RefreshAfter   time.Duration
	DedupSize      int
	HTTPClient     *http.Client
	Dialer         *websocket.Dialer
}

// Handler receives every event once, on the Run goroutine
type Handler func(Event)

// Client is the connection state machine
type Client struct {
	opts     Options
	handler  Handler
	backoff  *Backoff
	dedup    *Dedup
	refilter chan struct{}
	done     chan struct{}

	// owned by the Run goroutine. cursor only moves on change feed pages;
	// pushed change ids are dedup keys, since a push can be lost.
	me       *types.Me
	cursor   int64
	attempts int64

	mu        sync.Mutex
	filter    Filter
	state     State
	conn      *websocket.Conn
	closed    bool
	closeOnce sync.Once

	logger zerolog.Logger
}

// New creates a client. Zero options take the package defaults.
func New(opts Options, handler Handler, logger zerolog.Logger) *Client {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.RefreshAfter <= 0 {
		opts.RefreshAfter = DefaultRefreshAfter
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")

	return &Client{
		opts:     opts,
		handler:  handler,
		backoff:  NewBackoff(opts.InitialBackoff, opts.MaxBackoff),
		dedup:    NewDedup(opts.DedupSize),
		refilter: make(chan struct{}, 1),
		done:     make(chan struct{}),
		filter:   opts.Filter,
		cursor:   opts.Since,
		state:    StateDisconnected,
		logger:   logger.With().Str("component", "clientsync").Logger(),
	}
}

// State returns the current connection state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the number of connection attempts so far
func (c *Client) Attempts() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// SetFilter changes the subscription scope. A live connection is closed and
// re-established with the new scope, without backoff.
func (c *Client) SetFilter(f Filter) {
	c.mu.Lock()
	c.filter = f
	c.mu.Unlock()
	select {
	case c.refilter <- struct{}{}:
	default:
	}
}

// Close stops the client for good
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.state = StateClosed
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if !c.closed {
		c.state = s
	}
	c.mu.Unlock()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Run connects and keeps reconnecting until ctx is cancelled or Close is
// called. It returns ErrPushDisabled without reconnecting when the backend
// has the push path switched off.
func (c *Client) Run(ctx context.Context) error {
	for {
		if c.isClosed() {
			return nil
		}
		if ctx.Err() != nil {
			c.Close()
			return nil
		}

		c.setState(StateConnecting)
		conn, err := c.connect(ctx)
		if errors.Is(err, ErrPushDisabled) {
			c.logger.Info().Msg("push disabled by backend, not connecting")
			c.setState(StateDisconnected)
			c.reconcile(ctx)
			return ErrPushDisabled
		}
		if err != nil {
			delay := c.backoff.Next()
			c.logger.Debug().Err(err).Dur("retry_in", delay).Msg("connection failed, retrying")
			c.wait(ctx, delay)
			continue
		}

		// Reset backoff on successful connection
		c.backoff.Reset()
		c.setState(StateConnected)
		c.reconcile(ctx)

		refiltered := c.runLoop(ctx, conn)

		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()

		if refiltered {
			c.backoff.Reset()
			continue
		}
		if ctx.Err() != nil || c.isClosed() {
			continue
		}
		c.wait(ctx, c.backoff.Next())
	}
}

// wait sleeps for d in the reconnect-scheduled state. A filter change cuts
// the wait short and resets the backoff.
func (c *Client) wait(ctx context.Context, d time.Duration) {
	c.setState(StateReconnectScheduled)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-c.done:
	case <-t.C:
	case <-c.refilter:
		c.backoff.Reset()
	}
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	c.attempts++
	filter := c.filter
	c.mu.Unlock()

	if err := c.refreshIdentity(ctx); err != nil {
		return nil, err
	}
	if c.me.WS == nil || c.me.WS.WSURL == "" || c.me.WS.Token == "" {
		return nil, ErrPushDisabled
	}

	target, err := buildURL(c.me.WS, filter)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("X-Request-ID", uuid.NewString())
	conn, _, err := c.opts.Dialer.DialContext(ctx, target, header)
	if err != nil {
		return nil, fmt.Errorf("dial push server: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.logger.Debug().Int64("user_id", c.me.UserID).Msg("websocket connected")
	return conn, nil
}

// refreshIdentity fetches /api/me when nothing is cached or the cached token
// is due for refresh
func (c *Client) refreshIdentity(ctx context.Context) error {
	if c.me != nil && c.me.WS != nil {
		issued := time.Unix(c.me.WS.IssuedAt, 0)
		if !token.RefreshDue(issued, time.Now(), c.opts.RefreshAfter) {
			return nil
		}
	}

	var me types.Me
	if err := c.getJSON(ctx, "/api/me", &me); err != nil {
		return fmt.Errorf("fetch identity: %w", err)
	}
	c.me = &me
	return nil
}

func buildURL(ws *types.PushDescriptor, f Filter) (string, error) {
	u, err := url.Parse(ws.WSURL)
	if err != nil {
		return "", fmt.Errorf("invalid ws url: %w", err)
	}
	q := u.Query()
	if len(f.Channels) > 0 {
		q.Set("channels", strings.Join(f.Channels, ","))
	}
	if f.CourseID != nil {
		q.Set("course_id", strconv.FormatInt(*f.CourseID, 10))
	}
	if f.RoomID != nil {
		q.Set("room_id", strconv.FormatInt(*f.RoomID, 10))
	}
	q.Set("token", ws.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// runLoop dispatches pushed messages until the connection drops, ctx ends
// or the filter changes. It reports whether a filter change ended it.
func (c *Client) runLoop(ctx context.Context, conn *websocket.Conn) bool {
	messages := make(chan []byte, 16)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case messages <- message:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return false
		case <-c.refilter:
			c.logger.Debug().Msg("filter changed, reconnecting")
			return true
		case raw := <-messages:
			c.handlePush(raw)
		case <-readDone:
			// drain what arrived before the drop
			for {
				select {
				case raw := <-messages:
					c.handlePush(raw)
				default:
					return false
				}
			}
		}
	}
}

func (c *Client) handlePush(raw []byte) {
	var msg types.PushMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != "event" {
		return
	}
	c.apply(fromPush(msg))
}

// reconcile pages through the change feed from the cursor until a page
// comes back empty or the cursor stops moving
func (c *Client) reconcile(ctx context.Context) {
	c.mu.Lock()
	filter := c.filter
	c.mu.Unlock()

	for {
		q := url.Values{}
		if len(filter.Channels) > 0 {
			q.Set("channels", strings.Join(filter.Channels, ","))
		}
		if filter.CourseID != nil {
			q.Set("course_id", strconv.FormatInt(*filter.CourseID, 10))
		}
		since := c.cursor
		q.Set("since", strconv.FormatInt(since, 10))
		q.Set("limit", strconv.Itoa(reconcileLimit))

		var page struct {
			Events []types.ChangeEvent `json:"events"`
			LastID int64               `json:"last_id"`
		}
		if err := c.getJSON(ctx, "/api/changes?"+q.Encode(), &page); err != nil {
			c.logger.Debug().Err(err).Msg("reconciliation poll failed")
			return
		}
		next := page.LastID
		for _, ev := range page.Events {
			c.apply(fromChange(ev))
			if ev.ID > next {
				next = ev.ID
			}
		}
		if next > since {
			c.cursor = next
		}
		if len(page.Events) == 0 || next <= since {
			return
		}
	}
}

// Reconcile runs one reconciliation poll. Only call it from the goroutine
// that would otherwise run Run, e.g. when push is disabled.
func (c *Client) Reconcile(ctx context.Context) {
	c.reconcile(ctx)
}

// apply dedups ev, drops accept notifications meant for someone else and
// hands the rest to the handler
func (c *Client) apply(ev Event) {
	if c.dedup.Seen(ev.Key()) {
		return
	}
	if ev.Channel == string(types.ChannelTAAccept) && c.me != nil {
		if target, ok := TargetUser(ev.Payload); ok && target != c.me.UserID {
			return
		}
	}
	if c.handler != nil {
		c.handler(ev)
	}
}

func (c *Client) getJSON(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.BaseURL+path, nil)
	if err != nil {
		return err
	}
	if c.opts.Authorization != "" {
		req.Header.Set("Authorization", c.opts.Authorization)
	}
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("GET %s returned status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}
