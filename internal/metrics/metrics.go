package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Metrics holds all process metrics
type Metrics struct {
	mu sync.RWMutex

	// Change feed
	ChangesAppendedTotal int64
	ChangeAppendErrors   int64
	streamsActive        int64
	StreamsTotal         int64

	// Push bridge
	PushesSentTotal    int64
	PushesFailedTotal  int64
	PushesDroppedTotal int64

	// Assignment transitions
	AcceptsTotal   int64
	ConflictsTotal int64
	StopsTotal     int64
	queueMutations map[string]int64

	// WebSocket (push server)
	WebSocketConnectionsTotal    int64
	WebSocketDisconnectionsTotal int64
	WebSocketMessagesTotal       int64
	WebSocketErrorsTotal         int64
	activeConnections            int64
	EmitsReceivedTotal           int64
	EmitsRejectedTotal           int64

	// HTTP metrics
	httpRequestsTotal map[string]map[int]int64 // endpoint -> status -> count

	startTime time.Time
}

var instance *Metrics
var once sync.Once

// Get returns the singleton metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = New()
	})
	return instance
}

// New creates an independent instance, used by tests
func New() *Metrics {
	return &Metrics{
		queueMutations:    make(map[string]int64),
		httpRequestsTotal: make(map[string]map[int]int64),
		startTime:         time.Now(),
	}
}

func (m *Metrics) inc(field *int64) {
	m.mu.Lock()
	*field++
	m.mu.Unlock()
}

func (m *Metrics) RecordChangeAppended()   { m.inc(&m.ChangesAppendedTotal) }
func (m *Metrics) RecordChangeAppendError() { m.inc(&m.ChangeAppendErrors) }
func (m *Metrics) RecordPushSent()         { m.inc(&m.PushesSentTotal) }
func (m *Metrics) RecordPushFailed()       { m.inc(&m.PushesFailedTotal) }
func (m *Metrics) RecordPushDropped()      { m.inc(&m.PushesDroppedTotal) }
func (m *Metrics) RecordAccept()           { m.inc(&m.AcceptsTotal) }
func (m *Metrics) RecordConflict()         { m.inc(&m.ConflictsTotal) }
func (m *Metrics) RecordStop()             { m.inc(&m.StopsTotal) }
func (m *Metrics) RecordEmitReceived()     { m.inc(&m.EmitsReceivedTotal) }
func (m *Metrics) RecordEmitRejected()     { m.inc(&m.EmitsRejectedTotal) }
func (m *Metrics) RecordWebSocketMessage() { m.inc(&m.WebSocketMessagesTotal) }
func (m *Metrics) RecordWebSocketError()   { m.inc(&m.WebSocketErrorsTotal) }

// RecordQueueMutation counts join/leave calls that changed state
func (m *Metrics) RecordQueueMutation(action string) {
	m.mu.Lock()
	m.queueMutations[action]++
	m.mu.Unlock()
}

// RecordStreamOpen increments stream counters
func (m *Metrics) RecordStreamOpen() {
	m.mu.Lock()
	m.StreamsTotal++
	m.streamsActive++
	m.mu.Unlock()
}

// RecordStreamClose decrements the active stream gauge
func (m *Metrics) RecordStreamClose() {
	m.mu.Lock()
	m.streamsActive--
	m.mu.Unlock()
}

// RecordWebSocketConnect increments connection counters
func (m *Metrics) RecordWebSocketConnect() {
	m.mu.Lock()
	m.WebSocketConnectionsTotal++
	m.activeConnections++
	m.mu.Unlock()
}

// RecordWebSocketDisconnect increments disconnection counter
func (m *Metrics) RecordWebSocketDisconnect() {
	m.mu.Lock()
	m.WebSocketDisconnectionsTotal++
	m.activeConnections--
	m.mu.Unlock()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(endpoint string, statusCode int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.httpRequestsTotal[endpoint] == nil {
		m.httpRequestsTotal[endpoint] = make(map[int]int64)
	}
	m.httpRequestsTotal[endpoint][statusCode]++
}

// HTTPRequestCount returns how many requests to endpoint ended with status
func (m *Metrics) HTTPRequestCount(endpoint string, statusCode int) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.httpRequestsTotal[endpoint][statusCode]
}

// GetActiveConnections returns current WebSocket connections
func (m *Metrics) GetActiveConnections() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeConnections
}

// GetActiveStreams returns currently open change streams
func (m *Metrics) GetActiveStreams() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.streamsActive
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.mu.RLock()
		defer m.mu.RUnlock()

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		write := func(name string, value interface{}, labels ...string) {
			labelStr := ""
			if len(labels) > 0 {
				labelStr = "{"
				for i := 0; i < len(labels); i += 2 {
					if i > 0 {
						labelStr += ","
					}
					labelStr += labels[i] + "=\"" + labels[i+1] + "\""
				}
				labelStr += "}"
			}

			switch v := value.(type) {
			case int64:
				w.Write([]byte(name + labelStr + " " + strconv.FormatInt(v, 10) + "\n"))
			case float64:
				w.Write([]byte(name + labelStr + " " + strconv.FormatFloat(v, 'f', 6, 64) + "\n"))
			}
		}

		write("officehours_uptime_seconds", time.Since(m.startTime).Seconds())

		write("officehours_changes_appended_total", m.ChangesAppendedTotal)
		write("officehours_change_append_errors_total", m.ChangeAppendErrors)
		write("officehours_streams_total", m.StreamsTotal)
		write("officehours_streams_active", m.streamsActive)

		write("officehours_pushes_sent_total", m.PushesSentTotal)
		write("officehours_pushes_failed_total", m.PushesFailedTotal)
		write("officehours_pushes_dropped_total", m.PushesDroppedTotal)

		write("officehours_accepts_total", m.AcceptsTotal)
		write("officehours_accept_conflicts_total", m.ConflictsTotal)
		write("officehours_stops_total", m.StopsTotal)
		for action, count := range m.queueMutations {
			write("officehours_queue_mutations_total", count, "action", action)
		}

		write("officehours_websocket_connections_total", m.WebSocketConnectionsTotal)
		write("officehours_websocket_disconnections_total", m.WebSocketDisconnectionsTotal)
		write("officehours_websocket_active_connections", m.activeConnections)
		write("officehours_websocket_messages_total", m.WebSocketMessagesTotal)
		write("officehours_websocket_errors_total", m.WebSocketErrorsTotal)
		write("officehours_emits_received_total", m.EmitsReceivedTotal)
		write("officehours_emits_rejected_total", m.EmitsRejectedTotal)

		for endpoint, statusCodes := range m.httpRequestsTotal {
			for status, count := range statusCodes {
				write("officehours_http_requests_total", count, "endpoint", endpoint, "status", strconv.Itoa(status))
			}
		}
	}
}
