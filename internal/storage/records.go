package storage

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dennisdiepolder/officehours/backend/internal/types"
)

// SessionRecord is one finished serving session. Items are keyed by queue
// and ordered by start time within a queue.
type SessionRecord struct {
	QueueKey        string  `dynamodbav:"QueueKey"`
	SessionKey      string  `dynamodbav:"SessionKey"`
	QueueID         int64   `dynamodbav:"QueueID"`
	TAUserID        int64   `dynamodbav:"TAUserID"`
	StudentUserID   int64   `dynamodbav:"StudentUserID"`
	StartedAt       string  `dynamodbav:"StartedAt"`
	FinishedAt      string  `dynamodbav:"FinishedAt"`
	DurationMinutes float64 `dynamodbav:"DurationMinutes"`
	Date            string  `dynamodbav:"Date"`
}

// TADailyStats aggregates the sessions one staff member served on one day
type TADailyStats struct {
	TAUserID     int64   `dynamodbav:"TAUserID"`
	Date         string  `dynamodbav:"Date"`
	Sessions     int64   `dynamodbav:"Sessions"`
	TotalMinutes float64 `dynamodbav:"TotalMinutes"`
}

func queueKey(queueID int64) string {
	return "Q#" + strconv.FormatInt(queueID, 10)
}

// NewSessionRecord converts a finished assignment
func NewSessionRecord(a types.Assignment) (SessionRecord, error) {
	if a.FinishedAt == nil {
		return SessionRecord{}, fmt.Errorf("assignment for queue %d is still live", a.QueueID)
	}
	started := a.StartedAt.UTC()
	finished := a.FinishedAt.UTC()
	return SessionRecord{
		QueueKey:        queueKey(a.QueueID),
		SessionKey:      started.Format(time.RFC3339Nano) + "#" + strconv.FormatInt(a.StudentUserID, 10),
		QueueID:         a.QueueID,
		TAUserID:        a.TAUserID,
		StudentUserID:   a.StudentUserID,
		StartedAt:       started.Format(time.RFC3339),
		FinishedAt:      finished.Format(time.RFC3339),
		DurationMinutes: finished.Sub(started).Minutes(),
		Date:            started.Format("2006-01-02"),
	}, nil
}

// AverageMinutes returns the mean duration of records, ignoring empty
// sessions, or nil if none remain
func AverageMinutes(records []SessionRecord) *float64 {
	var sum float64
	var n int
	for _, r := range records {
		if r.DurationMinutes <= 0 {
			continue
		}
		sum += r.DurationMinutes
		n++
	}
	if n == 0 {
		return nil
	}
	avg := sum / float64(n)
	return &avg
}
