// Package analytics records per-interaction emotional signals and
// aggregates them into daily trends.
package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/ekho-app/ekho/errors"
)

// Event is one analytics record written after a chat exchange
type Event struct {
	UserID       string            `json:"user_id"`
	EmotionalTag string            `json:"emotional_tag"`
	Mode         string            `json:"mode"`
	Tags         map[string]string `json:"tags,omitempty"`
	// Score is the reply sentiment in [-1, 1]
	Score      float64   `json:"score"`
	RecordedAt time.Time `json:"recorded_at"`
}

// TrendPoint is one day of aggregated sentiment
type TrendPoint struct {
	Date         string  `json:"date"`
	AvgSentiment float64 `json:"avg_sentiment"`
	Count        int     `json:"count"`
}

// ModeCount is how often a conversation mode occurred
type ModeCount struct {
	Mode  string `json:"mode"`
	Count int    `json:"count"`
}

// Tracker writes events to and reads trends from SQLite
type Tracker struct {
	db  *sql.DB
	now func() time.Time
}

// NewTracker creates a tracker over a migrated database
func NewTracker(db *sql.DB) *Tracker {
	return &Tracker{db: db, now: time.Now}
}

// RecordEvent stores ev; RecordedAt defaults to now
func (t *Tracker) RecordEvent(ctx context.Context, ev Event) error {
	if ev.UserID == "" {
		return errors.NewInvalidRequestError("analytics event requires a user id")
	}
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = t.now()
	}
	tags := "{}"
	if len(ev.Tags) > 0 {
		data, err := json.Marshal(ev.Tags)
		if err != nil {
			return errors.Wrap(err, "failed to encode tags")
		}
		tags = string(data)
	}

	query := `
		INSERT INTO analytics_events (user_id, emotional_tag, mode, tags, score, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err := t.db.ExecContext(ctx, query,
		ev.UserID, ev.EmotionalTag, ev.Mode, tags, ev.Score, ev.RecordedAt.UTC())
	if err != nil {
		return errors.Wrapf(err, "failed to record analytics event for %s", ev.UserID)
	}
	return nil
}

// EmotionalTrends returns daily average sentiment over the last days days,
// oldest first. Days without events are omitted.
func (t *Tracker) EmotionalTrends(ctx context.Context, userID string, days int) ([]TrendPoint, error) {
	if days <= 0 {
		days = 30
	}
	since := t.now().UTC().AddDate(0, 0, -days).Format(time.DateOnly)

	query := `
		SELECT
			substr(recorded_at, 1, 10) as day,
			AVG(score) as avg_sentiment,
			COUNT(*) as event_count
		FROM analytics_events
		WHERE user_id = ? AND substr(recorded_at, 1, 10) >= ?
		GROUP BY day
		ORDER BY day ASC`

	rows, err := t.db.QueryContext(ctx, query, userID, since)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query trends for %s", userID)
	}
	defer rows.Close()

	points := []TrendPoint{}
	for rows.Next() {
		var p TrendPoint
		if err := rows.Scan(&p.Date, &p.AvgSentiment, &p.Count); err != nil {
			return nil, errors.Wrap(err, "failed to scan trend point")
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read trends")
	}
	return points, nil
}

// ModeBreakdown counts conversation modes since the given time, most frequent first
func (t *Tracker) ModeBreakdown(ctx context.Context, userID string, since time.Time) ([]ModeCount, error) {
	query := `
		SELECT mode, COUNT(*) as mode_count
		FROM analytics_events
		WHERE user_id = ? AND substr(recorded_at, 1, 10) >= ?
		GROUP BY mode
		ORDER BY mode_count DESC, mode ASC`

	rows, err := t.db.QueryContext(ctx, query, userID, since.UTC().Format(time.DateOnly))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query modes for %s", userID)
	}
	defer rows.Close()

	counts := []ModeCount{}
	for rows.Next() {
		var mc ModeCount
		if err := rows.Scan(&mc.Mode, &mc.Count); err != nil {
			return nil, errors.Wrap(err, "failed to scan mode count")
		}
		counts = append(counts, mc)
	}
	return counts, rows.Err()
}
