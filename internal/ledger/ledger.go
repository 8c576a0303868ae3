// Package ledger provides an append-only history of scene controller activity.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/sceneswitch/internal/scene"
)

// Entry represents a single event in the ledger
type Entry struct {
	ID         int64              `json:"id"`
	Controller string             `json:"controller"`
	EventType  scene.ActivityKind `json:"event_type"`
	Timestamp  time.Time          `json:"timestamp"`
	SceneIndex int                `json:"scene_index"`
	SceneName  string             `json:"scene_name,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	BatchID    string             `json:"batch_id,omitempty"`
	Payload    map[string]any     `json:"payload,omitempty"`
}

// Ledger provides append-only activity logging
type Ledger struct {
	db *sql.DB
}

var _ scene.Recorder = (*Ledger)(nil)

// New creates a new Ledger using the provided database connection
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Record stores a controller activity. Failures are logged, not returned.
func (l *Ledger) Record(a scene.Activity) {
	if err := l.Append(a, nil); err != nil {
		log.Error().Err(err).Str("controller", a.Controller).Msg("Failed to record activity")
	}
}

// Append adds a new activity with an optional payload
func (l *Ledger) Append(a scene.Activity, payload map[string]any) error {
	var payloadJSON []byte
	var err error

	if payload != nil {
		payloadJSON, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	at := a.At
	if at.IsZero() {
		at = time.Now()
	}

	_, err = l.db.Exec(`
		INSERT INTO event_ledger (controller, event_type, timestamp, scene_index, scene_name, reason, batch_id, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.Controller, string(a.Kind), at.UTC().UnixMilli(), a.SceneIndex, a.SceneName, a.Reason, a.BatchID, string(payloadJSON))
	return err
}

// GetByController returns the most recent entries of one controller, newest first
func (l *Ledger) GetByController(controller string, limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, controller, event_type, timestamp, scene_index, scene_name, reason, batch_id, payload
		FROM event_ledger
		WHERE controller = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, controller, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// GetByType returns entries filtered by event type, newest first
func (l *Ledger) GetByType(kind scene.ActivityKind, limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, controller, event_type, timestamp, scene_index, scene_name, reason, batch_id, payload
		FROM event_ledger
		WHERE event_type = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, string(kind), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// DeleteOlderThan removes entries older than the specified duration (retention policy)
func (l *Ledger) DeleteOlderThan(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UTC().UnixMilli()
	result, err := l.db.Exec(`DELETE FROM event_ledger WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// RunCleanup periodically deletes entries older than retention until ctx is cancelled.
func (l *Ledger) RunCleanup(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := l.DeleteOlderThan(retention)
			if err != nil {
				log.Error().Err(err).Msg("Failed to cleanup old ledger entries")
			} else if deleted > 0 {
				log.Info().Int64("deleted", deleted).Dur("retention", retention).Msg("Cleaned up old ledger entries")
			}
		}
	}
}

func (l *Ledger) scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var entry Entry
		var sceneName, reason, batchID, payloadStr sql.NullString
		var timestamp int64

		err := rows.Scan(
			&entry.ID, &entry.Controller, &entry.EventType, &timestamp, &entry.SceneIndex,
			&sceneName, &reason, &batchID, &payloadStr,
		)
		if err != nil {
			return nil, err
		}

		entry.Timestamp = time.UnixMilli(timestamp).UTC()
		entry.SceneName = sceneName.String
		entry.Reason = reason.String
		entry.BatchID = batchID.String

		if payloadStr.Valid && payloadStr.String != "" {
			entry.Payload = make(map[string]any)
			if err := json.Unmarshal([]byte(payloadStr.String), &entry.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}
